package infra

import (
	"context"
	"errors"
	"strings"
	"time"

	"makerchecker/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// SQLLogger 把 GORM 日志写入 zap
//
// 每条日志附带上下文中的 trace_id 与审批请求 id，一次审批决策产生的 SQL 可以按 requestId 串起来。
// 记录不存在不视为错误：仓储层会把它转换为 NotFound 业务错误。
type SQLLogger struct {
	base          *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

// NewSQLLogger 创建 GORM 日志适配器
func NewSQLLogger(base *zap.Logger, level gormLogger.LogLevel, slowThreshold time.Duration) *SQLLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &SQLLogger{base: base.Named("sql"), level: level, slowThreshold: slowThreshold}
}

// ParseSQLLogLevel 解析 database.log_level，未知取值按 warn 处理
func ParseSQLLogLevel(level string) gormLogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return gormLogger.Silent
	case "error":
		return gormLogger.Error
	case "info":
		return gormLogger.Info
	default:
		return gormLogger.Warn
	}
}

// LogMode 实现 gormLogger.Interface
func (l *SQLLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *SQLLogger) with(ctx context.Context) *zap.Logger {
	if fields := logger.ContextFields(ctx); len(fields) > 0 {
		return l.base.With(fields...)
	}
	return l.base
}

// Info 实现 gormLogger.Interface
func (l *SQLLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Info {
		l.with(ctx).Sugar().Infof(msg, data...)
	}
}

// Warn 实现 gormLogger.Interface
func (l *SQLLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Warn {
		l.with(ctx).Sugar().Warnf(msg, data...)
	}
}

// Error 实现 gormLogger.Interface
func (l *SQLLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Error {
		l.with(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace 按错误、慢查询、普通语句三档输出
func (l *SQLLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound)
	slow := l.slowThreshold > 0 && elapsed > l.slowThreshold

	switch {
	case failed && l.level >= gormLogger.Error:
	case slow && l.level >= gormLogger.Warn:
	case l.level >= gormLogger.Info:
	default:
		return
	}

	sql, rows := fc()
	log := l.with(ctx).With(
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	)
	switch {
	case failed:
		log.Error("SQL 执行错误", zap.Error(err))
	case slow:
		log.Warn("SQL 慢查询", zap.Duration("threshold", l.slowThreshold))
	default:
		log.Debug("SQL 执行")
	}
}
