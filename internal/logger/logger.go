package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "makerchecker"

var globalLogger *zap.Logger

type contextKey string

const (
	traceIDKey           contextKey = "trace_id"
	approvalRequestIDKey contextKey = "approval_request_id"
)

// Init 初始化日志系统
// format: json | console；outputPath: stdout | stderr | 文件路径
func Init(level, format, outputPath string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	sink, err := openSink(outputPath)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(newEncoder(format), sink, zapLevel)
	globalLogger = zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	)
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func openSink(outputPath string) (zapcore.WriteSyncer, error) {
	switch outputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// Get 获取全局 Logger，未初始化时返回空操作 Logger
func Get() *zap.Logger {
	if globalLogger == nil {
		return zap.NewNop()
	}
	return globalLogger
}

// Set 替换全局 Logger（测试中注入 zaptest）
func Set(l *zap.Logger) {
	globalLogger = l
}

// WithTraceID 创建带 TraceID 的上下文
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID 从上下文获取 TraceID
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithApprovalRequest 把正在处理的审批请求 id 放入上下文，SQL 日志与业务日志据此关联
func WithApprovalRequest(ctx context.Context, requestID uint64) context.Context {
	return context.WithValue(ctx, approvalRequestIDKey, requestID)
}

// ApprovalRequestID 从上下文获取审批请求 id
func ApprovalRequestID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(approvalRequestIDKey).(uint64)
	return id, ok
}

// ContextFields 上下文携带的关联字段
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if id, ok := ApprovalRequestID(ctx); ok {
		fields = append(fields, zap.Uint64("requestId", id))
	}
	return fields
}

// WithContext 创建带上下文关联字段的 Logger
func WithContext(ctx context.Context) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return Get()
	}
	return Get().With(fields...)
}

// WithRequest 创建带审批请求与操作人的 Logger
func WithRequest(ctx context.Context, requestID uint64, actor string) *zap.Logger {
	return WithContext(WithApprovalRequest(ctx, requestID)).With(zap.String("actor", actor))
}

// Debug 便捷方法
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

// Info 便捷方法
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Warn 便捷方法
func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error 便捷方法
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Fatal 便捷方法
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Sync 刷新日志缓冲区
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
