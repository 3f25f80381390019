package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"makerchecker/internal/auth"
	"makerchecker/internal/config"
	"makerchecker/internal/logger"
	middlewarepkg "makerchecker/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	defaultCORSHeaders = []string{
		"Content-Type", "Authorization", "Accept", "Origin",
		middlewarepkg.HeaderRequestID, middlewarepkg.HeaderTraceID,
	}
	defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
)

// RequestLogger 访问日志
// 审批接口的每条访问日志带 trace_id 与操作人，5xx 记为 Error，4xx 记为 Warn
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", middlewarepkg.GetRequestIDFromGin(c)),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if actor, ok := auth.GetActor(c); ok {
			fields = append(fields, zap.String("actor", actor.Username))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		log := logger.WithContext(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("HTTP 请求", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("HTTP 请求", fields...)
		default:
			log.Info("HTTP 请求", fields...)
		}
	}
}

// CORS 跨域中间件，来源白名单为空时放开所有来源
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	headers := strings.Join(orDefault(cfg.AllowHeaders, defaultCORSHeaders), ", ")
	methods := strings.Join(orDefault(cfg.AllowMethods, defaultCORSMethods), ", ")
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = 600
	}
	exposed := middlewarepkg.HeaderRequestID + ", " + middlewarepkg.HeaderTraceID

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()
		switch {
		case len(cfg.AllowOrigins) == 0:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(cfg.AllowOrigins, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Headers", headers)
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Expose-Headers", exposed)
		h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}
