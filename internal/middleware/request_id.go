package middleware

import (
	"context"

	"makerchecker/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 上下文键
type contextKey string

const (
	// RequestIDKey 请求 ID 上下文键
	RequestIDKey contextKey = "request_id"
	// TraceIDKey 追踪 ID 上下文键
	TraceIDKey contextKey = "trace_id"
)

// HTTP 头常量
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// RequestIDMiddleware 请求 ID 中间件
// 为每个请求生成唯一的请求 ID；trace ID 同时写入日志上下文
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 尝试从请求头获取 Request ID（支持上游传递）
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID // 如果没有 Trace ID，使用 Request ID
		}

		c.Set(string(RequestIDKey), requestID)
		c.Set(string(TraceIDKey), traceID)

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = logger.WithTraceID(ctx, traceID)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)

		c.Next()
	}
}

// GetRequestID 从上下文获取请求 ID
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(RequestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetRequestIDFromGin 从 Gin 上下文获取请求 ID
func GetRequestIDFromGin(c *gin.Context) string {
	if id, exists := c.Get(string(RequestIDKey)); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
