package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// 未匹配路由统一归到一个标签，避免扫描请求把 path 标签基数撑爆
const unmatchedRoute = "unmatched"

var skipPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// PrometheusMiddleware 按路由模板记录请求数、耗时与响应大小
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := skipPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := routeLabel(c)
		method := c.Request.Method
		APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		APIRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			APIResponseSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}

func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}
