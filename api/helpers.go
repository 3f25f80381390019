package api

import (
	"makerchecker/internal/infra"

	"github.com/gin-gonic/gin"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Database string `json:"database,omitempty"`
	Redis    string `json:"redis,omitempty"`
}

// HealthCheck 存活检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, HealthResponse{
			Status:  "healthy",
			Service: "makerchecker",
		})
	}
}

// ReadinessCheck 就绪检查
// 数据库不可用时返回 503；开启异步执行时 Redis 同样是必需依赖
func ReadinessCheck(container *AppContainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := infra.HealthCheck(container.DB); err != nil {
			c.JSON(503, ReadinessResponse{
				Status: "not_ready",
				Reason: "database ping failed",
			})
			return
		}

		resp := ReadinessResponse{Status: "ready", Database: "connected", Redis: "disabled"}
		if container.RedisClient != nil {
			if err := infra.HealthCheckRedis(c.Request.Context(), container.RedisClient); err != nil {
				if container.QueueClient != nil {
					c.JSON(503, ReadinessResponse{
						Status:   "not_ready",
						Reason:   "redis ping failed",
						Database: "connected",
					})
					return
				}
				resp.Redis = "unavailable"
			} else {
				resp.Redis = "connected"
			}
		}
		c.JSON(200, resp)
	}
}
