package api

import (
	"makerchecker/internal/config"
	"makerchecker/internal/metrics"
	middlewarepkg "makerchecker/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由与应用容器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *AppContainer, error) {
	container, err := InitContainer(db, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewRouter(container, container.InitHandlers()), container, nil
}

// NewRouter 创建 Gin 路由并挂载中间件与路由
func NewRouter(container *AppContainer, handlers *Handlers) *gin.Engine {
	router := gin.New()

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS(container.Config.Server.CORS))
	router.Use(metrics.PrometheusMiddleware())

	// 健康检查与指标
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(container))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterRoutes(router, container, handlers)
	return router
}
