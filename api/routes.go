package api

import (
	"makerchecker/internal/auth"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	// 认证 API（刷新令牌公开）
	registerAuthRoutes(router, container, handlers)

	api := router.Group("/api")
	api.Use(auth.AuthMiddleware(container.JWTService))
	registerAPIRoutes(api, container, handlers)
}

// registerAuthRoutes 注册认证相关路由
func registerAuthRoutes(router *gin.Engine, c *AppContainer, h *Handlers) {
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/refresh", h.Auth.Refresh)
		authGroup.POST("/logout", h.Auth.Logout)
		authGroup.GET("/me", auth.AuthMiddleware(c.JWTService), h.Auth.Me)
	}
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, c *AppContainer, h *Handlers) {
	// 权限守卫
	ruleAdminGuard := auth.RequirePermission(c.Permissions, "approval-rule:manage")
	treatGuard := auth.RequirePermission(c.Permissions, "approval:treat")

	// 受保护的业务模块：写操作提交审批请求
	registerRoleRoutes(apiGroup, h)

	// 审批请求与决策
	registerApprovalRoutes(apiGroup, h, treatGuard)

	// 审批规则管理
	registerRuleRoutes(apiGroup, h, ruleAdminGuard)
}

func registerRoleRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	roles := apiGroup.Group("/roles")
	{
		roles.GET("", h.Role.List)
		roles.GET("/:id", h.Role.Get)
		roles.POST("", h.Role.Create)
		roles.PUT("/:id", h.Role.Update)
		roles.DELETE("/:id", h.Role.Delete)
	}
}

// 决策与重试要求 approval:treat；是否为本请求的审批人由审批管理器再判定
func registerApprovalRoutes(apiGroup *gin.RouterGroup, h *Handlers, treatGuard gin.HandlerFunc) {
	approvals := apiGroup.Group("/approvals")
	{
		approvals.GET("", h.Approval.List)
		approvals.GET("/:id", h.Approval.Get)
		approvals.GET("/:id/audit", h.Approval.AuditTrail)
		approvals.POST("/:id/decision", treatGuard, h.Approval.Decide)
		approvals.POST("/:id/retry", treatGuard, h.Approval.Retry)
	}
}

func registerRuleRoutes(apiGroup *gin.RouterGroup, h *Handlers, adminGuard gin.HandlerFunc) {
	rules := apiGroup.Group("/approval-rules")
	{
		rules.GET("", h.Rule.List)
		rules.GET("/:id", h.Rule.Get)
		rules.POST("/resolve", h.Rule.Resolve)
		rules.POST("", adminGuard, h.Rule.Create)
		rules.PUT("/:id", adminGuard, h.Rule.Update)
		rules.DELETE("/:id", adminGuard, h.Rule.Disable)
	}
}
