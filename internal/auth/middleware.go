package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"makerchecker/internal/common"
	"makerchecker/internal/identity"
)

// ActorContextKey gin 上下文中操作人的键
const ActorContextKey = "actor"

// AuthMiddleware JWT 认证中间件，解析出的操作人同时写入 gin 上下文和 request context
func AuthMiddleware(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, common.NewUnauthorizedError("缺少认证令牌"))
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		if token == "" {
			abort(c, http.StatusUnauthorized, common.NewUnauthorizedError("无效的令牌格式"))
			return
		}

		claims, err := jwtService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abort(c, http.StatusUnauthorized, common.NewUnauthorizedError("令牌验证失败"))
			return
		}
		if claims.TokenType != TokenTypeAccess {
			abort(c, http.StatusUnauthorized, common.NewUnauthorizedError("令牌类型错误"))
			return
		}

		SetActor(c, claims.Actor())
		c.Next()
	}
}

// RequirePermission 粗粒度权限检查，如 "approval:treat"
func RequirePermission(checker PermissionChecker, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			abort(c, http.StatusUnauthorized, common.NewUnauthorizedError("未认证"))
			return
		}
		allowed, err := checker.CanInitiate(c.Request.Context(), actor, permission)
		if err != nil {
			abort(c, http.StatusInternalServerError, &common.BusinessError{Code: common.CodeInternalError, Kind: common.KindInternal, Message: "权限检查失败"})
			return
		}
		if !allowed {
			abort(c, http.StatusForbidden, common.NewForbiddenError("权限不足: %s", permission))
			return
		}
		c.Next()
	}
}

// SetActor 写入操作人
func SetActor(c *gin.Context, actor identity.Actor) {
	c.Set(ActorContextKey, actor)
	c.Request = c.Request.WithContext(identity.WithActor(c.Request.Context(), actor))
}

// GetActor 从 gin 上下文读取操作人
func GetActor(c *gin.Context) (identity.Actor, bool) {
	v, exists := c.Get(ActorContextKey)
	if !exists {
		return identity.FromContext(c.Request.Context())
	}
	actor, ok := v.(identity.Actor)
	return actor, ok && actor.Username != ""
}

func abort(c *gin.Context, status int, err *common.BusinessError) {
	c.AbortWithStatusJSON(status, common.ErrorResponse(err))
}
