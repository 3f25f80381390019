package auth

import (
	"errors"
	"net/http"

	response "makerchecker/api/handlers/common"
	"makerchecker/internal/auth"
	"makerchecker/internal/common"
	"makerchecker/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler 令牌处理器；登录由外部身份提供方完成
type AuthHandler struct {
	jwtService *auth.JWTService
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{jwtService: jwtService}
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh 刷新访问令牌
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误")
		return
	}

	tokenPair, err := h.jwtService.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		msg := "刷新令牌失败"
		if errors.Is(err, auth.ErrTokenRevoked) {
			msg = "刷新令牌已撤销"
		}
		response.Error(c, common.NewUnauthorizedError("%s", msg))
		return
	}

	c.JSON(http.StatusOK, tokenPair)
}

// Logout 撤销当前访问令牌与可选的刷新令牌
func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	ctx := c.Request.Context()
	tokens := []string{auth.ExtractTokenFromBearer(c.GetHeader("Authorization"))}
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		tokens = append(tokens, req.RefreshToken)
	}
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if err := h.jwtService.InvalidateToken(ctx, token); err != nil {
			// 记录错误但不中断登出流程
			logger.WithContext(ctx).Warn("撤销令牌失败", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "登出成功"})
}

// Me 当前操作人
func (h *AuthHandler) Me(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		response.Error(c, common.NewUnauthorizedError("未认证"))
		return
	}
	response.OK(c, actor)
}
