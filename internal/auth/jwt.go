package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"makerchecker/internal/identity"
)

// 令牌类型
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrTokenRevoked 令牌已被注销
var ErrTokenRevoked = errors.New("令牌已失效")

// JWTService JWT 令牌服务
type JWTService struct {
	secretKey     []byte
	issuer        string
	accessExpiry  time.Duration         // 访问令牌过期时间（默认 2 小时）
	refreshExpiry time.Duration         // 刷新令牌过期时间（默认 7 天）
	redisClient   redis.UniversalClient // Redis 客户端，用于黑名单
}

// NewJWTService 创建 JWT 服务
func NewJWTService(secretKey, issuer string, redisClient redis.UniversalClient) *JWTService {
	return &JWTService{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		accessExpiry:  2 * time.Hour,
		refreshExpiry: 7 * 24 * time.Hour,
		redisClient:   redisClient,
	}
}

// TokenClaims JWT 声明，携带身份提供方给出的操作人信息
type TokenClaims struct {
	Name           string   `json:"name,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"org,omitempty"`
	TokenType      string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Actor 转换为操作人
func (c *TokenClaims) Actor() identity.Actor {
	return identity.Actor{
		Username:       c.Subject,
		Name:           c.Name,
		Email:          c.Email,
		Roles:          c.Roles,
		OrganizationID: c.OrganizationID,
	}
}

// TokenPair 令牌对
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // 秒
}

// GenerateTokenPair 生成访问令牌和刷新令牌对
func (s *JWTService) GenerateTokenPair(actor identity.Actor) (*TokenPair, error) {
	if actor.Username == "" {
		return nil, fmt.Errorf("用户名不能为空")
	}
	accessToken, err := s.generateToken(actor, TokenTypeAccess, s.accessExpiry)
	if err != nil {
		return nil, fmt.Errorf("生成访问令牌失败: %w", err)
	}
	refreshToken, err := s.generateToken(actor, TokenTypeRefresh, s.refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("生成刷新令牌失败: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, nil
}

// generateToken 生成 JWT 令牌
func (s *JWTService) generateToken(actor identity.Actor, tokenType string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		Name:           actor.Name,
		Email:          actor.Email,
		Roles:          actor.Roles,
		OrganizationID: actor.OrganizationID,
		TokenType:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   actor.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("签名令牌失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证并解析 JWT 令牌
func (s *JWTService) ValidateToken(ctx context.Context, tokenString string) (*TokenClaims, error) {
	if s.IsTokenBlacklisted(ctx, tokenString) {
		return nil, ErrTokenRevoked
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("无效的签名算法: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("解析令牌失败: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("无效的令牌")
	}
	return claims, nil
}

// RefreshAccessToken 使用刷新令牌生成新的访问令牌
func (s *JWTService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("刷新令牌验证失败: %w", err)
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("令牌类型错误: 期望 refresh，实际 %s", claims.TokenType)
	}
	return s.GenerateTokenPair(claims.Actor())
}

// InvalidateToken 使令牌失效（加入黑名单）
func (s *JWTService) InvalidateToken(ctx context.Context, tokenString string) error {
	if s.redisClient == nil {
		return nil
	}

	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &TokenClaims{})
	if err != nil {
		return fmt.Errorf("解析令牌失败: %w", err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || claims.ExpiresAt == nil {
		return fmt.Errorf("无效的令牌声明")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := s.redisClient.Set(ctx, blacklistKey(tokenString), "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("加入黑名单失败: %w", err)
	}
	return nil
}

// IsTokenBlacklisted 检查令牌是否在黑名单中；Redis 故障时放行
func (s *JWTService) IsTokenBlacklisted(ctx context.Context, tokenString string) bool {
	if s.redisClient == nil {
		return false
	}
	exists, err := s.redisClient.Exists(ctx, blacklistKey(tokenString)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

func blacklistKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return "makerchecker:blacklist:token:" + hex.EncodeToString(sum[:])
}

// ExtractTokenFromBearer 从 Bearer 令牌中提取纯令牌字符串
func ExtractTokenFromBearer(bearerToken string) string {
	const prefix = "Bearer "
	bearerToken = strings.TrimSpace(bearerToken)
	// 请求头尾部空白会被 net/http 去掉，"Bearer " 到这里只剩 "Bearer"
	if strings.EqualFold(bearerToken, strings.TrimSpace(prefix)) {
		return ""
	}
	if len(bearerToken) >= len(prefix) && strings.EqualFold(bearerToken[:len(prefix)], prefix) {
		return strings.TrimSpace(bearerToken[len(prefix):])
	}
	return bearerToken
}
