package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerchecker/internal/identity"
)

var checker = identity.Actor{
	Username:       "alice",
	Name:           "Alice",
	Email:          "alice@example.com",
	Roles:          []string{"approve-delete-backoffice-role"},
	OrganizationID: "org-1",
}

func TestJWTRoundTripCarriesActor(t *testing.T) {
	svc := NewJWTService("test-secret", "makerchecker", nil)
	pair, err := svc.GenerateTokenPair(checker)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)

	claims, err := svc.ValidateToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.Equal(t, checker, claims.Actor())

	refreshed, err := svc.RefreshAccessToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)

	_, err = svc.RefreshAccessToken(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignIssuerAndSecret(t *testing.T) {
	svc := NewJWTService("test-secret", "makerchecker", nil)
	other := NewJWTService("test-secret", "someone-else", nil)
	pair, err := other.GenerateTokenPair(checker)
	require.NoError(t, err)
	_, err = svc.ValidateToken(context.Background(), pair.AccessToken)
	assert.Error(t, err)

	wrongKey := NewJWTService("other-secret", "makerchecker", nil)
	pair, err = wrongKey.GenerateTokenPair(checker)
	require.NoError(t, err)
	_, err = svc.ValidateToken(context.Background(), pair.AccessToken)
	assert.Error(t, err)

	_, err = svc.GenerateTokenPair(identity.Actor{})
	assert.Error(t, err)
}

func TestExtractTokenFromBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractTokenFromBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractTokenFromBearer("bearer abc"))
	assert.Equal(t, "abc", ExtractTokenFromBearer("abc"))
	assert.Equal(t, "", ExtractTokenFromBearer("Bearer "))
	assert.Equal(t, "", ExtractTokenFromBearer("Bearer"))
	assert.Equal(t, "", ExtractTokenFromBearer("  bearer   "))
	assert.Equal(t, "abc", ExtractTokenFromBearer("  Bearer   abc "))
}

func TestStaticPermissionChecker(t *testing.T) {
	c := NewStaticPermissionChecker(map[string][]string{
		"backoffice-admin": {"*"},
		"role-maker":       {"role:create", "role:edit"},
		"role-auditor":     {"approval:*"},
	})
	ctx := context.Background()

	ok, err := c.CanInitiate(ctx, identity.Actor{Roles: []string{"Role-Maker"}}, "role:create")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.CanInitiate(ctx, identity.Actor{Roles: []string{"role-maker"}}, "role:delete")
	assert.False(t, ok)

	ok, _ = c.CanInitiate(ctx, identity.Actor{Roles: []string{"backoffice-admin"}}, "payout:create")
	assert.True(t, ok)

	ok, _ = c.CanInitiate(ctx, identity.Actor{Roles: []string{"role-auditor"}}, "approval:treat")
	assert.True(t, ok)

	ok, _ = c.CanInitiate(ctx, identity.Actor{}, "role:create")
	assert.False(t, ok)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewJWTService("test-secret", "makerchecker", nil)
	perms := NewStaticPermissionChecker(map[string][]string{"approve-delete-backoffice-role": {"approval:treat"}})

	r := gin.New()
	r.GET("/me", AuthMiddleware(svc), RequirePermission(perms, "approval:treat"), func(c *gin.Context) {
		actor, ok := GetActor(c)
		require.True(t, ok)
		fromCtx, ok := identity.FromContext(c.Request.Context())
		require.True(t, ok)
		assert.Equal(t, actor, fromCtx)
		c.String(http.StatusOK, actor.Username)
	})
	r.GET("/admin", AuthMiddleware(svc), RequirePermission(perms, "rule:manage"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"UNAUTHORIZED"`)

	pair, err := svc.GenerateTokenPair(checker)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
