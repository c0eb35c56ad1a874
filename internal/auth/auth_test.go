package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func TestPasswordRoundTrip(t *testing.T) {
	h := NewPasswordHasher()
	hash, err := h.HashPassword("s3cret")
	assert.NilError(t, err)

	ok, err := h.VerifyPassword("s3cret", hash)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	ok, err = h.VerifyPassword("wrong", hash)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	_, err = h.VerifyPassword("s3cret", "plain")
	assert.Error(t, err, "invalid hash format")

	_, err = h.HashPassword("")
	assert.Error(t, err, "password must not be empty")
}

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWTHandler("0123456789abcdef0123456789abcdef", time.Minute)
	token, expires, err := j.GenerateAccessToken([16]byte{1}, "alice", "operator")
	assert.NilError(t, err)
	assert.Assert(t, expires.After(time.Now()))

	claims, err := j.ValidateAccessToken(token)
	assert.NilError(t, err)
	assert.Equal(t, claims.Username, "alice")
	assert.Equal(t, claims.Role, "operator")

	other := NewJWTHandler("another-secret-another-secret-xx", time.Minute)
	_, err = other.ValidateAccessToken(token)
	assert.ErrorContains(t, err, "failed to parse token")

	expired := NewJWTHandler("0123456789abcdef0123456789abcdef", -time.Minute)
	token, _, err = expired.GenerateAccessToken([16]byte{1}, "alice", "operator")
	assert.NilError(t, err)
	_, err = j.ValidateAccessToken(token)
	assert.ErrorContains(t, err, "expired")
}

func newService(t *testing.T) *AuthService {
	t.Helper()
	hash, err := NewPasswordHasher().HashPassword("pump-room")
	assert.NilError(t, err)
	return NewAuthService(config.AuthConfig{
		JWTSecretEnv:   "MBP_AUTH_TEST_SECRET",
		AccessTokenTTL: time.Minute,
		Users: []config.UserConfig{
			{Username: "olga", PasswordHash: hash, Role: "operator"},
			{Username: "vic", PasswordHash: hash},
		},
	}, zap.NewNop())
}

func TestLoginUser(t *testing.T) {
	svc := newService(t)

	token, _, err := svc.LoginUser("olga", "pump-room", "127.0.0.1")
	assert.NilError(t, err)

	claims, perms, err := svc.ValidateToken(token)
	assert.NilError(t, err)
	assert.Equal(t, claims.Username, "olga")
	assert.DeepEqual(t, perms, []Permission{PermViewer, PermOperator})

	_, _, err = svc.LoginUser("olga", "nope", "127.0.0.1")
	assert.Assert(t, errors.Is(err, ErrInvalidCredentials))
	_, _, err = svc.LoginUser("mallory", "pump-room", "127.0.0.1")
	assert.Assert(t, errors.Is(err, ErrInvalidCredentials))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t)

	r := gin.New()
	r.Use(svc.AuthMiddleware())
	r.GET("/read", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/write", RequirePermission(PermOperator), func(c *gin.Context) { c.Status(http.StatusOK) })

	operator, _, err := svc.LoginUser("olga", "pump-room", "")
	assert.NilError(t, err)
	viewer, _, err := svc.LoginUser("vic", "pump-room", "")
	assert.NilError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/read", "Token " + operator, http.StatusUnauthorized},
		{"garbage", http.MethodGet, "/read", "Bearer xyz", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/read", "Bearer " + viewer, http.StatusOK},
		{"viewer writes", http.MethodPost, "/write", "Bearer " + viewer, http.StatusForbidden},
		{"operator writes", http.MethodPost, "/write", "Bearer " + operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, w.Code, tt.want)
		})
	}
}

func TestMiddlewareOpenWithoutUsers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewAuthService(config.AuthConfig{AccessTokenTTL: time.Minute}, zap.NewNop())
	assert.Assert(t, !svc.Enabled())

	r := gin.New()
	r.Use(svc.AuthMiddleware())
	r.POST("/reload", RequirePermission(PermAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, w.Code, http.StatusNoContent)
}
