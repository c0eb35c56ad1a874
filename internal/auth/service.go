package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Permission string

const (
	// PermViewer reads device lists, values and live data.
	PermViewer Permission = "viewer"
	// PermOperator starts and stops sessions and writes to devices.
	PermOperator Permission = "operator"
	// PermAdmin reloads device definitions.
	PermAdmin Permission = "admin"
)

type user struct {
	id           uuid.UUID
	username     string
	passwordHash string
	role         string
}

// AuthService authenticates the operator accounts listed in the
// configuration and issues access tokens for them.
type AuthService struct {
	users          map[string]user
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret not configured, using development secret",
			zap.String("env", cfg.JWTSecretEnv))
	}

	users := make(map[string]user, len(cfg.Users))
	for _, u := range cfg.Users {
		role := strings.ToLower(u.Role)
		if role == "" {
			role = string(PermViewer)
		}
		users[u.Username] = user{
			id:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("user:"+u.Username)),
			username:     u.Username,
			passwordHash: u.PasswordHash,
			role:         role,
		}
	}

	return &AuthService{
		users:          users,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
	}
}

// Enabled reports whether any account is configured. Without accounts the
// API runs unauthenticated.
func (a *AuthService) Enabled() bool {
	return len(a.users) > 0
}

// LoginUser authenticates a user and returns an access token
func (a *AuthService) LoginUser(username, password, ipAddress string) (string, time.Time, error) {
	u, ok := a.users[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "user not found"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, u.passwordHash)
	if err != nil || !valid {
		a.logger.Warn("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "invalid password"), zap.Error(err))
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(u.id, u.username, u.role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("ip", ipAddress))
	return token, expires, nil
}

// ValidateToken returns the claims and permissions of an access token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

// HashPassword produces a hash suitable for auth.users[].password_hash.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermViewer, PermOperator, PermAdmin}
	case "operator":
		return []Permission{PermViewer, PermOperator}
	default:
		return []Permission{PermViewer}
	}
}
