// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultJWTExpiration = 60 * time.Minute
	issuer               = "iot-sim-gateway"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingSecret      = errors.New("jwt secret not configured")
)

// Config holds authentication configuration
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	APIKeys       []string      `mapstructure:"api_keys"`
	Users         []User        `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	Role         string `mapstructure:"role" yaml:"role"`
}

// Manager issues and checks credentials for the mutating HTTP endpoints.
type Manager struct {
	config Config
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewManager(config Config) *Manager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = DefaultJWTExpiration
	}
	return &Manager{config: config, now: time.Now}
}

// Enabled reports whether requests must carry credentials.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// GenerateJWT creates a signed token for a user.
func (m *Manager) GenerateJWT(username, role string) (string, time.Time, error) {
	if m.config.JWTSecret == "" {
		return "", time.Time{}, ErrMissingSecret
	}
	now := m.now()
	expiresAt := now.Add(m.config.JWTExpiration)

	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateJWT parses and verifies a token string.
func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	if m.config.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (m *Manager) ValidateAPIKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	for _, valid := range m.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// AuthenticateUser checks a username/password pair and returns the user's role.
// Unknown users and wrong passwords produce the same error.
func (m *Manager) AuthenticateUser(username, password string) (string, error) {
	for _, user := range m.config.Users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return "", ErrInvalidCredentials
		}
		return user.Role, nil
	}
	return "", ErrInvalidCredentials
}

// HashPassword creates a bcrypt hash from a password. cost 0 selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(b), err
}

type ctxKey struct{}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Username string
	Role     string
	Method   string // "jwt" or "api_key"
}

// PrincipalFromContext returns the caller set by Middleware, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Middleware accepts either a Bearer token or an X-API-Key header. It is a no-op
// when authentication is disabled.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if !m.ValidateAPIKey(apiKey) {
				writeUnauthorized(w, "Invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, Principal{Method: "api_key"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeUnauthorized(w, "Authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeUnauthorized(w, "Invalid authorization format")
			return
		}

		claims, err := m.ValidateJWT(token)
		if err != nil {
			writeUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, Principal{
			Username: claims.Username,
			Role:     claims.Role,
			Method:   "jwt",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+issuer+`"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
