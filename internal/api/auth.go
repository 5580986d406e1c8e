package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
)

// devUserHeader carries the caller identity when no JWT secret is configured.
const devUserHeader = "X-User-ID"

// Authentication errors.
var (
	errMissingToken = errors.New("bearer token is required")
	errInvalidToken = errors.New("invalid or expired token")
	errNoSubject    = errors.New("token has no subject")
	errMissingUser  = errors.New(devUserHeader + " header is required")
)

// authenticator resolves the caller's user ID from a request.
type authenticator struct {
	secret []byte
	issuer string
}

func newAuthenticator(cfg config.AuthConfig) authenticator {
	return authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// devMode reports whether identities are taken on trust from X-User-ID.
func (a authenticator) devMode() bool {
	return len(a.secret) == 0
}

func (a authenticator) authenticate(r *http.Request) (string, error) {
	if a.devMode() {
		user := strings.TrimSpace(r.Header.Get(devUserHeader))
		if user == "" {
			return "", errMissingUser
		}
		return user, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return "", errMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errNoSubject
	}
	return sub, nil
}

// bearerToken reads the Authorization header, falling back to the "token"
// query parameter for WebSocket upgrades where browsers cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// IssueToken signs an HS256 token for subject. It is used by the daemon's
// -issue-token flag and by tests.
func IssueToken(cfg config.AuthConfig, subject string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("auth: jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
