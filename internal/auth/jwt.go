package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/config"
)

// JWTValidator verifies access tokens issued by the auth service.
type JWTValidator struct {
	method jwt.SigningMethod
	key    any
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &JWTValidator{method: jwt.SigningMethodHS256, key: []byte(secret)}, nil
}

// NewJWTValidatorRS256 loads an RSA public key in PEM form from disk.
func NewJWTValidatorRS256(pubPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return newRS256(b)
}

func newRS256(pem []byte) (*JWTValidator, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &JWTValidator{method: jwt.SigningMethodRS256, key: pub}, nil
}

// FromConfig picks the validator matching cfg.Algorithm.
func FromConfig(cfg config.JWTConfig) (*JWTValidator, error) {
	switch strings.ToUpper(cfg.Algorithm) {
	case "HS256":
		return NewJWTValidatorHS256(cfg.HSSecret)
	case "RS256":
		return NewJWTValidatorRS256(cfg.PublicKeyPath)
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}
}

// VerifyToken returns the user id carried by tokenStr. Any failure is
// reported as apperr.ErrAuth.
func (j *JWTValidator) VerifyToken(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("%w: empty token", apperr.ErrAuth)
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return j.key, nil
	}, jwt.WithValidMethods([]string{j.method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrAuth, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", apperr.ErrAuth)
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	// tokens minted by the legacy user service carry user_id only
	if uid, _ := claims["user_id"].(string); uid != "" {
		return uid, nil
	}
	return "", fmt.Errorf("%w: subject claim missing", apperr.ErrAuth)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
