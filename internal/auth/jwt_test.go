package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/config"
)

const secret = "test-secret"

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifyTokenHS256(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	uid, err := v.VerifyToken(signHS(t, jwt.MapClaims{"sub": "alice", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	uid, err = v.VerifyToken(signHS(t, jwt.MapClaims{"user_id": "bob", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "bob", uid)
}

func TestVerifyTokenRejects(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret)
	require.NoError(t, err)
	future := time.Now().Add(time.Hour).Unix()

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "exp": future}).
		SignedString([]byte("other"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"expired":    signHS(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no expiry":  signHS(t, jwt.MapClaims{"sub": "alice"}),
		"no subject": signHS(t, jwt.MapClaims{"exp": future}),
		"wrong key":  wrongKey,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyToken(tok)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrAuth))
		})
	}
}

func TestVerifyTokenRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	v, err := newRS256(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "carol",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	uid, err := v.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", uid)

	// an HS256 token must not pass an RS256 validator
	_, err = v.VerifyToken(signHS(t, jwt.MapClaims{"sub": "carol", "exp": time.Now().Add(time.Hour).Unix()}))
	assert.True(t, errors.Is(err, apperr.ErrAuth))
}

func TestFromConfig(t *testing.T) {
	v, err := FromConfig(config.JWTConfig{Algorithm: "hs256", HSSecret: secret})
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = FromConfig(config.JWTConfig{Algorithm: "ES256"})
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("Bearer "))
}
