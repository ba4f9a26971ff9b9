package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "tradehall-identity"

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "Failed to generate RSA key")
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err, "Failed to sign token")
	return signed
}

func validClaims(userID uuid.UUID, role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
}

func TestVerifier_ValidateToken(t *testing.T) {
	key := newSigningKey(t)
	verifier := NewVerifierFromKey(&key.PublicKey, testIssuer)
	userID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		claims, err := verifier.ValidateToken(signToken(t, key, validClaims(userID, RoleAdmin)))
		require.NoError(t, err)

		gotID, err := claims.UserID()
		require.NoError(t, err)
		assert.Equal(t, userID, gotID)
		assert.Equal(t, RoleAdmin, claims.Role)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := validClaims(userID, RoleUser)
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

		_, err := verifier.ValidateToken(signToken(t, key, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := validClaims(userID, RoleUser)
		claims.ExpiresAt = nil

		_, err := verifier.ValidateToken(signToken(t, key, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := validClaims(userID, RoleUser)
		claims.Issuer = "someone-else"

		_, err := verifier.ValidateToken(signToken(t, key, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		otherKey := newSigningKey(t)
		_, err := verifier.ValidateToken(signToken(t, otherKey, validClaims(userID, RoleUser)))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(userID, RoleUser)).
			SignedString([]byte("shared-secret"))
		require.NoError(t, err)

		_, err = verifier.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := verifier.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestClaims_UserID(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"}}
	_, err := claims.UserID()
	assert.Error(t, err)
}

func TestNewVerifier(t *testing.T) {
	key := newSigningKey(t)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	t.Run("valid PEM", func(t *testing.T) {
		verifier, err := NewVerifier(pemBytes, testIssuer)
		require.NoError(t, err)

		userID := uuid.New()
		claims, err := verifier.ValidateToken(signToken(t, key, validClaims(userID, RoleUser)))
		require.NoError(t, err)

		gotID, err := claims.UserID()
		require.NoError(t, err)
		assert.Equal(t, userID, gotID)
	})

	t.Run("not PEM", func(t *testing.T) {
		_, err := NewVerifier([]byte("garbage"), testIssuer)
		assert.Error(t, err)
	})
}
