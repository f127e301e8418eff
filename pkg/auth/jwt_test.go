package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, expiry time.Duration) *JWTService {
	t.Helper()
	s, err := NewJWTService(JWTConfig{SecretKey: "test-secret", TokenExpiry: expiry})
	require.NoError(t, err)
	return s
}

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(DefaultJWTConfig())
	assert.Error(t, err)
}

func TestJWT_RoundTrip(t *testing.T) {
	s := newService(t, time.Hour)

	token, err := s.GenerateToken("u-1", "ops", RoleOperator)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "jobpipe", claims.Issuer)
}

func TestJWT_Expired(t *testing.T) {
	s := newService(t, time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "jobpipe",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleViewer,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWT_WrongSecret(t *testing.T) {
	other, err := NewJWTService(JWTConfig{SecretKey: "other"})
	require.NoError(t, err)
	token, err := other.GenerateToken("u-1", "", RoleAdmin)
	require.NoError(t, err)

	_, err = newService(t, time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_UnknownRoleRejected(t *testing.T) {
	s := newService(t, time.Hour)
	token, err := s.GenerateToken("u-1", "", Role("root"))
	require.NoError(t, err)

	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("").HasPermission(RoleViewer))
}

func TestHashKey_Stable(t *testing.T) {
	assert.Equal(t, hashKey("jp_abc"), hashKey("jp_abc"))
	assert.NotEqual(t, hashKey("jp_abc"), hashKey("jp_abd"))
	assert.Len(t, hashKey("x"), 64)
}
