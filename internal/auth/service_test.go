package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, account, role string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		Account: account,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerifyToken(t *testing.T) {
	svc := NewService(nil, testSecret, time.Hour)

	t.Run("should accept a valid token", func(t *testing.T) {
		token := signToken(t, testSecret, "solar-coop-1", RoleProducer, time.Hour)
		claims, err := svc.VerifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, "solar-coop-1", claims.Account)
		assert.Equal(t, RoleProducer, claims.Role)
	})

	t.Run("should strip a bearer prefix", func(t *testing.T) {
		token := signToken(t, testSecret, "factory-3", RoleConsumer, time.Hour)
		claims, err := svc.VerifyToken("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "factory-3", claims.Account)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		token := signToken(t, "other-secret", "factory-3", RoleConsumer, time.Hour)
		_, err := svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		token := signToken(t, testSecret, "factory-3", RoleConsumer, -time.Minute)
		_, err := svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := svc.VerifyToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAPIKeys(t *testing.T) {
	t.Run("should return the plain key once and store only its hash", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		svc := NewService(db, testSecret, time.Hour)

		mock.ExpectExec("INSERT INTO api_keys").
			WithArgs(sqlmock.AnyArg(), "solar-coop-1", sqlmock.AnyArg(), "trading-bot", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		key, err := svc.CreateAPIKey(context.Background(), "solar-coop-1", "trading-bot")
		require.NoError(t, err)
		assert.Len(t, key.Key, 64)
		assert.Equal(t, "solar-coop-1", key.Account)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should resolve a key to its account and role", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		svc := NewService(db, testSecret, time.Hour)

		now := time.Now().UTC()
		mock.ExpectQuery("FROM api_keys").
			WithArgs(hashSecret("plain-key"), RoleConsumer).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account", "name", "created_at", "role"}).
				AddRow("key-1", "solar-coop-1", "trading-bot", now, RoleProducer))

		key, err := svc.VerifyAPIKey(context.Background(), "plain-key")
		require.NoError(t, err)
		assert.Equal(t, "solar-coop-1", key.Account)
		assert.Equal(t, RoleProducer, key.Role)
		assert.Empty(t, key.Key, "the plain key is never read back")
	})

	t.Run("should reject an unknown key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		svc := NewService(db, testSecret, time.Hour)

		mock.ExpectQuery("FROM api_keys").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account", "name", "created_at", "role"}))

		_, err = svc.VerifyAPIKey(context.Background(), "no-such-key")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRoles(t *testing.T) {
	t.Run("should know the valid participant roles", func(t *testing.T) {
		assert.True(t, validRole(RoleProducer))
		assert.True(t, validRole(RoleConsumer))
		assert.True(t, validRole(RoleAuthority))
		assert.False(t, validRole("admin"))
	})
}
