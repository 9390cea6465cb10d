package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrAccountExists       = errors.New("account already registered")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRole         = errors.New("invalid participant role")
)

// Participant roles. Authorities may sign blocks; producers and
// consumers may only trade.
const (
	RoleProducer  = "producer"
	RoleConsumer  = "consumer"
	RoleAuthority = "authority"
)

// Service authenticates market participants against the registry table
// and issues JWTs bound to their ledger account.
type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Participant is a registered market identity.
type Participant struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"` // ledger account id
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authorizes automated trading agents without interactive login.
// Role carries the owning participant's role when the key is verified.
type APIKey struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Key       string    `json:"key,omitempty"`
	Name      string    `json:"name"`
	Role      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the JWT payload. Account is the ledger account the bearer
// may submit orders and transfers for.
type Claims struct {
	Account string `json:"account"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{db: db, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

func validRole(role string) bool {
	return role == RoleProducer || role == RoleConsumer || role == RoleAuthority
}

// Register creates a participant tied to a ledger account id.
func (s *Service) Register(ctx context.Context, account, role, password string) (*Participant, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM participants WHERE account = $1)", account).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAccountExists
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO participants (id, account, role, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		id, account, role, hashSecret(password), now,
	)
	if err != nil {
		return nil, err
	}

	return &Participant{ID: id, Account: account, Role: role, CreatedAt: now}, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *Service) Login(ctx context.Context, account, password string) (string, error) {
	var role, storedHash string
	err := s.db.QueryRowContext(ctx,
		"SELECT role, password_hash FROM participants WHERE account = $1",
		account,
	).Scan(&role, &storedHash)
	if err == sql.ErrNoRows {
		return "", ErrParticipantNotFound
	}
	if err != nil {
		return "", err
	}
	if hashSecret(password) != storedHash {
		return "", ErrInvalidPassword
	}

	claims := &Claims{
		Account: account,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// CreateAPIKey issues a key for an automated agent. The plain key is
// returned once; only its hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, account, name string) (*APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, account, key_hash, name, created_at) VALUES ($1, $2, $3, $4, $5)",
		id, account, hashSecret(key), name, now,
	)
	if err != nil {
		return nil, err
	}

	return &APIKey{ID: id, Account: account, Key: key, Name: name, CreatedAt: now}, nil
}

// VerifyToken parses and validates a bearer token.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAPIKey resolves a plain key to its account and role.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var apiKey APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.account, k.name, k.created_at, COALESCE(p.role, $2)
		 FROM api_keys k LEFT JOIN participants p ON p.account = k.account
		 WHERE k.key_hash = $1`,
		hashSecret(key), RoleConsumer,
	).Scan(&apiKey.ID, &apiKey.Account, &apiKey.Name, &apiKey.CreatedAt, &apiKey.Role)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &apiKey, nil
}

func hashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}
