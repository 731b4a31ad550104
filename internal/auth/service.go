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

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"blockquery/internal/models"
	"blockquery/internal/redis"
)

const redisTokenPrefix = "auth:token:"

// Service manages accounts and the opaque bearer tokens that resolve to an
// owner identity. Tokens live in the database; an optional redis cache fronts
// the lookup.
type Service struct {
	db             *sqlx.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(db *sqlx.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// Register creates an account. The username becomes the owner identity for
// every chat the account creates.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var user models.User
	err := s.db.GetContext(ctx, &user,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if user.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// IssueToken mints a new random token for the identity and persists it.
func (s *Service) IssueToken(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", errors.New("identity required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, identity, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, identity, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, identity)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken resolves the token to its identity, checking the cache before
// the database. Expired tokens are purged on sight.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", errors.New("token required")
	}
	if s.cache != nil {
		if identity, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil && identity != "" {
			return identity, nil
		} else if err != nil && err != redis.ErrCacheMiss {
			logrus.WithError(err).Warn("auth token cache lookup failed")
		}
	}

	var identity string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&identity, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.New("invalid token")
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return "", errors.New("token expired")
	}
	s.cacheToken(ctx, authToken, identity)
	return identity, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, redisTokenPrefix+authToken); err != nil && err != redis.ErrCacheMiss {
			logrus.WithError(err).Warn("auth token cache delete failed")
		}
	}
	return nil
}

// RevokeIdentityTokens removes all tokens belonging to the identity.
func (s *Service) RevokeIdentityTokens(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}
	var tokens []string
	if err := s.db.SelectContext(ctx, &tokens,
		`SELECT token FROM user_tokens WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("list identity tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("revoke identity tokens: %w", err)
	}
	if s.cache != nil {
		keys := make([]string, 0, len(tokens))
		for _, t := range tokens {
			keys = append(keys, redisTokenPrefix+t)
		}
		if err := s.cache.Del(ctx, keys...); err != nil && err != redis.ErrCacheMiss {
			logrus.WithError(err).Warn("auth token cache delete failed")
		}
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token, identity string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, identity, s.tokenTTL); err != nil {
		logrus.WithError(err).Warn("auth token cache store failed")
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
