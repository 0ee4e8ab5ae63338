// Package auth provides the credential store and session tokens for the
// chess server. Passwords are bcrypt-hashed in Postgres; a login issues a
// signed 24h JWT whose id is tracked in Redis so it can be revoked.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrMissingFields      = errors.New("missing required fields")
)

// Identity is the verified user behind a token.
type Identity struct {
	UserID   int64
	Username string
}

type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service ties the user repository, the session store and token signing
// together.
type Service struct {
	repo   *Repository
	store  *SessionStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(repo *Repository, store *SessionStore, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:   repo,
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register creates an account and returns its user id.
func (s *Service) Register(ctx context.Context, username, email, password string) (int64, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return 0, ErrMissingFields
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	return s.repo.CreateUser(ctx, username, email, string(hash))
}

// Login verifies credentials and issues a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *User, error) {
	u, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.issue(ctx, u)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// issue signs a token for u and records its id in the session store.
func (s *Service) issue(ctx context.Context, u *User) (string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := tokenClaims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if s.store != nil {
		if err := s.store.Put(ctx, jti, u.ID); err != nil {
			return "", fmt.Errorf("record session: %w", err)
		}
	}
	return token, nil
}

// Verify parses and validates a token, checks it has not been revoked, and
// returns the identity it carries.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		ok, err := s.store.Valid(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidToken
		}
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: uid, Username: claims.Username}, nil
}

// Logout revokes the token's session entry. Invalid tokens are reported;
// an already revoked one is a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	return s.store.Revoke(ctx, claims.ID)
}

func (s *Service) parse(token string) (*tokenClaims, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
