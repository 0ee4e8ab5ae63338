package auth

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps an allowlist of issued token ids in Redis, so logout
// actually revokes a token instead of waiting out its expiry.
type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSessionStore(redisURL string, ttl time.Duration) (*SessionStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{rdb: rdb, ttl: ttl}, nil
}

func (s *SessionStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func sessionKey(jti string) string { return "auth:session:" + strings.TrimSpace(jti) }

// Put records a freshly issued token id; the entry expires with the token.
func (s *SessionStore) Put(ctx context.Context, jti string, userID int64) error {
	return s.rdb.Set(ctx, sessionKey(jti), userID, s.ttl).Err()
}

// Valid reports whether a token id is still on the allowlist.
func (s *SessionStore) Valid(ctx context.Context, jti string) (bool, error) {
	n, err := s.rdb.Exists(ctx, sessionKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke drops a token id; a no-op when it is already gone.
func (s *SessionStore) Revoke(ctx context.Context, jti string) error {
	return s.rdb.Del(ctx, sessionKey(jti)).Err()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
