package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T, ttl time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewSessionStore("redis://"+mr.Addr(), ttl)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestSessionStorePutValidRevoke(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	ok, err := store.Valid(ctx, "t1")
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if ok {
		t.Fatalf("unknown token id must not be valid")
	}

	if err := store.Put(ctx, "t1", 42); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ = store.Valid(ctx, "t1"); !ok {
		t.Fatalf("recorded token id must be valid")
	}

	if err := store.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, _ = store.Valid(ctx, "t1"); ok {
		t.Fatalf("revoked token id must not be valid")
	}
	// Double revoke is a no-op.
	if err := store.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestSessionStoreEntriesExpire(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Put(ctx, "t2", 7); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := store.Valid(ctx, "t2"); ok {
		t.Fatalf("entry must expire with the token")
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:pw@localhost:6380/3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("non-redis scheme must be rejected")
	}
}
