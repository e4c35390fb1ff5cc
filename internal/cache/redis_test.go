package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreForTest(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		m.Close()
	})
	return m, NewRedisStore(client, "cache_test")
}

func TestRedisStoreContract(t *testing.T) {
	_, s := newRedisStoreForTest(t)
	testStoreContract(t, s)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	m, s := newRedisStoreForTest(t)
	if err := s.Put(context.Background(), "dynamic-cache-v7", "GET https://app/stats", entry(200, "ok")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !m.Exists("cache_test:ns:dynamic-cache-v7") {
		t.Fatal("expected namespace hash key")
	}
	members, err := m.Members("cache_test:namespaces")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "dynamic-cache-v7" {
		t.Fatalf("unexpected namespace index: %v", members)
	}
}

func TestRedisStoreBackendErrors(t *testing.T) {
	if err := NewRedisStore(nil, "").Put(context.Background(), "ns", "k", entry(200, "x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for nil client, got %v", err)
	}

	bad := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond, ReadTimeout: 20 * time.Millisecond, WriteTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = bad.Close() })
	s := NewRedisStore(bad, "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := s.Match(ctx, "ns", "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from unreachable redis, got %v", err)
	}
}
