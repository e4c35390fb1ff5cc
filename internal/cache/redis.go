package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with one redis hash per namespace and a set
// indexing the namespace names.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "registry_cache"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) nsKey(namespace string) string {
	return fmt.Sprintf("%s:ns:%s", s.prefix, namespace)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:namespaces", s.prefix)
}

func (s *RedisStore) Put(ctx context.Context, namespace, key string, e Entry) error {
	return s.PutBatch(ctx, namespace, []KeyedEntry{{Key: key, Entry: e}})
}

// PutBatch writes the entries inside one MULTI/EXEC.
func (s *RedisStore) PutBatch(ctx context.Context, namespace string, entries []KeyedEntry) error {
	if s.client == nil {
		return wrap("put", errors.New("redis client is not configured"))
	}
	if namespace == "" {
		return fmt.Errorf("cache: namespace is required")
	}
	fields := make([]any, 0, 2*len(entries))
	for _, ke := range entries {
		data, err := json.Marshal(ke.Entry)
		if err != nil {
			return fmt.Errorf("cache: encode %q: %w", ke.Key, err)
		}
		fields = append(fields, ke.Key, data)
	}
	pipe := s.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, s.nsKey(namespace), fields...)
	}
	pipe.SAdd(ctx, s.indexKey(), namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("put", err)
	}
	return nil
}

func (s *RedisStore) Match(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if s.client == nil {
		return Entry{}, false, wrap("match", errors.New("redis client is not configured"))
	}
	raw, err := s.client.HGet(ctx, s.nsKey(namespace), key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrap("match", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, wrap("match", err)
	}
	return e, true, nil
}

func (s *RedisStore) Namespaces(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, wrap("list namespaces", errors.New("redis client is not configured"))
	}
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, wrap("list namespaces", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	if s.client == nil {
		return false, wrap("delete namespace", errors.New("redis client is not configured"))
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.nsKey(namespace))
	removed := pipe.SRem(ctx, s.indexKey(), namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrap("delete namespace", err)
	}
	return removed.Val() > 0, nil
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
