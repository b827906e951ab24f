// Package redisstore implements storage.Store over Redis strings.
package redisstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage"
)

// Store keeps one Redis string per key, namespaced by prefix.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ storage.Store = (*Store)(nil)

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	if url == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: spool.redis_url", errors.ErrMissingConfig), "redisstore", "Open", "check url")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "redisstore", "Open", "parse url")
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WrapTransient(err, "redisstore", "Open", "ping")
	}
	s := New(client, prefix)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Put", "set")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "Get", "get")
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Delete", "del")
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
