// Package kvstore implements storage.Store over a NATS JetStream key-value bucket.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage"
)

// Bucket is the subset of jetstream.KeyValue the store uses.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// Store keeps one KV entry per key.
type Store struct {
	bucket Bucket
	conn   *nats.Conn
}

var _ storage.Store = (*Store)(nil)

// Open connects to url and creates or binds the named bucket.
func Open(ctx context.Context, url, bucket string) (*Store, error) {
	if url == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: spool.nats_url", errors.ErrMissingConfig), "kvstore", "Open", "check url")
	}
	if bucket == "" {
		bucket = "satbridge_spool"
	}

	conn, err := nats.Connect(url, nats.Name("satbridge-spool"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.WrapTransient(err, "kvstore", "Open", "dial nats")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "kvstore", "Open", "create jetstream context")
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Unacknowledged telemetry batch",
		History:     1,
		Storage:     jetstream.FileStorage,
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "kvstore", "Open", "create KV bucket")
	}

	s := New(kv)
	s.conn = conn
	return s, nil
}

// New wraps an existing bucket.
func New(bucket Bucket) *Store {
	return &Store{bucket: bucket}
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.bucket.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "kvstore", "Put", "put to KV")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "kvstore", "Get", "get from KV")
	}
	return entry.Value(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "kvstore", "Delete", "delete from KV")
	}
	return nil
}

// Close drains the connection when the store opened it.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
