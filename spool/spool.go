// Package spool retains the one batch that sinks have not yet acknowledged so
// that it survives a halt or restart. Batches are encoded with msgpack and
// kept under a single key of a storage.Store.
package spool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage"
	"github.com/c360/satbridge/storage/filestore"
	"github.com/c360/satbridge/storage/kvstore"
	"github.com/c360/satbridge/storage/redisstore"
	"github.com/c360/satbridge/telemetry"
)

// Backend names accepted by Open.
const (
	BackendNone  = "none"
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// DefaultKey is the key a batch is stored under when none is configured.
const DefaultKey = "pending-batch"

// Spool retains at most one batch.
type Spool interface {
	// Save replaces the retained batch.
	Save(ctx context.Context, batch *telemetry.Batch) error
	// Load returns the retained batch, or nil when there is none.
	Load(ctx context.Context) (*telemetry.Batch, error)
	// Clear drops the retained batch.
	Clear(ctx context.Context) error
	// Quarantine moves an undecodable batch out of the way, keeping its
	// bytes for an operator.
	Quarantine(ctx context.Context) error
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	Backend  string `json:"backend" yaml:"backend"`
	Path     string `json:"path" yaml:"path"`
	RedisURL string `json:"redis_url" yaml:"redis_url"`
	NATSURL  string `json:"nats_url" yaml:"nats_url"`
	Bucket   string `json:"bucket" yaml:"bucket"`
	Key      string `json:"key" yaml:"key"`
}

// Open builds the configured spool.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Spool, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Backend {
	case "", BackendNone:
		return Nop{}, nil
	case BackendFile:
		store, err = filestore.New(cfg.Path)
	case BackendRedis:
		store, err = redisstore.Open(ctx, cfg.RedisURL, "satbridge:")
	case BackendNATS:
		store, err = kvstore.Open(ctx, cfg.NATSURL, cfg.Bucket)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown spool.backend %q", errors.ErrInvalidConfig, cfg.Backend),
			"spool", "Open", "select backend")
	}
	if err != nil {
		return nil, err
	}
	return New(store, cfg.Key, logger), nil
}

// StoreSpool is a Spool over a storage.Store.
type StoreSpool struct {
	store  storage.Store
	key    string
	logger *slog.Logger
}

// New creates a spool that keeps its batch under key in store.
func New(store storage.Store, key string, logger *slog.Logger) *StoreSpool {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSpool{store: store, key: key, logger: logger.With("component", "spool")}
}

func (s *StoreSpool) Save(ctx context.Context, batch *telemetry.Batch) error {
	data, err := msgpack.Marshal(batch)
	if err != nil {
		return errors.WrapFatal(err, "spool", "Save", "encode batch")
	}
	if err := s.store.Put(ctx, s.key, data); err != nil {
		return errors.Wrap(err, "spool", "Save", "store batch")
	}
	s.logger.Info("Batch spooled", "batch_id", batch.ID, "records", batch.Size(), "bytes", len(data))
	return nil
}

func (s *StoreSpool) Load(ctx context.Context) (*telemetry.Batch, error) {
	data, err := s.store.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "spool", "Load", "read batch")
	}

	var batch telemetry.Batch
	if err := msgpack.Unmarshal(data, &batch); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "spool", "Load", "decode batch")
	}
	return &batch, nil
}

func (s *StoreSpool) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.key); err != nil {
		return errors.Wrap(err, "spool", "Clear", "delete batch")
	}
	return nil
}

// QuarantineSuffix is appended to the key a quarantined batch is kept under.
const QuarantineSuffix = ".quarantined"

func (s *StoreSpool) Quarantine(ctx context.Context) error {
	data, err := s.store.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "spool", "Quarantine", "read batch")
	}
	if err := s.store.Put(ctx, s.key+QuarantineSuffix, data); err != nil {
		return errors.Wrap(err, "spool", "Quarantine", "store quarantined batch")
	}
	if err := s.store.Delete(ctx, s.key); err != nil {
		return errors.Wrap(err, "spool", "Quarantine", "delete batch")
	}
	s.logger.Warn("Quarantined undecodable batch", "key", s.key+QuarantineSuffix, "bytes", len(data))
	return nil
}

func (s *StoreSpool) Close() error { return s.store.Close() }

// Nop discards everything. It backs the "none" backend.
type Nop struct{}

func (Nop) Save(context.Context, *telemetry.Batch) error   { return nil }
func (Nop) Load(context.Context) (*telemetry.Batch, error) { return nil, nil }
func (Nop) Clear(context.Context) error                    { return nil }
func (Nop) Quarantine(context.Context) error               { return nil }
func (Nop) Close() error                                   { return nil }
