// Package storage provides pluggable byte-level backends for durable state.
//
// # Overview
//
// The storage package defines the Store interface used by the batch spool to
// retain an unacknowledged batch across restarts. Backends live in
// subpackages:
//   - filestore: a directory on local disk
//   - redisstore: a Redis server (github.com/go-redis/redis/v8)
//   - kvstore: a NATS JetStream key-value bucket
//
// # Architecture Decisions
//
// Simple Key-Value Model:
//
// Store exposes Put, Get and Delete over opaque bytes. Encoding belongs to the
// caller, so every backend stores exactly what it is given and the spool can
// change its wire format without touching backends.
//
// Whole-Value Replacement:
//
// Put must replace a value atomically. A crash during Put leaves either the
// old value or the new one, never a truncated mix. filestore achieves this by
// writing a temporary file and renaming it over the target; Redis SET and NATS
// KV Put are atomic on the server.
//
// Missing Keys:
//
// Get reports a missing key with an error matching ErrNotFound, which callers
// test with errors.Is. Delete of a missing key succeeds.
//
// # Usage
//
//	store, err := filestore.New("/var/lib/satbridge")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if err := store.Put(ctx, "pending-batch", data); err != nil {
//	    return err
//	}
//
//	data, err := store.Get(ctx, "pending-batch")
//	if errors.Is(err, storage.ErrNotFound) {
//	    // nothing retained
//	}
package storage
