// Package satbridge bridges a satellite operator's telemetry stream into
// time-series and analytics stores.
//
// # Architecture
//
// A single pipeline goroutine repeats one cycle:
//
//	upstream.StreamConsumer ──poll──▶ processor/normalizer ──batch──▶ output.Set ──▶ sinks
//	        │                                 │
//	 upstream.TokenProvider            schema.Resolver
//
// Each poll long-polls the stream for up to batch_size rows or max_linger.
// The normalizer resolves each device type's columns against the response
// metadata (schema.Resolver caches the result by metadata fingerprint),
// splits rows into telemetry, alert and address allocation records, and
// returns a telemetry.Batch. output.Set delivers that batch to every enabled
// sink and remembers which sinks accepted it, so a retry only re-sends to the
// rest. The next poll is issued only after every sink has accepted the batch.
//
// # Sinks
//
//   - output/clickhouse: HTTP interface, JSONEachRow, optional gzip or zstd
//   - output/influxdb: line protocol through the InfluxDB v2 client
//   - output/natsstream: JetStream subjects with Msg-Id deduplication
//   - output/promsurface: the latest batch rendered as Prometheus gauges
//
// # Failure Handling
//
// errors classifies every failure as transient, invalid or fatal. Transient
// poll failures are retried; a publish that still fails after pkg/retry gives
// up halts the pipeline. The batch is written to the spool (file, Redis or
// NATS KV) and the pipeline waits for POST /pipeline/resume or exits,
// depending on pipeline.halt_action. A spooled batch is published before the
// first poll after a restart.
//
// # Observability
//
// metric.Server exposes the bridge's own metrics, the device metrics of the
// Prometheus surface, /health and the /pipeline operator endpoints on one
// port. Logging uses log/slog with a component attribute per package.
//
// # Running
//
//	satbridge --config /etc/satbridge/satbridge.yaml
//
// See package config for the configuration layout and environment overrides.
package satbridge
