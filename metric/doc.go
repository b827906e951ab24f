// Package metric provides the bridge's Prometheus registry and the HTTP
// server that exposes it.
//
// MetricsRegistry wraps a dedicated prometheus.Registry. It registers the
// pipeline's own metrics (Metrics: poll results, normalization drops, sink
// writes, retries, spool operations, health) plus Go runtime collectors, and
// lets components register further collectors under a component/metric key.
//
// Server serves:
//
//   - the metrics path (default /metrics), gathering from the registry and
//     any extra gatherers such as the device metrics surface;
//   - /health, the aggregate component health as JSON (503 when unhealthy);
//   - operator routes added with Handle, e.g. /pipeline/state.
//
// Typical wiring:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, surfaceRegistry)
//	server.SetHealth(func() health.Status { return monitor.AggregateHealth("satbridge") })
//	go server.Start()
//	defer server.Stop(ctx)
package metric
