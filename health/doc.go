// Package health models component health for the bridge.
//
// Three states are reported: healthy, degraded (working, but the last
// operation needed a retry or was skipped) and unhealthy (the component has
// stopped making progress, for example a halted pipeline).
//
// The pipeline updates a Monitor after every poll and publish:
//
//	monitor := health.NewMonitor()
//	monitor.Update("upstream", health.FromError("upstream", err, errors.IsTransient(err)))
//	overall := monitor.AggregateHealth("satbridge")
//
// The metric server renders AggregateHealth as JSON on /health and answers
// 503 while the aggregate is unhealthy.
package health
