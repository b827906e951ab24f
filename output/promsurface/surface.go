// Package promsurface exposes the most recent batch as Prometheus metrics.
//
// The Surface is a pull sink: Publish builds an immutable snapshot of const
// metrics and swaps it in atomically, and every scrape renders whatever
// snapshot is current. A scrape never observes a half-built batch.
package promsurface

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/output"
	"github.com/c360/satbridge/telemetry"
)

// Config holds the surface settings.
type Config struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type snapshot struct {
	batchID string
	metrics []prometheus.Metric
	devices int
}

// Surface implements output.Publisher and prometheus.Collector.
type Surface struct {
	namespace string
	registry  *prometheus.Registry
	logger    *slog.Logger

	current atomic.Pointer[snapshot]
}

var (
	_ output.Publisher     = (*Surface)(nil)
	_ prometheus.Collector = (*Surface)(nil)
)

// New creates a surface registered on its own registry.
func New(cfg Config, logger *slog.Logger) (*Surface, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "starlink"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Surface{
		namespace: output.SnakeCase(cfg.Namespace),
		registry:  prometheus.NewRegistry(),
		logger:    logger.With("component", "prometheus-surface"),
	}
	s.current.Store(&snapshot{})
	if err := s.registry.Register(s); err != nil {
		return nil, errors.WrapFatal(err, "Surface", "New", "register collector")
	}
	return s, nil
}

func (s *Surface) Name() string                  { return "prometheus" }
func (s *Surface) Projection() output.Projection { return output.ProjectLiteral }

// Gatherer returns the registry holding the surface, for the metric server.
func (s *Surface) Gatherer() prometheus.Gatherer { return s.registry }

// Publish replaces the exposed snapshot with one built from batch.
func (s *Surface) Publish(_ context.Context, batch *telemetry.Batch) error {
	snap, err := s.build(batch)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSinkRejected, err), "Surface", "Publish", "build snapshot")
	}
	s.current.Store(snap)
	s.logger.Debug("Snapshot replaced", "batch_id", batch.ID, "series", len(snap.metrics), "devices", snap.devices)
	return nil
}

// BatchID returns the id of the batch currently exposed.
func (s *Surface) BatchID() string { return s.current.Load().batchID }

// Describe sends nothing: the metric set follows the upstream schema, so the
// surface is an unchecked collector.
func (s *Surface) Describe(chan<- *prometheus.Desc) {}

// Collect emits the current snapshot.
func (s *Surface) Collect(ch chan<- prometheus.Metric) {
	for _, m := range s.current.Load().metrics {
		ch <- m
	}
}

type deviceKey struct {
	deviceType string
	deviceID   string
}

func typeName(name, code string) string {
	if name != "" {
		return name
	}
	return code
}

// build renders the batch. Only the newest sample of each device is exposed.
func (s *Surface) build(batch *telemetry.Batch) (*snapshot, error) {
	latest := make(map[deviceKey]*telemetry.TelemetryRecord)
	var types []string
	for i := range batch.Telemetry {
		rec := &batch.Telemetry[i]
		key := deviceKey{typeName(rec.DeviceTypeName, rec.DeviceType), rec.DeviceID}
		if prev, ok := latest[key]; !ok || rec.TimestampNs >= prev.TimestampNs {
			latest[key] = rec
		}
		if !slices.Contains(types, key.deviceType) {
			types = append(types, key.deviceType)
		}
	}

	alerts := make(map[deviceKey]*telemetry.AlertRecord)
	for i := range batch.Alerts {
		rec := &batch.Alerts[i]
		key := deviceKey{typeName(rec.DeviceTypeName, rec.DeviceType), rec.DeviceID}
		if prev, ok := alerts[key]; !ok || rec.TimestampNs >= prev.TimestampNs {
			alerts[key] = rec
		}
		if !slices.Contains(types, key.deviceType) {
			types = append(types, key.deviceType)
		}
	}
	slices.Sort(types)

	snap := &snapshot{batchID: batch.ID, devices: len(latest)}
	taken := make(names)
	for _, deviceType := range types {
		taken.claim(s.family(deviceType, "info"), deviceType)
		taken.claim(s.family(deviceType, "alert"), deviceType)
	}
	for _, deviceType := range types {
		var recs []*telemetry.TelemetryRecord
		for key, rec := range latest {
			if key.deviceType == deviceType {
				recs = append(recs, rec)
			}
		}
		slices.SortFunc(recs, func(a, b *telemetry.TelemetryRecord) int { return strings.Compare(a.DeviceID, b.DeviceID) })

		if err := s.gauges(snap, taken, deviceType, recs); err != nil {
			return nil, err
		}
		if err := s.info(snap, taken, deviceType, recs); err != nil {
			return nil, err
		}
		if err := s.alerts(snap, taken, deviceType, alerts); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// names maps every metric name in a snapshot to the family that owns it.
// Two families rendering to one name would fail the whole scrape.
type names map[string]string

func (n names) claim(name, owner string) bool {
	if prev, ok := n[name]; ok {
		return prev == owner
	}
	n[name] = owner
	return true
}

func (s *Surface) family(deviceType, suffix string) string {
	return output.MetricName(s.namespace, deviceType, suffix)
}

// gaugeNames assigns a metric name to every numeric field of deviceType. A
// field whose name is taken, by the info or alert family or by another field
// that snake-cases the same, is renamed to <field>_value. Fields that still
// collide are dropped.
func (s *Surface) gaugeNames(taken names, deviceType string, recs []*telemetry.TelemetryRecord) map[string]string {
	var fields []string
	for _, rec := range recs {
		for field := range rec.Metrics {
			if !slices.Contains(fields, field) {
				fields = append(fields, field)
			}
		}
	}
	slices.Sort(fields)

	assigned := make(map[string]string, len(fields))
	for _, field := range fields {
		owner := deviceType + "/" + field
		name := output.MetricName(s.namespace, deviceType, field)
		if !taken.claim(name, owner) {
			name = output.MetricName(s.namespace, deviceType, field, "value")
			if !taken.claim(name, owner) {
				s.logger.Warn("Dropping field with colliding metric name",
					"device_type", deviceType, "field", field, "metric", name)
				continue
			}
		}
		assigned[field] = name
	}
	return assigned
}

func (s *Surface) gauges(snap *snapshot, taken names, deviceType string, recs []*telemetry.TelemetryRecord) error {
	assigned := s.gaugeNames(taken, deviceType, recs)
	descs := make(map[string]*prometheus.Desc, len(assigned))
	for _, rec := range recs {
		fields := make([]string, 0, len(rec.Metrics))
		for field := range rec.Metrics {
			if _, ok := assigned[field]; ok {
				fields = append(fields, field)
			}
		}
		slices.Sort(fields)
		for _, field := range fields {
			name := assigned[field]
			desc, ok := descs[name]
			if !ok {
				desc = prometheus.NewDesc(name, fmt.Sprintf("%s %s", deviceType, field), []string{"device_id"}, nil)
				descs[name] = desc
			}
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, rec.Metrics[field], rec.DeviceID)
			if err != nil {
				return fmt.Errorf("gauge %s: %w", name, err)
			}
			snap.metrics = append(snap.metrics, m)
		}
	}
	return nil
}

// info emits one series per device whose label set is the union of info keys
// across the device type. Keys a device lacks are rendered as "".
func (s *Surface) info(snap *snapshot, taken names, deviceType string, recs []*telemetry.TelemetryRecord) error {
	var keys []string
	for _, rec := range recs {
		for k := range rec.Info {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	slices.Sort(keys)

	// Keys that sanitize to the same label collapse onto the first one.
	labels := []string{"device_id"}
	var sources []string
	for _, k := range keys {
		label := output.MetricName(k)
		if label == "" || slices.Contains(labels, label) {
			continue
		}
		labels = append(labels, label)
		sources = append(sources, k)
	}

	name := s.family(deviceType, "info")
	if !taken.claim(name, deviceType) {
		s.logger.Warn("Dropping info family with colliding metric name", "device_type", deviceType, "metric", name)
		return nil
	}
	desc := prometheus.NewDesc(name, fmt.Sprintf("Device info for %s", deviceType), labels, nil)
	for _, rec := range recs {
		values := make([]string, 0, len(labels))
		values = append(values, rec.DeviceID)
		for _, k := range sources {
			values = append(values, rec.Info[k])
		}
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, 1, values...)
		if err != nil {
			return fmt.Errorf("info %s: %w", name, err)
		}
		snap.metrics = append(snap.metrics, m)
	}
	return nil
}

func (s *Surface) alerts(snap *snapshot, taken names, deviceType string, alerts map[deviceKey]*telemetry.AlertRecord) error {
	var recs []*telemetry.AlertRecord
	for key, rec := range alerts {
		if key.deviceType == deviceType {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return nil
	}
	slices.SortFunc(recs, func(a, b *telemetry.AlertRecord) int { return strings.Compare(a.DeviceID, b.DeviceID) })

	name := s.family(deviceType, "alert")
	if !taken.claim(name, deviceType) {
		s.logger.Warn("Dropping alert family with colliding metric name", "device_type", deviceType, "metric", name)
		return nil
	}
	desc := prometheus.NewDesc(name, fmt.Sprintf("Active alerts for %s", deviceType), []string{"device_id", "alert"}, nil)
	for _, rec := range recs {
		for _, alert := range slices.Compact(slices.Sorted(slices.Values(rec.ActiveAlertNames))) {
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, 1, rec.DeviceID, alert)
			if err != nil {
				return fmt.Errorf("alert %s: %w", name, err)
			}
			snap.metrics = append(snap.metrics, m)
		}
	}
	return nil
}
