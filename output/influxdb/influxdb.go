// Package influxdb writes batches to InfluxDB v2. Numeric telemetry goes to
// the telemetry bucket; alerts and non-numeric device info go to the alert bucket.
package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/output"
	"github.com/c360/satbridge/telemetry"
)

// Config holds the InfluxDB sink settings.
type Config struct {
	URL             string        `json:"url" yaml:"url"`
	Token           string        `json:"token" yaml:"token"`
	Org             string        `json:"org" yaml:"org"`
	TelemetryBucket string        `json:"telemetry_bucket" yaml:"telemetry_bucket"`
	AlertBucket     string        `json:"alert_bucket" yaml:"alert_bucket"`
	Prefix          string        `json:"prefix" yaml:"prefix"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
}

// Validate checks that every required setting is present.
func (c *Config) Validate() error {
	required := []struct{ key, value string }{
		{"sinks.influxdb.url", c.URL},
		{"sinks.influxdb.token", c.Token},
		{"sinks.influxdb.org", c.Org},
		{"sinks.influxdb.telemetry_bucket", c.TelemetryBucket},
		{"sinks.influxdb.alert_bucket", c.AlertBucket},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingConfig, r.key), "Config", "Validate", "check required keys")
		}
	}
	return nil
}

// Sink implements output.Publisher for InfluxDB v2.
type Sink struct {
	cfg       Config
	client    influxdb2.Client
	telemetry api.WriteAPIBlocking
	alerts    api.WriteAPIBlocking
	logger    *slog.Logger

	mu      sync.Mutex
	batchID string
	written map[string]bool
}

var _ output.Publisher = (*Sink)(nil)

// New creates the sink. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "starlink"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second)).
		SetPrecision(time.Nanosecond)
	if httpClient != nil {
		opts.SetHTTPClient(httpClient)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	return &Sink{
		cfg:       cfg,
		client:    client,
		telemetry: client.WriteAPIBlocking(cfg.Org, cfg.TelemetryBucket),
		alerts:    client.WriteAPIBlocking(cfg.Org, cfg.AlertBucket),
		logger:    logger.With("component", "influxdb-sink"),
		written:   make(map[string]bool),
	}, nil
}

func (s *Sink) Name() string                  { return "influxdb" }
func (s *Sink) Projection() output.Projection { return output.ProjectNumeric }

// Close releases the client's idle connections.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// Publish writes telemetry points, then alert and info points. A bucket
// already written for this batch id is skipped on retry.
func (s *Sink) Publish(ctx context.Context, batch *telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID != s.batchID {
		s.batchID = batch.ID
		clear(s.written)
	}

	writes := []struct {
		bucket string
		api    api.WriteAPIBlocking
		points []*write.Point
	}{
		{s.cfg.TelemetryBucket, s.telemetry, s.telemetryPoints(batch)},
		{s.cfg.AlertBucket, s.alerts, s.alertPoints(batch)},
	}

	for _, w := range writes {
		if s.written[w.bucket] {
			continue
		}
		if len(w.points) > 0 {
			if err := s.write(ctx, w.api, w.points); err != nil {
				return err
			}
			s.logger.Debug("Wrote points", "bucket", w.bucket, "points", len(w.points), "batch_id", batch.ID)
		}
		s.written[w.bucket] = true
	}
	return nil
}

func (s *Sink) measurement(r string, suffix ...string) string {
	return output.MetricName(append([]string{s.cfg.Prefix, r}, suffix...)...)
}

func typeName(name, code string) string {
	if name != "" {
		return name
	}
	return code
}

func (s *Sink) telemetryPoints(batch *telemetry.Batch) []*write.Point {
	points := make([]*write.Point, 0, len(batch.Telemetry))
	for _, rec := range batch.Telemetry {
		if len(rec.Metrics) == 0 {
			continue
		}
		name := typeName(rec.DeviceTypeName, rec.DeviceType)
		fields := make(map[string]any, len(rec.Metrics))
		for k, v := range rec.Metrics {
			fields[k] = v
		}
		points = append(points, write.NewPoint(
			s.measurement(name),
			map[string]string{"device_id": rec.DeviceID, "device_type": name},
			fields,
			time.Unix(0, rec.TimestampNs),
		))
	}
	return points
}

func (s *Sink) alertPoints(batch *telemetry.Batch) []*write.Point {
	var points []*write.Point
	for _, rec := range batch.Telemetry {
		if len(rec.Info) == 0 {
			continue
		}
		name := typeName(rec.DeviceTypeName, rec.DeviceType)
		fields := make(map[string]any, len(rec.Info))
		for k, v := range rec.Info {
			fields[k] = v
		}
		points = append(points, write.NewPoint(
			s.measurement(name, "info"),
			map[string]string{"device_id": rec.DeviceID, "device_type": name},
			fields,
			time.Unix(0, rec.TimestampNs),
		))
	}
	for _, rec := range batch.Alerts {
		name := typeName(rec.DeviceTypeName, rec.DeviceType)
		for _, alert := range rec.ActiveAlertNames {
			points = append(points, write.NewPoint(
				output.MetricName(s.cfg.Prefix, "alerts"),
				map[string]string{"device_id": rec.DeviceID, "device_type": name, "alert": alert},
				map[string]any{"active": 1},
				time.Unix(0, rec.TimestampNs),
			))
		}
	}
	return points
}

func (s *Sink) write(ctx context.Context, w api.WriteAPIBlocking, points []*write.Point) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := w.WritePoint(ctx, points...)
	if err == nil {
		return nil
	}

	var he *ihttp.Error
	if errors.As(err, &he) && he.StatusCode != 0 {
		cause := &errors.HTTPStatusError{StatusCode: he.StatusCode, Body: he.Message}
		if errors.ClassifyHTTPStatus(he.StatusCode) == errors.ErrorTransient {
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, cause), "Sink", "Publish", "write points")
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSinkRejected, cause), "Sink", "Publish", "write points")
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, err), "Sink", "Publish", "write points")
}
