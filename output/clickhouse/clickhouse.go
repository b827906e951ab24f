// Package clickhouse writes batches to ClickHouse over its HTTP interface
// using INSERT ... FORMAT JSONEachRow, one request per record category.
package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/output"
	"github.com/c360/satbridge/pkg/retry"
	"github.com/c360/satbridge/telemetry"
)

// Table names, one per record category.
const (
	TableTelemetry   = "telemetry"
	TableAlerts      = "alerts"
	TableAllocations = "ip_allocations"
)

// Compression values.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Config holds the ClickHouse sink settings.
type Config struct {
	URL         string        `json:"url" yaml:"url"`
	User        string        `json:"user" yaml:"user"`
	Password    string        `json:"password" yaml:"password"`
	Database    string        `json:"database" yaml:"database"`
	Compression string        `json:"compression" yaml:"compression"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: sinks.clickhouse.url", errors.ErrMissingConfig), "Config", "Validate", "check url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: sinks.clickhouse.url: %w", errors.ErrInvalidConfig, err), "Config", "Validate", "parse url")
	}
	switch c.Compression {
	case "", CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: sinks.clickhouse.compression %q", errors.ErrInvalidConfig, c.Compression),
			"Config", "Validate", "check compression")
	}
	return nil
}

// DefaultConfig returns the defaults used by the original deployment.
func DefaultConfig() Config {
	return Config{
		User:        "default",
		Database:    "default",
		Compression: CompressionNone,
		Timeout:     20 * time.Second,
	}
}

// Sink implements output.Publisher for ClickHouse.
type Sink struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	batchID  string
	inserted map[string]bool
}

var _ output.Publisher = (*Sink)(nil)

// New creates a ClickHouse sink.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:      cfg,
		client:   client,
		logger:   logger.With("component", "clickhouse-sink"),
		inserted: make(map[string]bool),
	}, nil
}

func (s *Sink) Name() string                  { return "clickhouse" }
func (s *Sink) Projection() output.Projection { return output.ProjectLiteral }

// Start creates the tables if they do not exist.
func (s *Sink) Start(ctx context.Context) error {
	return s.EnsureTables(ctx)
}

// EnsureTables runs the DDL for every table, retrying transient failures.
func (s *Sink) EnsureTables(ctx context.Context) error {
	cfg := retry.DefaultConfig()
	cfg.Retryable = errors.IsTransient
	for _, ddl := range s.ddl() {
		err := retry.Do(ctx, cfg, func() error {
			return s.exec(ctx, ddl, nil, "")
		})
		if err != nil {
			return errors.Wrap(err, "Sink", "EnsureTables", "create table")
		}
	}
	s.logger.Info("ClickHouse tables ready", "database", s.cfg.Database)
	return nil
}

func (s *Sink) ddl() []string {
	db := s.cfg.Database
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s
(
    device_type String,
    device_id String,
    ts_ns UInt64,
    metrics Map(String, Float64),
    info Map(String, String)
)
ENGINE = MergeTree
ORDER BY (device_id, ts_ns)`, db, TableTelemetry),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s
(
    device_type String,
    device_id String,
    ts_ns UInt64,
    alert_name String
)
ENGINE = MergeTree
ORDER BY (device_id, ts_ns)`, db, TableAlerts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s
(
    device_id String,
    ts_ns UInt64,
    ipv4 Array(String),
    ipv6_ue Array(String),
    ipv6_cpe Array(String)
)
ENGINE = MergeTree
ORDER BY (device_id, ts_ns)`, db, TableAllocations),
	}
}

// Publish inserts each non-empty category. Categories already inserted for
// this batch id are skipped on retry so a partially written batch is never
// written twice.
func (s *Sink) Publish(ctx context.Context, batch *telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID != s.batchID {
		s.batchID = batch.ID
		clear(s.inserted)
	}

	for _, table := range []string{TableTelemetry, TableAlerts, TableAllocations} {
		if s.inserted[table] {
			continue
		}
		rows := rowsFor(table, batch)
		if len(rows) == 0 {
			s.inserted[table] = true
			continue
		}
		body, err := encodeRows(rows)
		if err != nil {
			return errors.WrapInvalid(err, "Sink", "Publish", "encode "+table)
		}
		query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", s.cfg.Database, table)
		if err := s.exec(ctx, query, body, batch.ID+"-"+table); err != nil {
			return err
		}
		s.inserted[table] = true
		s.logger.Debug("Inserted rows", "table", table, "rows", len(rows), "batch_id", batch.ID)
	}
	return nil
}

type telemetryRow struct {
	DeviceType string             `json:"device_type"`
	DeviceID   string             `json:"device_id"`
	TsNs       int64              `json:"ts_ns"`
	Metrics    map[string]float64 `json:"metrics"`
	Info       map[string]string  `json:"info"`
}

type alertRow struct {
	DeviceType string `json:"device_type"`
	DeviceID   string `json:"device_id"`
	TsNs       int64  `json:"ts_ns"`
	AlertName  string `json:"alert_name"`
}

type allocationRow struct {
	DeviceID string   `json:"device_id"`
	TsNs     int64    `json:"ts_ns"`
	IPv4     []string `json:"ipv4"`
	IPv6UE   []string `json:"ipv6_ue"`
	IPv6CPE  []string `json:"ipv6_cpe"`
}

func deviceTypeName(name, code string) string {
	if name != "" {
		return name
	}
	return code
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rowsFor(table string, batch *telemetry.Batch) []any {
	var rows []any
	switch table {
	case TableTelemetry:
		for _, r := range batch.Telemetry {
			rows = append(rows, telemetryRow{
				DeviceType: deviceTypeName(r.DeviceTypeName, r.DeviceType),
				DeviceID:   r.DeviceID,
				TsNs:       r.TimestampNs,
				Metrics:    r.Metrics,
				Info:       r.Info,
			})
		}
	case TableAlerts:
		for _, r := range batch.Alerts {
			for _, name := range r.ActiveAlertNames {
				rows = append(rows, alertRow{
					DeviceType: deviceTypeName(r.DeviceTypeName, r.DeviceType),
					DeviceID:   r.DeviceID,
					TsNs:       r.TimestampNs,
					AlertName:  name,
				})
			}
		}
	case TableAllocations:
		for _, r := range batch.Allocations {
			rows = append(rows, allocationRow{
				DeviceID: r.DeviceID,
				TsNs:     r.TimestampNs,
				IPv4:     orEmpty(r.IPv4),
				IPv6UE:   orEmpty(r.IPv6UE),
				IPv6CPE:  orEmpty(r.IPv6CPE),
			})
		}
	}
	return rows
}

func encodeRows(rows []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *Sink) compress(body []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	switch s.cfg.Compression {
	case CompressionGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, "", err
		}
		if _, err := zw.Write(body); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "zstd", nil
	default:
		return body, "", nil
	}
}

// exec posts one statement. body, when non-nil, is the INSERT payload.
func (s *Sink) exec(ctx context.Context, query string, body []byte, dedupToken string) error {
	params := url.Values{"query": {query}}
	if dedupToken != "" {
		params.Set("insert_deduplication_token", dedupToken)
	}
	endpoint := s.cfg.URL + "?" + params.Encode()

	var encoding string
	if body != nil {
		var err error
		body, encoding, err = s.compress(body)
		if err != nil {
			return errors.WrapInvalid(err, "Sink", "exec", "compress body")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "exec", "build request")
	}
	req.SetBasicAuth(s.cfg.User, s.cfg.Password)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, err), "Sink", "exec", "post statement")
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	cause := &errors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	if errors.ClassifyHTTPStatus(resp.StatusCode) == errors.ErrorTransient {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, cause), "Sink", "exec", "post statement")
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSinkRejected, cause), "Sink", "exec", "post statement")
}
