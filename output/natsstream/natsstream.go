// Package natsstream publishes batches to a NATS JetStream subject tree, one
// JSON message per record. Every message carries a Nats-Msg-Id derived from
// the batch id, so a retried batch is de-duplicated by the server.
package natsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/output"
	"github.com/c360/satbridge/telemetry"
)

// Message categories, used in subjects and message ids.
const (
	CategoryTelemetry   = "telemetry"
	CategoryAlerts      = "alerts"
	CategoryAllocations = "allocations"
)

// Config holds the NATS sink settings.
type Config struct {
	URL           string        `json:"url" yaml:"url"`
	Stream        string        `json:"stream" yaml:"stream"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	// DuplicateWindow is applied when the sink creates the stream.
	DuplicateWindow time.Duration `json:"duplicate_window" yaml:"duplicate_window"`
}

// Validate checks that every required setting is present.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: sinks.nats.url", errors.ErrMissingConfig), "Config", "Validate", "check required keys")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "starlink"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Minute
	}
}

// JetStream is the subset of jetstream.JetStream the sink uses.
type JetStream interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

type message struct {
	subject string
	id      string
	data    []byte
}

// Sink implements output.Publisher for JetStream.
type Sink struct {
	cfg    Config
	js     JetStream
	conn   *nats.Conn
	logger *slog.Logger

	mu      sync.Mutex
	batchID string
	// sent counts acknowledged messages per category for the current batch.
	sent map[string]int
}

var _ output.Publisher = (*Sink)(nil)

// Connect dials the server and creates the sink over its JetStream context.
// opts are applied after the sink's own connection options.
func Connect(cfg Config, logger *slog.Logger, opts ...nats.Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats-sink")

	conn, err := nats.Connect(cfg.URL, append([]nats.Option{
		nats.Name("satbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS", "url", c.ConnectedUrlRedacted())
		}),
	}, opts...)...)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, err), "Sink", "Connect", "dial nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "Sink", "Connect", "create jetstream context")
	}

	s := New(cfg, js, logger)
	s.conn = conn
	return s, nil
}

// New creates the sink over an existing JetStream context.
func New(cfg Config, js JetStream, logger *slog.Logger) *Sink {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		js:     js,
		logger: logger.With("component", "nats-sink"),
		sent:   make(map[string]int),
	}
}

func (s *Sink) Name() string                  { return "nats" }
func (s *Sink) Projection() output.Projection { return output.ProjectLiteral }

// Start creates or updates the configured stream over the sink's subject tree.
// Without a stream name the stream is expected to exist already.
func (s *Sink) Start(ctx context.Context) error {
	if s.cfg.Stream == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       s.cfg.Stream,
		Subjects:   []string{s.cfg.SubjectPrefix + ".>"},
		Duplicates: s.cfg.DuplicateWindow,
	})
	if err != nil {
		return classify(err, "ensure stream")
	}
	s.logger.Info("Stream ready", "stream", s.cfg.Stream, "subjects", s.cfg.SubjectPrefix+".>")
	return nil
}

// Close drains the connection when the sink owns it.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// Publish sends every record of the batch. On retry of the same batch the
// sink resumes after the last acknowledged message of each category.
func (s *Sink) Publish(ctx context.Context, batch *telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID != s.batchID {
		s.batchID = batch.ID
		clear(s.sent)
	}

	groups := []struct {
		category string
		build    func(*telemetry.Batch) ([]message, error)
	}{
		{CategoryTelemetry, s.telemetryMessages},
		{CategoryAlerts, s.alertMessages},
		{CategoryAllocations, s.allocationMessages},
	}

	for _, g := range groups {
		msgs, err := g.build(batch)
		if err != nil {
			return errors.WrapInvalid(err, "Sink", "Publish", "encode "+g.category)
		}
		start := s.sent[g.category]
		for i := start; i < len(msgs); i++ {
			if err := s.publish(ctx, msgs[i]); err != nil {
				return err
			}
			s.sent[g.category] = i + 1
		}
		if len(msgs) > start {
			s.logger.Debug("Published messages", "category", g.category, "count", len(msgs)-start, "batch_id", batch.ID)
		}
	}
	return nil
}

func (s *Sink) publish(ctx context.Context, m message) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	msg := nats.NewMsg(m.subject)
	msg.Data = m.data
	msg.Header.Set(jetstream.MsgIDHeader, m.id)
	msg.Header.Set("Content-Type", "application/json")

	ack, err := s.js.PublishMsg(ctx, msg)
	if err != nil {
		return classify(err, "publish "+m.subject)
	}
	if ack != nil && ack.Duplicate {
		s.logger.Debug("Server discarded duplicate", "msg_id", m.id)
	}
	return nil
}

// Subject returns the subject for a category and device type. Allocations
// have no device type segment.
func (s *Sink) Subject(category, deviceType string) string {
	if deviceType == "" {
		return s.cfg.SubjectPrefix + "." + category
	}
	return s.cfg.SubjectPrefix + "." + category + "." + output.SnakeCase(deviceType)
}

func msgID(batchID, category string, i int) string {
	return fmt.Sprintf("%s-%s-%d", batchID, category, i)
}

func typeName(name, code string) string {
	if name != "" {
		return name
	}
	return code
}

func (s *Sink) telemetryMessages(batch *telemetry.Batch) ([]message, error) {
	msgs := make([]message, 0, len(batch.Telemetry))
	for i := range batch.Telemetry {
		rec := &batch.Telemetry[i]
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			subject: s.Subject(CategoryTelemetry, typeName(rec.DeviceTypeName, rec.DeviceType)),
			id:      msgID(batch.ID, CategoryTelemetry, i),
			data:    data,
		})
	}
	return msgs, nil
}

func (s *Sink) alertMessages(batch *telemetry.Batch) ([]message, error) {
	msgs := make([]message, 0, len(batch.Alerts))
	for i := range batch.Alerts {
		rec := &batch.Alerts[i]
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			subject: s.Subject(CategoryAlerts, typeName(rec.DeviceTypeName, rec.DeviceType)),
			id:      msgID(batch.ID, CategoryAlerts, i),
			data:    data,
		})
	}
	return msgs, nil
}

func (s *Sink) allocationMessages(batch *telemetry.Batch) ([]message, error) {
	msgs := make([]message, 0, len(batch.Allocations))
	for i := range batch.Allocations {
		data, err := json.Marshal(&batch.Allocations[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			subject: s.Subject(CategoryAllocations, ""),
			id:      msgID(batch.ID, CategoryAllocations, i),
			data:    data,
		})
	}
	return msgs, nil
}

// classify maps JetStream API errors by their status code. Timeouts, missing
// responders and connection loss are transient.
func classify(err error, action string) error {
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) {
		if apiErr := jsErr.APIError(); apiErr != nil && apiErr.Code != 0 {
			cause := &errors.HTTPStatusError{StatusCode: apiErr.Code, Body: apiErr.Description}
			if errors.ClassifyHTTPStatus(apiErr.Code) != errors.ErrorTransient {
				return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSinkRejected, cause), "Sink", "Publish", action)
			}
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, cause), "Sink", "Publish", action)
		}
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, err), "Sink", "Publish", action)
}
