// Package pipeline drives the poll, normalize and publish cycle.
//
// One batch is in flight at a time. A batch that cannot be delivered after
// the publish retries are exhausted moves the pipeline to Halted: polling
// stops, the batch is written to the spool, and only Resume or a restart
// moves it forward again.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/health"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/pkg/retry"
	"github.com/c360/satbridge/spool"
	"github.com/c360/satbridge/telemetry"
)

// State is the pipeline's position in the cycle.
type State int32

const (
	StatePolling State = iota
	StatePublishing
	StateHalted
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StatePublishing:
		return "publishing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Halt actions.
const (
	HaltBlock = "block"
	HaltExit  = "exit"
)

// Health component names.
const (
	componentPipeline = "pipeline"
	componentUpstream = "upstream"
)

// Consumer fetches one poll from upstream.
type Consumer interface {
	Poll(ctx context.Context, batchSize, maxLingerMs int) (*telemetry.Poll, error)
}

// Normalizer turns a poll into a batch.
type Normalizer interface {
	Normalize(poll *telemetry.Poll) *telemetry.Batch
}

// Publisher delivers a batch to every sink. output.Set implements it.
type Publisher interface {
	Publish(ctx context.Context, batch *telemetry.Batch) error
	Pending(batchID string) []string
}

// Config holds the cycle settings.
type Config struct {
	BatchSize        int
	MaxLinger        time.Duration
	PollRetry        retry.Config
	PublishRetry     retry.Config
	HaltAction       string
	MinCycleInterval time.Duration
}

// Snapshot is the externally visible pipeline status.
type Snapshot struct {
	State        string    `json:"state"`
	BatchID      string    `json:"batch_id,omitempty"`
	PendingSinks []string  `json:"pending_sinks,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastPublish  time.Time `json:"last_publish,omitempty"`
	Published    int64     `json:"batches_published"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMonitor reports pipeline and upstream health.
func WithMonitor(m *health.Monitor) Option {
	return func(p *Pipeline) { p.monitor = m }
}

// WithSpool retains undelivered batches across halts and restarts.
func WithSpool(s spool.Spool) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.spool = s
		}
	}
}

// Pipeline runs the cycle on the goroutine that calls Run.
type Pipeline struct {
	cfg       Config
	consumer  Consumer
	normalize Normalizer
	publisher Publisher
	spool     spool.Spool
	metrics   *metric.Metrics
	monitor   *health.Monitor
	logger    *slog.Logger

	state     atomic.Int32
	published atomic.Int64
	resume    chan struct{}
	pacer     *rate.Limiter

	mu          sync.Mutex
	pending     *telemetry.Batch
	lastErr     error
	lastPublish time.Time
}

// New creates a pipeline.
func New(cfg Config, consumer Consumer, normalize Normalizer, publisher Publisher, opts ...Option) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxLinger <= 0 {
		cfg.MaxLinger = 15 * time.Second
	}
	if cfg.HaltAction == "" {
		cfg.HaltAction = HaltBlock
	}

	p := &Pipeline{
		cfg:       cfg,
		consumer:  consumer,
		normalize: normalize,
		publisher: publisher,
		spool:     spool.Nop{},
		logger:    slog.Default(),
		resume:    make(chan struct{}, 1),
	}
	if cfg.MinCycleInterval > 0 {
		p.pacer = rate.NewLimiter(rate.Every(cfg.MinCycleInterval), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", componentPipeline)
	p.setState(StatePolling)
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	if prev := State(p.state.Swap(int32(s))); prev != s {
		p.logger.Debug("State changed", "from", prev.String(), "to", s.String())
	}
	p.metrics.RecordPipelineState(int(s))
}

// Snapshot returns the current status.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		State:       p.State().String(),
		LastPublish: p.lastPublish,
		Published:   p.published.Load(),
	}
	if p.pending != nil {
		snap.BatchID = p.pending.ID
		snap.PendingSinks = p.publisher.Pending(p.pending.ID)
	}
	if p.lastErr != nil {
		snap.LastError = health.Sanitize(p.lastErr.Error())
	}
	return snap
}

// Resume releases a halted pipeline, which then republishes the retained batch.
func (p *Pipeline) Resume() error {
	if p.State() != StateHalted {
		return errors.WrapInvalid(fmt.Errorf("pipeline is %s", p.State()), "Pipeline", "Resume", "resume")
	}
	select {
	case p.resume <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the cycle until ctx is cancelled or a fatal error occurs.
// A spooled batch from a previous run is delivered before the first poll.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Pipeline started",
		"batch_size", p.cfg.BatchSize,
		"max_linger", p.cfg.MaxLinger,
		"halt_action", p.cfg.HaltAction)

	batch, err := p.loadSpooled(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.updateHealth(componentPipeline, health.FromError(componentPipeline, err, false))
		return err
	}
	if batch != nil {
		p.logger.Info("Delivering spooled batch before polling", "batch_id", batch.ID, "records", batch.Size())
		if err := p.deliver(ctx, batch, true); err != nil {
			return err
		}
	}

	for {
		p.pace(ctx)
		if ctx.Err() != nil {
			p.logger.Info("Pipeline stopped")
			return nil
		}

		if err := p.cycle(ctx); err != nil {
			return err
		}
	}
}

// loadSpooled reads the batch left by a previous run. Transient store errors
// are retried with the poll policy; if the store stays unreadable the error is
// fatal, since polling would publish past a batch that was never acknowledged.
// An undecodable batch is moved aside so a later Save cannot overwrite it.
func (p *Pipeline) loadSpooled(ctx context.Context) (*telemetry.Batch, error) {
	cfg := p.cfg.PollRetry
	cfg.Retryable = errors.IsTransient
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.metrics.RecordRetry("spool_load")
		p.logger.Warn("Spool load failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	batch, err := retry.DoWithResult(ctx, cfg, func() (*telemetry.Batch, error) {
		batch, err := p.spool.Load(ctx)
		p.metrics.RecordSpool("load", err)
		return batch, err
	})
	switch {
	case err == nil:
		return batch, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.IsInvalid(err):
		p.logger.Error("Spooled batch is unreadable, quarantining it", "error", err)
		qerr := p.spool.Quarantine(ctx)
		p.metrics.RecordSpool("quarantine", qerr)
		if qerr != nil {
			return nil, errors.WrapFatal(qerr, "Pipeline", "Run", "quarantine spooled batch")
		}
		return nil, nil
	default:
		return nil, errors.WrapFatal(err, "Pipeline", "Run", "load spooled batch")
	}
}

// cycle performs one poll and, when it yields records, one delivery.
func (p *Pipeline) cycle(ctx context.Context) error {
	p.setState(StatePolling)

	poll, err := p.poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsFatal(err) {
			p.updateHealth(componentUpstream, health.FromError(componentUpstream, err, false))
			return err
		}
		p.logger.Error("Poll failed, skipping cycle", "error", err)
		p.updateHealth(componentUpstream, health.FromError(componentUpstream, err, errors.IsTransient(err)))
		p.sleep(ctx, p.cfg.PollRetry.MaxDelay)
		return nil
	}
	p.updateHealth(componentUpstream, health.NewHealthy(componentUpstream, "polling"))

	batch := p.normalize.Normalize(poll)
	if batch.Empty() {
		p.metrics.RecordBatch("empty")
		p.logger.Debug("Poll produced no records", "rows", poll.Count)
		return nil
	}
	return p.deliver(ctx, batch, false)
}

func (p *Pipeline) poll(ctx context.Context) (*telemetry.Poll, error) {
	cfg := p.cfg.PollRetry
	cfg.Retryable = errors.IsTransient
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.metrics.RecordRetry("poll")
		p.logger.Warn("Poll failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	lingerMs := int(p.cfg.MaxLinger / time.Millisecond)
	return retry.DoWithResult(ctx, cfg, func() (*telemetry.Poll, error) {
		started := time.Now()
		poll, err := p.consumer.Poll(ctx, p.cfg.BatchSize, lingerMs)
		p.metrics.RecordPoll(pollResult(poll, err), time.Since(started))
		return poll, err
	})
}

func pollResult(poll *telemetry.Poll, err error) string {
	switch {
	case err == nil && poll.Count == 0:
		return "empty"
	case err == nil:
		return "ok"
	case errors.Is(err, errors.ErrAuthFailure):
		return "auth"
	case errors.IsTransient(err):
		return "transient"
	default:
		return "rejected"
	}
}

// deliver publishes batch until every sink accepts it. Retries run on a
// context detached from ctx, so a shutdown lets the in-flight publish finish
// its retry schedule. Exhausted retries halt the pipeline.
func (p *Pipeline) deliver(ctx context.Context, batch *telemetry.Batch, spooled bool) error {
	p.mu.Lock()
	p.pending = batch
	p.mu.Unlock()

	for {
		p.setState(StatePublishing)
		err := p.publish(context.WithoutCancel(ctx), batch)
		if err == nil {
			p.acknowledge(ctx, batch, spooled)
			return nil
		}

		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()

		if !spooled {
			spooled = p.save(context.WithoutCancel(ctx), batch)
		}

		if ctx.Err() != nil {
			p.logger.Warn("Shutdown with undelivered batch", "batch_id", batch.ID, "spooled", spooled)
			return nil
		}

		p.setState(StateHalted)
		p.metrics.RecordBatch("halted")
		p.updateHealth(componentPipeline, health.NewUnhealthy(componentPipeline,
			fmt.Sprintf("halted: batch %s undelivered", batch.ID)))
		p.logger.Error("Pipeline halted, polling stopped",
			"batch_id", batch.ID,
			"pending_sinks", p.publisher.Pending(batch.ID),
			"spooled", spooled,
			"error", err)

		if p.cfg.HaltAction == HaltExit {
			return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrPipelineHalted, err), "Pipeline", "Run", "deliver batch")
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline stopped while halted", "batch_id", batch.ID)
			return nil
		case <-p.resume:
			p.logger.Info("Pipeline resumed", "batch_id", batch.ID)
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, batch *telemetry.Batch) error {
	cfg := p.cfg.PublishRetry
	cfg.Retryable = errors.IsTransient
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.metrics.RecordRetry("publish")
		p.logger.Warn("Publish failed, retrying",
			"batch_id", batch.ID,
			"attempt", attempt,
			"delay", delay,
			"pending_sinks", p.publisher.Pending(batch.ID),
			"error", err)
	}
	return retry.Do(ctx, cfg, func() error {
		return p.publisher.Publish(ctx, batch)
	})
}

func (p *Pipeline) acknowledge(ctx context.Context, batch *telemetry.Batch, spooled bool) {
	if spooled {
		err := p.spool.Clear(context.WithoutCancel(ctx))
		p.metrics.RecordSpool("clear", err)
		if err != nil {
			p.logger.Error("Failed to clear spooled batch", "batch_id", batch.ID, "error", err)
		}
	}

	now := time.Now()
	p.mu.Lock()
	p.pending = nil
	p.lastErr = nil
	p.lastPublish = now
	p.mu.Unlock()

	n := p.published.Add(1)
	p.metrics.RecordBatch("published")
	p.updateHealth(componentPipeline, health.NewHealthy(componentPipeline, "publishing").WithMetrics(&health.Metrics{
		BatchesPublished: n,
		LastActivity:     now,
	}))
	p.setState(StatePolling)
	p.logger.Info("Batch published",
		"batch_id", batch.ID,
		"telemetry", len(batch.Telemetry),
		"alerts", len(batch.Alerts),
		"allocations", len(batch.Allocations))
}

// save spools batch and reports whether it is now durable.
func (p *Pipeline) save(ctx context.Context, batch *telemetry.Batch) bool {
	err := p.spool.Save(ctx, batch)
	p.metrics.RecordSpool("save", err)
	if err != nil {
		p.logger.Error("Failed to spool batch", "batch_id", batch.ID, "error", err)
		return false
	}
	p.metrics.RecordBatch("spooled")
	return true
}

// pace keeps cycle starts at least MinCycleInterval apart. The first cycle
// starts immediately.
func (p *Pipeline) pace(ctx context.Context) {
	if p.pacer == nil {
		return
	}
	// Wait only fails when ctx ends first; Run checks ctx next.
	_ = p.pacer.Wait(ctx)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pipeline) updateHealth(component string, status health.Status) {
	if p.monitor != nil {
		p.monitor.Update(component, status)
	}
	p.metrics.RecordHealthStatus(component, status.Status)
}
