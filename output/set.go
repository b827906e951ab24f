package output

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/health"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/telemetry"
)

// Set publishes each batch to every sink and remembers which sinks accepted it.
type Set struct {
	sinks   []Publisher
	monitor *health.Monitor
	metrics *metric.Metrics
	logger  *slog.Logger

	// publishMu serializes Publish and guards views. Sink I/O runs under it.
	publishMu sync.Mutex
	views     map[Projection]*telemetry.Batch

	// mu guards batchID and accepted and is never held across sink I/O, so
	// Pending answers while a publish is in flight.
	mu       sync.Mutex
	batchID  string
	accepted map[string]bool
}

// NewSet creates a set over sinks. monitor and metrics may be nil.
func NewSet(sinks []Publisher, monitor *health.Monitor, metrics *metric.Metrics, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		sinks:    sinks,
		monitor:  monitor,
		metrics:  metrics,
		logger:   logger.With("component", "publisher-set"),
		accepted: make(map[string]bool),
		views:    make(map[Projection]*telemetry.Batch),
	}
}

// Start runs Start on every sink that implements Starter.
func (s *Set) Start(ctx context.Context) error {
	for _, sink := range s.sinks {
		starter, ok := sink.(Starter)
		if !ok {
			continue
		}
		if err := starter.Start(ctx); err != nil {
			return errors.Wrap(err, "Set", "Start", fmt.Sprintf("start sink %s", sink.Name()))
		}
	}
	return nil
}

// Close closes every sink that implements Closer.
func (s *Set) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Pending returns the sinks that have not accepted the given batch.
func (s *Set) Pending(batchID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []string
	for _, sink := range s.sinks {
		if batchID != s.batchID || !s.accepted[sink.Name()] {
			pending = append(pending, sink.Name())
		}
	}
	return pending
}

// Publish makes one attempt, concurrently, to deliver batch to every sink
// that has not yet accepted it. It returns nil once every sink has accepted the batch. If any
// sink failed terminally the returned error is non-transient even when other
// sinks only failed transiently.
func (s *Set) Publish(ctx context.Context, batch *telemetry.Batch) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if batch.ID != s.batchID {
		s.batchID = batch.ID
		clear(s.accepted)
		clear(s.views)
	}
	var pending []Publisher
	for _, sink := range s.sinks {
		if !s.accepted[sink.Name()] {
			pending = append(pending, sink)
		}
	}
	s.mu.Unlock()

	// Sinks are independent; each pending one gets its attempt concurrently
	// and one failure never cancels the others.
	results := make([]error, len(pending))
	var g errgroup.Group
	for i, sink := range pending {
		view := s.view(batch, sink.Projection())
		g.Go(func() error {
			results[i] = s.publishOne(ctx, sink, view)
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	terminal := false
	s.mu.Lock()
	for i, sink := range pending {
		err := results[i]
		if err == nil {
			s.accepted[sink.Name()] = true
			continue
		}
		if !errors.IsTransient(err) {
			terminal = true
		}
		failures = append(failures, fmt.Errorf("%s: %w", sink.Name(), err))
	}
	s.mu.Unlock()

	if len(failures) == 0 {
		return nil
	}

	joined := errors.Join(failures...)
	if terminal {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSinkRejected, joined), "Set", "Publish", "publish batch")
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSinkWrite, joined), "Set", "Publish", "publish batch")
}

func (s *Set) publishOne(ctx context.Context, sink Publisher, view *telemetry.Batch) error {
	name := sink.Name()
	component := "sink:" + name

	start := time.Now()
	err := sink.Publish(ctx, view)
	elapsed := time.Since(start)

	if err == nil {
		s.metrics.RecordSinkWrite(name, "accepted", elapsed)
		s.updateHealth(component, health.NewHealthy(component, "last batch accepted"))
		return nil
	}

	transient := errors.IsTransient(err)
	result := "retryable"
	if !transient {
		result = "terminal"
	}
	s.metrics.RecordSinkWrite(name, result, elapsed)
	s.updateHealth(component, health.FromError(component, err, transient))
	s.logger.Warn("Sink publish failed",
		"sink", name, "batch_id", view.ID, "transient", transient, "error", err)
	return err
}

func (s *Set) view(batch *telemetry.Batch, mode Projection) *telemetry.Batch {
	if v, ok := s.views[mode]; ok {
		return v
	}
	v, skipped := View(batch, mode)
	if skipped > 0 {
		s.logger.Warn("Skipped unprojectable addresses", "batch_id", batch.ID, "projection", mode.String(), "count", skipped)
	}
	s.views[mode] = v
	return v
}

func (s *Set) updateHealth(component string, status health.Status) {
	if s.monitor != nil {
		s.monitor.Update(component, status)
	}
	s.metrics.RecordHealthStatus(component, status.Status)
}
