// Package output fans normalized batches out to the configured sinks.
//
// Every sink implements Publisher. A Set tracks which sinks have accepted the
// current batch so that a retried or resumed batch is only re-sent to the
// sinks that have not yet acknowledged it.
package output

import (
	"context"

	"github.com/c360/satbridge/processor/normalizer"
	"github.com/c360/satbridge/telemetry"
)

// Projection selects how a sink wants allocation addresses merged into telemetry.
type Projection = normalizer.Projection

const (
	ProjectLiteral = normalizer.ProjectLiteral
	ProjectNumeric = normalizer.ProjectNumeric
)

// Publisher writes batches to one sink. Publish must either durably accept
// every category of the batch or return an error; a nil return is an
// acknowledgement. Errors should be classified: transient errors are retried,
// anything else halts the pipeline.
type Publisher interface {
	Name() string
	Projection() Projection
	Publish(ctx context.Context, batch *telemetry.Batch) error
}

// Starter is implemented by sinks that need set-up before the first batch,
// such as creating tables.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// View returns the batch as seen by a sink with the given projection:
// telemetry with allocations merged in, everything else shared with batch.
func View(batch *telemetry.Batch, mode Projection) (*telemetry.Batch, int) {
	merged, skipped := normalizer.MergeAllocations(batch, mode)
	view := *batch
	view.Telemetry = merged
	return &view, skipped
}
