// Package worker defines the common run-contract shared by the shim and
// native runtimes (C6): run one dispatched job, stream back Arrow output,
// and report a terminal JobReceipt. Neither runtime validates batches
// against their schema contract; each checks only the schema_hash that an
// output_begin frame announces.
package worker

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"casparian/internal/wire"
)

// OutputBatch is one record batch for one declared output, as decoded from
// the runtime's output stream.
type OutputBatch struct {
	Output string
	Batch  arrow.Record
}

// RunOutputs is everything a Runtime produced for one job: an ordered
// sequence of batches per output (single-output-stream at a time, never
// interleaved) plus per-output row counts and any non-fatal warnings.
type RunOutputs struct {
	Batches  []OutputBatch
	RowCount map[string]int64
	Warnings []string
	Receipt  wire.JobReceipt
}

// ProgressFunc is invoked once per received progress frame. Implementations
// must not block the caller for long — the dispatcher forwards each call
// straight into a store transaction.
type ProgressFunc func(wire.ProgressUpdate)

// Runtime executes one dispatched job in isolation. Implementations MUST
// terminate the child process/interpreter within the grace window after
// ctx is cancelled.
type Runtime interface {
	Run(ctx context.Context, cmd wire.DispatchCommand, onProgress ProgressFunc) (RunOutputs, error)
}
