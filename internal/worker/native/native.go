// Package native implements the native subprocess worker runtime (C6.2): one
// fresh OS process per job, Arrow IPC concatenated on stdout, NDJSON control
// frames on stderr.
//
// Grounded on internal/tactile/direct.go (exec.CommandContext, environment
// allow-listing via buildEnvironment, context.DeadlineExceeded/Canceled
// branch handling on process exit) and internal/mcp/transport_stdio.go
// (stdout/stderr pipes read by dedicated goroutines feeding a single
// consuming loop, rather than mutating shared state directly from either
// reader).
package native

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"

	"casparian/internal/errs"
	"casparian/internal/worker"
	"casparian/internal/wire"
)

// dispatchCommandEnv is the environment variable a spawned worker process
// reads its canonical DispatchCommand JSON from. An env var, rather than an
// argv entry, keeps the command off the process list (`ps`) and sidesteps
// argv length limits for large schema_artifacts_json payloads.
const dispatchCommandEnv = "CASPARIAN_DISPATCH_COMMAND"

// controlFrame is the NDJSON shape read off stderr, per §6.2.
type controlFrame struct {
	Type           string `json:"type"`
	Output         string `json:"output,omitempty"`
	SchemaHash     string `json:"schema_hash,omitempty"`
	StreamIndex    int    `json:"stream_index,omitempty"`
	RowsEmitted    int64  `json:"rows_emitted,omitempty"`
	ItemsProcessed int64  `json:"items_processed,omitempty"`
	ItemsTotal     int64  `json:"items_total,omitempty"`
	Message        string `json:"message,omitempty"`
}

// stdoutStream is one complete Arrow IPC stream decoded from stdout, in the
// order it was read (which the protocol guarantees equals stream_index
// order).
type stdoutStream struct {
	batches []arrow.Record
	err     error
}

// Runtime spawns a subprocess per job and enforces the native wire protocol.
type Runtime struct {
	helloTimeout time.Duration
	cancelGrace  time.Duration
	log          *zap.Logger
}

// New returns a native Runtime. helloTimeout bounds how long the process may
// take to emit its first stderr line; cancelGrace bounds how long a
// cancelled process is given to exit before a hard kill.
func New(helloTimeout, cancelGrace time.Duration, log *zap.Logger) *Runtime {
	return &Runtime{helloTimeout: helloTimeout, cancelGrace: cancelGrace, log: log}
}

var _ worker.Runtime = (*Runtime)(nil)

// allowedPassthroughEnv are host environment variables forwarded to every
// worker process regardless of manifest.
var allowedPassthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// Run satisfies worker.Runtime. It spawns cmd.Entrypoint as a fresh process,
// feeds it the DispatchCommand via env, and reconciles the independently
// read stdout (Arrow streams) and stderr (NDJSON control) pipes in a single
// consuming loop — neither reader goroutine touches shared state directly.
func (r *Runtime) Run(ctx context.Context, cmd wire.DispatchCommand, onProgress worker.ProgressFunc) (worker.RunOutputs, error) {
	out := worker.RunOutputs{RowCount: make(map[string]int64)}

	payload, err := wire.Canonical(cmd)
	if err != nil {
		return out, fmt.Errorf("native: canonicalize dispatch command: %w", err)
	}

	execCmd := exec.CommandContext(ctx, cmd.Entrypoint)
	execCmd.Cancel = func() error { return execCmd.Process.Signal(os.Interrupt) }
	execCmd.WaitDelay = r.cancelGrace
	execCmd.Env = append(buildEnvironment(), dispatchCommandEnv+"="+string(payload))

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return out, errs.WithDetail(errs.ErrSpawnFailed, "stdout pipe: %v", err)
	}
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return out, errs.WithDetail(errs.ErrSpawnFailed, "stderr pipe: %v", err)
	}

	if err := execCmd.Start(); err != nil {
		return out, errs.WithDetail(errs.ErrSpawnFailed, "%v", err)
	}

	streamCh := make(chan stdoutStream)
	go readStdout(stdout, streamCh)

	lineCh := make(chan string)
	lineErrCh := make(chan error, 1)
	go readStderrLines(stderr, lineCh, lineErrCh)

	result, runErr := r.consume(ctx, cmd, onProgress, &out, streamCh, lineCh, lineErrCh)

	// Wait closes the stdout/stderr pipes once the process exits, so it is
	// started only after consume has returned.
	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- execCmd.Wait() }()

	if runErr != nil {
		r.cancelProcess(execCmd)
		<-waitErrCh
		return result, runErr
	}

	waitErr := <-waitErrCh
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return result, errs.WithDetail(errs.ErrExitCodeNonZero, "job=%s exit=%d", cmd.JobID, exitErr.ExitCode())
		}
		return result, fmt.Errorf("native: process wait: %w", waitErr)
	}
	return result, nil
}

// consume drives the reconciliation loop: it reads NDJSON control lines and
// completed stdout streams, assembling RunOutputs, until it sees Conclude
// (error frame or falls off the end with a clean hello→idle lifecycle).
func (r *Runtime) consume(ctx context.Context, cmd wire.DispatchCommand, onProgress worker.ProgressFunc, out *worker.RunOutputs, streamCh <-chan stdoutStream, lineCh <-chan string, lineErrCh <-chan error) (worker.RunOutputs, error) {
	sawHello := false
	var pendingOutput string

	// outputNames and streams are two independent FIFOs: stderr pushes a
	// name at each output_begin, stdout pushes a decoded stream as it
	// finishes. Attachment order is guaranteed to match (both follow
	// stream_index order) even though arrival order across the two pipes
	// is not — so attach whenever both queues have a next element,
	// regardless of which arrived first.
	var outputNames []string
	var streams []stdoutStream
	attached := 0

	helloTimer := time.NewTimer(r.helloTimeout)
	defer helloTimer.Stop()

	drainAttachable := func() error {
		for attached < len(outputNames) && attached < len(streams) {
			s := streams[attached]
			name := outputNames[attached]
			attached++
			if s.err != nil {
				return errs.WithDetail(errs.ErrNonArrowOnStdout, "job=%s: %v", cmd.JobID, s.err)
			}
			for _, b := range s.batches {
				out.Batches = append(out.Batches, worker.OutputBatch{Output: name, Batch: b})
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return *out, ctx.Err()

		case <-helloTimer.C:
			if !sawHello {
				return *out, errs.WithDetail(errs.ErrHelloTimeout, "job=%s", cmd.JobID)
			}

		case s, ok := <-streamCh:
			if ok {
				streams = append(streams, s)
				if err := drainAttachable(); err != nil {
					return *out, err
				}
			}

		case line, ok := <-lineCh:
			if !ok {
				// readStderrLines always sends to lineErrCh before closing
				// lineCh, so this non-blocking read reliably observes a
				// pending scan error if there was one.
				select {
				case scanErr := <-lineErrCh:
					if scanErr != nil {
						return *out, fmt.Errorf("native: stderr scan: %w", scanErr)
					}
				default:
				}
				if pendingOutput != "" {
					return *out, errs.WithDetail(errs.ErrMissingOutputEnd, "job=%s: stderr closed mid-stream for output %q", cmd.JobID, pendingOutput)
				}
				// stdout may still hold streams; read it to its end so each
				// one is attached before returning.
				for s := range streamCh {
					streams = append(streams, s)
				}
				if err := drainAttachable(); err != nil {
					return *out, err
				}
				return *out, nil
			}
			if line == "" {
				continue
			}
			var cf controlFrame
			if err := json.Unmarshal([]byte(line), &cf); err != nil {
				return *out, errs.WithDetail(errs.ErrMalformedControlFrame, "job=%s: %v", cmd.JobID, err)
			}

			switch cf.Type {
			case "hello":
				if sawHello {
					return *out, errs.WithDetail(errs.ErrOrderViolation, "job=%s: duplicate hello", cmd.JobID)
				}
				sawHello = true
			case "output_begin":
				if !sawHello || pendingOutput != "" {
					return *out, errs.WithDetail(errs.ErrOrderViolation, "job=%s: output_begin out of order", cmd.JobID)
				}
				if cmd.ExpectedOutputSchemaHashes[cf.Output] != cf.SchemaHash {
					return *out, errs.WithDetail(errs.ErrSchemaHashMismatch, "job=%s output=%s expected=%s got=%s", cmd.JobID, cf.Output, cmd.ExpectedOutputSchemaHashes[cf.Output], cf.SchemaHash)
				}
				pendingOutput = cf.Output
				outputNames = append(outputNames, cf.Output)
				if err := drainAttachable(); err != nil {
					return *out, err
				}
			case "output_end":
				if pendingOutput == "" || cf.Output != pendingOutput {
					return *out, errs.WithDetail(errs.ErrOrderViolation, "job=%s: output_end for %q while pending %q", cmd.JobID, cf.Output, pendingOutput)
				}
				out.RowCount[cf.Output] += cf.RowsEmitted
				pendingOutput = ""
			case "progress":
				if !sawHello {
					return *out, errs.WithDetail(errs.ErrOrderViolation, "job=%s: progress before hello", cmd.JobID)
				}
				if onProgress != nil {
					onProgress(wire.ProgressUpdate{JobID: cmd.JobID, ItemsProcessed: cf.ItemsProcessed, ItemsTotal: cf.ItemsTotal})
				}
			case "warning":
				out.Warnings = append(out.Warnings, cf.Message)
			case "error":
				out.Receipt = wire.JobReceipt{Status: wire.ReceiptFailed, Error: &cf.Message}
				return *out, nil
			case "row_error":
				// Diagnostic only in this version.
			default:
				return *out, errs.WithDetail(errs.ErrMalformedControlFrame, "job=%s: unknown control frame type %q", cmd.JobID, cf.Type)
			}
		}
	}
}

func (r *Runtime) cancelProcess(execCmd *exec.Cmd) {
	if execCmd.Process == nil {
		return
	}
	_ = execCmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = execCmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cancelGrace):
		_ = execCmd.Process.Kill()
	}
}

// readStdout decodes stdout as a back-to-back concatenation of Arrow IPC
// streams, pushing each complete stream's batches as one unit. Any
// non-Arrow framing error ends the loop with that error attached.
func readStdout(stdout io.Reader, streamCh chan<- stdoutStream) {
	defer close(streamCh)
	buffered := bufio.NewReaderSize(stdout, 64*1024)
	for {
		if _, err := buffered.Peek(1); err != nil {
			return // EOF or closed pipe: no more streams
		}

		reader, err := ipc.NewReader(buffered)
		if err != nil {
			streamCh <- stdoutStream{err: err}
			return
		}
		var batches []arrow.Record
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			batches = append(batches, rec)
		}
		err = reader.Err()
		reader.Release()
		if err != nil && err != io.EOF {
			streamCh <- stdoutStream{err: err}
			return
		}
		streamCh <- stdoutStream{batches: batches}
	}
}

// readStderrLines scans stderr for NDJSON lines, pushing each non-empty
// line and reporting the scanner's terminal error (nil on clean EOF).
func readStderrLines(stderr io.Reader, lineCh chan<- string, errCh chan<- error) {
	defer close(lineCh)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineCh <- scanner.Text()
	}
	errCh <- scanner.Err()
}

func buildEnvironment() []string {
	env := make([]string, 0, len(allowedPassthroughEnv))
	for _, key := range allowedPassthroughEnv {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}
