// Package dispatcher implements the Sentinel Dispatcher (C7): the single
// per-tick loop that owns the queue, picks admissible work, constructs
// DispatchCommands, runs workers to completion, and persists terminal
// state. Progress/receipt glue (C8) lives here too — it is not a separate
// teacher analog, just the part of the same loop that talks to the store.
//
// Grounded on cmd/nerd/main.go's cobra root-command build/run/teardown
// shape, repurposed as this package's New/Run lifecycle, and on
// internal/campaign/intelligence_gatherer.go's errgroup-supervised bounded
// concurrency for the worker-slot pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"casparian/internal/clock"
	"casparian/internal/config"
	"casparian/internal/errs"
	"casparian/internal/logging"
	"casparian/internal/registry"
	"casparian/internal/schema"
	"casparian/internal/store"
	"casparian/internal/wire"
	"casparian/internal/worker"
)

// admissionBatch bounds how many Queued jobs one tick inspects, so a very
// deep backlog of platform-mismatched entries can't make a tick unbounded.
const admissionBatch = 256

// Dispatcher owns one tick loop against a Store, Registry, and SchemaStore,
// running admitted jobs through a runtime selected by runtime_kind.
type Dispatcher struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	schemas  *schema.Store
	runtimes map[wire.RuntimeKind]worker.Runtime
	clock    clock.Clock
	log      *zap.Logger

	hostOS, hostArch string

	pool *errgroup.Group
}

// New constructs a Dispatcher. runtimes must have an entry for every
// RuntimeKind this host can execute; a job whose plugin resolves to a
// RuntimeKind missing from this map fails fast with ErrSpawnFailed.
func New(cfg *config.Config, st *store.Store, reg *registry.Registry, schemas *schema.Store, runtimes map[wire.RuntimeKind]worker.Runtime, c clock.Clock) *Dispatcher {
	pool := &errgroup.Group{}
	pool.SetLimit(cfg.Pool.Size)

	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		registry: reg,
		schemas:  schemas,
		runtimes: runtimes,
		clock:    c,
		log:      logging.Get(logging.CategoryDispatcher),
		hostOS:   runtime.GOOS,
		hostArch: runtime.GOARCH,
		pool:     pool,
	}
}

// Run drives the tick loop until ctx is cancelled, then waits for every
// in-flight job goroutine to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Dispatch.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.pool.Wait()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs the Admission/Resolve/Gate/Dispatch sequence once. Supervise
// and Finalize happen inside the per-job goroutines started here.
func (d *Dispatcher) tick(ctx context.Context) {
	if n, err := d.store.ExpireApprovals(); err != nil {
		d.log.Error("expire approvals", zap.Error(err))
	} else if n > 0 {
		d.log.Info("approvals expired", zap.Int("count", n))
	}

	candidates, err := d.store.ListJobs(store.StatusQueued, admissionBatch)
	if err != nil {
		d.log.Error("list queued jobs", zap.Error(err))
		return
	}
	sortByPriorityThenAge(candidates)

	for _, job := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.admitOne(ctx, job)
	}
}

// sortByPriorityThenAge orders admission candidates highest-priority
// first, oldest-created first within a priority tier. ListJobs returns
// newest-first, so this is a genuine re-sort, not just a reversal.
func sortByPriorityThenAge(jobs []store.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// admitOne runs one candidate through Resolve and Gate, then either leaves
// it Queued (platform mismatch — another host may claim it), rejects it
// terminally (no such plugin, trust denied), short-circuits it to Succeeded
// (idempotency realized), or admits it and hands it to the pool.
func (d *Dispatcher) admitOne(ctx context.Context, job store.Job) {
	gated, err := d.isApprovalGated(job.JobID)
	if err != nil {
		d.log.Error("check approval gate", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if gated {
		return
	}

	manifest, ok := d.registry.Lookup(job.PluginName, job.PluginVersion, job.RuntimeKind, d.hostOS, d.hostArch)
	if !ok {
		if job.RuntimeKind == wire.RuntimeNativeExec {
			// Could be a genuine platform mismatch (another host's job) or
			// a plugin that was simply never deployed; Lookup can't tell
			// these apart, so we leave it Queued rather than risk failing
			// a job that a different host could still legitimately run.
			return
		}
		d.reject(job.JobID, errs.WithDetail(errs.ErrPluginNotFound, "plugin=%s version=%s", job.PluginName, job.PluginVersion))
		return
	}

	if err := d.checkTrust(manifest); err != nil {
		d.reject(job.JobID, err)
		return
	}

	cmd, err := d.registry.Resolve(job.JobID, job.PluginName, job.PluginVersion, job.RuntimeKind, d.hostOS, d.hostArch, job.InputHandle)
	if err != nil {
		d.reject(job.JobID, err)
		return
	}

	if receipt, realized, err := d.store.LookupRealizedInput(job.PluginName, job.PluginVersion, job.InputHandle); err != nil {
		d.log.Error("lookup realized input", zap.String("job_id", job.JobID), zap.Error(err))
	} else if realized {
		if err := d.store.UpdateJobResult(job.JobID, receipt); err != nil {
			d.log.Error("apply zero-work receipt", zap.String("job_id", job.JobID), zap.Error(err))
		}
		return
	}

	if err := d.store.UpdateJobStatus(job.JobID, store.StatusAdmitted, wire.EventAdmitted, nil); err != nil {
		d.log.Error("admit job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	d.pool.Go(func() error {
		d.runJob(ctx, job, cmd)
		return nil
	})
}

func (d *Dispatcher) reject(jobID string, cause error) {
	detail := map[string]string{"reason": cause.Error(), "kind": string(errs.KindOf(cause))}
	if err := d.store.UpdateJobStatus(jobID, store.StatusRejected, wire.EventRejected, detail); err != nil {
		d.log.Error("reject job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// isApprovalGated reports whether job has a still-Pending approval
// outstanding (admission skips it until a human decides or it expires).
func (d *Dispatcher) isApprovalGated(jobID string) (bool, error) {
	approvals, err := d.store.ListApprovalsForJob(jobID)
	if err != nil {
		return false, fmt.Errorf("dispatcher: list approvals: %w", err)
	}
	for _, a := range approvals {
		if a.Status == store.ApprovalPending {
			return true, nil
		}
	}
	return false, nil
}

// checkTrust enforces §4.6.2's trust policy at dispatch time: a native
// plugin whose bundle signature was never verified may only run under
// allow_unsigned_native. python_shim plugins carry no bundle and are
// unconditionally trusted (the interpreter sandbox is the trust boundary
// for those).
func (d *Dispatcher) checkTrust(m registry.PluginManifest) error {
	if m.RuntimeKind != wire.RuntimeNativeExec {
		return nil
	}
	if d.cfg.Trust.Mode == config.TrustAllowUnsignedNative {
		return nil
	}
	if !m.SignatureVerified {
		return errs.WithDetail(errs.ErrTrustDenied, "plugin=%s version=%s signature not verified", m.Name, m.Version)
	}
	return nil
}

// runJob is Dispatch/Supervise/Finalize for one admitted job: it picks the
// runtime, enforces the job's deadline, forwards progress, lands any
// emitted rows, and applies the terminal receipt — all as the job's only
// observable transitions from here to completion.
func (d *Dispatcher) runJob(parent context.Context, job store.Job, cmd wire.DispatchCommand) {
	rt, ok := d.runtimes[job.RuntimeKind]
	if !ok {
		d.finalize(job, wire.JobReceipt{}, errs.WithDetail(errs.ErrSpawnFailed, "no runtime registered for kind=%s", job.RuntimeKind))
		return
	}

	ctx, cancel := d.jobContext(parent, job)
	defer cancel()

	if err := d.store.UpdateJobStatus(job.JobID, store.StatusRunning, wire.EventStarted, nil); err != nil {
		d.log.Error("mark job running", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	onProgress := func(p wire.ProgressUpdate) {
		p.JobID = job.JobID
		if err := d.store.UpdateJobProgress(p); err != nil {
			d.log.Warn("update job progress", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	out, runErr := rt.Run(ctx, cmd, onProgress)
	d.finalize(job, out.Receipt, runErr)
	if runErr == nil && out.Receipt.Status == wire.ReceiptSuccess {
		d.landOutputs(job, out)
	}
}

// jobContext derives a context bounded by the job's recorded deadline (set
// at enqueue time) or, absent one, cfg.Dispatch.MaxJobDuration from now.
// This is independent of the runtime's own hello-timeout — the two timers
// are not reconciled into one (see DESIGN.md Open Questions).
func (d *Dispatcher) jobContext(parent context.Context, job store.Job) (context.Context, context.CancelFunc) {
	if job.DeadlineAt != nil {
		return context.WithDeadline(parent, *job.DeadlineAt)
	}
	return context.WithTimeout(parent, d.cfg.Dispatch.MaxJobDuration)
}

// finalize applies the terminal outcome — runErr if the runtime itself
// failed, otherwise the receipt it returned — as one store transaction,
// and records realization for future idempotency short-circuits.
func (d *Dispatcher) finalize(job store.Job, receipt wire.JobReceipt, runErr error) {
	if runErr != nil {
		receipt = receiptForError(runErr)
	}
	if receipt.Status == "" {
		receipt.Status = wire.ReceiptSuccess
	}

	if err := d.store.UpdateJobResult(job.JobID, receipt); err != nil {
		d.log.Error("apply job result", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	if receipt.Status == wire.ReceiptSuccess {
		if err := d.store.RecordRealizedInput(job.PluginName, job.PluginVersion, job.InputHandle, receipt); err != nil {
			d.log.Error("record realized input", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
}

// receiptForError classifies a runtime-level error (as opposed to one the
// worker itself reported via an error control frame) into a terminal
// receipt: deadline/cancellation becomes Aborted, everything else Failed.
func receiptForError(err error) wire.JobReceipt {
	msg := err.Error()
	status := wire.ReceiptFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = wire.ReceiptAborted
	}
	return wire.JobReceipt{Status: status, Error: &msg}
}

// landOutputs persists every batch the runtime produced into its output's
// landing table, deduplicated by idempotency key. A landing failure is
// logged but does not retroactively unwind the job's already-applied
// Succeeded receipt — the receipt reflects what the worker reported, not
// whether every row made it to disk, matching the dispatcher's
// single-transaction-per-concern design (receipt application and row
// landing are separate concerns, same as progress updates and job rows).
func (d *Dispatcher) landOutputs(job store.Job, out worker.RunOutputs) {
	for _, b := range out.Batches {
		contract, ok := d.schemas.Lookup(job.PluginName, job.PluginVersion, b.Output)
		if !ok {
			d.log.Error("land output: no contract", zap.String("job_id", job.JobID), zap.String("output", b.Output))
			continue
		}
		if _, err := d.store.LandOutputBatch(b.Output, contract.SchemaHash, contract.TargetKeys, b.Batch); err != nil {
			d.log.Error("land output batch", zap.String("job_id", job.JobID), zap.String("output", b.Output), zap.Error(err))
		}
	}
}
