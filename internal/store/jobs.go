package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"casparian/internal/errs"
	"casparian/internal/wire"
)

// JobStatus mirrors the lifecycle states a Job moves through. Stored as
// plain text so ad-hoc `sqlite3 jobs.db` inspection during debugging never
// needs a lookup table.
type JobStatus string

const (
	StatusQueued    JobStatus = "Queued"
	StatusAdmitted  JobStatus = "Admitted"
	StatusRunning   JobStatus = "Running"
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	StatusRejected  JobStatus = "Rejected"
	StatusCancelled JobStatus = "Cancelled"
)

// terminalStatuses: once a job reaches one of these, no further status
// transition is permitted.
var terminalStatuses = map[JobStatus]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusRejected:  true,
	StatusCancelled: true,
}

// Job is the persisted row for one dispatched unit of work.
type Job struct {
	JobID          string
	PluginName     string
	PluginVersion  string
	RuntimeKind    wire.RuntimeKind
	Status         JobStatus
	InputHandle    string
	Priority       int
	ItemsProcessed int64
	ItemsTotal     int64
	ProgressPct    int
	ResultJSON     *string
	FailureKind    *string
	FailureDetail  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeadlineAt     *time.Time
}

// CreateJobParams supplies the fields fixed at enqueue time.
type CreateJobParams struct {
	JobID         string
	PluginName    string
	PluginVersion string
	RuntimeKind   wire.RuntimeKind
	InputHandle   string
	Priority      int
	Deadline      *time.Time
}

// CreateJob inserts a new job row in StatusQueued and appends its Enqueued
// event, both inside one transaction.
func (s *Store) CreateJob(p CreateJobParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin CreateJob: %w", err)
		}
		defer tx.Rollback()

		now := s.clock.Now().UTC()
		var deadline any
		if p.Deadline != nil {
			deadline = p.Deadline.UTC().Format(time.RFC3339Nano)
		}

		_, err = tx.Exec(`
			INSERT INTO jobs (job_id, plugin_name, plugin_version, runtime_kind, status,
				input_handle, priority, items_processed, items_total, progress_pct,
				created_at, updated_at, deadline_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
			p.JobID, p.PluginName, p.PluginVersion, string(p.RuntimeKind), string(StatusQueued),
			p.InputHandle, p.Priority, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), deadline,
		)
		if err != nil {
			return fmt.Errorf("store: insert job: %w", err)
		}

		if err := insertEventTx(tx, p.JobID, wire.EventEnqueued, nil, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetJob fetches one job by id.
func (s *Store) GetJob(jobID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanJob(s.db.QueryRow(jobSelectCols+` WHERE job_id = ?`, jobID))
}

// ListJobs returns jobs matching an optional status filter, newest first.
// An empty status lists all jobs.
func (s *Store) ListJobs(status JobStatus, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(jobSelectCols+` ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(jobSelectCols+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobSelectCols = `
SELECT job_id, plugin_name, plugin_version, runtime_kind, status, input_handle,
	priority, items_processed, items_total, progress_pct, result_json,
	failure_kind, failure_detail, created_at, updated_at, deadline_at
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (Job, error) {
	j, err := scanJobFrom(row)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("store: job not found: %w", sql.ErrNoRows)
	}
	return j, err
}

func scanJobRows(rows *sql.Rows) (Job, error) {
	return scanJobFrom(rows)
}

func scanJobFrom(r rowScanner) (Job, error) {
	var j Job
	var runtimeKind, status, createdAt, updatedAt string
	var deadlineAt, resultJSON, failureKind, failureDetail sql.NullString

	err := r.Scan(&j.JobID, &j.PluginName, &j.PluginVersion, &runtimeKind, &status,
		&j.InputHandle, &j.Priority, &j.ItemsProcessed, &j.ItemsTotal, &j.ProgressPct,
		&resultJSON, &failureKind, &failureDetail, &createdAt, &updatedAt, &deadlineAt)
	if err != nil {
		return Job{}, err
	}

	j.RuntimeKind = wire.RuntimeKind(runtimeKind)
	j.Status = JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if resultJSON.Valid {
		j.ResultJSON = &resultJSON.String
	}
	if failureKind.Valid {
		j.FailureKind = &failureKind.String
	}
	if failureDetail.Valid {
		j.FailureDetail = &failureDetail.String
	}
	if deadlineAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deadlineAt.String)
		if err == nil {
			j.DeadlineAt = &t
		}
	}
	return j, nil
}

// UpdateJobStatus transitions a job's status and appends the corresponding
// event. Transitioning out of a terminal status is rejected: the job row is
// the single source of truth for "has this already finished".
func (s *Store) UpdateJobStatus(jobID string, newStatus JobStatus, kind wire.EventKind, detail any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin UpdateJobStatus: %w", err)
		}
		defer tx.Rollback()

		var current string
		if err := tx.QueryRow(`SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return errs.WithDetail(errs.ErrPluginNotFound, "job_id=%s has no row", jobID)
			}
			return fmt.Errorf("store: read current status: %w", err)
		}
		if terminalStatuses[JobStatus(current)] {
			return fmt.Errorf("store: job %s already terminal (%s), cannot transition to %s", jobID, current, newStatus)
		}

		now := s.clock.Now().UTC()
		if _, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
			string(newStatus), now.Format(time.RFC3339Nano), jobID); err != nil {
			return fmt.Errorf("store: update status: %w", err)
		}

		if err := insertEventTx(tx, jobID, kind, detail, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpdateJobProgress records a ProgressUpdate against a job in one
// transaction: a jobs row update plus one events append. Per the progress
// channel's contract, every incoming ProgressUpdate becomes exactly one
// store transaction — no batching, no coalescing.
func (s *Store) UpdateJobProgress(update wire.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin UpdateJobProgress: %w", err)
		}
		defer tx.Rollback()

		now := s.clock.Now().UTC()
		res, err := tx.Exec(`
			UPDATE jobs SET items_processed = ?, items_total = ?, progress_pct = ?, updated_at = ?
			WHERE job_id = ? AND status NOT IN (?, ?, ?, ?)`,
			update.ItemsProcessed, update.ItemsTotal, update.ProgressPct, now.Format(time.RFC3339Nano),
			update.JobID, string(StatusSucceeded), string(StatusFailed), string(StatusRejected), string(StatusCancelled),
		)
		if err != nil {
			return fmt.Errorf("store: update progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Job finished (or never existed) between dispatch and this
			// progress frame arriving: a stale update, not an error.
			return nil
		}

		if err := insertEventTx(tx, update.JobID, wire.EventProgress, update, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpdateJobResult records a terminal JobReceipt: sets status, stores the
// receipt as JSON, and appends the matching terminal event.
func (s *Store) UpdateJobResult(jobID string, receipt wire.JobReceipt) error {
	var status JobStatus
	var kind wire.EventKind
	switch receipt.Status {
	case wire.ReceiptSuccess:
		status, kind = StatusSucceeded, wire.EventSucceeded
	case wire.ReceiptFailed:
		status, kind = StatusFailed, wire.EventFailed
	case wire.ReceiptRejected:
		status, kind = StatusRejected, wire.EventRejected
	case wire.ReceiptAborted:
		status, kind = StatusCancelled, wire.EventCancelled
	default:
		return fmt.Errorf("store: unrecognized receipt status %q", receipt.Status)
	}

	resultJSON, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("store: marshal receipt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin UpdateJobResult: %w", err)
		}
		defer tx.Rollback()

		var current string
		if err := tx.QueryRow(`SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return errs.WithDetail(errs.ErrPluginNotFound, "job_id=%s has no row", jobID)
			}
			return fmt.Errorf("store: read current status: %w", err)
		}
		if terminalStatuses[JobStatus(current)] {
			s.log.Debug("ignoring duplicate terminal receipt", zap.String("job_id", jobID), zap.String("status", current))
			return tx.Commit()
		}

		now := s.clock.Now().UTC()
		var failKind, failDetail *string
		if receipt.Error != nil {
			fk := string(receipt.Status)
			failKind, failDetail = &fk, receipt.Error
		}

		if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, result_json = ?, failure_kind = ?, failure_detail = ?, updated_at = ?
			WHERE job_id = ?`,
			string(status), string(resultJSON), failKind, failDetail, now.Format(time.RFC3339Nano), jobID,
		); err != nil {
			return fmt.Errorf("store: write result: %w", err)
		}

		if err := insertEventTx(tx, jobID, kind, receipt, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CancelJob transitions a non-terminal job to StatusCancelled.
func (s *Store) CancelJob(jobID string) error {
	return s.UpdateJobStatus(jobID, StatusCancelled, wire.EventCancelled, nil)
}

// CleanupOldData deletes terminal jobs (and their events/approvals) whose
// updated_at is older than olderThan.
func (s *Store) CleanupOldData(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin CleanupOldData: %w", err)
		}
		defer tx.Rollback()

		cutoff := olderThan.UTC().Format(time.RFC3339Nano)
		statuses := []string{string(StatusSucceeded), string(StatusFailed), string(StatusRejected), string(StatusCancelled)}

		rows, err := tx.Query(`SELECT job_id FROM jobs WHERE updated_at < ? AND status IN (?, ?, ?, ?)`,
			cutoff, statuses[0], statuses[1], statuses[2], statuses[3])
		if err != nil {
			return fmt.Errorf("store: select expired jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM approvals WHERE job_id = ?`, id); err != nil {
				return fmt.Errorf("store: delete approvals for %s: %w", id, err)
			}
			if _, err := tx.Exec(`DELETE FROM events WHERE job_id = ?`, id); err != nil {
				return fmt.Errorf("store: delete events for %s: %w", id, err)
			}
			res, err := tx.Exec(`DELETE FROM jobs WHERE job_id = ?`, id)
			if err != nil {
				return fmt.Errorf("store: delete job %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			affected += n
		}
		return tx.Commit()
	})
	return affected, err
}
