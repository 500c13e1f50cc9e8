package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casparian/internal/wire"
)

// ApprovalStatus tracks one human-gate request through its lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalExpired  ApprovalStatus = "Expired"
)

// Approval is a persisted human-gate request tied to one job.
type Approval struct {
	ApprovalID string
	JobID      string
	Reason     string
	Status     ApprovalStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	DecidedAt  *time.Time
	DecidedBy  *string
}

// CreateApproval inserts a new Pending approval request with a TTL of ttl
// from now, and returns its id.
func (s *Store) CreateApproval(jobID, reason string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := s.clock.Now().UTC()
	expiresAt := now.Add(ttl)

	err := s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO approvals (approval_id, job_id, reason, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, jobID, reason, string(ApprovalPending), now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: insert approval: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetApproval fetches one approval by id.
func (s *Store) GetApproval(approvalID string) (Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanApproval(s.db.QueryRow(approvalSelectCols+` WHERE approval_id = ?`, approvalID))
}

// ListApprovalsForJob returns all approvals recorded against a job, oldest first.
func (s *Store) ListApprovalsForJob(jobID string) ([]Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(approvalSelectCols+` WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApprovalFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const approvalSelectCols = `
SELECT approval_id, job_id, reason, status, created_at, expires_at, decided_at, decided_by
FROM approvals`

func scanApproval(row *sql.Row) (Approval, error) {
	return scanApprovalFrom(row)
}

func scanApprovalFrom(r rowScanner) (Approval, error) {
	var a Approval
	var status, createdAt, expiresAt string
	var decidedAt, decidedBy sql.NullString

	err := r.Scan(&a.ApprovalID, &a.JobID, &a.Reason, &status, &createdAt, &expiresAt, &decidedAt, &decidedBy)
	if err != nil {
		return Approval{}, err
	}
	a.Status = ApprovalStatus(status)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if decidedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, decidedAt.String)
		if err == nil {
			a.DecidedAt = &t
		}
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	return a, nil
}

// Approve marks a Pending approval as Approved by decidedBy. Deciding an
// approval that is no longer Pending (already decided, or expired on a
// prior tick) is rejected rather than silently overwritten.
func (s *Store) Approve(approvalID, decidedBy string) error {
	return s.decide(approvalID, ApprovalApproved, decidedBy)
}

// Reject marks a Pending approval as Rejected by decidedBy.
func (s *Store) Reject(approvalID, decidedBy string) error {
	return s.decide(approvalID, ApprovalRejected, decidedBy)
}

func (s *Store) decide(approvalID string, status ApprovalStatus, decidedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin decide approval: %w", err)
		}
		defer tx.Rollback()

		var current string
		if err := tx.QueryRow(`SELECT status FROM approvals WHERE approval_id = ?`, approvalID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("store: approval %s not found", approvalID)
			}
			return fmt.Errorf("store: read approval status: %w", err)
		}
		if current != string(ApprovalPending) {
			return fmt.Errorf("store: approval %s already decided (%s)", approvalID, current)
		}

		now := s.clock.Now().UTC()
		if _, err := tx.Exec(`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ? WHERE approval_id = ?`,
			string(status), now.Format(time.RFC3339Nano), decidedBy, approvalID); err != nil {
			return fmt.Errorf("store: update approval: %w", err)
		}
		return tx.Commit()
	})
}

// ExpireApprovals transitions every still-Pending approval whose expires_at
// has passed (per the store's injected Clock) to Expired, and appends a
// Rejected event to the owning job for each one. Resolves the "what happens
// to an approval that times out with no response" open question: expiry is
// driven by the dispatcher calling this once per tick, not by a background
// timer — an expired approval is only ever discovered, never pre-empted.
func (s *Store) ExpireApprovals() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	var count int

	err := s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin ExpireApprovals: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.Query(`SELECT approval_id, job_id FROM approvals WHERE status = ? AND expires_at <= ?`,
			string(ApprovalPending), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: select expired approvals: %w", err)
		}
		type pair struct{ approvalID, jobID string }
		var expired []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.approvalID, &p.jobID); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, p)
		}
		rows.Close()

		for _, p := range expired {
			if _, err := tx.Exec(`UPDATE approvals SET status = ?, decided_at = ? WHERE approval_id = ?`,
				string(ApprovalExpired), now.Format(time.RFC3339Nano), p.approvalID); err != nil {
				return fmt.Errorf("store: expire approval %s: %w", p.approvalID, err)
			}
			if err := insertEventTx(tx, p.jobID, wire.EventRejected, map[string]string{"reason": "approval_expired", "approval_id": p.approvalID}, now); err != nil {
				return err
			}
			count++
		}
		return tx.Commit()
	})
	return count, err
}
