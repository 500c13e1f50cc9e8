package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"casparian/internal/wire"
)

// Event is one immutable entry in a job's append-only event log.
type Event struct {
	JobID      string
	EventID    int64
	Kind       wire.EventKind
	DetailJSON *string
	CreatedAt  time.Time
}

// insertEventTx appends one event inside an already-open transaction,
// computing the next event_id as max(event_id)+1 for this job within the
// same transaction that performs the insert. Because this store has
// exactly one writer and every mutation holds s.mu for its duration, the
// read-then-insert here can never race with another writer: the mutex, not
// sqlite locking, is what keeps event_id gap-free monotonic.
func insertEventTx(tx *sql.Tx, jobID string, kind wire.EventKind, detail any, now time.Time) error {
	var nextID int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(event_id), 0) + 1 FROM events WHERE job_id = ?`, jobID)
	if err := row.Scan(&nextID); err != nil {
		return fmt.Errorf("store: compute next event_id: %w", err)
	}

	var detailJSON any
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("store: marshal event detail: %w", err)
		}
		detailJSON = string(b)
	}

	_, err := tx.Exec(`INSERT INTO events (job_id, event_id, kind, detail_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, nextID, string(kind), detailJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit events for jobID with event_id > afterEventID,
// ordered ascending. Pass afterEventID=0 to read from the start of the log.
func (s *Store) ListEvents(jobID string, afterEventID int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT job_id, event_id, kind, detail_json, created_at
		FROM events WHERE job_id = ? AND event_id > ? ORDER BY event_id ASC LIMIT ?`,
		jobID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind, createdAt string
		var detail sql.NullString
		if err := rows.Scan(&e.JobID, &e.EventID, &kind, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Kind = wire.EventKind(kind)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if detail.Valid {
			e.DetailJSON = &detail.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event_id recorded for jobID, or 0 if
// the job has no events yet.
func (s *Store) LatestEventID(jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(event_id), 0) FROM events WHERE job_id = ?`, jobID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: latest event id: %w", err)
	}
	return id, nil
}
