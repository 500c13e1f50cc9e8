package store

import (
	"testing"
	"time"

	"casparian/internal/clock"
	"casparian/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := newTestStore(t)
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatalf("schema_version not set: %v", err)
	}
	if version != "1" {
		t.Errorf("schema_version = %q, want 1", version)
	}
}

func TestCreateJob_AppearsInListAndAppendsEnqueuedEvent(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateJob(CreateJobParams{
		JobID: "j1", PluginName: "evtx", PluginVersion: "0.1.0",
		RuntimeKind: wire.RuntimeNativeExec, InputHandle: "file:///tmp/a.evtx",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("status = %s, want Queued", job.Status)
	}

	events, err := s.ListEvents("j1", 0, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != wire.EventEnqueued {
		t.Fatalf("events = %+v, want one Enqueued event", events)
	}
	if events[0].EventID != 1 {
		t.Errorf("first event_id = %d, want 1", events[0].EventID)
	}
}

func TestEventID_GapFreeMonotonicPerJob(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(CreateJobParams{JobID: "j1", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJobStatus("j1", StatusAdmitted, wire.EventStarted, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if err := s.UpdateJobProgress(wire.ProgressUpdate{JobID: "j1", ItemsProcessed: 5, ProgressPct: 50}); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}

	events, err := s.ListEvents("j1", 0, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		want := int64(i + 1)
		if e.EventID != want {
			t.Errorf("events[%d].EventID = %d, want %d", i, e.EventID, want)
		}
	}
}

func TestUpdateJobStatus_RejectsTransitionOutOfTerminal(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(CreateJobParams{JobID: "j1", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobResult("j1", wire.JobReceipt{Status: wire.ReceiptSuccess}); err != nil {
		t.Fatalf("UpdateJobResult: %v", err)
	}

	err := s.UpdateJobStatus("j1", StatusRunning, wire.EventStarted, nil)
	if err == nil {
		t.Fatal("expected error transitioning out of terminal status, got nil")
	}
}

func TestUpdateJobProgress_IgnoresStaleUpdateAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(CreateJobParams{JobID: "j1", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobResult("j1", wire.JobReceipt{Status: wire.ReceiptSuccess}); err != nil {
		t.Fatalf("UpdateJobResult: %v", err)
	}

	if err := s.UpdateJobProgress(wire.ProgressUpdate{JobID: "j1", ItemsProcessed: 99, ProgressPct: 99}); err != nil {
		t.Fatalf("UpdateJobProgress after terminal should be a no-op, not an error: %v", err)
	}

	job, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.ProgressPct == 99 {
		t.Error("stale progress update was applied after job reached a terminal status")
	}
}

func TestCreateApproval_ExpiresOnTick(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(":memory:", clock.NewFixed(now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.CreateJob(CreateJobParams{JobID: "j1", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	approvalID, err := s.CreateApproval("j1", "native exec not pre-trusted", time.Minute)
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	n, err := s.ExpireApprovals()
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired %d approvals before TTL elapsed, want 0", n)
	}

	s.clock = clock.NewFixed(now.Add(2 * time.Minute))
	n, err = s.ExpireApprovals()
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d approvals after TTL elapsed, want 1", n)
	}

	approval, err := s.GetApproval(approvalID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if approval.Status != ApprovalExpired {
		t.Errorf("status = %s, want Expired", approval.Status)
	}
}

func TestApprove_RejectsDoubleDecision(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(CreateJobParams{JobID: "j1", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	id, err := s.CreateApproval("j1", "reason", time.Hour)
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	if err := s.Approve(id, "operator"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := s.Approve(id, "operator"); err == nil {
		t.Fatal("expected error approving an already-decided approval, got nil")
	}
}

func TestCleanupOldData_DeletesOnlyTerminalBeforeCutoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(":memory:", clock.NewFixed(now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.CreateJob(CreateJobParams{JobID: "old", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobResult("old", wire.JobReceipt{Status: wire.ReceiptSuccess}); err != nil {
		t.Fatalf("UpdateJobResult: %v", err)
	}

	s.clock = clock.NewFixed(now.Add(48 * time.Hour))
	if err := s.CreateJob(CreateJobParams{JobID: "new", PluginName: "p", PluginVersion: "1", RuntimeKind: wire.RuntimeNativeExec, InputHandle: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	n, err := s.CleanupOldData(now.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldData: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d jobs, want 1", n)
	}

	if _, err := s.GetJob("old"); err == nil {
		t.Error("expected old job to be deleted")
	}
	if _, err := s.GetJob("new"); err != nil {
		t.Errorf("expected new job to survive cleanup: %v", err)
	}
}
