package storage

import (
	"testing"
	"time"

	"github.com/yairfalse/autotag/pkg/resource"
)

func newTestStorage(t *testing.T) *MVCCStorage {
	t.Helper()
	storage, err := NewMVCCStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func testRun(id string) RunRecord {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return RunRecord{
		RunID:      id,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Status:     "success",
	}
}

func TestMVCCStorage_RecordRun(t *testing.T) {
	storage := newTestStorage(t)

	outcomes := []OutcomeRecord{
		{
			RunID:        "run-1",
			ARN:          "arn:aws:ec2:us-east-1:111122223333:instance/i-1",
			ResourceType: "ec2:instance",
			EventName:    "RunInstances",
			Outcome:      "tagged",
			Tags:         []resource.Tag{{Key: "IAM User Name", Value: "alice"}},
		},
		{
			RunID:        "run-1",
			ARN:          "arn:aws:s3:::logs",
			ResourceType: "s3:bucket",
			Outcome:      "unmatched",
		},
	}

	rev, err := storage.RecordRun(testRun("run-1"), outcomes)
	if err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("Expected first revision to be 1, got %d", rev)
	}
	if storage.CurrentRevision() != 1 {
		t.Errorf("CurrentRevision = %d, want 1", storage.CurrentRevision())
	}

	state, err := storage.GetResourceState(outcomes[0].ARN)
	if err != nil {
		t.Fatalf("GetResourceState failed: %v", err)
	}
	if state.LastOutcome != "tagged" {
		t.Errorf("LastOutcome = %q, want tagged", state.LastOutcome)
	}
	if state.TaggedRev != 1 {
		t.Errorf("TaggedRev = %d, want 1", state.TaggedRev)
	}

	got, err := storage.OutcomesAt(rev)
	if err != nil {
		t.Fatalf("OutcomesAt failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("OutcomesAt returned %d outcomes, want 2", len(got))
	}
	// Keys sort by ARN within a revision
	if got[0].ARN != "arn:aws:ec2:us-east-1:111122223333:instance/i-1" {
		t.Errorf("first outcome ARN = %s", got[0].ARN)
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0].Value != "alice" {
		t.Errorf("tags not preserved: %+v", got[0].Tags)
	}
}

func TestMVCCStorage_UnmatchedThenTagged(t *testing.T) {
	storage := newTestStorage(t)
	arn := "arn:aws:lambda:us-east-1:111122223333:function:f"

	rev1, _ := storage.RecordRun(testRun("run-1"), []OutcomeRecord{{RunID: "run-1", ARN: arn, Outcome: "unmatched"}})
	rev2, _ := storage.RecordRun(testRun("run-2"), []OutcomeRecord{{RunID: "run-2", ARN: arn, Outcome: "tagged"}})

	if rev2 <= rev1 {
		t.Errorf("Revision should increase: rev1=%d, rev2=%d", rev1, rev2)
	}

	state, err := storage.GetResourceState(arn)
	if err != nil {
		t.Fatal(err)
	}
	if state.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", state.Attempts)
	}
	if state.FirstSeenRev != rev1 || state.LastSeenRev != rev2 {
		t.Errorf("revisions = %d..%d, want %d..%d", state.FirstSeenRev, state.LastSeenRev, rev1, rev2)
	}
	if state.LastRunID != "run-2" {
		t.Errorf("LastRunID = %s, want run-2", state.LastRunID)
	}

	unmatched, _ := storage.GetResourcesByOutcome("unmatched")
	if len(unmatched) != 0 {
		t.Errorf("expected no unmatched resources, got %d", len(unmatched))
	}
}

func TestMVCCStorage_RecentRuns(t *testing.T) {
	storage := newTestStorage(t)

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if _, err := storage.RecordRun(testRun(id), nil); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := storage.RecentRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("RecentRuns returned %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "run-3" || runs[1].RunID != "run-2" {
		t.Errorf("runs out of order: %s, %s", runs[0].RunID, runs[1].RunID)
	}
	if runs[0].Revision != 3 {
		t.Errorf("Revision = %d, want 3", runs[0].Revision)
	}
	if runs[0].Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", runs[0].Duration())
	}
}

func TestMVCCStorage_Reopen(t *testing.T) {
	dir := t.TempDir()
	arn := "arn:aws:ecs:us-east-1:111122223333:cluster/c"

	storage, err := NewMVCCStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := storage.RecordRun(testRun("run-1"), []OutcomeRecord{{ARN: arn, Outcome: "failed", Error: "AccessDenied"}}); err != nil {
		t.Fatal(err)
	}
	if err := storage.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMVCCStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	if reopened.CurrentRevision() != 1 {
		t.Errorf("CurrentRevision after reopen = %d, want 1", reopened.CurrentRevision())
	}
	state, err := reopened.GetResourceState(arn)
	if err != nil {
		t.Fatalf("index not rebuilt: %v", err)
	}
	if state.LastOutcome != "failed" {
		t.Errorf("LastOutcome = %s, want failed", state.LastOutcome)
	}
}

func TestMVCCStorage_Compact(t *testing.T) {
	storage := newTestStorage(t)

	for i, id := range []string{"run-1", "run-2", "run-3", "run-4"} {
		arn := "arn:aws:sqs:us-east-1:111122223333:q" + string(rune('a'+i))
		if _, err := storage.RecordRun(testRun(id), []OutcomeRecord{{ARN: arn, Outcome: "tagged"}}); err != nil {
			t.Fatal(err)
		}
	}

	if err := storage.Compact(2); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	runs, _ := storage.RecentRuns(0)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs after compaction, got %d", len(runs))
	}
	old, _ := storage.OutcomesAt(1)
	if len(old) != 0 {
		t.Errorf("expected revision 1 outcomes removed, got %d", len(old))
	}
	kept, _ := storage.OutcomesAt(4)
	if len(kept) != 1 {
		t.Errorf("expected revision 4 outcomes kept, got %d", len(kept))
	}

	// Index still knows compacted resources
	if _, err := storage.GetResourceState("arn:aws:sqs:us-east-1:111122223333:qa"); err != nil {
		t.Errorf("compacted resource dropped from index: %v", err)
	}
}

func TestMVCCStorage_CompactKeepsHistoryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	arn := "arn:aws:lambda:us-east-1:111122223333:function:f"

	storage, err := NewMVCCStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"run-1", "run-2", "run-3", "run-4"} {
		if _, err := storage.RecordRun(testRun(id), []OutcomeRecord{{RunID: id, ARN: arn, Outcome: "unmatched"}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := storage.Compact(1); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMVCCStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	state, err := reopened.GetResourceState(arn)
	if err != nil {
		t.Fatalf("state lost after compaction: %v", err)
	}
	if state.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", state.Attempts)
	}
	if state.FirstSeenRev != 1 {
		t.Errorf("FirstSeenRev = %d, want 1", state.FirstSeenRev)
	}
	if state.LastSeenRev != 4 || state.LastRunID != "run-4" {
		t.Errorf("last seen = %d/%s, want 4/run-4", state.LastSeenRev, state.LastRunID)
	}

	// New runs continue from the persisted state
	if _, err := reopened.RecordRun(testRun("run-5"), []OutcomeRecord{{RunID: "run-5", ARN: arn, Outcome: "tagged"}}); err != nil {
		t.Fatal(err)
	}
	state, _ = reopened.GetResourceState(arn)
	if state.Attempts != 5 || state.TaggedRev != 5 || state.FirstSeenRev != 1 {
		t.Errorf("state after run-5 = %+v", state)
	}
}

func TestMVCCStorage_NotFound(t *testing.T) {
	storage := newTestStorage(t)

	if _, err := storage.GetResourceState("arn:aws:s3:::missing"); err == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestParseOutcomeKey(t *testing.T) {
	rev, arn := parseOutcomeKey(makeOutcomeKey(42, "arn:aws:ec2:us-east-1:1:instance/i-1"))
	if rev != 42 || arn != "arn:aws:ec2:us-east-1:1:instance/i-1" {
		t.Errorf("parseOutcomeKey = %d, %q", rev, arn)
	}

	rev, arn = parseOutcomeKey(revisionKey(7))
	if rev != 7 || arn != "" {
		t.Errorf("parseOutcomeKey(run key) = %d, %q", rev, arn)
	}
}
