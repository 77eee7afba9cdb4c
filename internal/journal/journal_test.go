package journal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lockbox/internal/journal"
	"lockbox/internal/lockbox"
	"lockbox/internal/testsupport"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecordRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	j := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	events := []lockbox.Event{
		{Type: lockbox.EventRunStarted, At: base, RunID: "run-1", Overrides: lockbox.Overrides{"setpoint": 0.2}},
		{Type: lockbox.EventStateChanged, At: base, Previous: lockbox.Unlocked, State: lockbox.InSequence(0), RunID: "run-1", Stage: "approach"},
		{Type: lockbox.EventStateChanged, At: base.Add(time.Second), Previous: lockbox.InSequence(0), State: lockbox.Locked, RunID: "run-1"},
		{Type: lockbox.EventRunFinished, At: base.Add(time.Second), RunID: "run-1", Locked: true, Elapsed: time.Second},
		{Type: lockbox.EventSequenceChanged, At: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record %s: %v", e.Type, err)
		}
	}

	run, err := j.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("expected run-1 to be recorded")
	}
	if run.Outcome != journal.OutcomeLocked || run.Elapsed != time.Second {
		t.Fatalf("unexpected run: %+v", run)
	}
	if !run.StartedAt.Equal(base) || run.FinishedAt == nil || !run.FinishedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected run times: %+v", run)
	}
	if got := run.Overrides["setpoint"]; got != 0.2 {
		t.Fatalf("overrides setpoint = %v", got)
	}

	transitions, err := j.Transitions(ctx, 0)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].State != "lock" || transitions[1].State != "0" || transitions[1].Stage != "approach" {
		t.Fatalf("unexpected transitions: %+v", transitions)
	}
}

func TestRecordOutcomes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	j := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	start := func(id string, at time.Time) {
		t.Helper()
		if err := j.Record(ctx, lockbox.Event{Type: lockbox.EventRunStarted, At: at, RunID: id}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	start("failed", base)
	start("cancelled", base.Add(time.Second))
	start("open", base.Add(2*time.Second))

	if err := j.Record(ctx, lockbox.Event{Type: lockbox.EventRunFinished, At: base, RunID: "failed", Error: "output piezo: boom"}); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if err := j.Record(ctx, lockbox.Event{Type: lockbox.EventRunCancelled, At: base.Add(time.Second), RunID: "cancelled", Reason: "superseded"}); err != nil {
		t.Fatalf("finish cancelled: %v", err)
	}

	runs, err := j.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	want := []struct {
		id      string
		outcome journal.Outcome
	}{
		{"open", journal.OutcomeRunning},
		{"cancelled", journal.OutcomeCancelled},
		{"failed", journal.OutcomeFailed},
	}
	for i, w := range want {
		if runs[i].ID != w.id || runs[i].Outcome != w.outcome {
			t.Fatalf("runs[%d] = %s/%s, want %s/%s", i, runs[i].ID, runs[i].Outcome, w.id, w.outcome)
		}
	}
	if runs[2].Error != "output piezo: boom" || runs[1].Reason != "superseded" {
		t.Fatalf("unexpected details: %+v", runs)
	}

	limited, err := j.Runs(ctx, 1)
	if err != nil {
		t.Fatalf("Runs limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "open" {
		t.Fatalf("unexpected limited runs: %+v", limited)
	}

	closed, err := j.CloseOpenRuns(ctx, base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("CloseOpenRuns: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 open run closed, got %d", closed)
	}
	if err := j.Record(ctx, lockbox.Event{Type: lockbox.EventRunFinished, At: base, RunID: "open"}); err == nil {
		t.Fatal("expected finishing a closed run to fail")
	}
}

func TestPruneRemovesOldHistory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	j := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	old := base.Add(-48 * time.Hour)
	for _, e := range []lockbox.Event{
		{Type: lockbox.EventRunStarted, At: old, RunID: "old"},
		{Type: lockbox.EventRunFinished, At: old, RunID: "old", Locked: true},
		{Type: lockbox.EventStateChanged, At: old, Previous: lockbox.Unlocked, State: lockbox.Sweeping},
		{Type: lockbox.EventRunStarted, At: base, RunID: "new"},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	removed, err := j.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}
	runs, err := j.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Fatalf("unexpected runs after prune: %+v", runs)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	if err := j.Record(context.Background(), lockbox.Event{Type: lockbox.EventRunStarted, At: base, RunID: "kept"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = journal.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	run, err := j.GetRun(context.Background(), "kept")
	if err != nil || run == nil {
		t.Fatalf("GetRun after reopen: %v %+v", err, run)
	}
	missing, err := j.GetRun(context.Background(), "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown run, got %+v %v", missing, err)
	}
}

func TestSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	if err := j.SetSchemaVersionForTest(99); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = j.Close()

	if _, err := journal.OpenPath(path); !errors.Is(err, journal.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
