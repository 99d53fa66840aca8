package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenBootstrapsTables(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	var name string
	if err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='task_log';").Scan(&name); err != nil {
		t.Fatalf("table task_log missing: %v", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	queued := time.Date(2026, 1, 2, 3, 4, 5, 100, time.UTC)
	started := queued.Add(time.Second)
	rec := Record{
		TaskID:      "task-1",
		Queue:       "fibonacci",
		WorkerID:    3,
		Status:      StatusFailed,
		Error:       "Fails on 867!",
		QueuedAt:    &queued,
		StartedAt:   &started,
		CompletedAt: started.Add(250 * time.Millisecond),
	}
	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "Fails on 867!" || got.WorkerID != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.QueuedAt == nil || !got.QueuedAt.Equal(queued) {
		t.Errorf("QueuedAt = %v, want %v", got.QueuedAt, queued)
	}
	if !got.CompletedAt.Equal(rec.CompletedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, rec.CompletedAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRecordValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, Record{Status: StatusSucceeded}); err == nil {
		t.Error("expected error for empty task id")
	}
	if err := store.Record(ctx, Record{TaskID: "x", Status: "running"}); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestRecentSummarizePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{TaskID: "a", Queue: "fibonacci", Status: StatusSucceeded, CompletedAt: base},
		{TaskID: "b", Queue: "fibonacci", Status: StatusFailed, Error: "boom", CompletedAt: base.Add(time.Minute)},
		{TaskID: "c", Queue: "add", Status: StatusSucceeded, CompletedAt: base.Add(2 * time.Minute)},
		{TaskID: "d", Queue: "fibonacci", Status: StatusSucceeded, CompletedAt: base.Add(3*time.Minute + 120*time.Millisecond)},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s): %v", rec.TaskID, err)
		}
	}

	recent, err := store.Recent(ctx, "fibonacci", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].TaskID != "d" || recent[1].TaskID != "b" {
		t.Fatalf("Recent = %+v, want d then b", recent)
	}

	all, err := store.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent(all): %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(Recent(all)) = %d, want 4", len(all))
	}

	sum, err := store.Summarize(ctx, "fibonacci")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("Summarize = %+v, want 2 succeeded / 1 failed", sum)
	}

	n, err := store.Prune(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("Prune removed %d rows, want 2", n)
	}
	sum, _ = store.Summarize(ctx, "")
	if sum.Succeeded != 2 || sum.Failed != 0 {
		t.Fatalf("Summarize after prune = %+v", sum)
	}
}
