package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *FailureLog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "auth.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewFailureLog(db, time.Minute)
}

func TestRecordCountsWithinWindow(t *testing.T) {
	t.Parallel()

	fl := openTestLog(t)
	ctx := context.Background()

	n, err := fl.Record(ctx, "10.0.0.5:4121", "intruder")
	if err != nil {
		t.Fatalf("Record 1: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	n, err = fl.Record(ctx, "10.0.0.5:4121", "intruder")
	if err != nil {
		t.Fatalf("Record 2: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	// Other addresses count independently.
	other, err := fl.Recent(ctx, "10.0.0.9:4121")
	if err != nil {
		t.Fatalf("Recent other: %v", err)
	}
	if other != 0 {
		t.Errorf("other address count = %d, want 0", other)
	}
}

func TestWindowExcludesOldFailures(t *testing.T) {
	t.Parallel()

	fl := openTestLog(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	fl.now = func() time.Time { return base }
	if _, err := fl.Record(ctx, "addr", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	fl.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := fl.Recent(ctx, "addr")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if n != 0 {
		t.Errorf("count after window = %d, want 0", n)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	fl := openTestLog(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	fl.now = func() time.Time { return base }
	if _, err := fl.Record(ctx, "addr", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	fl.now = func() time.Time { return base.Add(time.Hour) }
	if err := fl.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	var count int
	if err := fl.db.QueryRow(`SELECT COUNT(*) FROM auth_failure;`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after prune = %d, want 0", count)
	}
}
