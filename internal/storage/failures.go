package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultFailureWindow is the lookback used when counting recent
// authentication failures for an address.
const DefaultFailureWindow = 15 * time.Minute

// FailureLog persists authentication failures per transport address.
// The session authenticator records into it; the server loop consults
// it to refuse connections from addresses failing too often.
type FailureLog struct {
	db     *sql.DB
	window time.Duration
	now    func() time.Time
}

// NewFailureLog creates a FailureLog over an open database (see
// OpenSQLite). window <= 0 uses DefaultFailureWindow.
func NewFailureLog(db *sql.DB, window time.Duration) *FailureLog {
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &FailureLog{db: db, window: window, now: time.Now}
}

// Record logs one failure for remoteAddr and returns the count within
// the window, including this one.
func (f *FailureLog) Record(ctx context.Context, remoteAddr, clientID string) (int, error) {
	now := f.now().UTC()
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO auth_failure(remote_addr, client_id, at) VALUES(?, ?, ?);`,
		remoteAddr, clientID, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("record auth failure: %w", err)
	}
	return f.Recent(ctx, remoteAddr)
}

// Recent counts failures for remoteAddr within the window.
func (f *FailureLog) Recent(ctx context.Context, remoteAddr string) (int, error) {
	cutoff := f.now().UTC().Add(-f.window).Format(time.RFC3339Nano)
	var count int
	err := f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auth_failure WHERE remote_addr = ? AND at >= ?;`,
		remoteAddr, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count auth failures: %w", err)
	}
	return count, nil
}

// Prune deletes failures older than the window. Called periodically by
// the server loop.
func (f *FailureLog) Prune(ctx context.Context) error {
	cutoff := f.now().UTC().Add(-f.window).Format(time.RFC3339Nano)
	if _, err := f.db.ExecContext(ctx,
		`DELETE FROM auth_failure WHERE at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune auth failures: %w", err)
	}
	return nil
}
