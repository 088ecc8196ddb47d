package signals

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Queued is a signal waiting in the outbox.
type Queued struct {
	ID     int64
	Signal LearningSignal
}

// Store is a durable outbox for learning signals. Signals survive restarts
// until a forwarder has delivered them.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the outbox database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open signal outbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			firm_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			edit_bucket TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			delivered_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(delivered_at, id);
	`)
	return err
}

// Enqueue appends sig to the outbox.
func (s *Store) Enqueue(ctx context.Context, sig LearningSignal) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (correlation_id, firm_id, task_type, outcome, edit_bucket, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sig.CorrelationID, sig.FirmID, sig.TaskType, string(sig.Outcome), string(sig.EditBucket),
		sig.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue signal: %w", err)
	}
	return res.LastInsertId()
}

// Pending returns up to limit undelivered signals, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Queued, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, firm_id, task_type, outcome, edit_bucket, ts
		FROM signals WHERE delivered_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending signals: %w", err)
	}
	defer rows.Close()

	var out []Queued
	for rows.Next() {
		var (
			q           Queued
			outcome, eb string
			ts          string
		)
		if err := rows.Scan(&q.ID, &q.Signal.CorrelationID, &q.Signal.FirmID, &q.Signal.TaskType, &outcome, &eb, &ts); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		q.Signal.Outcome = Outcome(outcome)
		q.Signal.EditBucket = EditBucket(eb)
		if q.Signal.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("signal %d: bad timestamp: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkDelivered flags ids as delivered.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		"UPDATE signals SET delivered_at = ? WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// Prune deletes delivered signals older than cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM signals WHERE delivered_at IS NOT NULL AND delivered_at < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns the number of pending and delivered signals.
func (s *Store) Counts(ctx context.Context) (pending, delivered int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN delivered_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM signals`).Scan(&pending, &delivered)
	if err != nil {
		return 0, 0, fmt.Errorf("count signals: %w", err)
	}
	return pending, delivered, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
