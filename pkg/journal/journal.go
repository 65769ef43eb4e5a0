// Package journal persists tamper events to a local SQLite database so
// detections survive process restarts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tamper_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    region      TEXT NOT NULL,
    details     TEXT NOT NULL,
    detected_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tamper_events_region ON tamper_events(region);
`

// Event is one persisted tamper detection.
type Event struct {
	ID         int64
	Region     string
	Details    string
	DetectedAt time.Time
}

// Journal stores tamper events in SQLite via modernc.org/sqlite (pure
// Go, no CGO).
type Journal struct {
	db     *sql.DB
	logger log.Logger
}

// Open opens (or creates) the journal database at the given path.
func Open(path string, logger log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	level.Info(logger).Log("msg", "tamper journal opened", "path", path)
	return &Journal{db: db, logger: logger}, nil
}

// Record persists one tamper event.
func (j *Journal) Record(ctx context.Context, region, details string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO tamper_events (region, details, detected_at) VALUES (?, ?, ?)`,
		region, details, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording tamper event: %w", err)
	}
	return nil
}

// OnTamperingDetected adapts the journal to the engine's tamper receiver
// signature. Persistence failures are logged, never propagated back into
// the scanner.
func (j *Journal) OnTamperingDetected(region, details string) {
	if err := j.Record(context.Background(), region, details); err != nil {
		level.Error(j.logger).Log("msg", "failed to journal tamper event", "region", region, "err", err)
	}
}

// Recent returns the latest n events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, region, details, detected_at FROM tamper_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying tamper events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Region, &ev.Details, &ts); err != nil {
			return nil, fmt.Errorf("scanning tamper event: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.DetectedAt = parsed
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByRegion returns how many events are recorded for a region.
func (j *Journal) CountByRegion(ctx context.Context, region string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tamper_events WHERE region = ?`, region).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tamper events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
