package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Event captures one memory-subsystem mutation or retrieval for the admin
// dashboard. Recording is best-effort: producers log and continue when an
// insert fails.
type Event struct {
	ID         int64
	Op         string
	MemoryID   string
	Level      string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// Stats summarizes recorded events.
type Stats struct {
	Total    int64
	Failures int64
}

// Log is a SQLite-backed event log.
type Log struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens and initializes the audit log database.
func Open(ctx context.Context, dbPath string, logger *log.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db, logger: logger}
	if err := l.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run audit schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// InsertEvent stores one event.
func (l *Log) InsertEvent(ctx context.Context, ev Event) error {
	ts := ev.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	success := 0
	if ev.Success {
		success = 1
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO memory_events (
		op, memory_id, level, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(ev.Op),
		strings.TrimSpace(ev.MemoryID),
		strings.TrimSpace(ev.Level),
		success,
		strings.TrimSpace(ev.ErrorText),
		ev.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert memory event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent events in newest-first order.
func (l *Log) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, op, memory_id, level, success, error_text, duration_ms, created_at
FROM memory_events
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev             Event
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.Op,
			&ev.MemoryID,
			&ev.Level,
			&successAsInt,
			&ev.ErrorText,
			&ev.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan memory event: %w", err)
		}
		ev.Success = successAsInt == 1
		if ts, err := time.Parse(time.RFC3339Nano, createdAtValue); err == nil {
			ev.CreatedAt = ts
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

// EventStats returns total and failed event counts.
func (l *Log) EventStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_events`).Scan(&st.Total); err != nil {
		return st, err
	}
	if err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_events WHERE success = 0`).Scan(&st.Failures); err != nil {
		return st, err
	}
	return st, nil
}

// Record is a fire-and-forget helper for producers: failures are logged at
// warn level and never propagated.
func (l *Log) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if err := l.InsertEvent(ctx, ev); err != nil {
		l.logger.Warn("audit insert failed", "op", ev.Op, "error", err)
	}
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
