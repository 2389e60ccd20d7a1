package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// SQLEventStore stores run events in a SQL table. It works with SQLite and,
// through NewPostgresEventStore, with PostgreSQL.
type SQLEventStore struct {
	db       *sql.DB
	postgres bool
}

var _ EventStore = (*SQLEventStore)(nil)

// NewSQLiteEventStore creates the run_events table if needed.
func NewSQLiteEventStore(db *sql.DB) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			board TEXT NOT NULL DEFAULT '',
			node TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	at := eventTime(ev)
	query := `INSERT INTO run_events (run_id, at, type, board, node, detail) VALUES (?, ?, ?, ?, ?, ?)`
	if s.postgres {
		query = `INSERT INTO run_events (run_id, at, type, board, node, detail) VALUES ($1, $2, $3, $4, $5, $6)`
	}
	_, err := s.db.ExecContext(ctx, query, ev.RunID, at.UnixNano(), string(ev.Type), ev.Board, ev.Node, ev.Detail)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	query := `SELECT run_id, at, type, board, node, detail FROM run_events WHERE run_id = ? ORDER BY id ASC`
	if s.postgres {
		query = `SELECT run_id, at, type, board, node, detail FROM run_events WHERE run_id = $1 ORDER BY id ASC`
	}
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.RunEvent
	for rows.Next() {
		var (
			ev  api.RunEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.RunID, &atN, &typ, &ev.Board, &ev.Node, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
