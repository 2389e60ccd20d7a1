package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/petrijr/boardflow/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore creates the runs table if needed.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			board TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_board_status ON runs(board, status);
	`)
	return err
}

func (s *SQLiteRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	payload, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, board, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Board, string(rec.Status), rec.CreatedAt.UnixNano(), string(payload),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrRunExists
	}
	return err
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	payload, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET board = ?, status = ?, payload = ? WHERE id = ?`,
		rec.Board, string(rec.Status), string(payload), rec.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeRun([]byte(payload))
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	query, args := listQuery(filter, "?")
	return scanRuns(s.db.QueryContext(ctx, query, args...))
}

// listQuery builds the filtered SELECT shared by the SQL stores. placeholder
// is "?" or "$" for numbered parameters.
func listQuery(filter RunFilter, placeholder string) (string, []any) {
	var clauses []string
	var args []any
	param := func() string {
		if placeholder == "$" {
			return "$" + strconv.Itoa(len(args))
		}
		return "?"
	}
	if filter.Board != "" {
		args = append(args, filter.Board)
		clauses = append(clauses, "board = "+param())
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = "+param())
	}
	query := "SELECT payload FROM runs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query + " ORDER BY created_at, id", args
}

func scanRuns(rows *sql.Rows, err error) ([]*api.RunRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := DecodeRun([]byte(payload))
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
