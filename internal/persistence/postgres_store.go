package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/boardflow/pkg/api"
)

// OpenPostgres opens dsn with the pgx database/sql driver and checks the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return db, nil
}

// PostgresRunStore is a RunStore backed by PostgreSQL. Open the *sql.DB
// with OpenPostgres or any database/sql PostgreSQL driver.
type PostgresRunStore struct {
	db *sql.DB
}

var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore creates the runs table if needed.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	err := execAll(db,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			board TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_board_status ON runs(board, status)`,
	)
	if err != nil {
		return nil, err
	}
	return &PostgresRunStore{db: db}, nil
}

func (s *PostgresRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	payload, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, board, status, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.Board, string(rec.Status), rec.CreatedAt.UnixNano(), string(payload),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrRunExists
	}
	return err
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	payload, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET board = $1, status = $2, payload = $3 WHERE id = $4`,
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

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeRun([]byte(payload))
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	query, args := listQuery(filter, "$")
	return scanRuns(s.db.QueryContext(ctx, query, args...))
}

// NewPostgresEventStore creates the run_events table if needed.
func NewPostgresEventStore(db *sql.DB) (*SQLEventStore, error) {
	err := execAll(db,
		`CREATE TABLE IF NOT EXISTS run_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			board TEXT NOT NULL DEFAULT '',
			node TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id)`,
	)
	if err != nil {
		return nil, err
	}
	return &SQLEventStore{db: db, postgres: true}, nil
}

func execAll(db *sql.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
