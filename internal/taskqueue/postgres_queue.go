package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresQueue is a persistent FIFO backed by a PostgreSQL table. Several
// workers may poll it; FOR UPDATE SKIP LOCKED hands each row to one of them.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue creates the queue_tasks table in db if needed.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			not_before BIGINT NOT NULL,
			payload    BYTEA NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create queue_tasks: %w", err)
	}
	return q, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	notBefore := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_tasks (id, not_before, payload) VALUES ($1, $2, $3)`,
		t.ID, notBefore.UnixNano(), payload)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()
	for {
		t, err := q.claim(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload FROM queue_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now.UnixNano()).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
