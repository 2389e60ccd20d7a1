package boardflow

import (
	"database/sql"

	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/worker"
)

// WorkerBundle wires an Engine, a durable task queue and a Worker consuming
// that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *worker.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle builds an engine, queue and worker sharing db. Runs, their
// history and queued tasks all survive a restart; boards must be registered
// again by the new process.
//
//	db, _ := sql.Open("sqlite", "file:boardflow.db?_journal=WAL")
//	bundle, err := boardflow.NewSQLiteBundle(db, reg, worker.Config{})
func NewSQLiteBundle(db *sql.DB, reg *Registry, cfg worker.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, reg)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: worker.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}

// Pending returns the number of queued tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
