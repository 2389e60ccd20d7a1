package boardflow

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue and a
// Worker for development, tests and single-process deployments.
//
// Typical usage:
//
//	runner := boardflow.NewLocalRunner(boardflow.NewRegistry(boardflow.CoreKit()))
//	board.MustRegister(runner.Engine, "echo")
//
//	// Synchronous run (no queue involved):
//	rec, err := runner.Engine.Start(ctx, "echo", inputs)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	_, _ = runner.StartAsync(ctx, "echo", inputs)
//	...
//	runner.Stop()
type LocalRunner struct {
	Engine Engine
	Queue  Queue
	Worker *worker.Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewLocalRunner constructs a LocalRunner whose engine resolves node types
// through reg.
func NewLocalRunner(reg *Registry) *LocalRunner {
	eng := NewInMemoryEngine(reg)
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
	}
}

// StartWorkers starts concurrency worker goroutines that process tasks until
// Stop is called or ctx is done. It fails if workers are already running.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.group != nil {
		return errors.New("boardflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error {
			r.Worker.Run(gctx, 0)
			return nil
		})
	}
	r.cancel = cancel
	r.group = g
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancel, g := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
}

// StartAsync enqueues a run of board. It returns the task ID.
func (r *LocalRunner) StartAsync(ctx context.Context, board string, inputs InputValues) (string, error) {
	return r.Worker.EnqueueStart(ctx, board, inputs)
}

// ProvideAsync enqueues the answer to a waiting run's input request.
func (r *LocalRunner) ProvideAsync(ctx context.Context, runID string, inputs InputValues) (string, error) {
	return r.Worker.EnqueueProvide(ctx, runID, inputs)
}

// ResumeAsync enqueues the resumption of a failed run.
func (r *LocalRunner) ResumeAsync(ctx context.Context, runID string) (string, error) {
	return r.Worker.EnqueueResume(ctx, runID)
}
