package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/api"
)

// Config configures a Worker.
type Config struct {
	// Logger receives task lifecycle logs. It defaults to slog.Default().
	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and applies them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Worker with the default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, logger: logger, now: time.Now}
}

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) (string, error) {
	t.ID = uuid.NewString()
	t.EnqueuedAt = w.now()
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// EnqueueStart enqueues a task that starts a run of board. It does not run
// anything itself; that is done by ProcessOne. It returns the task ID.
func (w *Worker) EnqueueStart(ctx context.Context, board string, inputs api.InputValues) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeStartRun, Board: board, Inputs: inputs})
}

// EnqueueStartAt is EnqueueStart for a run that must not start before at.
func (w *Worker) EnqueueStartAt(ctx context.Context, board string, inputs api.InputValues, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeStartRun, Board: board, Inputs: inputs, NotBefore: at})
}

// EnqueueProvide enqueues the answer to the pending input request of a
// waiting run.
func (w *Worker) EnqueueProvide(ctx context.Context, runID string, inputs api.InputValues) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeProvideInput, RunID: runID, Inputs: inputs})
}

// EnqueueResume enqueues the resumption of a failed run.
func (w *Worker) EnqueueResume(ctx context.Context, runID string) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeResume, RunID: runID})
}

// ProcessOne pulls a single task from the queue and applies it.
//
// processed is false only when no task was obtained; err then is the
// dequeue error, typically the context's. When processed is true, err
// reports whether the task succeeded. A run that fails is a failed task.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	logger := w.logger.With(slog.String("task", task.ID), slog.String("type", string(task.Type)))
	started := w.now()
	rec, err := w.apply(ctx, task)
	attrs := []any{slog.Duration("duration", w.now().Sub(started))}
	if rec != nil {
		attrs = append(attrs, slog.String("run", rec.ID), slog.String("status", string(rec.Status)))
	}
	if err != nil {
		logger.Warn("task_failed", append(attrs, slog.Any("error", err))...)
		return true, err
	}
	logger.Info("task_completed", attrs...)
	return true, nil
}

func (w *Worker) apply(ctx context.Context, task *taskqueue.Task) (*api.RunRecord, error) {
	switch task.Type {
	case taskqueue.TaskTypeStartRun:
		return w.engine.Start(ctx, task.Board, task.Inputs)
	case taskqueue.TaskTypeProvideInput:
		return w.engine.Provide(ctx, task.RunID, task.Inputs)
	case taskqueue.TaskTypeResume:
		return w.engine.Resume(ctx, task.RunID)
	default:
		return nil, fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// Run calls ProcessOne until ctx is done. Task failures are logged and do
// not stop the loop. Dequeue failures back off for idle before retrying.
func (w *Worker) Run(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if processed || err == nil || ctx.Err() != nil {
			continue
		}
		w.logger.Error("dequeue_failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(idle):
		}
	}
}
