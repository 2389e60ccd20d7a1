package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/boardflow/internal/engine"
	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/api"
	"github.com/petrijr/boardflow/pkg/kits/core"
)

type engineFactory func(t *testing.T, reg *api.Registry) api.Engine

func inMemoryEngine(t *testing.T, reg *api.Registry) api.Engine {
	t.Helper()
	return engine.NewInMemoryEngine(reg)
}

func sqliteEngine(t *testing.T, reg *api.Registry) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.NewSQLiteEngine(db, reg)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	return eng
}

var factories = map[string]engineFactory{
	"in-memory": inMemoryEngine,
	"sqlite":    sqliteEngine,
}

// echoBoard asks for text and outputs it unchanged. A non-empty gate
// inserts a node of that type in between.
func echoBoard(gate string) api.GraphDescriptor {
	g := api.GraphDescriptor{
		Title: "echo",
		Nodes: []api.NodeDescriptor{
			{ID: "in", Type: api.NodeTypeInput},
			{ID: "p", Type: core.TypePassthrough},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{
			{From: "in", Out: "text", To: "p", In: "text"},
			{From: "p", Out: "text", To: "out", In: "text"},
		},
	}
	if gate != "" {
		g.Nodes = append(g.Nodes, api.NodeDescriptor{ID: "gate", Type: gate})
		g.Edges[1] = api.Edge{From: "p", Out: "text", To: "gate", In: "text"}
		g.Edges = append(g.Edges, api.Edge{From: "gate", Out: "text", To: "out", In: "text"})
	}
	return g
}

func setup(t *testing.T, factory engineFactory, reg *api.Registry) (api.Engine, *Worker) {
	t.Helper()
	eng := factory(t, reg)
	if err := eng.RegisterBoard("echo", echoBoard("")); err != nil {
		t.Fatalf("RegisterBoard failed: %v", err)
	}
	return eng, New(eng, taskqueue.NewInMemoryQueue())
}

func TestWorker_ProcessesStartTasks(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng, w := setup(t, factory, api.NewRegistry(core.Kit()))

			// Enqueueing must not create a run.
			if _, err := w.EnqueueStart(ctx, "echo", api.InputValues{"text": "async"}); err != nil {
				t.Fatalf("EnqueueStart failed: %v", err)
			}
			mid, err := eng.ListRuns(ctx, api.RunListOptions{Board: "echo"})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(mid) != 0 {
				t.Fatalf("expected 0 runs before processing, got %d", len(mid))
			}

			processed, err := w.ProcessOne(ctx)
			if err != nil {
				t.Fatalf("ProcessOne failed: %v", err)
			}
			if !processed {
				t.Fatalf("expected a task to be processed")
			}

			after, err := eng.ListRuns(ctx, api.RunListOptions{Board: "echo"})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(after) != 1 {
				t.Fatalf("expected 1 run after processing, got %d", len(after))
			}
			run := after[0]
			if run.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED status, got %q", run.Status)
			}
			if len(run.Outputs) != 1 || run.Outputs[0]["text"] != "async" {
				t.Fatalf("unexpected outputs %v", run.Outputs)
			}
		})
	}
}

func TestWorker_ProvideTaskContinuesWaitingRun(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng, w := setup(t, factory, api.NewRegistry(core.Kit()))

			if _, err := w.EnqueueStart(ctx, "echo", nil); err != nil {
				t.Fatalf("EnqueueStart failed: %v", err)
			}
			if _, err := w.ProcessOne(ctx); err != nil {
				t.Fatalf("ProcessOne failed: %v", err)
			}
			waiting, err := eng.ListRuns(ctx, api.RunListOptions{Status: api.StatusWaiting})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(waiting) != 1 {
				t.Fatalf("expected 1 waiting run, got %d", len(waiting))
			}

			if _, err := w.EnqueueProvide(ctx, waiting[0].ID, api.InputValues{"text": "answer"}); err != nil {
				t.Fatalf("EnqueueProvide failed: %v", err)
			}
			if _, err := w.ProcessOne(ctx); err != nil {
				t.Fatalf("ProcessOne failed: %v", err)
			}

			run, err := eng.GetRun(ctx, waiting[0].ID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if run.Status != api.StatusCompleted || run.Outputs[0]["text"] != "answer" {
				t.Fatalf("unexpected run %+v", run)
			}
		})
	}
}

func TestWorker_ResumeTaskRecoversFailedRun(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var down atomic.Bool
			down.Store(true)
			reg := api.NewRegistry(core.Kit())
			reg.Handle("gate", api.SimpleHandler(func(in api.InputValues) (api.OutputValues, error) {
				if down.Load() {
					return nil, errors.New("gate closed")
				}
				return in, nil
			}))

			eng := factory(t, reg)
			if err := eng.RegisterBoard("gated", echoBoard("gate")); err != nil {
				t.Fatalf("RegisterBoard failed: %v", err)
			}
			w := New(eng, taskqueue.NewInMemoryQueue())

			if _, err := w.EnqueueStart(ctx, "gated", api.InputValues{"text": "x"}); err != nil {
				t.Fatalf("EnqueueStart failed: %v", err)
			}
			processed, err := w.ProcessOne(ctx)
			if !processed || err == nil {
				t.Fatalf("expected a failed task, got processed=%v err=%v", processed, err)
			}
			failed, err := eng.ListRuns(ctx, api.RunListOptions{Status: api.StatusFailed})
			if err != nil || len(failed) != 1 {
				t.Fatalf("expected 1 failed run, got %d (err %v)", len(failed), err)
			}

			down.Store(false)
			if _, err := w.EnqueueResume(ctx, failed[0].ID); err != nil {
				t.Fatalf("EnqueueResume failed: %v", err)
			}
			if _, err := w.ProcessOne(ctx); err != nil {
				t.Fatalf("ProcessOne failed: %v", err)
			}
			run, err := eng.GetRun(ctx, failed[0].ID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if run.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED after resume, got %s", run.Status)
			}
		})
	}
}

func TestWorker_UnknownTaskType(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue()
	w := New(engine.NewInMemoryEngine(nil), q)
	if err := q.Enqueue(ctx, taskqueue.Task{ID: "x", Type: "bogus"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the task to be consumed")
	}
	if err == nil {
		t.Fatalf("expected an error for an unknown task type")
	}
}

func TestWorker_ProcessOneRespectsContext(t *testing.T) {
	w := New(engine.NewInMemoryEngine(nil), taskqueue.NewInMemoryQueue())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatalf("nothing should be processed")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWorker_RunLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng, w := setup(t, inMemoryEngine, api.NewRegistry(core.Kit()))

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(loopCtx, 10*time.Millisecond)
	}()

	for _, text := range []string{"a", "b", "c"} {
		if _, err := w.EnqueueStart(ctx, "echo", api.InputValues{"text": text}); err != nil {
			t.Fatalf("EnqueueStart failed: %v", err)
		}
	}

	for {
		runs, err := eng.ListRuns(ctx, api.RunListOptions{Status: api.StatusCompleted})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) == 3 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out with %d completed runs", len(runs))
		case <-time.After(10 * time.Millisecond):
		}
	}

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}
