package boardflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

func echo() *BoardBuilder {
	return NewBoard("echo").
		Input("in").
		Node("p", "passthrough").
		Output("out").
		Wire("in", "text", "p", "text").
		Wire("p", "text", "out", "text")
}

// waitFor polls eng until a run of board reaches status.
func waitFor(t *testing.T, eng Engine, board string, status Status) *RunRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := eng.ListRuns(context.Background(), RunListOptions{Board: board, Status: status})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) > 0 {
			return runs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s run of %s appeared", status, board)
	return nil
}

func TestLocalRunner_SyncAndAsync(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner(NewRegistry(CoreKit()))
	echo().MustRegister(runner.Engine, "echo")

	rec, err := runner.Engine.Start(ctx, "echo", InputValues{"text": "sync"})
	if err != nil {
		t.Fatalf("sync Start failed: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Outputs[0]["text"] != "sync" {
		t.Fatalf("unexpected sync run %+v", rec)
	}

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}

	if _, err := runner.StartAsync(ctx, "echo", nil); err != nil {
		t.Fatalf("StartAsync failed: %v", err)
	}
	waiting := waitFor(t, runner.Engine, "echo", StatusWaiting)

	if _, err := runner.ProvideAsync(ctx, waiting.ID, InputValues{"text": "async"}); err != nil {
		t.Fatalf("ProvideAsync failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := runner.Engine.GetRun(ctx, waiting.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if rec.Status == StatusCompleted {
			if rec.Outputs[0]["text"] != "async" {
				t.Fatalf("unexpected outputs %v", rec.Outputs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalRunner_ResumeAsync(t *testing.T) {
	ctx := context.Background()
	fail := true
	reg := NewRegistry(CoreKit())
	reg.Handle("gate", api.SimpleHandler(func(in api.InputValues) (api.OutputValues, error) {
		if fail {
			return nil, errors.New("closed")
		}
		return in, nil
	}))
	runner := NewLocalRunner(reg)
	NewBoard("gated").
		Input("in").
		Node("g", "gate").
		Output("out").
		Wire("in", "text", "g", "text").
		Wire("g", "text", "out", "text").
		MustRegister(runner.Engine, "gated")

	rec, err := runner.Engine.Start(ctx, "gated", InputValues{"text": "x"})
	if err == nil || rec.Status != StatusFailed {
		t.Fatalf("expected a failed run, got %v (err %v)", rec, err)
	}
	fail = false

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()
	if _, err := runner.ResumeAsync(ctx, rec.ID); err != nil {
		t.Fatalf("ResumeAsync failed: %v", err)
	}
	waitFor(t, runner.Engine, "gated", StatusCompleted)
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	runner := NewLocalRunner(nil)
	runner.Stop()
	if err := runner.StartWorkers(context.Background(), 0); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	runner.Stop()
	runner.Stop()
}
