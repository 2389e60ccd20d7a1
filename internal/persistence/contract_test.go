package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

func sampleRun(id, board string, status api.Status, created time.Time) *api.RunRecord {
	return &api.RunRecord{
		ID:     id,
		Board:  board,
		Status: status,
		Inputs: api.InputValues{"text": "hi"},
		State: &api.ReanimationState{
			Version: api.StateVersion,
			Stack: []api.FrameState{{
				NextID: 2,
				Seeded: true,
				Records: []api.NodeInvocation{{
					Node:    api.NodeDescriptor{ID: "in", Type: api.NodeTypeInput},
					Outputs: api.OutputValues{"text": "hi"},
					State:   api.InvocationCompleted,
					Path:    []int{1},
				}},
			}},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// testRunStore exercises the RunStore contract shared by every backend.
func testRunStore(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	rec := sampleRun("run-1", "echo", api.StatusRunning, base)
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.SaveRun(ctx, rec); !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists on duplicate save, got %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Board != "echo" || got.Status != api.StatusRunning {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Inputs["text"] != "hi" {
		t.Fatalf("expected inputs to round-trip, got %v", got.Inputs)
	}
	if got.State == nil || len(got.State.Stack) != 1 || got.State.Stack[0].Records[0].Outputs["text"] != "hi" {
		t.Fatalf("expected snapshot to round-trip, got %+v", got.State)
	}

	// Mutating a returned record must not leak into the store.
	got.Status = api.StatusCancelled
	again, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if again.Status != api.StatusRunning {
		t.Fatalf("store shares memory with callers: status %s", again.Status)
	}

	rec.Status = api.StatusWaiting
	rec.PendingInput = &api.InputRequest{Node: api.NodeDescriptor{ID: "in", Type: api.NodeTypeInput}, Path: []int{1}}
	rec.Err = errors.New("boom")
	if err := store.UpdateRun(ctx, rec); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun after update failed: %v", err)
	}
	if got.Status != api.StatusWaiting || got.PendingInput == nil || got.PendingInput.Node.ID != "in" {
		t.Fatalf("update not persisted: %+v", got)
	}
	if got.Err == nil || got.Err.Error() != "boom" {
		t.Fatalf("expected error text to round-trip, got %v", got.Err)
	}

	if err := store.UpdateRun(ctx, sampleRun("missing", "echo", api.StatusRunning, base)); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on update, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	if err := store.SaveRun(ctx, sampleRun("run-2", "echo", api.StatusCompleted, base.Add(time.Second))); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.SaveRun(ctx, sampleRun("run-3", "other", api.StatusWaiting, base.Add(2*time.Second))); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	cases := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all", RunFilter{}, []string{"run-1", "run-2", "run-3"}},
		{"by board", RunFilter{Board: "echo"}, []string{"run-1", "run-2"}},
		{"by status", RunFilter{Status: api.StatusWaiting}, []string{"run-1", "run-3"}},
		{"both", RunFilter{Board: "echo", Status: api.StatusCompleted}, []string{"run-2"}},
		{"none", RunFilter{Board: "nope"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, ids)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, ids)
				}
			}
		})
	}
}

// testEventStore exercises the EventStore contract.
func testEventStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	evs := []api.RunEvent{
		{RunID: "ev-1", At: at, Type: api.EventRunStarted, Board: "echo"},
		{RunID: "ev-1", At: at.Add(time.Millisecond), Type: api.EventRunWaiting, Board: "echo", Node: "in"},
		{RunID: "ev-2", At: at, Type: api.EventRunStarted, Board: "echo"},
		{RunID: "ev-1", At: at.Add(2 * time.Millisecond), Type: api.EventRunFailed, Board: "echo", Node: "p", Detail: "boom"},
	}
	for _, ev := range evs {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := store.ListEvents(ctx, "ev-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []api.EventType{api.EventRunStarted, api.EventRunWaiting, api.EventRunFailed}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}
	if got[2].Node != "p" || got[2].Detail != "boom" {
		t.Fatalf("unexpected last event: %+v", got[2])
	}
	if !got[0].At.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, got[0].At)
	}

	none, err := store.ListEvents(ctx, "unknown")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no events, got %v", none)
	}
}
