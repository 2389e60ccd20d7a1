// Package taskqueue carries durable-run commands from producers to workers.
package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartRun     TaskType = "start-run"
	TaskTypeProvideInput TaskType = "provide-input"
	TaskTypeResume       TaskType = "resume"
)

// Task is a unit of work for a worker.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// Board names the board for start-run tasks.
	Board string `json:"board,omitempty"`

	// RunID names the run for provide-input and resume tasks.
	RunID string `json:"run_id,omitempty"`

	// Inputs are the start inputs or the provided answer.
	Inputs api.InputValues `json:"inputs,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time the task may be handed out. The zero
	// value means immediately.
	NotBefore time.Time `json:"not_before,omitzero"`
}

// Due reports whether t may be handed out at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is an async task queue.
type Queue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or ctx is done.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of queued tasks, due or not.
	Len() int
}
