package api

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a durable run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// RunRecord is the persisted form of a durable run.
type RunRecord struct {
	ID     string
	Board  string
	Status Status

	// Inputs are the values the run was started with.
	Inputs InputValues

	// State is the last good snapshot. It is nil once the run completed.
	State *ReanimationState

	// PendingInput is set while Status is StatusWaiting.
	PendingInput *InputRequest

	// Outputs collects the values of every output node reached so far.
	Outputs []OutputValues

	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunListOptions controls how runs are listed.
type RunListOptions struct {
	// Board, if non-empty, limits results to runs of the given board.
	Board string

	// Status, if non-empty, limits results to runs with the given status.
	Status Status
}

// Engine executes registered boards as durable runs. A run suspends with
// StatusWaiting whenever a board asks for input and is continued through
// Provide, possibly by another process sharing the same store.
type Engine interface {
	// RegisterBoard validates graph and registers it under name.
	RegisterBoard(name string, graph GraphDescriptor) error

	// Start creates a run and drives it until it completes, fails or waits
	// for input. inputs pre-supply values for input nodes.
	Start(ctx context.Context, board string, inputs InputValues) (*RunRecord, error)

	// Provide answers the pending input request of a waiting run and drives
	// it further.
	Provide(ctx context.Context, id string, inputs InputValues) (*RunRecord, error)

	// Resume continues a FAILED run from its last good snapshot. The node
	// that failed is invoked again.
	Resume(ctx context.Context, id string) (*RunRecord, error)

	// Cancel marks a run that is not yet finished as CANCELLED.
	Cancel(ctx context.Context, id string) (*RunRecord, error)

	// GetRun looks up a run by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the runs matching opts.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunRecord, error)

	// RecoverStuckRuns marks runs left in StatusRunning (for example after a
	// crash) as failed so they can be resumed. It returns how many it updated.
	//
	// Call it on startup before any worker is started.
	RecoverStuckRuns(ctx context.Context) (int, error)
}

// HistoryReader allows reading a run's event history.
type HistoryReader interface {
	// ListEvents returns all events for a run in chronological order.
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)
}
