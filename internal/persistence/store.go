// Package persistence stores boards, durable runs and their history.
package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/boardflow/pkg/api"
)

var (
	// ErrBoardNotFound is returned when no board is stored under a name.
	ErrBoardNotFound = api.ErrBoardNotFound

	// ErrRunNotFound is returned when a run is unknown to the store.
	ErrRunNotFound = api.ErrRunNotFound

	// ErrRunExists is returned by SaveRun for an id that is already stored.
	ErrRunExists = errors.New("run already exists")
)

// BoardStore holds registered boards by name.
type BoardStore interface {
	SaveBoard(ctx context.Context, name string, graph api.GraphDescriptor) error
	GetBoard(ctx context.Context, name string) (api.GraphDescriptor, error)
	ListBoards(ctx context.Context) ([]string, error)
}

// RunFilter selects runs. Empty fields do not filter.
type RunFilter struct {
	Board  string
	Status api.Status
}

// Matches reports whether rec passes the filter.
func (f RunFilter) Matches(rec *api.RunRecord) bool {
	if f.Board != "" && rec.Board != f.Board {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// RunStore persists run records. Implementations return copies: mutating a
// returned record does not change the store.
type RunStore interface {
	SaveRun(ctx context.Context, rec *api.RunRecord) error
	UpdateRun(ctx context.Context, rec *api.RunRecord) error
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)
	// ListRuns returns matching runs ordered by creation time.
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error)
}
