// Package engine runs boards durably: every completed node is checkpointed,
// runs suspend as WAITING at input requests and continue through Provide,
// possibly in another process sharing the same stores.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/internal/persistence"
	"github.com/petrijr/boardflow/pkg/api"
)

// ErrInterrupted is recorded on runs found RUNNING by RecoverStuckRuns.
var ErrInterrupted = errors.New("run interrupted before it finished")

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence

	// Registry resolves node types. It defaults to an empty registry.
	Registry *api.Registry

	Probe  api.Probe
	Logger *slog.Logger

	// Files creates the run-scoped file system handed to sandboxed modules.
	Files func() api.FileSystem
}

type engineImpl struct {
	boards persistence.BoardStore
	runs   persistence.RunStore
	events persistence.EventStore

	harness *harness.Harness
	logger  *slog.Logger
	locks   *runLocks
	now     func() time.Time
}

var (
	_ api.Engine        = (*engineImpl)(nil)
	_ api.HistoryReader = (*engineImpl)(nil)
)

// NewEngine creates an engine from cfg. Missing stores default to memory.
func NewEngine(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Boards == nil || p.Runs == nil {
		mem := persistence.NewInMemoryStore()
		if p.Boards == nil {
			p.Boards = mem
		}
		if p.Runs == nil {
			p.Runs = mem
		}
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engineImpl{
		boards: p.Boards,
		runs:   p.Runs,
		events: p.Events,
		harness: harness.New(harness.Config{
			Registry: cfg.Registry,
			Probe:    cfg.Probe,
			Logger:   logger,
			Files:    cfg.Files,
		}),
		logger: logger,
		locks:  newRunLocks(),
		now:    time.Now,
	}
}

// NewInMemoryEngine keeps boards, runs and history in process memory.
func NewInMemoryEngine(reg *api.Registry) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngine(Config{
		Registry: reg,
		Persistence: persistence.Persistence{
			Boards: mem,
			Runs:   mem,
			Events: persistence.NewInMemoryEventStore(),
		},
	})
}

// NewSQLiteEngine stores runs and history in db. Boards stay in memory and
// must be registered by every process.
func NewSQLiteEngine(db *sql.DB, reg *api.Registry) (api.Engine, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Registry:    reg,
		Persistence: persistence.Persistence{Runs: runs, Events: events},
	}), nil
}

// NewPostgresEngine stores runs and history in a PostgreSQL database.
func NewPostgresEngine(db *sql.DB, reg *api.Registry) (api.Engine, error) {
	runs, err := persistence.NewPostgresRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Registry:    reg,
		Persistence: persistence.Persistence{Runs: runs, Events: events},
	}), nil
}

// NewRedisEngine stores runs and history in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string, reg *api.Registry) api.Engine {
	store := persistence.NewRedisRunStore(client, prefix)
	return NewEngine(Config{
		Registry:    reg,
		Persistence: persistence.Persistence{Runs: store, Events: store},
	})
}

// NewMongoEngine stores runs and history in the MongoDB database dbName.
func NewMongoEngine(client *mongo.Client, dbName string, reg *api.Registry) api.Engine {
	store := persistence.NewMongoRunStore(client, dbName)
	return NewEngine(Config{
		Registry:    reg,
		Persistence: persistence.Persistence{Runs: store, Events: store},
	})
}

func (e *engineImpl) RegisterBoard(name string, graph api.GraphDescriptor) error {
	if name == "" {
		return errors.New("board name is required")
	}
	if err := graph.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	if _, err := e.boards.GetBoard(ctx, name); err == nil {
		return fmt.Errorf("board already registered: %s", name)
	} else if !errors.Is(err, persistence.ErrBoardNotFound) {
		return err
	}
	return e.boards.SaveBoard(ctx, name, graph)
}

func (e *engineImpl) board(ctx context.Context, name string) (*api.GraphDescriptor, error) {
	g, err := e.boards.GetBoard(ctx, name)
	if err != nil {
		if errors.Is(err, persistence.ErrBoardNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrBoardNotFound, name)
		}
		return nil, err
	}
	return &g, nil
}

func (e *engineImpl) Start(ctx context.Context, board string, inputs api.InputValues) (*api.RunRecord, error) {
	g, err := e.board(ctx, board)
	if err != nil {
		return nil, err
	}
	inputs, err = api.CloneValues(inputs)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := &api.RunRecord{
		ID:        uuid.NewString(),
		Board:     board,
		Status:    api.StatusRunning,
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	unlock := e.locks.lock(rec.ID)
	defer unlock()

	if err := e.runs.SaveRun(ctx, rec); err != nil {
		return nil, err
	}
	e.record(ctx, rec, api.EventRunStarted, "", "")
	return e.drive(ctx, rec, g, nil)
}

func (e *engineImpl) Provide(ctx context.Context, id string, inputs api.InputValues) (*api.RunRecord, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != api.StatusWaiting {
		return rec, fmt.Errorf("cannot provide input to run %s in status %s", id, rec.Status)
	}
	g, err := e.board(ctx, rec.Board)
	if err != nil {
		return rec, err
	}
	answer, err := api.CloneValues(inputs)
	if err != nil {
		return rec, err
	}
	if answer == nil {
		answer = api.InputValues{}
	}

	node := ""
	if rec.PendingInput != nil {
		node = rec.PendingInput.Node.ID
	}
	rec.Status = api.StatusRunning
	rec.PendingInput = nil
	if err := e.update(ctx, rec); err != nil {
		return rec, err
	}
	e.record(ctx, rec, api.EventInputProvided, node, "")
	return e.drive(ctx, rec, g, answer)
}

func (e *engineImpl) Resume(ctx context.Context, id string) (*api.RunRecord, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != api.StatusFailed {
		return rec, fmt.Errorf("cannot resume run %s in status %s", id, rec.Status)
	}
	g, err := e.board(ctx, rec.Board)
	if err != nil {
		return rec, err
	}

	rec.Status = api.StatusRunning
	rec.Err = nil
	if err := e.update(ctx, rec); err != nil {
		return rec, err
	}
	e.record(ctx, rec, api.EventRunResumed, "", "")
	return e.drive(ctx, rec, g, nil)
}

func (e *engineImpl) Cancel(ctx context.Context, id string) (*api.RunRecord, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case api.StatusCompleted, api.StatusCancelled:
		return rec, fmt.Errorf("cannot cancel run %s in status %s", id, rec.Status)
	}
	rec.Status = api.StatusCancelled
	rec.PendingInput = nil
	if err := e.update(ctx, rec); err != nil {
		return rec, err
	}
	e.record(ctx, rec, api.EventRunCancelled, "", "")
	return rec, nil
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	return e.getRun(ctx, id)
}

func (e *engineImpl) getRun(ctx context.Context, id string) (*api.RunRecord, error) {
	rec, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.RunRecord, error) {
	return e.runs.ListRuns(ctx, persistence.RunFilter{Board: opts.Board, Status: opts.Status})
}

func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	stuck, err := e.runs.ListRuns(ctx, persistence.RunFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range stuck {
		rec.Status = api.StatusFailed
		rec.Err = ErrInterrupted
		if err := e.update(ctx, rec); err != nil {
			return n, err
		}
		e.record(ctx, rec, api.EventRunFailed, "", ErrInterrupted.Error())
		n++
	}
	return n, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	return e.events.ListEvents(ctx, runID)
}

// drive runs rec from rec.State until it completes, fails or waits. answer,
// if set, responds to the first input request, which is the one the run was
// waiting on.
func (e *engineImpl) drive(ctx context.Context, rec *api.RunRecord, g *api.GraphDescriptor, answer api.InputValues) (*api.RunRecord, error) {
	logger := e.logger.With(slog.String("run", rec.ID), slog.String("board", rec.Board))

	run, err := e.harness.Start(ctx, harness.RunConfig{
		Board:  g,
		Inputs: rec.Inputs,
		State:  rec.State,
		Checkpoint: func(ctx context.Context, state *api.ReanimationState) error {
			rec.State = state
			return e.update(ctx, rec)
		},
	})
	if err != nil {
		return e.failed(ctx, rec, "", err)
	}
	defer run.Stop()

	for {
		res, err := run.Next(ctx)
		if err != nil {
			if errors.Is(err, api.ErrRunComplete) {
				err = &api.InvariantViolation{Message: "run ended without a terminal result"}
			}
			return e.failed(ctx, rec, "", err)
		}

		switch res.Type {
		case api.ResultInput:
			if answer != nil {
				if err := run.Provide(answer); err != nil {
					return e.failed(ctx, rec, res.Input.Node.ID, err)
				}
				answer = nil
				continue
			}
			state, err := run.Snapshot()
			if err != nil {
				return e.failed(ctx, rec, res.Input.Node.ID, err)
			}
			rec.State = state
			rec.PendingInput = res.Input
			rec.Status = api.StatusWaiting
			if err := e.update(ctx, rec); err != nil {
				return rec, err
			}
			logger.Info("run_waiting", slog.String("node", res.Input.Node.ID))
			e.record(ctx, rec, api.EventRunWaiting, res.Input.Node.ID, "")
			return rec, nil

		case api.ResultOutput:
			rec.Outputs = append(rec.Outputs, res.Outputs)
			node := ""
			if res.Node != nil {
				node = res.Node.ID
			}
			e.record(ctx, rec, api.EventOutput, node, "")

		case api.ResultError:
			node := ""
			if res.Node != nil {
				node = res.Node.ID
			}
			err := res.Err
			if err == nil {
				err = errors.New(res.Error)
			}
			return e.failed(ctx, rec, node, err)

		case api.ResultEnd:
			rec.Status = api.StatusCompleted
			rec.State = nil
			rec.PendingInput = nil
			rec.Err = nil
			if err := e.update(ctx, rec); err != nil {
				return rec, err
			}
			logger.Info("run_completed", slog.Int("outputs", len(rec.Outputs)))
			e.record(ctx, rec, api.EventRunCompleted, "", "")
			return rec, nil
		}
	}
}

// failed marks rec FAILED. rec.State keeps the last checkpoint, so Resume
// re-invokes the failing node.
func (e *engineImpl) failed(ctx context.Context, rec *api.RunRecord, node string, cause error) (*api.RunRecord, error) {
	rec.Status = api.StatusFailed
	rec.Err = cause
	// The context may be what failed; the record must still be written.
	wctx := context.WithoutCancel(ctx)
	if err := e.update(wctx, rec); err != nil {
		e.logger.Error("run_update_failed", slog.String("run", rec.ID), slog.Any("error", err))
	}
	e.logger.Warn("run_failed", slog.String("run", rec.ID), slog.String("node", node), slog.Any("error", cause))
	e.record(wctx, rec, api.EventRunFailed, node, cause.Error())
	return rec, cause
}

func (e *engineImpl) update(ctx context.Context, rec *api.RunRecord) error {
	rec.UpdatedAt = e.now()
	return e.runs.UpdateRun(ctx, rec)
}

// record appends a history event. History is best effort and never fails a
// run.
func (e *engineImpl) record(ctx context.Context, rec *api.RunRecord, typ api.EventType, node, detail string) {
	ev := api.RunEvent{RunID: rec.ID, At: e.now(), Type: typ, Board: rec.Board, Node: node, Detail: detail}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("run_event_not_recorded", slog.String("run", rec.ID), slog.String("type", string(typ)), slog.Any("error", err))
	}
}
