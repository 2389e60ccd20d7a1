package boardflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/boardflow/internal/engine"
	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/internal/sandbox"
	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/api"
	"github.com/petrijr/boardflow/pkg/kits/core"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	GraphDescriptor = api.GraphDescriptor
	NodeDescriptor  = api.NodeDescriptor
	Edge            = api.Edge
	InputValues     = api.InputValues
	OutputValues    = api.OutputValues
	NodeHandler     = api.NodeHandler
	HandlerFunc     = api.HandlerFunc
	NodeContext     = api.NodeContext
	Kit             = api.Kit
	Registry        = api.Registry
	Probe           = api.Probe
	ProbeFunc       = api.ProbeFunc
	ProbeMessage    = api.ProbeMessage
	HarnessResult   = api.HarnessResult
	InputRequest    = api.InputRequest
	Engine          = api.Engine
	RunRecord       = api.RunRecord
	RunListOptions  = api.RunListOptions
	RunEvent        = api.RunEvent
	HistoryReader   = api.HistoryReader
	Status          = api.Status

	Harness       = harness.Harness
	HarnessConfig = harness.Config
	Run           = harness.Run
	RunConfig     = harness.RunConfig

	Queue = taskqueue.Queue
	Task  = taskqueue.Task

	Sandbox      = sandbox.Sandbox
	FuncSandbox  = sandbox.FuncSandbox
	Module       = sandbox.Module
	Capabilities = sandbox.Capabilities
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

var (
	NewRegistry       = api.NewRegistry
	NewLoggingProbe   = api.NewLoggingProbe
	NewCompositeProbe = api.NewCompositeProbe
	ParseBoard        = api.ParseGraph
)

// CoreKit returns the built-in passthrough and memory node types.
func CoreKit() Kit {
	return core.Kit()
}

// NewFuncSandbox creates a sandbox running modules implemented in Go.
func NewFuncSandbox(modules map[string]Module) *FuncSandbox {
	return sandbox.NewFuncSandbox(modules)
}

// SandboxKit provides the runModule node type, which runs a module of the
// board in sb. Modules reach the fetch and secrets handlers of the run's
// registry through their capabilities.
func SandboxKit(sb Sandbox) Kit {
	return (&sandbox.RunModuleHandler{Sandbox: sb}).Kit()
}

// NewHarness creates a harness for running boards in process.
func NewHarness(cfg HarnessConfig) *Harness {
	return harness.New(cfg)
}

// RunBoard runs board to its end in process and returns every output it
// produced. inputs must satisfy every input request; a request they do not
// satisfy fails with api.ErrInputRequired.
func RunBoard(ctx context.Context, h *Harness, board *GraphDescriptor, inputs InputValues) ([]OutputValues, error) {
	run, err := h.Start(ctx, RunConfig{Board: board, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	defer run.Stop()

	var outputs []OutputValues
	for res, err := range harness.Results(ctx, run) {
		if err != nil {
			return outputs, err
		}
		switch res.Type {
		case api.ResultInput:
			return outputs, fmt.Errorf("%w: node %q", api.ErrInputRequired, res.Input.Node.ID)
		case api.ResultOutput:
			outputs = append(outputs, res.Outputs)
		case api.ResultError:
			if res.Err != nil {
				return outputs, res.Err
			}
			return outputs, errors.New(res.Error)
		}
	}
	return outputs, nil
}

// Engine constructors. They wrap internal/engine so external callers never
// need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(reg *Registry) Engine {
	return engine.NewInMemoryEngine(reg)
}

// NewSQLiteEngine returns an Engine that persists runs and history in a
// SQLite database. Boards are kept in memory.
func NewSQLiteEngine(db *sql.DB, reg *Registry) (Engine, error) {
	return engine.NewSQLiteEngine(db, reg)
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB, reg *Registry) (Engine, error) {
	return engine.NewPostgresEngine(db, reg)
}

// NewRedisEngine returns an Engine that persists runs in Redis.
func NewRedisEngine(client *redis.Client, prefix string, reg *Registry) Engine {
	return engine.NewRedisEngine(client, prefix, reg)
}

// NewMongoEngine returns an Engine that persists runs in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string, reg *Registry) Engine {
	return engine.NewMongoEngine(client, dbName, reg)
}

// Queue constructors.

func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func NewPostgresQueue(db *sql.DB) (Queue, error) {
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

func NewMongoQueue(client *mongo.Client, dbName string) Queue {
	return taskqueue.NewMongoQueue(client, dbName)
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := boardflow.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
