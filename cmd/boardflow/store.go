package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/boardflow/internal/engine"
	"github.com/petrijr/boardflow/internal/persistence"
	"github.com/petrijr/boardflow/internal/taskqueue"
	"github.com/petrijr/boardflow/pkg/api"
)

// backend is an engine and queue opened from the store and queue config.
type backend struct {
	Engine  api.Engine
	Queue   taskqueue.Queue
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackend connects to the configured store, registers cfg.Boards and
// returns the engine and queue sharing that connection.
func openBackend(ctx context.Context, cfg Config, reg *api.Registry, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	var (
		p     persistence.Persistence
		queue taskqueue.Queue
	)

	switch cfg.Store.Backend {
	case "memory":
		mem := persistence.NewInMemoryStore()
		p = persistence.Persistence{Boards: mem, Runs: mem, Events: persistence.NewInMemoryEventStore()}
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		b.closers = append(b.closers, db.Close)
		runs, err := persistence.NewSQLiteRunStore(db)
		if err != nil {
			return nil, errors.Join(err, b.Close())
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			return nil, errors.Join(err, b.Close())
		}
		p = persistence.Persistence{Runs: runs, Events: events}
		if cfg.Queue.Backend == "sqlite" {
			q, err := taskqueue.NewSQLiteQueue(db)
			if err != nil {
				return nil, errors.Join(err, b.Close())
			}
			queue = q
		}
	case "postgres":
		db, err := persistence.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		runs, err := persistence.NewPostgresRunStore(db)
		if err != nil {
			return nil, errors.Join(err, b.Close())
		}
		events, err := persistence.NewPostgresEventStore(db)
		if err != nil {
			return nil, errors.Join(err, b.Close())
		}
		p = persistence.Persistence{Runs: runs, Events: events}
		if cfg.Queue.Backend == "postgres" {
			q, err := taskqueue.NewPostgresQueue(db)
			if err != nil {
				return nil, errors.Join(err, b.Close())
			}
			queue = q
		}
	case "redis":
		opts, err := redis.ParseURL(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Join(fmt.Errorf("redis: %w", err), b.Close())
		}
		store := persistence.NewRedisRunStore(client, cfg.Store.Prefix)
		p = persistence.Persistence{Runs: store, Events: store}
		if cfg.Queue.Backend == "redis" {
			queue = taskqueue.NewRedisQueue(client, cfg.Store.Prefix)
		}
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return nil, errors.Join(fmt.Errorf("mongo: %w", err), b.Close())
		}
		store := persistence.NewMongoRunStore(client, cfg.Store.Database)
		p = persistence.Persistence{Runs: store, Events: store}
		if cfg.Queue.Backend == "mongo" {
			queue = taskqueue.NewMongoQueue(client, cfg.Store.Database)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if queue == nil {
		queue = taskqueue.NewInMemoryQueue()
	}

	b.Engine = engine.NewEngine(engine.Config{
		Persistence: p,
		Registry:    reg,
		Probe:       api.NewLoggingProbe(logger),
		Logger:      logger,
	})
	b.Queue = queue

	if err := registerBoards(b.Engine, cfg.Boards); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

func registerBoards(eng api.Engine, boards map[string]string) error {
	for name, path := range boards {
		g, err := readBoard(path, nil)
		if err != nil {
			return fmt.Errorf("board %s: %w", name, err)
		}
		if err := eng.RegisterBoard(name, *g); err != nil {
			return fmt.Errorf("board %s: %w", name, err)
		}
	}
	return nil
}

// readBoard parses and validates the board descriptor at path. "-" reads
// stdin.
func readBoard(path string, stdin io.Reader) (*api.GraphDescriptor, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		if stdin == nil {
			return nil, errors.New("no stdin to read the board from")
		}
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	g, err := api.ParseGraph(data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
