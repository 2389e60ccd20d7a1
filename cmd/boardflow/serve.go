package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/internal/proxy"
	"github.com/petrijr/boardflow/internal/remote"
	"github.com/petrijr/boardflow/internal/telemetry"
	"github.com/petrijr/boardflow/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run boards for remote hosts and process queued runs",
		Long: `Serve accepts websocket connections from hosts on the configured path and
runs the boards they send. Metrics are served on /metrics when the prometheus
exporter is configured. With --workers, queued run tasks are processed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Serve.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				a.cfg.Queue.Workers = workers
			}
			ln, err := net.Listen("tcp", a.cfg.Serve.Addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", ln.Addr())
			return a.serve(cmd.Context(), ln, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "queue workers to run (overrides the config)")
	return cmd
}

// serve runs until ctx is done, then shuts the listener down gracefully.
// stdout exporters write to out.
func (a *app) serve(ctx context.Context, ln net.Listener, out io.Writer) error {
	tel, err := telemetry.Setup(ctx, a.cfg.Telemetry, out)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry_shutdown_failed", slog.Any("error", err))
		}
	}()

	var pc *proxy.Config
	if a.cfg.Serve.Proxy != "" {
		if pc, err = proxy.LoadConfig(a.cfg.Serve.Proxy); err != nil {
			_ = ln.Close()
			return err
		}
	}
	boards := remote.NewServer(remote.ServerConfig{
		Kits:     a.kits(),
		Proxy:    pc,
		NewProbe: tel.RunProbe,
		Logger:   a.logger,
	})

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Serve.Path, protocol.WebSocketHandler(a.logger, boards.Serve))
	if h := tel.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Queue.Workers > 0 {
		if err := a.startWorkers(gctx, g); err != nil {
			_ = ln.Close()
			return err
		}
	}
	g.Go(func() error {
		a.logger.Info("serve_started", slog.String("addr", ln.Addr().String()), slog.String("path", a.cfg.Serve.Path))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// startWorkers recovers interrupted runs, then processes queued tasks on
// g until ctx is done.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) error {
	b, err := openBackend(ctx, a.cfg, a.registry(), a.logger)
	if err != nil {
		return err
	}
	n, err := b.Engine.RecoverStuckRuns(ctx)
	if err != nil {
		_ = b.Close()
		return err
	}
	if n > 0 {
		a.logger.Warn("interrupted_runs_failed", slog.Int("count", n))
	}

	w := worker.NewWithConfig(b.Engine, b.Queue, worker.Config{Logger: a.logger})
	var workers errgroup.Group
	for range a.cfg.Queue.Workers {
		workers.Go(func() error {
			w.Run(ctx, 0)
			return nil
		})
	}
	g.Go(func() error {
		err := workers.Wait()
		return errors.Join(err, b.Close())
	})
	return nil
}
