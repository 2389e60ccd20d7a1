// Command boardflow runs boards, manages durable runs and serves boards to
// remote hosts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petrijr/boardflow/internal/ctxlog"
	"github.com/petrijr/boardflow/internal/proxy"
	"github.com/petrijr/boardflow/internal/sandbox"
	"github.com/petrijr/boardflow/pkg/api"
	"github.com/petrijr/boardflow/pkg/kits/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    Config
	logger *slog.Logger

	// sandbox runs the modules of runModule nodes.
	sandbox sandbox.Sandbox
}

func newRootCmd() *cobra.Command {
	a := &app{sandbox: sandbox.NewFuncSandbox(nil)}
	root := &cobra.Command{
		Use:           "boardflow",
		Short:         "Run dataflow boards locally, durably or on a remote worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")
	flags.StringVar(&a.logFormat, "log-format", "", "text or json (overrides the config)")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newServeCmd(a),
		newRunsCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	a.cfg = cfg
	a.logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), a.logger))
	return nil
}

// kits are the node types available to boards run by this process.
func (a *app) kits() []api.Kit {
	return []api.Kit{
		core.Kit(),
		proxy.HostKit(proxy.EnvSecrets{Prefix: a.cfg.Secrets.EnvPrefix}, nil, nil),
		(&sandbox.RunModuleHandler{Sandbox: a.sandbox}).Kit(),
	}
}

func (a *app) registry() *api.Registry {
	return api.NewRegistry(a.kits()...)
}
