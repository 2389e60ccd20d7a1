package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/internal/proxy"
	"github.com/petrijr/boardflow/internal/remote"
	"github.com/petrijr/boardflow/internal/telemetry"
	"github.com/petrijr/boardflow/pkg/api"
)

type runOptions struct {
	inputs      string
	remote      string
	proxy       string
	diagnostics string
	start       string
	stopAfter   string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <board.json|->",
		Short: "Run a board in this process, asking for inputs on stdin",
		Long: `Run executes a board once. Outputs are printed to stdout as JSON lines.
When the board asks for input that --inputs does not provide, the request is
shown on stderr and one JSON object is read from stdin as the answer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.inputs, "inputs", "i", "", "JSON object answering input requests up front")
	f.StringVar(&opts.remote, "remote", "", "websocket URL of a worker to run the board on")
	f.StringVar(&opts.proxy, "proxy", "", "proxy config listing capabilities served to the worker")
	f.StringVar(&opts.diagnostics, "diagnostics", "none", "none, top or all probe messages on stderr")
	f.StringVar(&opts.start, "start", "", "start at this node instead of the entry nodes")
	f.StringVar(&opts.stopAfter, "stop-after", "", "end the run once this node completed")
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string, opts runOptions) error {
	ctx := cmd.Context()
	board, err := readBoard(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	inputs, err := parseInputs(opts.inputs)
	if err != nil {
		return err
	}
	diag, err := harness.ParseDiagnostics(opts.diagnostics)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, a.cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry_shutdown_failed", slog.Any("error", err))
		}
	}()
	probe, err := tel.RunProbe()
	if err != nil {
		return err
	}

	rc := harness.RunConfig{
		Board:       board,
		Inputs:      inputs,
		Start:       opts.start,
		StopAfter:   opts.stopAfter,
		Diagnostics: diag,
		Probe:       probe,
	}
	reg := a.registry()
	if opts.remote != "" {
		strategy, err := a.remoteStrategy(opts.remote, opts.proxy, reg)
		if err != nil {
			return err
		}
		rc.Remote = strategy
	}

	h := harness.New(harness.Config{Registry: reg, Logger: a.logger})
	run, err := h.Start(ctx, rc)
	if err != nil {
		return err
	}
	defer run.Stop()
	return drive(ctx, run, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func (a *app) remoteStrategy(url, proxyPath string, reg *api.Registry) (*remote.Strategy, error) {
	s := &remote.Strategy{
		Dial: func(ctx context.Context) (protocol.Transport, error) {
			t, err := protocol.DialWebSocket(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		Logger: a.logger,
	}
	if proxyPath == "" {
		proxyPath = a.cfg.Serve.Proxy
	}
	if proxyPath != "" {
		pc, err := proxy.LoadConfig(proxyPath)
		if err != nil {
			return nil, err
		}
		s.Proxy = proxy.NewServer(pc, reg, a.logger)
	}
	return s, nil
}

func parseInputs(s string) (api.InputValues, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var in api.InputValues
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
	}
	return in, nil
}

// outputLine is what run prints for every output result.
type outputLine struct {
	Node    string           `json:"node"`
	Outputs api.OutputValues `json:"outputs"`
}

// drive pulls results until the run ends. Input requests are answered with
// one JSON object per line of in.
func drive(ctx context.Context, run harness.Run, in io.Reader, out, info io.Writer) error {
	answers := bufio.NewReader(in)
	enc := json.NewEncoder(out)
	diag := json.NewEncoder(info)
	for res, err := range harness.Results(ctx, run) {
		if err != nil {
			return err
		}
		switch res.Type {
		case api.ResultProbe:
			if err := diag.Encode(res.Probe); err != nil {
				return err
			}
		case api.ResultInput:
			values, err := askInput(res.Input, answers, info)
			if err != nil {
				return err
			}
			if err := run.Provide(values); err != nil {
				return err
			}
		case api.ResultOutput:
			line := outputLine{Outputs: res.Outputs}
			if res.Node != nil {
				line.Node = res.Node.ID
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		case api.ResultError:
			if res.Err != nil {
				return res.Err
			}
			return errors.New(res.Error)
		}
	}
	return nil
}

func askInput(req *api.InputRequest, answers *bufio.Reader, info io.Writer) (api.InputValues, error) {
	prompt := fmt.Sprintf("input %q", req.Node.ID)
	if req.Schema != nil && len(req.Schema.Required) > 0 {
		prompt += " requires " + strings.Join(req.Schema.Required, ", ")
	}
	fmt.Fprintln(info, prompt)

	line, err := answers.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || strings.TrimSpace(line) == "") {
		return nil, fmt.Errorf("input %q: %w", req.Node.ID, err)
	}
	var values api.InputValues
	if err := json.Unmarshal([]byte(line), &values); err != nil {
		return nil, fmt.Errorf("input %q: answer must be a JSON object: %w", req.Node.ID, err)
	}
	return values, nil
}
