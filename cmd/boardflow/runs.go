package main

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/boardflow/pkg/api"
	"github.com/petrijr/boardflow/pkg/worker"
)

// runView is the JSON form of a run record printed by the runs commands.
type runView struct {
	ID           string             `json:"id"`
	Board        string             `json:"board"`
	Status       api.Status         `json:"status"`
	PendingInput *api.InputRequest  `json:"pending_input,omitempty"`
	Outputs      []api.OutputValues `json:"outputs,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	History      []eventView        `json:"history,omitempty"`
}

type eventView struct {
	At     time.Time     `json:"at"`
	Type   api.EventType `json:"type"`
	Node   string        `json:"node,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

func viewOf(rec *api.RunRecord) runView {
	v := runView{
		ID:           rec.ID,
		Board:        rec.Board,
		Status:       rec.Status,
		PendingInput: rec.PendingInput,
		Outputs:      rec.Outputs,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Err != nil {
		v.Error = rec.Err.Error()
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withBackend opens the configured backend for the duration of fn.
func (a *app) withBackend(cmd *cobra.Command, fn func(b *backend) error) (err error) {
	b, err := openBackend(cmd.Context(), a.cfg, a.registry(), a.logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, b.Close())
	}()
	return fn(b)
}

// printRun prints rec, or the id of the queued task when rec is nil.
func printRun(cmd *cobra.Command, rec *api.RunRecord, taskID string) error {
	if rec == nil {
		return printJSON(cmd.OutOrStdout(), map[string]string{"task": taskID})
	}
	return printJSON(cmd.OutOrStdout(), viewOf(rec))
}

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Start and manage durable runs in the configured store",
		Long: `The runs commands drive durable runs of the boards listed in the config.
With --async the operation is queued for "serve --workers" instead of being
applied in this process.`,
	}
	cmd.AddCommand(
		newRunsStartCmd(a),
		newRunsProvideCmd(a),
		newRunsResumeCmd(a),
		newRunsCancelCmd(a),
		newRunsListCmd(a),
		newRunsShowCmd(a),
	)
	return cmd
}

func newRunsStartCmd(a *app) *cobra.Command {
	var (
		inputs string
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "start <board>",
		Short: "Start a run of a configured board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return a.withBackend(cmd, func(b *backend) error {
				if async {
					id, err := worker.New(b.Engine, b.Queue).EnqueueStart(cmd.Context(), args[0], in)
					if err != nil {
						return err
					}
					return printRun(cmd, nil, id)
				}
				rec, err := b.Engine.Start(cmd.Context(), args[0], in)
				if err != nil {
					return err
				}
				return printRun(cmd, rec, "")
			})
		},
	}
	cmd.Flags().StringVarP(&inputs, "inputs", "i", "", "JSON object of run inputs")
	cmd.Flags().BoolVar(&async, "async", false, "queue the start instead of running it here")
	return cmd
}

func newRunsProvideCmd(a *app) *cobra.Command {
	var (
		inputs string
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "provide <run-id>",
		Short: "Answer the input a waiting run asked for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if in == nil {
				in = api.InputValues{}
			}
			return a.withBackend(cmd, func(b *backend) error {
				if async {
					id, err := worker.New(b.Engine, b.Queue).EnqueueProvide(cmd.Context(), args[0], in)
					if err != nil {
						return err
					}
					return printRun(cmd, nil, id)
				}
				rec, err := b.Engine.Provide(cmd.Context(), args[0], in)
				if err != nil {
					return err
				}
				return printRun(cmd, rec, "")
			})
		},
	}
	cmd.Flags().StringVarP(&inputs, "inputs", "i", "", "JSON object answering the pending input")
	cmd.Flags().BoolVar(&async, "async", false, "queue the answer instead of applying it here")
	return cmd
}

func newRunsResumeCmd(a *app) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a failed run from its last snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(b *backend) error {
				if async {
					id, err := worker.New(b.Engine, b.Queue).EnqueueResume(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printRun(cmd, nil, id)
				}
				rec, err := b.Engine.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRun(cmd, rec, "")
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the resume instead of running it here")
	return cmd
}

func newRunsCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(b *backend) error {
				rec, err := b.Engine.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRun(cmd, rec, "")
			})
		},
	}
}

func newRunsListCmd(a *app) *cobra.Command {
	var board, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, optionally by board and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd, func(b *backend) error {
				runs, err := b.Engine.ListRuns(cmd.Context(), api.RunListOptions{Board: board, Status: api.Status(status)})
				if err != nil {
					return err
				}
				views := make([]runView, 0, len(runs))
				for _, rec := range runs {
					views = append(views, viewOf(rec))
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().StringVar(&board, "board", "", "only runs of this board")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status, e.g. WAITING")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(b *backend) error {
				rec, err := b.Engine.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				v := viewOf(rec)
				if h, ok := b.Engine.(api.HistoryReader); ok {
					events, err := h.ListEvents(cmd.Context(), rec.ID)
					if err != nil {
						return err
					}
					for _, ev := range events {
						v.History = append(v.History, eventView{At: ev.At, Type: ev.Type, Node: ev.Node, Detail: ev.Detail})
					}
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}
