package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/boardflow/pkg/api"
	"github.com/petrijr/boardflow/pkg/worker"
)

const echoBoard = `{
  "title": "echo",
  "nodes": [
    {"id": "in", "type": "input"},
    {"id": "p", "type": "passthrough"},
    {"id": "out", "type": "output"}
  ],
  "edges": [
    {"from": "in", "out": "text", "to": "p", "in": "text"},
    {"from": "p", "out": "text", "to": "out", "in": "text"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the CLI with args and returns what it wrote to stdout and
// stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", echoBoard)
	bad := writeFile(t, dir, "bad.json", `{"title":"bad","nodes":[{"id":"a","type":"passthrough"}],"edges":[{"from":"a","out":"x","to":"ghost","in":"x"}]}`)

	out, _, err := execute(t, "", "validate", good)
	require.NoError(t, err)
	require.Equal(t, good+": ok\n", out)

	out, _, err = execute(t, "", "validate", good, bad)
	require.ErrorContains(t, err, "1 of 2 boards are invalid")
	require.Contains(t, out, bad+": ")
	require.Contains(t, out, "ghost")
}

func TestRunCommand_PresuppliedInputs(t *testing.T) {
	board := writeFile(t, t.TempDir(), "echo.json", echoBoard)

	out, _, err := execute(t, "", "run", board, "--inputs", `{"text":"hi"}`)
	require.NoError(t, err)
	require.Equal(t, `{"node":"out","outputs":{"text":"hi"}}`+"\n", out)
}

func TestRunCommand_AsksForInputOnStdin(t *testing.T) {
	board := writeFile(t, t.TempDir(), "echo.json", echoBoard)

	out, errOut, err := execute(t, `{"text":"typed"}`+"\n", "run", board)
	require.NoError(t, err)
	require.Equal(t, `{"node":"out","outputs":{"text":"typed"}}`+"\n", out)
	require.Contains(t, errOut, `input "in"`)

	_, _, err = execute(t, "", "run", board)
	require.ErrorContains(t, err, `input "in"`)

	_, _, err = execute(t, "not json\n", "run", board)
	require.ErrorContains(t, err, "answer must be a JSON object")
}

func TestRunCommand_BoardFromStdin(t *testing.T) {
	out, _, err := execute(t, echoBoard, "run", "-", "--inputs", `{"text":"piped"}`)
	require.NoError(t, err)
	require.Contains(t, out, `"piped"`)
}

func TestRunCommand_RunModuleNodesReachTheSandbox(t *testing.T) {
	board := writeFile(t, t.TempDir(), "module.json", `{
  "nodes": [
    {"id": "mod", "type": "runModule", "configuration": {"$module": "shout"}},
    {"id": "out", "type": "output"}
  ],
  "edges": [{"from": "mod", "out": "text", "to": "out", "in": "text"}],
  "modules": {"shout": {"code": "export default ({text}) => ({text})"}}
}`)
	// The command line has no native modules, so the sandbox reports that
	// instead of the node type being unknown.
	_, _, err := execute(t, "", "run", board)
	require.ErrorContains(t, err, `module "shout" has no implementation`)
}

func TestRunCommand_RejectsBadFlags(t *testing.T) {
	board := writeFile(t, t.TempDir(), "echo.json", echoBoard)

	_, _, err := execute(t, "", "run", board, "--inputs", "[1]")
	require.ErrorContains(t, err, "--inputs must be a JSON object")

	_, _, err = execute(t, "", "run", board, "--diagnostics", "loud")
	require.ErrorContains(t, err, "unknown diagnostics level")
}

func sqliteConfig(t *testing.T, queue string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "echo.json", echoBoard)
	return writeFile(t, dir, "boardflow.yaml", `
store:
  backend: sqlite
  dsn: file:`+filepath.Join(dir, "runs.db")+`?_pragma=busy_timeout(5000)
queue:
  backend: `+queue+`
boards:
  echo: echo.json
`)
}

func decodeRun(t *testing.T, out string) runView {
	t.Helper()
	var v runView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	return v
}

func TestRunsCommands_DurableRunAcrossInvocations(t *testing.T) {
	cfg := sqliteConfig(t, "memory")

	out, _, err := execute(t, "", "-c", cfg, "runs", "start", "echo")
	require.NoError(t, err)
	started := decodeRun(t, out)
	require.Equal(t, "WAITING", string(started.Status))
	require.NotNil(t, started.PendingInput)
	require.Equal(t, "in", started.PendingInput.Node.ID)

	out, _, err = execute(t, "", "-c", cfg, "runs", "provide", started.ID, "-i", `{"text":"later"}`)
	require.NoError(t, err)
	done := decodeRun(t, out)
	require.Equal(t, "COMPLETED", string(done.Status))
	require.Equal(t, "later", done.Outputs[0]["text"])

	out, _, err = execute(t, "", "-c", cfg, "runs", "list", "--status", "COMPLETED")
	require.NoError(t, err)
	var listed []runView
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, started.ID, listed[0].ID)

	out, _, err = execute(t, "", "-c", cfg, "runs", "show", started.ID)
	require.NoError(t, err)
	shown := decodeRun(t, out)
	var types []string
	for _, ev := range shown.History {
		types = append(types, string(ev.Type))
	}
	require.Contains(t, types, "run.started")
	require.Contains(t, types, "run.completed")

	_, _, err = execute(t, "", "-c", cfg, "runs", "cancel", started.ID)
	require.Error(t, err)
}

func TestRunsCommands_AsyncStartIsQueued(t *testing.T) {
	cfgPath := sqliteConfig(t, "sqlite")

	out, _, err := execute(t, "", "-c", cfgPath, "runs", "start", "echo", "--async", "-i", `{"text":"queued"}`)
	require.NoError(t, err)
	var task map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	require.NotEmpty(t, task["task"])

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	b, err := openBackend(context.Background(), cfg, a.registry(), a.logger)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, 1, b.Queue.Len())

	processed, err := worker.New(b.Engine, b.Queue).ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	runs, err := b.Engine.ListRuns(context.Background(), api.RunListOptions{Board: "echo"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, api.StatusCompleted, runs[0].Status)
}
