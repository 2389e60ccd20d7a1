package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "/ws", cfg.Serve.Path)
}

func TestLoadConfig_ResolvesBoardsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "boardflow.yaml", `
log:
  level: debug
  format: json
store:
  backend: redis
  dsn: redis://localhost:6379/0
  prefix: "bf:"
queue:
  backend: redis
  workers: 2
telemetry:
  metric_exporter: prometheus
  namespace: bf
boards:
  echo: boards/echo.json
  abs: /srv/boards/abs.json
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "bf:", cfg.Store.Prefix)
	require.Equal(t, 2, cfg.Queue.Workers)
	require.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
	require.Equal(t, filepath.Join(dir, "boards", "echo.json"), cfg.Boards["echo"])
	require.Equal(t, "/srv/boards/abs.json", cfg.Boards["abs"])
	// Keys not in the file keep their defaults.
	require.Equal(t, "/ws", cfg.Serve.Path)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown backend", "store:\n  backend: etcd\n", "Store.Backend failed oneof"},
		{"dsn required", "store:\n  backend: postgres\n", "Store.DSN failed required_unless"},
		{"mongo database", "store:\n  backend: mongo\n  dsn: mongodb://x\n", "Store.Database failed required_if"},
		{"queue without store", "queue:\n  backend: redis\n", "redis queue needs a redis store"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n", "TraceExporter failed oneof"},
		{"bad path", "serve:\n  path: ws\n", "Serve.Path failed startswith"},
		{"bad yaml", "store: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", tt.yaml)
			_, err := LoadConfig(path)
			require.ErrorContains(t, err, tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestRootCommand_FlagsOverrideLogConfig(t *testing.T) {
	board := writeFile(t, t.TempDir(), "echo.json", echoBoard)
	_, errOut, err := execute(t, "", "--log-level", "debug", "--log-format", "json", "validate", board)
	require.NoError(t, err)
	require.Contains(t, errOut, `"msg":"boards_valid"`)
}
