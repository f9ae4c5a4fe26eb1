package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/config"
	"github.com/alanyoungcy/legchain/internal/metrics"
	"github.com/alanyoungcy/legchain/internal/pipeline"
	"github.com/alanyoungcy/legchain/internal/server/handler"
)

func testDeps() *Dependencies {
	return &Dependencies{
		Metrics: metrics.New(),
		Checks:  map[string]handler.Check{},
	}
}

func TestRegisterLoopsPerMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		mode      string
		websocket bool
		server    bool
		want      int
	}{
		{mode: "settle", want: 1},
		{mode: "relay", want: 1},
		{mode: "ingest", want: 1},
		{mode: "ingest", websocket: true, want: 2},
		{mode: "full", websocket: true, want: 4},
		{mode: "full", websocket: true, server: true, want: 5},
		{mode: "settle", server: true, want: 2},
	}
	for _, tt := range tests {
		cfg := config.Defaults()
		cfg.Mode = tt.mode
		cfg.Ingest.WebsocketEnabled = tt.websocket
		cfg.Server.Enabled = tt.server

		a := New(&cfg, logger)
		orch := pipeline.NewOrchestrator(logger)
		require.NoError(t, a.register(orch, tt.mode, testDeps()), tt.mode)
		assert.Equal(t, tt.want, orch.Len(), "mode=%s ws=%v server=%v", tt.mode, tt.websocket, tt.server)
	}
}

func TestRegisterRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.register(pipeline.NewOrchestrator(slog.Default()), "backtest", testDeps())
	require.Error(t, err)
}

func TestRegisterRejectsBadMinStake(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Enabled = true
	cfg.Server.MinStake = "zero"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.register(pipeline.NewOrchestrator(slog.Default()), "settle", testDeps())
	require.Error(t, err)
}

func TestArchiveNeedsObjectStorage(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.Cron = "0 3 * * *"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	orch := pipeline.NewOrchestrator(slog.Default())
	a.addArchive(orch, testDeps())
	assert.Equal(t, 0, orch.Len())
}
