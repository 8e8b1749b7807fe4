package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultAgentTimeout, cfg.AgentTimeout)
	assert.Equal(t, DefaultRunDeadline, cfg.RunDeadline)
	assert.Equal(t, DefaultReconcileRounds, cfg.ReconcileRounds)
	assert.Equal(t, 0, cfg.TokenBudget)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
	assert.False(t, cfg.UseRealProviders)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GTMGRAPH_HTTP_PORT", "9090")
	t.Setenv("GTMGRAPH_USE_REAL_PROVIDERS", "true")
	t.Setenv("GTMGRAPH_FIXTURE_DIR", "/tmp/fixtures")
	t.Setenv("GTMGRAPH_AGENT_TIMEOUT", "10s")
	t.Setenv("GTMGRAPH_RUN_DEADLINE", "2m")
	t.Setenv("GTMGRAPH_RECONCILE_ROUNDS", "5")
	t.Setenv("GTMGRAPH_TOKEN_BUDGET", "100000")
	t.Setenv("GTMGRAPH_WORKER_COUNT", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.True(t, cfg.UseRealProviders)
	assert.Equal(t, "/tmp/fixtures", cfg.FixtureDir)
	assert.Equal(t, 10*time.Second, cfg.AgentTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RunDeadline)
	assert.Equal(t, 5, cfg.ReconcileRounds)
	assert.Equal(t, 100000, cfg.TokenBudget)
	assert.Equal(t, 2, cfg.WorkerCount)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("GTMGRAPH_AGENT_TIMEOUT", "soon")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RuntimeConfig)
		want   string
	}{
		{"zero agent timeout", func(c *RuntimeConfig) { c.AgentTimeout = 0 }, "agent timeout"},
		{"zero run deadline", func(c *RuntimeConfig) { c.RunDeadline = 0 }, "run deadline"},
		{"deadline below timeout", func(c *RuntimeConfig) { c.RunDeadline = time.Second }, "shorter than agent timeout"},
		{"negative reconcile rounds", func(c *RuntimeConfig) { c.ReconcileRounds = -1 }, "reconcile rounds"},
		{"negative token budget", func(c *RuntimeConfig) { c.TokenBudget = -5 }, "token budget"},
		{"zero workers", func(c *RuntimeConfig) { c.WorkerCount = 0 }, "worker count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
