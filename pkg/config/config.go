// Package config loads the runtime configuration once at boot. The resulting
// RuntimeConfig is passed explicitly to the scheduler, merge engine, and
// provider registry; nothing reads the environment at call sites.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrInvalidConfig wraps every validation failure so callers can map
// configuration problems to the right exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

// RuntimeConfig is the complete runtime configuration.
type RuntimeConfig struct {
	// HTTPPort is the listen port for the API server.
	HTTPPort string
	// DatabaseURL selects the Postgres store. Empty means the in-memory
	// store, which is only suitable for development and tests.
	DatabaseURL string

	// UseRealProviders switches agents from deterministic fixtures to live
	// search and LLM providers.
	UseRealProviders bool
	// FixtureDir optionally overrides built-in fixtures with files keyed by
	// the scenario input fingerprint.
	FixtureDir string

	// AgentTimeout bounds a single agent invocation.
	AgentTimeout time.Duration
	// RunDeadline bounds a whole run.
	RunDeadline time.Duration
	// ReconcileRounds caps validator-driven rerun rounds after the sweep.
	ReconcileRounds int
	// TokenBudget caps total provider token spend per run. Zero disables
	// the cap.
	TokenBudget int
	// WorkerCount is the number of concurrent run workers per pod.
	WorkerCount int
}

// Defaults mirrors the documented environment contract.
const (
	DefaultHTTPPort        = "8080"
	DefaultAgentTimeout    = 45 * time.Second
	DefaultRunDeadline     = 10 * time.Minute
	DefaultReconcileRounds = 3
	DefaultWorkerCount     = 4
)

// Load reads the configuration from the environment and validates it.
func Load() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		HTTPPort:         getEnv("GTMGRAPH_HTTP_PORT", DefaultHTTPPort),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		UseRealProviders: os.Getenv("GTMGRAPH_USE_REAL_PROVIDERS") == "true",
		FixtureDir:       os.Getenv("GTMGRAPH_FIXTURE_DIR"),
	}

	var err error
	if cfg.AgentTimeout, err = durationEnv("GTMGRAPH_AGENT_TIMEOUT", DefaultAgentTimeout); err != nil {
		return nil, err
	}
	if cfg.RunDeadline, err = durationEnv("GTMGRAPH_RUN_DEADLINE", DefaultRunDeadline); err != nil {
		return nil, err
	}
	if cfg.ReconcileRounds, err = intEnv("GTMGRAPH_RECONCILE_ROUNDS", DefaultReconcileRounds); err != nil {
		return nil, err
	}
	if cfg.TokenBudget, err = intEnv("GTMGRAPH_TOKEN_BUDGET", 0); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = intEnv("GTMGRAPH_WORKER_COUNT", DefaultWorkerCount); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the scheduler relies on.
func (c *RuntimeConfig) Validate() error {
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("%w: agent timeout must be positive, got %s", ErrInvalidConfig, c.AgentTimeout)
	}
	if c.RunDeadline <= 0 {
		return fmt.Errorf("%w: run deadline must be positive, got %s", ErrInvalidConfig, c.RunDeadline)
	}
	if c.RunDeadline < c.AgentTimeout {
		return fmt.Errorf("%w: run deadline %s is shorter than agent timeout %s",
			ErrInvalidConfig, c.RunDeadline, c.AgentTimeout)
	}
	if c.ReconcileRounds < 0 {
		return fmt.Errorf("%w: reconcile rounds must not be negative, got %d", ErrInvalidConfig, c.ReconcileRounds)
	}
	if c.TokenBudget < 0 {
		return fmt.Errorf("%w: token budget must not be negative, got %d", ErrInvalidConfig, c.TokenBudget)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker count must be at least 1, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	return nil
}

// Default returns the configuration tests and development default to.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		HTTPPort:        DefaultHTTPPort,
		AgentTimeout:    DefaultAgentTimeout,
		RunDeadline:     DefaultRunDeadline,
		ReconcileRounds: DefaultReconcileRounds,
		WorkerCount:     DefaultWorkerCount,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}
