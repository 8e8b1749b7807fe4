// Package store persists projects, scenarios, runs, state snapshots, and the
// run event log. Two implementations exist: an in-memory store for tests and
// single-process development, and a PostgreSQL store for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// Sentinel errors shared by both implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrNoPendingRun = errors.New("no pending runs available")
	ErrConflict     = errors.New("conflicting concurrent write")
	// ErrMigration wraps schema migration failures so callers can
	// distinguish them from plain connectivity problems.
	ErrMigration = errors.New("schema migration failed")
)

// ProjectRecord is one product idea workspace.
type ProjectRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ScenarioRecord is one strategic variant of a project.
type ScenarioRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunRecord is one pipeline execution over a scenario.
type RunRecord struct {
	ID              string              `json:"id"`
	ScenarioID      string              `json:"scenario_id"`
	ProjectID       string              `json:"project_id"`
	Status          models.RunStatus    `json:"status"`
	ChangedDecision string              `json:"changed_decision,omitempty"`
	LastAgentIndex  int                 `json:"last_agent_index"`
	LastAgent       string              `json:"last_agent,omitempty"`
	PodID           string              `json:"pod_id,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	FailureCause    models.FailureCause `json:"failure_cause,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time          `json:"last_heartbeat_at,omitempty"`
}

// Snapshot is one immutable state checkpoint. Versions are monotonic per
// scenario; the latest snapshot is the scenario's current state.
type Snapshot struct {
	ID         string         `json:"id"`
	ScenarioID string         `json:"scenario_id"`
	RunID      string         `json:"run_id"`
	Version    int            `json:"version"`
	AgentIndex int            `json:"agent_index"`
	Agent      string         `json:"agent"`
	State      map[string]any `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventRecord is one persisted run event, sequenced per run for catchup
// replay over SSE.
type EventRecord struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	ScenarioID string         `json:"scenario_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store is the persistence contract for the orchestration core.
type Store interface {
	// Projects and scenarios.
	CreateProject(ctx context.Context, p *ProjectRecord) error
	GetProject(ctx context.Context, id string) (*ProjectRecord, error)
	ListProjects(ctx context.Context) ([]*ProjectRecord, error)
	CreateScenario(ctx context.Context, s *ScenarioRecord) error
	GetScenario(ctx context.Context, id string) (*ScenarioRecord, error)
	ListScenarios(ctx context.Context, projectID string) ([]*ScenarioRecord, error)
	UpdateScenarioStatus(ctx context.Context, id, status string) error

	// Snapshots. AppendSnapshot assigns the next version atomically.
	AppendSnapshot(ctx context.Context, snap *Snapshot) error
	LatestSnapshot(ctx context.Context, scenarioID string) (*Snapshot, error)
	GetSnapshot(ctx context.Context, scenarioID string, version int) (*Snapshot, error)
	ListSnapshots(ctx context.Context, scenarioID string) ([]*Snapshot, error)

	// Runs.
	CreateRun(ctx context.Context, r *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, scenarioID string) ([]*RunRecord, error)
	// ClaimNextPendingRun atomically transitions the oldest pending run to
	// running for this pod, or returns ErrNoPendingRun.
	ClaimNextPendingRun(ctx context.Context, podID string) (*RunRecord, error)
	HeartbeatRun(ctx context.Context, runID string) error
	UpdateRunProgress(ctx context.Context, runID string, agentIndex int, agent string) error
	CompleteRun(ctx context.Context, runID string, status models.RunStatus, cause models.FailureCause, errMsg string) error
	// RequeueRun transitions a failed, cancelled, or blocked run back to
	// pending so a worker can resume it from its last checkpoint. Returns
	// ErrConflict when the run is not in a resumable state.
	RequeueRun(ctx context.Context, runID string) error
	// RequestRunCancel marks a pending run cancelled, or flags a running run
	// for cooperative cancellation. Reports whether the run was still pending.
	RequestRunCancel(ctx context.Context, runID string) (wasPending bool, err error)
	IsRunCancelRequested(ctx context.Context, runID string) (bool, error)

	// Event log.
	AppendEvent(ctx context.Context, ev *EventRecord) error
	EventsSince(ctx context.Context, runID string, afterSeq int64) ([]*EventRecord, error)

	// Idempotency tokens for run creation.
	PutIdempotencyKey(ctx context.Context, key, runID string) error
	GetIdempotencyKey(ctx context.Context, key string) (runID string, err error)

	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error
	Close()
}
