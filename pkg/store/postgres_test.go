package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// setupPostgres returns a migrated Postgres store backed by either the
// CI database (CI_DATABASE_URL) or a local testcontainer.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("gtmgraph_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	st, err := NewPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPostgresFullLifecycle(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	projectID := uuid.NewString()
	scenarioID := uuid.NewString()
	runID := uuid.NewString()

	require.NoError(t, st.CreateProject(ctx, &ProjectRecord{
		ID: projectID, Name: "AI meeting notes", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateScenario(ctx, &ScenarioRecord{
		ID: scenarioID, ProjectID: projectID, Name: "baseline", Status: "draft", CreatedAt: time.Now(),
	}))

	p, err := st.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, "AI meeting notes", p.Name)

	_, err = st.GetScenario(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Run claim flow.
	require.NoError(t, st.CreateRun(ctx, &RunRecord{
		ID: runID, ScenarioID: scenarioID, ProjectID: projectID,
		Status: models.RunStatusPending, LastAgentIndex: -1, CreatedAt: time.Now(),
	}))

	claimed, err := st.ClaimNextPendingRun(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, runID, claimed.ID)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)
	assert.Equal(t, "pod-a", claimed.PodID)
	require.NotNil(t, claimed.StartedAt)

	_, err = st.ClaimNextPendingRun(ctx, "pod-b")
	assert.ErrorIs(t, err, ErrNoPendingRun)

	require.NoError(t, st.HeartbeatRun(ctx, runID))
	require.NoError(t, st.UpdateRunProgress(ctx, runID, 4, "channel_agent"))

	r, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 4, r.LastAgentIndex)
	assert.Equal(t, "channel_agent", r.LastAgent)

	// Snapshot versions are assigned per scenario.
	for i := 0; i < 2; i++ {
		snap := &Snapshot{
			ID:         uuid.NewString(),
			ScenarioID: scenarioID,
			RunID:      runID,
			AgentIndex: i,
			Agent:      "evidence_collector",
			State:      map[string]any{"meta": map[string]any{"version": float64(i)}},
			CreatedAt:  time.Now(),
		}
		require.NoError(t, st.AppendSnapshot(ctx, snap))
		assert.Equal(t, i+1, snap.Version)
	}
	latest, err := st.LatestSnapshot(ctx, scenarioID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, float64(1), latest.State["meta"].(map[string]any)["version"])

	// Event sequencing and catchup.
	for i := 0; i < 3; i++ {
		ev := &EventRecord{
			ID:         uuid.NewString(),
			RunID:      runID,
			ScenarioID: scenarioID,
			Type:       "agent_completed",
			Payload:    map[string]any{"agent_index": float64(i)},
			CreatedAt:  time.Now(),
		}
		require.NoError(t, st.AppendEvent(ctx, ev))
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	tail, err := st.EventsSince(ctx, runID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Seq)

	// Cooperative cancel on a running run.
	wasPending, err := st.RequestRunCancel(ctx, runID)
	require.NoError(t, err)
	assert.False(t, wasPending)
	requested, err := st.IsRunCancelRequested(ctx, runID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, st.CompleteRun(ctx, runID, models.RunStatusCancelled, models.CauseCancelled, ""))
	r, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, r.Status)
	require.NotNil(t, r.CompletedAt)

	// Idempotency keys.
	require.NoError(t, st.PutIdempotencyKey(ctx, "key-1", runID))
	require.NoError(t, st.PutIdempotencyKey(ctx, "key-1", runID))
	assert.ErrorIs(t, st.PutIdempotencyKey(ctx, "key-1", "other"), ErrConflict)

	require.NoError(t, st.Ping(ctx))
}

func TestPostgresPendingCancel(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	projectID := uuid.NewString()
	scenarioID := uuid.NewString()
	runID := uuid.NewString()
	require.NoError(t, st.CreateProject(ctx, &ProjectRecord{ID: projectID, Name: "p", CreatedAt: time.Now()}))
	require.NoError(t, st.CreateScenario(ctx, &ScenarioRecord{ID: scenarioID, ProjectID: projectID, Name: "s", Status: "draft", CreatedAt: time.Now()}))
	require.NoError(t, st.CreateRun(ctx, &RunRecord{
		ID: runID, ScenarioID: scenarioID, ProjectID: projectID,
		Status: models.RunStatusPending, LastAgentIndex: -1, CreatedAt: time.Now(),
	}))

	wasPending, err := st.RequestRunCancel(ctx, runID)
	require.NoError(t, err)
	assert.True(t, wasPending)

	r, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, r.Status)
	assert.Equal(t, models.CauseCancelled, r.FailureCause)

	// A cancelled run is never claimable.
	_, err = st.ClaimNextPendingRun(ctx, "pod-a")
	assert.ErrorIs(t, err, ErrNoPendingRun)
}
