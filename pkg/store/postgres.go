package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Postgres is the production Store over a pgx connection pool. Run claiming
// uses FOR UPDATE SKIP LOCKED so multiple pods can poll safely.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, runs pending migrations, and returns the store.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	slog.Info("Connected to PostgreSQL store")
	return &Postgres{pool: pool}, nil
}

func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: loading embedded migrations: %v", ErrMigration, err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("%w: creating migrator: %v", ErrMigration, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	slog.Info("Database migrations applied")
	return nil
}

func (p *Postgres) CreateProject(ctx context.Context, rec *ProjectRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.Name, rec.CreatedAt)
	return err
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*ProjectRecord, error) {
	rec := &ProjectRecord{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Name, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) ListProjects(ctx context.Context) ([]*ProjectRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ProjectRecord{}
	for rows.Next() {
		rec := &ProjectRecord{}
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateScenario(ctx context.Context, rec *ScenarioRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO scenarios (id, project_id, name, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.ProjectID, rec.Name, rec.Status, rec.CreatedAt)
	return err
}

func (p *Postgres) GetScenario(ctx context.Context, id string) (*ScenarioRecord, error) {
	rec := &ScenarioRecord{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, project_id, name, status, created_at FROM scenarios WHERE id = $1`, id).
		Scan(&rec.ID, &rec.ProjectID, &rec.Name, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) ListScenarios(ctx context.Context, projectID string) ([]*ScenarioRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, project_id, name, status, created_at FROM scenarios
		 WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ScenarioRecord{}
	for rows.Next() {
		rec := &ScenarioRecord{}
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Name, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateScenarioStatus(ctx context.Context, id, status string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE scenarios SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendSnapshot(ctx context.Context, snap *Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encoding snapshot state: %w", err)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize version assignment per scenario. The UNIQUE(scenario_id,
	// version) constraint rejects any race the lock misses.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM scenarios WHERE id = $1 FOR UPDATE`, snap.ScenarioID); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE scenario_id = $1`,
		snap.ScenarioID).Scan(&snap.Version); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (id, scenario_id, run_id, version, agent_index, agent, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.ScenarioID, snap.RunID, snap.Version, snap.AgentIndex, snap.Agent, stateJSON, snap.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) LatestSnapshot(ctx context.Context, scenarioID string) (*Snapshot, error) {
	return p.scanSnapshot(p.pool.QueryRow(ctx,
		`SELECT id, scenario_id, run_id, version, agent_index, agent, state, created_at
		 FROM snapshots WHERE scenario_id = $1 ORDER BY version DESC LIMIT 1`, scenarioID))
}

func (p *Postgres) GetSnapshot(ctx context.Context, scenarioID string, version int) (*Snapshot, error) {
	return p.scanSnapshot(p.pool.QueryRow(ctx,
		`SELECT id, scenario_id, run_id, version, agent_index, agent, state, created_at
		 FROM snapshots WHERE scenario_id = $1 AND version = $2`, scenarioID, version))
}

func (p *Postgres) ListSnapshots(ctx context.Context, scenarioID string) ([]*Snapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, scenario_id, run_id, version, agent_index, agent, state, created_at
		 FROM snapshots WHERE scenario_id = $1 ORDER BY version`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Snapshot{}
	for rows.Next() {
		snap, err := p.scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanSnapshot(row rowScanner) (*Snapshot, error) {
	snap := &Snapshot{}
	var stateJSON []byte
	err := row.Scan(&snap.ID, &snap.ScenarioID, &snap.RunID, &snap.Version,
		&snap.AgentIndex, &snap.Agent, &stateJSON, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("decoding snapshot state: %w", err)
	}
	return snap, nil
}

func (p *Postgres) CreateRun(ctx context.Context, r *RunRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO runs (id, scenario_id, project_id, status, changed_decision, last_agent_index, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ScenarioID, r.ProjectID, string(r.Status), r.ChangedDecision, r.LastAgentIndex, r.CreatedAt)
	return err
}

const runColumns = `id, scenario_id, project_id, status, changed_decision, last_agent_index,
	last_agent, pod_id, error_message, failure_cause, created_at, started_at, completed_at, last_heartbeat_at`

func (p *Postgres) scanRun(row rowScanner) (*RunRecord, error) {
	r := &RunRecord{}
	var status, cause string
	err := row.Scan(&r.ID, &r.ScenarioID, &r.ProjectID, &status, &r.ChangedDecision,
		&r.LastAgentIndex, &r.LastAgent, &r.PodID, &r.ErrorMessage, &cause,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.FailureCause = models.FailureCause(cause)
	return r, nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	return p.scanRun(p.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

func (p *Postgres) ListRuns(ctx context.Context, scenarioID string) ([]*RunRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE scenario_id = $1 ORDER BY created_at`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*RunRecord{}
	for rows.Next() {
		r, err := p.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimNextPendingRun(ctx context.Context, podID string) (*RunRecord, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE runs SET status = 'running', pod_id = $1, started_at = now(), last_heartbeat_at = now()
		WHERE id = (
			SELECT id FROM runs WHERE status = 'pending'
			ORDER BY created_at LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, podID)
	r, err := p.scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoPendingRun
	}
	return r, err
}

func (p *Postgres) HeartbeatRun(ctx context.Context, runID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE runs SET last_heartbeat_at = now() WHERE id = $1`, runID)
	return err
}

func (p *Postgres) UpdateRunProgress(ctx context.Context, runID string, agentIndex int, agent string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE runs SET last_agent_index = $2, last_agent = $3 WHERE id = $1`,
		runID, agentIndex, agent)
	return err
}

func (p *Postgres) CompleteRun(ctx context.Context, runID string, status models.RunStatus, cause models.FailureCause, errMsg string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET status = $2, failure_cause = $3, error_message = $4, completed_at = now() WHERE id = $1`,
		runID, string(status), string(cause), errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RequeueRun(ctx context.Context, runID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET status = 'pending', pod_id = '', failure_cause = '', error_message = '',
			cancel_requested = FALSE, started_at = NULL, completed_at = NULL, last_heartbeat_at = NULL
		WHERE id = $1 AND status IN ('failed', 'cancelled', 'blocked')`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) RequestRunCancel(ctx context.Context, runID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', failure_cause = 'cancelled', completed_at = now()
		 WHERE id = $1 AND status = 'pending'`, runID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	tag, err = p.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested = TRUE WHERE id = $1`, runID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) IsRunCancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := p.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM runs WHERE id = $1`, runID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return requested, err
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *EventRecord) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = $1`,
		ev.RunID).Scan(&ev.Seq); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO run_events (id, run_id, scenario_id, seq, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.RunID, ev.ScenarioID, ev.Seq, ev.Type, payload, ev.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) EventsSince(ctx context.Context, runID string, afterSeq int64) ([]*EventRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, scenario_id, seq, type, payload, created_at
		 FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.ScenarioID, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) PutIdempotencyKey(ctx context.Context, key, runID string) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, run_id, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO NOTHING`, key, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, err := p.GetIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != runID {
			return ErrConflict
		}
	}
	return nil
}

func (p *Postgres) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	var runID string
	err := p.pool.QueryRow(ctx,
		`SELECT run_id FROM idempotency_keys WHERE key = $1`, key).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return runID, err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }
