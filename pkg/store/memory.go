package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// Memory is the in-process Store used by tests and single-node development.
// All returned records are copies; callers cannot mutate stored state.
type Memory struct {
	mu sync.RWMutex

	projects  map[string]*ProjectRecord
	scenarios map[string]*ScenarioRecord
	runs      map[string]*RunRecord
	snapshots map[string][]*Snapshot // scenario_id -> ordered by version
	events    map[string][]*EventRecord
	idem      map[string]string
	cancels   map[string]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:  map[string]*ProjectRecord{},
		scenarios: map[string]*ScenarioRecord{},
		runs:      map[string]*RunRecord{},
		snapshots: map[string][]*Snapshot{},
		events:    map[string][]*EventRecord{},
		idem:      map[string]string{},
		cancels:   map[string]bool{},
	}
}

func (m *Memory) CreateProject(_ context.Context, p *ProjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*ProjectRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListProjects(context.Context) ([]*ProjectRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ProjectRecord, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateScenario(_ context.Context, s *ScenarioRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[s.ProjectID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.scenarios[s.ID] = &cp
	return nil
}

func (m *Memory) GetScenario(_ context.Context, id string) (*ScenarioRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListScenarios(_ context.Context, projectID string) ([]*ScenarioRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*ScenarioRecord{}
	for _, s := range m.scenarios {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateScenarioStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenarios[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *Memory) AppendSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.snapshots[snap.ScenarioID]
	snap.Version = len(existing) + 1
	cp := *snap
	cp.State = deepCopy(snap.State)
	m.snapshots[snap.ScenarioID] = append(existing, &cp)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, scenarioID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[scenarioID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return copySnapshot(snaps[len(snaps)-1]), nil
}

func (m *Memory) GetSnapshot(_ context.Context, scenarioID string, version int) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, snap := range m.snapshots[scenarioID] {
		if snap.Version == version {
			return copySnapshot(snap), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListSnapshots(_ context.Context, scenarioID string) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[scenarioID]
	out := make([]*Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, copySnapshot(snap))
	}
	return out, nil
}

func (m *Memory) CreateRun(_ context.Context, r *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(_ context.Context, scenarioID string) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*RunRecord{}
	for _, r := range m.runs {
		if r.ScenarioID == scenarioID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClaimNextPendingRun(_ context.Context, podID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *RunRecord
	for _, r := range m.runs {
		if r.Status != models.RunStatusPending {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, ErrNoPendingRun
	}
	now := time.Now()
	oldest.Status = models.RunStatusRunning
	oldest.PodID = podID
	oldest.StartedAt = &now
	oldest.LastHeartbeatAt = &now
	cp := *oldest
	return &cp, nil
}

func (m *Memory) HeartbeatRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	r.LastHeartbeatAt = &now
	return nil
}

func (m *Memory) UpdateRunProgress(_ context.Context, runID string, agentIndex int, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.LastAgentIndex = agentIndex
	r.LastAgent = agent
	return nil
}

func (m *Memory) CompleteRun(_ context.Context, runID string, status models.RunStatus, cause models.FailureCause, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	r.Status = status
	r.FailureCause = cause
	r.ErrorMessage = errMsg
	r.CompletedAt = &now
	return nil
}

func (m *Memory) RequeueRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	switch r.Status {
	case models.RunStatusFailed, models.RunStatusCancelled, models.RunStatusBlocked:
	default:
		return ErrConflict
	}
	r.Status = models.RunStatusPending
	r.PodID = ""
	r.FailureCause = ""
	r.ErrorMessage = ""
	r.StartedAt = nil
	r.CompletedAt = nil
	r.LastHeartbeatAt = nil
	delete(m.cancels, runID)
	return nil
}

func (m *Memory) RequestRunCancel(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status == models.RunStatusPending {
		now := time.Now()
		r.Status = models.RunStatusCancelled
		r.FailureCause = models.CauseCancelled
		r.CompletedAt = &now
		return true, nil
	}
	m.cancels[runID] = true
	return false, nil
}

func (m *Memory) IsRunCancelRequested(_ context.Context, runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancels[runID], nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.events[ev.RunID]
	ev.Seq = int64(len(existing) + 1)
	cp := *ev
	cp.Payload = deepCopy(ev.Payload)
	m.events[ev.RunID] = append(existing, &cp)
	return nil
}

func (m *Memory) EventsSince(_ context.Context, runID string, afterSeq int64) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*EventRecord{}
	for _, ev := range m.events[runID] {
		if ev.Seq > afterSeq {
			cp := *ev
			cp.Payload = deepCopy(ev.Payload)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PutIdempotencyKey(_ context.Context, key, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idem[key]; ok && existing != runID {
		return ErrConflict
	}
	m.idem[key] = runID
	return nil
}

func (m *Memory) GetIdempotencyKey(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.idem[key]
	if !ok {
		return "", ErrNotFound
	}
	return runID, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func copySnapshot(snap *Snapshot) *Snapshot {
	cp := *snap
	cp.State = deepCopy(snap.State)
	return &cp
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = copyValue(item)
		}
		return list
	default:
		return v
	}
}
