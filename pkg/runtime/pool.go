package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/store"
)

const (
	basePollInterval  = time.Second
	heartbeatInterval = 10 * time.Second
)

// Pool runs a fixed set of workers that claim pending runs and execute them.
// One logical worker drives one run at a time; runs are isolated by run_id.
type Pool struct {
	podID     string
	store     store.Store
	scheduler *Scheduler
	count     int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Run cancel registry: run_id -> cancel function for in-flight provider
	// calls. The store flag handles cross-pod cancellation; this handles the
	// local fast path.
	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	started    bool
}

// NewPool creates a worker pool. Start must be called to begin claiming.
func NewPool(podID string, st store.Store, scheduler *Scheduler, workerCount int) *Pool {
	return &Pool{
		podID:      podID,
		store:      st,
		scheduler:  scheduler,
		count:      workerCount,
		stopCh:     make(chan struct{}),
		activeRuns: map[string]context.CancelFunc{},
	}
}

// Start spawns the worker goroutines. Safe to call once; later calls are
// no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.count)
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop signals all workers and waits for in-flight runs to finish their
// current checkpoint fence. Safe to call multiple times.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// CancelRun aborts in-flight provider calls for a run executing on this pod.
// Reports whether the run was active here; the caller still sets the store's
// cancel flag so other pods observe it at the next fence.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveRuns reports how many runs this pod is currently executing.
func (p *Pool) ActiveRuns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeRuns)
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := slog.With("worker_id", workerID, "pod_id", p.podID)
	log.Info("Worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := p.claimAndExecute(ctx, log); err != nil {
				if errors.Is(err, store.ErrNoPendingRun) {
					p.sleep(p.pollInterval())
					continue
				}
				log.Error("Run execution error", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

func (p *Pool) claimAndExecute(ctx context.Context, log *slog.Logger) error {
	run, err := p.store.ClaimNextPendingRun(ctx, p.podID)
	if err != nil {
		return err
	}
	log = log.With("run_id", run.ID)
	log.Info("Run claimed")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	p.mu.Lock()
	p.activeRuns[run.ID] = cancelRun
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.activeRuns, run.ID)
		p.mu.Unlock()
	}()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go p.runHeartbeat(heartbeatCtx, run.ID)

	status, err := p.scheduler.Execute(runCtx, run)
	if err != nil {
		return fmt.Errorf("executing run %s: %w", run.ID, err)
	}
	log.Info("Run executed", "status", string(status))
	return nil
}

// runHeartbeat updates the run's liveness marker until the run finishes.
// Orphan recovery elsewhere re-queues runs whose heartbeat went stale.
func (p *Pool) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.HeartbeatRun(ctx, runID); err != nil && ctx.Err() == nil {
				slog.Warn("Heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

// pollInterval adds jitter so workers across pods do not claim in lockstep.
func (p *Pool) pollInterval() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(basePollInterval / 2)))
	return basePollInterval + jitter
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}
