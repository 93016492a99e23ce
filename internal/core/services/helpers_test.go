package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/jewelforge/internal/adapters/memory"
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticMonitor serves a fixed snapshot.
type staticMonitor struct {
	mu   sync.Mutex
	snap domain.ResourceSnapshot
}

func newStaticMonitor(level domain.PressureLevel) *staticMonitor {
	return &staticMonitor{snap: domain.ResourceSnapshot{Level: level, TakenAt: time.Now()}}
}

func (m *staticMonitor) Latest() domain.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *staticMonitor) Set(snap domain.ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
}

// fakeProbe returns canned measurements; a non-nil error fails that dimension.
type fakeProbe struct {
	memUsed, memTotal   uint64
	diskUsed, diskTotal uint64
	procs               int
	cpu                 float64
	load                []float64

	memErr, diskErr, procErr, cpuErr error
}

func (p *fakeProbe) Memory(context.Context) (uint64, uint64, error) {
	return p.memUsed, p.memTotal, p.memErr
}

func (p *fakeProbe) Disk(context.Context, string) (uint64, uint64, error) {
	return p.diskUsed, p.diskTotal, p.diskErr
}

func (p *fakeProbe) ProcessCount(context.Context) (int, error) {
	return p.procs, p.procErr
}

func (p *fakeProbe) CPU(context.Context) (float64, []float64, error) {
	return p.cpu, p.load, p.cpuErr
}

// MockRenderer is a testify mock of the generation operation.
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, unit domain.WorkUnit) error {
	args := m.Called(ctx, unit)
	return args.Error(0)
}

// scriptedRenderer renders through fn and records every call.
type scriptedRenderer struct {
	mu    sync.Mutex
	calls []domain.WorkUnit
	fn    func(ctx context.Context, unit domain.WorkUnit, attempt int) error
}

func (r *scriptedRenderer) Render(ctx context.Context, unit domain.WorkUnit) error {
	r.mu.Lock()
	r.calls = append(r.calls, unit)
	attempt := len(r.calls)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, unit, attempt)
}

func (r *scriptedRenderer) Calls() []domain.WorkUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.WorkUnit(nil), r.calls...)
}

var errRenderer = errors.New("renderer unavailable")

type harness struct {
	scheduler   *JobScheduler
	store       *memory.Store
	monitor     *staticMonitor
	breaker     *CircuitBreaker
	checkpoints *CheckpointManager
	planner     *RecoveryPlanner
	bus         *EventBus
	cancel      context.CancelFunc
	done        chan struct{}
}

func testGenerationConfig() domain.GenerationConfig {
	cfg := domain.DefaultConfig(domain.EnvTest).Generation
	cfg.StaleAfter = 0
	return cfg
}

func newHarness(t *testing.T, cfg domain.GenerationConfig, renderer ports.GenerationOperation) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, renderer, memory.NewStore())
}

// newHarnessWithStore builds a scheduler over an existing store, as after a restart.
func newHarnessWithStore(t *testing.T, cfg domain.GenerationConfig, renderer ports.GenerationOperation, store *memory.Store) *harness {
	t.Helper()
	logger := testLogger()
	checkpoints := NewCheckpointManager(logger, store, 20*time.Millisecond)
	planner := NewRecoveryPlanner(logger, store, checkpoints, cfg)
	breaker := NewCircuitBreaker(logger, domain.BreakerConfig{FailureThreshold: 100, Window: time.Minute, CoolDown: time.Minute})
	monitor := newStaticMonitor(domain.PressureLow)
	bus := NewEventBus(logger)

	s := NewJobScheduler(logger, cfg, SchedulerDeps{
		Store:       store,
		Monitor:     monitor,
		Breaker:     breaker,
		Checkpoints: checkpoints,
		Planner:     planner,
		Renderer:    renderer,
		Publisher:   bus,
	})
	return &harness{
		scheduler:   s,
		store:       store,
		monitor:     monitor,
		breaker:     breaker,
		checkpoints: checkpoints,
		planner:     planner,
		bus:         bus,
	}
}

// start runs the scheduler until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.scheduler.Run(ctx)
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) submit(t *testing.T, id string, models []string, materials []string) domain.Job {
	t.Helper()
	job, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{
		JobID:     id,
		ModelIDs:  models,
		Materials: materials,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) waitStatus(t *testing.T, id domain.JobID, status domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.scheduler.GetJob(context.Background(), id)
		return err == nil && job.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func intPtr(v int) *int { return &v }
