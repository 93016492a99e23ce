package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

// SnapshotFunc reports the current progress of an active job. ok=false means
// the job is no longer active and the timer should skip this tick.
type SnapshotFunc func() (draft domain.CheckpointDraft, ok bool)

type checkpointTimer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// CheckpointManager writes progress snapshots for active jobs and keeps the
// latest one per job cached. Each active job owns at most one periodic timer.
type CheckpointManager struct {
	logger   *slog.Logger
	store    ports.PersistenceStore
	interval time.Duration

	mu     sync.Mutex
	timers map[domain.JobID]*checkpointTimer
	latest map[domain.JobID]domain.Checkpoint
	wg     sync.WaitGroup

	onSaved func(domain.Checkpoint)
}

func NewCheckpointManager(logger *slog.Logger, store ports.PersistenceStore, interval time.Duration) *CheckpointManager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &CheckpointManager{
		logger:   logger,
		store:    store,
		interval: interval,
		timers:   make(map[domain.JobID]*checkpointTimer),
		latest:   make(map[domain.JobID]domain.Checkpoint),
	}
}

// OnSaved registers a hook run after every successful write.
func (m *CheckpointManager) OnSaved(fn func(domain.Checkpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSaved = fn
}

// StartCheckpointTimer begins periodic snapshots for jobID. Starting a timer
// for a job that already has one is a no-op.
func (m *CheckpointManager) StartCheckpointTimer(jobID domain.JobID, snapshot SnapshotFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[jobID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &checkpointTimer{cancel: cancel, done: make(chan struct{})}
	m.timers[jobID] = t

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				draft, ok := snapshot()
				if !ok {
					continue
				}
				if _, err := m.CreateCheckpoint(ctx, jobID, draft); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("periodic checkpoint failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	return true
}

// StopCheckpointTimer cancels the job's timer and waits for it to exit, so a
// checkpoint written afterwards is always the latest. Callers must not hold
// locks the SnapshotFunc needs.
func (m *CheckpointManager) StopCheckpointTimer(jobID domain.JobID) bool {
	done, ok := m.detach(jobID)
	<-done
	return ok
}

// DetachCheckpointTimer cancels the job's timer without waiting and returns a
// channel closed once the timer has exited. It may be called while holding
// locks the SnapshotFunc needs; wait on the channel after releasing them.
func (m *CheckpointManager) DetachCheckpointTimer(jobID domain.JobID) <-chan struct{} {
	done, _ := m.detach(jobID)
	return done
}

var closedTimer = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (m *CheckpointManager) detach(jobID domain.JobID) (<-chan struct{}, bool) {
	m.mu.Lock()
	t, ok := m.timers[jobID]
	delete(m.timers, jobID)
	m.mu.Unlock()

	if !ok {
		return closedTimer, false
	}
	t.cancel()
	return t.done, true
}

// HasTimer reports whether a timer is active for jobID.
func (m *CheckpointManager) HasTimer(jobID domain.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[jobID]
	return ok
}

// ActiveTimers returns how many timers are running.
func (m *CheckpointManager) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// CreateCheckpoint persists a new checkpoint and moves the latest pointer.
func (m *CheckpointManager) CreateCheckpoint(ctx context.Context, jobID domain.JobID, draft domain.CheckpointDraft) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{
		ID:              uuid.New().String(),
		JobID:           jobID,
		Progress:        draft.Progress,
		CompletedModels: slices.Clone(draft.CompletedModels),
		CurrentModel:    draft.CurrentModel,
		CurrentMaterial: draft.CurrentMaterial,
		SequenceIndex:   draft.SequenceIndex,
		Timestamp:       time.Now().UTC(),
		Metadata:        draft.Metadata,
	}
	if cp.CompletedModels == nil {
		cp.CompletedModels = []string{}
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}

	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("save checkpoint for %s: %w", jobID, err)
	}

	m.mu.Lock()
	prev, ok := m.latest[jobID]
	if !ok || !cp.Timestamp.Before(prev.Timestamp) {
		m.latest[jobID] = cp
	}
	onSaved := m.onSaved
	m.mu.Unlock()

	if onSaved != nil {
		onSaved(cp)
	}
	return cp, nil
}

// GetLatestCheckpoint returns the newest checkpoint for jobID, consulting the
// store when nothing is cached (e.g. after a restart).
func (m *CheckpointManager) GetLatestCheckpoint(ctx context.Context, jobID domain.JobID) (domain.Checkpoint, bool, error) {
	m.mu.Lock()
	cp, ok := m.latest[jobID]
	m.mu.Unlock()
	if ok {
		return cp, true, nil
	}

	cp, err := m.store.LatestCheckpoint(ctx, jobID)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("load latest checkpoint for %s: %w", jobID, err)
	}

	m.mu.Lock()
	if _, cached := m.latest[jobID]; !cached {
		m.latest[jobID] = cp
	}
	m.mu.Unlock()
	return cp, true, nil
}

// ListCheckpoints returns the full checkpoint history for jobID.
func (m *CheckpointManager) ListCheckpoints(ctx context.Context, jobID domain.JobID) ([]domain.Checkpoint, error) {
	state, err := m.store.LoadJobState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return state.Checkpoints, nil
}

// Close stops every timer and waits for them to exit.
func (m *CheckpointManager) Close() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.cancel()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
