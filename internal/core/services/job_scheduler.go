package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

// ErrStaleWorker is recorded when a processing job stops reporting progress.
var ErrStaleWorker = errors.New("worker reported no progress")

// evictedRetention is how long a finished job's persisted version is kept
// after the job leaves memory, so late writes from its old workers are
// still dropped.
const evictedRetention = time.Minute

// SnapshotSource exposes the latest resource snapshot without sampling.
type SnapshotSource interface {
	Latest() domain.ResourceSnapshot
}

// SchedulerDeps are the collaborators the scheduler drives.
type SchedulerDeps struct {
	Store       ports.PersistenceStore
	Monitor     SnapshotSource
	Breaker     *CircuitBreaker
	Checkpoints *CheckpointManager
	Planner     *RecoveryPlanner
	Renderer    ports.GenerationOperation
	Publisher   ports.EventPublisher
	Metrics     *Metrics
}

// slot is one concurrency permit. It may outlive a run when a job retries
// in place, so release is guarded.
type slot struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (s *slot) release() {
	s.once.Do(func() { s.sem.Release(1) })
}

// run is the worker currently executing a processing job. A run replaced by
// the watchdog or by an in-place retry is stale and its results are ignored.
type run struct {
	jobID  domain.JobID
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	slot   *slot

	probe         bool
	probeResolved bool

	cancelRequested bool
	current         domain.WorkUnit
	lastProgressAt  time.Time
}

// JobScheduler owns the job queue and the lifecycle state machine. All job
// mutations are serialized by mu; persistence and event publishing happen
// outside it.
type JobScheduler struct {
	logger      *slog.Logger
	store       ports.PersistenceStore
	monitor     SnapshotSource
	breaker     *CircuitBreaker
	checkpoints *CheckpointManager
	planner     *RecoveryPlanner
	renderer    ports.GenerationOperation
	publisher   ports.EventPublisher
	metrics     *Metrics
	now         func() time.Time

	semaphore *semaphore.Weighted
	wake      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	cfg     domain.GenerationConfig
	jobs    map[domain.JobID]*domain.Job // pending, processing and unsaved finished jobs
	queue   *jobQueue
	runs    map[domain.JobID]*run
	seq     uint64
	version int64
	baseCtx context.Context
	closed  bool

	// Counted over the life of this process.
	admitted  int
	completed int
	failed    int

	persistMu sync.Mutex
	persisted map[domain.JobID]int64
	evicted   map[domain.JobID]evictedJob
}

type evictedJob struct {
	version int64
	at      time.Time
}

func NewJobScheduler(logger *slog.Logger, cfg domain.GenerationConfig, deps SchedulerDeps) *JobScheduler {
	// Default to 10 concurrent jobs if not set
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Second
	}

	return &JobScheduler{
		logger:      logger,
		store:       deps.Store,
		monitor:     deps.Monitor,
		breaker:     deps.Breaker,
		checkpoints: deps.Checkpoints,
		planner:     deps.Planner,
		renderer:    deps.Renderer,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		now:         time.Now,
		semaphore:   semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		wake:        make(chan struct{}, 1),
		cfg:         cfg,
		jobs:        make(map[domain.JobID]*domain.Job),
		queue:       newJobQueue(),
		runs:        make(map[domain.JobID]*run),
		persisted:   make(map[domain.JobID]int64),
		evicted:     make(map[domain.JobID]evictedJob),
	}
}

// UpdateConfig applies runtime tunables. Concurrency is fixed at construction.
func (s *JobScheduler) UpdateConfig(cfg domain.GenerationConfig) {
	s.mu.Lock()
	if cfg.MaxConcurrentJobs > 0 && cfg.MaxConcurrentJobs != s.cfg.MaxConcurrentJobs {
		s.logger.Warn("max_concurrent_jobs change requires a restart",
			"current", s.cfg.MaxConcurrentJobs, "requested", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxQueueSize > 0 {
		s.cfg.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.MaxRetries >= 0 {
		s.cfg.MaxRetries = cfg.MaxRetries
	}
	s.cfg.RetryDelay = cfg.RetryDelay
	s.cfg.MaxRetryDelay = cfg.MaxRetryDelay
	s.cfg.StaleAfter = cfg.StaleAfter
	if len(cfg.DefaultMaterials) > 0 {
		s.cfg.DefaultMaterials = slices.Clone(cfg.DefaultMaterials)
	}
	s.mu.Unlock()

	s.planner.UpdateConfig(cfg)
	s.signal()
}

// Submit validates and admits a job. Gates run in order and the first
// failure rejects without side effects.
func (s *JobScheduler) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.recordRejected("validation")
		return domain.Job{}, err
	}

	s.mu.Lock()
	id := domain.JobID(req.JobID)

	if existing, ok := s.jobs[id]; ok && !existing.IsTerminal() {
		s.mu.Unlock()
		s.metrics.recordRejected("duplicate")
		return domain.Job{}, &domain.DuplicateJobError{JobID: id}
	}

	snap := s.monitor.Latest()
	if len(snap.Degraded) > 0 {
		s.logger.Warn("admission with degraded resource observability", "job_id", id, "degraded", snap.Degraded)
	}
	if snap.Critical() {
		s.mu.Unlock()
		s.metrics.recordRejected("resources")
		s.logger.Warn("job rejected, resources critical", "job_id", id,
			"memory_pct", snap.Memory.Percentage, "disk_pct", snap.Disk.Percentage)
		return domain.Job{}, &domain.ResourceExhaustedError{Level: snap.Level, Snapshot: snap}
	}

	if s.queue.Len() >= s.cfg.MaxQueueSize {
		capacity := s.cfg.MaxQueueSize
		s.mu.Unlock()
		s.metrics.recordRejected("queue_full")
		return domain.Job{}, &domain.QueueFullError{Capacity: capacity}
	}

	if open, retryAfter := s.breaker.IsOpen(); open {
		s.mu.Unlock()
		s.metrics.recordRejected("circuit_open")
		return domain.Job{}, &domain.CircuitOpenError{RetryAfter: retryAfter}
	}

	materials := slices.Clone(req.Materials)
	if len(materials) == 0 {
		materials = slices.Clone(s.cfg.DefaultMaterials)
	}
	if len(materials) == 0 {
		s.mu.Unlock()
		s.metrics.recordRejected("validation")
		return domain.Job{}, &domain.ValidationError{Field: "materials", Reason: "no materials given and no default configured"}
	}

	priority := domain.DefaultJobPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := s.now()
	job := &domain.Job{
		ID:             id,
		Status:         domain.JobStatusPending,
		ModelIDs:       slices.Clone(req.ModelIDs),
		Materials:      materials,
		Priority:       priority,
		TotalModels:    len(req.ModelIDs) * len(materials),
		MaxRetries:     s.cfg.MaxRetries,
		FailureHistory: []domain.FailureRecord{},
		CompletedUnits: []string{},
		Sequence:       s.seq + 1,
		Version:        s.nextVersion(),
		StartTime:      now,
		UpdatedAt:      now,
	}

	// The initial write is the only blocking step of admission.
	if err := s.persist(ctx, *job); err != nil {
		s.mu.Unlock()
		return domain.Job{}, err
	}

	s.seq = job.Sequence
	s.jobs[id] = job
	s.admitted++
	s.queue.Enqueue(&queuedJob{ID: id, Priority: priority, Sequence: job.Sequence})
	s.updateLoadLocked()
	snapshot := job.Clone()
	s.emit(domain.EventEnqueued, snapshot)
	s.mu.Unlock()

	s.metrics.recordSubmitted()
	s.logger.Info("job submitted", "job_id", id, "units", snapshot.TotalModels, "priority", priority)
	s.signal()
	return snapshot, nil
}

func validateRequest(req domain.SubmitRequest) error {
	if req.JobID == "" {
		return &domain.ValidationError{Field: "jobId", Reason: "must not be empty"}
	}
	if len(req.ModelIDs) == 0 {
		return &domain.ValidationError{Field: "modelIds", Reason: "must not be empty"}
	}
	for _, m := range req.ModelIDs {
		if m == "" {
			return &domain.ValidationError{Field: "modelIds", Reason: "entries must not be blank"}
		}
	}
	for _, m := range req.Materials {
		if m == "" {
			return &domain.ValidationError{Field: "materials", Reason: "entries must not be blank"}
		}
	}
	return nil
}

// Cancel moves a pending or processing job to cancelled. A processing job
// stops at its next unit boundary. It returns false for unknown jobs, for jobs
// that are not pending or processing, and for repeated cancels.
func (s *JobScheduler) Cancel(ctx context.Context, id domain.JobID) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch job.Status {
	case domain.JobStatusPending:
		s.queue.Remove(id)
		timerDone := s.markTerminalLocked(job, domain.JobStatusCancelled)
		snapshot := job.Clone()
		s.mu.Unlock()

		s.logger.Info("job cancelled", "job_id", id, "was", domain.JobStatusPending)
		s.finalize(ctx, snapshot, domain.CheckpointDraft{}, domain.EventCancelled, timerDone)
		return true

	case domain.JobStatusProcessing:
		r := s.runs[id]
		if r == nil || r.cancelRequested {
			s.mu.Unlock()
			return false
		}
		r.cancelRequested = true
		close(r.stopCh)
		s.mu.Unlock()

		s.logger.Info("cancel requested for running job", "job_id", id)
		return true
	}

	s.mu.Unlock()
	return false
}

// GetJob returns the live job, falling back to the store for jobs finished
// before a restart.
func (s *JobScheduler) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var snapshot domain.Job
	if ok {
		snapshot = job.Clone()
	}
	s.mu.Unlock()
	if ok {
		return snapshot, nil
	}

	state, err := s.store.LoadJobState(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return state.Job, nil
}

// ListJobs merges persisted and live jobs, live state winning, in submission order.
func (s *JobScheduler) ListJobs(ctx context.Context) ([]domain.Job, error) {
	persisted, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	byID := make(map[domain.JobID]domain.Job, len(persisted))
	for _, j := range persisted {
		byID[j.ID] = j
	}
	s.mu.Lock()
	for id, j := range s.jobs {
		byID[id] = j.Clone()
	}
	s.mu.Unlock()

	out := make([]domain.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b domain.Job) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return a.StartTime.Compare(b.StartTime)
	})
	return out, nil
}

// GetMetrics reports the scheduler's counters. Totals cover this process:
// a recovered job counts as admitted again, and every terminal transition
// is counted once.
func (s *JobScheduler) GetMetrics() domain.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.Metrics{
		TotalJobs:              s.admitted,
		CompletedJobs:          s.completed,
		FailedJobs:             s.failed,
		ActiveJobs:             len(s.runs),
		QueueSize:              s.queue.Len(),
		CircuitBreakerState:    s.breaker.State().String(),
		CircuitBreakerFailures: s.breaker.Failures(),
	}
}

// ResetCircuitBreaker closes the breaker by hand, e.g. once the render
// service is known to be healthy again.
func (s *JobScheduler) ResetCircuitBreaker() domain.Metrics {
	s.breaker.Reset()
	s.logger.Info("circuit breaker reset by operator")
	s.signal()
	return s.GetMetrics()
}

// GenerationStats feeds the resource monitor's snapshots.
func (s *JobScheduler) GenerationStats() domain.GenerationStat {
	m := s.GetMetrics()
	return domain.GenerationStat{
		ActiveJobs:    m.ActiveJobs,
		QueuedJobs:    m.QueueSize,
		CompletedJobs: m.CompletedJobs,
		FailedJobs:    m.FailedJobs,
	}
}

// Statistics returns what the persistence store holds.
func (s *JobScheduler) Statistics(ctx context.Context) (domain.JobStatistics, error) {
	return s.store.GetJobStatistics(ctx)
}

// Checkpoints returns a job's checkpoint history.
func (s *JobScheduler) Checkpoints(ctx context.Context, id domain.JobID) ([]domain.Checkpoint, error) {
	return s.checkpoints.ListCheckpoints(ctx, id)
}
