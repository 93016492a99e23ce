package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// Run drives dispatch and the staleness watchdog until ctx is cancelled,
// then stops workers and waits for them. Blocks.
func (s *JobScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	interval := s.cfg.DispatchInterval
	concurrency, queueSize := s.cfg.MaxConcurrentJobs, s.cfg.MaxQueueSize
	s.mu.Unlock()

	s.logger.Info("starting job scheduler", "max_concurrent_jobs", concurrency, "max_queue_size", queueSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Fires when the earliest delayed retry becomes eligible.
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		s.dispatch()
		s.checkStale()
		s.pruneEvicted()

		s.mu.Lock()
		next, delayed := s.queue.NextReady(s.now())
		s.mu.Unlock()
		if delayed {
			retryTimer.Reset(next.Sub(s.now()))
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.wake:
		case <-ticker.C:
		case <-retryTimer.C:
		}
	}
}

func (s *JobScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *JobScheduler) shutdown() {
	s.logger.Info("stopping scheduler")

	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.checkpoints.Close()
}

// dispatch starts pending jobs while permits are available.
func (s *JobScheduler) dispatch() {
	for {
		if !s.semaphore.TryAcquire(1) {
			return
		}
		sl := &slot{sem: s.semaphore}

		s.mu.Lock()
		if s.closed || s.baseCtx == nil {
			s.mu.Unlock()
			sl.release()
			return
		}
		next := s.queue.PeekEligible(s.now())
		if next == nil {
			s.mu.Unlock()
			sl.release()
			return
		}
		allowed, probe := s.breaker.AllowDispatch()
		if !allowed {
			s.mu.Unlock()
			sl.release()
			return
		}

		s.queue.Remove(next.ID)
		job := s.jobs[next.ID]
		job.Status = domain.JobStatusProcessing
		job.Version = s.nextVersion()
		job.UpdatedAt = s.now()
		r := s.registerRunLocked(job, sl, probe, 0)
		s.updateLoadLocked()
		snapshot := job.Clone()
		s.mu.Unlock()

		if err := s.persist(r.ctx, snapshot); err != nil {
			s.logger.Error("failed to persist job start", "job_id", snapshot.ID, "error", err)
		}
		s.logger.Info("job started", "job_id", snapshot.ID, "retry_count", snapshot.RetryCount, "probe", probe)
		s.emit(domain.EventStarted, snapshot)
		go s.work(r, snapshot, 0)
	}
}

// registerRunLocked makes a new run current for job. The caller holds mu and
// must start s.work for the returned run once the lock is released.
func (s *JobScheduler) registerRunLocked(job *domain.Job, sl *slot, probe bool, delay time.Duration) *run {
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &run{
		jobID:          job.ID,
		cancel:         cancel,
		stopCh:         make(chan struct{}),
		slot:           sl,
		probe:          probe,
		lastProgressAt: s.now().Add(delay),
	}
	r.ctx = domain.WithHeartbeat(ctx, func() { s.heartbeat(r) })
	if prev := s.runs[job.ID]; prev != nil && prev.cancelRequested {
		r.cancelRequested = true
		close(r.stopCh)
	}
	s.runs[job.ID] = r
	s.checkpoints.StartCheckpointTimer(job.ID, s.checkpointSnapshot(job.ID))

	s.wg.Add(1)
	return r
}

// work executes a job's remaining units sequentially.
func (s *JobScheduler) work(r *run, job domain.Job, delay time.Duration) {
	defer s.wg.Done()
	defer r.cancel()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.stopCh:
			timer.Stop()
		case <-r.ctx.Done():
			timer.Stop()
		}
	}

	skip := make(map[string]bool, len(job.CompletedUnits)+len(job.SkippedUnits))
	for _, key := range job.CompletedUnits {
		skip[key] = true
	}
	for _, key := range job.SkippedUnits {
		skip[key] = true
	}

	for _, unit := range job.Units() {
		if skip[unit.Key()] {
			continue
		}
		if !s.beginUnit(r, unit) {
			s.interrupted(r)
			return
		}

		err := s.renderer.Render(r.ctx, unit)
		if err == nil {
			s.metrics.recordUnit(true)
			if !s.unitCompleted(r, unit) {
				return
			}
			continue
		}

		if r.ctx.Err() != nil {
			s.interrupted(r)
			return
		}
		if s.cancelRequested(r) {
			s.interrupted(r)
			return
		}

		s.metrics.recordUnit(false)
		s.logger.Warn("work unit failed", "job_id", r.jobID, "unit", unit.Key(), "error", err)
		s.fail(r, &unit, err)
		return
	}

	if s.cancelRequested(r) {
		s.interrupted(r)
		return
	}
	s.complete(r)
}

// beginUnit records the unit about to render. It returns false when the run
// should stop at this boundary.
func (s *JobScheduler) beginUnit(r *run, unit domain.WorkUnit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.jobID] != r || r.cancelRequested || r.ctx.Err() != nil {
		return false
	}
	r.current = unit
	r.lastProgressAt = s.now()
	return true
}

func (s *JobScheduler) cancelRequested(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.cancelRequested
}

// heartbeat is called by the renderer while a unit is still in progress.
func (s *JobScheduler) heartbeat(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.jobID] == r && r.current.ModelID != "" {
		r.lastProgressAt = s.now()
	}
}

// recordOutcomeLocked reports a unit outcome of the current run to the
// breaker. Caller holds mu and has checked that r is still current.
func (s *JobScheduler) recordOutcomeLocked(r *run, ok bool) {
	if ok {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
	r.probeResolved = true
}

// unitCompleted advances progress. It returns false when the run is stale.
func (s *JobScheduler) unitCompleted(r *run, unit domain.WorkUnit) bool {
	s.mu.Lock()
	if s.runs[r.jobID] != r {
		s.mu.Unlock()
		return false
	}
	s.recordOutcomeLocked(r, true)
	job := s.jobs[r.jobID]
	if !slices.Contains(job.CompletedUnits, unit.Key()) {
		job.CompletedUnits = append(job.CompletedUnits, unit.Key())
	}
	job.ProcessedModels = len(job.CompletedUnits)
	job.Progress = max(job.Progress, domain.ComputeProgress(len(job.CompletedUnits)+len(job.SkippedUnits), job.TotalModels))
	job.Version = s.nextVersion()
	job.UpdatedAt = s.now()
	r.lastProgressAt = job.UpdatedAt
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.persist(r.ctx, snapshot); err != nil && r.ctx.Err() == nil {
		s.logger.Error("failed to persist progress", "job_id", r.jobID, "error", err)
	}
	s.emit(domain.EventProgressed, snapshot)
	return true
}

// complete marks a run's job completed.
func (s *JobScheduler) complete(r *run) {
	s.mu.Lock()
	if s.runs[r.jobID] != r {
		s.mu.Unlock()
		return
	}
	delete(s.runs, r.jobID)
	job := s.jobs[r.jobID]
	job.Progress = 100
	timerDone := s.markTerminalLocked(job, domain.JobStatusCompleted)
	snapshot := job.Clone()
	draft := draftFor(job, r.current)
	s.mu.Unlock()

	r.slot.release()
	s.abortUnresolvedProbe(r)
	s.logger.Info("job completed", "job_id", r.jobID, "units", snapshot.ProcessedModels, "retries", snapshot.RetryCount)
	s.finalize(context.WithoutCancel(r.ctx), snapshot, draft, domain.EventCompleted, timerDone)
}

// interrupted handles a run stopped at a unit boundary: by cancel, by
// shutdown, or because the watchdog replaced it.
func (s *JobScheduler) interrupted(r *run) {
	s.mu.Lock()
	if s.runs[r.jobID] != r {
		s.mu.Unlock()
		return
	}
	delete(s.runs, r.jobID)
	job := s.jobs[r.jobID]

	if r.cancelRequested {
		timerDone := s.markTerminalLocked(job, domain.JobStatusCancelled)
		snapshot := job.Clone()
		draft := draftFor(job, r.current)
		s.mu.Unlock()

		r.slot.release()
		s.abortUnresolvedProbe(r)
		s.logger.Info("job cancelled", "job_id", r.jobID, "was", domain.JobStatusProcessing)
		s.finalize(context.WithoutCancel(r.ctx), snapshot, draft, domain.EventCancelled, timerDone)
		return
	}

	// Shutdown: leave the job processing so the next start restores it.
	draft := draftFor(job, r.current)
	timerDone := s.checkpoints.DetachCheckpointTimer(r.jobID)
	s.updateLoadLocked()
	s.mu.Unlock()

	r.slot.release()
	s.abortUnresolvedProbe(r)
	<-timerDone
	if _, err := s.checkpoints.CreateCheckpoint(context.WithoutCancel(r.ctx), r.jobID, draft); err != nil {
		s.logger.Warn("failed to checkpoint interrupted job", "job_id", r.jobID, "error", err)
	}
	s.logger.Info("job interrupted by shutdown", "job_id", r.jobID)
}

// fail records an execution failure and applies the retry policy. A run that
// is no longer current is ignored, breaker included.
func (s *JobScheduler) fail(r *run, unit *domain.WorkUnit, cause error) {
	s.mu.Lock()
	if s.runs[r.jobID] != r {
		s.mu.Unlock()
		return
	}
	s.recordOutcomeLocked(r, false)
	job := s.jobs[r.jobID]
	now := s.now()

	execErr := &domain.ExecutionError{JobID: r.jobID, Err: cause}
	if unit != nil {
		execErr.Unit = unit.Key()
		if !slices.Contains(job.FailedUnits, unit.Key()) {
			job.FailedUnits = append(job.FailedUnits, unit.Key())
		}
	}
	job.FailureHistory = append(job.FailureHistory, domain.FailureRecord{
		Timestamp: now,
		Error:     execErr.Error(),
		Unit:      execErr.Unit,
	})
	job.LastError = execErr.Error()

	decision := s.planner.PlanRetry(*job, cause)
	if !decision.Retry {
		delete(s.runs, r.jobID)
		job.Fatal = domain.IsNonRetryable(cause)
		timerDone := s.markTerminalLocked(job, domain.JobStatusError)
		snapshot := job.Clone()
		draft := draftFor(job, r.current)
		s.mu.Unlock()

		r.slot.release()
		s.abortUnresolvedProbe(r)
		s.logger.Error("job failed", "job_id", r.jobID, "reason", decision.Reason,
			"retry_count", snapshot.RetryCount, "error", execErr)
		s.finalize(context.WithoutCancel(r.ctx), snapshot, draft, domain.EventErrored, timerDone)
		return
	}

	job.RetryCount++
	delay := s.planner.RetryDelay(job.RetryCount)
	job.Version = s.nextVersion()
	job.UpdatedAt = now
	draft := draftFor(job, r.current)

	if s.queue.Len() < s.cfg.MaxQueueSize {
		delete(s.runs, r.jobID)
		job.Status = domain.JobStatusPending
		s.queue.Enqueue(&queuedJob{
			ID:        job.ID,
			Priority:  job.Priority,
			Sequence:  job.Sequence,
			NotBefore: now.Add(delay),
		})
		timerDone := s.checkpoints.DetachCheckpointTimer(r.jobID)
		s.updateLoadLocked()
		snapshot := job.Clone()
		s.emit(domain.EventRetrying, snapshot)
		s.mu.Unlock()

		r.slot.release()
		s.abortUnresolvedProbe(r)
		s.metrics.recordRetry()
		<-timerDone
		s.writeCheckpoint(r.ctx, r.jobID, draft)
		if err := s.persist(context.WithoutCancel(r.ctx), snapshot); err != nil {
			s.logger.Error("failed to persist retry", "job_id", r.jobID, "error", err)
		}
		s.logger.Info("job re-enqueued for retry", "job_id", r.jobID,
			"retry_count", snapshot.RetryCount, "max_retries", snapshot.MaxRetries, "delay", delay)
		s.signal()
		return
	}

	// Queue is full: keep the slot and retry in place after the delay.
	next := s.registerRunLocked(job, r.slot, false, delay)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.abortUnresolvedProbe(r)
	s.metrics.recordRetry()
	if err := s.persist(next.ctx, snapshot); err != nil {
		s.logger.Error("failed to persist retry", "job_id", r.jobID, "error", err)
	}
	s.logger.Info("job retrying in place, queue full", "job_id", r.jobID,
		"retry_count", snapshot.RetryCount, "delay", delay)
	s.emit(domain.EventRetrying, snapshot)
	go s.work(next, snapshot, delay)
}

// checkStale fails processing jobs whose worker has not reported progress
// within StaleAfter.
func (s *JobScheduler) checkStale() {
	s.mu.Lock()
	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 || s.closed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	var stale []*run
	for _, r := range s.runs {
		if now.Sub(r.lastProgressAt) > staleAfter {
			stale = append(stale, r)
		}
	}
	s.mu.Unlock()

	for _, r := range stale {
		s.metrics.recordStale()
		s.logger.Warn("stale worker detected", "job_id", r.jobID, "stale_after", staleAfter)

		s.mu.Lock()
		unit := r.current
		cancelled := r.cancelRequested
		s.mu.Unlock()

		if cancelled {
			s.interrupted(r)
			r.cancel()
			continue
		}

		var failed *domain.WorkUnit
		if unit.ModelID != "" {
			failed = &unit
		}
		s.fail(r, failed, fmt.Errorf("%w within %s", ErrStaleWorker, staleAfter))
		r.cancel()
	}
}

// markTerminalLocked sets a terminal status and detaches the job's checkpoint
// timer. Caller holds mu and passes the returned channel to finalize.
func (s *JobScheduler) markTerminalLocked(job *domain.Job, status domain.JobStatus) <-chan struct{} {
	now := s.now()
	switch status {
	case domain.JobStatusCompleted:
		s.completed++
	case domain.JobStatusError:
		s.failed++
	}
	job.Status = status
	job.EndTime = &now
	job.UpdatedAt = now
	job.Version = s.nextVersion()
	s.updateLoadLocked()
	return s.checkpoints.DetachCheckpointTimer(job.ID)
}

// finalize waits for the job's timer to exit, then writes the terminal
// checkpoint, record and event. Must be called without holding mu.
func (s *JobScheduler) finalize(ctx context.Context, job domain.Job, draft domain.CheckpointDraft, event domain.EventType, timerDone <-chan struct{}) {
	<-timerDone

	draft.Progress = job.Progress
	if draft.CompletedModels == nil {
		draft.CompletedModels = slices.Clone(job.CompletedUnits)
	}
	if draft.Metadata == nil {
		draft.Metadata = map[string]any{}
	}
	draft.Metadata["status"] = string(job.Status)
	draft.Metadata["terminal"] = true
	s.writeCheckpoint(ctx, job.ID, draft)

	if err := s.persist(ctx, job); err != nil {
		s.logger.Error("failed to persist terminal state", "job_id", job.ID, "status", job.Status, "error", err)
	} else {
		s.evict(job)
	}
	s.metrics.recordFinished(job)
	s.emit(event, job)
	s.signal()
}

// evict drops a finished job from memory once its terminal record is
// stored. GetJob, ListJobs and Recover then read it from the store.
func (s *JobScheduler) evict(job domain.Job) {
	s.mu.Lock()
	if current, ok := s.jobs[job.ID]; ok && current.Version == job.Version {
		delete(s.jobs, job.ID)
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	s.evicted[job.ID] = evictedJob{version: job.Version, at: s.now()}
	s.persistMu.Unlock()
}

// pruneEvicted forgets the persisted versions of jobs evicted more than
// evictedRetention ago.
func (s *JobScheduler) pruneEvicted() {
	cutoff := s.now().Add(-evictedRetention)

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	for id, e := range s.evicted {
		if e.at.After(cutoff) {
			continue
		}
		if s.persisted[id] == e.version {
			delete(s.persisted, id)
		}
		delete(s.evicted, id)
	}
}

func (s *JobScheduler) writeCheckpoint(ctx context.Context, id domain.JobID, draft domain.CheckpointDraft) {
	if _, err := s.checkpoints.CreateCheckpoint(context.WithoutCancel(ctx), id, draft); err != nil {
		s.logger.Warn("checkpoint write failed", "job_id", id, "error", err)
	}
}

func (s *JobScheduler) abortUnresolvedProbe(r *run) {
	s.mu.Lock()
	unresolved := r.probe && !r.probeResolved
	s.mu.Unlock()
	if unresolved {
		s.breaker.AbortProbe()
	}
}

// checkpointSnapshot is the timer callback for an active job.
func (s *JobScheduler) checkpointSnapshot(id domain.JobID) SnapshotFunc {
	return func() (domain.CheckpointDraft, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		r := s.runs[id]
		if !ok || r == nil || job.Status != domain.JobStatusProcessing {
			return domain.CheckpointDraft{}, false
		}
		return draftFor(job, r.current), true
	}
}

func draftFor(job *domain.Job, current domain.WorkUnit) domain.CheckpointDraft {
	return domain.CheckpointDraft{
		Progress:        job.Progress,
		CompletedModels: slices.Clone(job.CompletedUnits),
		CurrentModel:    current.ModelID,
		CurrentMaterial: current.Material,
		SequenceIndex:   current.Index,
		Metadata: map[string]any{
			"status":           string(job.Status),
			"retry_count":      job.RetryCount,
			"processed_models": job.ProcessedModels,
			"total_models":     job.TotalModels,
		},
	}
}

// persist writes job unless a newer version was already written.
func (s *JobScheduler) persist(ctx context.Context, job domain.Job) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if last, ok := s.persisted[job.ID]; ok && job.Version <= last {
		return nil
	}
	if err := s.store.PersistJobState(ctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	s.persisted[job.ID] = job.Version
	return nil
}

// emit publishes an event for job. Events that make a job dispatchable are
// emitted under mu so they always precede the job's started event.
func (s *JobScheduler) emit(t domain.EventType, job domain.Job) {
	if s.publisher == nil {
		return
	}
	event := domain.JobEvent{
		ID:              uuid.New().String(),
		Type:            t,
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		ProcessedModels: job.ProcessedModels,
		TotalModels:     job.TotalModels,
		Error:           job.LastError,
		Timestamp:       s.now().UTC(),
	}
	s.publisher.Publish(domain.JobChannel(job.ID), event)
}

// nextVersion returns a stamp greater than any previous one. Caller holds mu.
func (s *JobScheduler) nextVersion() int64 {
	s.version++
	return s.version
}

func (s *JobScheduler) updateLoadLocked() {
	s.metrics.setLoad(len(s.runs), s.queue.Len())
}
