package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// Recover plans and, when allowed, re-enqueues a failed or interrupted job.
// A refused plan is returned with a nil error; its Reason and Error explain why.
func (s *JobScheduler) Recover(ctx context.Context, id domain.JobID, opts domain.RecoveryOptions) (domain.RecoveryPlan, error) {
	s.mu.Lock()
	live, ok := s.jobs[id]
	var job domain.Job
	if ok {
		job = live.Clone()
	}
	s.mu.Unlock()

	if ok {
		switch job.Status {
		case domain.JobStatusProcessing:
			return domain.RecoveryPlan{JobID: id, Reason: ReasonStillProcessing}, nil
		case domain.JobStatusPending:
			return domain.RecoveryPlan{JobID: id, Reason: ReasonAlreadyQueued}, nil
		}
	} else {
		state, err := s.store.LoadJobState(ctx, id)
		if err != nil {
			return domain.RecoveryPlan{}, err
		}
		job = state.Job
	}

	var latest *domain.Checkpoint
	cp, found, err := s.checkpoints.GetLatestCheckpoint(ctx, id)
	if err != nil {
		return domain.RecoveryPlan{}, err
	}
	if found {
		latest = &cp
	}

	plan := s.planner.Plan(job, latest, opts)
	if !plan.CanRecover {
		s.logger.Info("recovery refused", "job_id", id, "reason", plan.Reason)
		return plan, nil
	}

	s.mu.Lock()
	if current, exists := s.jobs[id]; exists && current.Version != job.Version {
		s.mu.Unlock()
		return domain.RecoveryPlan{}, fmt.Errorf("job %s changed during recovery, retry", id)
	}
	if s.queue.Len() >= s.cfg.MaxQueueSize {
		capacity := s.cfg.MaxQueueSize
		s.mu.Unlock()
		return domain.RecoveryPlan{}, &domain.QueueFullError{Capacity: capacity}
	}

	applyPlan(&job, plan, opts)
	job.Version = s.nextVersion()
	job.UpdatedAt = s.now()
	if job.Sequence > s.seq {
		s.seq = job.Sequence
	}
	if _, live := s.jobs[id]; !live {
		s.admitted++
	}
	stored := job.Clone()
	s.jobs[id] = &stored
	s.queue.Enqueue(&queuedJob{ID: id, Priority: job.Priority, Sequence: job.Sequence})
	s.updateLoadLocked()
	s.emit(domain.EventEnqueued, job)
	s.mu.Unlock()

	if err := s.persist(ctx, job); err != nil {
		s.logger.Error("failed to persist recovered job", "job_id", id, "error", err)
	}
	s.logger.Info("job recovered", "job_id", id,
		"resume_from_checkpoint", plan.ResumeFromCheckpoint, "resume_index", plan.ResumeIndex,
		"retry_count", job.RetryCount, "recovery_attempts", job.RecoveryAttempts)
	s.signal()
	return plan, nil
}

// applyPlan re-arms job for dispatch. The retry budget is spent only by
// execution failures; recovery is counted in RecoveryAttempts.
func applyPlan(job *domain.Job, plan domain.RecoveryPlan, opts domain.RecoveryOptions) {
	job.RecoveryAttempts++

	if opts.ResumeFromLastCheckpoint {
		if plan.Checkpoint != nil {
			for _, key := range plan.Checkpoint.CompletedModels {
				if !slices.Contains(job.CompletedUnits, key) {
					job.CompletedUnits = append(job.CompletedUnits, key)
				}
			}
		}
	} else {
		// Progress keeps its high-water mark; only the unit set restarts.
		job.CompletedUnits = []string{}
	}
	job.ProcessedModels = len(job.CompletedUnits)
	job.SkippedUnits = slices.Clone(plan.SkipUnits)
	job.Status = domain.JobStatusPending
	job.EndTime = nil
}

// RecoverPersisted re-enqueues jobs left pending or processing by a previous
// process. It returns how many jobs were restored.
func (s *JobScheduler) RecoverPersisted(ctx context.Context) (int, error) {
	jobs, err := s.planner.GetAllRecoverableJobs(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, job := range jobs {
		if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusProcessing {
			continue
		}

		if cp, ok, err := s.checkpoints.GetLatestCheckpoint(ctx, job.ID); err != nil {
			s.logger.Warn("could not load checkpoint during startup recovery", "job_id", job.ID, "error", err)
		} else if ok && !cp.Timestamp.Before(job.StartTime) {
			for _, key := range cp.CompletedModels {
				if !slices.Contains(job.CompletedUnits, key) {
					job.CompletedUnits = append(job.CompletedUnits, key)
				}
			}
			job.ProcessedModels = len(job.CompletedUnits)
		}

		s.mu.Lock()
		if _, exists := s.jobs[job.ID]; exists {
			s.mu.Unlock()
			continue
		}
		if s.queue.Len() >= s.cfg.MaxQueueSize {
			s.mu.Unlock()
			s.logger.Warn("queue full during startup recovery, leaving remaining jobs persisted",
				"restored", restored, "remaining", len(jobs)-restored)
			break
		}
		job.Status = domain.JobStatusPending
		job.Version = s.nextVersion()
		job.UpdatedAt = s.now()
		if job.Sequence > s.seq {
			s.seq = job.Sequence
		}
		stored := job.Clone()
		s.jobs[job.ID] = &stored
		s.admitted++
		s.queue.Enqueue(&queuedJob{ID: job.ID, Priority: job.Priority, Sequence: job.Sequence})
		s.updateLoadLocked()
		s.emit(domain.EventEnqueued, job)
		s.mu.Unlock()

		if err := s.persist(ctx, job); err != nil {
			s.logger.Error("failed to persist restored job", "job_id", job.ID, "error", err)
		}
		restored++
	}

	if restored > 0 {
		s.logger.Info("restored jobs from previous run", "count", restored)
		s.signal()
	}
	return restored, nil
}
