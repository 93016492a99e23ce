package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

// Reasons reported on plans that cannot proceed.
const (
	ReasonRetriesExhausted   = "exceeded max retries"
	ReasonRecoveryExhausted  = "exceeded max recovery attempts"
	ReasonCompleted          = "job already completed"
	ReasonCancelled          = "job was cancelled"
	ReasonStillProcessing    = "job is still processing"
	ReasonAlreadyQueued      = "job is already queued"
	ReasonNonRetryableFailed = "last failure is not retryable"
)

// RecoveryPlanner decides whether a failed or interrupted job may resume and
// owns the retry policy applied after each execution failure.
type RecoveryPlanner struct {
	logger      *slog.Logger
	store       ports.PersistenceStore
	checkpoints *CheckpointManager

	mu            sync.RWMutex
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewRecoveryPlanner(logger *slog.Logger, store ports.PersistenceStore, checkpoints *CheckpointManager, cfg domain.GenerationConfig) *RecoveryPlanner {
	return &RecoveryPlanner{
		logger:        logger,
		store:         store,
		checkpoints:   checkpoints,
		retryDelay:    cfg.RetryDelay,
		maxRetryDelay: cfg.MaxRetryDelay,
	}
}

// UpdateConfig swaps the backoff settings used by RetryDelay.
func (p *RecoveryPlanner) UpdateConfig(cfg domain.GenerationConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryDelay = cfg.RetryDelay
	p.maxRetryDelay = cfg.MaxRetryDelay
}

// RecoverJob loads the persisted job and its latest checkpoint and builds a
// plan. The retry ceiling is never overridden.
func (p *RecoveryPlanner) RecoverJob(ctx context.Context, jobID domain.JobID, opts domain.RecoveryOptions) (domain.RecoveryPlan, error) {
	state, err := p.store.LoadJobState(ctx, jobID)
	if err != nil {
		return domain.RecoveryPlan{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var latest *domain.Checkpoint
	cp, ok, err := p.checkpoints.GetLatestCheckpoint(ctx, jobID)
	if err != nil {
		return domain.RecoveryPlan{}, err
	}
	if ok {
		latest = &cp
	}

	plan := p.Plan(state.Job, latest, opts)
	if !plan.CanRecover {
		p.logger.Info("recovery refused", "job_id", jobID, "reason", plan.Reason)
	}
	return plan, nil
}

// Plan is the pure decision behind RecoverJob.
func (p *RecoveryPlanner) Plan(job domain.Job, latest *domain.Checkpoint, opts domain.RecoveryOptions) domain.RecoveryPlan {
	// A checkpoint older than the job belongs to an earlier job with the same id.
	if latest != nil && latest.Timestamp.Before(job.StartTime) {
		latest = nil
	}

	plan := domain.RecoveryPlan{
		JobID:               job.ID,
		MaxRecoveryAttempts: opts.MaxRecoveryAttempts,
		Checkpoint:          latest,
	}

	refuse := func(reason string, err error) domain.RecoveryPlan {
		plan.CanRecover = false
		plan.Reason = reason
		plan.Error = err
		return plan
	}

	if job.RetryCount >= job.MaxRetries {
		return refuse(ReasonRetriesExhausted, &domain.RetryLimitExceededError{
			JobID:      job.ID,
			RetryCount: job.RetryCount,
			MaxRetries: job.MaxRetries,
		})
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		return refuse(ReasonCompleted, nil)
	case domain.JobStatusCancelled:
		return refuse(ReasonCancelled, nil)
	}
	if job.Fatal {
		return refuse(ReasonNonRetryableFailed, nil)
	}
	if opts.MaxRecoveryAttempts > 0 && job.RecoveryAttempts >= opts.MaxRecoveryAttempts {
		return refuse(ReasonRecoveryExhausted, nil)
	}

	plan.CanRecover = true

	done := make(map[string]bool, len(job.CompletedUnits))
	if opts.ResumeFromLastCheckpoint {
		for _, key := range job.CompletedUnits {
			done[key] = true
		}
		if latest != nil {
			for _, key := range latest.CompletedModels {
				done[key] = true
			}
			plan.ResumeFromCheckpoint = len(latest.CompletedModels) > 0
		}
		if len(job.CompletedUnits) > 0 {
			plan.ResumeFromCheckpoint = true
		}
	}

	if opts.SkipFailedSteps && !opts.RetryFailedSteps {
		for _, key := range job.FailedUnits {
			if !done[key] && !slices.Contains(plan.SkipUnits, key) {
				plan.SkipUnits = append(plan.SkipUnits, key)
			}
		}
	}

	skip := make(map[string]bool, len(plan.SkipUnits))
	for _, key := range plan.SkipUnits {
		skip[key] = true
	}
	units := job.Units()
	plan.ResumeIndex = len(units)
	for _, u := range units {
		if !done[u.Key()] && !skip[u.Key()] {
			plan.ResumeIndex = u.Index
			break
		}
	}
	return plan
}

// PlanRetry applies the retry policy to one execution failure of job.
func (p *RecoveryPlanner) PlanRetry(job domain.Job, err error) domain.RetryDecision {
	if domain.IsNonRetryable(err) {
		return domain.RetryDecision{Retry: false, Reason: ReasonNonRetryableFailed}
	}
	if job.RetryCount >= job.MaxRetries {
		return domain.RetryDecision{Retry: false, Reason: ReasonRetriesExhausted}
	}
	return domain.RetryDecision{Retry: true}
}

// RetryDelay returns the backoff before attempt number retryCount (1-based)
// may be dispatched: retryDelay doubled per attempt, capped at maxRetryDelay.
func (p *RecoveryPlanner) RetryDelay(retryCount int) time.Duration {
	p.mu.RLock()
	base, limit := p.retryDelay, p.maxRetryDelay
	p.mu.RUnlock()

	if base <= 0 || retryCount <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// GetAllRecoverableJobs lists persisted jobs that are still in flight or in a
// recoverable error state, oldest submission first.
func (p *RecoveryPlanner) GetAllRecoverableJobs(ctx context.Context) ([]domain.Job, error) {
	jobs, err := p.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted jobs: %w", err)
	}

	var out []domain.Job
	for _, job := range jobs {
		if job.IsRecoverable() {
			out = append(out, job)
		}
	}
	slices.SortFunc(out, func(a, b domain.Job) int {
		if a.Sequence != b.Sequence {
			if a.Sequence < b.Sequence {
				return -1
			}
			return 1
		}
		return a.StartTime.Compare(b.StartTime)
	})
	return out, nil
}
