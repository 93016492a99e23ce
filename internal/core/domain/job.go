package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// FailureRecord is one entry of a job's failure history.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Unit      string    `json:"unit,omitempty"`
}

// Job is a batch of (model, material) renders.
type Job struct {
	ID               JobID           `json:"id"`
	Status           JobStatus       `json:"status"`
	ModelIDs         []string        `json:"model_ids"`
	Materials        []string        `json:"materials"`
	Priority         int             `json:"priority"`
	Progress         int             `json:"progress"`
	ProcessedModels  int             `json:"processed_models"`
	TotalModels      int             `json:"total_models"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	FailureHistory   []FailureRecord `json:"failure_history"`
	CompletedUnits   []string        `json:"completed_units"`
	FailedUnits      []string        `json:"failed_units,omitempty"`
	SkippedUnits     []string        `json:"skipped_units,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	Fatal            bool            `json:"fatal,omitempty"`
	Sequence         uint64          `json:"sequence"`
	Version          int64           `json:"version"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// DefaultJobPriority is used when a submission omits priority. Lower values
// dispatch first, so callers can push urgent work ahead of the default.
const DefaultJobPriority = 5

// IsTerminal reports whether the job can no longer change state.
// An errored job is only terminal once its retry budget is spent or the
// failure was not retryable.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusError:
		return j.Fatal || j.RetryCount >= j.MaxRetries
	}
	return false
}

// IsRecoverable reports whether a recovery pass may pick the job up again.
func (j Job) IsRecoverable() bool {
	switch j.Status {
	case JobStatusPending, JobStatusProcessing:
		return true
	case JobStatusError:
		return !j.Fatal && j.RetryCount < j.MaxRetries
	}
	return false
}

// Clone returns a deep copy safe to hand out of the scheduler.
func (j Job) Clone() Job {
	c := j
	c.ModelIDs = slices.Clone(j.ModelIDs)
	c.Materials = slices.Clone(j.Materials)
	c.FailureHistory = slices.Clone(j.FailureHistory)
	c.CompletedUnits = slices.Clone(j.CompletedUnits)
	c.FailedUnits = slices.Clone(j.FailedUnits)
	c.SkippedUnits = slices.Clone(j.SkippedUnits)
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return c
}

// Units expands the job into its ordered work units, models outermost.
func (j Job) Units() []WorkUnit {
	units := make([]WorkUnit, 0, len(j.ModelIDs)*len(j.Materials))
	for _, model := range j.ModelIDs {
		for _, material := range j.Materials {
			units = append(units, WorkUnit{
				JobID:    j.ID,
				ModelID:  model,
				Material: material,
				Index:    len(units),
			})
		}
	}
	return units
}

// ComputeProgress returns floor(100 * processed / total).
func ComputeProgress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return 100 * processed / total
}

// WorkUnit is one (model, material) pair rendered as an atomic step.
type WorkUnit struct {
	JobID    JobID  `json:"job_id"`
	ModelID  string `json:"model_id"`
	Material string `json:"material"`
	Index    int    `json:"index"`
}

// Key identifies the unit inside its job.
func (u WorkUnit) Key() string {
	return UnitKey(u.ModelID, u.Material)
}

func UnitKey(model, material string) string {
	return fmt.Sprintf("%s:%s", model, material)
}

// SubmitRequest is what callers hand to the scheduler.
type SubmitRequest struct {
	JobID     string   `json:"job_id"`
	ModelIDs  []string `json:"model_ids"`
	Materials []string `json:"materials"`
	Priority  *int     `json:"priority,omitempty"`
}

// Metrics is the scheduler's aggregate view.
type Metrics struct {
	TotalJobs           int    `json:"total_jobs"`
	CompletedJobs       int    `json:"completed_jobs"`
	FailedJobs          int    `json:"failed_jobs"`
	ActiveJobs          int    `json:"active_jobs"`
	QueueSize           int    `json:"queue_size"`
	CircuitBreakerState string `json:"circuit_breaker_state"`

	CircuitBreakerFailures int `json:"circuit_breaker_failures"`
}

// JobStatistics summarizes what the persistence store holds.
type JobStatistics struct {
	TotalPersistedJobs int `json:"total_persisted_jobs"`
	RecoverableJobs    int `json:"recoverable_jobs"`
	CompletedJobs      int `json:"completed_jobs"`
	FailedJobs         int `json:"failed_jobs"`
}

// JobState is a job together with its checkpoint history.
type JobState struct {
	Job         Job          `json:"job"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}
