package domain

// RecoveryOptions tune how a failed job is resumed.
type RecoveryOptions struct {
	ResumeFromLastCheckpoint bool `json:"resume_from_last_checkpoint"`
	SkipFailedSteps          bool `json:"skip_failed_steps"`
	RetryFailedSteps         bool `json:"retry_failed_steps"`
	MaxRecoveryAttempts      int  `json:"max_recovery_attempts"`
}

// DefaultRecoveryOptions resumes from the checkpoint and retries failed units.
func DefaultRecoveryOptions() RecoveryOptions {
	return RecoveryOptions{
		ResumeFromLastCheckpoint: true,
		RetryFailedSteps:         true,
		MaxRecoveryAttempts:      3,
	}
}

// RecoveryPlan is the planner's decision for one job.
type RecoveryPlan struct {
	JobID                JobID       `json:"job_id"`
	CanRecover           bool        `json:"can_recover"`
	Reason               string      `json:"reason,omitempty"`
	Error                error       `json:"-"`
	ResumeFromCheckpoint bool        `json:"resume_from_checkpoint"`
	ResumeIndex          int         `json:"resume_index"`
	SkipUnits            []string    `json:"skip_units,omitempty"`
	MaxRecoveryAttempts  int         `json:"max_recovery_attempts"`
	Checkpoint           *Checkpoint `json:"checkpoint,omitempty"`
}

// RetryDecision is the outcome of applying the retry policy to one failure.
type RetryDecision struct {
	Retry  bool
	Reason string
}
