package ports

import (
	"context"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// PersistenceStore abstracts durable storage for job records and checkpoints
// (DuckDB in production, in-memory in tests).
type PersistenceStore interface {
	// PersistJobState upserts the job record.
	PersistJobState(ctx context.Context, job domain.Job) error

	// LoadJobState returns the job and its checkpoint history, oldest first.
	LoadJobState(ctx context.Context, id domain.JobID) (domain.JobState, error)

	// ListJobs returns every persisted job.
	ListJobs(ctx context.Context) ([]domain.Job, error)

	// SaveCheckpoint appends a checkpoint to the job's history.
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error

	// LatestCheckpoint returns the most recent checkpoint or domain.ErrCheckpointNotFound.
	LatestCheckpoint(ctx context.Context, id domain.JobID) (domain.Checkpoint, error)

	GetJobStatistics(ctx context.Context) (domain.JobStatistics, error)
}

// EventPublisher delivers job events to whatever transport the caller wires in.
// Publish must not block: the scheduler may call it while holding its lock.
type EventPublisher interface {
	Publish(channel string, event domain.JobEvent)
}

// GenerationOperation renders one work unit. It is opaque to the engine and
// may fail; failures wrapped with domain.NonRetryable are not retried.
// A render that runs for a long time should call domain.Beat(ctx) while it
// waits so the scheduler does not treat its worker as stale.
type GenerationOperation interface {
	Render(ctx context.Context, unit domain.WorkUnit) error
}

// ResourceProbe measures one host. Each method may fail independently.
type ResourceProbe interface {
	Memory(ctx context.Context) (used, total uint64, err error)
	Disk(ctx context.Context, path string) (used, total uint64, err error)
	ProcessCount(ctx context.Context) (int, error)
	CPU(ctx context.Context) (usage float64, load []float64, err error)
}

// SettingsRepository is the minimal store for persisted runtime settings.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
