package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// PersistJobState upserts the full job record.
func (r *Repository) PersistJobState(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, priority, sequence, version, retry_count, max_retries,
		                  fatal, payload, start_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			priority    = excluded.priority,
			sequence    = excluded.sequence,
			version     = excluded.version,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			fatal       = excluded.fatal,
			payload     = excluded.payload,
			start_time  = excluded.start_time,
			updated_at  = excluded.updated_at`,
		string(job.ID),
		string(job.Status),
		job.Priority,
		job.Sequence,
		job.Version,
		job.RetryCount,
		job.MaxRetries,
		job.Fatal,
		string(payload),
		job.StartTime.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobState returns the job and its checkpoint history, oldest first.
func (r *Repository) LoadJobState(ctx context.Context, id domain.JobID) (domain.JobState, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, string(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobState{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.JobState{}, fmt.Errorf("load job %s: %w", id, err)
	}

	job, err := decodeJob(payload)
	if err != nil {
		return domain.JobState{}, err
	}

	checkpoints, err := r.listCheckpoints(ctx, id)
	if err != nil {
		return domain.JobState{}, err
	}
	return domain.JobState{Job: job, Checkpoints: checkpoints}, nil
}

// ListJobs returns every persisted job in submission order.
func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM jobs ORDER BY sequence ASC, start_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// GetJobStatistics aggregates over the persisted jobs.
func (r *Repository) GetJobStatistics(ctx context.Context) (domain.JobStatistics, error) {
	var stats domain.JobStatistics
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing')
			                  OR (status = 'error' AND NOT fatal AND retry_count < max_retries)),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'error')
		FROM jobs`).Scan(
		&stats.TotalPersistedJobs,
		&stats.RecoverableJobs,
		&stats.CompletedJobs,
		&stats.FailedJobs,
	)
	if err != nil {
		return domain.JobStatistics{}, fmt.Errorf("job statistics: %w", err)
	}
	return stats, nil
}

func decodeJob(payload string) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.CompletedUnits == nil {
		job.CompletedUnits = []string{}
	}
	if job.FailureHistory == nil {
		job.FailureHistory = []domain.FailureRecord{}
	}
	return job, nil
}
