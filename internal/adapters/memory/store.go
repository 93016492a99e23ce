// Package memory provides an in-process PersistenceStore for tests and for
// running the engine without a database file.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

type Store struct {
	mu          sync.RWMutex
	jobs        map[domain.JobID]domain.Job
	checkpoints map[domain.JobID][]domain.Checkpoint
	settings    map[string]string

	failPersist    error
	failCheckpoint error
}

var (
	_ ports.PersistenceStore   = (*Store)(nil)
	_ ports.SettingsRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		jobs:        make(map[domain.JobID]domain.Job),
		checkpoints: make(map[domain.JobID][]domain.Checkpoint),
		settings:    make(map[string]string),
	}
}

func (s *Store) PersistJobState(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist != nil {
		return s.failPersist
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) LoadJobState(ctx context.Context, id domain.JobID) (domain.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.JobState{}, domain.ErrJobNotFound
	}
	return domain.JobState{
		Job:         job.Clone(),
		Checkpoints: slices.Clone(s.checkpoints[id]),
	}, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
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

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCheckpoint != nil {
		return s.failCheckpoint
	}
	cp.CompletedModels = slices.Clone(cp.CompletedModels)
	s.checkpoints[cp.JobID] = append(s.checkpoints[cp.JobID], cp)
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, id domain.JobID) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[id]
	if len(history) == 0 {
		return domain.Checkpoint{}, domain.ErrCheckpointNotFound
	}
	latest := history[0]
	for _, cp := range history[1:] {
		if !cp.Timestamp.Before(latest.Timestamp) {
			latest = cp
		}
	}
	return latest, nil
}

func (s *Store) GetJobStatistics(ctx context.Context) (domain.JobStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.JobStatistics
	for _, j := range s.jobs {
		stats.TotalPersistedJobs++
		if j.IsRecoverable() {
			stats.RecoverableJobs++
		}
		switch j.Status {
		case domain.JobStatusCompleted:
			stats.CompletedJobs++
		case domain.JobStatusError:
			stats.FailedJobs++
		}
	}
	return stats, nil
}

// FailPersist makes PersistJobState return err until cleared with nil.
func (s *Store) FailPersist(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPersist = err
}

// FailCheckpoints makes SaveCheckpoint return err until cleared with nil.
func (s *Store) FailCheckpoints(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCheckpoint = err
}

// CheckpointCount returns how many checkpoints are stored for id.
func (s *Store) CheckpointCount(id domain.JobID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints[id])
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *Store) SaveSetting(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
