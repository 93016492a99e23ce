package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, ch <-chan domain.JobEvent, until domain.EventType) []domain.JobEvent {
	t.Helper()
	var events []domain.JobEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
			if e.Type == until {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event, got %v", until, eventTypes(events))
			return nil
		}
	}
}

func eventTypes(events []domain.JobEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func unitKeys(units []domain.WorkUnit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Key())
	}
	return out
}

func TestJobScheduler_Submit_Validation(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})

	tests := []struct {
		name  string
		req   domain.SubmitRequest
		field string
	}{
		{"empty id", domain.SubmitRequest{ModelIDs: []string{"m1"}}, "jobId"},
		{"no models", domain.SubmitRequest{JobID: "job-1"}, "modelIds"},
		{"blank model", domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m1", ""}}, "modelIds"},
		{"blank material", domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m1"}, Materials: []string{""}}, "materials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.scheduler.Submit(context.Background(), tt.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := h.store.LoadJobState(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobScheduler_Submit_Defaults(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})

	job := h.submit(t, "job-1", []string{"ring-01", "ring-02"}, nil)

	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, []string{"gold"}, job.Materials)
	assert.Equal(t, domain.DefaultJobPriority, job.Priority)
	assert.Equal(t, 2, job.TotalModels)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Zero(t, job.Progress)
	assert.Equal(t, uint64(1), job.Sequence)

	state, err := h.store.LoadJobState(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, state.Job.Status)
	assert.Equal(t, 1, h.scheduler.GetMetrics().QueueSize)
}

func TestJobScheduler_Submit_Duplicate(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.submit(t, "job-1", []string{"m1"}, nil)

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m2"}})
	var dup *domain.DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, domain.JobID("job-1"), dup.JobID)

	// A finished job id may be reused.
	require.True(t, h.scheduler.Cancel(context.Background(), "job-1"))
	again := h.submit(t, "job-1", []string{"m2"}, nil)
	assert.Equal(t, domain.JobStatusPending, again.Status)
	assert.Equal(t, uint64(2), again.Sequence)
}

func TestJobScheduler_Submit_ResourcesCritical(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.monitor.Set(domain.ResourceSnapshot{
		Memory: domain.UsageStat{Percentage: 97, IsOverLimit: true},
		Level:  domain.PressureCritical,
	})

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m1"}})
	var rerr *domain.ResourceExhaustedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.PressureCritical, rerr.Level)
	assert.True(t, rerr.Snapshot.Memory.IsOverLimit)

	_, err = h.store.LoadJobState(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	// High pressure still admits.
	h.monitor.Set(domain.ResourceSnapshot{Level: domain.PressureHigh})
	h.submit(t, "job-1", []string{"m1"}, nil)
}

func TestJobScheduler_Submit_QueueFull(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxQueueSize = 2
	h := newHarness(t, cfg, &scriptedRenderer{})

	h.submit(t, "job-1", []string{"m1"}, nil)
	h.submit(t, "job-2", []string{"m1"}, nil)

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-3", ModelIDs: []string{"m1"}})
	var qerr *domain.QueueFullError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 2, qerr.Capacity)
}

func TestJobScheduler_Submit_CircuitOpen(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.breaker.cfg.FailureThreshold = 1
	h.breaker.RecordFailure()

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m1"}})
	var cerr *domain.CircuitOpenError
	require.ErrorAs(t, err, &cerr)
	assert.Positive(t, cerr.RetryAfter)
}

func TestJobScheduler_Submit_PersistFailure(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.store.FailPersist(errors.New("disk full"))

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-1", ModelIDs: []string{"m1"}})
	require.ErrorContains(t, err, "disk full")

	h.store.FailPersist(nil)
	_, err = h.scheduler.GetJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Zero(t, h.scheduler.GetMetrics().QueueSize)

	h.submit(t, "job-1", []string{"m1"}, nil)
}

func TestJobScheduler_CancelPending(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-1"))
	defer unsub()

	h.submit(t, "job-1", []string{"m1"}, nil)

	assert.True(t, h.scheduler.Cancel(context.Background(), "job-1"))
	assert.False(t, h.scheduler.Cancel(context.Background(), "job-1"))
	assert.False(t, h.scheduler.Cancel(context.Background(), "missing"))

	job, err := h.scheduler.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.EndTime)
	assert.Zero(t, h.scheduler.GetMetrics().QueueSize)

	got := collectEvents(t, events, domain.EventCancelled)
	assert.Equal(t, []domain.EventType{domain.EventEnqueued, domain.EventCancelled}, eventTypes(got))

	state, err := h.store.LoadJobState(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, state.Job.Status)
}

func TestJobScheduler_CompletesAllUnits(t *testing.T) {
	renderer := &scriptedRenderer{}
	h := newHarness(t, testGenerationConfig(), renderer)
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-1"))
	defer unsub()
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2"}, []string{"gold", "silver"})

	got := collectEvents(t, events, domain.EventCompleted)
	assert.Equal(t, []domain.EventType{
		domain.EventEnqueued,
		domain.EventStarted,
		domain.EventProgressed,
		domain.EventProgressed,
		domain.EventProgressed,
		domain.EventProgressed,
		domain.EventCompleted,
	}, eventTypes(got))

	var progress []int
	for _, e := range got {
		if e.Type == domain.EventProgressed {
			progress = append(progress, e.Progress)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, progress)
	assert.IsNonDecreasing(t, progress)

	job := h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 4, job.ProcessedModels)
	assert.Equal(t, []string{"m1:gold", "m1:silver", "m2:gold", "m2:silver"}, job.CompletedUnits)
	assert.Equal(t, job.CompletedUnits, unitKeys(renderer.Calls()))
	assert.Zero(t, job.RetryCount)
	require.NotNil(t, job.EndTime)

	cp, ok, err := h.checkpoints.GetLatestCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, cp.Progress)
	assert.Equal(t, true, cp.Metadata["terminal"])
	assert.Equal(t, "completed", cp.Metadata["status"])
	assert.False(t, h.checkpoints.HasTimer("job-1"))

	m := h.scheduler.GetMetrics()
	assert.Equal(t, 1, m.TotalJobs)
	assert.Equal(t, 1, m.CompletedJobs)
	assert.Zero(t, m.ActiveJobs)
	assert.Zero(t, m.QueueSize)
	assert.Equal(t, "closed", m.CircuitBreakerState)
}

func TestJobScheduler_RendersEveryUnitOnce(t *testing.T) {
	renderer := new(MockRenderer)
	for _, model := range []string{"m1", "m2"} {
		renderer.On("Render", mock.Anything, mock.MatchedBy(func(u domain.WorkUnit) bool {
			return u.ModelID == model && u.Material == "gold"
		})).Return(nil).Once()
	}

	h := newHarness(t, testGenerationConfig(), renderer)
	h.start(t)
	h.submit(t, "job-1", []string{"m1", "m2"}, nil)

	h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	renderer.AssertExpectations(t)
	renderer.AssertNumberOfCalls(t, "Render", 2)
}

func TestJobScheduler_RetriesUntilExhausted(t *testing.T) {
	renderer := &scriptedRenderer{fn: func(context.Context, domain.WorkUnit, int) error {
		return errRenderer
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-1"))
	defer unsub()
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2"}, nil)

	got := collectEvents(t, events, domain.EventErrored)
	retrying := 0
	for _, e := range got {
		if e.Type == domain.EventRetrying {
			retrying++
		}
	}
	assert.Equal(t, 3, retrying)

	job := h.waitStatus(t, "job-1", domain.JobStatusError)
	assert.Equal(t, 3, job.RetryCount)
	assert.Len(t, job.FailureHistory, 4)
	assert.Len(t, renderer.Calls(), 4)
	assert.False(t, job.Fatal)
	assert.True(t, job.IsTerminal())
	assert.Contains(t, job.LastError, errRenderer.Error())
	assert.Equal(t, []string{"m1:gold"}, job.FailedUnits)

	plan, err := h.scheduler.Recover(context.Background(), "job-1", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
	assert.Equal(t, ReasonRetriesExhausted, plan.Reason)
	var limit *domain.RetryLimitExceededError
	require.ErrorAs(t, plan.Error, &limit)
	assert.Equal(t, 3, limit.RetryCount)

	plan, err = h.planner.RecoverJob(context.Background(), "job-1", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
}

func TestJobScheduler_RetryResumesAfterCompletedUnits(t *testing.T) {
	renderer := &scriptedRenderer{fn: func(_ context.Context, unit domain.WorkUnit, attempt int) error {
		if unit.ModelID == "m2" && attempt == 2 {
			return errRenderer
		}
		return nil
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2", "m3"}, nil)

	job := h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, []string{"m1:gold", "m2:gold", "m2:gold", "m3:gold"}, unitKeys(renderer.Calls()))
	assert.Equal(t, []string{"m1:gold", "m2:gold", "m3:gold"}, job.CompletedUnits)
	require.Len(t, job.FailureHistory, 1)
	assert.Equal(t, "m2:gold", job.FailureHistory[0].Unit)
}

func TestJobScheduler_NonRetryableFailsImmediately(t *testing.T) {
	renderer := &scriptedRenderer{fn: func(_ context.Context, unit domain.WorkUnit, _ int) error {
		return fmt.Errorf("model %s: %w", unit.ModelID, domain.NonRetryable(domain.ErrMissingInput))
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-1"))
	defer unsub()
	h.start(t)

	h.submit(t, "job-1", []string{"m1"}, nil)

	got := collectEvents(t, events, domain.EventErrored)
	assert.Contains(t, got[len(got)-1].Error, domain.ErrMissingInput.Error())

	job := h.waitStatus(t, "job-1", domain.JobStatusError)
	assert.True(t, job.Fatal)
	assert.Zero(t, job.RetryCount)
	assert.True(t, job.IsTerminal())
	assert.Len(t, renderer.Calls(), 1)

	plan, err := h.scheduler.Recover(context.Background(), "job-1", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
	assert.Equal(t, ReasonNonRetryableFailed, plan.Reason)
}

func TestJobScheduler_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	renderer := &scriptedRenderer{fn: func(context.Context, domain.WorkUnit, int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	h.start(t)

	for i := range 5 {
		h.submit(t, fmt.Sprintf("job-%d", i), []string{"m1", "m2"}, nil)
	}
	for i := range 5 {
		h.waitStatus(t, domain.JobID(fmt.Sprintf("job-%d", i)), domain.JobStatusCompleted)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestJobScheduler_DispatchesByPriorityThenSubmission(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxConcurrentJobs = 1
	renderer := &scriptedRenderer{}
	h := newHarness(t, cfg, renderer)

	submit := func(id string, priority *int) {
		_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{
			JobID: id, ModelIDs: []string{"m1"}, Priority: priority,
		})
		require.NoError(t, err)
	}
	submit("low", intPtr(9))
	submit("urgent-a", intPtr(1))
	submit("normal", nil)
	submit("urgent-b", intPtr(1))

	h.start(t)
	h.waitStatus(t, "low", domain.JobStatusCompleted)

	var order []domain.JobID
	for _, u := range renderer.Calls() {
		order = append(order, u.JobID)
	}
	assert.Equal(t, []domain.JobID{"urgent-a", "urgent-b", "normal", "low"}, order)
}

func TestJobScheduler_CancelProcessing(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, attempt int) error {
		if attempt == 1 {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-1"))
	defer unsub()
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2", "m3"}, nil)
	<-started
	h.waitStatus(t, "job-1", domain.JobStatusProcessing)

	plan, err := h.scheduler.Recover(context.Background(), "job-1", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
	assert.Equal(t, ReasonStillProcessing, plan.Reason)

	assert.True(t, h.scheduler.Cancel(context.Background(), "job-1"))
	assert.False(t, h.scheduler.Cancel(context.Background(), "job-1"))
	close(release)

	job := h.waitStatus(t, "job-1", domain.JobStatusCancelled)
	assert.Len(t, renderer.Calls(), 1)
	assert.Equal(t, []string{"m1:gold"}, job.CompletedUnits)

	got := collectEvents(t, events, domain.EventCancelled)
	assert.Equal(t, domain.EventCancelled, got[len(got)-1].Type)
	assert.False(t, h.checkpoints.HasTimer("job-1"))
}

func TestJobScheduler_StaleWorkerIsRetried(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, attempt int) error {
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	h := newHarness(t, cfg, renderer)
	h.start(t)

	h.submit(t, "job-1", []string{"m1"}, nil)

	job := h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Equal(t, 1, job.RetryCount)
	require.Len(t, job.FailureHistory, 1)
	assert.Contains(t, job.FailureHistory[0].Error, ErrStaleWorker.Error())
	assert.Len(t, renderer.Calls(), 2)
}

func TestJobScheduler_ShutdownLeavesJobRecoverable(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, _ int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, testGenerationConfig(), blocking)
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2"}, nil)
	<-started
	require.Eventually(t, func() bool {
		return h.store.CheckpointCount("job-1") > 0
	}, 2*time.Second, 5*time.Millisecond, "periodic checkpoint never written")

	h.stop()

	state, err := h.store.LoadJobState(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, state.Job.Status)
	assert.Zero(t, h.checkpoints.ActiveTimers())

	renderer := &scriptedRenderer{}
	restarted := newHarnessWithStore(t, testGenerationConfig(), renderer, h.store)
	n, err := restarted.scheduler.RecoverPersisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restarted.start(t)

	job := restarted.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Zero(t, job.RetryCount)
	assert.Equal(t, []string{"m1:gold", "m2:gold"}, unitKeys(renderer.Calls()))
}

func seedJob(t *testing.T, h *harness, job domain.Job, checkpoints ...domain.Checkpoint) {
	t.Helper()
	require.NoError(t, h.store.PersistJobState(context.Background(), job))
	for _, cp := range checkpoints {
		require.NoError(t, h.store.SaveCheckpoint(context.Background(), cp))
	}
}

// persistedJob is a three-unit job record as a previous process leaves it.
func persistedJob(id domain.JobID, status domain.JobStatus, started time.Time) domain.Job {
	return domain.Job{
		ID:              id,
		Status:          status,
		ModelIDs:        []string{"m1", "m2", "m3"},
		Materials:       []string{"gold"},
		Priority:        domain.DefaultJobPriority,
		Progress:        33,
		TotalModels:     3,
		MaxRetries:      3,
		FailureHistory:  []domain.FailureRecord{},
		CompletedUnits:  []string{"m1:gold"},
		ProcessedModels: 1,
		Sequence:        4,
		Version:         9,
		StartTime:       started,
		UpdatedAt:       started.Add(time.Minute),
	}
}

func TestJobScheduler_RecoverResumesInterruptedJob(t *testing.T) {
	blocked := make(chan struct{}, 1)
	first := &scriptedRenderer{fn: func(ctx context.Context, unit domain.WorkUnit, _ int) error {
		if unit.ModelID != "m2" {
			return nil
		}
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, testGenerationConfig(), first)
	h.start(t)
	h.submit(t, "job-r", []string{"m1", "m2", "m3"}, nil)
	<-blocked
	h.stop()

	state, err := h.store.LoadJobState(context.Background(), "job-r")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusProcessing, state.Job.Status)
	assert.Equal(t, []string{"m1:gold"}, state.Job.CompletedUnits)

	renderer := &scriptedRenderer{}
	restarted := newHarnessWithStore(t, testGenerationConfig(), renderer, h.store)
	restarted.start(t)

	plan, err := restarted.scheduler.Recover(context.Background(), "job-r", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	require.True(t, plan.CanRecover, plan.Reason)
	assert.True(t, plan.ResumeFromCheckpoint)
	assert.Equal(t, 1, plan.ResumeIndex)
	assert.Empty(t, plan.SkipUnits)
	require.NotNil(t, plan.Checkpoint)
	assert.Equal(t, []string{"m1:gold"}, plan.Checkpoint.CompletedModels)

	job := restarted.waitStatus(t, "job-r", domain.JobStatusCompleted)
	assert.Zero(t, job.RetryCount)
	assert.Equal(t, 1, job.RecoveryAttempts)
	assert.Equal(t, []string{"m2:gold", "m3:gold"}, unitKeys(renderer.Calls()))
	assert.Equal(t, 100, job.Progress)
}

func TestJobScheduler_RecoverSkipsFailedUnits(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.RetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	first := &scriptedRenderer{fn: func(_ context.Context, unit domain.WorkUnit, _ int) error {
		if unit.ModelID == "m2" {
			return errRenderer
		}
		return nil
	}}
	h := newHarness(t, cfg, first)
	h.start(t)
	h.submit(t, "job-r", []string{"m1", "m2", "m3"}, nil)

	// The retry waits out its delay in the queue when the process stops.
	require.Eventually(t, func() bool {
		state, err := h.store.LoadJobState(context.Background(), "job-r")
		return err == nil && state.Job.Status == domain.JobStatusPending && state.Job.RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.stop()

	renderer := &scriptedRenderer{}
	restarted := newHarnessWithStore(t, testGenerationConfig(), renderer, h.store)
	restarted.start(t)

	plan, err := restarted.scheduler.Recover(context.Background(), "job-r", domain.RecoveryOptions{
		ResumeFromLastCheckpoint: true,
		SkipFailedSteps:          true,
		MaxRecoveryAttempts:      3,
	})
	require.NoError(t, err)
	require.True(t, plan.CanRecover, plan.Reason)
	assert.Equal(t, []string{"m2:gold"}, plan.SkipUnits)
	assert.Equal(t, 2, plan.ResumeIndex)

	job := restarted.waitStatus(t, "job-r", domain.JobStatusCompleted)
	assert.Equal(t, []string{"m3:gold"}, unitKeys(renderer.Calls()))
	assert.Equal(t, []string{"m2:gold"}, job.SkippedUnits)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 1, job.RecoveryAttempts)
	assert.Equal(t, 100, job.Progress)
}

func TestJobScheduler_RecoverUnknownJob(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})

	_, err := h.scheduler.Recover(context.Background(), "missing", domain.DefaultRecoveryOptions())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobScheduler_RecoverPendingJobIsRefused(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.submit(t, "job-1", []string{"m1"}, nil)

	plan, err := h.scheduler.Recover(context.Background(), "job-1", domain.DefaultRecoveryOptions())
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
	assert.Equal(t, ReasonAlreadyQueued, plan.Reason)
}

func TestJobScheduler_RecoverPersisted(t *testing.T) {
	renderer := &scriptedRenderer{}
	h := newHarness(t, testGenerationConfig(), renderer)
	started := time.Now().Add(-time.Hour)

	seedJob(t, h, persistedJob("job-p", domain.JobStatusProcessing, started), domain.Checkpoint{
		ID:              "cp-p",
		JobID:           "job-p",
		Progress:        66,
		CompletedModels: []string{"m1:gold", "m2:gold"},
		Timestamp:       started.Add(2 * time.Minute),
	})

	done := persistedJob("job-c", domain.JobStatusCompleted, started)
	done.Sequence = 2
	seedJob(t, h, done)

	exhausted := persistedJob("job-e", domain.JobStatusError, started)
	exhausted.Sequence = 3
	exhausted.RetryCount = 3
	exhausted.LastError = "renderer unavailable"
	seedJob(t, h, exhausted)

	n, err := h.scheduler.RecoverPersisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.scheduler.RecoverPersisted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.start(t)
	job := h.waitStatus(t, "job-p", domain.JobStatusCompleted)
	assert.Equal(t, []string{"m3:gold"}, unitKeys(renderer.Calls()))
	assert.Zero(t, job.RetryCount)

	completed, err := h.scheduler.GetJob(context.Background(), "job-c")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)

	errored, err := h.scheduler.GetJob(context.Background(), "job-e")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, errored.Status)
}

func TestJobScheduler_RecoverPersistedIgnoresOlderCheckpoint(t *testing.T) {
	renderer := &scriptedRenderer{}
	h := newHarness(t, testGenerationConfig(), renderer)
	started := time.Now().Add(-time.Minute)

	job := persistedJob("job-p", domain.JobStatusProcessing, started)
	job.CompletedUnits = []string{}
	job.ProcessedModels = 0
	job.Progress = 0
	seedJob(t, h, job, domain.Checkpoint{
		ID:              "cp-old",
		JobID:           "job-p",
		CompletedModels: []string{"m1:gold", "m2:gold"},
		Timestamp:       started.Add(-time.Hour),
	})

	n, err := h.scheduler.RecoverPersisted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.start(t)

	h.waitStatus(t, "job-p", domain.JobStatusCompleted)
	assert.Equal(t, []string{"m1:gold", "m2:gold", "m3:gold"}, unitKeys(renderer.Calls()))
}

func TestJobScheduler_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxRetries = 0
	renderer := &scriptedRenderer{fn: func(context.Context, domain.WorkUnit, int) error {
		return errRenderer
	}}
	h := newHarness(t, cfg, renderer)
	h.breaker.cfg.FailureThreshold = 2
	h.start(t)

	h.submit(t, "job-a", []string{"m1"}, nil)
	h.waitStatus(t, "job-a", domain.JobStatusError)
	assert.Equal(t, BreakerClosed, h.breaker.State())

	h.submit(t, "job-b", []string{"m1"}, nil)
	h.waitStatus(t, "job-b", domain.JobStatusError)
	assert.Equal(t, BreakerOpen, h.breaker.State())

	_, err := h.scheduler.Submit(context.Background(), domain.SubmitRequest{JobID: "job-c", ModelIDs: []string{"m1"}})
	var cerr *domain.CircuitOpenError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, "open", h.scheduler.GetMetrics().CircuitBreakerState)
}

func TestJobScheduler_ListJobsAndStatistics(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	old := persistedJob("old", domain.JobStatusCompleted, time.Now().Add(-time.Hour))
	old.Sequence = 1
	seedJob(t, h, old)

	h.submit(t, "new", []string{"m1"}, nil)

	jobs, err := h.scheduler.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobID("old"), jobs[0].ID)
	assert.Equal(t, domain.JobID("new"), jobs[1].ID)

	stats, err := h.scheduler.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatistics{
		TotalPersistedJobs: 2,
		RecoverableJobs:    1,
		CompletedJobs:      1,
	}, stats)
}

func TestJobScheduler_RetriesInPlaceWhenQueueIsFull(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.MaxQueueSize = 1
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, attempt int) error {
		if attempt != 1 {
			return nil
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return errRenderer
	}}
	h := newHarness(t, cfg, renderer)
	events, unsub := h.bus.Subscribe(domain.JobChannel("job-a"))
	defer unsub()
	h.start(t)

	h.submit(t, "job-a", []string{"m1"}, nil)
	<-started
	h.submit(t, "job-b", []string{"m1"}, nil)
	close(release)

	got := collectEvents(t, events, domain.EventCompleted)
	assert.Equal(t, []domain.EventType{
		domain.EventEnqueued,
		domain.EventStarted,
		domain.EventRetrying,
		domain.EventProgressed,
		domain.EventCompleted,
	}, eventTypes(got))
	assert.Equal(t, domain.JobStatusProcessing, got[2].Status)

	job := h.waitStatus(t, "job-a", domain.JobStatusCompleted)
	assert.Equal(t, 1, job.RetryCount)
	h.waitStatus(t, "job-b", domain.JobStatusCompleted)

	// job-a kept its slot, so job-b only ran after it finished.
	var order []domain.JobID
	for _, u := range renderer.Calls() {
		order = append(order, u.JobID)
	}
	assert.Equal(t, []domain.JobID{"job-a", "job-a", "job-b"}, order)
}

func TestJobScheduler_HalfOpenDispatchesSingleTrialJob(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxConcurrentJobs = 3
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, attempt int) error {
		if attempt != 1 {
			return nil
		}
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	h := newHarness(t, cfg, renderer)
	h.breaker.cfg.FailureThreshold = 1
	h.breaker.cfg.CoolDown = 50 * time.Millisecond

	ids := []domain.JobID{"job-a", "job-b", "job-c"}
	for _, id := range ids {
		h.submit(t, string(id), []string{"m1"}, nil)
	}
	h.breaker.RecordFailure()
	require.Equal(t, BreakerOpen, h.breaker.State())
	h.start(t)

	<-started
	assert.Never(t, func() bool {
		return len(renderer.Calls()) > 1
	}, 100*time.Millisecond, 5*time.Millisecond, "more than one job dispatched while half-open")
	m := h.scheduler.GetMetrics()
	assert.Equal(t, 1, m.ActiveJobs)
	assert.Equal(t, 2, m.QueueSize)
	assert.Equal(t, "half-open", m.CircuitBreakerState)

	close(release)
	for _, id := range ids {
		h.waitStatus(t, id, domain.JobStatusCompleted)
	}
	assert.Equal(t, BreakerClosed, h.breaker.State())
	assert.Len(t, renderer.Calls(), 3)
}

func TestJobScheduler_HalfOpenFailureReopens(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.MaxRetries = 0
	renderer := &scriptedRenderer{fn: func(context.Context, domain.WorkUnit, int) error {
		return errRenderer
	}}
	h := newHarness(t, cfg, renderer)
	h.breaker.cfg.FailureThreshold = 1
	h.breaker.cfg.CoolDown = time.Hour

	h.submit(t, "job-a", []string{"m1"}, nil)
	h.submit(t, "job-b", []string{"m1"}, nil)
	h.breaker.RecordFailure()
	// cool-down already over
	h.breaker.openedAt = time.Now().Add(-2 * time.Hour)
	h.start(t)

	h.waitStatus(t, "job-a", domain.JobStatusError)
	assert.Equal(t, BreakerOpen, h.breaker.State())
	assert.Never(t, func() bool {
		return len(renderer.Calls()) > 1
	}, 60*time.Millisecond, 5*time.Millisecond)

	job, err := h.scheduler.GetJob(context.Background(), "job-b")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

func TestJobScheduler_ShutdownReturnsHalfOpenSlot(t *testing.T) {
	blocked := make(chan struct{}, 1)
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, _ int) error {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, testGenerationConfig(), renderer)
	h.breaker.cfg.FailureThreshold = 1
	h.breaker.cfg.CoolDown = 20 * time.Millisecond

	h.submit(t, "job-a", []string{"m1"}, nil)
	h.breaker.RecordFailure()
	h.start(t)
	<-blocked

	allowed, _ := h.breaker.AllowDispatch()
	assert.False(t, allowed, "a second job was allowed while the first is unresolved")

	h.stop()
	allowed, trial := h.breaker.AllowDispatch()
	assert.True(t, allowed)
	assert.True(t, trial)
}

func TestJobScheduler_HeartbeatKeepsLongUnitAlive(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.StaleAfter = 60 * time.Millisecond
	renderer := &scriptedRenderer{fn: func(ctx context.Context, _ domain.WorkUnit, _ int) error {
		for range 15 {
			time.Sleep(10 * time.Millisecond)
			domain.Beat(ctx)
		}
		return nil
	}}
	h := newHarness(t, cfg, renderer)
	h.start(t)

	h.submit(t, "job-1", []string{"m1", "m2"}, nil)

	job := h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, job.FailureHistory)
	assert.Len(t, renderer.Calls(), 2)
}

func TestJobScheduler_FailOfReplacedRunIsIgnored(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.submit(t, "job-1", []string{"m1"}, nil)

	replaced := &run{jobID: "job-1", cancel: func() {}}
	h.scheduler.fail(replaced, nil, errRenderer)

	assert.Zero(t, h.breaker.Failures())
	job, err := h.scheduler.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Empty(t, job.FailureHistory)
}

func TestJobScheduler_DelayedRetryWakesDispatch(t *testing.T) {
	cfg := testGenerationConfig()
	cfg.DispatchInterval = time.Hour
	cfg.RetryDelay = 30 * time.Millisecond
	renderer := &scriptedRenderer{fn: func(_ context.Context, _ domain.WorkUnit, attempt int) error {
		if attempt == 1 {
			return errRenderer
		}
		return nil
	}}
	h := newHarness(t, cfg, renderer)
	h.start(t)

	h.submit(t, "job-1", []string{"m1"}, nil)

	job := h.waitStatus(t, "job-1", domain.JobStatusCompleted)
	assert.Equal(t, 1, job.RetryCount)
	assert.Len(t, renderer.Calls(), 2)
}

func TestJobScheduler_FinishedJobsLeaveMemory(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	ctx := context.Background()

	h.submit(t, "job-2", []string{"m1"}, nil)
	require.True(t, h.scheduler.Cancel(ctx, "job-2"))
	h.start(t)
	h.submit(t, "job-1", []string{"m1"}, nil)

	require.Eventually(t, func() bool {
		h.scheduler.mu.Lock()
		defer h.scheduler.mu.Unlock()
		return len(h.scheduler.jobs) == 0
	}, 2*time.Second, 5*time.Millisecond, "finished jobs stayed in memory")

	job, err := h.scheduler.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.False(t, h.scheduler.Cancel(ctx, "job-2"))

	jobs, err := h.scheduler.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	m := h.scheduler.GetMetrics()
	assert.Equal(t, 2, m.TotalJobs)
	assert.Equal(t, 1, m.CompletedJobs)
	assert.Zero(t, m.FailedJobs)

	// A late write from an old worker cannot overwrite the terminal record.
	stale := job
	stale.Status = domain.JobStatusProcessing
	stale.Version = job.Version - 1
	require.NoError(t, h.scheduler.persist(ctx, stale))
	state, err := h.store.LoadJobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, state.Job.Status)

	h.stop()
	h.scheduler.now = func() time.Time { return time.Now().Add(2 * evictedRetention) }
	h.scheduler.pruneEvicted()

	h.scheduler.persistMu.Lock()
	defer h.scheduler.persistMu.Unlock()
	assert.Empty(t, h.scheduler.persisted)
	assert.Empty(t, h.scheduler.evicted)
}

func TestJobScheduler_ResetCircuitBreaker(t *testing.T) {
	h := newHarness(t, testGenerationConfig(), &scriptedRenderer{})
	h.breaker.cfg.FailureThreshold = 3

	h.breaker.RecordFailure()
	h.breaker.RecordFailure()
	assert.Equal(t, 2, h.scheduler.GetMetrics().CircuitBreakerFailures)
	h.breaker.RecordFailure()
	require.Equal(t, BreakerOpen, h.breaker.State())

	m := h.scheduler.ResetCircuitBreaker()
	assert.Equal(t, "closed", m.CircuitBreakerState)
	assert.Zero(t, m.CircuitBreakerFailures)
	h.submit(t, "job-1", []string{"m1"}, nil)
}
