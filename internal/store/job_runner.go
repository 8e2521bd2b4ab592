package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxJobBackoff bounds the delay between retries of a failing job.
const MaxJobBackoff = time.Hour

// JobHandler executes one job's payload. A returned error schedules a retry.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs and dispatches them to handlers
// registered per kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
	now            func() time.Time
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		baseBackoff:    30 * time.Second,
		now:            time.Now,
	}
}

// RegisterHandler registers a handler for a job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process died.
// Call once at startup before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(r.now().Add(-r.staleThreshold))
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes one batch of due jobs. It returns the number
// of jobs that completed successfully.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}
	done := 0
	for _, job := range jobs {
		if r.execute(ctx, job, now) {
			done++
		}
	}
	return done
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) bool {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	var runErr error
	retryAt := now.Add(time.Minute)
	if !ok {
		runErr = fmt.Errorf("no handler registered for kind: %s", job.Kind)
	} else {
		slog.Debug("JobRunner.execute: running", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		runErr = handler(ctx, job.PayloadJSON)
		retryAt = now.Add(r.retryDelay(job.Attempt))
	}

	if runErr != nil {
		slog.Warn("JobRunner.execute: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "retryAt", retryAt, "error", runErr)
		if err := r.repo.FailJob(job.ID, runErr.Error(), retryAt); err != nil {
			slog.Error("JobRunner.execute: recording failure", "id", job.ID, "error", err)
		}
		return false
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: recording completion", "id", job.ID, "error", err)
		return false
	}
	return true
}

// retryDelay doubles baseBackoff per attempt, capped at MaxJobBackoff.
func (r *JobRunner) retryDelay(attempt int) time.Duration {
	d := r.baseBackoff
	for i := 0; i < attempt && d < MaxJobBackoff; i++ {
		d *= 2
	}
	return min(d, MaxJobBackoff)
}
