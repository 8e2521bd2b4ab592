// Package scheduler runs SHORA's time-driven triggers.
//
// Jobs are registered with standard 5-field cron expressions evaluated in a
// configurable time zone. A job still running when its next tick fires is
// skipped, and a panicking job is recovered.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is where SHORA's construction sites are.
const DefaultTimezone = "Africa/Porto-Novo"

// Opts holds configuration for the scheduler.
type Opts struct {
	Location *time.Location
}

// Option configures the scheduler.
type Option func(*Opts)

// WithLocation evaluates cron expressions in loc.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Task is one scheduled unit of work. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// LoadLocation resolves a time zone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("scheduler.LoadLocation: unknown time zone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cron.DefaultLogger
	// Use standard 5-field cron parser (min, hour, dom, month, dow)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "cron", expr)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	start := time.Now()
	slog.Debug("Scheduler.run: starting", "job", name)
	if err := task(s.ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: finished", "job", name, "duration", time.Since(start))
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
