// Package campaign runs SHORA's bulk traffic: scheduled broadcasts, the
// daily tip, re-engagement nudges, inactivity cleanup and supervisor
// reminders. Every send goes through the dispatcher's bulk lane.
package campaign

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// Defaults mirror the pacing the channel tolerates for bulk traffic.
const (
	DefaultTextDelay       = 500 * time.Millisecond
	DefaultAudioDelay      = time.Second
	DefaultInactiveAfter   = 7 * 24 * time.Hour
	DefaultCleanupAfter    = 30 * 24 * time.Hour
	DefaultDedupRetention  = 7 * 24 * time.Hour
	DefaultReminderAge     = 24 * time.Hour
	DefaultStaleSending    = 15 * time.Minute
	DefaultBroadcastBatch  = 20
	cohortDailyTip         = "daily_tip"
	cohortReengagement     = "reengagement"
	cohortBroadcastMessage = "broadcast"
)

// ErrNotPending is returned by Execute when the job was already claimed or finished.
var ErrNotPending = errors.New("broadcast is not pending")

// Sender delivers one message and reports the outcome.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) models.DeliveryResult
}

// Reminder pings supervisors about unresolved incidents.
type Reminder interface {
	Remind(ctx context.Context, count int) error
}

// Store is the persistence surface used by campaign jobs.
type Store interface {
	store.UserRepo
	store.IncidentRepo
	store.BroadcastRepo
	store.TipRepo
	store.DedupRepo
}

// Opts holds configuration for a Runner.
type Opts struct {
	TextDelay      time.Duration
	AudioDelay     time.Duration
	InactiveAfter  time.Duration
	CleanupAfter   time.Duration
	DedupRetention time.Duration
	ReminderAge    time.Duration
	StaleSending   time.Duration
	BroadcastBatch int
	Catalog        *templates.Catalog
	Reminder       Reminder
	Now            func() time.Time
	Rand           *rand.Rand
}

// Option configures a Runner.
type Option func(*Opts)

// WithDelays sets the pause between two recipients of a cohort.
func WithDelays(text, audio time.Duration) Option {
	return func(o *Opts) {
		o.TextDelay = text
		o.AudioDelay = audio
	}
}

// WithInactiveAfter sets how long a validated user may stay silent before a nudge.
func WithInactiveAfter(d time.Duration) Option {
	return func(o *Opts) { o.InactiveAfter = d }
}

// WithCleanupAfter sets the idle period after which users are deactivated.
func WithCleanupAfter(d time.Duration) Option {
	return func(o *Opts) { o.CleanupAfter = d }
}

// WithDedupRetention sets how long inbound message IDs are kept for
// duplicate detection before Cleanup prunes them.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// WithStaleSending sets how long a broadcast may sit in sending before
// recovery treats it as interrupted.
func WithStaleSending(d time.Duration) Option {
	return func(o *Opts) { o.StaleSending = d }
}

// WithCatalog overrides the template catalogue.
func WithCatalog(c *templates.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithReminder enables the unresolved-incident reminder.
func WithReminder(r Reminder) Option {
	return func(o *Opts) { o.Reminder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithRand sets the source used to pick tips.
func WithRand(r *rand.Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// Runner executes campaign jobs. Its methods are safe to call from
// overlapping scheduler ticks; broadcasts are guarded by a compare-and-set
// claim in the store.
type Runner struct {
	store Store
	out   Sender
	opts  Opts
}

// NewRunner creates a Runner sending through out.
func NewRunner(st Store, out Sender, opts ...Option) *Runner {
	cfg := Opts{
		TextDelay:      DefaultTextDelay,
		AudioDelay:     DefaultAudioDelay,
		InactiveAfter:  DefaultInactiveAfter,
		CleanupAfter:   DefaultCleanupAfter,
		DedupRetention: DefaultDedupRetention,
		ReminderAge:    DefaultReminderAge,
		StaleSending:   DefaultStaleSending,
		BroadcastBatch: DefaultBroadcastBatch,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = templates.Default()
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = DefaultCleanupAfter
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = DefaultDedupRetention
	}
	if cfg.StaleSending <= 0 {
		cfg.StaleSending = DefaultStaleSending
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Runner{store: st, out: out, opts: cfg}
}

func (r *Runner) delayFor(modality models.Modality) time.Duration {
	if modality == models.ModalityAudio {
		return r.opts.AudioDelay
	}
	return r.opts.TextDelay
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
