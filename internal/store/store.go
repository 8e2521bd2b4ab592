// Package store provides storage backends for ShoraBot.
//
// It includes an in-memory store for tests and single-process use, and
// SQLite and PostgreSQL backends sharing one SQL implementation.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrStaleTransition is returned when a compare-and-set status update
	// finds the row in an unexpected status.
	ErrStaleTransition = errors.New("stale status transition")
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the data source name (file path for SQLite, URL or key/value DSN for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(path string) Option { return WithDSN(path) }

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType returns "postgres" for Postgres connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// libpq key=value form, e.g. "host=localhost dbname=shora"
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(dsn, key) && !strings.Contains(dsn, "?") {
			return "postgres"
		}
	}
	return "sqlite3"
}

// UserRepo persists user profiles.
type UserRepo interface {
	GetUser(id string) (*models.UserProfile, error)
	GetUserByPhone(phone string) (*models.UserProfile, error)
	// SaveUser inserts or replaces the full profile.
	SaveUser(u *models.UserProfile) error
	ListUsers(filter models.UserFilter) ([]models.UserProfile, error)
	CountUsersByState() (map[models.ConversationState]int, error)
	// TouchUser sets last_interaction without changing anything else.
	TouchUser(id string, at time.Time) error
	// DeactivateInactiveUsers marks active users idle since before as INACTIVE.
	DeactivateInactiveUsers(before time.Time) (int, error)
}

// InteractionRepo is the append-only interaction log.
type InteractionRepo interface {
	AppendInteraction(i models.Interaction) error
	ListInteractions(userID string) ([]models.Interaction, error)
	CountInteractionsByType(userID string) (map[models.InteractionType]int, error)
}

// IncidentRepo persists incident reports.
type IncidentRepo interface {
	CreateIncident(i *models.Incident) error
	GetIncident(id string) (*models.Incident, error)
	MarkIncidentNotified(id string) error
	ListUnnotifiedIncidents(limit int) ([]models.Incident, error)
	ListUnresolvedIncidents(reportedBefore time.Time) ([]models.Incident, error)
}

// BroadcastResult carries the final counters of a broadcast.
type BroadcastResult struct {
	Status          models.BroadcastStatus
	TotalRecipients int
	SuccessCount    int
	ErrorCount      int
	SentAt          time.Time
}

// BroadcastRepo persists broadcast jobs. Status changes are compare-and-set
// so overlapping pollers cannot execute a job twice.
type BroadcastRepo interface {
	CreateBroadcast(b *models.BroadcastJob) error
	GetBroadcast(id string) (*models.BroadcastJob, error)
	// ListDueBroadcasts returns pending jobs scheduled at or before now
	// (or unscheduled), oldest first.
	ListDueBroadcasts(now time.Time, limit int) ([]models.BroadcastJob, error)
	// ClaimBroadcast moves a job from pending to sending. It reports false
	// when the job was no longer pending.
	ClaimBroadcast(id string) (bool, error)
	UpdateBroadcastProgress(id string, total, success, errors int) error
	// FinishBroadcast moves a job from the given non-terminal status to a
	// terminal one. It reports false when the job was not in status from.
	FinishBroadcast(id string, from models.BroadcastStatus, res BroadcastResult) (bool, error)
	ListStaleSendingBroadcasts(updatedBefore time.Time) ([]models.BroadcastJob, error)
}

// TipRepo persists daily tips.
type TipRepo interface {
	AddTip(t *models.Tip) error
	ListActiveTips() ([]models.Tip, error)
	CountTips() (int, error)
}

// Store is the full persistence collaborator.
type Store interface {
	UserRepo
	InteractionRepo
	IncidentRepo
	BroadcastRepo
	TipRepo
	JobRepo
	DedupRepo
	Close() error
}

// New opens the backend selected by the DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
