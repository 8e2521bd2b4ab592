// Package incident records danger reports and notifies supervisors.
//
// Creating the incident is the durable part of a report. Notification is
// attempted once right after creation; when it fails the incident keeps
// notified=false and a durable incident.notify job retries it with backoff.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
)

// JobKindNotify is the durable job kind used for notification retries.
const JobKindNotify = "incident.notify"

// Defaults for notification delivery.
const (
	DefaultNotifyTimeout = 30 * time.Second
	DefaultRetryDelay    = 30 * time.Second
	sweepLimit           = 100
)

// Report is the raw content of a danger report.
type Report struct {
	Description string
	MediaRef    string
	ContentType models.ContentType
	Location    string
}

// Store is the persistence the reporter needs.
type Store interface {
	store.IncidentRepo
	store.JobRepo
	GetUser(id string) (*models.UserProfile, error)
}

// Notifier delivers an incident notice to one supervisor-facing collaborator.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notice models.IncidentNotice) error
}

// retrier is implemented by notifiers that narrow what a retry resends.
type retrier interface {
	Retry(ctx context.Context, notice models.IncidentNotice) error
}

type notifyPayload struct {
	IncidentID string `json:"incident_id"`
}

// Reporter creates incidents and drives their notification.
type Reporter struct {
	store      Store
	notifier   Notifier
	timeout    time.Duration
	retryDelay time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithNotifyTimeout bounds one notification attempt.
func WithNotifyTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) { r.timeout = d }
}

// WithRetryDelay sets the delay before the first retry job runs.
func WithRetryDelay(d time.Duration) ReporterOption {
	return func(r *Reporter) { r.retryDelay = d }
}

// WithReporterClock overrides time.Now.
func WithReporterClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a Reporter. A nil notifier disables notification;
// incidents then stay notified=false.
func NewReporter(st Store, notifier Notifier, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:      st,
		notifier:   notifier,
		timeout:    DefaultNotifyTimeout,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report persists a new high-severity open incident and starts one
// notification attempt in the background. user may be nil for anonymous
// reports. Only a persistence failure is returned.
func (r *Reporter) Report(ctx context.Context, user *models.UserProfile, rep Report) (*models.Incident, error) {
	mediaType := models.MediaTypeFor(rep.ContentType, rep.MediaRef)
	inc := &models.Incident{
		Type:        models.IncidentTypeDanger,
		Description: rep.Description,
		MediaRef:    rep.MediaRef,
		MediaType:   mediaType,
		Location:    rep.Location,
		Severity:    models.SeverityHigh,
		Status:      models.IncidentOpen,
		ReportedAt:  r.now(),
	}
	if user != nil {
		inc.UserID = user.ID
	}

	if err := r.store.CreateIncident(inc); err != nil {
		metrics.RecordIncident(string(mediaType), false)
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}
	metrics.RecordIncident(string(mediaType), true)
	slog.Info("Reporter.Report: incident recorded", "id", inc.ID, "userID", inc.UserID, "media", mediaType)

	if r.notifier == nil {
		slog.Warn("Reporter.Report: no notifier configured", "id", inc.ID)
		return inc, nil
	}

	notice := NewNotice(inc, user)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.notifyOnce(context.WithoutCancel(ctx), inc.ID, notice)
	}()
	return inc, nil
}

// Wait blocks until background notification attempts have finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) notifyOnce(ctx context.Context, id string, notice models.IncidentNotice) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.notifier.Notify(ctx, notice); err != nil {
		slog.Warn("Reporter.notifyOnce: notification failed, scheduling retry", "id", id, "error", err)
		if err := r.enqueueRetry(id, r.now().Add(r.retryDelay)); err != nil {
			slog.Error("Reporter.notifyOnce: failed to enqueue retry", "id", id, "error", err)
		}
		return
	}
	if err := r.store.MarkIncidentNotified(id); err != nil {
		slog.Error("Reporter.notifyOnce: failed to mark notified", "id", id, "error", err)
	}
}

func (r *Reporter) enqueueRetry(id string, runAt time.Time) error {
	payload, err := json.Marshal(notifyPayload{IncidentID: id})
	if err != nil {
		return err
	}
	_, err = r.store.EnqueueJob(JobKindNotify, runAt, string(payload), JobKindNotify+":"+id)
	return err
}

// HandleNotifyJob is the JobHandler for JobKindNotify.
func (r *Reporter) HandleNotifyJob(ctx context.Context, payload string) error {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", JobKindNotify, err)
	}
	if r.notifier == nil {
		return errors.New("no notifier configured")
	}

	inc, err := r.store.GetIncident(p.IncidentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Reporter.HandleNotifyJob: incident vanished", "id", p.IncidentID)
		return nil
	}
	if err != nil {
		return err
	}
	if inc.Notified {
		return nil
	}

	var user *models.UserProfile
	if inc.UserID != "" {
		user, err = r.store.GetUser(inc.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	notify := r.notifier.Notify
	if rt, ok := r.notifier.(retrier); ok {
		notify = rt.Retry
	}
	if err := notify(ctx, NewNotice(inc, user)); err != nil {
		return err
	}
	slog.Info("Reporter.HandleNotifyJob: incident notified on retry", "id", inc.ID)
	return r.store.MarkIncidentNotified(inc.ID)
}

// Sweep enqueues a notification job for every incident still unnotified.
// Run it once at startup.
func (r *Reporter) Sweep() (int, error) {
	incidents, err := r.store.ListUnnotifiedIncidents(sweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unnotified incidents: %w", err)
	}
	now := r.now()
	for _, inc := range incidents {
		if err := r.enqueueRetry(inc.ID, now); err != nil {
			return 0, fmt.Errorf("failed to enqueue notification for %s: %w", inc.ID, err)
		}
	}
	if len(incidents) > 0 {
		slog.Info("Reporter.Sweep: queued pending notifications", "count", len(incidents))
	}
	return len(incidents), nil
}

// NewNotice builds the notification payload. user may be nil.
func NewNotice(inc *models.Incident, user *models.UserProfile) models.IncidentNotice {
	notice := models.IncidentNotice{
		IncidentID: inc.ID,
		Type:       inc.Type,
		Message:    inc.Description,
		MediaURLs:  []string{},
		Location:   inc.Location,
		Severity:   inc.Severity,
		Timestamp:  inc.ReportedAt,
		User:       models.NoticeUser{Name: models.AnonymousName},
	}
	if inc.MediaRef != "" {
		notice.MediaURLs = append(notice.MediaURLs, inc.MediaRef)
	}
	if user != nil {
		notice.Phone = user.Phone
		notice.User = models.NoticeUser{
			Name:       user.DisplayName(),
			Profession: user.Profession,
			Language:   user.Language,
		}
	}
	return notice
}
