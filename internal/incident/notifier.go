package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// ErrNoNotifier is returned by a Fanout without notifiers.
var ErrNoNotifier = errors.New("no notifier configured")

// Fanout notifies every configured collaborator. With a primary notifier,
// delivery counts as successful when the primary succeeds; otherwise when
// any notifier succeeds.
type Fanout struct {
	primary Notifier
	others  []Notifier
}

// NewFanout creates a Fanout. primary may be nil.
func NewFanout(primary Notifier, others ...Notifier) *Fanout {
	f := &Fanout{primary: primary}
	for _, n := range others {
		if n != nil {
			f.others = append(f.others, n)
		}
	}
	return f
}

// Name implements Notifier.
func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of configured notifiers.
func (f *Fanout) Len() int {
	n := len(f.others)
	if f.primary != nil {
		n++
	}
	return n
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, notice models.IncidentNotice) error {
	if f.Len() == 0 {
		return ErrNoNotifier
	}

	var primaryErr error
	anyOK := false
	if f.primary != nil {
		primaryErr = notifyOne(ctx, f.primary, notice)
		anyOK = primaryErr == nil
	}
	var errs []error
	for _, n := range f.others {
		if err := notifyOne(ctx, n, notice); err != nil {
			errs = append(errs, err)
			continue
		}
		anyOK = true
	}

	if f.primary != nil {
		return primaryErr
	}
	if anyOK {
		return nil
	}
	return errors.Join(errs...)
}

// Retry re-attempts a failed delivery. With a primary only the primary is
// tried again, since a failed Notify means the primary failed and the other
// notifiers have had their single attempt. Without a primary no notifier
// succeeded, so all are tried.
func (f *Fanout) Retry(ctx context.Context, notice models.IncidentNotice) error {
	if f.primary == nil {
		return f.Notify(ctx, notice)
	}
	return notifyOne(ctx, f.primary, notice)
}

func notifyOne(ctx context.Context, n Notifier, notice models.IncidentNotice) error {
	err := n.Notify(ctx, notice)
	metrics.RecordNotification(n.Name(), err == nil)
	if err != nil {
		slog.Warn("Fanout.Notify: notifier failed", "notifier", n.Name(), "incidentID", notice.IncidentID, "error", err)
		return fmt.Errorf("%s: %w", n.Name(), err)
	}
	slog.Debug("Fanout.Notify: notifier succeeded", "notifier", n.Name(), "incidentID", notice.IncidentID)
	return nil
}

// DefaultWebhookTimeout bounds one webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookNotifier posts the notice as JSON to the dashboard.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier. A nil client gets a
// client with DefaultWebhookTimeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, notice models.IncidentNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sender delivers one message and reports the result.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) models.DeliveryResult
}

// SupervisorNotifier sends a WhatsApp alert to each supervisor phone over
// the bulk lane.
type SupervisorNotifier struct {
	phones []string
	out    Sender
	cat    *templates.Catalog
	loc    *time.Location
}

// NewSupervisorNotifier creates a SupervisorNotifier. Times in the alert
// are rendered in loc (UTC when nil).
func NewSupervisorNotifier(phones []string, out Sender, cat *templates.Catalog, loc *time.Location) *SupervisorNotifier {
	if cat == nil {
		cat = templates.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SupervisorNotifier{phones: phones, out: out, cat: cat, loc: loc}
}

// Name implements Notifier.
func (s *SupervisorNotifier) Name() string { return "supervisor" }

// Notify implements Notifier. It succeeds when at least one supervisor
// received the alert.
func (s *SupervisorNotifier) Notify(ctx context.Context, notice models.IncidentNotice) error {
	return s.broadcast(ctx, FormatAlert(s.cat, notice, s.loc))
}

// Remind sends the unresolved-incident reminder to every supervisor.
func (s *SupervisorNotifier) Remind(ctx context.Context, count int) error {
	text := s.cat.Resolve("supervisor_reminder", models.DefaultLanguage, templates.Vars{"count": fmt.Sprint(count)})
	return s.broadcast(ctx, text)
}

func (s *SupervisorNotifier) broadcast(ctx context.Context, text string) error {
	if len(s.phones) == 0 {
		return errors.New("no supervisor phones configured")
	}
	var reasons []string
	delivered := 0
	for _, phone := range s.phones {
		res := s.out.Send(ctx, models.OutboundMessage{
			To:       phone,
			Text:     text,
			Modality: models.ModalityText,
			Language: models.DefaultLanguage,
			Priority: models.PriorityBulk,
		})
		if res.Success {
			delivered++
			continue
		}
		reasons = append(reasons, phone+": "+res.Error)
	}
	if delivered == 0 {
		return fmt.Errorf("no supervisor reached: %s", strings.Join(reasons, "; "))
	}
	return nil
}

// FormatAlert renders the supervisor alert for notice.
func FormatAlert(cat *templates.Catalog, notice models.IncidentNotice, loc *time.Location) string {
	notSet := cat.Resolve("not_set", models.DefaultLanguage, nil)
	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return cat.Resolve("supervisor_incident", models.DefaultLanguage, templates.Vars{
		"severity_icon": severityIcon(notice.Severity),
		"severity":      strings.ToUpper(string(notice.Severity)),
		"name":          orDefault(notice.User.Name, models.AnonymousName),
		"phone":         orDefault(notice.Phone, notSet),
		"profession":    orDefault(cat.Label(templates.SetProfession, notice.User.Profession), notSet),
		"description":   notice.Message,
		"location":      orDefault(notice.Location, cat.Resolve("location_unknown", models.DefaultLanguage, nil)),
		"time":          notice.Timestamp.In(loc).Format("02/01/2006 15:04"),
		"id":            notice.IncidentID,
	})
}

func severityIcon(s models.Severity) string {
	switch s {
	case models.SeverityHigh:
		return "🔴"
	case models.SeverityMedium:
		return "🟠"
	default:
		return "🟡"
	}
}
