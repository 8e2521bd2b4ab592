package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/templates"
	"gopkg.in/gomail.v2"
)

type mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier mails the supervisor alert over SMTP.
type EmailNotifier struct {
	dialer mailer
	from   string
	to     []string
	cat    *templates.Catalog
	loc    *time.Location
}

// NewEmailNotifier creates an EmailNotifier using an SMTP dialer.
func NewEmailNotifier(host string, port int, user, password, from string, to []string, loc *time.Location) *EmailNotifier {
	return newEmailNotifier(gomail.NewDialer(host, port, user, password), from, to, loc)
}

func newEmailNotifier(d mailer, from string, to []string, loc *time.Location) *EmailNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &EmailNotifier{dialer: d, from: from, to: to, cat: templates.Default(), loc: loc}
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return "email" }

// Notify implements Notifier. gomail has no context support, so ctx is
// only checked before dialing.
func (e *EmailNotifier) Notify(ctx context.Context, notice models.IncidentNotice) error {
	if len(e.to) == 0 {
		return errors.New("no supervisor emails configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	inc := models.Incident{ID: notice.IncidentID}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", fmt.Sprintf("⚠️ Incident SHORA #%s (%s)", inc.Reference(), notice.Severity))
	m.SetBody("text/plain", FormatAlert(e.cat, notice, e.loc))

	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send incident email: %w", err)
	}
	return nil
}
