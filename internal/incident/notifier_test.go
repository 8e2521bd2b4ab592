package incident

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/gomail.v2"
)

func sampleNotice() models.IncidentNotice {
	return models.IncidentNotice{
		Phone:      "+22997000000",
		IncidentID: "inc_abcdef123456",
		Type:       models.IncidentTypeDanger,
		Message:    "Câble dénudé près de la bétonnière",
		MediaURLs:  []string{},
		Severity:   models.SeverityHigh,
		Timestamp:  time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		User:       models.NoticeUser{Name: "Koffi", Profession: "électricien", Language: models.LanguageFrench},
	}
}

func TestFanoutPrimaryDecides(t *testing.T) {
	tests := []struct {
		name       string
		primaryErr error
		otherErr   error
		wantErr    bool
	}{
		{"primary ok", nil, errors.New("x"), false},
		{"primary fails", errors.New("down"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &testutil.FakeNotifier{NameValue: "webhook", Err: tt.primaryErr}
			other := &testutil.FakeNotifier{NameValue: "email", Err: tt.otherErr}
			err := NewFanout(primary, other).Notify(context.Background(), sampleNotice())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(primary.Notices()) != 1 || len(other.Notices()) != 1 {
				t.Error("every notifier must be attempted")
			}
		})
	}
}

func TestFanoutRetry(t *testing.T) {
	primary := &testutil.FakeNotifier{NameValue: "webhook", Err: errors.New("down")}
	other := &testutil.FakeNotifier{NameValue: "amqp"}
	f := NewFanout(primary, other)
	if err := f.Retry(context.Background(), sampleNotice()); err == nil {
		t.Error("expected primary error")
	}
	if len(primary.Notices()) != 1 || len(other.Notices()) != 0 {
		t.Errorf("retry with a primary must only reach the primary: primary=%d other=%d", len(primary.Notices()), len(other.Notices()))
	}

	a := &testutil.FakeNotifier{NameValue: "a", Err: errors.New("a down")}
	b := &testutil.FakeNotifier{NameValue: "b", Err: errors.New("b down")}
	if err := NewFanout(nil, a, b).Retry(context.Background(), sampleNotice()); err == nil {
		t.Error("expected error when every notifier fails")
	}
	if len(a.Notices()) != 1 || len(b.Notices()) != 1 {
		t.Error("retry without a primary must reach every notifier")
	}
}

func TestFanoutWithoutPrimary(t *testing.T) {
	a := &testutil.FakeNotifier{NameValue: "a", Err: errors.New("a down")}
	b := &testutil.FakeNotifier{NameValue: "b"}
	if err := NewFanout(nil, a, b).Notify(context.Background(), sampleNotice()); err != nil {
		t.Errorf("expected success when any notifier succeeds, got %v", err)
	}

	b.SetErr(errors.New("b down"))
	err := NewFanout(nil, a, b).Notify(context.Background(), sampleNotice())
	if err == nil || !strings.Contains(err.Error(), "a down") || !strings.Contains(err.Error(), "b down") {
		t.Errorf("expected joined error, got %v", err)
	}

	if err := NewFanout(nil).Notify(context.Background(), sampleNotice()); !errors.Is(err, ErrNoNotifier) {
		t.Errorf("expected ErrNoNotifier, got %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), sampleNotice()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for _, key := range []string{"phone", "incidentId", "type", "message", "mediaUrls", "timestamp", "severity", "user"} {
		if _, ok := got[key]; !ok {
			t.Errorf("payload missing %q: %v", key, got)
		}
	}
	if user, _ := got["user"].(map[string]any); user["name"] != "Koffi" {
		t.Errorf("unexpected user %v", got["user"])
	}
}

func TestWebhookNotifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected error on 502")
	}

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)
	client := &http.Client{Timeout: 20 * time.Millisecond}
	if err := NewWebhookNotifier(slow.URL, client).Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected timeout error")
	}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, msg models.OutboundMessage) models.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.fail[msg.To] {
		return models.DeliveryResult{Modality: models.ModalityText, Error: "unreachable"}
	}
	return models.DeliveryResult{Success: true, Modality: models.ModalityText}
}

func TestSupervisorNotifier(t *testing.T) {
	out := &fakeSender{fail: map[string]bool{"+22990000002": true}}
	n := NewSupervisorNotifier([]string{"+22990000001", "+22990000002"}, out, nil, nil)

	if err := n.Notify(context.Background(), sampleNotice()); err != nil {
		t.Fatalf("expected success when one supervisor is reached: %v", err)
	}
	if len(out.msgs) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(out.msgs))
	}
	msg := out.msgs[0]
	if msg.Priority != models.PriorityBulk {
		t.Error("supervisor alerts must use the bulk lane")
	}
	for _, want := range []string{"NOUVEL INCIDENT", "Koffi", "+22997000000", "Électricien", "Câble dénudé", "01/03/2025 09:30", "Non spécifiée"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("alert missing %q:\n%s", want, msg.Text)
		}
	}

	out.fail["+22990000001"] = true
	if err := n.Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected failure when no supervisor is reached")
	}

	if err := NewSupervisorNotifier(nil, out, nil, nil).Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected failure without phones")
	}
}

func TestSupervisorRemind(t *testing.T) {
	out := &fakeSender{}
	n := NewSupervisorNotifier([]string{"+22990000001"}, out, nil, nil)
	if err := n.Remind(context.Background(), 3); err != nil {
		t.Fatalf("Remind: %v", err)
	}
	if !strings.Contains(out.msgs[0].Text, "3 incident(s)") {
		t.Errorf("unexpected reminder %q", out.msgs[0].Text)
	}
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestAMQPNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := &AMQPNotifier{ch: pub, exchange: DefaultExchange}

	if err := n.Notify(context.Background(), sampleNotice()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.exchange != DefaultExchange || pub.key != RoutingKeyCreated {
		t.Errorf("unexpected routing %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.DeliveryMode != amqp.Persistent || pub.msg.ContentType != "application/json" {
		t.Errorf("expected persistent JSON message, got %+v", pub.msg)
	}
	var decoded models.IncidentNotice
	if err := json.Unmarshal(pub.msg.Body, &decoded); err != nil || decoded.IncidentID != "inc_abcdef123456" {
		t.Errorf("unexpected body %s (%v)", pub.msg.Body, err)
	}

	pub.err = errors.New("channel closed")
	if err := n.Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected publish error")
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close without connection: %v", err)
	}
}

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailNotifier(t *testing.T) {
	mailer := &fakeMailer{}
	n := newEmailNotifier(mailer, "shora@example.org", []string{"chef@example.org"}, nil)

	if err := n.Notify(context.Background(), sampleNotice()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(mailer.sent))
	}
	m := mailer.sent[0]
	if to := m.GetHeader("To"); len(to) != 1 || to[0] != "chef@example.org" {
		t.Errorf("unexpected recipients %v", to)
	}
	if subject := m.GetHeader("Subject"); len(subject) != 1 || !strings.Contains(subject[0], "#123456") {
		t.Errorf("unexpected subject %v", subject)
	}

	if err := newEmailNotifier(mailer, "x", nil, nil).Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected error without recipients")
	}
	mailer.err = errors.New("smtp refused")
	if err := n.Notify(context.Background(), sampleNotice()); err == nil {
		t.Error("expected smtp error")
	}
}
