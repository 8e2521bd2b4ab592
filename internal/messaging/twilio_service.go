package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	receipts chan models.Receipt
	messages chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start is a no-op; there is no live connection.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.messages)
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendText: validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendText(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

func (s *TwilioService) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendAudio(ctx, canonicalTo, audio, mimeType)
}

func (s *TwilioService) IsConnected() bool {
	return !s.isStopped() && s.client.IsConnected()
}

func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	default:
	}
}

// TwilioWebhookHandler parses an inbound Twilio form post and forwards it
// to the Messages channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	msg, err := parseTwilioForm(r)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", msg.From, "type", msg.ContentType)

	if !s.safeEmitMessage(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func parseTwilioForm(r *http.Request) (models.InboundMessage, error) {
	from := FormatPhone(r.FormValue("From"))
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("missing From")
	}
	msg := models.InboundMessage{
		ID:          r.FormValue("MessageSid"),
		From:        from,
		Name:        r.FormValue("ProfileName"),
		Text:        r.FormValue("Body"),
		ContentType: models.ContentText,
		Time:        time.Now(),
	}
	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		msg.MediaRef = r.FormValue("MediaUrl0")
		ct := r.FormValue("MediaContentType0")
		switch {
		case strings.HasPrefix(ct, "image/"):
			msg.ContentType = models.ContentImage
		case strings.HasPrefix(ct, "audio/"):
			msg.ContentType = models.ContentAudio
		}
	}
	if msg.Text == "" && msg.MediaRef == "" {
		return models.InboundMessage{}, fmt.Errorf("missing Body")
	}
	return msg, nil
}

func (s *TwilioService) safeEmitMessage(msg models.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService: dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case s.messages <- msg:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService: messages channel blocked, dropping message", "from", msg.From)
		return false
	}
}
