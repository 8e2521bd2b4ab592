package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and message channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service on top of the Whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is the real Whatsmeow client
	receipts chan models.Receipt
	messages chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService wraps client. Event subscription only happens for the
// real *whatsapp.Client; mocks are send-only.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start registers the Whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if msg, ok := ParseMessage(v); ok {
				s.emitMessage(msg)
			}
		case *events.Receipt:
			s.handleReceipt(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService: disconnected from WhatsApp")
		case *events.Connected:
			slog.Info("WhatsAppService: connected to WhatsApp")
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the event channels. Further sends fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.messages)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped and channels closed")
	return nil
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendText(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendText: send failed", "error", err, "to", canonicalTo)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendAudio(ctx, canonicalTo, audio, mimeType); err != nil {
		slog.Error("WhatsAppService.SendAudio: send failed", "error", err, "to", canonicalTo)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) IsConnected() bool {
	return !s.isStopped() && s.client.IsConnected()
}

func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// ParseMessage converts a Whatsmeow message event into an InboundMessage.
// Own messages, group chats, status broadcasts and unsupported content are
// rejected.
func ParseMessage(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, false
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return models.InboundMessage{}, false
	}

	msg := models.InboundMessage{
		ID:          evt.Info.ID,
		From:        FormatPhone(evt.Info.Sender.User),
		Name:        evt.Info.PushName,
		ContentType: models.ContentText,
		Time:        evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		msg.ContentType = models.ContentImage
		msg.Text = m.GetImageMessage().GetCaption()
		msg.MediaRef = m.GetImageMessage().GetURL()
	case m.GetAudioMessage() != nil:
		msg.ContentType = models.ContentAudio
		msg.MediaRef = m.GetAudioMessage().GetURL()
	default:
		slog.Debug("WhatsAppService.ParseMessage: ignoring unsupported message", "from", msg.From)
		return models.InboundMessage{}, false
	}
	if msg.From == "" {
		return models.InboundMessage{}, false
	}
	return msg, true
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	var status string
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.StatusTypeDelivered
	case types.ReceiptTypeRead:
		status = models.StatusTypeRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     FormatPhone(evt.MessageSource.Sender.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emitMessage(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService: dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("WhatsAppService: inbound message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	default:
		// best effort
	}
}
