// Package messaging adapts the concrete chat channels (Whatsmeow, Twilio) to
// one Service interface and routes inbound messages into the conversation engine.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable chat channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a
	// recipient phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	SendText(ctx context.Context, to string, body string) error

	// SendAudio delivers a voice note. Channels that cannot carry raw
	// audio return an error and the caller falls back to text.
	SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error

	// IsConnected reports whether sends can currently succeed.
	IsConnected() bool

	// Start begins any background processing (e.g., event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Messages returns a channel of inbound user messages.
	Messages() <-chan models.InboundMessage
}
