// Package twiliowhatsapp wraps the Twilio API for SHORA's alternative WhatsApp channel.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrAudioUnsupported is returned by SendAudio: Twilio only accepts media by
// public URL, so voice notes fall back to text.
var ErrAudioUnsupported = errors.New("twilio channel does not support raw audio uploads")

// Sender is the delivery surface of the Twilio channel (real client or mock).
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
	SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error
	IsConnected() bool
}

// Opts holds the Twilio credentials and sender number.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, in "whatsapp:+229..." format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient builds a client; unset options fall back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	cfg.FromWhats = whatsappAddress(cfg.FromWhats)

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// whatsappAddress turns "22990000001", "+22990000001" or an already
// prefixed address into Twilio's "whatsapp:+22990000001" form.
func whatsappAddress(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
	return "whatsapp:+" + strings.TrimPrefix(number, "+")
}

func (c *Client) messageParams(to, body string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return params
}

// SendText sends a WhatsApp message. to is the digits-only phone number.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if _, err := c.client.Api.CreateMessage(c.messageParams(to, body)); err != nil {
		slog.Error("Client.SendText: Twilio send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendText: Twilio message sent", "to", to)
	return nil
}

func (c *Client) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	return ErrAudioUnsupported
}

// IsConnected is always true: the REST API has no session to lose.
func (c *Client) IsConnected() bool {
	return c.client != nil
}

// MockClient records sends for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	return ErrAudioUnsupported
}

func (m *MockClient) IsConnected() bool { return true }

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
