// Package testutil provides shared fakes and helpers for ShoraBot tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

// SentMessage is one call recorded by FakeChannel.
type SentMessage struct {
	To    string
	Text  string
	Audio []byte
	MIME  string
	At    time.Time
}

// IsAudio reports whether the message was sent as audio.
func (m SentMessage) IsAudio() bool { return m.Audio != nil }

// FakeChannel records outbound sends. The zero value is disconnected; use
// NewFakeChannel for a connected one.
type FakeChannel struct {
	mu        sync.Mutex
	sent      []SentMessage
	connected bool

	// TextErr and AudioErr are returned by the matching send method.
	TextErr  error
	AudioErr error
	// Latency delays every send. Block makes sends wait for ctx cancellation.
	Latency time.Duration
	Block   bool
	// OnSend, if set, is called after each recorded send.
	OnSend func(SentMessage)
}

// NewFakeChannel returns a connected FakeChannel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{connected: true}
}

// SetConnected toggles the connectivity reported by IsConnected.
func (c *FakeChannel) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// IsConnected implements the channel interface.
func (c *FakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendText records a text send.
func (c *FakeChannel) SendText(ctx context.Context, to, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if c.TextErr != nil {
		return c.TextErr
	}
	c.record(SentMessage{To: to, Text: body, At: time.Now()})
	return nil
}

// SendAudio records an audio send.
func (c *FakeChannel) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if c.AudioErr != nil {
		return c.AudioErr
	}
	c.record(SentMessage{To: to, Audio: audio, MIME: mimeType, At: time.Now()})
	return nil
}

func (c *FakeChannel) wait(ctx context.Context) error {
	if c.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *FakeChannel) record(m SentMessage) {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	if c.OnSend != nil {
		c.OnSend(m)
	}
}

// Sent returns a copy of all recorded sends.
func (c *FakeChannel) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTo returns the recorded sends for one recipient, in order.
func (c *FakeChannel) SentTo(to string) []SentMessage {
	var out []SentMessage
	for _, m := range c.Sent() {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

// WaitForSends polls until at least n sends are recorded or the timeout elapses.
func (c *FakeChannel) WaitForSends(t testing.TB, n int, timeout time.Duration) []SentMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		sent := c.Sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, got %d", n, len(sent))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// FakeTTS is a synthesizer returning fixed audio or an error.
type FakeTTS struct {
	mu    sync.Mutex
	calls []string

	Audio []byte
	Err   error
}

// TextToAudio records the call and returns Audio or Err.
func (f *FakeTTS) TextToAudio(_ context.Context, text string, _ models.Language) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if text == "" {
		return nil, errors.New("empty text")
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Audio, nil
}

// Calls returns the texts passed to TextToAudio.
func (f *FakeTTS) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// FakeNotifier records incident notices.
type FakeNotifier struct {
	mu      sync.Mutex
	notices []models.IncidentNotice

	NameValue string
	Err       error
}

// Name implements the notifier interface.
func (n *FakeNotifier) Name() string {
	if n.NameValue == "" {
		return "fake"
	}
	return n.NameValue
}

// Notify records the notice and returns Err.
func (n *FakeNotifier) Notify(_ context.Context, notice models.IncidentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.Err
}

// SetErr changes the error returned by later Notify calls.
func (n *FakeNotifier) SetErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Err = err
}

// Notices returns the recorded notices.
func (n *FakeNotifier) Notices() []models.IncidentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.IncidentNotice(nil), n.notices...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSON decodes a recorded JSON response body into a map.
func DecodeJSON(t testing.TB, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return body
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
