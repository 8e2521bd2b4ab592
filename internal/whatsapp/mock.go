package whatsapp

import (
	"context"
	"sync"
)

// SentAudio records one SendAudio call on MockClient.
type SentAudio struct {
	To       string
	Bytes    int
	MimeType string
}

// SentText records one SendText call on MockClient.
type SentText struct {
	To   string
	Body string
}

// MockClient implements Sender without a network connection.
type MockClient struct {
	mu        sync.Mutex
	Texts     []SentText
	Audios    []SentAudio
	Connected bool
	// Err, when set, is returned by every send.
	Err error
}

func NewMockClient() *MockClient {
	return &MockClient{Connected: true}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Texts = append(m.Texts, SentText{To: to, Body: body})
	return nil
}

func (m *MockClient) SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Audios = append(m.Audios, SentAudio{To: to, Bytes: len(audio), MimeType: mimeType})
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// SentTexts returns a copy of the recorded text sends.
func (m *MockClient) SentTexts() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.Texts...)
}
