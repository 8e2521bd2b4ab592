// Package genai wraps the OpenAI API for the two generative collaborators
// SHORA depends on: speech synthesis for audio replies and the optional
// safety advisor that answers free-form questions.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default model configuration.
const (
	DefaultChatModel   = string(openai.ChatModelGPT4oMini)
	DefaultSpeechModel = string(openai.SpeechModelTTS1)
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 400
)

// ErrNoChoicesReturned is returned when the chat API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService is the slice of the chat completions API used here.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// speechService is the slice of the audio speech API used here.
type speechService interface {
	Create(ctx context.Context, params openai.AudioSpeechNewParams) ([]byte, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	ChatModel   string
	SpeechModel string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithChatModel overrides the chat model used by the advisor.
func WithChatModel(model string) Option {
	return func(o *Opts) { o.ChatModel = model }
}

// WithSpeechModel overrides the TTS model.
func WithSpeechModel(model string) Option {
	return func(o *Opts) { o.SpeechModel = model }
}

func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every chat request/response pair as JSON under
// <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client holds the OpenAI services and model settings.
type Client struct {
	chat        chatService
	speech      speechService
	model       string
	speechModel string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient builds a client. The API key falls back to $OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = DefaultSpeechModel
	}
	slog.Debug("genai.NewClient: configured", "chatModel", cfg.ChatModel, "speechModel", cfg.SpeechModel, "debug", cfg.DebugMode)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:        &openaiChat{svc: cli.Chat.Completions},
		speech:      &openaiSpeech{svc: cli.Audio.Speech},
		model:       cfg.ChatModel,
		speechModel: cfg.SpeechModel,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Complete sends a system + user prompt pair and returns the first choice.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog("Complete", params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.writeDebugLog: mkdir failed", "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("genai.writeDebugLog: write failed", "error", err)
	}
}

type openaiChat struct {
	svc openai.ChatCompletionService
}

func (o *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openaiSpeech struct {
	svc openai.AudioSpeechService
}

func (o *openaiSpeech) Create(ctx context.Context, params openai.AudioSpeechNewParams) ([]byte, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
