// Package dispatch delivers outbound messages through a channel adapter.
//
// Messages to one recipient are sent strictly in submission order, one at a
// time, with a minimum gap between consecutive sends. Across recipients the
// dispatcher bounds concurrency with worker slots and paces total throughput
// with a token bucket. Bulk traffic holds a smaller pool of slots so live
// conversational replies always find capacity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("dispatcher closed")

// Failure reasons reported without contacting the channel.
const (
	ReasonNotConnected = "channel not connected"
	ReasonEmptyText    = "message text cannot be empty"
)

// Channel is the outbound side of a channel adapter.
type Channel interface {
	SendText(ctx context.Context, to, body string) error
	SendAudio(ctx context.Context, to string, audio []byte, mimeType string) error
	IsConnected() bool
}

// Synthesizer renders text as audio.
type Synthesizer interface {
	TextToAudio(ctx context.Context, text string, lang models.Language) ([]byte, error)
}

// Default tuning values.
const (
	DefaultWorkers     = 8
	DefaultBulkWorkers = 2
	DefaultGlobalRate  = 20
	DefaultTextDelay   = 500 * time.Millisecond
	DefaultAudioDelay  = time.Second
	DefaultSendTimeout = 30 * time.Second
	DefaultTTSTimeout  = 15 * time.Second
	DefaultAudioMIME   = "audio/ogg; codecs=opus"
)

// Opts holds dispatcher configuration.
type Opts struct {
	Workers     int
	BulkWorkers int
	// GlobalRate is the sustained send rate across all recipients, in
	// messages per second. Zero or less disables pacing.
	GlobalRate  float64
	TextDelay   time.Duration
	AudioDelay  time.Duration
	SendTimeout time.Duration
	// TTSTimeout bounds audio rendering separately from the channel call,
	// so a stalled synthesizer still leaves time for the text fallback.
	TTSTimeout time.Duration
	AudioMIME  string
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithWorkers sets the total number of concurrent sends.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithBulkWorkers sets how many of the worker slots bulk traffic may hold.
func WithBulkWorkers(n int) Option {
	return func(o *Opts) { o.BulkWorkers = n }
}

// WithGlobalRate sets the global send rate in messages per second.
func WithGlobalRate(perSecond float64) Option {
	return func(o *Opts) { o.GlobalRate = perSecond }
}

// WithDelays sets the minimum gap between two sends to the same recipient,
// depending on the modality of the earlier send.
func WithDelays(text, audio time.Duration) Option {
	return func(o *Opts) {
		o.TextDelay = text
		o.AudioDelay = audio
	}
}

// WithSendTimeout bounds a single channel call.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithTTSTimeout bounds audio rendering. It is capped at the send timeout.
func WithTTSTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TTSTimeout = d }
}

// WithAudioMIME sets the MIME type passed to the channel for audio payloads.
func WithAudioMIME(mime string) Option {
	return func(o *Opts) { o.AudioMIME = mime }
}

type request struct {
	ctx    context.Context
	msg    models.OutboundMessage
	result chan models.DeliveryResult
}

// lane is the FIFO queue of one recipient. At most one goroutine drains it.
type lane struct {
	queue []request
}

// Dispatcher serializes sends per recipient and bounds them globally.
type Dispatcher struct {
	channel Channel
	tts     Synthesizer
	opts    Opts
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	bulk    *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string]*lane
	queued int
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. tts may be nil, in which case audio requests
// are always delivered as text.
func New(channel Channel, tts Synthesizer, opts ...Option) *Dispatcher {
	cfg := Opts{
		Workers:     DefaultWorkers,
		BulkWorkers: DefaultBulkWorkers,
		GlobalRate:  DefaultGlobalRate,
		TextDelay:   DefaultTextDelay,
		AudioDelay:  DefaultAudioDelay,
		SendTimeout: DefaultSendTimeout,
		TTSTimeout:  DefaultTTSTimeout,
		AudioMIME:   DefaultAudioMIME,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BulkWorkers <= 0 || cfg.BulkWorkers >= cfg.Workers {
		cfg.BulkWorkers = max(1, cfg.Workers/4)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.TTSTimeout <= 0 || cfg.TTSTimeout > cfg.SendTimeout {
		cfg.TTSTimeout = min(DefaultTTSTimeout, cfg.SendTimeout)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.GlobalRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRate), max(1, int(cfg.GlobalRate)))
	}

	slog.Debug("Dispatcher.New", "workers", cfg.Workers, "bulkWorkers", cfg.BulkWorkers,
		"globalRate", cfg.GlobalRate, "textDelay", cfg.TextDelay, "audioDelay", cfg.AudioDelay)

	return &Dispatcher{
		channel: channel,
		tts:     tts,
		opts:    cfg,
		limiter: limiter,
		slots:   semaphore.NewWeighted(int64(cfg.Workers)),
		bulk:    semaphore.NewWeighted(int64(cfg.BulkWorkers)),
		lanes:   make(map[string]*lane),
	}
}

// Send submits msg and waits for its delivery result. Cancelling ctx
// abandons the wait; a message still queued is then skipped.
func (d *Dispatcher) Send(ctx context.Context, msg models.OutboundMessage) models.DeliveryResult {
	req := request{ctx: ctx, msg: msg, result: make(chan models.DeliveryResult, 1)}
	if err := d.submit(req); err != nil {
		return failure(msg.Modality, err.Error())
	}
	select {
	case res := <-req.result:
		return res
	case <-ctx.Done():
		return failure(msg.Modality, ctx.Err().Error())
	}
}

// Enqueue submits msg without waiting. Delivery failures are logged and counted.
func (d *Dispatcher) Enqueue(msg models.OutboundMessage) error {
	return d.submit(request{ctx: context.Background(), msg: msg})
}

// Pending returns the number of queued, not yet started sends.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	slog.Info("Dispatcher.Close: draining queued messages")
	d.wg.Wait()
	slog.Info("Dispatcher.Close: drained")
}

func (d *Dispatcher) submit(req request) error {
	if strings.TrimSpace(req.msg.To) == "" {
		return models.ErrEmptyRecipient
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	l, ok := d.lanes[req.msg.To]
	if !ok {
		l = &lane{}
		d.lanes[req.msg.To] = l
	}
	l.queue = append(l.queue, req)
	d.queued++
	metrics.SetQueueDepth(d.queued)
	if !ok {
		d.wg.Add(1)
		go d.drain(req.msg.To, l)
	}
	return nil
}

// drain delivers the lane's messages in order and exits once it is empty.
// After each channel call the lane pauses for the per-recipient gap, so the
// gap also holds for a message submitted right after the lane emptied.
func (d *Dispatcher) drain(to string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, to)
			d.mu.Unlock()
			return
		}
		req := l.queue[0]
		l.queue[0] = request{}
		l.queue = l.queue[1:]
		d.queued--
		metrics.SetQueueDepth(d.queued)
		d.mu.Unlock()

		res, contacted := d.process(req)
		d.finish(req, res)
		if contacted {
			gap := d.opts.TextDelay
			if res.Modality == models.ModalityAudio {
				gap = d.opts.AudioDelay
			}
			if gap > 0 {
				time.Sleep(gap)
			}
		}
	}
}

func (d *Dispatcher) finish(req request, res models.DeliveryResult) {
	metrics.RecordSend(string(res.Modality), req.msg.Priority.String(), res.Success)
	if req.result != nil {
		req.result <- res
		return
	}
	if !res.Success {
		slog.Warn("Dispatcher.Enqueue: delivery failed", "to", req.msg.To, "priority", req.msg.Priority.String(), "error", res.Error)
	}
}

// process runs the pre-checks, acquires capacity and delivers one message.
// contacted reports whether the channel was called.
func (d *Dispatcher) process(req request) (res models.DeliveryResult, contacted bool) {
	msg := req.msg
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Modality == "" {
		msg.Modality = models.ModalityText
	}

	if err := req.ctx.Err(); err != nil {
		return failure(msg.Modality, err.Error()), false
	}
	if msg.Text == "" {
		return failure(msg.Modality, ReasonEmptyText), false
	}
	if !d.channel.IsConnected() {
		return failure(msg.Modality, ReasonNotConnected), false
	}

	release, err := d.acquire(req.ctx, msg.Priority)
	if err != nil {
		return failure(msg.Modality, err.Error()), false
	}
	defer release()

	if err := d.limiter.Wait(req.ctx); err != nil {
		return failure(msg.Modality, err.Error()), false
	}

	return d.deliver(req.ctx, msg), true
}

func (d *Dispatcher) acquire(ctx context.Context, p models.Priority) (func(), error) {
	if p == models.PriorityBulk {
		if err := d.bulk.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			d.bulk.Release(1)
			return nil, err
		}
		return func() {
			d.slots.Release(1)
			d.bulk.Release(1)
		}, nil
	}
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.slots.Release(1) }, nil
}

// deliver renders audio under its own deadline and gives each channel call
// a fresh SendTimeout, so a failed or stalled render still sends the text.
func (d *Dispatcher) deliver(ctx context.Context, msg models.OutboundMessage) models.DeliveryResult {
	if msg.Modality == models.ModalityAudio {
		audio, err := d.render(ctx, msg)
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
			defer cancel()
			if err := d.channel.SendAudio(sendCtx, msg.To, audio, d.opts.AudioMIME); err != nil {
				slog.Warn("Dispatcher.deliver: audio send failed", "to", msg.To, "error", err)
				return failure(models.ModalityAudio, sendError(sendCtx, err))
			}
			return models.DeliveryResult{Success: true, Modality: models.ModalityAudio}
		}
		slog.Warn("Dispatcher.deliver: audio rendering failed, falling back to text", "to", msg.To, "error", err)
		metrics.RecordAudioFallback()
		if ctx.Err() != nil {
			return failure(models.ModalityText, ctx.Err().Error())
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := d.channel.SendText(sendCtx, msg.To, msg.Text); err != nil {
		slog.Warn("Dispatcher.deliver: text send failed", "to", msg.To, "error", err)
		return failure(models.ModalityText, sendError(sendCtx, err))
	}
	return models.DeliveryResult{Success: true, Modality: models.ModalityText}
}

func (d *Dispatcher) render(ctx context.Context, msg models.OutboundMessage) ([]byte, error) {
	if d.tts == nil {
		return nil, errors.New("no synthesizer configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.TTSTimeout)
	defer cancel()
	audio, err := d.tts.TextToAudio(ctx, msg.Text, msg.Language)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesizer returned empty audio")
	}
	return audio, nil
}

func sendError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("send timed out: %v", err)
	}
	return err.Error()
}

func failure(m models.Modality, reason string) models.DeliveryResult {
	if m == "" {
		m = models.ModalityText
	}
	return models.DeliveryResult{Success: false, Modality: m, Error: reason}
}
