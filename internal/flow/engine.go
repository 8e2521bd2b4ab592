// Package flow drives the per-user onboarding and safety conversation.
//
// Transition is the pure state machine. Engine wraps it with storage, a
// per-recipient lock, incident reporting, the optional advisor and outbound
// dispatch. The profile is committed before any reply is queued, so a failed
// delivery never leaves conversation state half-applied.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/incident"
	"github.com/BTreeMap/ShoraBot/internal/intent"
	"github.com/BTreeMap/ShoraBot/internal/messaging"
	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// Store is the persistence the engine needs.
type Store interface {
	store.UserRepo
	store.InteractionRepo
}

// Outbox accepts replies for asynchronous delivery.
type Outbox interface {
	Enqueue(msg models.OutboundMessage) error
}

// Reporter files incident reports.
type Reporter interface {
	Report(ctx context.Context, user *models.UserProfile, r incident.Report) (*models.Incident, error)
}

// Advisor answers free-text safety questions.
type Advisor interface {
	Answer(ctx context.Context, user *models.UserProfile, question string) (string, error)
}

// Opts configures an Engine.
type Opts struct {
	Catalog         *templates.Catalog
	Classifier      *intent.Classifier
	Advisor         Advisor
	ConfirmPresence bool
	Now             func() time.Time
	Rand            func(n int) int
}

// Option configures an Engine.
type Option func(*Opts)

// WithCatalog replaces the embedded template catalogue.
func WithCatalog(c *templates.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithClassifier replaces the default intent classifier.
func WithClassifier(c *intent.Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// WithAdvisor enables advisor answers for free-text questions.
func WithAdvisor(a Advisor) Option {
	return func(o *Opts) { o.Advisor = a }
}

// WithConfirmPresence marks users presence-confirmed when they validate
// their profile, making them eligible for tips and broadcasts.
func WithConfirmPresence(enabled bool) Option {
	return func(o *Opts) { o.ConfirmPresence = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithRand overrides the quiz picker.
func WithRand(fn func(n int) int) Option {
	return func(o *Opts) { o.Rand = fn }
}

// Engine handles inbound messages. It is safe for concurrent use; messages
// from one recipient are processed one at a time.
type Engine struct {
	store    Store
	out      Outbox
	reporter Reporter
	opts     Opts
	locks    *keyedMutex
	// replyLocks orders reply queueing per recipient.
	replyLocks *keyedMutex
}

// NewEngine creates an Engine.
func NewEngine(st Store, out Outbox, reporter Reporter, opts ...Option) *Engine {
	cfg := Opts{
		Now:  time.Now,
		Rand: rand.IntN,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = templates.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = intent.NewClassifier(nil)
	}
	slog.Debug("Engine.New", "advisor", cfg.Advisor != nil, "confirmPresence", cfg.ConfirmPresence)
	return &Engine{
		store:    st,
		out:      out,
		reporter: reporter,
		opts:     cfg,
		locks:    newKeyedMutex(),

		replyLocks: newKeyedMutex(),
	}
}

// HandleInbound processes one inbound message end to end. When the profile
// cannot be loaded or saved the user gets an apology, a danger report is
// still filed and the storage error is returned.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	phone := messaging.FormatPhone(msg.From)
	if phone == "" {
		return models.ErrEmptyRecipient
	}

	unlockState := e.locks.Lock(phone)
	stateHeld := true
	defer func() {
		if stateHeld {
			unlockState()
		}
	}()

	tag := e.opts.Classifier.Classify(msg.Text)
	metrics.RecordIntent(string(tag))

	user, err := e.loadOrCreate(phone, msg.Name)
	if err != nil {
		e.apologize(ctx, phone, nil, tag == intent.Danger, msg)
		return err
	}

	ev := Event{
		Text:            msg.Text,
		Intent:          tag,
		ContentType:     msg.ContentType,
		MediaRef:        msg.MediaRef,
		PushName:        msg.Name,
		Now:             e.opts.Now(),
		AdvisorEnabled:  e.opts.Advisor != nil,
		ConfirmPresence: e.opts.ConfirmPresence,
	}
	if tag == intent.Quiz && len(e.opts.Catalog.Quizzes) > 0 {
		ev.QuizPick = e.opts.Rand(len(e.opts.Catalog.Quizzes))
	}

	out := Transition(e.opts.Catalog, *user, ev)
	slog.Debug("Engine.HandleInbound: transition", "phone", phone, "intent", tag,
		"from", user.State, "to", out.User.State, "replies", len(out.Replies))

	if err := e.store.SaveUser(&out.User); err != nil {
		e.apologize(ctx, phone, &out.User, out.ReportDanger, msg)
		return fmt.Errorf("failed to save user %s: %w", phone, err)
	}
	out.Interaction.UserID = out.User.ID

	if out.ReportDanger {
		out.Replies = append(out.Replies, e.report(ctx, &out.User, msg))
	}
	if err := e.store.AppendInteraction(out.Interaction); err != nil {
		slog.Warn("Engine.HandleInbound: failed to log interaction", "userID", out.User.ID, "error", err)
	}

	// The reply lock is taken before the state lock is released, so replies
	// keep the order in which messages were processed while the advisor runs
	// outside the state lock.
	unlockReplies := e.replyLocks.Lock(phone)
	defer unlockReplies()
	if out.AskAdvisor {
		unlockState()
		stateHeld = false
		out.Replies = append(out.Replies, e.advise(ctx, &out.User, msg.Text))
	}
	e.enqueue(&out.User, out.Replies)
	return nil
}

// apologize answers a storage failure. user may be nil when the profile could
// not be loaded.
func (e *Engine) apologize(ctx context.Context, phone string, user *models.UserProfile, danger bool, msg models.InboundMessage) {
	lang := models.DefaultLanguage
	if user != nil && user.Language != "" {
		lang = user.Language
	}
	target := &models.UserProfile{Phone: phone, Language: lang, Modality: models.ModalityText}
	if user != nil {
		target.Modality = user.Modality
	}

	replies := []string{e.opts.Catalog.Resolve("error_retry", lang, nil)}
	if danger {
		reporter := user
		if reporter == nil {
			reporter = target
		}
		replies = append([]string{e.report(ctx, reporter, msg)}, replies...)
	}
	unlock := e.replyLocks.Lock(phone)
	defer unlock()
	e.enqueue(target, replies)
}

func (e *Engine) enqueue(user *models.UserProfile, replies []string) {
	for _, text := range replies {
		if strings.TrimSpace(text) == "" {
			continue
		}
		err := e.out.Enqueue(models.OutboundMessage{
			To:       user.Phone,
			Text:     text,
			Modality: user.Modality,
			Language: user.Language,
			Priority: models.PriorityInteractive,
		})
		if err != nil {
			slog.Error("Engine.enqueue: failed to queue reply", "phone", user.Phone, "error", err)
		}
	}
}

func (e *Engine) loadOrCreate(phone, name string) (*models.UserProfile, error) {
	user, err := e.store.GetUserByPhone(phone)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user %s: %w", phone, err)
	}
	user = models.NewUserProfile("", phone, e.opts.Now())
	user.Name = name
	slog.Info("Engine.loadOrCreate: new user", "phone", phone)
	return user, nil
}

func (e *Engine) report(ctx context.Context, user *models.UserProfile, msg models.InboundMessage) string {
	inc, err := e.reporter.Report(ctx, user, incident.Report{
		Description: msg.Text,
		MediaRef:    msg.MediaRef,
		ContentType: msg.ContentType,
	})
	if err != nil {
		slog.Error("Engine.report: failed to record incident", "userID", user.ID, "error", err)
		return e.opts.Catalog.Resolve("incident_failed", user.Language, nil)
	}
	return e.opts.Catalog.Resolve("incident_recorded", user.Language, templates.Vars{"ref": inc.Reference()})
}

func (e *Engine) advise(ctx context.Context, user *models.UserProfile, question string) string {
	answer, err := e.opts.Advisor.Answer(ctx, user, question)
	if err != nil || strings.TrimSpace(answer) == "" {
		slog.Warn("Engine.advise: advisor unavailable, acknowledging", "userID", user.ID, "error", err)
		return e.opts.Catalog.Resolve("ack", user.Language, nil)
	}
	return answer
}
