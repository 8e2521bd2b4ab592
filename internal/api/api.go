// Package api wires SHORA together and serves its HTTP surface.
//
// Run opens the store and the chat channel, builds the dispatcher, the
// conversation engine, the incident reporter and the campaign runner,
// registers the scheduled triggers and serves the Twilio webhook, the
// health check and Prometheus metrics until the process is interrupted.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/campaign"
	"github.com/BTreeMap/ShoraBot/internal/dispatch"
	"github.com/BTreeMap/ShoraBot/internal/genai"
	"github.com/BTreeMap/ShoraBot/internal/lockfile"
	"github.com/BTreeMap/ShoraBot/internal/messaging"
	"github.com/BTreeMap/ShoraBot/internal/scheduler"
	"github.com/BTreeMap/ShoraBot/internal/store"
	"github.com/BTreeMap/ShoraBot/internal/twiliowhatsapp"
	"github.com/BTreeMap/ShoraBot/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// Channel names accepted by WithChannel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

// Default configuration values.
const (
	DefaultAddr            = ":8080"
	DefaultJobPollInterval = 10 * time.Second
)

// Schedules holds the cron expressions of the scheduled triggers. Empty
// expressions disable the trigger.
type Schedules struct {
	DailyTip  string
	Reengage  string
	Cleanup   string
	Broadcast string
	Reminder  string
}

// DefaultSchedules fire at the site's local time.
var DefaultSchedules = Schedules{
	DailyTip:  "0 8 * * *",
	Reengage:  "0 10 * * *",
	Cleanup:   "0 0 * * 0",
	Broadcast: "* * * * *",
	Reminder:  "0 9 * * *",
}

// NotifyConfig selects the incident notifiers. Every field is optional.
type NotifyConfig struct {
	WebhookURL       string
	SupervisorPhones []string
	AMQPURL          string
	AMQPExchange     string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPFrom         string
	SupervisorEmails []string
}

// Opts holds configuration for the API server and its components.
type Opts struct {
	Addr            string
	Channel         string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	StateDir        string
	Timezone        string
	Schedules       Schedules
	Notify          NotifyConfig
	AdvisorEnabled  bool
	ConfirmPresence bool
	Dispatch        []dispatch.Option
	Campaign        []campaign.Option
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannel selects the chat channel (whatsapp or twilio).
func WithChannel(name string) Option {
	return func(o *Opts) { o.Channel = name }
}

// WithTwilioCredentials sets the Twilio account used by the twilio channel.
func WithTwilioCredentials(sid, token, from string) Option {
	return func(o *Opts) {
		o.TwilioSID = sid
		o.TwilioToken = token
		o.TwilioFrom = from
	}
}

// WithStateDir sets the directory guarded by the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithTimezone sets the zone cron expressions and alert timestamps use.
func WithTimezone(name string) Option {
	return func(o *Opts) { o.Timezone = name }
}

// WithSchedules overrides the trigger schedules.
func WithSchedules(s Schedules) Option {
	return func(o *Opts) { o.Schedules = s }
}

// WithNotifyConfig configures the incident notifiers.
func WithNotifyConfig(n NotifyConfig) Option {
	return func(o *Opts) { o.Notify = n }
}

// WithAdvisor enables LLM answers to free-form questions.
func WithAdvisor(enabled bool) Option {
	return func(o *Opts) { o.AdvisorEnabled = enabled }
}

// WithConfirmPresence marks users present on profile validation.
func WithConfirmPresence(enabled bool) Option {
	return func(o *Opts) { o.ConfirmPresence = enabled }
}

// WithDispatchOptions passes options through to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *Opts) { o.Dispatch = append(o.Dispatch, opts...) }
}

// WithCampaignOptions passes options through to the campaign runner.
func WithCampaignOptions(opts ...campaign.Option) Option {
	return func(o *Opts) { o.Campaign = append(o.Campaign, opts...) }
}

func defaultOpts() Opts {
	return Opts{
		Addr:            DefaultAddr,
		Channel:         ChannelWhatsApp,
		Timezone:        scheduler.DefaultTimezone,
		Schedules:       DefaultSchedules,
		ConfirmPresence: true,
	}
}

// Run starts ShoraBot and blocks until SIGINT/SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "channel", cfg.Channel, "timezone", cfg.Timezone, "advisor", cfg.AdvisorEnabled)

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("api.Run: failed to release lock", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	svc, webhook, err := openChannel(ctx, cfg, waOpts)
	if err != nil {
		return err
	}

	var gen *genai.Client
	if c, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("api.Run: GenAI client unavailable, audio replies fall back to text", "error", err)
	} else {
		gen = c
	}

	app, err := newApp(st, svc, gen, cfg)
	if err != nil {
		svc.Stop()
		return err
	}
	defer app.close()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	app.startup(ctx)

	sched := scheduler.NewScheduler(scheduler.WithLocation(app.loc))
	if err := app.registerJobs(sched, cfg.Schedules); err != nil {
		sched.Stop()
		svc.Stop()
		return err
	}

	server := NewServer(svc, webhook)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.router.Run(gctx)
		return nil
	})
	g.Go(func() error {
		app.jobs.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, cfg.Addr)
	})

	slog.Info("api.Run: ShoraBot running", "addr", cfg.Addr, "channel", cfg.Channel)
	err = g.Wait()
	sched.Stop()
	// Drain queued replies while the channel is still open.
	app.close()
	if stopErr := svc.Stop(); stopErr != nil {
		slog.Warn("api.Run: messaging service stop failed", "error", stopErr)
	}
	return err
}

// openChannel connects the configured chat channel. The returned webhook is
// nil for channels that do not receive over HTTP.
func openChannel(ctx context.Context, cfg Opts, waOpts []whatsapp.Option) (messaging.Service, http.HandlerFunc, error) {
	switch cfg.Channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc.TwilioWebhookHandler, nil
	case ChannelWhatsApp, "":
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}
