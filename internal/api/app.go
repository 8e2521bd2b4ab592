package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/campaign"
	"github.com/BTreeMap/ShoraBot/internal/dispatch"
	"github.com/BTreeMap/ShoraBot/internal/flow"
	"github.com/BTreeMap/ShoraBot/internal/genai"
	"github.com/BTreeMap/ShoraBot/internal/incident"
	"github.com/BTreeMap/ShoraBot/internal/messaging"
	"github.com/BTreeMap/ShoraBot/internal/recovery"
	"github.com/BTreeMap/ShoraBot/internal/scheduler"
	"github.com/BTreeMap/ShoraBot/internal/store"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// app is the assembled set of long-lived components.
type app struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	reporter   *incident.Reporter
	engine     *flow.Engine
	router     *messaging.Router
	runner     *campaign.Runner
	jobs       *store.JobRunner
	loc        *time.Location
	closers    []func() error
	closeOnce  sync.Once
}

// newApp builds every component on top of st and channel. gen may be nil,
// in which case audio falls back to text and the advisor is off.
func newApp(st store.Store, channel messaging.Service, gen *genai.Client, cfg Opts) (*app, error) {
	loc := scheduler.LoadLocation(cfg.Timezone)
	cat := templates.Default()
	a := &app{store: st, loc: loc}

	var tts dispatch.Synthesizer
	if gen != nil {
		tts = gen
	}
	a.dispatcher = dispatch.New(channel, tts, cfg.Dispatch...)

	notifier, supervisors, err := a.buildNotifier(cfg.Notify, cat)
	if err != nil {
		a.dispatcher.Close()
		return nil, err
	}
	a.reporter = incident.NewReporter(st, notifier)

	engineOpts := []flow.Option{flow.WithCatalog(cat), flow.WithConfirmPresence(cfg.ConfirmPresence)}
	if cfg.AdvisorEnabled && gen != nil {
		engineOpts = append(engineOpts, flow.WithAdvisor(genai.NewAdvisor(gen)))
	} else if cfg.AdvisorEnabled {
		slog.Warn("api.newApp: advisor requested but no GenAI client is configured")
	}
	a.engine = flow.NewEngine(st, a.dispatcher, a.reporter, engineOpts...)

	a.router = messaging.NewRouter(channel, st, a.engine)

	campaignOpts := []campaign.Option{campaign.WithCatalog(cat)}
	if supervisors != nil {
		campaignOpts = append(campaignOpts, campaign.WithReminder(supervisors))
	}
	a.runner = campaign.NewRunner(st, a.dispatcher, append(campaignOpts, cfg.Campaign...)...)

	a.jobs = store.NewJobRunner(st, DefaultJobPollInterval)
	a.jobs.RegisterHandler(incident.JobKindNotify, a.reporter.HandleNotifyJob)
	return a, nil
}

// buildNotifier assembles the configured notifiers into a Fanout with the
// dashboard webhook as primary. It returns a nil Notifier when nothing is
// configured so incidents simply stay unnotified.
func (a *app) buildNotifier(cfg NotifyConfig, cat *templates.Catalog) (incident.Notifier, *incident.SupervisorNotifier, error) {
	var primary incident.Notifier
	if cfg.WebhookURL != "" {
		primary = incident.NewWebhookNotifier(cfg.WebhookURL, nil)
	}

	var others []incident.Notifier
	var supervisors *incident.SupervisorNotifier
	if len(cfg.SupervisorPhones) > 0 {
		phones := make([]string, 0, len(cfg.SupervisorPhones))
		for _, p := range cfg.SupervisorPhones {
			if canonical := messaging.FormatPhone(p); canonical != "" {
				phones = append(phones, canonical)
			}
		}
		supervisors = incident.NewSupervisorNotifier(phones, a.dispatcher, cat, a.loc)
		others = append(others, supervisors)
	}
	if cfg.AMQPURL != "" {
		exchange := cfg.AMQPExchange
		if exchange == "" {
			exchange = incident.DefaultExchange
		}
		pub, err := incident.NewAMQPNotifier(cfg.AMQPURL, exchange)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect incident exchange: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		others = append(others, pub)
	}
	if cfg.SMTPHost != "" && len(cfg.SupervisorEmails) > 0 {
		others = append(others, incident.NewEmailNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SupervisorEmails, a.loc))
	}

	fan := incident.NewFanout(primary, others...)
	if fan.Len() == 0 {
		slog.Warn("api.buildNotifier: no incident notifier configured")
		return nil, nil, nil
	}
	slog.Info("api.buildNotifier: incident notifiers ready", "count", fan.Len(), "webhook", primary != nil)
	return fan, supervisors, nil
}

// startup runs the one-off recovery and seeding steps. Failures are logged
// and do not stop the service.
func (a *app) startup(ctx context.Context) {
	m := recovery.NewManager()
	m.Register("jobs", recovery.Func(func(context.Context) (int, error) {
		return 0, a.jobs.RecoverStaleJobs()
	}))
	m.Register("incidents", recovery.Func(func(context.Context) (int, error) {
		return a.reporter.Sweep()
	}))
	m.Register("broadcasts", recovery.Func(func(context.Context) (int, error) {
		return a.runner.RecoverStaleBroadcasts()
	}))
	m.Register("tips", recovery.Func(func(context.Context) (int, error) {
		return a.runner.SeedTips()
	}))
	if err := m.RecoverAll(ctx); err != nil {
		slog.Error("api.startup: recovery incomplete", "error", err)
	}
	a.runner.RefreshUserGauge()
}

// registerJobs schedules the campaign triggers. Empty expressions are skipped.
func (a *app) registerJobs(s *scheduler.Scheduler, sch Schedules) error {
	jobs := []struct {
		name string
		expr string
		task scheduler.Task
	}{
		{"daily_tip", sch.DailyTip, countTask(a.runner.SendDailyTips)},
		{"reengagement", sch.Reengage, countTask(a.runner.SendReengagement)},
		{"cleanup", sch.Cleanup, countTask(a.runner.Cleanup)},
		{"broadcasts", sch.Broadcast, countTask(a.runner.PollBroadcasts)},
		{"incident_reminder", sch.Reminder, countTask(a.runner.RemindUnresolved)},
	}
	for _, j := range jobs {
		if j.expr == "" {
			slog.Info("api.registerJobs: trigger disabled", "job", j.name)
			continue
		}
		if err := s.AddJob(j.name, j.expr, j.task); err != nil {
			return err
		}
	}
	return nil
}

func countTask(fn func(context.Context) (int, error)) scheduler.Task {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// close waits for pending notifications, drains the dispatcher and closes
// notifier connections. It is safe to call more than once.
func (a *app) close() {
	a.closeOnce.Do(func() {
		a.reporter.Wait()
		a.dispatcher.Close()
		for _, c := range a.closers {
			if err := c(); err != nil {
				slog.Warn("api.close: close failed", "error", err)
			}
		}
	})
}
