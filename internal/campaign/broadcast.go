package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
)

// Execute sends one broadcast to its audience. The job moves
// pending → sending → completed|failed and never back; a job whose audience
// is empty fails without touching the dispatcher.
func (r *Runner) Execute(ctx context.Context, id string) (store.BroadcastResult, error) {
	job, err := r.store.GetBroadcast(id)
	if err != nil {
		return store.BroadcastResult{}, fmt.Errorf("failed to load broadcast %s: %w", id, err)
	}
	if job.Status != models.BroadcastPending {
		return store.BroadcastResult{}, ErrNotPending
	}

	users, err := r.store.ListUsers(job.AudienceFilter())
	if err != nil {
		return store.BroadcastResult{}, fmt.Errorf("failed to resolve audience: %w", err)
	}
	if len(users) == 0 {
		res := store.BroadcastResult{Status: models.BroadcastFailed, SentAt: r.opts.Now()}
		ok, err := r.store.FinishBroadcast(id, models.BroadcastPending, res)
		if err != nil {
			return res, fmt.Errorf("failed to finish broadcast: %w", err)
		}
		if !ok {
			return res, ErrNotPending
		}
		slog.Warn("Runner.Execute: no recipients", "broadcastID", id)
		metrics.RecordBroadcast(string(res.Status))
		return res, nil
	}

	claimed, err := r.store.ClaimBroadcast(id)
	if err != nil {
		return store.BroadcastResult{}, fmt.Errorf("failed to claim broadcast: %w", err)
	}
	if !claimed {
		return store.BroadcastResult{}, ErrNotPending
	}
	slog.Info("Runner.Execute: sending broadcast", "broadcastID", id, "recipients", len(users), "audio", job.SendAsAudio)

	total := len(users)
	var success, failed int
	for i, u := range users {
		msg := broadcastMessage(job, u)
		result := r.out.Send(ctx, msg)
		metrics.RecordCohortSend(cohortBroadcastMessage, result.Success)
		if result.Success {
			success++
		} else {
			failed++
			slog.Warn("Runner.Execute: recipient failed", "broadcastID", id, "to", u.Phone, "error", result.Error)
		}
		if err := r.store.UpdateBroadcastProgress(id, total, success, failed); err != nil {
			slog.Error("Runner.Execute: progress update failed", "broadcastID", id, "error", err)
		}
		if i == len(users)-1 {
			break
		}
		if err := pause(ctx, r.delayFor(msg.Modality)); err != nil {
			// Shutdown: close the job on what was actually attempted.
			total = success + failed
			slog.Warn("Runner.Execute: interrupted", "broadcastID", id, "attempted", total, "error", err)
			break
		}
	}

	res := store.BroadcastResult{
		Status:          models.FinalStatus(success, failed),
		TotalRecipients: total,
		SuccessCount:    success,
		ErrorCount:      failed,
		SentAt:          r.opts.Now(),
	}
	if _, err := r.store.FinishBroadcast(id, models.BroadcastSending, res); err != nil {
		return res, fmt.Errorf("failed to finish broadcast: %w", err)
	}
	metrics.RecordBroadcast(string(res.Status))
	slog.Info("Runner.Execute: broadcast finished", "broadcastID", id, "status", res.Status, "success", success, "errors", failed)
	return res, nil
}

// broadcastMessage is sent as audio when the job asks for it or the user
// prefers audio. The job language, when set, wins over the user's.
func broadcastMessage(job *models.BroadcastJob, u models.UserProfile) models.OutboundMessage {
	modality := u.Modality
	if job.SendAsAudio {
		modality = models.ModalityAudio
	}
	if modality == "" {
		modality = models.ModalityText
	}
	lang := job.Language
	if lang == "" {
		lang = u.Language
	}
	return models.OutboundMessage{
		To:       u.Phone,
		Text:     job.Message,
		Modality: modality,
		Language: lang,
		Priority: models.PriorityBulk,
	}
}

// PollBroadcasts executes every due broadcast. It returns how many jobs it ran.
func (r *Runner) PollBroadcasts(ctx context.Context) (int, error) {
	due, err := r.store.ListDueBroadcasts(r.opts.Now(), r.opts.BroadcastBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due broadcasts: %w", err)
	}
	ran := 0
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Execute(ctx, job.ID); err != nil {
			if errors.Is(err, ErrNotPending) {
				slog.Debug("Runner.PollBroadcasts: already taken", "broadcastID", job.ID)
				continue
			}
			slog.Error("Runner.PollBroadcasts: broadcast failed", "broadcastID", job.ID, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

// RecoverStaleBroadcasts finalizes jobs left in sending by a crash, using
// the counters recorded so far. A job that never reached anyone is failed.
func (r *Runner) RecoverStaleBroadcasts() (int, error) {
	stale, err := r.store.ListStaleSendingBroadcasts(r.opts.Now().Add(-r.opts.StaleSending))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale broadcasts: %w", err)
	}
	n := 0
	for _, job := range stale {
		attempted := job.SuccessCount + job.ErrorCount
		status := models.FinalStatus(job.SuccessCount, job.ErrorCount)
		if attempted == 0 {
			status = models.BroadcastFailed
		}
		res := store.BroadcastResult{
			Status:          status,
			TotalRecipients: attempted,
			SuccessCount:    job.SuccessCount,
			ErrorCount:      job.ErrorCount,
			SentAt:          r.opts.Now(),
		}
		ok, err := r.store.FinishBroadcast(job.ID, models.BroadcastSending, res)
		if err != nil {
			slog.Error("Runner.RecoverStaleBroadcasts: finish failed", "broadcastID", job.ID, "error", err)
			continue
		}
		if ok {
			n++
			metrics.RecordBroadcast(string(status))
			slog.Warn("Runner.RecoverStaleBroadcasts: finalized interrupted broadcast", "broadcastID", job.ID, "status", status, "attempted", attempted)
		}
	}
	return n, nil
}
