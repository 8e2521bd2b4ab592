package campaign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// SendDailyTips sends one tip to every active, presence-confirmed user.
// It returns the number of successful sends.
func (r *Runner) SendDailyTips(ctx context.Context) (int, error) {
	tips, err := r.store.ListActiveTips()
	if err != nil {
		return 0, fmt.Errorf("failed to list tips: %w", err)
	}
	if len(tips) == 0 {
		slog.Warn("Runner.SendDailyTips: no active tips")
		return 0, nil
	}
	users, err := r.store.ListUsers(models.UserFilter{
		ActiveOnly:            true,
		PresenceConfirmedOnly: true,
		States:                []models.ConversationState{models.StateActive},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list tip audience: %w", err)
	}

	sent := r.sendCohort(ctx, cohortDailyTip, users, func(u models.UserProfile) string {
		tip := r.pickTip(tips, u.Profession)
		prefix := r.opts.Catalog.Resolve("tip_prefix", u.Language, nil)
		return prefix + " " + tip.ContentFor(u.Language)
	}, nil)
	slog.Info("Runner.SendDailyTips: done", "sent", sent, "audience", len(users))
	return sent, nil
}

// pickTip draws among the tips that apply to profession, or among all tips
// when none does.
func (r *Runner) pickTip(tips []models.Tip, profession string) models.Tip {
	relevant := make([]models.Tip, 0, len(tips))
	for _, t := range tips {
		if t.AppliesTo(profession) {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) == 0 {
		relevant = tips
	}
	return relevant[r.opts.Rand.Intn(len(relevant))]
}

// SendReengagement nudges validated users who have been silent longer than
// the inactivity threshold. A successful nudge refreshes lastInteraction so
// the user is not nudged again on the next run.
func (r *Runner) SendReengagement(ctx context.Context) (int, error) {
	users, err := r.store.ListUsers(models.UserFilter{
		ActiveOnly:            true,
		ValidatedOnly:         true,
		States:                []models.ConversationState{models.StateActive},
		LastInteractionBefore: r.opts.Now().Add(-r.opts.InactiveAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list inactive users: %w", err)
	}
	if len(users) == 0 {
		slog.Info("Runner.SendReengagement: nobody to nudge")
		return 0, nil
	}

	sent := r.sendCohort(ctx, cohortReengagement, users, func(u models.UserProfile) string {
		return r.opts.Catalog.Resolve("reengage", u.Language, templates.Vars{"name": u.Name})
	}, func(u models.UserProfile) {
		if err := r.store.TouchUser(u.ID, r.opts.Now()); err != nil {
			slog.Error("Runner.SendReengagement: touch failed", "userID", u.ID, "error", err)
		}
	})
	slog.Info("Runner.SendReengagement: done", "sent", sent, "audience", len(users))
	return sent, nil
}

// sendCohort sends one rendered message per user, pausing between
// recipients. A failing recipient never stops the cohort.
func (r *Runner) sendCohort(ctx context.Context, job string, users []models.UserProfile, render func(models.UserProfile) string, onSuccess func(models.UserProfile)) int {
	sent := 0
	for i, u := range users {
		msg := models.OutboundMessage{
			To:       u.Phone,
			Text:     render(u),
			Modality: u.Modality,
			Language: u.Language,
			Priority: models.PriorityBulk,
		}
		result := r.out.Send(ctx, msg)
		metrics.RecordCohortSend(job, result.Success)
		if result.Success {
			sent++
			if onSuccess != nil {
				onSuccess(u)
			}
		} else {
			slog.Warn("Runner.sendCohort: send failed", "job", job, "to", u.Phone, "error", result.Error)
		}
		if i == len(users)-1 {
			break
		}
		if err := pause(ctx, r.delayFor(msg.Modality)); err != nil {
			slog.Warn("Runner.sendCohort: interrupted", "job", job, "remaining", len(users)-i-1)
			break
		}
	}
	return sent
}

// Cleanup deactivates users idle past the cleanup threshold, prunes the
// inbound de-duplication table and refreshes the users-per-state gauge.
func (r *Runner) Cleanup(ctx context.Context) (int, error) {
	now := r.opts.Now()
	n, err := r.store.DeactivateInactiveUsers(now.Add(-r.opts.CleanupAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate users: %w", err)
	}
	slog.Info("Runner.Cleanup: users marked inactive", "count", n)

	if pruned, err := r.store.PruneInbound(now.Add(-r.opts.DedupRetention)); err != nil {
		slog.Error("Runner.Cleanup: dedup prune failed", "error", err)
	} else if pruned > 0 {
		slog.Debug("Runner.Cleanup: pruned dedup records", "count", pruned)
	}
	r.RefreshUserGauge()
	return n, nil
}

// RefreshUserGauge publishes the number of users per conversation state.
func (r *Runner) RefreshUserGauge() {
	counts, err := r.store.CountUsersByState()
	if err != nil {
		slog.Error("Runner.RefreshUserGauge: count failed", "error", err)
		return
	}
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}
	metrics.SetUsersByState(byState)
}

// RemindUnresolved tells supervisors how many incidents are still open
// after the reminder age. Nothing is sent when there are none.
func (r *Runner) RemindUnresolved(ctx context.Context) (int, error) {
	if r.opts.Reminder == nil {
		return 0, nil
	}
	open, err := r.store.ListUnresolvedIncidents(r.opts.Now().Add(-r.opts.ReminderAge))
	if err != nil {
		return 0, fmt.Errorf("failed to list unresolved incidents: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}
	if err := r.opts.Reminder.Remind(ctx, len(open)); err != nil {
		return len(open), fmt.Errorf("failed to remind supervisors: %w", err)
	}
	slog.Info("Runner.RemindUnresolved: reminder sent", "unresolved", len(open))
	return len(open), nil
}

// SeedTips inserts the catalogue tips when the tips table is empty.
func (r *Runner) SeedTips() (int, error) {
	n, err := r.store.CountTips()
	if err != nil {
		return 0, fmt.Errorf("failed to count tips: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	seeds := r.opts.Catalog.SeedTips(r.opts.Now())
	for i := range seeds {
		if err := r.store.AddTip(&seeds[i]); err != nil {
			return i, fmt.Errorf("failed to seed tip %q: %w", seeds[i].Title, err)
		}
	}
	slog.Info("Runner.SeedTips: seeded tips", "count", len(seeds))
	return len(seeds), nil
}
