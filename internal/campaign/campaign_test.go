package campaign

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, msg models.OutboundMessage) models.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.fail[msg.To] {
		return models.DeliveryResult{Modality: msg.Modality, Error: "unreachable"}
	}
	return models.DeliveryResult{Success: true, Modality: msg.Modality}
}

func (f *fakeSender) sent() []models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OutboundMessage(nil), f.msgs...)
}

type fakeReminder struct {
	counts []int
	err    error
}

func (f *fakeReminder) Remind(_ context.Context, count int) error {
	f.counts = append(f.counts, count)
	return f.err
}

var fixedNow = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

func newRunner(st Store, out Sender, opts ...Option) *Runner {
	base := []Option{
		WithDelays(0, 0),
		WithClock(func() time.Time { return fixedNow }),
		WithRand(rand.New(rand.NewSource(1))),
	}
	return NewRunner(st, out, append(base, opts...)...)
}

func addUser(t *testing.T, st *store.InMemoryStore, phone string, mutate func(*models.UserProfile)) *models.UserProfile {
	t.Helper()
	u := models.NewUserProfile("", phone, fixedNow)
	// Creation order follows the last digit so cohorts are listed deterministically.
	u.CreatedAt = fixedNow.Add(time.Duration(phone[len(phone)-1]-'0') * time.Second)
	u.State = models.StateActive
	u.Validated = true
	u.PresenceConfirmed = true
	u.Profession = "maçon"
	if mutate != nil {
		mutate(u)
	}
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	return u
}

func addBroadcast(t *testing.T, st *store.InMemoryStore, b *models.BroadcastJob) string {
	t.Helper()
	if err := st.CreateBroadcast(b); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	return b.ID
}

func TestExecuteBroadcastCompletes(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", nil)
	addUser(t, st, "+22990000002", func(u *models.UserProfile) { u.Modality = models.ModalityAudio })
	addUser(t, st, "+22990000003", func(u *models.UserProfile) { u.PresenceConfirmed = false })
	addUser(t, st, "+22990000004", func(u *models.UserProfile) { u.Profession = "peintre" })
	id := addBroadcast(t, st, &models.BroadcastJob{Message: "Port du casque obligatoire", TargetProfessions: []string{"maçon"}})

	out := &fakeSender{}
	res, err := newRunner(st, out).Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != models.BroadcastCompleted || res.TotalRecipients != 2 || res.SuccessCount != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	msgs := out.sent()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Priority != models.PriorityBulk {
			t.Errorf("broadcast must use the bulk lane: %+v", m)
		}
	}
	if msgs[1].Modality != models.ModalityAudio {
		t.Errorf("audio user should receive audio, got %s", msgs[1].Modality)
	}

	job, _ := st.GetBroadcast(id)
	if job.Status != models.BroadcastCompleted || job.SentAt == nil {
		t.Errorf("unexpected stored job %+v", job)
	}
}

func TestExecuteCompletionRule(t *testing.T) {
	tests := []struct {
		name string
		fail map[string]bool
		want models.BroadcastStatus
	}{
		{"partial failure completes", map[string]bool{"+22990000001": true}, models.BroadcastCompleted},
		{"all failed", map[string]bool{"+22990000001": true, "+22990000002": true}, models.BroadcastFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			addUser(t, st, "+22990000001", nil)
			addUser(t, st, "+22990000002", nil)
			id := addBroadcast(t, st, &models.BroadcastJob{Message: "x", SendAsAudio: true})

			out := &fakeSender{fail: tt.fail}
			res, err := newRunner(st, out).Execute(context.Background(), id)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Status)
			}
			if res.SuccessCount+res.ErrorCount != 2 {
				t.Errorf("every recipient must be attempted: %+v", res)
			}
			for _, m := range out.sent() {
				if m.Modality != models.ModalityAudio {
					t.Errorf("audio broadcast sent as %s", m.Modality)
				}
			}
		})
	}
}

func TestExecuteEmptyAudienceFails(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", func(u *models.UserProfile) { u.Language = models.LanguageFon })
	id := addBroadcast(t, st, &models.BroadcastJob{Message: "x", TargetLanguage: models.LanguageYoruba})

	out := &fakeSender{}
	res, err := newRunner(st, out).Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != models.BroadcastFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
	if len(out.sent()) != 0 {
		t.Error("dispatcher must not be called for an empty audience")
	}
	job, _ := st.GetBroadcast(id)
	if job.Status != models.BroadcastFailed {
		t.Errorf("expected stored status failed, got %s", job.Status)
	}
}

func TestExecuteIsNotRepeated(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", nil)
	id := addBroadcast(t, st, &models.BroadcastJob{Message: "x"})
	out := &fakeSender{}
	r := newRunner(st, out)

	if _, err := r.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := r.Execute(context.Background(), id); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if len(out.sent()) != 1 {
		t.Errorf("expected a single send, got %d", len(out.sent()))
	}
}

func TestOverlappingPollsSendOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	for _, p := range []string{"+22990000001", "+22990000002", "+22990000003"} {
		addUser(t, st, p, nil)
	}
	past := fixedNow.Add(-time.Minute)
	addBroadcast(t, st, &models.BroadcastJob{Message: "a", ScheduledTime: &past})
	addBroadcast(t, st, &models.BroadcastJob{Message: "b"})

	out := &fakeSender{}
	r := newRunner(st, out)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.PollBroadcasts(context.Background()); err != nil {
				t.Errorf("PollBroadcasts: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(out.sent()); n != 6 {
		t.Errorf("expected each broadcast sent once to 3 users (6 sends), got %d", n)
	}
}

func TestPollSkipsFutureBroadcasts(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", nil)
	future := fixedNow.Add(time.Hour)
	id := addBroadcast(t, st, &models.BroadcastJob{Message: "later", ScheduledTime: &future})

	ran, err := newRunner(st, &fakeSender{}).PollBroadcasts(context.Background())
	if err != nil {
		t.Fatalf("PollBroadcasts: %v", err)
	}
	if ran != 0 {
		t.Errorf("expected nothing to run, got %d", ran)
	}
	job, _ := st.GetBroadcast(id)
	if job.Status != models.BroadcastPending {
		t.Errorf("future job must stay pending, got %s", job.Status)
	}
}

func TestRecoverStaleBroadcasts(t *testing.T) {
	st := store.NewInMemoryStore()
	partial := addBroadcast(t, st, &models.BroadcastJob{Message: "x"})
	untouched := addBroadcast(t, st, &models.BroadcastJob{Message: "y"})
	for _, id := range []string{partial, untouched} {
		if ok, err := st.ClaimBroadcast(id); err != nil || !ok {
			t.Fatalf("ClaimBroadcast(%s) = %v, %v", id, ok, err)
		}
	}
	if err := st.UpdateBroadcastProgress(partial, 10, 3, 1); err != nil {
		t.Fatalf("UpdateBroadcastProgress: %v", err)
	}

	r := newRunner(st, &fakeSender{}, WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	n, err := r.RecoverStaleBroadcasts()
	if err != nil {
		t.Fatalf("RecoverStaleBroadcasts: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered, got %d", n)
	}
	job, _ := st.GetBroadcast(partial)
	if job.Status != models.BroadcastCompleted || job.TotalRecipients != 4 {
		t.Errorf("unexpected partial job %+v", job)
	}
	job, _ = st.GetBroadcast(untouched)
	if job.Status != models.BroadcastFailed {
		t.Errorf("job that reached nobody should fail, got %s", job.Status)
	}
}

func TestDailyTipsPreferProfession(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", func(u *models.UserProfile) { u.Profession = "électricien" })
	addUser(t, st, "+22990000002", func(u *models.UserProfile) { u.Profession = "peintre"; u.Language = models.LanguageYoruba })
	addUser(t, st, "+22990000003", func(u *models.UserProfile) { u.PresenceConfirmed = false })

	tips := []models.Tip{
		{Title: "elec", Professions: []string{"électricien"}, Active: true, Content: map[models.Language]string{models.LanguageFrench: "Coupe le courant."}},
		{Title: "roof", Professions: []string{"charpentier"}, Active: true, Content: map[models.Language]string{models.LanguageFrench: "Attache ton harnais."}},
		{Title: "off", Active: false, Content: map[models.Language]string{models.LanguageFrench: "inactif"}},
	}
	for i := range tips {
		if err := st.AddTip(&tips[i]); err != nil {
			t.Fatalf("AddTip: %v", err)
		}
	}

	out := &fakeSender{}
	sent, err := newRunner(st, out).SendDailyTips(context.Background())
	if err != nil {
		t.Fatalf("SendDailyTips: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 tips sent, got %d", sent)
	}
	msgs := out.sent()
	if msgs[0].To != "+22990000001" || !strings.Contains(msgs[0].Text, "Coupe le courant") {
		t.Errorf("electrician should get the electrical tip, got %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[0].Text, "💡 Astuce du jour:") {
		t.Errorf("missing tip prefix: %q", msgs[0].Text)
	}
	// No tip applies to a painter, so any active tip may be drawn.
	if strings.Contains(msgs[1].Text, "inactif") {
		t.Errorf("inactive tip sent: %q", msgs[1].Text)
	}
	if msgs[1].Language != models.LanguageYoruba || msgs[1].Priority != models.PriorityBulk {
		t.Errorf("unexpected envelope %+v", msgs[1])
	}
}

func TestDailyTipsWithoutTips(t *testing.T) {
	st := store.NewInMemoryStore()
	addUser(t, st, "+22990000001", nil)
	out := &fakeSender{}
	if sent, err := newRunner(st, out).SendDailyTips(context.Background()); err != nil || sent != 0 {
		t.Errorf("expected no sends, got %d, %v", sent, err)
	}
}

func TestReengagementTouchesUsers(t *testing.T) {
	st := store.NewInMemoryStore()
	idle := addUser(t, st, "+22990000001", func(u *models.UserProfile) {
		u.Name = "Koffi"
		u.LastInteraction = fixedNow.Add(-10 * 24 * time.Hour)
	})
	addUser(t, st, "+22990000002", func(u *models.UserProfile) { u.LastInteraction = fixedNow.Add(-time.Hour) })
	addUser(t, st, "+22990000003", func(u *models.UserProfile) {
		u.Validated = false
		u.LastInteraction = fixedNow.Add(-10 * 24 * time.Hour)
	})
	failing := addUser(t, st, "+22990000004", func(u *models.UserProfile) { u.LastInteraction = fixedNow.Add(-8 * 24 * time.Hour) })

	out := &fakeSender{fail: map[string]bool{"+22990000004": true}}
	r := newRunner(st, out)
	sent, err := r.SendReengagement(context.Background())
	if err != nil {
		t.Fatalf("SendReengagement: %v", err)
	}
	if sent != 1 || len(out.sent()) != 2 {
		t.Fatalf("expected 1 success out of 2 attempts, got %d/%d", sent, len(out.sent()))
	}
	if !strings.Contains(out.sent()[0].Text, "Salut Koffi") {
		t.Errorf("unexpected nudge %q", out.sent()[0].Text)
	}

	u, _ := st.GetUser(idle.ID)
	if !u.LastInteraction.Equal(fixedNow) {
		t.Errorf("expected lastInteraction refreshed, got %v", u.LastInteraction)
	}
	f, _ := st.GetUser(failing.ID)
	if f.LastInteraction.Equal(fixedNow) {
		t.Error("failed nudge must not refresh lastInteraction")
	}

	// The refreshed user is not nudged again on the next run.
	out2 := &fakeSender{}
	if _, err := newRunner(st, out2).SendReengagement(context.Background()); err != nil {
		t.Fatalf("SendReengagement: %v", err)
	}
	for _, m := range out2.sent() {
		if m.To == idle.Phone {
			t.Error("user nudged twice")
		}
	}
}

func TestCleanupDeactivatesIdleUsers(t *testing.T) {
	st := store.NewInMemoryStore()
	old := addUser(t, st, "+22990000001", func(u *models.UserProfile) { u.LastInteraction = fixedNow.Add(-31 * 24 * time.Hour) })
	recent := addUser(t, st, "+22990000002", func(u *models.UserProfile) { u.LastInteraction = fixedNow.Add(-29 * 24 * time.Hour) })

	n, err := newRunner(st, &fakeSender{}).Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deactivated, got %d", n)
	}
	u, _ := st.GetUser(old.ID)
	if u.Active || u.State != models.StateInactive {
		t.Errorf("expected inactive user, got active=%v state=%s", u.Active, u.State)
	}
	u, _ = st.GetUser(recent.ID)
	if !u.Active || u.State != models.StateActive {
		t.Errorf("recent user must stay active, got active=%v state=%s", u.Active, u.State)
	}
}

func TestRemindUnresolved(t *testing.T) {
	st := store.NewInMemoryStore()
	for _, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		inc := &models.Incident{Description: "x", Severity: models.SeverityHigh, Status: models.IncidentOpen, ReportedAt: fixedNow.Add(-age)}
		if err := st.CreateIncident(inc); err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
	}

	if n, err := newRunner(st, &fakeSender{}).RemindUnresolved(context.Background()); err != nil || n != 0 {
		t.Errorf("without a reminder nothing happens, got %d, %v", n, err)
	}

	rem := &fakeReminder{}
	n, err := newRunner(st, &fakeSender{}, WithReminder(rem)).RemindUnresolved(context.Background())
	if err != nil {
		t.Fatalf("RemindUnresolved: %v", err)
	}
	if n != 2 || len(rem.counts) != 1 || rem.counts[0] != 2 {
		t.Errorf("expected one reminder for 2 incidents, got n=%d counts=%v", n, rem.counts)
	}

	rem.err = errors.New("no supervisor")
	if _, err := newRunner(st, &fakeSender{}, WithReminder(rem)).RemindUnresolved(context.Background()); err == nil {
		t.Error("expected reminder error")
	}
}

func TestSeedTipsOnlyWhenEmpty(t *testing.T) {
	st := store.NewInMemoryStore()
	r := newRunner(st, &fakeSender{})

	n, err := r.SeedTips()
	if err != nil {
		t.Fatalf("SeedTips: %v", err)
	}
	if n == 0 {
		t.Fatal("expected catalogue tips to be seeded")
	}
	if again, err := r.SeedTips(); err != nil || again != 0 {
		t.Errorf("second seeding must be a no-op, got %d, %v", again, err)
	}
	count, _ := st.CountTips()
	if count != n {
		t.Errorf("expected %d tips stored, got %d", n, count)
	}
}

func TestPauseHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := pause(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("pause ignored cancellation")
	}
}

func TestRetentionOptions(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewRunner(st, &fakeSender{}, WithDedupRetention(48*time.Hour), WithStaleSending(time.Hour))
	if r.opts.DedupRetention != 48*time.Hour || r.opts.StaleSending != time.Hour {
		t.Errorf("options not applied: %v / %v", r.opts.DedupRetention, r.opts.StaleSending)
	}

	r = NewRunner(st, &fakeSender{}, WithDedupRetention(0), WithStaleSending(-time.Minute))
	if r.opts.DedupRetention != DefaultDedupRetention || r.opts.StaleSending != DefaultStaleSending {
		t.Errorf("non-positive values should fall back to defaults: %v / %v", r.opts.DedupRetention, r.opts.StaleSending)
	}
}
