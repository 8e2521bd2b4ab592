package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// backends returns every store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
		"postgres": func(t *testing.T) Store {
			dsn := getenvOrSkip(t, "DATABASE_URL")
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			for _, table := range []string{"users", "interactions", "incidents", "broadcasts", "tips", "jobs", "inbound_dedup"} {
				s.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":     "postgres",
		"postgresql://localhost/db":       "postgres",
		"host=localhost dbname=shora":     "postgres",
		"/var/lib/shora/shora.db":         "sqlite3",
		"file:shora.db?_busy_timeout=100": "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestWithSQLitePragmas(t *testing.T) {
	cases := map[string]string{
		"/data/shora.db":                   "/data/shora.db?_busy_timeout=5000&_foreign_keys=on",
		"file:/data/shora.db?cache=shared": "file:/data/shora.db?cache=shared&_busy_timeout=5000&_foreign_keys=on",
		"file:shora.db?_busy_timeout=100":  "file:shora.db?_busy_timeout=100",
	}
	for dsn, want := range cases {
		if got := withSQLitePragmas(dsn); got != want {
			t.Errorf("withSQLitePragmas(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewSQLiteStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	s, err := NewSQLiteStore(WithSQLiteDSN("file:" + filepath.Join(dir, "shora.db") + "?cache=shared"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected %s to exist: %v", dir, err)
	}
}

func TestNewWithEmptyDSNIsInMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", s)
	}
}

func TestUserRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			now := time.Now().UTC().Truncate(time.Second)

			u := models.NewUserProfile("", "+22990000001", now)
			if err := s.SaveUser(u); err != nil {
				t.Fatalf("SaveUser: %v", err)
			}
			if u.ID == "" {
				t.Fatal("expected SaveUser to assign an ID")
			}
			got, err := s.GetUserByPhone("+22990000001")
			if err != nil {
				t.Fatalf("GetUserByPhone: %v", err)
			}
			if got.State != models.StateNew || !got.Active || got.Language != models.LanguageFrench {
				t.Errorf("unexpected profile %+v", got)
			}

			got.State = models.StateActive
			got.Profession = "maçon"
			got.Validated = true
			got.PresenceConfirmed = true
			got.Points = 3
			if err := s.SaveUser(got); err != nil {
				t.Fatalf("SaveUser update: %v", err)
			}
			again, err := s.GetUser(u.ID)
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if again.State != models.StateActive || again.Profession != "maçon" || again.Points != 3 {
				t.Errorf("update not persisted: %+v", again)
			}

			if _, err := s.GetUserByPhone("+22999999999"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListUsersFilter(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			now := time.Now().UTC()
			mk := func(phone, profession string, lang models.Language, presence bool, last time.Time) {
				u := models.NewUserProfile("", phone, now)
				u.State = models.StateActive
				u.Validated = true
				u.Profession = profession
				u.Language = lang
				u.PresenceConfirmed = presence
				u.LastInteraction = last
				if err := s.SaveUser(u); err != nil {
					t.Fatalf("SaveUser: %v", err)
				}
			}
			mk("+1", "maçon", models.LanguageFrench, true, now)
			mk("+2", "peintre", models.LanguageFon, true, now.Add(-10*24*time.Hour))
			mk("+3", "maçon", models.LanguageYoruba, false, now)

			base := models.UserFilter{ActiveOnly: true, PresenceConfirmedOnly: true, States: []models.ConversationState{models.StateActive}}
			all, err := s.ListUsers(base)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 presence-confirmed users, got %d", len(all))
			}

			f := base
			f.Professions = []string{"maçon"}
			masons, _ := s.ListUsers(f)
			if len(masons) != 1 || masons[0].Phone != "+1" {
				t.Errorf("profession filter returned %+v", masons)
			}

			f = base
			f.Language = models.LanguageFon
			fon, _ := s.ListUsers(f)
			if len(fon) != 1 || fon[0].Phone != "+2" {
				t.Errorf("language filter returned %+v", fon)
			}

			idle, _ := s.ListUsers(models.UserFilter{ValidatedOnly: true, LastInteractionBefore: now.Add(-7 * 24 * time.Hour)})
			if len(idle) != 1 || idle[0].Phone != "+2" {
				t.Errorf("idle filter returned %+v", idle)
			}

			n, err := s.DeactivateInactiveUsers(now.Add(-7 * 24 * time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("DeactivateInactiveUsers = %d, %v", n, err)
			}
			counts, err := s.CountUsersByState()
			if err != nil {
				t.Fatalf("CountUsersByState: %v", err)
			}
			if counts[models.StateInactive] != 1 || counts[models.StateActive] != 2 {
				t.Errorf("unexpected counts %v", counts)
			}
		})
	}
}

func TestInteractionLog(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ok := true
			for _, typ := range []models.InteractionType{models.InteractionResponse, models.InteractionResponse, models.InteractionQuiz} {
				i := models.Interaction{UserID: "usr_1", Type: typ, Content: "x", Timestamp: time.Now()}
				if typ == models.InteractionQuiz {
					i.IsCorrect = &ok
					i.PointsEarned = 10
				}
				if err := s.AppendInteraction(i); err != nil {
					t.Fatalf("AppendInteraction: %v", err)
				}
			}
			list, err := s.ListInteractions("usr_1")
			if err != nil || len(list) != 3 {
				t.Fatalf("ListInteractions = %d, %v", len(list), err)
			}
			counts, err := s.CountInteractionsByType("usr_1")
			if err != nil {
				t.Fatalf("CountInteractionsByType: %v", err)
			}
			if counts[models.InteractionResponse] != 2 || counts[models.InteractionQuiz] != 1 {
				t.Errorf("unexpected counts %v", counts)
			}
		})
	}
}

func TestIncidentRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			old := &models.Incident{Type: "danger", Description: "chute", Severity: models.SeverityHigh,
				Status: models.IncidentOpen, MediaType: models.MediaNone, ReportedAt: time.Now().Add(-48 * time.Hour)}
			anon := &models.Incident{Type: "danger", Description: "feu", Severity: models.SeverityHigh,
				Status: models.IncidentOpen, MediaType: models.MediaNone, ReportedAt: time.Now()}
			for _, i := range []*models.Incident{old, anon} {
				if err := s.CreateIncident(i); err != nil {
					t.Fatalf("CreateIncident: %v", err)
				}
			}
			got, err := s.GetIncident(anon.ID)
			if err != nil {
				t.Fatalf("GetIncident: %v", err)
			}
			if got.UserID != "" || got.Notified {
				t.Errorf("unexpected anonymous incident %+v", got)
			}
			pending, _ := s.ListUnnotifiedIncidents(10)
			if len(pending) != 2 {
				t.Fatalf("expected 2 unnotified, got %d", len(pending))
			}
			if err := s.MarkIncidentNotified(old.ID); err != nil {
				t.Fatalf("MarkIncidentNotified: %v", err)
			}
			pending, _ = s.ListUnnotifiedIncidents(10)
			if len(pending) != 1 || pending[0].ID != anon.ID {
				t.Errorf("unexpected unnotified %+v", pending)
			}
			stale, _ := s.ListUnresolvedIncidents(time.Now().Add(-24 * time.Hour))
			if len(stale) != 1 || stale[0].ID != old.ID {
				t.Errorf("unexpected unresolved %+v", stale)
			}
			if err := s.MarkIncidentNotified("inc_missing"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestBroadcastClaimIsCompareAndSet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			past := time.Now().Add(-10 * time.Minute)
			future := time.Now().Add(time.Hour)
			due := &models.BroadcastJob{Message: "casque", TargetProfessions: []string{"maçon"}, ScheduledTime: &past}
			later := &models.BroadcastJob{Message: "plus tard", ScheduledTime: &future}
			for _, b := range []*models.BroadcastJob{due, later} {
				if err := s.CreateBroadcast(b); err != nil {
					t.Fatalf("CreateBroadcast: %v", err)
				}
			}
			list, err := s.ListDueBroadcasts(time.Now(), 10)
			if err != nil {
				t.Fatalf("ListDueBroadcasts: %v", err)
			}
			if len(list) != 1 || list[0].ID != due.ID || len(list[0].TargetProfessions) != 1 {
				t.Fatalf("unexpected due list %+v", list)
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.ClaimBroadcast(due.ID)
					if err != nil {
						t.Errorf("ClaimBroadcast: %v", err)
						return
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one claim to win, got %d", wins)
			}

			if err := s.UpdateBroadcastProgress(due.ID, 3, 1, 1); err != nil {
				t.Fatalf("UpdateBroadcastProgress: %v", err)
			}
			ok, err := s.FinishBroadcast(due.ID, models.BroadcastSending, BroadcastResult{
				Status: models.BroadcastCompleted, TotalRecipients: 3, SuccessCount: 2, ErrorCount: 1, SentAt: time.Now(),
			})
			if err != nil || !ok {
				t.Fatalf("FinishBroadcast = %v, %v", ok, err)
			}
			ok, _ = s.FinishBroadcast(due.ID, models.BroadcastSending, BroadcastResult{Status: models.BroadcastFailed, SentAt: time.Now()})
			if ok {
				t.Error("terminal job must not transition again")
			}
			got, _ := s.GetBroadcast(due.ID)
			if got.Status != models.BroadcastCompleted || got.SuccessCount+got.ErrorCount != got.TotalRecipients || got.SentAt == nil {
				t.Errorf("unexpected final job %+v", got)
			}
			if ok, _ := s.ClaimBroadcast(due.ID); ok {
				t.Error("completed job must not be claimable")
			}
		})
	}
}

func TestFinishPendingBroadcastDirectly(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			b := &models.BroadcastJob{Message: "vide"}
			if err := s.CreateBroadcast(b); err != nil {
				t.Fatalf("CreateBroadcast: %v", err)
			}
			ok, err := s.FinishBroadcast(b.ID, models.BroadcastPending, BroadcastResult{Status: models.BroadcastFailed, SentAt: time.Now()})
			if err != nil || !ok {
				t.Fatalf("FinishBroadcast = %v, %v", ok, err)
			}
			got, _ := s.GetBroadcast(b.ID)
			if got.Status != models.BroadcastFailed || got.ErrorCount != 0 {
				t.Errorf("unexpected job %+v", got)
			}
		})
	}
}

func TestTipRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			tip := &models.Tip{Title: "Casque", Active: true, Professions: []string{"maçon"},
				Content: map[models.Language]string{models.LanguageFrench: "Porte ton casque"}}
			inactive := &models.Tip{Title: "Vieux", Active: false, Content: map[models.Language]string{models.LanguageFrench: "x"}}
			for _, tp := range []*models.Tip{tip, inactive} {
				if err := s.AddTip(tp); err != nil {
					t.Fatalf("AddTip: %v", err)
				}
			}
			n, _ := s.CountTips()
			if n != 2 {
				t.Errorf("CountTips = %d", n)
			}
			tips, err := s.ListActiveTips()
			if err != nil || len(tips) != 1 {
				t.Fatalf("ListActiveTips = %d, %v", len(tips), err)
			}
			if tips[0].ContentFor(models.LanguageFon) != "Porte ton casque" || !tips[0].AppliesTo("maçon") {
				t.Errorf("unexpected tip %+v", tips[0])
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			first, err := s.RecordInbound("msg-1", "+22990000001")
			if err != nil || !first {
				t.Fatalf("RecordInbound first = %v, %v", first, err)
			}
			again, err := s.RecordInbound("msg-1", "+22990000001")
			if err != nil || again {
				t.Fatalf("RecordInbound duplicate = %v, %v", again, err)
			}
			if err := s.MarkProcessed("msg-1"); err != nil {
				t.Fatalf("MarkProcessed: %v", err)
			}
			n, err := s.PruneInbound(time.Now().Add(time.Minute))
			if err != nil || n != 1 {
				t.Fatalf("PruneInbound = %d, %v", n, err)
			}
		})
	}
}
