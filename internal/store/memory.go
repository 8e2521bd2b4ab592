package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/util"
)

// InMemoryStore keeps everything in process memory. Values are copied in
// and out so callers never share mutable state with the store.
type InMemoryStore struct {
	mu           sync.Mutex
	users        map[string]models.UserProfile
	phoneIndex   map[string]string
	interactions []models.Interaction
	incidents    map[string]models.Incident
	broadcasts   map[string]models.BroadcastJob
	tips         []models.Tip
	jobs         map[string]Job
	dedup        map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:      make(map[string]models.UserProfile),
		phoneIndex: make(map[string]string),
		incidents:  make(map[string]models.Incident),
		broadcasts: make(map[string]models.BroadcastJob),
		jobs:       make(map[string]Job),
		dedup:      make(map[string]DedupRecord),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetUser(id string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *InMemoryStore) GetUserByPhone(phone string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.phoneIndex[phone]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *InMemoryStore) SaveUser(u *models.UserProfile) error {
	if u.ID == "" {
		u.ID = util.NewID(util.PrefixUser)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok && prev.Phone != u.Phone {
		delete(s.phoneIndex, prev.Phone)
	}
	s.users[u.ID] = *u
	s.phoneIndex[u.Phone] = u.ID
	return nil
}

func (s *InMemoryStore) ListUsers(f models.UserFilter) ([]models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserProfile
	for _, u := range s.users {
		if matchUser(u, f) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func matchUser(u models.UserProfile, f models.UserFilter) bool {
	if f.ActiveOnly && !u.Active {
		return false
	}
	if f.ValidatedOnly && !u.Validated {
		return false
	}
	if f.PresenceConfirmedOnly && !u.PresenceConfirmed {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, u.State) {
		return false
	}
	if len(f.Professions) > 0 && !containsString(f.Professions, u.Profession) {
		return false
	}
	if f.Language != "" && u.Language != f.Language {
		return false
	}
	if !f.LastInteractionBefore.IsZero() && !u.LastInteraction.Before(f.LastInteractionBefore) {
		return false
	}
	return true
}

func containsState(states []models.ConversationState, s models.ConversationState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) CountUsersByState() (map[models.ConversationState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.ConversationState]int)
	for _, u := range s.users {
		counts[u.State]++
	}
	return counts, nil
}

func (s *InMemoryStore) TouchUser(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastInteraction = at
	s.users[id] = u
	return nil
}

func (s *InMemoryStore) DeactivateInactiveUsers(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, u := range s.users {
		if u.Active && u.LastInteraction.Before(before) {
			u.Active = false
			u.State = models.StateInactive
			u.UpdatedAt = time.Now()
			s.users[id] = u
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendInteraction(i models.Interaction) error {
	if i.ID == "" {
		i.ID = util.NewID(util.PrefixInteraction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, i)
	return nil
}

func (s *InMemoryStore) ListInteractions(userID string) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Interaction
	for _, i := range s.interactions {
		if i.UserID == userID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountInteractionsByType(userID string) (map[models.InteractionType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.InteractionType]int)
	for _, i := range s.interactions {
		if i.UserID == userID {
			counts[i.Type]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) CreateIncident(i *models.Incident) error {
	if i.ID == "" {
		i.ID = util.NewID(util.PrefixIncident)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[i.ID] = *i
	return nil
}

func (s *InMemoryStore) GetIncident(id string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &i, nil
}

func (s *InMemoryStore) MarkIncidentNotified(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	i.Notified = true
	s.incidents[id] = i
	return nil
}

func (s *InMemoryStore) ListUnnotifiedIncidents(limit int) ([]models.Incident, error) {
	return s.listIncidents(limit, func(i models.Incident) bool { return !i.Notified })
}

func (s *InMemoryStore) ListUnresolvedIncidents(reportedBefore time.Time) ([]models.Incident, error) {
	return s.listIncidents(0, func(i models.Incident) bool {
		return (i.Status == models.IncidentOpen || i.Status == models.IncidentInProgress) &&
			i.ReportedAt.Before(reportedBefore)
	})
}

func (s *InMemoryStore) listIncidents(limit int, keep func(models.Incident) bool) ([]models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Incident
	for _, i := range s.incidents {
		if keep(i) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReportedAt.Before(out[b].ReportedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CreateBroadcast(b *models.BroadcastJob) error {
	if b.ID == "" {
		b.ID = util.NewID(util.PrefixBroadcast)
	}
	if b.Status == "" {
		b.Status = models.BroadcastPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[b.ID] = *b
	return nil
}

func (s *InMemoryStore) GetBroadcast(id string) (*models.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *InMemoryStore) ListDueBroadcasts(now time.Time, limit int) ([]models.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BroadcastJob
	for _, b := range s.broadcasts {
		if b.Status == models.BroadcastPending && (b.ScheduledTime == nil || !b.ScheduledTime.After(now)) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return dueKey(out[i]).Before(dueKey(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dueKey(b models.BroadcastJob) time.Time {
	if b.ScheduledTime != nil {
		return *b.ScheduledTime
	}
	return b.CreatedAt
}

func (s *InMemoryStore) ClaimBroadcast(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != models.BroadcastPending {
		return false, nil
	}
	b.Status = models.BroadcastSending
	b.UpdatedAt = time.Now()
	s.broadcasts[id] = b
	return true, nil
}

func (s *InMemoryStore) UpdateBroadcastProgress(id string, total, success, errors int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != models.BroadcastSending {
		return ErrStaleTransition
	}
	b.TotalRecipients, b.SuccessCount, b.ErrorCount = total, success, errors
	b.UpdatedAt = time.Now()
	s.broadcasts[id] = b
	return nil
}

func (s *InMemoryStore) FinishBroadcast(id string, from models.BroadcastStatus, res BroadcastResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != from || from.IsTerminal() || !res.Status.IsTerminal() {
		return false, nil
	}
	sentAt := res.SentAt
	b.Status = res.Status
	b.TotalRecipients, b.SuccessCount, b.ErrorCount = res.TotalRecipients, res.SuccessCount, res.ErrorCount
	b.SentAt = &sentAt
	b.UpdatedAt = time.Now()
	s.broadcasts[id] = b
	return true, nil
}

func (s *InMemoryStore) ListStaleSendingBroadcasts(updatedBefore time.Time) ([]models.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BroadcastJob
	for _, b := range s.broadcasts {
		if b.Status == models.BroadcastSending && b.UpdatedAt.Before(updatedBefore) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddTip(t *models.Tip) error {
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTip)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tips = append(s.tips, *t)
	return nil
}

func (s *InMemoryStore) ListActiveTips() ([]models.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Tip
	for _, t := range s.tips {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountTips() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tips), nil
}

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusFailed {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID:          util.GenerateRandomID(util.PrefixJob, 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusDone
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	r.ProcessedAt = &now
	s.dedup[messageID] = r
	return nil
}

func (s *InMemoryStore) PruneInbound(receivedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.dedup {
		if r.ReceivedAt.Before(receivedBefore) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}
