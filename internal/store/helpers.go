package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// utcPtr converts an optional time to a nullable UTC column value.
func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanUser(row rowScanner) (*models.UserProfile, error) {
	var u models.UserProfile
	var lang, modality, state string
	err := row.Scan(
		&u.ID, &u.Phone, &u.Name, &u.Profession, &u.SiteType, &lang, &modality, &state, &u.OnboardingStep,
		&u.Validated, &u.Active, &u.Points, &u.PresenceConfirmed, &u.PendingQuizID,
		&u.LastInteraction, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Language = models.Language(lang)
	u.Modality = models.Modality(modality)
	u.State = models.ConversationState(state)
	return &u, nil
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var i models.Incident
	var userID sql.NullString
	var mediaType, severity, status string
	err := row.Scan(
		&i.ID, &userID, &i.Type, &i.Description, &i.MediaRef, &mediaType, &i.Location,
		&severity, &status, &i.Notified, &i.ReportedAt,
	)
	if err != nil {
		return nil, err
	}
	i.UserID = userID.String
	i.MediaType = models.MediaType(mediaType)
	i.Severity = models.Severity(severity)
	i.Status = models.IncidentStatus(status)
	return &i, nil
}

func scanBroadcast(row rowScanner) (*models.BroadcastJob, error) {
	var j models.BroadcastJob
	var lang, professions, targetLang, status string
	var scheduled, sentAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Subject, &j.Message, &lang, &professions, &targetLang, &j.SendAsAudio,
		&scheduled, &status, &j.TotalRecipients, &j.SuccessCount, &j.ErrorCount, &sentAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if professions != "" {
		if err := json.Unmarshal([]byte(professions), &j.TargetProfessions); err != nil {
			return nil, fmt.Errorf("decode target professions: %w", err)
		}
	}
	j.Language = models.Language(lang)
	j.TargetLanguage = models.Language(targetLang)
	j.Status = models.BroadcastStatus(status)
	if scheduled.Valid {
		j.ScheduledTime = &scheduled.Time
	}
	if sentAt.Valid {
		j.SentAt = &sentAt.Time
	}
	return &j, nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
