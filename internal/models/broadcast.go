package models

import "time"

// BroadcastStatus moves monotonically pending → sending → completed|failed.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastSending   BroadcastStatus = "sending"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s BroadcastStatus) IsTerminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed
}

// BroadcastJob is a campaign message sent to a filtered audience.
type BroadcastJob struct {
	ID                string          `json:"id"`
	Subject           string          `json:"subject,omitempty"`
	Message           string          `json:"message"`
	Language          Language        `json:"language,omitempty"`
	TargetProfessions []string        `json:"target_professions,omitempty"`
	TargetLanguage    Language        `json:"target_language,omitempty"`
	SendAsAudio       bool            `json:"send_as_audio"`
	ScheduledTime     *time.Time      `json:"scheduled_time,omitempty"`
	Status            BroadcastStatus `json:"status"`
	TotalRecipients   int             `json:"total_recipients"`
	SuccessCount      int             `json:"success_count"`
	ErrorCount        int             `json:"error_count"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AudienceFilter returns the cohort filter for this job.
func (b *BroadcastJob) AudienceFilter() UserFilter {
	return UserFilter{
		ActiveOnly:            true,
		PresenceConfirmedOnly: true,
		States:                []ConversationState{StateActive},
		Professions:           b.TargetProfessions,
		Language:              b.TargetLanguage,
	}
}

// FinalStatus applies the completion rule to the counters of a job that had
// a non-empty audience. Empty audiences are failed before sending starts.
func FinalStatus(successCount, errorCount int) BroadcastStatus {
	if successCount > 0 || errorCount == 0 {
		return BroadcastCompleted
	}
	return BroadcastFailed
}
