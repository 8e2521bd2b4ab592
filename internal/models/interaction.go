package models

import "time"

// InteractionType tags an Interaction record.
type InteractionType string

const (
	InteractionTip        InteractionType = "tip"
	InteractionQuiz       InteractionType = "quiz"
	InteractionAlert      InteractionType = "alert"
	InteractionResponse   InteractionType = "response"
	InteractionIncident   InteractionType = "incident"
	InteractionOnboarding InteractionType = "onboarding"
	InteractionOther      InteractionType = "other"
)

// Interaction is an append-only log record of one exchange.
type Interaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         InteractionType `json:"type"`
	Content      string          `json:"content"`
	IsCorrect    *bool           `json:"is_correct,omitempty"`
	PointsEarned int             `json:"points_earned"`
	Timestamp    time.Time       `json:"timestamp"`
}
