// Package models defines the core data structures for ShoraBot.
//
// It includes user profiles, conversation states, interactions, incidents,
// broadcast jobs and the message envelopes shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for validation shared across packages.
var (
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyMessage   = errors.New("message text cannot be empty")
)

// Language is one of the supported conversation languages.
type Language string

const (
	LanguageFrench Language = "fr"
	LanguageFon    Language = "fon"
	LanguageYoruba Language = "yoruba"
)

// DefaultLanguage is used until the user picks one.
const DefaultLanguage = LanguageFrench

// IsValid reports whether l is a supported language.
func (l Language) IsValid() bool {
	switch l {
	case LanguageFrench, LanguageFon, LanguageYoruba:
		return true
	}
	return false
}

// Modality is the rendering preference for outbound messages.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// UserProfile is the per-recipient record owned by the conversation engine.
type UserProfile struct {
	ID                string            `json:"id"`
	Phone             string            `json:"phone"`
	Name              string            `json:"name,omitempty"`
	Profession        string            `json:"profession,omitempty"`
	SiteType          string            `json:"site_type,omitempty"`
	Language          Language          `json:"language"`
	Modality          Modality          `json:"modality"`
	State             ConversationState `json:"state"`
	OnboardingStep    int               `json:"onboarding_step"`
	Validated         bool              `json:"validated"`
	Active            bool              `json:"active"`
	Points            int               `json:"points"`
	PresenceConfirmed bool              `json:"presence_confirmed"`
	PendingQuizID     string            `json:"pending_quiz_id,omitempty"`
	LastInteraction   time.Time         `json:"last_interaction"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewUserProfile returns a profile for a first-contact recipient in state NEW.
func NewUserProfile(id, phone string, now time.Time) *UserProfile {
	return &UserProfile{
		ID:              id,
		Phone:           phone,
		Language:        DefaultLanguage,
		Modality:        ModalityText,
		State:           StateNew,
		Active:          true,
		LastInteraction: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DisplayName returns the name or the anonymous marker.
func (u *UserProfile) DisplayName() string {
	if u == nil || u.Name == "" {
		return AnonymousName
	}
	return u.Name
}

// AnonymousName is used for reporters without a profile or a name.
const AnonymousName = "Anonyme"

// UserFilter narrows a cohort query. Zero values mean "no constraint".
type UserFilter struct {
	ActiveOnly            bool
	ValidatedOnly         bool
	PresenceConfirmedOnly bool
	States                []ConversationState
	Professions           []string
	Language              Language
	LastInteractionBefore time.Time
}
