package models

// ConversationState is the dialogue position of one user.
type ConversationState string

const (
	StateNew                  ConversationState = "NEW"
	StateAwaitingMode         ConversationState = "AWAITING_MODE"
	StateAwaitingProfession   ConversationState = "AWAITING_PROFESSION"
	StateAwaitingSiteType     ConversationState = "AWAITING_SITE_TYPE"
	StateAwaitingLanguage     ConversationState = "AWAITING_LANGUAGE"
	StateAwaitingConfirmation ConversationState = "AWAITING_CONFIRMATION"
	StateActive               ConversationState = "ACTIVE"
	StateInactive             ConversationState = "INACTIVE"
)

// AllStates lists every valid conversation state.
var AllStates = []ConversationState{
	StateNew,
	StateAwaitingMode,
	StateAwaitingProfession,
	StateAwaitingSiteType,
	StateAwaitingLanguage,
	StateAwaitingConfirmation,
	StateActive,
	StateInactive,
}

// IsValid reports whether s is one of the enumerated states.
func (s ConversationState) IsValid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsOnboarding reports whether s is one of the AWAITING_* states.
func (s ConversationState) IsOnboarding() bool {
	switch s {
	case StateAwaitingMode, StateAwaitingProfession, StateAwaitingSiteType,
		StateAwaitingLanguage, StateAwaitingConfirmation:
		return true
	}
	return false
}
