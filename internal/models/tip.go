package models

import "time"

// Tip is a daily safety tip with per-language content.
type Tip struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Content     map[Language]string `json:"content"`
	Category    string              `json:"category,omitempty"`
	Professions []string            `json:"professions,omitempty"`
	Active      bool                `json:"active"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ContentFor returns the tip text in lang, falling back to French.
func (t Tip) ContentFor(lang Language) string {
	if c, ok := t.Content[lang]; ok && c != "" {
		return c
	}
	return t.Content[DefaultLanguage]
}

// AppliesTo reports whether the tip targets the given profession.
// Tips without profession tags apply to everyone.
func (t Tip) AppliesTo(profession string) bool {
	if len(t.Professions) == 0 {
		return true
	}
	for _, p := range t.Professions {
		if p == profession {
			return true
		}
	}
	return false
}
