package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/ShoraBot/internal/models"
)

var advisorLanguageNames = map[models.Language]string{
	models.LanguageFrench: "français",
	models.LanguageFon:    "français simple (l'utilisateur parle fon)",
	models.LanguageYoruba: "yoruba",
}

const advisorSystemPrompt = `Tu es SHORA, assistant de sécurité pour les ouvriers du BTP au Bénin.
Réponds en %s, en trois phrases courtes au maximum, sans markdown.
Métier de l'utilisateur : %s. Type de chantier : %s.
Si la question décrit un danger immédiat, dis-lui d'écrire "danger" pour alerter un superviseur.
Si la question ne concerne pas la sécurité au travail, ramène poliment la conversation vers la sécurité.`

// Advisor answers free-form safety questions.
type Advisor struct {
	client *Client
}

func NewAdvisor(client *Client) *Advisor {
	return &Advisor{client: client}
}

// Answer returns a short reply to question tailored to the user's profile.
func (a *Advisor) Answer(ctx context.Context, user *models.UserProfile, question string) (string, error) {
	answer, err := a.client.Complete(ctx, advisorPrompt(user), question)
	if err != nil {
		return "", fmt.Errorf("advisor: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func advisorPrompt(user *models.UserProfile) string {
	lang := advisorLanguageNames[user.Language]
	if lang == "" {
		lang = advisorLanguageNames[models.DefaultLanguage]
	}
	return fmt.Sprintf(advisorSystemPrompt, lang, orUnknown(user.Profession), orUnknown(user.SiteType))
}

func orUnknown(s string) string {
	if s == "" {
		return "non précisé"
	}
	return s
}
