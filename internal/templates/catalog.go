// Package templates resolves localized message templates and the
// onboarding lexicons shipped with the bot.
package templates

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/intent"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Choice set names used by the conversation engine.
const (
	SetModality     = "modality"
	SetProfession   = "profession"
	SetSiteType     = "site_type"
	SetLanguage     = "language"
	SetConfirmation = "confirmation"
)

// Choice is one recognized answer of an onboarding question.
type Choice struct {
	Value    string   `yaml:"value"`
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
	Exact    []string `yaml:"exact"`
}

// Quiz is a multiple-choice question. Answer is 1-based.
type Quiz struct {
	ID       string                       `yaml:"id"`
	Question map[models.Language]string   `yaml:"question"`
	Options  map[models.Language][]string `yaml:"options"`
	Answer   int                          `yaml:"answer"`
}

type seedTip struct {
	Title       string                     `yaml:"title"`
	Category    string                     `yaml:"category"`
	Professions []string                   `yaml:"professions"`
	Content     map[models.Language]string `yaml:"content"`
}

// Catalog holds messages, choice lexicons, the quiz bank and seed tips.
// It is read-only after Load and safe for concurrent use.
type Catalog struct {
	Messages map[string]map[models.Language]string `yaml:"messages"`
	Choices  map[string][]Choice                   `yaml:"choices"`
	Quizzes  []Quiz                                `yaml:"quizzes"`
	Tips     []seedTip                             `yaml:"tips"`
}

// Vars are placeholder values substituted into {name} markers.
type Vars map[string]string

// Load parses a YAML catalogue.
func Load(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	if len(c.Messages) == 0 {
		return nil, fmt.Errorf("template catalog has no messages")
	}
	for _, q := range c.Quizzes {
		opts := q.Options[models.DefaultLanguage]
		if q.Answer < 1 || q.Answer > len(opts) {
			return nil, fmt.Errorf("quiz %q: answer %d out of range", q.ID, q.Answer)
		}
	}
	return &c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalogue.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Resolve returns the template for key in lang with vars substituted.
// Missing languages fall back to French; a missing key yields "".
func (c *Catalog) Resolve(key string, lang models.Language, vars Vars) string {
	byLang, ok := c.Messages[key]
	if !ok {
		slog.Warn("Catalog.Resolve: unknown template key", "key", key)
		return ""
	}
	text, ok := byLang[lang]
	if !ok || text == "" {
		text = byLang[models.DefaultLanguage]
	}
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Match returns the first choice of set recognized in text. Exact tokens
// must equal the whole normalized answer; keywords may appear anywhere.
func (c *Catalog) Match(set, text string) (Choice, bool) {
	norm := intent.Normalize(text)
	if norm == "" {
		return Choice{}, false
	}
	choices := c.Choices[set]
	for _, ch := range choices {
		for _, tok := range ch.Exact {
			if norm == intent.Normalize(tok) {
				return ch, true
			}
		}
	}
	for _, ch := range choices {
		for _, kw := range ch.Keywords {
			if intent.Contains(norm, kw) {
				return ch, true
			}
		}
	}
	return Choice{}, false
}

// Label returns the display label for value in set, or value itself.
func (c *Catalog) Label(set, value string) string {
	for _, ch := range c.Choices[set] {
		if ch.Value == value {
			return ch.Label
		}
	}
	return value
}

// Values lists the canonical values of set in catalogue order.
func (c *Catalog) Values(set string) []string {
	out := make([]string, 0, len(c.Choices[set]))
	for _, ch := range c.Choices[set] {
		out = append(out, ch.Value)
	}
	return out
}

// Menu renders set as a numbered list, one choice per line.
func (c *Catalog) Menu(set string) string {
	var b strings.Builder
	for i, ch := range c.Choices[set] {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(ch.Label)
	}
	return b.String()
}

// Quiz returns the quiz with the given id.
func (c *Catalog) Quiz(id string) (Quiz, bool) {
	for _, q := range c.Quizzes {
		if q.ID == id {
			return q, true
		}
	}
	return Quiz{}, false
}

// QuestionFor returns the question and options in lang with French fallback.
func (q Quiz) QuestionFor(lang models.Language) (string, []string) {
	question := q.Question[lang]
	if question == "" {
		question = q.Question[models.DefaultLanguage]
	}
	opts := q.Options[lang]
	if len(opts) == 0 {
		opts = q.Options[models.DefaultLanguage]
	}
	return question, opts
}

// SeedTips converts the catalogue tips into active models.Tip values.
func (c *Catalog) SeedTips(now time.Time) []models.Tip {
	tips := make([]models.Tip, 0, len(c.Tips))
	for _, t := range c.Tips {
		tips = append(tips, models.Tip{
			Title:       t.Title,
			Category:    t.Category,
			Professions: t.Professions,
			Content:     t.Content,
			Active:      true,
			CreatedAt:   now,
		})
	}
	return tips
}
