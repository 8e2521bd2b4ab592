// Package intent maps free text to a coarse intent tag.
//
// Classification walks an ordered rule table; the first rule with a matching
// keyword wins, so danger rules sit first and short-circuit everything else.
package intent

import "sort"

// Tag is the classifier output.
type Tag string

const (
	Danger   Tag = "danger"
	Help     Tag = "help"
	Quiz     Tag = "quiz"
	Profile  Tag = "profile"
	Greeting Tag = "greeting"
	Unknown  Tag = "unknown"
)

// Rule binds a keyword set to a tag. Lower Priority values are evaluated first.
type Rule struct {
	Priority int
	Keywords []string
	Tag      Tag
}

// DefaultRules is the built-in French rule table.
var DefaultRules = []Rule{
	{Priority: 0, Tag: Danger, Keywords: []string{
		"danger", "incident", "accident", "urgent", "urgence", "secours",
		"blessé", "blessure", "tombé", "chute", "électrocution", "feu",
		"incendie", "risque", "alerte", "problème", "attention", "sos",
	}},
	{Priority: 10, Tag: Help, Keywords: []string{
		"aide", "help", "commande", "comment", "quoi faire", "fonctionnement", "utiliser", "menu",
	}},
	{Priority: 20, Tag: Quiz, Keywords: []string{"quiz", "test", "question", "connaissance", "jeu"}},
	{Priority: 30, Tag: Profile, Keywords: []string{"profil", "info", "informations", "mes données", "compte"}},
	{Priority: 40, Tag: Greeting, Keywords: []string{"bonjour", "salut", "hello", "hey", "hi", "bonsoir", "coucou"}},
}

type compiledRule struct {
	priority int
	tag      Tag
	phrases  [][]string
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles rules into evaluation order. A nil slice selects DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	c := &Classifier{}
	for _, r := range rules {
		cr := compiledRule{priority: r.Priority, tag: r.Tag}
		for _, kw := range r.Keywords {
			if words := Words(kw); len(words) > 0 {
				cr.phrases = append(cr.phrases, words)
			}
		}
		c.rules = append(c.rules, cr)
	}
	sort.SliceStable(c.rules, func(i, j int) bool { return c.rules[i].priority < c.rules[j].priority })
	return c
}

// Classify returns the tag of the first matching rule, or Unknown.
func (c *Classifier) Classify(text string) Tag {
	words := Words(text)
	if len(words) == 0 {
		return Unknown
	}
	for _, r := range c.rules {
		for _, phrase := range r.phrases {
			if containsPhrase(words, phrase) {
				return r.tag
			}
		}
	}
	return Unknown
}

// Contains reports whether text contains keyword under the classifier's matching rule.
func Contains(text, keyword string) bool {
	phrase := Words(keyword)
	return len(phrase) > 0 && containsPhrase(Words(text), phrase)
}

// containsPhrase matches phrase against consecutive words. Each keyword word
// must start a text word, so "blessé" matches "blessés" but "hi" does not
// match inside "chantier".
func containsPhrase(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for j, p := range phrase {
			w := words[i+j]
			if len(w) < len(p) || w[:len(p)] != p {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

var defaultClassifier = NewClassifier(nil)

// Classify uses the default rule table.
func Classify(text string) Tag {
	return defaultClassifier.Classify(text)
}
