package flow

import (
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/intent"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/templates"
)

// QuizPoints is awarded for a correct quiz answer.
const QuizPoints = 10

// Feedback reactions recognized in ACTIVE.
const (
	ReactionPositive = "👍"
	ReactionNegative = "👎"
)

// Event is one inbound message as seen by the state machine.
type Event struct {
	Text        string
	Intent      intent.Tag
	ContentType models.ContentType
	MediaRef    string
	PushName    string
	Now         time.Time

	// QuizPick selects the question when the user asks for a quiz.
	QuizPick int
	// AdvisorEnabled lets unknown questions be routed to the advisor.
	AdvisorEnabled bool
	// ConfirmPresence marks the user presence-confirmed on validation.
	ConfirmPresence bool
}

// Outcome is the result of one transition. Replies are in emission order.
type Outcome struct {
	User        models.UserProfile
	Replies     []string
	Interaction models.Interaction
	// ReportDanger asks the caller to file an incident; state is unchanged.
	ReportDanger bool
	// AskAdvisor asks the caller to answer the text with the advisor.
	AskAdvisor bool
}

// Transition computes the next profile, replies and side-effect requests
// for one inbound event. It does not touch storage or the network.
func Transition(cat *templates.Catalog, user models.UserProfile, ev Event) Outcome {
	out := Outcome{User: user}
	u := &out.User
	u.LastInteraction = ev.Now
	u.UpdatedAt = ev.Now
	if u.Name == "" && ev.PushName != "" {
		u.Name = ev.PushName
	}
	if !u.Language.IsValid() {
		u.Language = models.DefaultLanguage
	}
	if u.Modality != models.ModalityAudio {
		u.Modality = models.ModalityText
	}
	out.Interaction = models.Interaction{
		UserID:    u.ID,
		Type:      models.InteractionOnboarding,
		Content:   ev.Text,
		Timestamp: ev.Now,
	}

	if ev.Intent == intent.Danger {
		out.ReportDanger = true
		out.Interaction.Type = models.InteractionIncident
		return out
	}

	t := transition{cat: cat, ev: ev, out: &out}
	switch u.State {
	case models.StateNew:
		t.welcome()
	case models.StateAwaitingMode:
		t.awaitingMode()
	case models.StateAwaitingProfession:
		t.awaitingProfession()
	case models.StateAwaitingSiteType:
		t.awaitingSiteType()
	case models.StateAwaitingLanguage:
		t.awaitingLanguage()
	case models.StateAwaitingConfirmation:
		t.awaitingConfirmation()
	case models.StateActive:
		out.Interaction.Type = models.InteractionResponse
		t.active()
	default:
		// INACTIVE and unknown values start over.
		u.Active = true
		u.Validated = false
		t.welcome()
	}
	return out
}

type transition struct {
	cat *templates.Catalog
	ev  Event
	out *Outcome
}

func (t *transition) user() *models.UserProfile { return &t.out.User }

func (t *transition) reply(key string, vars templates.Vars) {
	t.out.Replies = append(t.out.Replies, t.cat.Resolve(key, t.user().Language, vars))
}

func (t *transition) moveTo(s models.ConversationState, step int) {
	t.user().State = s
	t.user().OnboardingStep = step
}

func (t *transition) welcome() {
	t.moveTo(models.StateAwaitingMode, 1)
	t.reply("welcome", nil)
}

func (t *transition) awaitingMode() {
	ch, ok := t.cat.Match(templates.SetModality, t.ev.Text)
	if !ok {
		t.reply("mode_reprompt", nil)
		return
	}
	u := t.user()
	u.Modality = models.Modality(ch.Value)
	t.moveTo(models.StateAwaitingProfession, 2)
	key := "mode_text_ok"
	if u.Modality == models.ModalityAudio {
		key = "mode_audio_ok"
	}
	t.reply(key, templates.Vars{"professions": t.cat.Menu(templates.SetProfession)})
}

func (t *transition) awaitingProfession() {
	ch, ok := t.cat.Match(templates.SetProfession, t.ev.Text)
	if !ok {
		t.reply("profession_reprompt", nil)
		return
	}
	t.user().Profession = ch.Value
	t.moveTo(models.StateAwaitingSiteType, 3)
	t.reply("profession_ok", templates.Vars{
		"profession": ch.Label,
		"site_types": t.cat.Menu(templates.SetSiteType),
	})
}

func (t *transition) awaitingSiteType() {
	ch, ok := t.cat.Match(templates.SetSiteType, t.ev.Text)
	if !ok {
		t.reply("site_type_reprompt", nil)
		return
	}
	t.user().SiteType = ch.Value
	t.moveTo(models.StateAwaitingLanguage, 4)
	t.reply("site_type_ok", templates.Vars{
		"site_type": ch.Label,
		"languages": t.cat.Menu(templates.SetLanguage),
	})
}

func (t *transition) awaitingLanguage() {
	ch, ok := t.cat.Match(templates.SetLanguage, t.ev.Text)
	if !ok {
		t.reply("language_reprompt", nil)
		return
	}
	t.user().Language = models.Language(ch.Value)
	t.moveTo(models.StateAwaitingConfirmation, 5)
	t.reply("confirm_prompt", templates.Vars{"summary": t.summary()})
}

func (t *transition) summary() string {
	u := t.user()
	return t.cat.Resolve("profile_summary", u.Language, t.profileVars())
}

func (t *transition) profileVars() templates.Vars {
	u := t.user()
	notSet := t.cat.Resolve("not_set", u.Language, nil)
	orNotSet := func(set, v string) string {
		if v == "" {
			return notSet
		}
		return t.cat.Label(set, v)
	}
	name := u.Name
	if name == "" {
		name = notSet
	}
	return templates.Vars{
		"name":       name,
		"mode":       t.cat.Label(templates.SetModality, string(u.Modality)),
		"profession": orNotSet(templates.SetProfession, u.Profession),
		"site_type":  orNotSet(templates.SetSiteType, u.SiteType),
		"language":   t.cat.Label(templates.SetLanguage, string(u.Language)),
		"points":     strconv.Itoa(u.Points),
	}
}

func (t *transition) awaitingConfirmation() {
	ch, ok := t.cat.Match(templates.SetConfirmation, t.ev.Text)
	if !ok {
		t.reply("confirm_reprompt", nil)
		return
	}
	u := t.user()
	if ch.Value == "no" {
		// Language and modality survive a restart.
		u.Profession = ""
		u.SiteType = ""
		t.moveTo(models.StateAwaitingProfession, 2)
		t.reply("confirm_restart", templates.Vars{"professions": t.cat.Menu(templates.SetProfession)})
		return
	}
	u.Validated = true
	u.Active = true
	if t.ev.ConfirmPresence {
		u.PresenceConfirmed = true
	}
	t.moveTo(models.StateActive, 6)
	name := u.Name
	if name == "" {
		name = t.cat.Resolve("default_name", u.Language, nil)
	}
	t.reply("confirm_ok", templates.Vars{"name": name})
}

func (t *transition) active() {
	u := t.user()
	text := strings.TrimSpace(t.ev.Text)

	if u.PendingQuizID != "" {
		quizID := u.PendingQuizID
		u.PendingQuizID = ""
		if n, err := strconv.Atoi(text); err == nil {
			if q, ok := t.cat.Quiz(quizID); ok {
				t.grade(q, n)
				return
			}
		}
	}

	switch {
	case strings.Contains(text, ReactionPositive):
		u.Points++
		t.out.Interaction.PointsEarned = 1
		t.reply("thumbs_up", nil)
		return
	case strings.Contains(text, ReactionNegative):
		t.reply("thumbs_down", nil)
		return
	}

	switch t.ev.Intent {
	case intent.Help:
		t.reply("help", nil)
	case intent.Quiz:
		t.askQuiz()
	case intent.Profile:
		t.reply("profile_card", t.profileVars())
	case intent.Greeting:
		t.reply("greeting_back", templates.Vars{"name": u.DisplayName()})
	default:
		if t.ev.AdvisorEnabled && strings.HasSuffix(text, "?") {
			t.out.AskAdvisor = true
			return
		}
		t.reply("ack", nil)
	}
}

func (t *transition) askQuiz() {
	quizzes := t.cat.Quizzes
	if len(quizzes) == 0 {
		t.reply("quiz_unavailable", nil)
		return
	}
	pick := t.ev.QuizPick % len(quizzes)
	if pick < 0 {
		pick = -pick
	}
	q := quizzes[pick]
	question, options := q.QuestionFor(t.user().Language)
	var b strings.Builder
	for i, opt := range options {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(opt)
	}
	t.user().PendingQuizID = q.ID
	t.out.Interaction.Type = models.InteractionQuiz
	t.reply("quiz_question", templates.Vars{"question": question, "options": b.String()})
}

func (t *transition) grade(q templates.Quiz, answer int) {
	u := t.user()
	correct := answer == q.Answer
	t.out.Interaction.Type = models.InteractionQuiz
	t.out.Interaction.IsCorrect = &correct
	if correct {
		u.Points += QuizPoints
		t.out.Interaction.PointsEarned = QuizPoints
		t.reply("quiz_correct", templates.Vars{"points": strconv.Itoa(QuizPoints)})
		return
	}
	_, options := q.QuestionFor(u.Language)
	answerText := strconv.Itoa(q.Answer)
	if q.Answer-1 < len(options) {
		answerText = options[q.Answer-1]
	}
	t.reply("quiz_wrong", templates.Vars{"answer": answerText})
}
