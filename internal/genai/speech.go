package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/openai/openai-go"
)

var (
	ErrEmptyText  = errors.New("text to synthesize is empty")
	ErrEmptyAudio = errors.New("speech synthesis returned no audio")
)

// AudioMIMEType is the content type of TextToAudio output, suitable for a
// WhatsApp voice note.
const AudioMIMEType = "audio/ogg; codecs=opus"

type voiceProfile struct {
	voice       openai.AudioSpeechNewParamsVoice
	instruction string
}

// Fon has no native voice; it is read with the French profile.
var voices = map[models.Language]voiceProfile{
	models.LanguageFrench: {openai.AudioSpeechNewParamsVoiceAlloy, "Parle en français, lentement et clairement."},
	models.LanguageFon:    {openai.AudioSpeechNewParamsVoiceAlloy, "Parle en français, lentement et clairement."},
	models.LanguageYoruba: {openai.AudioSpeechNewParamsVoiceShimmer, "Speak in Yoruba, slowly and clearly."},
}

func voiceFor(lang models.Language) voiceProfile {
	if v, ok := voices[lang]; ok {
		return v
	}
	return voices[models.DefaultLanguage]
}

// TextToAudio renders text as speech in the voice mapped to lang.
func (c *Client) TextToAudio(ctx context.Context, text string, lang models.Language) ([]byte, error) {
	cleaned := CleanForSpeech(text)
	if cleaned == "" {
		return nil, ErrEmptyText
	}
	v := voiceFor(lang)
	params := openai.AudioSpeechNewParams{
		Input:          cleaned,
		Model:          openai.SpeechModel(c.speechModel),
		Voice:          v.voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatOpus,
	}
	// Only the instruction-following model accepts steering text.
	if c.speechModel == string(openai.SpeechModelGPT4oMiniTTS) {
		params.Instructions = openai.String(v.instruction)
	}

	slog.Debug("Client.TextToAudio: synthesizing", "language", lang, "chars", len(cleaned))
	audio, err := c.speech.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

var (
	markdownChars = strings.NewReplacer("*", "", "_", "", "~", "", "`", "")
	lineBreaks    = regexp.MustCompile(`\s*\n+\s*`)
	repeatedStops = regexp.MustCompile(`([.!?:;])\s*\.`)
	spaces        = regexp.MustCompile(`[ \t]+`)
)

// CleanForSpeech strips markdown and emoji and turns line breaks into
// sentence breaks.
func CleanForSpeech(text string) string {
	text = markdownChars.Replace(text)
	text = strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = lineBreaks.ReplaceAllString(text, ". ")
	text = repeatedStops.ReplaceAllString(text, "$1")
	text = spaces.ReplaceAllString(text, " ")
	return strings.Trim(text, " .")
}

func isEmoji(r rune) bool {
	switch {
	case r == 0x200D, r == 0xFE0F, r == 0x20E3:
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return unicode.Is(unicode.So, r)
}
