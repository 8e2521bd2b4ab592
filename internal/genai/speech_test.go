package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/openai/openai-go"
)

func TestCleanForSpeech(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"*Bienvenue* sur SHORA 👋", "Bienvenue sur SHORA"},
		{"Ligne un\n\nLigne deux", "Ligne un. Ligne deux"},
		{"Question ?\nRéponse", "Question ? Réponse"},
		{"Fin.\nSuite", "Fin. Suite"},
		{"⚠️🦺", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := CleanForSpeech(tt.in); got != tt.want {
			t.Errorf("CleanForSpeech(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTextToAudio(t *testing.T) {
	speech := &mockSpeechService{audio: []byte("OggS")}
	client := &Client{speech: speech, speechModel: DefaultSpeechModel}

	audio, err := client.TextToAudio(context.Background(), "*Casque* obligatoire", models.LanguageYoruba)
	if err != nil {
		t.Fatalf("TextToAudio: %v", err)
	}
	if string(audio) != "OggS" {
		t.Errorf("unexpected audio %q", audio)
	}
	if speech.params.Input != "Casque obligatoire" {
		t.Errorf("expected cleaned input, got %q", speech.params.Input)
	}
	if speech.params.Voice != openai.AudioSpeechNewParamsVoiceShimmer {
		t.Errorf("expected yoruba voice, got %s", speech.params.Voice)
	}
	if speech.params.ResponseFormat != openai.AudioSpeechNewParamsResponseFormatOpus {
		t.Errorf("expected opus output, got %s", speech.params.ResponseFormat)
	}
}

func TestTextToAudioUnknownLanguageUsesDefaultVoice(t *testing.T) {
	speech := &mockSpeechService{audio: []byte("x")}
	client := &Client{speech: speech, speechModel: DefaultSpeechModel}
	if _, err := client.TextToAudio(context.Background(), "bonjour", models.Language("de")); err != nil {
		t.Fatalf("TextToAudio: %v", err)
	}
	if speech.params.Voice != voices[models.DefaultLanguage].voice {
		t.Errorf("expected default voice, got %s", speech.params.Voice)
	}
}

func TestTextToAudioErrors(t *testing.T) {
	speech := &mockSpeechService{}
	client := &Client{speech: speech, speechModel: DefaultSpeechModel}

	if _, err := client.TextToAudio(context.Background(), "👍", models.LanguageFrench); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if speech.calls != 0 {
		t.Error("empty text must not reach the API")
	}
	if _, err := client.TextToAudio(context.Background(), "bonjour", models.LanguageFrench); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
	speech.err = errors.New("rate limited")
	if _, err := client.TextToAudio(context.Background(), "bonjour", models.LanguageFrench); err == nil {
		t.Error("expected API error")
	}
}
