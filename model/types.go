package model

import (
	"fmt"
	"time"
)

const (
	// LanguageEnglish and LanguageWelsh are the only codes the translation
	// service may return.
	LanguageEnglish = "en"
	LanguageWelsh   = "cy"

	// UnknownLanguage marks a translation that could not be produced.
	UnknownLanguage = "Unknown"
)

// AudioChunk is one block of signed 16-bit little-endian mono PCM.
type AudioChunk []byte

// AudioDevice is a snapshot of one enumerated input device.
type AudioDevice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DisplayLabel returns the device label, or a generated one when the host
// did not report any.
func (d AudioDevice) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return fmt.Sprintf("Microphone %s", d.ID)
}

// Word is one timed word inside a transcription segment.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// TranscriptionEvent is the text recognised from one inbound socket message.
type TranscriptionEvent struct {
	Text        string
	Language    string
	Start       float64
	End         float64
	Probability float64
	Words       []Word
	ReceivedAt  time.Time
}

// TranslationResult is the unit exchanged locally and between participants.
type TranslationResult struct {
	OriginalLanguage   string `json:"originalLanguage"`
	OriginalText       string `json:"originalText"`
	TranslatedLanguage string `json:"translatedLanguage"`
	TranslatedText     string `json:"translatedText"`
}

// FailedTranslation is the displayable result returned when translating text
// did not succeed.
func FailedTranslation(text string) TranslationResult {
	return TranslationResult{
		OriginalLanguage:   UnknownLanguage,
		OriginalText:       text,
		TranslatedLanguage: UnknownLanguage,
		TranslatedText:     "",
	}
}

// Failed reports whether r is the failure sentinel.
func (r TranslationResult) Failed() bool {
	return r.OriginalLanguage == UnknownLanguage
}

// LanguageName maps a language code to the name shown to participants.
func LanguageName(code string) string {
	switch code {
	case LanguageEnglish:
		return "English"
	case LanguageWelsh:
		return "Welsh"
	default:
		return UnknownLanguage
	}
}

// TranscriptEntry is one line of the transcript log.
type TranscriptEntry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Result     TranslationResult `json:"result"`
	IsLocal    bool              `json:"isLocal"`
	ReceivedAt time.Time         `json:"receivedAt"`
}
