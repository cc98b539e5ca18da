// Package detector identifies whether text is English or French.
package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/valpere/croissant/internal/prompt"
)

// Detector is safe for concurrent use. Language models load on first use.
type Detector struct {
	lingua lingua.LanguageDetector
}

// New builds a detector limited to the two languages the model translates
// between, so every confident answer maps to a direction.
func New() *Detector {
	return &Detector{
		lingua: lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.French).
			Build(),
	}
}

// Language returns the lowercase ISO 639-1 code of text's language, "en" or
// "fr".
func (d *Detector) Language(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lang, ok := d.lingua.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}

// Direction returns the direction that translates out of the language of
// text. It returns fallback with false when the language is undecided.
func (d *Detector) Direction(text string, fallback prompt.Direction) (prompt.Direction, bool) {
	code, ok := d.Language(text)
	if !ok {
		return fallback, false
	}
	dir, ok := prompt.FromLanguages(code)
	if !ok {
		return fallback, false
	}
	return dir, true
}
