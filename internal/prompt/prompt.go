// Package prompt holds the static catalog of translation instructions.
//
// A paragraph is classified by its word count: short fragments get a
// literal "output only the translation" instruction, longer text gets a
// "translate naturally without adding anything" instruction. The paragraph
// text is appended directly after the instruction.
package prompt

import (
	"fmt"
	"strings"
)

// SentenceThreshold is the largest word count still classified as Word.
const SentenceThreshold = 5

// Direction selects the source and target language of a job.
type Direction int

const (
	EnglishToFrench Direction = iota
	FrenchToEnglish
)

// Class is the heuristic class used to pick a template.
type Class int

const (
	Word Class = iota
	Sentence
)

func (c Class) String() string {
	if c == Sentence {
		return "sentence"
	}
	return "word"
}

// Template is an instruction with its insertion point at the end.
type Template struct {
	Direction Direction
	Class     Class
	Text      string
}

// Render appends text at the template's insertion point.
func (t Template) Render(text string) string {
	return t.Text + text
}

var catalog = map[Direction]map[Class]Template{
	EnglishToFrench: {
		Sentence: {EnglishToFrench, Sentence, "Pouvez-vous traduire ce texte en francais sans ajouter d'informations ? Voici le texte :"},
		Word:     {EnglishToFrench, Word, "Traduis ces mots en francais. Ecris juste la traduction : "},
	},
	FrenchToEnglish: {
		Sentence: {FrenchToEnglish, Sentence, "Can you translate this text in english for me without adding informations: "},
		Word:     {FrenchToEnglish, Word, "Translate these words in english. Just write the word translated, nothing else: "},
	},
}

// WordCount counts whitespace-delimited tokens. Punctuation attached to a
// word is part of that token.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Classify returns Sentence when wordCount exceeds SentenceThreshold.
func Classify(wordCount int) Class {
	if wordCount > SentenceThreshold {
		return Sentence
	}
	return Word
}

// TemplateFor looks up the template for a direction and word count.
// Unknown directions fall back to FrenchToEnglish.
func TemplateFor(d Direction, wordCount int) Template {
	byClass, ok := catalog[d]
	if !ok {
		byClass = catalog[FrenchToEnglish]
	}
	return byClass[Classify(wordCount)]
}

// Build classifies text and renders the matching template around it.
func Build(d Direction, text string) (string, Template) {
	t := TemplateFor(d, WordCount(text))
	return t.Render(text), t
}

// Source returns the ISO 639-1 code of the source language.
func (d Direction) Source() string {
	if d == EnglishToFrench {
		return "en"
	}
	return "fr"
}

// Target returns the ISO 639-1 code of the target language.
func (d Direction) Target() string {
	if d == EnglishToFrench {
		return "fr"
	}
	return "en"
}

// Swap returns the opposite direction.
func (d Direction) Swap() Direction {
	if d == EnglishToFrench {
		return FrenchToEnglish
	}
	return EnglishToFrench
}

func (d Direction) String() string {
	return d.Source() + "-" + d.Target()
}

// ParseDirection accepts "en-fr", "fr-en" and their long forms.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "en-fr", "en2fr", "english-french", "english-to-french":
		return EnglishToFrench, nil
	case "fr-en", "fr2en", "french-english", "french-to-english":
		return FrenchToEnglish, nil
	}
	return 0, fmt.Errorf("unknown direction %q (want en-fr or fr-en)", s)
}

// FromLanguages maps a detected source language code to a direction.
func FromLanguages(source string) (Direction, bool) {
	switch strings.ToLower(source) {
	case "en":
		return EnglishToFrench, true
	case "fr":
		return FrenchToEnglish, true
	}
	return 0, false
}
