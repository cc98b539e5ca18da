// Package segmenter splits input text into ordered paragraphs, one per line,
// so each can be translated by an independent inference call. Blank lines are
// kept as blank paragraphs so the original line structure can be rebuilt.
package segmenter

import "strings"

// Paragraph is a single line of input text.
type Paragraph struct {
	Index   int
	Text    string
	IsBlank bool
}

// Segment splits text on line breaks. A "\r\n" pair counts as one break.
//
// Empty input yields no paragraphs. A single trailing line break is dropped
// before splitting, so "a\n" and "a" both yield one paragraph; additional
// trailing breaks yield blank paragraphs.
func Segment(text string) []Paragraph {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	paragraphs := make([]Paragraph, len(lines))
	for i, line := range lines {
		paragraphs[i] = Paragraph{
			Index:   i,
			Text:    line,
			IsBlank: strings.TrimSpace(line) == "",
		}
	}
	return paragraphs
}

// Join rebuilds text from per-paragraph entries, one line each.
func Join(entries []string) string {
	return strings.Join(entries, "\n")
}

// Texts returns the paragraph texts in order.
func Texts(paragraphs []Paragraph) []string {
	out := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		out[i] = p.Text
	}
	return out
}

// Counts returns the number of paragraphs and how many of them are blank.
func Counts(paragraphs []Paragraph) (total, blank int) {
	for _, p := range paragraphs {
		if p.IsBlank {
			blank++
		}
	}
	return len(paragraphs), blank
}
