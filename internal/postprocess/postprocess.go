// Package postprocess removes chat-model artifacts from a finished paragraph
// translation. It only ever runs on completed paragraphs; streamed deltas are
// passed through untouched.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean strips artifacts from text and returns the trimmed result. The
// passes run in order: chat template tokens, echoed labels, outer quotes.
func Clean(text string) string {
	text = removeTemplateTokens(text)
	text = removeLabelEchoes(text)
	text = removeQuoteWrapping(text)
	return strings.TrimSpace(text)
}

// templateTokenRe matches ChatML and Llama special tokens that small chat
// models sometimes emit verbatim, with an optional role name after a start tag.
var templateTokenRe = regexp.MustCompile(
	`<\|im_start\|>(?:system|user|assistant)?|<\|im_end\|>|<\|endoftext\|>|</?s>`,
)

// trailingTurnRe matches a hallucinated next turn: everything from an
// "User:" or "Utilisateur :" line to the end of the text.
var trailingTurnRe = regexp.MustCompile(`(?is)\n\s*(?:user|utilisateur)\s*:.*$`)

func removeTemplateTokens(text string) string {
	text = templateTokenRe.ReplaceAllString(text, "")
	text = trailingTurnRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// echoPatterns match labels the model prepends to its answer, in either
// language. Each is anchored at the start and needs a colon.
var echoPatterns = []*regexp.Regexp{
	// "Here is the translation:" / "Here's the French translation:"
	regexp.MustCompile(`(?i)^here(?:'s| is)(?: the)? (?:english |french )?translation\s*:`),
	// "Translation:" / "English:" / "French:"
	regexp.MustCompile(`(?i)^(?:translation|english|french|in english|in french)\s*:`),
	// "Voici la traduction :" / "Voici la traduction en français :"
	regexp.MustCompile(`(?i)^voici (?:la )?traduction(?: en (?:français|anglais))?\s*:`),
	// "Traduction :" / "Français :" / "Anglais :" / "En français :"
	regexp.MustCompile(`(?i)^(?:traduction|français|anglais|en français|en anglais)\s*:`),
}

func removeLabelEchoes(text string) string {
	for _, re := range echoPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			text = strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}

// removeQuoteWrapping strips one matching pair of outer quotes when they
// wrap the whole text. Supported pairs:
//
//	"…"  '…'  «…»  “…”  ‘…’
func removeQuoteWrapping(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return text
	}
	first, last := runes[0], runes[n-1]
	if (first == '"' && last == '"') ||
		(first == '\'' && last == '\'') ||
		(first == '«' && last == '»') ||
		(first == '“' && last == '”') ||
		(first == '‘' && last == '’') {
		return strings.TrimSpace(string(runes[1 : n-1]))
	}
	return text
}
