// Package validator checks that a finished translation is in the target
// language, which catches the common small-model failure of echoing the
// source text back.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/valpere/croissant/internal/detector"
	"github.com/valpere/croissant/internal/prompt"
)

var (
	ErrEmpty         = errors.New("translation is empty")
	ErrWrongLanguage = errors.New("translation is not in the target language")
)

// minValidationLength is the minimum rune count required to attempt language detection.
// Shorter texts produce unreliable results and are accepted without validation.
const minValidationLength = 20

// Validator checks translations against their direction.
// The underlying language detector is expensive to build; reuse the instance.
type Validator struct {
	det *detector.Detector
}

// New creates a Validator. det may be nil, in which case one is built.
func New(det *detector.Detector) *Validator {
	if det == nil {
		det = detector.New()
	}
	return &Validator{det: det}
}

// Check returns nil when output appears to be written in dir's target
// language. Short outputs and outputs whose language cannot be determined
// pass.
func (v *Validator) Check(output string, dir prompt.Direction) error {
	text := strings.TrimSpace(output)
	if text == "" {
		return ErrEmpty
	}

	// Detector is unreliable for very short texts; skip validation.
	if len([]rune(text)) < minValidationLength {
		return nil
	}

	detected, ok := v.det.Language(text)
	if !ok {
		return nil
	}

	if detected != dir.Target() {
		return fmt.Errorf("%w: expected %s but detected %s", ErrWrongLanguage, dir.Target(), detected)
	}
	return nil
}
