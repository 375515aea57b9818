// Package security validates free-form text users store in their profile.
package security

import (
	"errors"
	"unicode"

	apperrors "github.com/gmsas95/medx/internal/errors"
)

var (
	ErrInputTooLarge     = errors.New("input exceeds maximum size")
	ErrNullByteDetected  = errors.New("null byte detected in input")
	ErrControlCharacter  = errors.New("control character in input")
	ErrRepetitiveContent = errors.New("excessive repetition detected")
)

// InputValidator rejects text that would end up garbled in a notification
// title or body.
type InputValidator struct {
	MaxSize       int
	MaxRepetition int
}

func NewInputValidator() *InputValidator {
	return &InputValidator{
		MaxSize:       1024,
		MaxRepetition: 64,
	}
}

func (v *InputValidator) Validate(input string) error {
	if v.MaxSize > 0 && len(input) > v.MaxSize {
		return ErrInputTooLarge
	}

	for _, r := range input {
		if r == 0 {
			return ErrNullByteDetected
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return ErrControlCharacter
		}
	}

	if v.MaxRepetition > 0 && hasExcessiveRepetition(input, v.MaxRepetition) {
		return ErrRepetitiveContent
	}

	return nil
}

// Fields validates each value and wraps the first failure as a bad request.
func (v *InputValidator) Fields(values ...string) error {
	for _, s := range values {
		if err := v.Validate(s); err != nil {
			return apperrors.WithCause(apperrors.ErrBadRequest, err)
		}
	}
	return nil
}

func hasExcessiveRepetition(input string, maxLen int) bool {
	if len(input) <= maxLen {
		return false
	}

	runes := []rune(input)
	consecutiveCount := 1

	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			consecutiveCount++
			if consecutiveCount > maxLen {
				return true
			}
		} else {
			consecutiveCount = 1
		}
	}

	return false
}
