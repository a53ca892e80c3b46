// File: internal/keyboard/errors.go
package keyboard

import (
	"fmt"
	"strings"
)

// KeyboardNotFoundError means every locator candidate was exhausted without a
// visible keyboard element.
type KeyboardNotFoundError struct {
	State      LayoutState
	Candidates []string
}

func (e *KeyboardNotFoundError) Error() string {
	return fmt.Sprintf("keyboard (%s) not found after trying %d locator candidates: %s",
		e.State, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// VisionInferenceError means the vision service failed to produce a usable key
// list after the bounded number of attempts. RawResponse carries the last
// offending payload for offline diagnosis.
type VisionInferenceError struct {
	State       LayoutState
	Attempts    int
	RawResponse string
	Err         error
}

func (e *VisionInferenceError) Error() string {
	return fmt.Sprintf("vision inference failed for %s capture after %d attempt(s): %v", e.State, e.Attempts, e.Err)
}

func (e *VisionInferenceError) Unwrap() error { return e.Err }

// ShiftKeyNotFoundError means the site declared a shift key but none of the
// detected labels matched the configured patterns.
type ShiftKeyNotFoundError struct {
	Patterns []string
	KeyCount int
}

func (e *ShiftKeyNotFoundError) Error() string {
	return fmt.Sprintf("shift key not found among %d detected keys (patterns: %s)",
		e.KeyCount, strings.Join(e.Patterns, ", "))
}

// CharacterUnresolvedError aborts a typing attempt before any click is issued
// for the missing character; a truncated password is never submitted.
type CharacterUnresolvedError struct {
	Char rune
}

func (e *CharacterUnresolvedError) Error() string {
	return fmt.Sprintf("character %q is not present in the character map", e.Char)
}

// ClickFailedError means a coordinate click did not advance the password field
// even after one retry.
type ClickFailedError struct {
	Char  rune
	Index int
}

func (e *ClickFailedError) Error() string {
	return fmt.Sprintf("click for character %q (position %d) did not register after retry", e.Char, e.Index)
}

// SubmissionError means post-submit verification could not confirm an
// authenticated state.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("login submission not confirmed: %s", e.Reason)
}
