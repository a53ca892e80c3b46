// Package keyboard defeats re-randomized virtual keyboards: it locates the
// rendered keyboard, asks a vision service to label every key, merges the
// Lower and Upper renderings into a character map and types credentials by
// clicking coordinates instead of sending key events.
package keyboard

import (
	"fmt"
	"sort"
	"time"
	"unicode"
)

// LayoutState names one of the two renderings of a virtual keyboard.
type LayoutState string

const (
	StateLower LayoutState = "lower"
	StateUpper LayoutState = "upper"
)

// Script classifies which writing system a character entry belongs to.
type Script string

const (
	ScriptLatin  Script = "latin"
	ScriptHangul Script = "hangul"
	ScriptSymbol Script = "symbol"
)

// Point is an absolute page coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an absolute page rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Contains reports whether p falls inside the rectangle (inclusive edges).
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// KeyBox is one detected key: the raw label the vision service returned, its
// normalized box in the 0..1000 space of the cropped screenshot, and the
// absolute page box and click center derived from the crop geometry.
// Immutable once produced.
type KeyBox struct {
	Label   string `json:"label"`
	NormBox [4]int `json:"norm_box"` // [ymin, xmin, ymax, xmax]
	Box     Rect   `json:"box"`
	Center  Point  `json:"center"`
}

// KeyboardCapture is the result of analyzing one rendering pass. It is scoped
// to a single login attempt; a rotated keyboard invalidates it.
type KeyboardCapture struct {
	State         LayoutState `json:"state"`
	Region        Rect        `json:"region"`
	Keys          []KeyBox    `json:"keys"`
	CapturedAt    time.Time   `json:"captured_at"`
	ScreenshotRef string      `json:"screenshot_ref,omitempty"`
}

// CharacterEntry binds one typable character to a click coordinate.
type CharacterEntry struct {
	Char          rune   `json:"char"`
	RequiresShift bool   `json:"requires_shift"`
	Script        Script `json:"script"`
	Coord         Point  `json:"coord"`
	// SourceKey identifies the capture and key index the entry came from,
	// e.g. "lower:4".
	SourceKey string `json:"source_key"`
}

// CharacterMap resolves characters to screen coordinates. Built fresh per
// login attempt and never reused across sessions.
type CharacterMap map[rune]CharacterEntry

// Missing returns the characters of text that have no entry, in first-seen
// order without duplicates.
func (m CharacterMap) Missing(text string) []rune {
	seen := make(map[rune]bool)
	var missing []rune
	for _, r := range text {
		if seen[r] {
			continue
		}
		seen[r] = true
		if _, ok := m[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Characters returns the mapped characters in a stable order, for diagnostics.
func (m CharacterMap) Characters() []rune {
	chars := make([]rune, 0, len(m))
	for r := range m {
		chars = append(chars, r)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })
	return chars
}

// CharResult records the outcome for a single character of a typing attempt.
type CharResult struct {
	Char         rune   `json:"char"`
	Resolved     bool   `json:"resolved"`
	Clicked      bool   `json:"clicked"`
	ShiftToggled bool   `json:"shift_toggled"`
	Retried      bool   `json:"retried"`
	Reason       string `json:"reason,omitempty"`
}

// TypingAttempt carries per-character provenance for one password entry.
type TypingAttempt struct {
	TargetLength   int          `json:"target_length"`
	Results        []CharResult `json:"results"`
	ShiftClicks    int          `json:"shift_clicks"`
	FieldLength    int          `json:"field_length"`
	OverallSuccess bool         `json:"overall_success"`
}

// ClassifyScript assigns a script to a single character.
func ClassifyScript(r rune) Script {
	switch {
	case unicode.Is(unicode.Hangul, r):
		return ScriptHangul
	case unicode.IsLetter(r) || unicode.IsDigit(r):
		return ScriptLatin
	default:
		return ScriptSymbol
	}
}

// sourceKeyID formats the provenance identifier for a key within a capture.
func sourceKeyID(state LayoutState, idx int) string {
	return fmt.Sprintf("%s:%d", state, idx)
}
