// File: internal/keyboard/mapbuilder.go
package keyboard

import (
	"math"
	"strings"

	"go.uber.org/zap"
)

// labelSeparator is the dual-script convention: "a / ㅏ" carries the Latin and
// Hangul characters of one physical key.
const labelSeparator = "/"

// MapBuilder merges one or two keyboard captures into a character map.
type MapBuilder struct {
	logger *zap.Logger
	// isControl filters labels that belong to control keys (shift and
	// friends) so they never become typable entries.
	isControl func(label string) bool
}

// NewMapBuilder creates a builder. isControl may be nil when the keyboard has
// no control keys to exclude.
func NewMapBuilder(logger *zap.Logger, isControl func(label string) bool) *MapBuilder {
	if isControl == nil {
		isControl = func(string) bool { return false }
	}
	return &MapBuilder{
		logger:    logger.Named("map_builder"),
		isControl: isControl,
	}
}

// Build produces the character map for one login attempt. The Lower capture is
// mandatory; the Upper capture is optional and contributes shift-required
// entries. Within one attempt both captures describe the same physical
// keyboard, so a character appearing twice with different coordinates is a
// detection conflict: the first-seen entry wins and the conflict is logged.
func (b *MapBuilder) Build(lower *KeyboardCapture, upper *KeyboardCapture) CharacterMap {
	m := make(CharacterMap)

	for idx, key := range lower.Keys {
		b.addEntries(m, key, false, sourceKeyID(lower.State, idx))
	}

	if upper != nil {
		for idx, key := range upper.Keys {
			if b.isControl(key.Label) {
				continue
			}
			if _, ok := matchLowerKey(key, lower); !ok {
				b.logger.Warn("Upper key has no positional counterpart in the lower capture",
					zap.String("label", key.Label),
					zap.Float64("x", key.Center.X),
					zap.Float64("y", key.Center.Y),
				)
			}
			b.addEntries(m, key, true, sourceKeyID(upper.State, idx))
		}
	}

	b.logger.Info("Character map built",
		zap.Int("lower_keys", len(lower.Keys)),
		zap.Int("upper_keys", upperKeyCount(upper)),
		zap.Int("characters", len(m)),
	)
	return m
}

// addEntries parses the key's label into discrete characters and inserts them.
func (b *MapBuilder) addEntries(m CharacterMap, key KeyBox, requiresShift bool, source string) {
	if b.isControl(key.Label) {
		return
	}
	for _, r := range SplitLabel(key.Label) {
		entry := CharacterEntry{
			Char:          r,
			RequiresShift: requiresShift,
			Script:        ClassifyScript(r),
			Coord:         key.Center,
			SourceKey:     source,
		}
		if existing, ok := m[r]; ok {
			if existing.Coord != entry.Coord {
				b.logger.Warn("Conflicting coordinates for character; keeping first-seen entry",
					zap.String("char", string(r)),
					zap.String("kept_source", existing.SourceKey),
					zap.String("dropped_source", source),
				)
			}
			continue
		}
		m[r] = entry
	}
}

// SplitLabel parses a possibly dual-script key caption into its typable
// characters. Tokens are separated by "/"; a token that is not exactly one
// rune is a control caption (e.g. "shift", "del") and yields nothing. The
// slash key itself renders as a bare "/" and is kept as a symbol.
func SplitLabel(label string) []rune {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return nil
	}
	if trimmed == labelSeparator {
		return []rune{'/'}
	}

	var chars []rune
	for _, token := range strings.Split(trimmed, labelSeparator) {
		token = strings.TrimSpace(token)
		runes := []rune(token)
		if len(runes) != 1 {
			continue
		}
		chars = append(chars, runes[0])
	}
	return chars
}

// matchLowerKey finds the lower-capture key whose center is nearest to the
// given key, within half the lower key's box diagonal. That tolerance absorbs
// detection jitter between the two rendering passes without ever matching a
// neighboring key.
func matchLowerKey(key KeyBox, lower *KeyboardCapture) (KeyBox, bool) {
	best := -1
	bestDist := math.MaxFloat64
	for i, cand := range lower.Keys {
		d := distance(key.Center, cand.Center)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return KeyBox{}, false
	}
	match := lower.Keys[best]
	tolerance := math.Hypot(match.Box.Width, match.Box.Height) / 2
	if bestDist > tolerance {
		return KeyBox{}, false
	}
	return match, true
}

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func upperKeyCount(upper *KeyboardCapture) int {
	if upper == nil {
		return 0
	}
	return len(upper.Keys)
}
