// File: internal/keyboard/shift.go
package keyboard

import (
	"strings"

	"go.uber.org/zap"
)

// defaultShiftPatterns match the common renderings of a case-toggle key.
var defaultShiftPatterns = []string{"shift", "⇧"}

// ShiftResolver scans detected keys for a shift-like label. Patterns are
// site-configurable; the defaults cover the usual "shift" caption and the
// upward arrow glyph.
type ShiftResolver struct {
	logger   *zap.Logger
	patterns []string
}

// NewShiftResolver builds a resolver with the given patterns appended to the
// defaults. Matching is case-insensitive substring containment, which covers
// captions like "Shift", "SHIFT KEY" and decorated glyph labels.
func NewShiftResolver(logger *zap.Logger, sitePatterns []string) *ShiftResolver {
	patterns := make([]string, 0, len(defaultShiftPatterns)+len(sitePatterns))
	patterns = append(patterns, defaultShiftPatterns...)
	patterns = append(patterns, sitePatterns...)
	return &ShiftResolver{
		logger:   logger.Named("shift_resolver"),
		patterns: patterns,
	}
}

// Patterns returns the effective pattern list, for error reporting.
func (r *ShiftResolver) Patterns() []string {
	out := make([]string, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Resolve returns the coordinate of the first key whose label matches a shift
// pattern. The second return is false when no key matched; whether that is an
// error depends on the site's configuration, so the caller decides. Resolving
// the same capture twice returns the identical coordinate.
func (r *ShiftResolver) Resolve(capture *KeyboardCapture) (Point, bool) {
	for _, key := range capture.Keys {
		label := strings.ToLower(strings.TrimSpace(key.Label))
		for _, pattern := range r.patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(label, strings.ToLower(pattern)) {
				r.logger.Debug("Shift key resolved",
					zap.String("label", key.Label),
					zap.String("pattern", pattern),
					zap.Float64("x", key.Center.X),
					zap.Float64("y", key.Center.Y),
				)
				return key.Center, true
			}
		}
	}
	return Point{}, false
}

// IsShiftLabel reports whether a label would be treated as the shift control.
// The map builder uses this to keep control keys out of the character map.
func (r *ShiftResolver) IsShiftLabel(label string) bool {
	lower := strings.ToLower(strings.TrimSpace(label))
	for _, pattern := range r.patterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
