// File: internal/keyboard/locator.go
package keyboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Locator finds the visible keyboard region for a requested layout state by
// trying an ordered list of site-supplied candidates. The lookup is purely
// structural: the keyboard's existence and gross placement are static even
// though its key contents are not, so no vision escalation happens here.
type Locator struct {
	logger *zap.Logger
	finder Finder
}

// NewLocator creates a Locator bound to a browser session.
func NewLocator(logger *zap.Logger, finder Finder) *Locator {
	return &Locator{
		logger: logger.Named("keyboard_locator"),
		finder: finder,
	}
}

// Locate returns the bounding box of the first visible candidate. The finder
// searches the main document first and falls back to known sub-frames. All
// candidates exhausted yields a KeyboardNotFoundError.
func (l *Locator) Locate(ctx context.Context, state LayoutState, candidates []string) (Rect, error) {
	if len(candidates) == 0 {
		return Rect{}, &KeyboardNotFoundError{State: state, Candidates: candidates}
	}

	match, err := l.finder.FindVisible(ctx, candidates)
	if err != nil {
		return Rect{}, fmt.Errorf("locator lookup failed for %s keyboard: %w", state, err)
	}
	if match == nil {
		l.logger.Warn("No keyboard locator candidate matched",
			zap.String("state", string(state)),
			zap.Strings("candidates", candidates),
		)
		return Rect{}, &KeyboardNotFoundError{State: state, Candidates: candidates}
	}

	if match.Box.Width <= 0 || match.Box.Height <= 0 {
		return Rect{}, &KeyboardNotFoundError{State: state, Candidates: candidates}
	}

	l.logger.Debug("Keyboard region located",
		zap.String("state", string(state)),
		zap.String("selector", match.Selector),
		zap.Float64("x", match.Box.X),
		zap.Float64("y", match.Box.Y),
		zap.Float64("width", match.Box.Width),
		zap.Float64("height", match.Box.Height),
	)
	return match.Box, nil
}
