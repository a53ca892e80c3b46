// File: internal/keyboard/typer.go
package keyboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TyperConfig carries the timing and verification settings for one attempt.
type TyperConfig struct {
	// PasswordSelector is the masked input whose value length verifies that
	// clicks registered.
	PasswordSelector string
	// PreTypeDelay runs once before the first click so focus can settle.
	PreTypeDelay time.Duration
	// CharDelay paces consecutive clicks; the keyboard re-renders its pressed
	// state between interactions.
	CharDelay time.Duration
	// VerifyTyping enables the field-length progress check after every click.
	VerifyTyping bool
	// StickyShift declares that the keyboard stays in the Upper rendering
	// after a shifted character. Most portals auto-revert to Lower after one
	// shifted key, which is the default.
	StickyShift bool
}

// Typer enters text by clicking computed screen positions. It never sends key
// events and never submits a partial password: any unresolved character aborts
// the attempt before its click is issued.
type Typer struct {
	logger  *zap.Logger
	clicker Clicker
	cfg     TyperConfig
}

// NewTyper creates a Typer bound to a browser session.
func NewTyper(logger *zap.Logger, clicker Clicker, cfg TyperConfig) *Typer {
	return &Typer{
		logger:  logger.Named("coordinate_typer"),
		clicker: clicker,
		cfg:     cfg,
	}
}

// Type clicks out the target text. shiftCoord may be nil only when no entry
// requires shift. shiftState tracks the keyboard's current rendering and is
// flipped on every shift toggle, so the caller sees the final state.
func (t *Typer) Type(ctx context.Context, target string, m CharacterMap, shiftCoord *Point, shiftState *bool) (*TypingAttempt, error) {
	runes := []rune(target)
	attempt := &TypingAttempt{TargetLength: len(runes)}

	// Fail fast: the whole credential must be resolvable before the first
	// click, otherwise a truncated password could reach the server.
	if missing := m.Missing(target); len(missing) > 0 {
		missingSet := make(map[rune]bool, len(missing))
		for _, r := range missing {
			missingSet[r] = true
		}
		for _, r := range runes {
			res := CharResult{Char: r, Resolved: !missingSet[r]}
			if missingSet[r] {
				res.Reason = "character not present in map"
			}
			attempt.Results = append(attempt.Results, res)
		}
		t.logger.Error("Typing aborted before any click: unresolved characters",
			zap.Int("target_length", len(runes)),
			zap.Int("unresolved", len(missing)),
		)
		return attempt, &CharacterUnresolvedError{Char: missing[0]}
	}

	if err := sleepCtx(ctx, t.cfg.PreTypeDelay); err != nil {
		return attempt, err
	}

	fieldLen := 0
	if t.cfg.VerifyTyping {
		n, err := t.clicker.FieldValueLength(ctx, t.cfg.PasswordSelector)
		if err != nil {
			return attempt, fmt.Errorf("failed to read password field baseline: %w", err)
		}
		fieldLen = n
	}

	for i, r := range runes {
		entry := m[r]
		res := CharResult{Char: r, Resolved: true}

		if entry.RequiresShift != *shiftState {
			if shiftCoord == nil {
				res.Reason = "shift required but no shift key resolved"
				attempt.Results = append(attempt.Results, res)
				return attempt, fmt.Errorf("character at position %d requires a shift toggle but no shift key was resolved", i)
			}
			if err := t.clicker.ClickXY(ctx, shiftCoord.X, shiftCoord.Y); err != nil {
				res.Reason = "shift toggle click failed"
				attempt.Results = append(attempt.Results, res)
				return attempt, fmt.Errorf("shift toggle click failed at position %d: %w", i, err)
			}
			*shiftState = !*shiftState
			res.ShiftToggled = true
			attempt.ShiftClicks++
			if err := sleepCtx(ctx, t.cfg.CharDelay); err != nil {
				attempt.Results = append(attempt.Results, res)
				return attempt, err
			}
		}

		newLen, err := t.clickAndVerify(ctx, entry, fieldLen, &res)
		attempt.Results = append(attempt.Results, res)
		if err != nil {
			return attempt, err
		}
		fieldLen = newLen

		// One-shot keyboards drop back to the Lower rendering after a
		// shifted character without any shift click of their own.
		if entry.RequiresShift && !t.cfg.StickyShift {
			*shiftState = false
		}

		// Never log the character itself; position and script are enough.
		t.logger.Debug("Character typed",
			zap.Int("position", i+1),
			zap.Int("total", len(runes)),
			zap.String("script", string(entry.Script)),
			zap.Bool("shifted", entry.RequiresShift),
		)

		if i < len(runes)-1 {
			if err := sleepCtx(ctx, t.cfg.CharDelay); err != nil {
				return attempt, err
			}
		}
	}

	if !t.cfg.VerifyTyping {
		fieldLen = len(runes)
	}
	attempt.FieldLength = fieldLen
	attempt.OverallSuccess = true

	t.logger.Info("Typing complete",
		zap.Int("characters", len(runes)),
		zap.Int("shift_clicks", attempt.ShiftClicks),
		zap.Int("field_length", fieldLen),
	)
	return attempt, nil
}

// clickAndVerify clicks the entry's coordinate and confirms the masked field
// advanced by one character, retrying the click exactly once.
func (t *Typer) clickAndVerify(ctx context.Context, entry CharacterEntry, prevLen int, res *CharResult) (int, error) {
	idx := prevLen // Position within the field equals the pre-click length.

	if err := t.clicker.ClickXY(ctx, entry.Coord.X, entry.Coord.Y); err != nil {
		res.Reason = "click dispatch failed"
		return prevLen, fmt.Errorf("click dispatch failed: %w", err)
	}
	res.Clicked = true

	if !t.cfg.VerifyTyping {
		return prevLen + 1, nil
	}

	n, err := t.clicker.FieldValueLength(ctx, t.cfg.PasswordSelector)
	if err != nil {
		res.Reason = "field verification failed"
		return prevLen, fmt.Errorf("failed to verify field progress: %w", err)
	}
	if n > prevLen {
		return n, nil
	}

	// Silent click failure: retry once, then give up.
	res.Retried = true
	t.logger.Warn("Field length did not advance; retrying click", zap.Int("position", idx+1))
	if err := t.clicker.ClickXY(ctx, entry.Coord.X, entry.Coord.Y); err != nil {
		res.Reason = "retry click dispatch failed"
		return prevLen, fmt.Errorf("retry click dispatch failed: %w", err)
	}
	n, err = t.clicker.FieldValueLength(ctx, t.cfg.PasswordSelector)
	if err != nil {
		res.Reason = "field verification failed after retry"
		return prevLen, fmt.Errorf("failed to verify field progress after retry: %w", err)
	}
	if n > prevLen {
		return n, nil
	}

	res.Reason = "click did not register after retry"
	return prevLen, &ClickFailedError{Char: entry.Char, Index: idx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
