// File: internal/keyboard/analyzer.go
package keyboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/vision"
)

// Analyzer crops a screenshot to the located keyboard region, submits it to
// the vision-inference service and converts the returned normalized boxes
// into absolute pixel click targets.
type Analyzer struct {
	logger      *zap.Logger
	capturer    Capturer
	client      vision.Client
	maxAttempts int
	retryDelay  time.Duration
}

// NewAnalyzer wires the analyzer to a screenshot source and a vision client.
// maxAttempts bounds the retries for empty or malformed key lists; the client
// handles transport-level retries itself. retryDelay separates those attempts.
func NewAnalyzer(logger *zap.Logger, capturer Capturer, client vision.Client, maxAttempts int, retryDelay time.Duration) *Analyzer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &Analyzer{
		logger:      logger.Named("keyboard_analyzer"),
		capturer:    capturer,
		client:      client,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Capture screenshots the region and runs key detection for the given layout
// state. The state only affects diagnostics and provenance naming.
func (a *Analyzer) Capture(ctx context.Context, state LayoutState, region Rect) (*KeyboardCapture, []byte, error) {
	shot, err := a.capturer.Screenshot(ctx, region)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to screenshot %s keyboard region: %w", state, err)
	}

	capture, err := a.analyze(ctx, state, region, shot)
	if err != nil {
		return nil, shot, err
	}
	return capture, shot, nil
}

// analyze submits the cropped image and converts the detection into a capture,
// retrying a bounded number of times on empty or unparseable results.
func (a *Analyzer) analyze(ctx context.Context, state LayoutState, region Rect, shot []byte) (*KeyboardCapture, error) {
	log := a.logger.With(zap.String("state", string(state)))

	var lastErr error
	var lastRaw string

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, &VisionInferenceError{State: state, Attempts: attempt - 1, RawResponse: lastRaw, Err: ctx.Err()}
			case <-time.After(a.retryDelay):
			}
		}

		det, err := a.client.DetectKeys(ctx, shot)
		if det != nil {
			lastRaw = det.Raw
		}
		if err != nil {
			lastErr = err
			log.Warn("Vision detection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if len(det.Keys) == 0 {
			lastErr = fmt.Errorf("vision service returned an empty key list")
			log.Warn("Vision detection returned zero keys", zap.Int("attempt", attempt))
			continue
		}

		keys := make([]KeyBox, 0, len(det.Keys))
		for _, k := range det.Keys {
			box, ok := toAbsolute(k.Box, region)
			if !ok {
				log.Warn("Discarding key with degenerate box", zap.String("label", k.Label), zap.Ints("box_2d", k.Box[:]))
				continue
			}
			keys = append(keys, KeyBox{
				Label:   k.Label,
				NormBox: k.Box,
				Box:     box,
				Center:  box.Center(),
			})
		}
		if len(keys) == 0 {
			lastErr = fmt.Errorf("all detected key boxes were degenerate")
			continue
		}

		log.Info("Keyboard capture complete", zap.Int("keys", len(keys)), zap.Int("attempt", attempt))
		return &KeyboardCapture{
			State:      state,
			Region:     region,
			Keys:       keys,
			CapturedAt: time.Now().UTC(),
		}, nil
	}

	return nil, &VisionInferenceError{
		State:       state,
		Attempts:    a.maxAttempts,
		RawResponse: lastRaw,
		Err:         lastErr,
	}
}

// toAbsolute maps a [ymin,xmin,ymax,xmax] box in the 0..1000 space of the
// cropped image onto absolute page coordinates. Values are clamped to the
// normalized range first; a box with no area after clamping is rejected.
func toAbsolute(norm [4]int, region Rect) (Rect, bool) {
	ymin := clampNorm(norm[0])
	xmin := clampNorm(norm[1])
	ymax := clampNorm(norm[2])
	xmax := clampNorm(norm[3])
	if ymax <= ymin || xmax <= xmin {
		return Rect{}, false
	}

	return Rect{
		X:      region.X + xmin/1000*region.Width,
		Y:      region.Y + ymin/1000*region.Height,
		Width:  (xmax - xmin) / 1000 * region.Width,
		Height: (ymax - ymin) / 1000 * region.Height,
	}, true
}

func clampNorm(v int) float64 {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return float64(v)
}
