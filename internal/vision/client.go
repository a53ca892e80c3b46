// Package vision wraps the external vision-inference service that reads a
// keyboard screenshot and returns every key's label and bounding box.
package vision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
)

// Key is one detected key in the normalized 0..1000 coordinate space of the
// submitted image. Box is [ymin, xmin, ymax, xmax].
type Key struct {
	Label string `json:"label"`
	Box   [4]int `json:"box_2d"`
}

// Detection is the parsed service response plus the raw payload for
// diagnostics when parsing or downstream validation fails.
type Detection struct {
	Keys []Key
	Raw  string
}

// Client is the vision-inference service interface consumed by the keyboard
// analyzer. Implementations must tolerate overlapping calls from independent
// sessions.
type Client interface {
	// DetectKeys submits a PNG image and returns the detected keys.
	DetectKeys(ctx context.Context, png []byte) (*Detection, error)
}

// New constructs a client for the configured provider.
func New(cfg config.VisionConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
}
