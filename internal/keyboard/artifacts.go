// File: internal/keyboard/artifacts.go
package keyboard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Exporter writes optional debug artifacts for one login attempt: capture
// screenshots, the character map as structured data and a human-readable
// rendering of the detected key boxes. Exports never block the pipeline;
// failures are logged and swallowed.
type Exporter struct {
	logger *zap.Logger
	dir    string
	// reveal controls whether exported map entries include the actual
	// characters. When false, entries carry only the script class.
	reveal bool
}

// NewExporter creates an exporter rooted at dir. A nil exporter is returned
// when dir is empty, and all methods are safe to call on it.
func NewExporter(logger *zap.Logger, dir string, reveal bool) *Exporter {
	if dir == "" {
		return nil
	}
	return &Exporter{
		logger: logger.Named("artifact_exporter"),
		dir:    dir,
		reveal: reveal,
	}
}

// SaveScreenshot writes the cropped capture image as PNG.
func (e *Exporter) SaveScreenshot(attemptID string, state LayoutState, png []byte) {
	if e == nil || len(png) == 0 {
		return
	}
	path := filepath.Join(e.dir, attemptID, fmt.Sprintf("keyboard_%s.png", state))
	e.write(path, png)
}

// mapEntryExport is the redacted on-disk form of a CharacterEntry.
type mapEntryExport struct {
	Char          string  `json:"char,omitempty"`
	Script        Script  `json:"script"`
	RequiresShift bool    `json:"requires_shift"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	SourceKey     string  `json:"source_key"`
}

// SaveCharacterMap exports the map as JSON for troubleshooting misdetections.
func (e *Exporter) SaveCharacterMap(attemptID string, m CharacterMap) {
	if e == nil {
		return
	}
	entries := make([]mapEntryExport, 0, len(m))
	for _, r := range m.Characters() {
		entry := m[r]
		exp := mapEntryExport{
			Script:        entry.Script,
			RequiresShift: entry.RequiresShift,
			X:             entry.Coord.X,
			Y:             entry.Coord.Y,
			SourceKey:     entry.SourceKey,
		}
		if e.reveal {
			exp.Char = string(r)
		}
		entries = append(entries, exp)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		e.logger.Warn("Failed to marshal character map artifact", zap.Error(err))
		return
	}
	e.write(filepath.Join(e.dir, attemptID, "character_map.json"), data)
}

// SaveKeyGrid writes a text rendering of the detected key boxes, rows grouped
// by vertical position, so a misdetected layout is readable at a glance.
func (e *Exporter) SaveKeyGrid(attemptID string, capture *KeyboardCapture) {
	if e == nil || capture == nil {
		return
	}

	keys := make([]KeyBox, len(capture.Keys))
	copy(keys, capture.Keys)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Center.Y != keys[j].Center.Y {
			return keys[i].Center.Y < keys[j].Center.Y
		}
		return keys[i].Center.X < keys[j].Center.X
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "keyboard capture: state=%s keys=%d region=%.0fx%.0f@(%.0f,%.0f)\n",
		capture.State, len(keys), capture.Region.Width, capture.Region.Height, capture.Region.X, capture.Region.Y)

	var rowY float64 = -1
	for _, key := range keys {
		// A new row starts when the center drops below the previous row by
		// more than half a key height.
		if rowY < 0 || key.Center.Y-rowY > key.Box.Height/2 {
			sb.WriteString("\n|")
			rowY = key.Center.Y
		}
		fmt.Fprintf(&sb, " %-8s (%4.0f,%4.0f) |", key.Label, key.Center.X, key.Center.Y)
	}
	sb.WriteString("\n")

	e.write(filepath.Join(e.dir, attemptID, fmt.Sprintf("keys_%s.txt", capture.State)), []byte(sb.String()))
}

func (e *Exporter) write(path string, data []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn("Failed to create artifact directory", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Warn("Failed to write artifact", zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Debug("Artifact written", zap.String("path", path))
}
