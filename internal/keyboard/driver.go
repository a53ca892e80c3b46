// File: internal/keyboard/driver.go
package keyboard

import "context"

// ElementMatch is a visible element found by the browser driver: its absolute
// page box and the candidate selector that matched.
type ElementMatch struct {
	Box      Rect
	Selector string
}

// Finder is the slice of the browser driver the locator needs: frame-aware
// lookup of the first visible element among an ordered candidate list.
type Finder interface {
	FindVisible(ctx context.Context, candidates []string) (*ElementMatch, error)
}

// Capturer produces a PNG screenshot of a page region in CSS pixels.
type Capturer interface {
	Screenshot(ctx context.Context, clip Rect) ([]byte, error)
}

// Clicker issues a pointer click at an absolute page coordinate and reads the
// masked length of an input field's value.
type Clicker interface {
	ClickXY(ctx context.Context, x, y float64) error
	FieldValueLength(ctx context.Context, selector string) (int, error)
}
