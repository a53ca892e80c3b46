// File: internal/browser/page.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
	"github.com/minseochh02/keyclick/internal/keyboard"
)

// Page is one isolated browser tab. It implements the driver surface the
// keyboard pipeline and the automator consume: structural lookup, region
// screenshots, coordinate clicks and field inspection.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	onClose   func()
	closeOnce sync.Once
}

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, cfg config.BrowserConfig) *Page {
	id := uuid.NewString()
	return &Page{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("page").With(zap.String("page_id", id[:8])),
		cfg:    cfg,
	}
}

// ID returns the page's unique identifier.
func (p *Page) ID() string { return p.id }

// run executes actions on the tab's chromedp context while honoring the
// caller's cancellation and deadline. Stage contexts are plain contexts; only
// p.ctx carries the chromedp target.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Context returns the tab context; derive stage timeouts from it.
func (p *Page) Context() context.Context { return p.ctx }

// Close tears the tab down. Safe to call more than once.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.onClose != nil {
			p.onClose()
		}
		p.logger.Debug("Page closed")
	})
}

// Navigate loads the URL and waits for the document to become ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating", zap.String("url", url))
	if err := p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Click performs a selector-based click on a visible element.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

// Fill clears the field and types text into it with synthetic key events.
func (p *Page) Fill(ctx context.Context, selector, text string) error {
	if err := p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("fill of %q failed: %w", selector, err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %q did not become visible: %w", selector, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression and unmarshals its result into out.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	if out == nil {
		var discard any
		out = &discard
	}
	return p.run(ctx, chromedp.Evaluate(expr, out))
}

// Location returns the page's current URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return url, nil
}

// visibleProbeJS finds the first visible element matching any candidate
// selector, searching the main document first and then same-origin sub-frames
// with the frame offset applied, so the returned box is in page coordinates.
const visibleProbeJS = `(function(candidates) {
	function probe(doc, offsetX, offsetY) {
		for (const sel of candidates) {
			let el;
			try { el = doc.querySelector(sel); } catch (e) { continue; }
			if (!el) continue;
			const rect = el.getBoundingClientRect();
			const style = doc.defaultView.getComputedStyle(el);
			if (rect.width <= 0 || rect.height <= 0) continue;
			if (style.visibility === 'hidden' || style.display === 'none') continue;
			return {found: true, selector: sel,
				x: rect.x + offsetX, y: rect.y + offsetY,
				width: rect.width, height: rect.height};
		}
		return null;
	}
	let hit = probe(document, 0, 0);
	if (hit) return hit;
	for (const frame of document.querySelectorAll('iframe, frame')) {
		let doc;
		try { doc = frame.contentDocument; } catch (e) { continue; }
		if (!doc) continue;
		const fr = frame.getBoundingClientRect();
		hit = probe(doc, fr.x, fr.y);
		if (hit) return hit;
	}
	return {found: false};
})(%s)`

type probeResult struct {
	Found    bool    `json:"found"`
	Selector string  `json:"selector"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// FindVisible implements keyboard.Finder. A nil match without error means no
// candidate yielded a visible element.
func (p *Page) FindVisible(ctx context.Context, candidates []string) (*keyboard.ElementMatch, error) {
	encoded, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode locator candidates: %w", err)
	}

	var res probeResult
	if err := p.Evaluate(ctx, fmt.Sprintf(visibleProbeJS, encoded), &res); err != nil {
		return nil, fmt.Errorf("locator probe failed: %w", err)
	}
	if !res.Found {
		return nil, nil
	}
	return &keyboard.ElementMatch{
		Selector: res.Selector,
		Box:      keyboard.Rect{X: res.X, Y: res.Y, Width: res.Width, Height: res.Height},
	}, nil
}

// Screenshot implements keyboard.Capturer: a PNG of the clip region, which is
// given in CSS pixels.
func (p *Page) Screenshot(ctx context.Context, clip keyboard.Rect) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      clip.X,
				Y:      clip.Y,
				Width:  clip.Width,
				Height: clip.Height,
				Scale:  1,
			}).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("region screenshot failed: %w", err)
	}
	return buf, nil
}

// ClickXY implements keyboard.Clicker: a raw pointer press/release at an
// absolute page coordinate, with a short hold between the two events. The
// move event first keeps the pointer trail plausible.
func (p *Page) ClickXY(ctx context.Context, x, y float64) error {
	hold := p.cfg.ClickHold
	if hold <= 0 {
		hold = 50 * time.Millisecond
	}

	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hold):
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("coordinate click at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return nil
}

// FieldValueLength implements keyboard.Clicker: the character count of an
// input's value. Masked password fields report their real length here, which
// makes silent click failures detectable.
func (p *Page) FieldValueLength(ctx context.Context, selector string) (int, error) {
	expr := fmt.Sprintf(`(function(){
		const el = document.querySelector(%s);
		return el && typeof el.value === 'string' ? el.value.length : -1;
	})()`, strconv.Quote(selector))

	var n int
	if err := p.Evaluate(ctx, expr, &n); err != nil {
		return 0, fmt.Errorf("failed to read value length of %q: %w", selector, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("field %q not found or has no value", selector)
	}
	return n, nil
}
