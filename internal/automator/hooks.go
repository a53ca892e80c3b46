// File: internal/automator/hooks.go
package automator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
	"github.com/minseochh02/keyclick/internal/keyboard"
)

// Browser is the driver surface the automator consumes. *browser.Page
// implements it; tests substitute fakes.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	WaitVisible(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expr string, out any) error
	Location(ctx context.Context) (string, error)

	keyboard.Finder
	keyboard.Capturer
	keyboard.Clicker
}

// Hook is a narrow per-site override point. Sites customize identifier entry
// and pre-keyboard popup dismissal through named hooks; the shift-toggle and
// typing core is never overridable.
type Hook func(ctx context.Context, b Browser, site config.SiteConfig, creds config.Credentials) error

var (
	hooksMu sync.RWMutex
	hooks   = map[string]Hook{}
)

// RegisterHook makes a hook available under a name that site configurations
// can reference. Registering an existing name replaces it.
func RegisterHook(name string, h Hook) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[name] = h
}

// lookupHook resolves a named hook; an empty name resolves to nil without
// error.
func lookupHook(name string) (Hook, error) {
	if name == "" {
		return nil, nil
	}
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	h, ok := hooks[name]
	if !ok {
		return nil, fmt.Errorf("hook %q is not registered", name)
	}
	return h, nil
}

// defaultFillIdentifier is the identifier strategy used when a site declares
// no hook: focus the field, clear it and type the identifier.
func defaultFillIdentifier(ctx context.Context, b Browser, site config.SiteConfig, creds config.Credentials) error {
	return b.Fill(ctx, site.IdentifierSelector, creds.Identifier)
}

func init() {
	// A ready-made popup hook for sites that show a dismissible security
	// notice before rendering the keyboard. Sites needing more register
	// their own hooks.
	RegisterHook("dismiss_security_popup", func(ctx context.Context, b Browser, _ config.SiteConfig, _ config.Credentials) error {
		const popupClose = `.security-popup .close, .popup-close, [aria-label="Close"]`

		// Probe for presence first: a selector-based click would block until
		// the element appears, stalling the stage when no popup exists.
		var present bool
		expr := fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(popupClose))
		if err := b.Evaluate(ctx, expr, &present); err != nil || !present {
			// Popup absent is the common case; log-free no-op.
			return nil
		}
		return b.Click(ctx, popupClose)
	})
}

// Logger-aware hook invocation helper.
func runHook(ctx context.Context, logger *zap.Logger, name string, h Hook, b Browser, site config.SiteConfig, creds config.Credentials) error {
	if h == nil {
		return nil
	}
	logger.Debug("Running site hook", zap.String("hook", name))
	if err := h(ctx, b, site, creds); err != nil {
		return fmt.Errorf("site hook %q failed: %w", name, err)
	}
	return nil
}
