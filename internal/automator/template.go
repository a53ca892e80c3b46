// File: internal/automator/template.go
// The shared login state machine. Site-specific modules supply configuration
// and narrow hooks; the capture/shift/typing core below is common to every
// site, which is what keeps the hardest logic unduplicated.
package automator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
	"github.com/minseochh02/keyclick/internal/keyboard"
	"github.com/minseochh02/keyclick/internal/vision"
)

// Automator drives one site's login pipeline:
// navigate → fill identifier → capture Lower → activate shift → capture Upper
// → restore Lower → build map → type password → submit → verify.
type Automator struct {
	logger  *zap.Logger
	cfg     config.AutomatorConfig
	site    config.SiteConfig
	browser Browser
	settle  time.Duration

	locator  *keyboard.Locator
	analyzer *keyboard.Analyzer
	shift    *keyboard.ShiftResolver
	builder  *keyboard.MapBuilder
	exporter *keyboard.Exporter

	identifierHook Hook
	popupHook      Hook

	session *Session
}

// New wires an automator for one attempt against one site. The vision client
// is per-attempt so its rate limiting stays per session.
func New(logger *zap.Logger, b Browser, vc vision.Client, cfg *config.Config, site config.SiteConfig) (*Automator, error) {
	idHook, err := lookupHook(site.IdentifierHook)
	if err != nil {
		return nil, err
	}
	if idHook == nil {
		idHook = defaultFillIdentifier
	}
	popupHook, err := lookupHook(site.PopupHook)
	if err != nil {
		return nil, err
	}

	log := logger.Named("automator").With(zap.String("site", site.Name))
	shift := keyboard.NewShiftResolver(log, site.ShiftPatterns)

	return &Automator{
		logger:         log,
		cfg:            cfg.Automator,
		site:           site,
		browser:        b,
		settle:         cfg.Browser.SettleDelay,
		locator:        keyboard.NewLocator(log, b),
		analyzer:       keyboard.NewAnalyzer(log, b, vc, cfg.Vision.MaxAttempts, cfg.Vision.RetryDelay),
		shift:          shift,
		builder:        keyboard.NewMapBuilder(log, shift.IsShiftLabel),
		exporter:       keyboard.NewExporter(log, cfg.Automator.ArtifactsDir, cfg.Automator.RevealCharacters),
		identifierHook: idHook,
		popupHook:      popupHook,
	}, nil
}

// Session exposes the attempt's session after Run, mainly so callers can keep
// the keep-alive task running while post-login work happens elsewhere.
func (a *Automator) Session() *Session { return a.session }

// Close tears down the session state, stopping the keep-alive task if it ever
// started. Safe on all exit paths, including cancellation.
func (a *Automator) Close() {
	if a.session != nil {
		a.session.Close()
	}
}

// runState is the transient data flowing between stages of one attempt.
type runState struct {
	creds     config.Credentials
	lowerShot []byte
	upperShot []byte
	region    keyboard.Rect
	lower     *keyboard.KeyboardCapture
	upper     *keyboard.KeyboardCapture
	hasShift  bool
}

// Run executes the full state machine for one credential pair. The returned
// Result always names the failing stage on error; it reports success only
// after independent post-submit verification.
func (a *Automator) Run(ctx context.Context, creds config.Credentials) *Result {
	attemptID := uuid.NewString()
	sess := newSession(attemptID, a.site, a.browser, a.logger)
	a.session = sess

	result := &Result{
		Site:      a.site.Name,
		AttemptID: attemptID,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		result.FinishedAt = time.Now().UTC()
		if !result.Success {
			sess.Close()
		}
	}()

	a.logger.Info("Login attempt starting",
		zap.String("attempt_id", attemptID[:8]),
		zap.String("identifier", config.MaskIdentifier(creds.Identifier)),
		zap.Int("password_length", len([]rune(creds.Password))),
	)

	st := &runState{creds: creds}

	// Each stage is bounded by its own timeout; any failure short-circuits to
	// LoginFailed with the originating error attached.
	current := StageInit
	run := func(stage Stage, fn func(context.Context) error) bool {
		stageCtx, cancel := context.WithTimeout(ctx, a.cfg.StageTimeout)
		defer cancel()

		a.logger.Debug("Stage transition",
			zap.String("from", string(current)),
			zap.String("to", string(stage)),
		)
		if err := fn(stageCtx); err != nil {
			result.FailureStage = stage
			result.FailureReason = err.Error()
			result.Err = err
			a.logger.Error("Stage failed; attempt moves to LoginFailed",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return false
		}
		current = stage
		return true
	}

	if !run(StageNavigatedToLogin, func(ctx context.Context) error { return a.stageNavigate(ctx, st) }) {
		return result
	}
	if !run(StageIdentifierFilled, func(ctx context.Context) error { return a.stageFillIdentifier(ctx, st) }) {
		return result
	}
	if !run(StageLowerCaptured, func(ctx context.Context) error { return a.stageCaptureLower(ctx, st, sess) }) {
		return result
	}
	if st.hasShift {
		if !run(StageUpperCaptured, func(ctx context.Context) error { return a.stageCaptureUpper(ctx, st, sess) }) {
			return result
		}
		if !run(StageLowerRestored, func(ctx context.Context) error { return a.stageRestoreLower(ctx, sess) }) {
			return result
		}
	}
	if !run(StageMapBuilt, func(ctx context.Context) error { return a.stageBuildMap(ctx, st, sess) }) {
		return result
	}
	if !run(StagePasswordTyped, func(ctx context.Context) error { return a.stageTypePassword(ctx, st, sess, result) }) {
		return result
	}
	if !run(StageSubmitted, func(ctx context.Context) error { return a.stageSubmit(ctx) }) {
		return result
	}
	if !run(StageLoggedIn, func(ctx context.Context) error { return a.stageVerify(ctx) }) {
		return result
	}

	result.Success = true
	a.logger.Info("Login confirmed", zap.String("attempt_id", attemptID[:8]))
	sess.startKeepAlive(a.cfg.KeepAliveInterval)
	return result
}

func (a *Automator) stageNavigate(ctx context.Context, st *runState) error {
	if err := a.browser.Navigate(ctx, a.site.LoginURL); err != nil {
		return err
	}
	if err := a.settleWait(ctx); err != nil {
		return err
	}
	return runHook(ctx, a.logger, a.site.PopupHook, a.popupHook, a.browser, a.site, st.creds)
}

func (a *Automator) stageFillIdentifier(ctx context.Context, st *runState) error {
	if err := a.identifierHook(ctx, a.browser, a.site, st.creds); err != nil {
		return fmt.Errorf("identifier fill failed: %w", err)
	}
	// The password field must exist before keyboard work begins; clicking it
	// is what makes many portals render the keyboard.
	if err := a.browser.WaitVisible(ctx, a.site.PasswordSelector); err != nil {
		return err
	}
	if err := a.browser.Click(ctx, a.site.PasswordSelector); err != nil {
		return err
	}
	return a.settleWait(ctx)
}

func (a *Automator) stageCaptureLower(ctx context.Context, st *runState, sess *Session) error {
	region, err := a.locator.Locate(ctx, keyboard.StateLower, a.site.LowerLocators)
	if err != nil {
		return err
	}
	st.region = region

	capture, shot, err := a.analyzer.Capture(ctx, keyboard.StateLower, region)
	st.lowerShot = shot
	a.exporter.SaveScreenshot(sess.ID, keyboard.StateLower, shot)
	if err != nil {
		return err
	}
	st.lower = capture
	a.exporter.SaveKeyGrid(sess.ID, capture)

	// Resolve the shift key now: if the site expects one and it is missing,
	// the attempt aborts before the Upper pass ever runs.
	coord, found := a.shift.Resolve(capture)
	if found {
		st.hasShift = true
		sess.ShiftCoord = &coord
	} else if a.site.RequiresShiftKey {
		return &keyboard.ShiftKeyNotFoundError{
			Patterns: a.shift.Patterns(),
			KeyCount: len(capture.Keys),
		}
	} else {
		a.logger.Info("No shift key detected; single-state keyboard assumed")
	}
	return nil
}

func (a *Automator) stageCaptureUpper(ctx context.Context, st *runState, sess *Session) error {
	if err := a.browser.ClickXY(ctx, sess.ShiftCoord.X, sess.ShiftCoord.Y); err != nil {
		return fmt.Errorf("shift activation failed: %w", err)
	}
	sess.ShiftState = true
	if err := a.settleWait(ctx); err != nil {
		return err
	}

	// Most portals re-render the keyboard in place; a separate upper locator
	// list is only needed when the shifted keyboard is a different element.
	region := st.region
	if len(a.site.UpperLocators) > 0 {
		r, err := a.locator.Locate(ctx, keyboard.StateUpper, a.site.UpperLocators)
		if err != nil {
			return err
		}
		region = r
	}

	capture, shot, err := a.analyzer.Capture(ctx, keyboard.StateUpper, region)
	st.upperShot = shot
	a.exporter.SaveScreenshot(sess.ID, keyboard.StateUpper, shot)
	if err != nil {
		return err
	}
	st.upper = capture
	a.exporter.SaveKeyGrid(sess.ID, capture)
	return nil
}

// stageRestoreLower drives the keyboard back to the Lower rendering exactly
// once, so the typing loop always starts from a known state.
func (a *Automator) stageRestoreLower(ctx context.Context, sess *Session) error {
	if err := a.browser.ClickXY(ctx, sess.ShiftCoord.X, sess.ShiftCoord.Y); err != nil {
		return fmt.Errorf("shift restore failed: %w", err)
	}
	sess.ShiftState = false
	return a.settleWait(ctx)
}

func (a *Automator) stageBuildMap(_ context.Context, st *runState, sess *Session) error {
	sess.Map = a.builder.Build(st.lower, st.upper)
	if len(sess.Map) == 0 {
		return fmt.Errorf("character map is empty after merging captures")
	}
	a.exporter.SaveCharacterMap(sess.ID, sess.Map)
	return nil
}

func (a *Automator) stageTypePassword(ctx context.Context, st *runState, sess *Session, result *Result) error {
	typer := keyboard.NewTyper(a.logger, a.browser, keyboard.TyperConfig{
		PasswordSelector: a.site.PasswordSelector,
		PreTypeDelay:     a.cfg.PreTypeDelay,
		CharDelay:        a.cfg.CharDelay,
		VerifyTyping:     a.cfg.VerifyTyping,
		StickyShift:      a.site.StickyShift,
	})

	attempt, err := typer.Type(ctx, st.creds.Password, sess.Map, sess.ShiftCoord, &sess.ShiftState)
	result.TypingAttempt = attempt
	return err
}

func (a *Automator) stageSubmit(ctx context.Context) error {
	if a.site.SubmitSelector == "" {
		return fmt.Errorf("no submit selector configured")
	}
	if err := a.browser.Click(ctx, a.site.SubmitSelector); err != nil {
		return err
	}
	return a.settleWait(ctx)
}

// stageVerify confirms the authenticated state independently of the submit
// click: a configured success element, or a URL prefix change. Without that
// confirmation the attempt is a failure no matter what the page looks like.
func (a *Automator) stageVerify(ctx context.Context) error {
	if a.site.SuccessSelector != "" {
		if err := a.browser.WaitVisible(ctx, a.site.SuccessSelector); err != nil {
			return &keyboard.SubmissionError{Reason: fmt.Sprintf("success element %q not visible: %v", a.site.SuccessSelector, err)}
		}
		return nil
	}
	if a.site.SuccessURLPrefix != "" {
		url, err := a.browser.Location(ctx)
		if err != nil {
			return &keyboard.SubmissionError{Reason: fmt.Sprintf("could not read post-submit location: %v", err)}
		}
		if !strings.HasPrefix(url, a.site.SuccessURLPrefix) {
			return &keyboard.SubmissionError{Reason: fmt.Sprintf("post-submit URL %q does not match expected prefix", url)}
		}
		return nil
	}
	return &keyboard.SubmissionError{Reason: "no success verification configured for site"}
}

func (a *Automator) settleWait(ctx context.Context) error {
	if a.settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.settle):
		return nil
	}
}
