// File: internal/automator/template_test.go
package automator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
	"github.com/minseochh02/keyclick/internal/keyboard"
	"github.com/minseochh02/keyclick/internal/vision"
)

// fakeBrowser simulates a login portal with a virtual keyboard: the keyboard
// region is a fixed element, clicks on the shift coordinate re-render the
// layout, and clicks on any other coordinate append one masked character to
// the password field.
type fakeBrowser struct {
	mu sync.Mutex

	keyboardBox keyboard.Rect
	shiftCenter keyboard.Point

	navigatedTo string
	identifier  string
	fieldLen    int
	charClicks  int
	shiftClicks int
	submitted   bool
	evaluates   int
	location    string
	successSel  string
	screenshots int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		keyboardBox: keyboard.Rect{X: 0, Y: 300, Width: 400, Height: 200},
		shiftCenter: keyboard.Point{X: 20, Y: 480},
		location:    "https://portal.example/login",
		successSel:  "#logout",
	}
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigatedTo = url
	return nil
}

func (f *fakeBrowser) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == "#submit" {
		f.submitted = true
		f.location = "https://portal.example/home"
	}
	return nil
}

func (f *fakeBrowser) Fill(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifier = text
	return nil
}

func (f *fakeBrowser) WaitVisible(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == f.successSel && !f.submitted {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeBrowser) Evaluate(_ context.Context, _ string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluates++
	return nil
}

func (f *fakeBrowser) Location(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *fakeBrowser) FindVisible(_ context.Context, candidates []string) (*keyboard.ElementMatch, error) {
	for _, c := range candidates {
		if c == "#keypad" {
			return &keyboard.ElementMatch{Box: f.keyboardBox, Selector: c}, nil
		}
	}
	return nil, nil
}

func (f *fakeBrowser) Screenshot(_ context.Context, _ keyboard.Rect) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots++
	return []byte("png"), nil
}

func (f *fakeBrowser) ClickXY(_ context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if x == f.shiftCenter.X && y == f.shiftCenter.Y {
		f.shiftClicks++
		return nil
	}
	f.charClicks++
	f.fieldLen++
	return nil
}

func (f *fakeBrowser) FieldValueLength(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fieldLen, nil
}

// queueVision hands out one detection per call, repeating the last entry when
// the queue runs dry.
type queueVision struct {
	mu        sync.Mutex
	responses []*vision.Detection
	calls     int
}

func (q *queueVision) DetectKeys(_ context.Context, _ []byte) (*vision.Detection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	q.calls++
	if i >= len(q.responses) {
		i = len(q.responses) - 1
	}
	return q.responses[i], nil
}

func (q *queueVision) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// Key boxes in the 0..1000 space of the 400x200 keyboard region. The shift
// key's box maps onto the fake browser's shiftCenter.
func lowerDetection() *vision.Detection {
	return &vision.Detection{Keys: []vision.Key{
		{Label: "a / ㅏ", Box: [4]int{0, 0, 200, 100}},
		{Label: "b / ㅂ", Box: [4]int{0, 100, 200, 200}},
		{Label: "1", Box: [4]int{0, 200, 200, 300}},
		{Label: "2", Box: [4]int{0, 300, 200, 400}},
		{Label: "shift", Box: [4]int{800, 0, 1000, 100}},
	}}
}

func upperDetection() *vision.Detection {
	return &vision.Detection{Keys: []vision.Key{
		{Label: "A / ㅑ", Box: [4]int{0, 0, 200, 100}},
		{Label: "B", Box: [4]int{0, 100, 200, 200}},
		{Label: "!", Box: [4]int{0, 200, 200, 300}},
		{Label: "@", Box: [4]int{0, 300, 200, 400}},
		{Label: "shift", Box: [4]int{800, 0, 1000, 100}},
	}}
}

func testSite() config.SiteConfig {
	return config.SiteConfig{
		Name:               "portal",
		LoginURL:           "https://portal.example/login",
		IdentifierSelector: "#user",
		PasswordSelector:   "#pw",
		SubmitSelector:     "#submit",
		SuccessSelector:    "#logout",
		LowerLocators:      []string{"#keypad"},
		RequiresShiftKey:   true,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{SettleDelay: 0},
		Vision:  config.VisionConfig{MaxAttempts: 3, RetryDelay: 0},
		Automator: config.AutomatorConfig{
			StageTimeout: 15 * time.Second,
			VerifyTyping: true,
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{lowerDetection(), upperDetection()}}
	a, err := New(zap.NewNop(), b, vc, testConfig(), testSite())
	require.NoError(t, err)
	defer a.Close()

	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "Ab12!"})

	require.True(t, result.Success, "failure: stage=%s reason=%s", result.FailureStage, result.FailureReason)
	assert.Empty(t, result.FailureStage)
	assert.Equal(t, "portal", result.Site)
	assert.NotEmpty(t, result.AttemptID)
	assert.Equal(t, "user01", b.identifier)
	assert.Equal(t, "https://portal.example/login", b.navigatedTo)
	assert.True(t, b.submitted)

	require.NotNil(t, result.TypingAttempt)
	assert.True(t, result.TypingAttempt.OverallSuccess)
	assert.Equal(t, 5, result.TypingAttempt.TargetLength)
	assert.Equal(t, 5, result.TypingAttempt.FieldLength)
	// 'A' and '!' cost one typing shift toggle each.
	assert.Equal(t, 2, result.TypingAttempt.ShiftClicks)
	assert.Equal(t, 5, b.charClicks)
	// Activate Upper + restore Lower + the two typing toggles.
	assert.Equal(t, 4, b.shiftClicks)

	// Two capture passes, one screenshot each.
	assert.Equal(t, 2, vc.callCount())
	assert.Equal(t, 2, b.screenshots)

	sess := a.Session()
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.Map)
}

func TestRunVisionExhaustionAbortsWithoutClicks(t *testing.T) {
	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{{Raw: "[]"}}}
	a, err := New(zap.NewNop(), b, vc, testConfig(), testSite())
	require.NoError(t, err)
	defer a.Close()

	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "Ab12!"})

	require.False(t, result.Success)
	assert.Equal(t, StageLowerCaptured, result.FailureStage)

	var visionErr *keyboard.VisionInferenceError
	require.ErrorAs(t, result.Err, &visionErr)
	assert.Equal(t, 3, visionErr.Attempts)
	assert.Equal(t, 3, vc.callCount())

	assert.Zero(t, b.charClicks, "no coordinate click without a usable capture")
	assert.Zero(t, b.shiftClicks)
	assert.Nil(t, result.TypingAttempt)
}

func TestRunShiftRequiredButAbsent(t *testing.T) {
	noShift := &vision.Detection{Keys: []vision.Key{
		{Label: "a", Box: [4]int{0, 0, 200, 100}},
		{Label: "b", Box: [4]int{0, 100, 200, 200}},
	}}
	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{noShift}}
	a, err := New(zap.NewNop(), b, vc, testConfig(), testSite())
	require.NoError(t, err)
	defer a.Close()

	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "Ab12!"})

	require.False(t, result.Success)
	assert.Equal(t, StageLowerCaptured, result.FailureStage)

	var shiftErr *keyboard.ShiftKeyNotFoundError
	require.ErrorAs(t, result.Err, &shiftErr)
	assert.Equal(t, 2, shiftErr.KeyCount)

	// The attempt aborts before the Upper pass: exactly one vision call and no
	// shift activation click.
	assert.Equal(t, 1, vc.callCount())
	assert.Zero(t, b.shiftClicks)
}

func TestRunUnresolvedCharacterAbortsBeforeTyping(t *testing.T) {
	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{lowerDetection(), upperDetection()}}
	a, err := New(zap.NewNop(), b, vc, testConfig(), testSite())
	require.NoError(t, err)
	defer a.Close()

	// '?' appears on neither rendering.
	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "Ab1?"})

	require.False(t, result.Success)
	assert.Equal(t, StagePasswordTyped, result.FailureStage)

	var unresolved *keyboard.CharacterUnresolvedError
	require.ErrorAs(t, result.Err, &unresolved)
	assert.Equal(t, '?', unresolved.Char)

	assert.Zero(t, b.charClicks, "a partial password must never be typed")
	// The two capture-phase shift clicks happened; no typing toggles followed.
	assert.Equal(t, 2, b.shiftClicks)
	require.NotNil(t, result.TypingAttempt, "per-character provenance survives the abort")
	assert.False(t, result.TypingAttempt.OverallSuccess)
}

func TestRunVerificationFailure(t *testing.T) {
	site := testSite()
	site.SuccessSelector = ""
	site.SuccessURLPrefix = "https://portal.example/dashboard"

	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{lowerDetection(), upperDetection()}}
	a, err := New(zap.NewNop(), b, vc, testConfig(), site)
	require.NoError(t, err)
	defer a.Close()

	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "ab12"})

	require.False(t, result.Success)
	assert.Equal(t, StageLoggedIn, result.FailureStage)

	var subErr *keyboard.SubmissionError
	require.ErrorAs(t, result.Err, &subErr)
}

func TestNewUnregisteredHook(t *testing.T) {
	site := testSite()
	site.PopupHook = "definitely_not_registered"

	_, err := New(zap.NewNop(), newFakeBrowser(), &queueVision{responses: []*vision.Detection{lowerDetection()}}, testConfig(), site)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestSessionKeepAliveLifecycle(t *testing.T) {
	b := newFakeBrowser()
	sess := newSession("0123456789abcdef", testSite(), b, zap.NewNop())

	sess.startKeepAlive(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.evaluates > 0
	}, time.Second, time.Millisecond, "keep-alive never ticked")

	sess.Close()
	sess.Close() // Idempotent.
	assert.Nil(t, sess.Map)
	assert.Nil(t, sess.ShiftCoord)
}

func TestRunKeepAliveStartsOnlyOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Automator.KeepAliveInterval = time.Millisecond

	b := newFakeBrowser()
	vc := &queueVision{responses: []*vision.Detection{lowerDetection(), upperDetection()}}
	a, err := New(zap.NewNop(), b, vc, cfg, testSite())
	require.NoError(t, err)

	result := a.Run(context.Background(), config.Credentials{Identifier: "user01", Password: "ab12"})
	require.True(t, result.Success, "failure: stage=%s reason=%s", result.FailureStage, result.FailureReason)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.evaluates > 0
	}, time.Second, time.Millisecond)

	a.Close()
}
