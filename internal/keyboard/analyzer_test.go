// File: internal/keyboard/analyzer_test.go
package keyboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/vision"
)

type fakeCapturer struct {
	png   []byte
	err   error
	calls int
}

func (f *fakeCapturer) Screenshot(_ context.Context, _ Rect) ([]byte, error) {
	f.calls++
	return f.png, f.err
}

// fakeVision returns one queued detection (or error) per call.
type fakeVision struct {
	responses []*vision.Detection
	errs      []error
	calls     int
}

func (f *fakeVision) DetectKeys(_ context.Context, _ []byte) (*vision.Detection, error) {
	i := f.calls
	f.calls++
	var det *vision.Detection
	var err error
	if i < len(f.responses) {
		det = f.responses[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return det, err
}

func newTestAnalyzer(capturer Capturer, client vision.Client, maxAttempts int) *Analyzer {
	return NewAnalyzer(zap.NewNop(), capturer, client, maxAttempts, 0)
}

func TestCaptureConvertsNormalizedBoxes(t *testing.T) {
	region := Rect{X: 100, Y: 400, Width: 500, Height: 200}
	client := &fakeVision{
		responses: []*vision.Detection{{
			Keys: []vision.Key{
				// [ymin, xmin, ymax, xmax]
				{Label: "a / ㅏ", Box: [4]int{0, 0, 500, 100}},
				{Label: "shift", Box: [4]int{500, 900, 1000, 1000}},
			},
			Raw: "ok",
		}},
		errs: []error{nil},
	}
	capturer := &fakeCapturer{png: []byte("png")}
	analyzer := newTestAnalyzer(capturer, client, 3)

	capture, shot, err := analyzer.Capture(context.Background(), StateLower, region)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), shot)
	require.Len(t, capture.Keys, 2)
	assert.Equal(t, StateLower, capture.State)
	assert.Equal(t, region, capture.Region)

	first := capture.Keys[0]
	assert.Equal(t, "a / ㅏ", first.Label)
	assert.Equal(t, Rect{X: 100, Y: 400, Width: 50, Height: 100}, first.Box)
	assert.Equal(t, Point{X: 125, Y: 450}, first.Center)

	second := capture.Keys[1]
	assert.Equal(t, Rect{X: 550, Y: 500, Width: 50, Height: 100}, second.Box)
}

func TestCaptureRetriesEmptyKeyList(t *testing.T) {
	keys := []vision.Key{{Label: "a", Box: [4]int{0, 0, 500, 500}}}
	client := &fakeVision{
		responses: []*vision.Detection{
			{Keys: nil, Raw: "[]"},
			{Keys: keys, Raw: "ok"},
		},
		errs: []error{nil, nil},
	}
	analyzer := newTestAnalyzer(&fakeCapturer{png: []byte("png")}, client, 3)

	capture, _, err := analyzer.Capture(context.Background(), StateLower, Rect{Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Len(t, capture.Keys, 1)
}

func TestCaptureExhaustsAttempts(t *testing.T) {
	client := &fakeVision{
		responses: []*vision.Detection{
			{Raw: "[]"},
			{Raw: "[]"},
			{Raw: "last raw payload"},
		},
		errs: []error{nil, nil, nil},
	}
	analyzer := newTestAnalyzer(&fakeCapturer{png: []byte("png")}, client, 3)

	_, shot, err := analyzer.Capture(context.Background(), StateUpper, Rect{Width: 100, Height: 100})
	assert.Equal(t, []byte("png"), shot, "screenshot is still returned for artifact export")

	var visionErr *VisionInferenceError
	require.ErrorAs(t, err, &visionErr)
	assert.Equal(t, StateUpper, visionErr.State)
	assert.Equal(t, 3, visionErr.Attempts)
	assert.Equal(t, "last raw payload", visionErr.RawResponse)
	assert.Equal(t, 3, client.calls)
}

func TestCaptureDiscardsDegenerateBoxes(t *testing.T) {
	client := &fakeVision{
		responses: []*vision.Detection{{
			Keys: []vision.Key{
				{Label: "flat", Box: [4]int{500, 100, 500, 200}},  // zero height
				{Label: "inverted", Box: [4]int{800, 600, 200, 900}}, // ymax < ymin
				{Label: "a", Box: [4]int{0, 0, 500, 500}},
			},
		}},
		errs: []error{nil},
	}
	analyzer := newTestAnalyzer(&fakeCapturer{png: []byte("png")}, client, 1)

	capture, _, err := analyzer.Capture(context.Background(), StateLower, Rect{Width: 100, Height: 100})
	require.NoError(t, err)
	require.Len(t, capture.Keys, 1)
	assert.Equal(t, "a", capture.Keys[0].Label)
}

func TestCaptureAllBoxesDegenerate(t *testing.T) {
	client := &fakeVision{
		responses: []*vision.Detection{{
			Keys: []vision.Key{{Label: "flat", Box: [4]int{500, 100, 500, 200}}},
		}},
		errs: []error{nil},
	}
	analyzer := newTestAnalyzer(&fakeCapturer{png: []byte("png")}, client, 1)

	_, _, err := analyzer.Capture(context.Background(), StateLower, Rect{Width: 100, Height: 100})

	var visionErr *VisionInferenceError
	require.ErrorAs(t, err, &visionErr)
}

func TestCaptureScreenshotFailure(t *testing.T) {
	shotErr := errors.New("capture failed")
	client := &fakeVision{}
	analyzer := newTestAnalyzer(&fakeCapturer{err: shotErr}, client, 3)

	_, _, err := analyzer.Capture(context.Background(), StateLower, Rect{Width: 100, Height: 100})
	require.ErrorIs(t, err, shotErr)
	assert.Zero(t, client.calls, "no vision call without a screenshot")
}

func TestToAbsoluteClampsOutOfRange(t *testing.T) {
	region := Rect{X: 0, Y: 0, Width: 1000, Height: 1000}
	box, ok := toAbsolute([4]int{-50, -50, 1200, 1200}, region)
	require.True(t, ok)
	assert.Equal(t, Rect{X: 0, Y: 0, Width: 1000, Height: 1000}, box)
}
