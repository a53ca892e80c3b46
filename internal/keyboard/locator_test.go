// File: internal/keyboard/locator_test.go
package keyboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFinder struct {
	match *ElementMatch
	err   error
	calls [][]string
}

func (f *fakeFinder) FindVisible(_ context.Context, candidates []string) (*ElementMatch, error) {
	f.calls = append(f.calls, candidates)
	return f.match, f.err
}

func TestLocateReturnsFirstVisibleMatch(t *testing.T) {
	box := Rect{X: 10, Y: 300, Width: 320, Height: 180}
	finder := &fakeFinder{match: &ElementMatch{Box: box, Selector: "#kbd-lower"}}
	locator := NewLocator(zap.NewNop(), finder)

	got, err := locator.Locate(context.Background(), StateLower, []string{"#kbd-lower", ".keypad"})
	require.NoError(t, err)
	assert.Equal(t, box, got)
	require.Len(t, finder.calls, 1)
	assert.Equal(t, []string{"#kbd-lower", ".keypad"}, finder.calls[0])
}

func TestLocateNoCandidateMatched(t *testing.T) {
	locator := NewLocator(zap.NewNop(), &fakeFinder{})

	_, err := locator.Locate(context.Background(), StateUpper, []string{"#missing"})

	var notFound *KeyboardNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateUpper, notFound.State)
	assert.Equal(t, []string{"#missing"}, notFound.Candidates)
}

func TestLocateEmptyCandidateList(t *testing.T) {
	locator := NewLocator(zap.NewNop(), &fakeFinder{})

	_, err := locator.Locate(context.Background(), StateLower, nil)

	var notFound *KeyboardNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestLocateDegenerateBoxRejected(t *testing.T) {
	finder := &fakeFinder{match: &ElementMatch{Box: Rect{X: 10, Y: 10}, Selector: "#flat"}}
	locator := NewLocator(zap.NewNop(), finder)

	_, err := locator.Locate(context.Background(), StateLower, []string{"#flat"})

	var notFound *KeyboardNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestLocateFinderError(t *testing.T) {
	probeErr := errors.New("evaluate failed")
	locator := NewLocator(zap.NewNop(), &fakeFinder{err: probeErr})

	_, err := locator.Locate(context.Background(), StateLower, []string{"#kbd"})
	require.ErrorIs(t, err, probeErr)

	var notFound *KeyboardNotFoundError
	assert.False(t, errors.As(err, &notFound), "driver failures are not a locator miss")
}
