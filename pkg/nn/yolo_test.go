package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func setCandidate(raw []float32, i, nClasses int, cx, cy, w, h, obj float32, probs ...float32) {
	c := raw[i*(nClasses+5):]
	c[0], c[1], c[2], c[3], c[4] = cx, cy, w, h, obj
	copy(c[5:], probs)
}

func TestNumCandidates(t *testing.T) {
	require.Equal(t, 63, NumCandidates(32))
	require.Equal(t, 25200, NumCandidates(640))
	require.Equal(t, 2, InferClassCount(63*7, 32))
	require.Equal(t, -1, InferClassCount(63*7+1, 32))
}

func TestDecodeAndPostprocess(t *testing.T) {
	nClasses := 2
	raw := make([]float32, NumCandidates(32)*(nClasses+5))
	setCandidate(raw, 0, nClasses, 10, 10, 8, 8, 0.9, 0.9, 0.1)
	setCandidate(raw, 1, nClasses, 11, 10, 8, 8, 0.8, 0.8, 0.2) // overlaps #0, same class, lower confidence
	setCandidate(raw, 2, nClasses, 20, 20, 6, 6, 0.9, 0.1, 0.9)
	setCandidate(raw, 3, nClasses, 5, 5, 4, 4, 0.1, 1, 0) // below objectness threshold

	cands, err := DecodeYOLO(raw, 32, 0, NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, cands, 3)
	require.InDelta(t, 0.81, cands[0].Confidence, 0.0001)
	require.Equal(t, 1, cands[2].Class)

	objects := Postprocess(cands, 32, 64, 64, NewDetectionParams())
	require.Len(t, objects, 2)
	require.Equal(t, 0, objects[0].Class)
	require.Equal(t, Rect{X: 12, Y: 12, Width: 16, Height: 16}, objects[0].Box)
	require.Equal(t, 1, objects[1].Class)
	require.Equal(t, Rect{X: 34, Y: 34, Width: 12, Height: 12}, objects[1].Box)
}

func TestPostprocessClips(t *testing.T) {
	cands := []Candidate{{X: -4, Y: 28, Width: 8, Height: 8, Objectness: 1, Confidence: 1}}
	objects := Postprocess(cands, 32, 32, 32, nil)
	require.Len(t, objects, 1)
	require.Equal(t, Rect{X: 0, Y: 28, Width: 4, Height: 4}, objects[0].Box)
}

func TestDecodeShapeMismatch(t *testing.T) {
	_, err := DecodeYOLO(make([]float32, 10), 32, 2, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))
	require.False(t, errors.Is(err, ErrBackendFailure))
}

func TestNMSKeepsOtherClasses(t *testing.T) {
	input := []ObjectDetection{
		{Class: 0, Confidence: 0.5, Box: MakeRect(0, 0, 10, 10)},
		{Class: 1, Confidence: 0.9, Box: MakeRect(0, 0, 10, 10)},
		{Class: 0, Confidence: 0.7, Box: MakeRect(1, 1, 10, 10)},
	}
	require.Equal(t, []int{1, 2}, NonMaxSuppression(input, 0.45))
}

func TestLabel(t *testing.T) {
	require.Equal(t, "screen:person", Label("screen", 0, []string{"person"}))
	require.Equal(t, "screen:7", Label("screen", 7, []string{"person"}))
	require.Equal(t, "person", Label("", 0, []string{"person"}))
}
