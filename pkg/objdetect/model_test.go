package objdetect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/graph/graphtest"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestModelGuardSwapWaitsForCalls(t *testing.T) {
	a := &testModel{name: "a"}
	b := &testModel{name: "b"}
	g := NewModelGuard()
	g.Swap(a)

	require.Equal(t, a, g.Acquire())
	swapped := make(chan bool)
	go func() {
		g.Swap(b)
		close(swapped)
	}()
	select {
	case <-swapped:
		t.Fatal("Swap did not wait for the live call")
	case <-time.After(30 * time.Millisecond):
	}
	require.False(t, a.isClosed())
	g.Release()
	<-swapped
	require.True(t, a.isClosed())
	require.Equal(t, b, g.Acquire())
	g.Release()

	g.Close()
	require.True(t, b.isClosed())
	require.Nil(t, g.Acquire())
	g.Release()
}

func TestModelGuardReleaseTwicePanics(t *testing.T) {
	g := NewModelGuard()
	g.Acquire()
	g.Release()
	require.Panics(t, func() { g.Release() })
}

type testRawDetector struct {
	cfg nn.ModelConfig
	out []float32
	err error
}

func (d *testRawDetector) Close() {}

func (d *testRawDetector) Run(img nn.ImageCrop) ([]float32, error) {
	return d.out, d.err
}

func (d *testRawDetector) Config() *nn.ModelConfig {
	return &d.cfg
}

func TestYoloModel(t *testing.T) {
	nClasses := 2
	raw := &testRawDetector{
		cfg: nn.ModelConfig{Architecture: "yolov8", Width: 32, Height: 32, Classes: []string{"person", "car"}},
		out: make([]float32, nn.NumCandidates(32)*(nClasses+5)),
	}
	// One confident person, centered at (10,10) in model space
	c := raw.out[0:]
	c[0], c[1], c[2], c[3], c[4], c[5], c[6] = 10, 10, 8, 8, 0.9, 0.9, 0.1
	m := NewYoloModel(raw, nil)

	in := frame.New(32, 32, frame.PixelFormatBGRA)
	dets, err := m.Detect(context.Background(), in, 64, 64)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 0, dets[0].Class)
	require.Equal(t, nn.Rect{X: 12, Y: 12, Width: 16, Height: 16}, dets[0].Box)

	labelled := labelDetections(dets, "yolo", m.Config().Classes)
	require.Equal(t, "yolo:person", labelled[0].Label)

	small := frame.New(16, 16, frame.PixelFormatBGRA)
	_, err = m.Detect(context.Background(), small, 64, 64)
	require.True(t, errors.Is(err, nn.ErrShapeMismatch))

	raw.err = errors.New("out of memory")
	_, err = m.Detect(context.Background(), in, 64, 64)
	require.True(t, errors.Is(err, nn.ErrBackendFailure))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Detect(ctx, in, 64, 64)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNoModelFails(t *testing.T) {
	_, err := noModel{}.Detect(context.Background(), nil, 0, 0)
	require.True(t, errors.Is(err, nn.ErrModelNotLoaded))
	require.Equal(t, "none", describeModel(nil))
}

// The detector bin splits its input, scales the model branch, and rejoins the two in order
func TestDetectorBin(t *testing.T) {
	const N = 20
	g := graph.NewGraph(logs.NewTestingLog(t))
	defer g.Close()

	bin, err := NewDetectorBin(g.Log, "det", nil, 4)
	require.NoError(t, err)
	model := &testModel{name: "thing"}
	bin.Detector.SetModel(model)
	w, h := bin.Scale.Size()
	require.Equal(t, modelSize, w)
	require.Equal(t, modelSize, h)

	src := graphtest.NewSource("src", N, time.Millisecond)
	src.EOSAtEnd = true
	sink := graphtest.NewSink("sink")
	sink.Keep = true
	require.NoError(t, g.Add(src, bin, sink))
	require.NoError(t, g.LinkStages(src, bin))
	require.NoError(t, g.LinkStages(bin, sink))
	require.NoError(t, g.SetState(graph.StatePlaying))

	require.True(t, sink.WaitForEOS(10*time.Second))
	require.Equal(t, seqRange(N), sink.Seqs())
	for _, f := range sink.Frames() {
		require.Equal(t, "det:thing", frame.Detections(f)[0].Label)
		f.Release()
	}
	require.NoError(t, g.SetState(graph.StateStopped))
	require.Equal(t, "det", bin.Properties()["prefix"])
}
