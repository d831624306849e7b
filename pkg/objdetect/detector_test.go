package objdetect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/graph/graphtest"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/stretchr/testify/require"
)

const modelSize = 32

// testModel reports one detection per frame, with Box.X equal to the frame's sequence number
type testModel struct {
	name   string
	delays map[int64]time.Duration
	fail   map[int64]bool
	block  bool // Wait for the context to be cancelled
	size   int  // Input size. Zero means modelSize.

	lock   sync.Mutex
	closed bool
	live   int

	calls atomic.Int64
}

func (m *testModel) Detect(ctx context.Context, in *frame.Frame, targetWidth, targetHeight int) ([]nn.ObjectDetection, error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		panic(fmt.Sprintf("Model %v used after Close", m.name))
	}
	m.live++
	m.lock.Unlock()
	defer func() {
		m.lock.Lock()
		m.live--
		m.lock.Unlock()
	}()

	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(m.delays[in.Seq])
	if m.fail[in.Seq] {
		return nil, nn.NewInferenceError(nn.BackendFailure, "Frame %v is cursed", in.Seq)
	}
	return []nn.ObjectDetection{
		{Class: 0, Confidence: 0.5, Box: nn.Rect{X: int(in.Seq), Y: 0, Width: 10, Height: 10}},
	}, nil
}

func (m *testModel) Config() *nn.ModelConfig {
	if m.isClosed() {
		panic(fmt.Sprintf("Model %v used after Close", m.name))
	}
	size := m.size
	if size == 0 {
		size = modelSize
	}
	return &nn.ModelConfig{Architecture: "test", Width: size, Height: size, Classes: []string{m.name}}
}

func (m *testModel) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.live != 0 {
		panic(fmt.Sprintf("Model %v closed while %v calls are live", m.name, m.live))
	}
	m.closed = true
}

func (m *testModel) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

type harness struct {
	t    *testing.T
	g    *graph.Graph
	det  *Detector
	sink *graphtest.Sink
}

// Create a playing graph of detector -> sink. configure runs before the graph starts.
func newHarness(t *testing.T, model Model, configure func(d *Detector)) *harness {
	g := graph.NewGraph(logs.NewTestingLog(t))
	det := NewDetector(g.Log, "det", nil)
	if model != nil {
		det.SetModel(model)
	}
	if configure != nil {
		configure(det)
	}
	sink := graphtest.NewSink("sink")
	sink.Keep = true
	require.NoError(t, g.Add(det, sink))
	require.NoError(t, g.Link(det.Out, sink.In))
	require.NoError(t, g.SetState(graph.StatePlaying))
	h := &harness{t: t, g: g, det: det, sink: sink}
	t.Cleanup(func() {
		require.NoError(t, g.SetState(graph.StateStopped))
		g.Close()
		for _, f := range sink.Frames() {
			f.Release()
		}
	})
	return h
}

// Push a (model, bypass) pair with the given sequence number
func (h *harness) push(seq int64, changed bool) {
	m := frame.New(modelSize, modelSize, frame.PixelFormatBGRA)
	m.Seq = seq
	b := frame.New(64, 48, frame.PixelFormatBGRA)
	b.Seq = seq
	if !changed {
		frame.Set(b, &frame.ChangeRecord{Changed: false})
	}
	require.NoError(h.t, h.det.Chain(h.det.ModelIn, m))
	require.NoError(h.t, h.det.Chain(h.det.BypassIn, b))
}

func (h *harness) finish() {
	require.NoError(h.t, h.det.Event(h.det.ModelIn, graph.EventEOS))
	require.True(h.t, h.sink.WaitForEOS(10*time.Second))
}

func seqRange(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = int64(i)
	}
	return s
}

// Frames must leave in arrival order, even though their inferences finish out of order
func TestOrderPreserved(t *testing.T) {
	latencies := []time.Duration{50, 5, 30, 1, 10}
	model := &testModel{name: "a", delays: map[int64]time.Duration{}}
	for i, l := range latencies {
		model.delays[int64(i)] = l * time.Millisecond
	}
	h := newHarness(t, model, func(d *Detector) {
		d.SetWorkers(5)
		d.SetMaxInFlight(5)
	})
	for i := range latencies {
		h.push(int64(i), true)
	}
	h.finish()

	require.Equal(t, seqRange(len(latencies)), h.sink.Seqs())
	for _, f := range h.sink.Frames() {
		dets := frame.Detections(f)
		require.Len(t, dets, 1)
		require.Equal(t, int(f.Seq), dets[0].Box.X)
		require.Equal(t, "det:a", dets[0].Label)
	}
	require.Equal(t, int64(5), h.det.Stats.Inferences.Load())
	require.Equal(t, int64(5), h.det.Stats.Emitted.Load())
	require.Equal(t, 1, h.sink.EOSCount())
	require.Equal(t, 0, h.det.Pending())
}

// Unchanged frames reuse the previous frame's detections, without running inference
func TestUnchangedFramesReuseDetections(t *testing.T) {
	model := &testModel{name: "a", delays: map[int64]time.Duration{0: 20 * time.Millisecond}}
	h := newHarness(t, model, nil)
	h.push(0, true)
	h.push(1, false)
	h.push(2, false)
	h.finish()

	require.Equal(t, int64(1), model.calls.Load())
	require.Equal(t, seqRange(3), h.sink.Seqs())
	for _, f := range h.sink.Frames() {
		dets := frame.Detections(f)
		require.Len(t, dets, 1)
		require.Equal(t, 0, dets[0].Box.X)
	}
	require.Equal(t, int64(2), h.det.Stats.Coupled.Load())
}

// The first frame has nothing to reuse, so it runs inference even if it is unchanged
func TestFirstUnchangedFrameRunsInference(t *testing.T) {
	model := &testModel{name: "a"}
	h := newHarness(t, model, nil)
	h.push(0, false)
	h.finish()
	require.Equal(t, int64(1), model.calls.Load())
	require.Len(t, frame.Detections(h.sink.Frames()[0]), 1)
}

// Once maxInFlight inferences are outstanding, new pairs are dropped
func TestBackPressure(t *testing.T) {
	model := &testModel{name: "a", block: true}
	h := newHarness(t, model, func(d *Detector) {
		d.SetMaxInFlight(2)
	})
	for i := 0; i < 10; i++ {
		h.push(int64(i), true)
	}
	require.Equal(t, 2, h.det.InFlight())
	require.Equal(t, 0, len(h.sink.Seqs()))
	require.Equal(t, int64(8), h.det.Stats.Dropped.Load())
	require.Equal(t, int64(10), h.det.Stats.Pairs.Load())
}

// Swapping the model waits for live calls, and the old model is never used after Close
func TestHotSwap(t *testing.T) {
	const N = 50
	a := &testModel{name: "a", delays: map[int64]time.Duration{}}
	for i := 0; i < N; i++ {
		a.delays[int64(i)] = time.Duration(i%7) * time.Millisecond
	}
	b := &testModel{name: "b"}
	h := newHarness(t, a, func(d *Detector) {
		d.SetWorkers(N)
		d.SetMaxInFlight(N + 10)
	})
	for i := 0; i < N; i++ {
		h.push(int64(i), true)
	}
	h.det.SetModel(b)
	require.True(t, a.isClosed())
	for i := N; i < N+10; i++ {
		h.push(int64(i), true)
	}
	h.finish()

	require.Equal(t, seqRange(N+10), h.sink.Seqs())
	require.Equal(t, int64(N+10), a.calls.Load()+b.calls.Load())
	require.GreaterOrEqual(t, b.calls.Load(), int64(10))
	frames := h.sink.Frames()
	for _, f := range frames[N:] {
		require.Equal(t, "det:b", frame.Detections(f)[0].Label)
	}
}

// A swap forgets the previous result, so an unchanged frame after a swap runs on the new model
func TestHotSwapClearsReuse(t *testing.T) {
	a := &testModel{name: "a"}
	b := &testModel{name: "b"}
	h := newHarness(t, a, nil)
	h.push(0, true)
	h.det.SetModel(b)
	h.push(1, false)
	h.finish()
	require.Equal(t, int64(1), b.calls.Load())
	require.Equal(t, "det:b", frame.Detections(h.sink.Frames()[1])[0].Label)
}

// OnModelSize fires only when the input size changes, and the replaced model is never touched after its Close
func TestHotSwapReportsSizeChange(t *testing.T) {
	var sizes [][2]int
	det := NewDetector(logs.NewTestingLog(t), "det", nil)
	det.OnModelSize = func(w, h int) {
		sizes = append(sizes, [2]int{w, h})
	}
	a := &testModel{name: "a"}
	b := &testModel{name: "b"}
	c := &testModel{name: "c", size: 64}

	det.SetModel(a)
	require.Equal(t, [][2]int{{modelSize, modelSize}}, sizes)

	det.SetModel(b)
	require.True(t, a.isClosed())
	require.Len(t, sizes, 1)

	det.SetModel(c)
	require.True(t, b.isClosed())
	require.Equal(t, [][2]int{{modelSize, modelSize}, {64, 64}}, sizes)

	det.SetModel(nil)
	require.True(t, c.isClosed())
	require.Len(t, sizes, 2)
}

// Concurrent swaps report sizes in the order that the swaps took effect
func TestConcurrentHotSwap(t *testing.T) {
	var lock sync.Mutex
	var last int
	det := NewDetector(logs.NewTestingLog(t), "det", nil)
	det.OnModelSize = func(w, h int) {
		lock.Lock()
		last = w
		lock.Unlock()
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			det.SetModel(&testModel{name: fmt.Sprintf("m%v", i), size: 32 + 32*(i%3)})
		}(i)
	}
	wg.Wait()
	require.Equal(t, det.Model().Config().Width, last)
	det.SetModel(nil)
}

// With both inputs linked, EOS on one branch is held until the other branch ends too
func TestEOSWaitsForBothLinkedInputs(t *testing.T) {
	model := &testModel{name: "a"}
	g := graph.NewGraph(logs.NewTestingLog(t))
	defer g.Close()
	det := NewDetector(g.Log, "det", nil)
	det.SetModel(model)
	modelSrc := graphtest.NewSource("modelsrc", 1, 0)
	bypassSrc := graphtest.NewSource("bypasssrc", 1, 0)
	sink := graphtest.NewSink("sink")
	require.NoError(t, g.Add(modelSrc, bypassSrc, det, sink))
	require.NoError(t, g.Link(modelSrc.Out, det.ModelIn))
	require.NoError(t, g.Link(bypassSrc.Out, det.BypassIn))
	require.NoError(t, g.Link(det.Out, sink.In))
	require.NoError(t, g.SetState(graph.StatePlaying))
	require.True(t, sink.WaitFor(1, 5*time.Second))

	require.NoError(t, det.Event(det.ModelIn, graph.EventEOS))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, sink.EOSCount())

	require.NoError(t, det.Event(det.BypassIn, graph.EventEOS))
	require.True(t, sink.WaitForEOS(5*time.Second))
	require.Equal(t, 1, sink.EOSCount())
	require.Equal(t, []int64{0}, sink.Seqs())
	require.NoError(t, g.SetState(graph.StateStopped))
}

func TestInactivePassthrough(t *testing.T) {
	model := &testModel{name: "a"}
	h := newHarness(t, model, func(d *Detector) {
		require.NoError(t, d.SetProperty("active", "false"))
	})
	for i := 0; i < 3; i++ {
		h.push(int64(i), true)
	}
	h.finish()
	require.Equal(t, seqRange(3), h.sink.Seqs())
	require.Equal(t, int64(0), model.calls.Load())
	require.Equal(t, int64(3), h.det.Stats.Passthrough.Load())
	for _, f := range h.sink.Frames() {
		_, ok := frame.Get[*frame.DetectionRecord](f)
		require.False(t, ok)
	}
}

// A pair whose inference fails is dropped, as is an unchanged pair that depends on it
func TestInferenceErrorDropsFrame(t *testing.T) {
	model := &testModel{name: "a", fail: map[int64]bool{1: true}}
	h := newHarness(t, model, nil)
	h.push(0, true)
	h.push(1, true)
	h.push(2, false)
	h.push(3, true)
	h.finish()
	require.Equal(t, []int64{0, 3}, h.sink.Seqs())
	require.Equal(t, int64(1), h.det.Stats.Errors.Load())
}

func TestNoModel(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.push(0, true)
	h.finish()
	require.Equal(t, 0, len(h.sink.Seqs()))
	require.Equal(t, int64(1), h.det.Stats.Errors.Load())
}

// When one branch loses a frame, the older unpaired frame is discarded
func TestMismatchedSequenceNumbers(t *testing.T) {
	model := &testModel{name: "a"}
	h := newHarness(t, model, nil)
	m := frame.New(modelSize, modelSize, frame.PixelFormatBGRA)
	m.Seq = 0
	require.NoError(t, h.det.Chain(h.det.ModelIn, m))
	// Bypass frame 0 was lost
	b := frame.New(64, 48, frame.PixelFormatBGRA)
	b.Seq = 1
	require.NoError(t, h.det.Chain(h.det.BypassIn, b))
	m = frame.New(modelSize, modelSize, frame.PixelFormatBGRA)
	m.Seq = 1
	require.NoError(t, h.det.Chain(h.det.ModelIn, m))
	h.finish()
	require.Equal(t, []int64{1}, h.sink.Seqs())
}

func TestEOSStopsInput(t *testing.T) {
	model := &testModel{name: "a"}
	h := newHarness(t, model, nil)
	h.push(0, true)
	h.finish()
	// A second EOS is swallowed
	require.NoError(t, h.det.Event(h.det.BypassIn, graph.EventEOS))
	require.Equal(t, 1, h.sink.EOSCount())

	f := frame.New(modelSize, modelSize, frame.PixelFormatBGRA)
	require.True(t, errors.Is(h.det.Chain(h.det.ModelIn, f), graph.ErrEOS))
}

func TestProperties(t *testing.T) {
	det := NewDetector(logs.NewTestingLog(t), "det", nil)
	require.NoError(t, det.SetProperty("labels", "cat,dog"))
	require.NoError(t, det.SetProperty("prefix", "pets"))
	require.NoError(t, det.SetProperty("max-in-flight", "0"))
	require.NoError(t, det.SetProperty("workers", "2"))
	require.Error(t, det.SetProperty("workers", "many"))
	require.Error(t, det.SetProperty("colour", "red"))
	props := det.Properties()
	require.Equal(t, "cat,dog", props["labels"])
	require.Equal(t, "pets", props["prefix"])
	require.Equal(t, "1", props["max-in-flight"])
	require.Equal(t, "2", props["workers"])
	require.Equal(t, "true", props["active"])

	// The detector is stopped, so loading is deferred until it starts
	require.NoError(t, det.SetProperty("model-path", "/nonexistent"))
	require.Equal(t, "/nonexistent", det.ModelPath())
}

// The model is loaded from the model path when the detector starts
func TestModelLoadedOnStart(t *testing.T) {
	loaded := &testModel{name: "loaded"}
	var sizes [][2]int
	g := graph.NewGraph(logs.NewTestingLog(t))
	defer g.Close()
	det := NewDetector(g.Log, "det", func(path string) (Model, error) {
		if path != "model.onnx" {
			return nil, fmt.Errorf("Unexpected path %v", path)
		}
		return loaded, nil
	})
	det.OnModelSize = func(w, h int) {
		sizes = append(sizes, [2]int{w, h})
	}
	require.NoError(t, det.SetModelPath("model.onnx"))
	require.Nil(t, det.Model())
	require.NoError(t, g.Add(det))
	require.NoError(t, g.SetState(graph.StatePaused))
	require.Equal(t, loaded, det.Model())
	require.Equal(t, [][2]int{{modelSize, modelSize}}, sizes)
	require.NoError(t, g.SetState(graph.StateStopped))
	require.True(t, loaded.isClosed())
}
