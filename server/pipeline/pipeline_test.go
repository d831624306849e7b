package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/cyclopcam/screenguard/pkg/objdetect"
	"github.com/cyclopcam/screenguard/pkg/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// centerModel finds a "thing" in the middle half of every frame
type centerModel struct{}

func (centerModel) Detect(ctx context.Context, in *frame.Frame, targetWidth, targetHeight int) ([]nn.ObjectDetection, error) {
	return []nn.ObjectDetection{{
		Class:      0,
		Confidence: 0.9,
		Box:        nn.MakeRect(targetWidth/4, targetHeight/4, targetWidth/2, targetHeight/2),
	}}, nil
}

func (centerModel) Config() *nn.ModelConfig {
	return &nn.ModelConfig{Architecture: "yolov8", Width: 32, Height: 32, Classes: []string{"thing"}}
}

func (centerModel) Close() {}

type detectionCollector struct {
	lock   sync.Mutex
	events []DetectionEvent
}

func (c *detectionCollector) OnEvent(ev DetectionEvent) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, ev)
}

func (c *detectionCollector) all() []DetectionEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]DetectionEvent(nil), c.events...)
}

type changeCollector struct {
	lock  sync.Mutex
	types []ChangeType
}

func (c *changeCollector) OnEvent(ev ChangeEvent) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.types = append(c.types, ev.Type)
}

func newTestPipeline(t *testing.T, defaults map[registry.Kind][]string) *Pipeline {
	log := logs.NewTestingLog(t)
	reg := registry.NewDefault(log, registry.DefaultOptions{
		Loader:    func(path string) (objdetect.Model, error) { return centerModel{}, nil },
		ModelPath: "center.onnx",
		Workers:   2,
	})
	p, err := New(log, reg, Options{Defaults: defaults, SnapshotInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func testSource(name string) SourceDescriptor {
	return SourceDescriptor{Name: name, Kind: SourceKindTest, Width: 64, Height: 48, FPS: 200}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 5*time.Millisecond)
}

func TestAttachDetachWhilePlaying(t *testing.T) {
	p := newTestPipeline(t, nil)
	eos := atomic.Int64{}
	p.output.sink.OnEOS = func() { eos.Add(1) }
	changes := &changeCollector{}
	p.Changes.AddListener(changes)
	require.NoError(t, p.Play())

	ctx := context.Background()
	h, err := p.AttachSource(ctx, testSource("desk"))
	require.NoError(t, err)
	require.Equal(t, 1, p.Compositor.NumInputs())
	require.Equal(t, h, p.SourceByName("desk").Handle)

	waitFor(t, func() bool { return p.output.sink.Frames.Load() > 5 })

	_, err = p.AttachSource(ctx, testSource("desk"))
	require.Error(t, err)

	require.NoError(t, p.DetachSource(ctx, h))
	require.Equal(t, 0, p.Compositor.NumInputs())
	require.Empty(t, p.Sources())
	require.ErrorIs(t, p.DetachSource(ctx, h), ErrSourceNotFound)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(0), eos.Load())
	require.Equal(t, graph.StatePlaying, p.State())
	require.Equal(t, []ChangeType{ChangeSourceAttached, ChangeSourceDetached}, changes.types)

	// The name is free again
	h, err = p.AttachSource(ctx, testSource("desk"))
	require.NoError(t, err)
	require.NoError(t, p.DetachSource(ctx, h))
}

func TestProcessorsWhilePlaying(t *testing.T) {
	p := newTestPipeline(t, map[registry.Kind][]string{
		registry.KindPreprocessor: {"changedetector"},
	})
	dets := &detectionCollector{}
	p.Detections.AddListener(dets)
	require.NoError(t, p.Play())

	ctx := context.Background()
	left, err := p.AttachSource(ctx, testSource("left"))
	require.NoError(t, err)
	right, err := p.AttachSource(ctx, testSource("right"))
	require.NoError(t, err)
	require.Len(t, p.Elements(left), 1)
	require.Equal(t, "changedetector0", p.Elements(left)[0].Name)
	require.Equal(t, "changedetector1", p.Elements(right)[0].Name)

	det, err := p.AddProcessor(ctx, right, "detector", "", nil)
	require.NoError(t, err)
	require.Equal(t, "detector0", det.Name)
	require.Equal(t, registry.KindDetector, det.Kind)
	ov, err := p.AddProcessor(ctx, right, "overlay", "boxes", map[string]string{"labels": "false"})
	require.NoError(t, err)

	elements := p.Elements(right)
	require.Len(t, elements, 3)
	require.Equal(t, []string{"changedetector1", "detector0", "boxes"}, []string{elements[0].Name, elements[1].Name, elements[2].Name})

	waitFor(t, func() bool { return len(dets.all()) >= 5 })
	for _, ev := range dets.all() {
		// Only the right hand source has a detector, and its boxes are in its own coordinates
		require.Equal(t, "right", ev.Source)
		require.Equal(t, "detector0:thing", ev.Objects[0].Label)
		require.Equal(t, nn.MakeRect(16, 12, 32, 24), ev.Objects[0].Box)
	}
	require.NotEmpty(t, p.RecentDetections("right"))
	require.Empty(t, p.RecentDetections("left"))
	require.Len(t, p.Detectors(), 1)

	require.NoError(t, p.RemoveElement(ctx, det.Stage))
	require.Nil(t, p.Element("detector0"))
	require.Len(t, p.Elements(right), 2)
	require.ErrorIs(t, p.RemoveElement(ctx, det.Stage), ErrElementNotFound)

	// The stream keeps flowing after the removal
	n := p.output.sink.Frames.Load()
	waitFor(t, func() bool { return p.output.sink.Frames.Load() > n+5 })

	require.NoError(t, p.RemoveElement(ctx, ov.Stage))
	require.NoError(t, p.DetachSource(ctx, left))
	require.NoError(t, p.DetachSource(ctx, right))
	require.Equal(t, 0, p.Compositor.NumInputs())
}

func TestInsertElement(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	h, err := p.AttachSource(ctx, testSource("s"))
	require.NoError(t, err)
	src := p.Source(h)

	// Stopped, so the insert is immediate
	st, err := p.InsertElement(ctx, "identity", src.groupTail[registry.KindDetector])
	require.NoError(t, err)
	require.Equal(t, "identity0", st.StageBase().Name())
	require.Equal(t, src.Stage.StageBase().Graph(), st.StageBase().Graph())

	_, err = p.InsertElement(ctx, "identity", p.Compositor)
	require.True(t, errors.Is(err, graph.ErrPeerUnavailable))

	_, err = p.InsertElement(ctx, "teleporter", src.groupTail[registry.KindDetector])
	require.True(t, errors.Is(err, graph.ErrStageCreationFailed))

	_, err = p.AddProcessor(ctx, h, "changedetector", "", map[string]string{"colour": "red"})
	require.True(t, errors.Is(err, graph.ErrStageCreationFailed))
	require.Len(t, p.Elements(h), 1)

	require.NoError(t, p.RemoveElement(ctx, st))
	require.Empty(t, p.Elements(h))
}

func TestStartToggles(t *testing.T) {
	p := newTestPipeline(t, nil)
	require.NoError(t, p.Stop())
	require.Equal(t, graph.StateStopped, p.State())
	require.NoError(t, p.Start())
	require.Equal(t, graph.StatePlaying, p.State())
	require.NoError(t, p.Start())
	require.Equal(t, graph.StatePaused, p.State())
	require.NoError(t, p.Start())
	require.Equal(t, graph.StatePlaying, p.State())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	require.Equal(t, graph.StateStopped, p.State())
}

func TestAppSource(t *testing.T) {
	p := newTestPipeline(t, nil)
	require.NoError(t, p.Play())
	ctx := context.Background()
	h, err := p.AttachSource(ctx, SourceDescriptor{Kind: SourceKindApp})
	require.NoError(t, err)
	require.Equal(t, "app0", p.Source(h).Name)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.PushFrame(h, frame.New(16, 8, frame.PixelFormatBGRA)))
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(p.Metrics.sourceFrames.WithLabelValues("app0")) >= 1
	})
	waitFor(t, func() bool {
		jpg, _ := p.Snapshot.Latest()
		return len(jpg) != 0
	})

	test, err := p.AttachSource(ctx, testSource(""))
	require.NoError(t, err)
	require.Equal(t, "test0", p.Source(test).Name)
	require.Error(t, p.PushFrame(test, frame.New(16, 8, frame.PixelFormatBGRA)))
	require.ErrorIs(t, p.PushFrame(SourceHandle{}, frame.New(16, 8, frame.PixelFormatBGRA)), ErrSourceNotFound)

	_, err = p.AttachSource(ctx, SourceDescriptor{Kind: "camera"})
	require.Error(t, err)
}

func TestMetrics(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	h, err := p.AttachSource(ctx, testSource("s"))
	require.NoError(t, err)
	_, err = p.AddProcessor(ctx, h, "detector", "", nil)
	require.NoError(t, err)

	families, err := p.Metrics.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["screenguard_detector_pairs_total"])
	require.True(t, names["screenguard_sources"])
	require.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.mutations.WithLabelValues("insert", "ok")))
}

func TestSourceHandle(t *testing.T) {
	p := newTestPipeline(t, nil)
	h, err := p.AttachSource(context.Background(), testSource("s"))
	require.NoError(t, err)
	parsed, err := ParseSourceHandle(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	_, err = ParseSourceHandle("nope")
	require.Error(t, err)
}
