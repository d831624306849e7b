package objdetect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/cyclopcam/screenguard/pkg/perfstats"
)

const (
	DefaultWorkers     = 4
	DefaultMaxInFlight = 3
)

// Don't log more than one error per errorLogInterval
const errorLogInterval = 15 * time.Second

// Stats are running counters of a detector's activity
type Stats struct {
	Pairs       atomic.Int64 // Pairs that arrived
	Inferences  atomic.Int64 // Inference calls that completed successfully
	Coupled     atomic.Int64 // Pairs that reused the previous result, because the frame was unchanged
	Passthrough atomic.Int64 // Pairs that arrived while the stage was inactive
	Dropped     atomic.Int64 // Pairs dropped because too many inferences were in flight
	Errors      atomic.Int64 // Pairs dropped because inference failed
	Emitted     atomic.Int64 // Frames pushed downstream
	Latency     perfstats.Timer
}

// Detector is a two-input stage that runs object detection on a low resolution "model" frame,
// and emits the correlated full resolution "bypass" frame, annotated with the detections.
//
// Up to maxInFlight inferences run concurrently on a pool of workers, but frames leave
// in the order that they arrived. If a frame is marked unchanged by a change detector,
// it reuses the previous frame's detections instead of running inference.
// EOS is forwarded once every linked input has received EOS.
type Detector struct {
	graph.Base
	ModelIn  *graph.Port
	BypassIn *graph.Port
	Out      *graph.Port

	// If not nil, called when a newly loaded model has a different input size
	OnModelSize func(width, height int)

	Stats Stats

	log       logs.Log
	loader    ModelLoader
	guard     *ModelGuard
	modelLock sync.Mutex // Serializes SetModel, so that OnModelSize calls arrive in swap order

	propLock    sync.Mutex
	active      bool
	modelPath   string
	labels      []string
	prefix      string
	maxInFlight int
	workers     int

	pairLock   sync.Mutex
	pairCond   sync.Cond
	modelSlot  *frame.Frame
	bypassSlot *frame.Frame
	modelEOS   bool
	bypassEOS  bool
	eos        bool // Both inputs have ended, and EOS has been sent downstream
	sess       *session

	errLock       sync.Mutex
	lastErrAt     time.Time
	errsSinceLog  int
	lastDropAt    time.Time
	dropsSinceLog int
}

// Create a detector stage. loader may be nil if the model is only ever set with SetModel.
func NewDetector(log logs.Log, name string, loader ModelLoader) *Detector {
	d := &Detector{
		loader:      loader,
		guard:       NewModelGuard(),
		active:      true,
		prefix:      name,
		maxInFlight: DefaultMaxInFlight,
		workers:     DefaultWorkers,
	}
	d.pairCond.L = &d.pairLock
	d.InitBase(name)
	d.log = logs.NewPrefixLogger(log, "Detector "+name+":")
	d.ModelIn = d.AddInput("model", graph.Format{PixelFormat: "BGRA"})
	d.BypassIn = d.AddInput("bypass", graph.AnyFormat)
	d.Out = d.AddOutput("src", graph.AnyFormat)
	return d
}

func (d *Detector) Active() bool {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	return d.active
}

// SetActive switches between detection and pass-through
func (d *Detector) SetActive(active bool) {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	d.active = active
}

func (d *Detector) ModelPath() string {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	return d.modelPath
}

// SetModelPath records the path of the model. If the stage is running, the model is loaded
// and hot-swapped in. Otherwise it is loaded when the stage starts.
func (d *Detector) SetModelPath(path string) error {
	d.propLock.Lock()
	d.modelPath = path
	d.propLock.Unlock()
	if d.State() == graph.StateStopped {
		return nil
	}
	return d.loadModel(path)
}

func (d *Detector) loadModel(path string) error {
	if path == "" {
		d.SetModel(nil)
		return nil
	}
	if d.loader == nil {
		return fmt.Errorf("Detector %v has no model loader", d.Name())
	}
	m, err := d.loader(path)
	if err != nil {
		return fmt.Errorf("Failed to load model %v: %w", path, err)
	}
	d.SetModel(m)
	return nil
}

// SetModel swaps in a new model, and closes the old one.
// No inference runs during the swap, and the result of the previous frame is forgotten,
// so that unchanged frames never reuse detections from the old model.
func (d *Detector) SetModel(m Model) {
	d.modelLock.Lock()
	defer d.modelLock.Unlock()

	var newWidth, newHeight int
	if m != nil {
		cfg := m.Config()
		newWidth, newHeight = cfg.Width, cfg.Height
	}

	d.pairLock.Lock()
	// The old model is closed by Swap, so read its size first
	resized := m != nil
	if old := d.guard.Model(); old != nil && m != nil {
		cfg := old.Config()
		resized = cfg.Width != newWidth || cfg.Height != newHeight
	}
	d.guard.Swap(m)
	if d.sess != nil {
		d.sess.clearLast()
	}
	d.pairLock.Unlock()
	d.log.Infof("Model is now %v", describeModel(m))

	if resized && d.OnModelSize != nil {
		d.OnModelSize(newWidth, newHeight)
	}
}

// Model returns the current model. Do not run inference on it.
func (d *Detector) Model() Model {
	return d.guard.Model()
}

// SetLabels overrides the model's class names. Pass nil to use the model's own names.
func (d *Detector) SetLabels(labels []string) {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	d.labels = labels
}

func (d *Detector) SetPrefix(prefix string) {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	d.prefix = prefix
}

// SetMaxInFlight sets the number of inferences that may be outstanding before new pairs are dropped.
// It takes effect the next time the stage starts.
func (d *Detector) SetMaxInFlight(n int) {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	d.maxInFlight = max(n, 1)
}

// SetWorkers sets the size of the worker pool. It takes effect the next time the stage starts.
func (d *Detector) SetWorkers(n int) {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	d.workers = max(n, 1)
}

// SetProperty sets a property by name, as exposed to the HTTP API and the config file
func (d *Detector) SetProperty(name, value string) error {
	switch name {
	case "active":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("Invalid value for active: %w", err)
		}
		d.SetActive(b)
	case "model-path":
		return d.SetModelPath(value)
	case "labels":
		if value == "" {
			d.SetLabels(nil)
		} else {
			d.SetLabels(nn.ParseLabelList(value))
		}
	case "prefix":
		d.SetPrefix(value)
	case "max-in-flight":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("Invalid value for max-in-flight: %w", err)
		}
		d.SetMaxInFlight(n)
	case "workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("Invalid value for workers: %w", err)
		}
		d.SetWorkers(n)
	default:
		return fmt.Errorf("Unknown property '%v'", name)
	}
	return nil
}

// Properties returns the current value of every property
func (d *Detector) Properties() map[string]string {
	d.propLock.Lock()
	defer d.propLock.Unlock()
	return map[string]string{
		"active":        strconv.FormatBool(d.active),
		"model-path":    d.modelPath,
		"labels":        strings.Join(d.labels, ","),
		"prefix":        d.prefix,
		"max-in-flight": strconv.Itoa(d.maxInFlight),
		"workers":       strconv.Itoa(d.workers),
	}
}

// InFlight returns the number of inferences that are currently outstanding
func (d *Detector) InFlight() int {
	d.pairLock.Lock()
	sess := d.sess
	d.pairLock.Unlock()
	if sess == nil {
		return 0
	}
	return sess.inFlight()
}

// Pending returns the number of pairs waiting to be emitted
func (d *Detector) Pending() int {
	d.pairLock.Lock()
	sess := d.sess
	d.pairLock.Unlock()
	if sess == nil {
		return 0
	}
	return sess.queueLen()
}

func (d *Detector) ChangeState(t graph.Transition) error {
	switch {
	case t.From == graph.StateStopped && t.To == graph.StateReady:
		path := d.ModelPath()
		if path != "" && d.guard.Model() == nil {
			if err := d.loadModel(path); err != nil {
				return err
			}
		}
	case t.From == graph.StateReady && t.To == graph.StatePaused:
		d.propLock.Lock()
		workers, maxInFlight := d.workers, d.maxInFlight
		d.propLock.Unlock()
		d.pairLock.Lock()
		d.sess = newSession(workers, maxInFlight, d.infer)
		d.eos = false
		d.modelEOS = false
		d.bypassEOS = false
		d.pairLock.Unlock()
	case t.From == graph.StatePaused && t.To == graph.StateReady:
		d.pairLock.Lock()
		sess := d.sess
		d.sess = nil
		d.releaseSlots()
		d.pairCond.Broadcast()
		d.pairLock.Unlock()
		if sess != nil {
			sess.stop()
		}
	case t.From == graph.StateReady && t.To == graph.StateStopped:
		if d.ModelPath() != "" {
			// We loaded it, so we unload it
			d.guard.Close()
		}
	}
	return nil
}

// Must be called with pairLock held
func (d *Detector) releaseSlots() {
	if d.modelSlot != nil {
		d.modelSlot.Release()
		d.modelSlot = nil
	}
	if d.bypassSlot != nil {
		d.bypassSlot.Release()
		d.bypassSlot = nil
	}
}

func (d *Detector) Chain(in *graph.Port, f *frame.Frame) error {
	d.pairLock.Lock()
	defer d.pairLock.Unlock()

	slot := &d.bypassSlot
	if in == d.ModelIn {
		slot = &d.modelSlot
	}
	for *slot != nil && d.sess != nil && !d.eos {
		d.pairCond.Wait()
	}
	if d.eos {
		f.Release()
		return graph.ErrEOS
	}
	if d.sess == nil {
		f.Release()
		return graph.ErrFlushing
	}
	*slot = f
	if d.modelSlot == nil || d.bypassSlot == nil {
		if (in == d.ModelIn && d.bypassEOS) || (in == d.BypassIn && d.modelEOS) {
			// The other branch has ended, so this frame will never be paired
			f.Release()
			*slot = nil
		}
		return nil
	}

	m, b := d.modelSlot, d.bypassSlot
	if m.Seq != b.Seq {
		// One branch lost a frame. Discard the older one, and wait for its partner.
		if m.Seq < b.Seq {
			m.Release()
			d.modelSlot = nil
		} else {
			b.Release()
			d.bypassSlot = nil
		}
		d.pairCond.Broadcast()
		return nil
	}
	d.modelSlot, d.bypassSlot = nil, nil
	d.pairCond.Broadcast()
	d.aggregate(d.sess, m, b)
	return nil
}

// Must be called with pairLock held
func (d *Detector) aggregate(sess *session, model, bypass *frame.Frame) {
	d.Stats.Pairs.Add(1)
	if sess.isFull() {
		model.Release()
		bypass.Release()
		d.Stats.Dropped.Add(1)
		d.logDrop(bypass.Seq)
	} else {
		item := &workItem{
			model:  model,
			bypass: bypass.MakeWritable(),
		}
		active := d.Active()
		if sess.enqueue(item, !frame.IsChanged(item.bypass), active) {
			d.Stats.Coupled.Add(1)
		} else if !active {
			d.Stats.Passthrough.Add(1)
		}
	}
	d.drain(sess)
}

// Emit every finished item at the head of the FIFO.
// Must be called with pairLock held.
func (d *Detector) drain(sess *session) {
	for {
		item := sess.popDone()
		if item == nil {
			return
		}
		if item.source != nil {
			item.detections = item.source.detections
			item.err = item.source.err
			item.source = nil
		}
		if item.err != nil {
			item.release()
			continue
		}
		bypass := item.bypass
		item.bypass = nil
		item.release()
		if !item.passthrough {
			frame.AddDetections(bypass, item.detections)
		}
		d.Stats.Emitted.Add(1)
		if err := d.Push(d.Out, bypass); err != nil && err != graph.ErrNotLinked {
			d.log.Debugf("Push failed: %v", err)
		}
	}
}

// Runs on a worker goroutine
func (d *Detector) infer(ctx context.Context, item *workItem) ([]frame.Detection, error) {
	model := d.guard.Acquire()
	defer d.guard.Release()
	if model == nil {
		d.logError(item.bypass.Seq, errNoModel)
		d.Stats.Errors.Add(1)
		return nil, errNoModel
	}

	start := time.Now()
	raw, err := model.Detect(ctx, item.model, item.bypass.Width, item.bypass.Height)
	if err != nil {
		if ctx.Err() == nil {
			d.logError(item.bypass.Seq, err)
		}
		d.Stats.Errors.Add(1)
		return nil, err
	}
	d.Stats.Latency.AddSample(time.Since(start))
	d.Stats.Inferences.Add(1)

	d.propLock.Lock()
	prefix, classes := d.prefix, d.labels
	d.propLock.Unlock()
	if classes == nil {
		classes = model.Config().Classes
	}
	return labelDetections(raw, prefix, classes), nil
}

func (d *Detector) Event(in *graph.Port, ev graph.Event) error {
	if ev != graph.EventEOS {
		return d.PushEventAll(ev)
	}
	d.pairLock.Lock()
	if d.eos {
		d.pairLock.Unlock()
		return nil
	}
	other := d.BypassIn
	if in == d.ModelIn {
		d.modelEOS = true
		if d.bypassSlot != nil {
			d.bypassSlot.Release()
			d.bypassSlot = nil
		}
	} else {
		d.bypassEOS = true
		other = d.ModelIn
		if d.modelSlot != nil {
			d.modelSlot.Release()
			d.modelSlot = nil
		}
	}
	d.pairCond.Broadcast()
	if !(d.modelEOS && d.bypassEOS) && d.isLinked(other) {
		// Wait for the other branch to deliver its remaining frames
		d.pairLock.Unlock()
		return nil
	}
	d.eos = true
	d.releaseSlots()
	d.pairCond.Broadcast()
	if sess := d.sess; sess != nil {
		sess.waitIdle()
		d.drain(sess)
	}
	d.pairLock.Unlock()
	return d.PushEvent(d.Out, graph.EventEOS)
}

func (d *Detector) isLinked(p *graph.Port) bool {
	g := d.Graph()
	return g != nil && g.Peer(p) != nil
}

func (d *Detector) logError(seq int64, err error) {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	d.errsSinceLog++
	if time.Since(d.lastErrAt) < errorLogInterval {
		return
	}
	d.log.Errorf("Inference failed on frame %v: %v (%v errors since last report)", seq, err, d.errsSinceLog)
	d.lastErrAt = time.Now()
	d.errsSinceLog = 0
}

func (d *Detector) logDrop(seq int64) {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	d.dropsSinceLog++
	if time.Since(d.lastDropAt) < errorLogInterval {
		return
	}
	d.log.Warnf("Dropped frame %v because too many inferences are in flight (%v drops since last report)", seq, d.dropsSinceLog)
	d.lastDropAt = time.Now()
	d.dropsSinceLog = 0
}
