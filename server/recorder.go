package server

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/event"
	"github.com/cyclopcam/screenguard/server/eventdb"
	"github.com/cyclopcam/screenguard/server/pipeline"
)

const recorderQueueSize = 500

// recorder writes pipeline events into the event database.
// Events arrive on the streaming goroutines, so they are queued, and written by our own goroutine.
// If the database can't keep up, new events are dropped.
type recorder struct {
	log   logs.Log
	db    *eventdb.EventDB
	queue    chan func() error
	done     chan bool
	finished chan bool

	closeOnce   sync.Once
	dropLock    sync.Mutex
	lastDropMsg time.Time
	nDropped    int
}

type detectionRecorder struct{ r *recorder }
type changeRecorder struct{ r *recorder }

func newRecorder(log logs.Log, db *eventdb.EventDB) *recorder {
	r := &recorder{
		log:   logs.NewPrefixLogger(log, "Recorder:"),
		db:    db,
		queue:    make(chan func() error, recorderQueueSize),
		done:     make(chan bool),
		finished: make(chan bool),
	}
	go r.run()
	return r
}

func (r *recorder) detections() event.Listener[pipeline.DetectionEvent] {
	return &detectionRecorder{r}
}

func (r *recorder) changes() event.Listener[pipeline.ChangeEvent] {
	return &changeRecorder{r}
}

func (d *detectionRecorder) OnEvent(ev pipeline.DetectionEvent) {
	d.r.enqueue(func() error {
		return d.r.db.AddDetections(ev.Source, ev.Seq, ev.Time, ev.Objects)
	})
}

func (c *changeRecorder) OnEvent(ev pipeline.ChangeEvent) {
	c.r.enqueue(func() error {
		switch ev.Type {
		case pipeline.ChangeSourceAttached, pipeline.ChangeSourceDetached:
			return c.r.db.AddSourceEvent(ev.Source, eventdb.EventDetailSource{
				Attached: ev.Type == pipeline.ChangeSourceAttached,
				Handle:   ev.Handle.String(),
				Kind:     ev.Kind,
			})
		case pipeline.ChangeElementInserted:
			return c.r.db.AddMutation(ev.Source, eventdb.EventDetailMutation{Op: "insert", Stage: ev.Element, Factory: ev.Factory})
		case pipeline.ChangeElementRemoved:
			return c.r.db.AddMutation(ev.Source, eventdb.EventDetailMutation{Op: "remove", Stage: ev.Element, Factory: ev.Factory})
		}
		return nil
	})
}

func (r *recorder) enqueue(write func() error) {
	select {
	case r.queue <- write:
	case <-r.done:
	default:
		r.dropLock.Lock()
		r.nDropped++
		if time.Since(r.lastDropMsg) > 15*time.Second {
			r.log.Warnf("Event database is too slow. %v events dropped", r.nDropped)
			r.lastDropMsg = time.Now()
		}
		r.dropLock.Unlock()
	}
}

func (r *recorder) run() {
	defer close(r.finished)
	for {
		select {
		case <-r.done:
			return
		case write := <-r.queue:
			if err := write(); err != nil {
				r.log.Errorf("Failed to write event: %v", err)
			}
		}
	}
}

// Stop writing, and wait for the current write to finish. Events that are still queued are discarded.
func (r *recorder) close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.finished
}
