package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/event"
	"github.com/cyclopcam/screenguard/pkg/idgen"
	"github.com/cyclopcam/screenguard/server/pipeline"
	"github.com/gorilla/websocket"
)

// Number of messages that we buffer for each websocket, before dropping detections
const wsSendBufferSize = 50

// Sent by us over the websocket
type wsMessage struct {
	Type      string                   `json:"type"` // "detection" or "change"
	Detection *pipeline.DetectionEvent `json:"detection,omitempty"`
	Change    *pipeline.ChangeEvent    `json:"change,omitempty"`
}

// Sent by the client over the websocket
type wsCommand struct {
	Command string `json:"command"` // "pause" or "resume"
}

// streamHub sends detections and pipeline changes to every connected websocket
type streamHub struct {
	log     logs.Log
	ids     idgen.Sequence
	lock    sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	log       logs.Log
	source    string // If not empty, only detections from this source are sent
	send      chan wsMessage
	paused    atomic.Bool
	closed    chan bool
	closeOnce sync.Once

	dropLock    sync.Mutex
	nDropped    int64
	lastDropMsg time.Time
}

type hubDetections struct{ h *streamHub }
type hubChanges struct{ h *streamHub }

func newStreamHub(log logs.Log) *streamHub {
	return &streamHub{
		log:     log,
		clients: map[*wsClient]bool{},
	}
}

func (h *streamHub) detections() event.Listener[pipeline.DetectionEvent] {
	return &hubDetections{h}
}

func (h *streamHub) changes() event.Listener[pipeline.ChangeEvent] {
	return &hubChanges{h}
}

func (l *hubDetections) OnEvent(ev pipeline.DetectionEvent) {
	l.h.broadcast(wsMessage{Type: "detection", Detection: &ev}, ev.Source)
}

func (l *hubChanges) OnEvent(ev pipeline.ChangeEvent) {
	l.h.broadcast(wsMessage{Type: "change", Change: &ev}, "")
}

func (h *streamHub) numClients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Never blocks, because we're called from the pipeline's streaming goroutines
func (h *streamHub) broadcast(msg wsMessage, source string) {
	h.lock.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.Unlock()

	for _, c := range clients {
		if c.paused.Load() || (source != "" && c.source != "" && c.source != source) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			c.dropped()
		}
	}
}

func (h *streamHub) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		c.close()
	}
}

// run services a websocket until either side closes it
func (h *streamHub) run(conn *websocket.Conn, source string) {
	id := h.ids.Next()
	c := &wsClient{
		log:    logs.NewPrefixLogger(h.log, fmt.Sprintf("WebSocket %v:", id)),
		source: source,
		send:   make(chan wsMessage, wsSendBufferSize),
		closed: make(chan bool),
	}
	h.lock.Lock()
	h.clients[c] = true
	h.lock.Unlock()
	defer func() {
		h.lock.Lock()
		delete(h.clients, c)
		h.lock.Unlock()
		conn.Close()
	}()

	go c.reader(conn)
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Infof("Write failed: %v", err)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) reader(conn *websocket.Conn) {
	for {
		cmd := wsCommand{}
		if err := conn.ReadJSON(&cmd); err != nil {
			c.close()
			return
		}
		switch cmd.Command {
		case "pause":
			c.paused.Store(true)
		case "resume":
			c.paused.Store(false)
		default:
			c.log.Warnf("Unknown command '%v'", cmd.Command)
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *wsClient) dropped() {
	c.dropLock.Lock()
	defer c.dropLock.Unlock()
	c.nDropped++
	if time.Since(c.lastDropMsg) > 5*time.Second {
		c.log.Infof("Dropped %v messages", c.nDropped)
		c.lastDropMsg = time.Now()
	}
}
