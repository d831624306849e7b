package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/screenguard/server/eventdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Example: curl "localhost:8080/api/events?type=detection&source=desk&limit=10"
// before is a unix time in milliseconds
func (s *Server) httpGetEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.EventDB == nil {
		www.PanicBadRequestf("The event database is not enabled")
	}
	q := eventdb.Query{
		EventType: eventdb.EventType(www.QueryValue(r, "type")),
		Source:    www.QueryValue(r, "source"),
		Limit:     www.QueryInt(r, "limit"),
	}
	if before := www.QueryInt64(r, "before"); before != 0 {
		q.Before = time.UnixMilli(before)
	}
	events, err := s.EventDB.Recent(q)
	www.Check(err)
	www.SendJSON(w, events)
}

// Fetch a JPG of the most recent composited frame.
// Example: curl -o img.jpg localhost:8080/api/snapshot
func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	img, _ := s.Pipeline.Snapshot.Latest()
	if img == nil {
		www.PanicBadRequestf("No image available yet")
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}

// Stream detections and pipeline changes as JSON messages.
// If the "source" query parameter is set, only detections from that source are sent.
func (s *Server) httpStreamDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	source := www.QueryValue(r, "source")
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpStreamDetections websocket upgrade failed: %v", err)
		return
	}
	s.streams.run(c, source)
}
