package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/server/config"
	"github.com/cyclopcam/screenguard/server/eventdb"
	"github.com/cyclopcam/screenguard/server/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "events.sqlite")
	s, err := NewServer(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.httpRouter)
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
		<-s.ShutdownComplete
	})
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any, response any) int {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if response != nil && resp.StatusCode == 200 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(response))
	}
	return resp.StatusCode
}

func TestPipelineAPI(t *testing.T) {
	s, ts := newTestServer(t)

	require.Equal(t, 200, doJSON(t, "GET", ts.URL+"/api/ping", nil, nil))

	factories := []map[string]any{}
	require.Equal(t, 200, doJSON(t, "GET", ts.URL+"/api/factories", nil, &factories))
	require.Equal(t, "preprocessor", factories[0]["kind"])

	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/pipeline/start", nil, nil))
	require.Equal(t, "playing", s.Pipeline.State().String())

	var handle string
	desc := pipeline.SourceDescriptor{Name: "desk", Kind: pipeline.SourceKindTest, Width: 64, Height: 48, FPS: 30}
	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/sources", desc, &handle))
	require.Equal(t, 400, doJSON(t, "POST", ts.URL+"/api/sources", pipeline.SourceDescriptor{Kind: "camera"}, nil))

	// The default config inserts a change detector into every source
	p := pipelineJSON{}
	require.Equal(t, 200, doJSON(t, "GET", ts.URL+"/api/pipeline", nil, &p))
	require.Len(t, p.Sources, 1)
	require.Equal(t, handle, p.Sources[0].Handle)
	require.Len(t, p.Sources[0].Elements, 1)
	require.Equal(t, "changedetector", p.Sources[0].Elements[0].Factory)
	changeDetector := p.Sources[0].Elements[0].Name

	// Add an identity stage in front of the change detector, and an overlay at the end
	el := elementJSON{}
	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/sources/"+handle+"/elements", addElementJSON{Factory: "identity", Before: changeDetector}, &el))
	require.Equal(t, "identity", el.Factory)
	identity := el.Name
	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/sources/desk/elements", addElementJSON{Factory: "overlay", Name: "boxes", Properties: map[string]string{"line-width": "3"}}, &el))
	require.Equal(t, "boxes", el.Name)
	require.Equal(t, "3", el.Properties["line-width"])
	require.Equal(t, 400, doJSON(t, "POST", ts.URL+"/api/sources/desk/elements", addElementJSON{Factory: "teleporter"}, nil))

	require.Equal(t, 200, doJSON(t, "GET", ts.URL+"/api/pipeline", nil, &p))
	names := []string{}
	for _, e := range p.Sources[0].Elements {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{identity, changeDetector, "boxes"}, names)

	props := map[string]string{}
	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/elements/"+changeDetector+"/properties", map[string]string{"threshold": "7"}, &props))
	require.Equal(t, "7", props["threshold"])
	require.Equal(t, 400, doJSON(t, "POST", ts.URL+"/api/elements/"+identity+"/properties", map[string]string{"threshold": "7"}, nil))
	require.Equal(t, 400, doJSON(t, "GET", ts.URL+"/api/elements/nothing/properties", nil, nil))

	require.Equal(t, 200, doJSON(t, "DELETE", ts.URL+"/api/elements/"+identity, nil, nil))
	require.Equal(t, 400, doJSON(t, "DELETE", ts.URL+"/api/elements/"+identity, nil, nil))
	require.Nil(t, s.Pipeline.Element(identity))

	require.Equal(t, 200, doJSON(t, "DELETE", ts.URL+"/api/sources/"+handle, nil, nil))
	require.Equal(t, 400, doJSON(t, "DELETE", ts.URL+"/api/sources/"+handle, nil, nil))
	require.Len(t, s.Pipeline.Sources(), 0)

	// The recorder writes asynchronously
	require.Eventually(t, func() bool {
		events := []map[string]any{}
		return doJSON(t, "GET", ts.URL+"/api/events?type=source&source=desk", nil, &events) == 200 && len(events) == 2
	}, 5*time.Second, 20*time.Millisecond)
	sourceEvents, err := s.EventDB.Recent(eventdb.Query{EventType: eventdb.EventTypeSource, Source: "desk"})
	require.NoError(t, err)
	require.False(t, sourceEvents[0].Detail.Data.Source.Attached)
	require.True(t, sourceEvents[1].Detail.Data.Source.Attached)

	// changedetector, identity, boxes, and then the removal of identity
	require.Eventually(t, func() bool {
		n, _ := s.EventDB.Recent(eventdb.Query{EventType: eventdb.EventTypeMutation})
		return len(n) == 4
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, 200, doJSON(t, "POST", ts.URL+"/api/pipeline/stop", nil, nil))
}

func TestShutdownRemovesListeners(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "events.sqlite")
	s, err := NewServer(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	// Recorder and stream hub
	require.Equal(t, 2, s.Pipeline.Detections.NumListeners())
	require.Equal(t, 2, s.Pipeline.Changes.NumListeners())

	s.Shutdown()
	require.NoError(t, <-s.ShutdownComplete)
	require.Equal(t, 0, s.Pipeline.Detections.NumListeners())
	require.Equal(t, 0, s.Pipeline.Changes.NumListeners())
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	buf := bytes.Buffer{}
	buf.ReadFrom(resp.Body)
	require.Contains(t, buf.String(), "screenguard_sources")
}

func TestDetectionStream(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/detections"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.streams.numClients() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = s.Pipeline.AttachSource(t.Context(), pipeline.SourceDescriptor{Name: "lobby", Kind: pipeline.SourceKindApp})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg := wsMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "change" && msg.Change.Type == pipeline.ChangeSourceAttached {
			require.Equal(t, "lobby", msg.Change.Source)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(wsCommand{Command: "pause"}))
}
