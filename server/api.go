package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/server/pipeline"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, h httprouter.Handle) {
		www.Handle(s.Log, router, method, route, h)
	}

	// Mutations are limited per client IP
	limited := func(method, route string, h httprouter.Handle) {
		limiter := httprate.Limit(20, time.Second, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/factories", s.httpListFactories)
	handle("GET", "/api/pipeline", s.httpGetPipeline)
	limited("POST", "/api/pipeline/start", s.httpPipelineStart)
	limited("POST", "/api/pipeline/pause", s.httpPipelinePause)
	limited("POST", "/api/pipeline/stop", s.httpPipelineStop)
	limited("POST", "/api/sources", s.httpAttachSource)
	limited("DELETE", "/api/sources/:handle", s.httpDetachSource)
	limited("POST", "/api/sources/:handle/elements", s.httpAddElement)
	handle("GET", "/api/sources/:handle/detections", s.httpRecentDetections)
	limited("DELETE", "/api/elements/:name", s.httpRemoveElement)
	handle("GET", "/api/elements/:name/properties", s.httpGetProperties)
	limited("POST", "/api/elements/:name/properties", s.httpSetProperties)
	handle("GET", "/api/events", s.httpGetEvents)
	handle("GET", "/api/snapshot", s.httpSnapshot)
	handle("GET", "/api/ws/detections", s.httpStreamDetections)

	router.Handler("GET", "/metrics", promhttp.HandlerFor(s.Pipeline.Metrics.Registry, promhttp.HandlerOpts{}))

	s.httpRouter = router
}

// Errors that are the caller's fault become 400 instead of 500
func checkMutation(err error) {
	if err == nil {
		return
	}
	for _, target := range []error{
		pipeline.ErrSourceNotFound,
		pipeline.ErrElementNotFound,
		graph.ErrPeerUnavailable,
		graph.ErrLinkRejected,
		graph.ErrStageCreationFailed,
	} {
		if errors.Is(err, target) {
			www.PanicBadRequestf("%v", err)
		}
	}
	www.Check(err)
}

type pingJSON struct {
	Greeting string `json:"greeting"`
	Time     int64  `json:"time"`
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, &pingJSON{
		Greeting: "I am screenguard",
		Time:     time.Now().Unix(),
	})
}
