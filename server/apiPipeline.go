package server

import (
	"net/http"

	"github.com/cyclopcam/screenguard/pkg/registry"
	"github.com/cyclopcam/screenguard/server/pipeline"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-PIPELINE-JSON
type pipelineJSON struct {
	State      string        `json:"state"`
	Generation uint64        `json:"generation"`
	Sources    []*sourceJSON `json:"sources"`
}

type sourceJSON struct {
	Handle   string                    `json:"handle"`
	Name     string                    `json:"name"`
	Desc     pipeline.SourceDescriptor `json:"desc"`
	Elements []*elementJSON            `json:"elements"`
}

type elementJSON struct {
	Name       string            `json:"name"`
	Factory    string            `json:"factory"`
	Kind       registry.Kind     `json:"kind"`
	Properties map[string]string `json:"properties,omitempty"`
}

type addElementJSON struct {
	Factory    string            `json:"factory"`
	Name       string            `json:"name"`       // Optional
	Before     string            `json:"before"`     // Optional. Insert in front of this element, instead of at the end of the factory's group.
	Properties map[string]string `json:"properties"` // Optional
}

func toElementJSON(e *pipeline.Element) *elementJSON {
	j := &elementJSON{
		Name:    e.Name,
		Factory: e.Factory,
		Kind:    e.Kind,
	}
	if c, ok := e.Stage.(registry.Configurable); ok {
		j.Properties = c.Properties()
	}
	return j
}

// The source may be identified by its handle or its name
func (s *Server) getSourceOrPanic(params httprouter.Params) *pipeline.Source {
	id := params.ByName("handle")
	var src *pipeline.Source
	if h, err := pipeline.ParseSourceHandle(id); err == nil {
		src = s.Pipeline.Source(h)
	} else {
		src = s.Pipeline.SourceByName(id)
	}
	if src == nil {
		www.PanicBadRequestf("Source %v not found", id)
	}
	return src
}

func (s *Server) getElementOrPanic(params httprouter.Params) *pipeline.Element {
	e := s.Pipeline.Element(params.ByName("name"))
	if e == nil {
		www.PanicBadRequestf("Element %v not found", params.ByName("name"))
	}
	return e
}

func (s *Server) httpListFactories(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.Registry.List())
}

func (s *Server) httpGetPipeline(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	j := pipelineJSON{
		State:      s.Pipeline.State().String(),
		Generation: s.Pipeline.Graph.Generation(),
		Sources:    []*sourceJSON{},
	}
	for _, src := range s.Pipeline.Sources() {
		sj := &sourceJSON{
			Handle:   src.Handle.String(),
			Name:     src.Name,
			Desc:     src.Desc,
			Elements: []*elementJSON{},
		}
		for _, e := range s.Pipeline.Elements(src.Handle) {
			sj.Elements = append(sj.Elements, toElementJSON(e))
		}
		j.Sources = append(j.Sources, sj)
	}
	www.SendJSON(w, &j)
}

func (s *Server) httpPipelineStart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.Pipeline.Start())
	www.SendJSON(w, s.Pipeline.State().String())
}

func (s *Server) httpPipelinePause(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.Pipeline.Pause())
	www.SendJSON(w, s.Pipeline.State().String())
}

func (s *Server) httpPipelineStop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.Pipeline.Stop())
	www.SendJSON(w, s.Pipeline.State().String())
}

func (s *Server) httpAttachSource(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	desc := pipeline.SourceDescriptor{}
	www.ReadJSON(w, r, &desc, 1024*1024)
	if desc.Kind != pipeline.SourceKindTest && desc.Kind != pipeline.SourceKindApp {
		www.PanicBadRequestf("Unknown source kind '%v'", desc.Kind)
	}
	h, err := s.Pipeline.AttachSource(r.Context(), desc)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	www.SendJSON(w, h.String())
}

func (s *Server) httpDetachSource(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	src := s.getSourceOrPanic(params)
	checkMutation(s.Pipeline.DetachSource(r.Context(), src.Handle))
	www.SendOK(w)
}

func (s *Server) httpAddElement(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	src := s.getSourceOrPanic(params)
	req := addElementJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	if req.Factory == "" {
		www.PanicBadRequestf("factory is required")
	}
	var e *pipeline.Element
	if req.Before == "" {
		var err error
		e, err = s.Pipeline.AddProcessor(r.Context(), src.Handle, req.Factory, req.Name, req.Properties)
		checkMutation(err)
	} else {
		before := s.Pipeline.Element(req.Before)
		if before == nil || before.Source != src {
			www.PanicBadRequestf("Element %v not found in source %v", req.Before, src.Name)
		}
		st, err := s.Pipeline.InsertElement(r.Context(), req.Factory, before.Stage)
		checkMutation(err)
		e = s.Pipeline.Element(st.StageBase().Name())
		if err := registry.ApplyProperties(st, req.Properties); err != nil {
			www.PanicBadRequestf("%v", err)
		}
	}
	www.SendJSON(w, toElementJSON(e))
}

func (s *Server) httpRemoveElement(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e := s.getElementOrPanic(params)
	checkMutation(s.Pipeline.RemoveElement(r.Context(), e.Stage))
	www.SendOK(w)
}

func (s *Server) httpGetProperties(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e := s.getElementOrPanic(params)
	www.SendJSON(w, toElementJSON(e).Properties)
}

func (s *Server) httpSetProperties(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e := s.getElementOrPanic(params)
	props := map[string]string{}
	www.ReadJSON(w, r, &props, 64*1024)
	if err := registry.ApplyProperties(e.Stage, props); err != nil {
		www.PanicBadRequestf("%v", err)
	}
	www.SendJSON(w, toElementJSON(e).Properties)
}

func (s *Server) httpRecentDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	src := s.getSourceOrPanic(params)
	events := s.Pipeline.RecentDetections(src.Name)
	if events == nil {
		events = []pipeline.DetectionEvent{}
	}
	www.SendJSON(w, events)
}
