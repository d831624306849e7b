package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/event"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/cyclopcam/screenguard/pkg/nnload"
	"github.com/cyclopcam/screenguard/pkg/registry"
	"github.com/cyclopcam/screenguard/server/config"
	"github.com/cyclopcam/screenguard/server/eventdb"
	"github.com/cyclopcam/screenguard/server/pipeline"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	Config           *config.Config
	Registry         *registry.Registry
	Pipeline         *pipeline.Pipeline
	EventDB          *eventdb.EventDB // nil if the config has no dbPath
	ShutdownComplete chan error       // Sent after Shutdown() has finished

	httpRouter *httprouter.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	recorder   *recorder
	streams    *streamHub
	unlisten   []func()

	shutdownLock sync.Mutex
	isShutdown   bool
}

// NewServer builds the pipeline and the HTTP routes, and attaches the test sources from the config.
// The pipeline is left stopped.
func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan error, 1),
	}
	labels := cfg.Labels
	if cfg.LabelsFile != "" {
		var err error
		labels, err = nn.LoadClassFile(cfg.LabelsFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to load labels: %w", err)
		}
	}
	s.Registry = registry.NewDefault(logger, registry.DefaultOptions{
		Loader:          nnload.Loader(logger, cfg.ModelCacheDir),
		ModelPath:       cfg.ModelPath,
		Labels:          labels,
		Prefix:          cfg.LabelPrefix,
		Workers:         cfg.Workers,
		MaxInFlight:     cfg.MaxInFlight,
		ChangeThreshold: cfg.ChangeThreshold,
	})

	if cfg.SnapshotDir != "" {
		if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
			return nil, fmt.Errorf("Failed to create snapshot directory: %w", err)
		}
	}
	var err error
	s.Pipeline, err = pipeline.New(logger, s.Registry, pipeline.Options{
		Defaults: map[registry.Kind][]string{
			registry.KindPreprocessor:  cfg.Defaults.Preprocessors,
			registry.KindDetector:      cfg.Defaults.Detectors,
			registry.KindPostprocessor: cfg.Defaults.Postprocessors,
		},
		SnapshotDir:      cfg.SnapshotDir,
		SnapshotInterval: time.Duration(cfg.SnapshotSeconds * float64(time.Second)),
		HistorySize:      cfg.HistorySize,
	})
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != "" {
		s.EventDB, err = eventdb.NewEventDB(logger, cfg.DBPath, cfg.MaxEvents)
		if err != nil {
			s.Pipeline.Close()
			return nil, err
		}
		s.recorder = newRecorder(logger, s.EventDB)
		s.listen(s.recorder.detections(), s.recorder.changes())
	}

	s.streams = newStreamHub(logger)
	s.listen(s.streams.detections(), s.streams.changes())

	s.setupHttpRoutes()

	for _, ts := range cfg.TestSources {
		desc := pipeline.SourceDescriptor{
			Name:      ts.Name,
			Kind:      pipeline.SourceKindTest,
			Width:     ts.Width,
			Height:    ts.Height,
			FPS:       ts.FPS,
			MoveEvery: ts.MoveEvery,
		}
		if _, err := s.Pipeline.AttachSource(context.Background(), desc); err != nil {
			s.Log.Errorf("Failed to attach test source %v: %v", ts.Name, err)
		}
	}
	return s, nil
}

// Subscribe to pipeline events until Shutdown
func (s *Server) listen(d event.Listener[pipeline.DetectionEvent], c event.Listener[pipeline.ChangeEvent]) {
	s.Pipeline.Detections.AddListener(d)
	s.Pipeline.Changes.AddListener(c)
	s.unlisten = append(s.unlisten, func() {
		s.Pipeline.Detections.RemoveListener(d)
		s.Pipeline.Changes.RemoveListener(c)
	})
}

// ListenForKillSignals shuts the server down when we receive SIGINT or SIGTERM
func (s *Server) ListenForKillSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		s.Log.Infof("Received signal %v. Shutting down", sig)
		s.Shutdown()
	}()
}

// ListenHTTP starts the pipeline and serves HTTP. It returns when the server is shut down.
func (s *Server) ListenHTTP(addr string) error {
	if err := s.Pipeline.Play(); err != nil {
		return fmt.Errorf("Failed to start pipeline: %w", err)
	}
	s.shutdownLock.Lock()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	srv := s.httpServer
	s.shutdownLock.Unlock()
	s.Log.Infof("Listening on %v", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and the pipeline, and closes the event database.
// The result is sent to ShutdownComplete.
func (s *Server) Shutdown() {
	s.shutdownLock.Lock()
	if s.isShutdown {
		s.shutdownLock.Unlock()
		return
	}
	s.isShutdown = true
	srv := s.httpServer
	s.shutdownLock.Unlock()

	var firstErr error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
			firstErr = err
		}
		cancel()
	}
	for _, fn := range s.unlisten {
		fn()
	}
	s.streams.closeAll()
	s.Pipeline.Close()
	if s.recorder != nil {
		s.recorder.close()
	}
	if s.EventDB != nil {
		s.EventDB.Close()
	}
	s.Log.Infof("Shutdown complete")
	s.ShutdownComplete <- firstErr
}
