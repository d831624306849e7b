// Package registry maps stage names to the factories that create them
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/changedetect"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/imaging"
	"github.com/cyclopcam/screenguard/pkg/objdetect"
	"github.com/cyclopcam/screenguard/pkg/regions"
	"github.com/cyclopcam/screenguard/pkg/stages"
)

// Kind is the processing group that a stage belongs to
type Kind string

const (
	KindPreprocessor  Kind = "preprocessor"
	KindDetector      Kind = "detector"
	KindPostprocessor Kind = "postprocessor"
)

func (k Kind) Valid() bool {
	return k == KindPreprocessor || k == KindDetector || k == KindPostprocessor
}

// Configurable is implemented by stages that expose named properties
type Configurable interface {
	SetProperty(name, value string) error
	Properties() map[string]string
}

// Factory creates stages of one type. instanceName must be unique within a pipeline.
type Factory struct {
	Name        string                                         `json:"name"`
	Kind        Kind                                           `json:"kind"`
	Description string                                         `json:"description"`
	Create      func(instanceName string) (graph.Stage, error) `json:"-"`
}

type Registry struct {
	lock      sync.RWMutex
	factories map[string]*Factory
}

func New() *Registry {
	return &Registry{
		factories: map[string]*Factory{},
	}
}

func (r *Registry) Register(f Factory) error {
	if f.Name == "" || f.Create == nil {
		return fmt.Errorf("Factory must have a name and a Create function")
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("Factory %v has invalid kind '%v'", f.Name, f.Kind)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.factories[f.Name]; ok {
		return fmt.Errorf("Factory %v is already registered", f.Name)
	}
	r.factories[f.Name] = &f
	return nil
}

// Get returns the named factory, or nil
func (r *Registry) Get(name string) *Factory {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.factories[name]
}

// List returns all factories, ordered by kind and then name
func (r *Registry) List() []Factory {
	r.lock.RLock()
	defer r.lock.RUnlock()
	all := make([]Factory, 0, len(r.factories))
	for _, f := range r.factories {
		all = append(all, *f)
	}
	kindOrder := map[Kind]int{KindPreprocessor: 0, KindDetector: 1, KindPostprocessor: 2}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Kind != all[j].Kind {
			return kindOrder[all[i].Kind] < kindOrder[all[j].Kind]
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// Create a stage. The error is always a graph.Error of kind StageCreationFailed.
func (r *Registry) Create(factoryName, instanceName string) (graph.Stage, Kind, error) {
	f := r.Get(factoryName)
	if f == nil {
		return nil, "", graph.NewError(graph.StageCreationFailed, "create", instanceName, fmt.Errorf("Unknown stage type '%v'", factoryName))
	}
	st, err := f.Create(instanceName)
	if err != nil {
		return nil, "", graph.NewError(graph.StageCreationFailed, "create", instanceName, err)
	}
	return st, f.Kind, nil
}

// DefaultOptions configure the stages created by the default registry
type DefaultOptions struct {
	Loader          objdetect.ModelLoader
	ModelPath       string
	Labels          []string
	Prefix          string // If empty, the detector's instance name is used
	Workers         int
	MaxInFlight     int
	ChangeThreshold int // Percent
	QueueSize       int // Size of the queues inside a detector
}

// NewDefault creates a registry with all of our built in stages
func NewDefault(log logs.Log, opt DefaultOptions) *Registry {
	if opt.QueueSize == 0 {
		opt.QueueSize = 5
	}
	r := New()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(Factory{
		Name:        "changedetector",
		Kind:        KindPreprocessor,
		Description: "Marks frames that have not changed, so that detectors can skip them",
		Create: func(instanceName string) (graph.Stage, error) {
			s := changedetect.NewStage(log, instanceName)
			s.SetThreshold(opt.ChangeThreshold)
			return s, nil
		},
	}))
	must(r.Register(Factory{
		Name:        "identity",
		Kind:        KindPreprocessor,
		Description: "Passes frames through unmodified",
		Create: func(instanceName string) (graph.Stage, error) {
			return stages.NewIdentity(instanceName), nil
		},
	}))
	must(r.Register(Factory{
		Name:        "detector",
		Kind:        KindDetector,
		Description: "Runs a YOLO object detection model",
		Create: func(instanceName string) (graph.Stage, error) {
			b, err := objdetect.NewDetectorBin(log, instanceName, opt.Loader, opt.QueueSize)
			if err != nil {
				return nil, err
			}
			d := b.Detector
			if opt.Labels != nil {
				d.SetLabels(opt.Labels)
			}
			if opt.Prefix != "" {
				d.SetPrefix(opt.Prefix)
			}
			if opt.Workers != 0 {
				d.SetWorkers(opt.Workers)
			}
			if opt.MaxInFlight != 0 {
				d.SetMaxInFlight(opt.MaxInFlight)
			}
			if err := d.SetModelPath(opt.ModelPath); err != nil {
				return nil, err
			}
			return b, nil
		},
	}))
	must(r.Register(Factory{
		Name:        "regions",
		Kind:        KindDetector,
		Description: "Reports fixed areas of the screen as detections",
		Create: func(instanceName string) (graph.Stage, error) {
			s := regions.NewStage(instanceName)
			if opt.Prefix != "" {
				s.SetPrefix(opt.Prefix)
			}
			return s, nil
		},
	}))
	must(r.Register(Factory{
		Name:        "overlay",
		Kind:        KindPostprocessor,
		Description: "Draws detection boxes and labels onto frames",
		Create: func(instanceName string) (graph.Stage, error) {
			return imaging.NewOverlay(instanceName), nil
		},
	}))
	return r
}

// ParseProperties parses "name=value,name=value"
func ParseProperties(s string) (map[string]string, error) {
	props := map[string]string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("Invalid property %v. Expected name=value", strconv.Quote(item))
		}
		props[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return props, nil
}

// ApplyProperties sets every property on the stage, stopping at the first error
func ApplyProperties(st graph.Stage, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	c, ok := st.(Configurable)
	if !ok {
		return fmt.Errorf("Stage %v has no properties", st.StageBase().Name())
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.SetProperty(name, props[name]); err != nil {
			return err
		}
	}
	return nil
}
