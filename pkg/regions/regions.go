// Package regions provides a detector that reports fixed areas of the screen
// as detections on every frame.
package regions

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
)

// The only class that this detector emits
const Label = "regions"

// Stage attaches one detection per configured region to every frame.
// Regions are clipped to the frame. A region that starts beyond the frame is skipped.
type Stage struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	lock    sync.Mutex
	prefix  string
	active  bool
	regions []nn.Rect
}

func NewStage(name string) *Stage {
	s := &Stage{
		prefix: name,
		active: true,
	}
	s.InitBase(name)
	s.In = s.AddInput("sink", graph.AnyFormat)
	s.Out = s.AddOutput("src", graph.AnyFormat)
	return s
}

func (s *Stage) SetActive(active bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.active = active
}

func (s *Stage) SetPrefix(prefix string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.prefix = prefix
}

func (s *Stage) SetRegions(regions []nn.Rect) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.regions = append([]nn.Rect(nil), regions...)
}

func (s *Stage) Regions() []nn.Rect {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]nn.Rect(nil), s.regions...)
}

func (s *Stage) SetProperty(name, value string) error {
	switch name {
	case "active":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("Invalid value for active: %w", err)
		}
		s.SetActive(b)
	case "prefix":
		s.SetPrefix(value)
	case "regions":
		r, err := ParseRegions(value)
		if err != nil {
			return err
		}
		s.SetRegions(r)
	case "labels":
		return fmt.Errorf("Property 'labels' is read only")
	default:
		return fmt.Errorf("Unknown property '%v'", name)
	}
	return nil
}

func (s *Stage) Properties() map[string]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return map[string]string{
		"active":  strconv.FormatBool(s.active),
		"prefix":  s.prefix,
		"regions": FormatRegions(s.regions),
		"labels":  Label,
	}
}

func (s *Stage) Chain(in *graph.Port, f *frame.Frame) error {
	s.lock.Lock()
	active, prefix, regions := s.active, s.prefix, s.regions
	s.lock.Unlock()
	if !active || len(regions) == 0 {
		return s.Push(s.Out, f)
	}
	dets := Detections(regions, prefix, f.Width, f.Height)
	if len(dets) != 0 {
		f = f.MakeWritable()
		frame.AddDetections(f, dets)
	}
	return s.Push(s.Out, f)
}

// Detections returns the regions that touch a frame of the given size, clipped to it
func Detections(regions []nn.Rect, prefix string, width, height int) []frame.Detection {
	label := prefix + ":" + Label
	dets := make([]frame.Detection, 0, len(regions))
	for _, r := range regions {
		if r.X > width || r.Y > height {
			continue
		}
		box := r.Clip(width, height)
		if box.IsEmpty() {
			continue
		}
		dets = append(dets, frame.Detection{
			Label:      label,
			Confidence: 1,
			Box:        box,
		})
	}
	return dets
}

// ParseRegions parses "x:y:w:h;x:y:w:h". Width and height must be positive.
func ParseRegions(s string) ([]nn.Rect, error) {
	var regions []nn.Rect
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("Invalid region '%v'. Expected x:y:w:h", item)
		}
		var v [4]int
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("Invalid region '%v': %w", item, err)
			}
			v[i] = n
		}
		if v[2] <= 0 || v[3] <= 0 {
			return nil, fmt.Errorf("Region '%v' has no area", item)
		}
		regions = append(regions, nn.MakeRect(v[0], v[1], v[2], v[3]))
	}
	return regions, nil
}

func FormatRegions(regions []nn.Rect) string {
	items := make([]string, len(regions))
	for i, r := range regions {
		items[i] = fmt.Sprintf("%d:%d:%d:%d", r.X, r.Y, r.Width, r.Height)
	}
	return strings.Join(items, ";")
}
