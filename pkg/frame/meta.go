package frame

import "github.com/cyclopcam/screenguard/pkg/nn"

// Record is one entry in a frame's metadata bag
type Record interface {
	// Clone returns a deep copy, for when a frame is copied on write
	CloneRecord() Record
}

// Meta is an ordered, heterogeneous list of records.
// There is at most one record of each type.
type Meta []Record

func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	c := make(Meta, len(m))
	for i, r := range m {
		c[i] = r.CloneRecord()
	}
	return c
}

// Get returns the first record of type T
func Get[T Record](f *Frame) (T, bool) {
	for _, r := range f.Meta {
		if t, ok := r.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// Set replaces the record of the same type, or appends it
func Set[T Record](f *Frame, rec T) {
	for i, r := range f.Meta {
		if _, ok := r.(T); ok {
			f.Meta[i] = rec
			return
		}
	}
	f.Meta = append(f.Meta, rec)
}

// ChangeRecord is produced by a change detector.
// If a frame has no ChangeRecord, then it must be treated as changed.
type ChangeRecord struct {
	Changed bool
	Regions []nn.Rect
}

func (r *ChangeRecord) CloneRecord() Record {
	return &ChangeRecord{Changed: r.Changed, Regions: append([]nn.Rect(nil), r.Regions...)}
}

// Detection is an object found by a detector stage.
// Label is "prefix:class", where the prefix identifies the detector.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        nn.Rect `json:"box"`
}

type DetectionRecord struct {
	Detections []Detection
}

func (r *DetectionRecord) CloneRecord() Record {
	return &DetectionRecord{Detections: append([]Detection(nil), r.Detections...)}
}

// WindowRecord is the position of a frame inside a composited output
type WindowRecord struct {
	Source string
	Seq    int64 // Sequence number of the source frame
	Rect   nn.Rect
}

func (r *WindowRecord) CloneRecord() Record {
	c := *r
	return &c
}

// IsChanged returns false only if a change detector has explicitly marked the frame as unchanged
func IsChanged(f *Frame) bool {
	if cr, ok := Get[*ChangeRecord](f); ok {
		return cr.Changed
	}
	return true
}

// AddDetections appends to the frame's DetectionRecord, creating it if necessary
func AddDetections(f *Frame, dets []Detection) {
	if dr, ok := Get[*DetectionRecord](f); ok {
		dr.Detections = append(dr.Detections, dets...)
		return
	}
	f.Meta = append(f.Meta, &DetectionRecord{Detections: append([]Detection{}, dets...)})
}

// Detections returns the detections attached to the frame, or nil
func Detections(f *Frame) []Detection {
	if dr, ok := Get[*DetectionRecord](f); ok {
		return dr.Detections
	}
	return nil
}

// LayoutRecord lists the windows that make up a composited frame
type LayoutRecord struct {
	Windows []WindowRecord
}

func (r *LayoutRecord) CloneRecord() Record {
	return &LayoutRecord{Windows: append([]WindowRecord(nil), r.Windows...)}
}
