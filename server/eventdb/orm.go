package eventdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/screenguard/pkg/frame"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type EventType string

const (
	EventTypeDetection EventType = "detection" // Objects were detected in a frame
	EventTypeMutation  EventType = "mutation"  // A stage was inserted into, or removed from, the pipeline
	EventTypeSource    EventType = "source"    // A source was attached or detached
)

type Event struct {
	BaseModel
	Time      dbh.IntTime                 `json:"time"`
	EventType EventType                   `json:"eventType"`
	Source    string                      `json:"source"` // Source name, if the event pertains to a single source
	Detail    *dbh.JSONField[EventDetail] `json:"detail"`
}

// EventDetail is stored as JSON. Exactly one of the fields is set, depending on the EventType.
type EventDetail struct {
	Detection *EventDetailDetection `json:"detection,omitempty"`
	Mutation  *EventDetailMutation  `json:"mutation,omitempty"`
	Source    *EventDetailSource    `json:"source,omitempty"`
}

type EventDetailDetection struct {
	Seq     int64             `json:"seq"`
	Objects []frame.Detection `json:"objects"`
}

type EventDetailMutation struct {
	Op      string `json:"op"`      // "insert" or "remove"
	Stage   string `json:"stage"`   // Instance name
	Factory string `json:"factory"` // Empty for removal
	Error   string `json:"error,omitempty"`
}

type EventDetailSource struct {
	Attached bool   `json:"attached"`
	Handle   string `json:"handle"`
	Kind     string `json:"kind"`
}
