// Package eventdb is a log of detections and pipeline changes, stored in sqlite
package eventdb

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"gorm.io/gorm"
)

// We only check the event count every purgeInterval inserts
const purgeInterval = 100

type EventDB struct {
	Log logs.Log
	DB  *gorm.DB

	lock         sync.Mutex
	maxEvents    int64
	sincePurge   int
	lastPurgeErr time.Time
}

// Open or create an event DB, keeping at most maxEvents
func NewEventDB(logger logs.Log, dbFilename string, maxEvents int64) (*EventDB, error) {
	logger = logs.NewPrefixLogger(logger, "EventDB:")
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open event database %v: %w", dbFilename, err)
	}
	return &EventDB{
		Log:       logger,
		DB:        db,
		maxEvents: maxEvents,
	}, nil
}

func (e *EventDB) Close() {
	if sqlDB, err := e.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

func (e *EventDB) AddDetections(source string, seq int64, at time.Time, objects []frame.Detection) error {
	return e.AddEvent(at, EventTypeDetection, source, &EventDetail{
		Detection: &EventDetailDetection{
			Seq:     seq,
			Objects: objects,
		},
	})
}

func (e *EventDB) AddMutation(source string, detail EventDetailMutation) error {
	return e.AddEvent(time.Now(), EventTypeMutation, source, &EventDetail{Mutation: &detail})
}

func (e *EventDB) AddSourceEvent(source string, detail EventDetailSource) error {
	return e.AddEvent(time.Now(), EventTypeSource, source, &EventDetail{Source: &detail})
}

func (e *EventDB) AddEvent(at time.Time, eventType EventType, source string, detail *EventDetail) error {
	e.maybePurge()
	detailJSON := dbh.JSONField[EventDetail]{Data: *detail}
	event := &Event{
		Time:      dbh.MakeIntTime(at),
		EventType: eventType,
		Source:    source,
		Detail:    &detailJSON,
	}
	return e.DB.Create(event).Error
}

// Query selects events. Zero values mean "any".
type Query struct {
	EventType EventType
	Source    string
	Before    time.Time
	Limit     int // Default 100
}

// Recent returns the most recent events that match q, newest first
func (e *EventDB) Recent(q Query) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	tx := e.DB.Order("id DESC").Limit(q.Limit)
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.Source != "" {
		tx = tx.Where("source = ?", q.Source)
	}
	if !q.Before.IsZero() {
		tx = tx.Where("time < ?", dbh.MakeIntTime(q.Before))
	}
	var events []*Event
	if err := tx.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (e *EventDB) Count() (int64, error) {
	n := int64(0)
	err := e.DB.Model(&Event{}).Count(&n).Error
	return n, err
}

func (e *EventDB) maybePurge() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.sincePurge++
	if e.sincePurge < purgeInterval {
		return
	}
	e.sincePurge = 0
	if err := e.Purge(); err != nil && time.Since(e.lastPurgeErr) > 15*time.Second {
		e.Log.Errorf("Failed to purge old events: %v", err)
		e.lastPurgeErr = time.Now()
	}
}

// Purge deletes the oldest events, so that no more than maxEvents remain
func (e *EventDB) Purge() error {
	if e.maxEvents <= 0 {
		return nil
	}
	return e.DB.Exec("DELETE FROM event WHERE id <= (SELECT MAX(id) FROM event) - ?", e.maxEvents).Error
}
