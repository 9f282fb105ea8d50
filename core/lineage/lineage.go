// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lineage holds the per-record provenance model: one lifecycle
// rollup per (collection, record) pair plus an ordered trail of events.
package lineage

import (
	"time"
)

// EventType classifies a lineage event.
type EventType string

const (
	EventCreated   EventType = "Created"
	EventUpdated   EventType = "Updated"
	EventDeleted   EventType = "Deleted"
	EventUndeleted EventType = "Undeleted"
)

// Status is the current lifecycle state of a record.
type Status string

const (
	StatusActive  Status = "Active"
	StatusDeleted Status = "Deleted"
)

// Event is one change applied to a record by an import. Created events
// carry no previous values; Deleted events carry no new values.
type Event struct {
	Collection string
	RecordID   string
	Type       EventType
	ImportID   string
	FileKey    string
	EventDate  time.Time
	ChangeType string

	// PreviousValues snapshots the pre-image of the changed fields
	// only.
	PreviousValues map[string]interface{}
	NewValues      map[string]interface{}
}

// StatusAfter returns the record status implied by the event.
func (e Event) StatusAfter() Status {
	if e.Type == EventDeleted {
		return StatusDeleted
	}
	return StatusActive
}

// Record is the lifecycle rollup for one (collection, record) pair.
// CreatedByImport/CreatedAt are first-write-wins; the LastModified fields
// and CurrentStatus are last-write-wins.
type Record struct {
	Collection           string
	RecordID             string
	CurrentStatus        Status
	CreatedByImport      string
	LastModifiedByImport string
	CreatedAt            time.Time
	LastModifiedAt       time.Time
}

// History is one page of a record's event trail, in chronological order.
type History struct {
	Record      Record
	TotalEvents int
	Events      []Event
}
