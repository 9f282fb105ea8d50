// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"time"

	"github.com/juju/errors"

	"github.com/canonical/litp/core/lineage"
)

// LineageStore persists lineage events and their lifecycle rollups.
type LineageStore interface {
	ApplyLineage(events []lineage.Event) error
}

// LineageRecorder turns upsert outcomes into lineage events, one per row
// that actually changed, and writes them batch-wise.
type LineageRecorder struct {
	st LineageStore
}

// NewLineageRecorder returns a recorder over the given store.
func NewLineageRecorder(st LineageStore) *LineageRecorder {
	return &LineageRecorder{st: st}
}

// Record writes the lineage for one applied batch. Created events carry
// no previous values and Deleted events no new values; the upsert planner
// already shapes outcomes that way.
func (r *LineageRecorder) Record(collection, importID, fileKey string, outcomes []Outcome, now time.Time) error {
	if len(outcomes) == 0 {
		return nil
	}
	events := make([]lineage.Event, 0, len(outcomes))
	for i, outcome := range outcomes {
		// Stagger event dates by a nanosecond per row so that events
		// within one batch sort chronologically and two changes to
		// the same record never collide on the event dedup key.
		events = append(events, lineage.Event{
			Collection:     collection,
			RecordID:       outcome.RecordID,
			Type:           outcome.Action,
			ImportID:       importID,
			FileKey:        fileKey,
			EventDate:      now.Add(time.Duration(i)),
			ChangeType:     outcome.ChangeType,
			PreviousValues: outcome.Previous,
			NewValues:      outcome.New,
		})
	}
	return errors.Trace(r.st.ApplyLineage(events))
}
