// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/lineage"
)

type lineageRecordDoc struct {
	ID                   string    `bson:"_id"`
	Collection           string    `bson:"collection"`
	RecordID             string    `bson:"recordId"`
	CurrentStatus        string    `bson:"currentStatus"`
	CreatedByImport      string    `bson:"createdByImport"`
	LastModifiedByImport string    `bson:"lastModifiedByImport"`
	CreatedAt            time.Time `bson:"createdAt"`
	LastModifiedAt       time.Time `bson:"lastModifiedAt"`
}

type lineageEventDoc struct {
	ID             string    `bson:"_id"`
	Collection     string    `bson:"collection"`
	RecordID       string    `bson:"recordId"`
	EventType      string    `bson:"eventType"`
	ImportID       string    `bson:"importId"`
	FileKey        string    `bson:"fileKey"`
	EventDate      time.Time `bson:"eventDate"`
	ChangeType     string    `bson:"changeType,omitempty"`
	PreviousValues bson.M    `bson:"previousValues,omitempty"`
	NewValues      bson.M    `bson:"newValues,omitempty"`
}

func lineageRecordDocID(collection, recordID string) string {
	return collection + "#" + recordID
}

// lineageEventDocID hashes the event dedup tuple so the at-least-once
// writer is idempotent: re-recording the same event lands on the same _id.
func lineageEventDocID(e lineage.Event) string {
	material := fmt.Sprintf("%s\x1f%s\x1f%d\x1f%s",
		e.Collection, e.RecordID, e.EventDate.UnixNano(), e.ImportID)
	sum := sha256.Sum256([]byte(material))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func eventToDoc(e lineage.Event) lineageEventDoc {
	doc := lineageEventDoc{
		ID:         lineageEventDocID(e),
		Collection: e.Collection,
		RecordID:   e.RecordID,
		EventType:  string(e.Type),
		ImportID:   e.ImportID,
		FileKey:    e.FileKey,
		EventDate:  e.EventDate,
		ChangeType: e.ChangeType,
	}
	if len(e.PreviousValues) > 0 {
		doc.PreviousValues = bson.M(e.PreviousValues)
	}
	if len(e.NewValues) > 0 {
		doc.NewValues = bson.M(e.NewValues)
	}
	return doc
}

func eventFromDoc(doc lineageEventDoc) lineage.Event {
	return lineage.Event{
		Collection:     doc.Collection,
		RecordID:       doc.RecordID,
		Type:           lineage.EventType(doc.EventType),
		ImportID:       doc.ImportID,
		FileKey:        doc.FileKey,
		EventDate:      doc.EventDate,
		ChangeType:     doc.ChangeType,
		PreviousValues: doc.PreviousValues,
		NewValues:      doc.NewValues,
	}
}

// ApplyLineage writes one batch of lineage events and folds them into the
// per-record lifecycle rollups. Events are upserted on a deterministic id,
// so replaying a batch after a partial failure is harmless.
func (st *State) ApplyLineage(events []lineage.Event) error {
	if len(events) == 0 {
		return nil
	}
	eventColl, closer := st.db.GetCollection(recordLineageEventsC)
	defer closer()

	bulk := eventColl.Bulk()
	for _, e := range events {
		doc := eventToDoc(e)
		bulk.Upsert(bson.M{"_id": doc.ID}, doc)
	}
	if _, err := bulk.Run(); err != nil {
		return errors.Annotate(err, "recording lineage events")
	}

	recordColl, closer := st.db.GetCollection(recordLineageC)
	defer closer()
	rollups := bulkRollups(events)
	recordBulk := recordColl.Bulk()
	for _, up := range rollups {
		recordBulk.Upsert(bson.M{"_id": up.id}, up.change)
	}
	if _, err := recordBulk.Run(); err != nil {
		return errors.Annotate(err, "updating lineage rollups")
	}
	return nil
}

type rollupUpdate struct {
	id     string
	change bson.M
}

// bulkRollups reduces a batch of events to one upsert per record:
// first-write-wins for the creation fields, last-write-wins for the
// modification fields and current status.
func bulkRollups(events []lineage.Event) []rollupUpdate {
	type agg struct {
		first lineage.Event
		last  lineage.Event
	}
	order := make([]string, 0, len(events))
	byRecord := make(map[string]*agg)
	for _, e := range events {
		id := lineageRecordDocID(e.Collection, e.RecordID)
		a, ok := byRecord[id]
		if !ok {
			byRecord[id] = &agg{first: e, last: e}
			order = append(order, id)
			continue
		}
		a.last = e
	}
	updates := make([]rollupUpdate, 0, len(byRecord))
	for _, id := range order {
		a := byRecord[id]
		updates = append(updates, rollupUpdate{
			id: id,
			change: bson.M{
				"$setOnInsert": bson.M{
					"collection":      a.first.Collection,
					"recordId":        a.first.RecordID,
					"createdByImport": a.first.ImportID,
					"createdAt":       a.first.EventDate,
				},
				"$set": bson.M{
					"currentStatus":        string(a.last.StatusAfter()),
					"lastModifiedByImport": a.last.ImportID,
					"lastModifiedAt":       a.last.EventDate,
				},
			},
		})
	}
	return updates
}

// RecordHistory returns one page of a record's lineage in chronological
// order along with the rollup and total event count.
func (st *State) RecordHistory(collection, recordID string, skip, top int) (*lineage.History, error) {
	recordColl, closer := st.db.GetCollection(recordLineageC)
	defer closer()
	var recordDoc lineageRecordDoc
	err := recordColl.FindId(lineageRecordDocID(collection, recordID)).One(&recordDoc)
	if err != nil {
		if isMgoNotFound(err) {
			return nil, errors.NotFoundf("lineage for record %q in %q", recordID, collection)
		}
		return nil, errors.Trace(err)
	}

	eventColl, closer := st.db.GetCollection(recordLineageEventsC)
	defer closer()
	query := bson.M{"collection": collection, "recordId": recordID}
	total, err := eventColl.Find(query).Count()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var eventDocs []lineageEventDoc
	err = eventColl.Find(query).Sort("eventDate", "_id").Skip(skip).Limit(top).All(&eventDocs)
	if err != nil {
		return nil, errors.Trace(err)
	}

	history := &lineage.History{
		Record: lineage.Record{
			Collection:           recordDoc.Collection,
			RecordID:             recordDoc.RecordID,
			CurrentStatus:        lineage.Status(recordDoc.CurrentStatus),
			CreatedByImport:      recordDoc.CreatedByImport,
			LastModifiedByImport: recordDoc.LastModifiedByImport,
			CreatedAt:            recordDoc.CreatedAt,
			LastModifiedAt:       recordDoc.LastModifiedAt,
		},
		TotalEvents: total,
		Events:      make([]lineage.Event, len(eventDocs)),
	}
	for i, doc := range eventDocs {
		history.Events[i] = eventFromDoc(doc)
	}
	return history, nil
}
