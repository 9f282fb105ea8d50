// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/lineage"
)

// Audit fields maintained on every stored record.
const (
	fieldCreatedAt = "CreatedAtUtc"
	fieldUpdatedAt = "UpdatedAtUtc"
	fieldIsDeleted = "IsDeleted"
	fieldDeletedAt = "DeletedAtUtc"
)

// Change types understood by the engine.
const (
	ChangeInsert = "I"
	ChangeUpdate = "U"
	ChangeDelete = "D"
)

// Row is one parsed CSV row addressed by its derived record id.
type Row struct {
	ID         string
	Columns    map[string]string
	ChangeType string
}

// normalChangeType folds the row's change type to its canonical form,
// defaulting to insert when blank.
func (r Row) normalChangeType() (string, error) {
	ct := strings.ToUpper(strings.TrimSpace(r.ChangeType))
	switch ct {
	case "":
		return ChangeInsert, nil
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return ct, nil
	}
	return "", errors.NotValidf("change type %q", r.ChangeType)
}

// Counts aggregates what a batch actually did.
type Counts struct {
	Created   int
	Updated   int
	Deleted   int
	Undeleted int
}

func (c *Counts) add(other Counts) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Undeleted += other.Undeleted
}

// Outcome describes the effect of one row, with the field-level pre and
// post images the lineage recorder needs. Rows that were no-ops produce
// no outcome.
type Outcome struct {
	RecordID   string
	Action     lineage.EventType
	ChangeType string
	Previous   map[string]interface{}
	New        map[string]interface{}
}

// rowPlan is the planned database effect of one row.
type rowPlan struct {
	outcome *Outcome
	insert  bson.M
	update  bson.M
	// after is the document state subsequent rows in the same batch
	// observe.
	after bson.M
}

// planRow decides, purely, what one row does to the current document
// state. existing is nil for an absent record.
func planRow(existing bson.M, row Row, accumulators set.Strings, now time.Time) (rowPlan, error) {
	ct, err := row.normalChangeType()
	if err != nil {
		return rowPlan{}, errors.Trace(err)
	}

	if existing == nil {
		if ct == ChangeDelete {
			return rowPlan{}, nil
		}
		doc := bson.M{
			"_id":          row.ID,
			fieldCreatedAt: now,
			fieldUpdatedAt: now,
			fieldIsDeleted: false,
		}
		newValues := make(map[string]interface{}, len(row.Columns))
		for col, val := range row.Columns {
			if accumulators.Contains(col) {
				doc[col] = []string{val}
				newValues[col] = []string{val}
			} else {
				doc[col] = val
				newValues[col] = val
			}
		}
		return rowPlan{
			outcome: &Outcome{
				RecordID:   row.ID,
				Action:     lineage.EventCreated,
				ChangeType: ct,
				New:        newValues,
			},
			insert: doc,
			after:  doc,
		}, nil
	}

	deleted, _ := existing[fieldIsDeleted].(bool)
	if deleted {
		if ct != ChangeUpdate {
			// Inserting or deleting an already-deleted record is a
			// no-op; in particular UpdatedAtUtc must not move.
			return rowPlan{}, nil
		}
		return planReplace(existing, row, ct, accumulators, now, true), nil
	}

	if ct == ChangeDelete {
		after := cloneDoc(existing)
		after[fieldIsDeleted] = true
		after[fieldDeletedAt] = now
		after[fieldUpdatedAt] = now
		return rowPlan{
			outcome: &Outcome{
				RecordID:   row.ID,
				Action:     lineage.EventDeleted,
				ChangeType: ct,
				Previous:   map[string]interface{}{fieldIsDeleted: false},
			},
			update: bson.M{"$set": bson.M{
				fieldIsDeleted: true,
				fieldDeletedAt: now,
				fieldUpdatedAt: now,
			}},
			after: after,
		}, nil
	}

	return planReplace(existing, row, ct, accumulators, now, false), nil
}

// planReplace builds the column-replacing update shared by the
// active-update and deleted-undelete transitions.
func planReplace(existing bson.M, row Row, ct string, accumulators set.Strings, now time.Time, undelete bool) rowPlan {
	setDoc := bson.M{fieldUpdatedAt: now}
	previous := make(map[string]interface{})
	newValues := make(map[string]interface{})
	after := cloneDoc(existing)

	for col, val := range row.Columns {
		if accumulators.Contains(col) {
			merged := accumulate(existing[col], val)
			if !equalStrings(existingStrings(existing[col]), merged) {
				previous[col] = existing[col]
				newValues[col] = merged
			}
			setDoc[col] = merged
			after[col] = merged
			continue
		}
		if prev, ok := existing[col]; !ok || prev != val {
			if ok {
				previous[col] = prev
			}
			newValues[col] = val
		}
		setDoc[col] = val
		after[col] = val
	}
	after[fieldUpdatedAt] = now

	update := bson.M{"$set": setDoc}
	action := lineage.EventUpdated
	if undelete {
		action = lineage.EventUndeleted
		setDoc[fieldIsDeleted] = false
		update["$unset"] = bson.M{fieldDeletedAt: ""}
		previous[fieldIsDeleted] = true
		newValues[fieldIsDeleted] = false
		after[fieldIsDeleted] = false
		delete(after, fieldDeletedAt)
	}
	return rowPlan{
		outcome: &Outcome{
			RecordID:   row.ID,
			Action:     action,
			ChangeType: ct,
			Previous:   previous,
			New:        newValues,
		},
		update: update,
		after:  after,
	}
}

// accumulate merges a new value into an accumulator array with set
// semantics, preserving first-seen order.
func accumulate(existing interface{}, value string) []string {
	current := existingStrings(existing)
	for _, v := range current {
		if v == value {
			return current
		}
	}
	return append(current, value)
}

func existingStrings(v interface{}) []string {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...)
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vs}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneDoc(doc bson.M) bson.M {
	clone := make(bson.M, len(doc))
	for k, v := range doc {
		clone[k] = v
	}
	return clone
}

// DatasetStore gives the engine access to a dataset's record collection.
type DatasetStore interface {
	DatasetCollection(name string) (*mgo.Collection, func(), error)
}

// UpsertEngine applies change-type semantics to batches of rows with a
// single ordered bulk write per batch.
type UpsertEngine struct {
	st DatasetStore
}

// NewUpsertEngine returns an engine writing through the given store.
func NewUpsertEngine(st DatasetStore) *UpsertEngine {
	return &UpsertEngine{st: st}
}

// Apply runs one batch against the named collection in input order and
// returns what happened to each record. Rows later in the batch observe
// the effects of earlier rows with the same record id.
func (e *UpsertEngine) Apply(collection string, rows []Row, accumulators set.Strings, now time.Time) (Counts, []Outcome, error) {
	if len(rows) == 0 {
		return Counts{}, nil, nil
	}
	coll, closer, err := e.st.DatasetCollection(collection)
	if err != nil {
		return Counts{}, nil, errors.Trace(err)
	}
	defer closer()

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var existingDocs []bson.M
	if err := coll.Find(bson.M{"_id": bson.M{"$in": ids}}).All(&existingDocs); err != nil {
		return Counts{}, nil, errors.Annotatef(err, "loading current state of %d records", len(ids))
	}
	current := make(map[string]bson.M, len(existingDocs))
	for _, doc := range existingDocs {
		if id, ok := doc["_id"].(string); ok {
			current[id] = doc
		}
	}

	var counts Counts
	var outcomes []Outcome
	bulk := coll.Bulk()
	pending := 0
	for _, row := range rows {
		plan, err := planRow(current[row.ID], row, accumulators, now)
		if err != nil {
			return Counts{}, nil, errors.Annotatef(err, "record %q", row.ID)
		}
		if plan.outcome == nil {
			continue
		}
		switch plan.outcome.Action {
		case lineage.EventCreated:
			counts.Created++
			bulk.Insert(plan.insert)
		case lineage.EventUpdated:
			counts.Updated++
			bulk.Update(bson.M{"_id": row.ID}, plan.update)
		case lineage.EventDeleted:
			counts.Deleted++
			bulk.Update(bson.M{"_id": row.ID}, plan.update)
		case lineage.EventUndeleted:
			counts.Undeleted++
			bulk.Update(bson.M{"_id": row.ID}, plan.update)
		}
		pending++
		current[row.ID] = plan.after
		outcomes = append(outcomes, *plan.outcome)
	}
	if pending == 0 {
		return counts, outcomes, nil
	}
	if _, err := bulk.Run(); err != nil {
		return Counts{}, nil, errors.Annotatef(err, "applying batch of %d rows to %q", len(rows), collection)
	}
	return counts, outcomes, nil
}
