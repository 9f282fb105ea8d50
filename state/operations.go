// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/cleanse"
)

type operationDoc struct {
	ID                string     `bson:"_id"`
	Status            string     `bson:"status"`
	StartedAt         time.Time  `bson:"startedAt"`
	CompletedAt       *time.Time `bson:"completedAt,omitempty"`
	ProgressPct       float64    `bson:"progressPct"`
	StatusDescription string     `bson:"statusDescription,omitempty"`
	RecordsAnalyzed   int        `bson:"recordsAnalyzed"`
	TotalRecords      int        `bson:"totalRecords"`
	IssuesFound       int        `bson:"issuesFound"`
	IssuesResolved    int        `bson:"issuesResolved"`
	DurationMS        int64      `bson:"durationMs,omitempty"`
	Error             string     `bson:"error,omitempty"`
	ReportObjectKey   string     `bson:"reportObjectKey,omitempty"`
	ReportURL         string     `bson:"reportUrl,omitempty"`
}

func operationToDoc(op *cleanse.Operation) operationDoc {
	return operationDoc{
		ID:                op.ID,
		Status:            string(op.Status),
		StartedAt:         op.StartedAt,
		CompletedAt:       op.CompletedAt,
		ProgressPct:       op.ProgressPct,
		StatusDescription: op.StatusDescription,
		RecordsAnalyzed:   op.RecordsAnalyzed,
		TotalRecords:      op.TotalRecords,
		IssuesFound:       op.IssuesFound,
		IssuesResolved:    op.IssuesResolved,
		DurationMS:        op.Duration.Milliseconds(),
		Error:             op.Error,
		ReportObjectKey:   op.ReportObjectKey,
		ReportURL:         op.ReportURL,
	}
}

func operationFromDoc(doc operationDoc) *cleanse.Operation {
	return &cleanse.Operation{
		ID:                doc.ID,
		Status:            cleanse.OperationStatus(doc.Status),
		StartedAt:         doc.StartedAt,
		CompletedAt:       doc.CompletedAt,
		ProgressPct:       doc.ProgressPct,
		StatusDescription: doc.StatusDescription,
		RecordsAnalyzed:   doc.RecordsAnalyzed,
		TotalRecords:      doc.TotalRecords,
		IssuesFound:       doc.IssuesFound,
		IssuesResolved:    doc.IssuesResolved,
		Duration:          time.Duration(doc.DurationMS) * time.Millisecond,
		Error:             doc.Error,
		ReportObjectKey:   doc.ReportObjectKey,
		ReportURL:         doc.ReportURL,
	}
}

// SaveOperation persists the full analysis operation. The cleanse
// orchestrator is the single writer under the analysis lock, so a
// whole-document upsert is safe.
func (st *State) SaveOperation(op *cleanse.Operation) error {
	coll, closer := st.db.GetCollection(cleanseOperationsC)
	defer closer()
	_, err := coll.UpsertId(op.ID, operationToDoc(op))
	return errors.Annotatef(err, "saving analysis operation %q", op.ID)
}

// Operation returns the analysis operation with the given id.
func (st *State) Operation(id string) (*cleanse.Operation, error) {
	coll, closer := st.db.GetCollection(cleanseOperationsC)
	defer closer()
	var doc operationDoc
	if err := coll.FindId(id).One(&doc); err != nil {
		if isMgoNotFound(err) {
			return nil, errors.NotFoundf("analysis operation %q", id)
		}
		return nil, errors.Trace(err)
	}
	return operationFromDoc(doc), nil
}

// Operations returns one page of analysis operations, most recent first,
// along with the total count.
func (st *State) Operations(skip, top int) ([]*cleanse.Operation, int, error) {
	coll, closer := st.db.GetCollection(cleanseOperationsC)
	defer closer()
	total, err := coll.Count()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var docs []operationDoc
	err = coll.Find(bson.M{}).Sort("-startedAt").Skip(skip).Limit(top).All(&docs)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	ops := make([]*cleanse.Operation, len(docs))
	for i, doc := range docs {
		ops[i] = operationFromDoc(doc)
	}
	return ops, total, nil
}

// SetOperationReportURL records a freshly generated presigned URL against
// a finished operation.
func (st *State) SetOperationReportURL(id, url string) error {
	coll, closer := st.db.GetCollection(cleanseOperationsC)
	defer closer()
	err := coll.UpdateId(id, bson.M{"$set": bson.M{"reportUrl": url}})
	if isMgoNotFound(err) {
		return errors.NotFoundf("analysis operation %q", id)
	}
	return errors.Trace(err)
}
