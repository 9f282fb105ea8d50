// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/ingest"
)

// phaseReportDoc mirrors ingest.PhaseReport. Field names must stay in sync
// with the bson annotations.
type phaseReportDoc struct {
	Status          string     `bson:"status"`
	StartedAt       *time.Time `bson:"startedAt,omitempty"`
	CompletedAt     *time.Time `bson:"completedAt,omitempty"`
	FilesDiscovered int        `bson:"filesDiscovered"`
	FilesProcessed  int        `bson:"filesProcessed"`
	FilesSkipped    int        `bson:"filesSkipped"`
	FilesFailed     int        `bson:"filesFailed"`
	RecordsCreated  int        `bson:"recordsCreated"`
	RecordsUpdated  int        `bson:"recordsUpdated"`
	RecordsDeleted  int        `bson:"recordsDeleted"`
}

type importReportDoc struct {
	ID          string         `bson:"_id"`
	SourceType  string         `bson:"sourceType"`
	Status      string         `bson:"status"`
	StartedAt   time.Time      `bson:"startedAt"`
	CompletedAt *time.Time     `bson:"completedAt,omitempty"`
	Error       string         `bson:"error,omitempty"`
	Acquisition phaseReportDoc `bson:"acquisition"`
	Ingestion   phaseReportDoc `bson:"ingestion"`
}

func phaseToDoc(p ingest.PhaseReport) phaseReportDoc {
	return phaseReportDoc{
		Status:          string(p.Status),
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
		FilesDiscovered: p.FilesDiscovered,
		FilesProcessed:  p.FilesProcessed,
		FilesSkipped:    p.FilesSkipped,
		FilesFailed:     p.FilesFailed,
		RecordsCreated:  p.RecordsCreated,
		RecordsUpdated:  p.RecordsUpdated,
		RecordsDeleted:  p.RecordsDeleted,
	}
}

func phaseFromDoc(doc phaseReportDoc) ingest.PhaseReport {
	return ingest.PhaseReport{
		Status:          ingest.PhaseStatus(doc.Status),
		StartedAt:       doc.StartedAt,
		CompletedAt:     doc.CompletedAt,
		FilesDiscovered: doc.FilesDiscovered,
		FilesProcessed:  doc.FilesProcessed,
		FilesSkipped:    doc.FilesSkipped,
		FilesFailed:     doc.FilesFailed,
		RecordsCreated:  doc.RecordsCreated,
		RecordsUpdated:  doc.RecordsUpdated,
		RecordsDeleted:  doc.RecordsDeleted,
	}
}

func importToDoc(r *ingest.ImportReport) importReportDoc {
	return importReportDoc{
		ID:          r.ID,
		SourceType:  string(r.SourceType),
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Acquisition: phaseToDoc(r.Acquisition),
		Ingestion:   phaseToDoc(r.Ingestion),
	}
}

func importFromDoc(doc importReportDoc) *ingest.ImportReport {
	return &ingest.ImportReport{
		ID:          doc.ID,
		SourceType:  ingest.SourceType(doc.SourceType),
		Status:      ingest.Status(doc.Status),
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
		Error:       doc.Error,
		Acquisition: phaseFromDoc(doc.Acquisition),
		Ingestion:   phaseFromDoc(doc.Ingestion),
	}
}

// SaveImportReport persists the full import aggregate. The import
// orchestrator is the single writer, so a whole-document upsert is safe.
func (st *State) SaveImportReport(r *ingest.ImportReport) error {
	coll, closer := st.db.GetCollection(importReportsC)
	defer closer()
	_, err := coll.UpsertId(r.ID, importToDoc(r))
	return errors.Annotatef(err, "saving import report %q", r.ID)
}

// ImportReport returns the import report with the given id.
func (st *State) ImportReport(id string) (*ingest.ImportReport, error) {
	coll, closer := st.db.GetCollection(importReportsC)
	defer closer()
	var doc importReportDoc
	if err := coll.FindId(id).One(&doc); err != nil {
		if isMgoNotFound(err) {
			return nil, errors.NotFoundf("import %q", id)
		}
		return nil, errors.Trace(err)
	}
	return importFromDoc(doc), nil
}

// ImportReports returns one page of import reports, most recent first,
// along with the total count.
func (st *State) ImportReports(skip, top int) ([]*ingest.ImportReport, int, error) {
	coll, closer := st.db.GetCollection(importReportsC)
	defer closer()
	total, err := coll.Count()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var docs []importReportDoc
	err = coll.Find(bson.M{}).Sort("-startedAt").Skip(skip).Limit(top).All(&docs)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	reports := make([]*ingest.ImportReport, len(docs))
	for i, doc := range docs {
		reports[i] = importFromDoc(doc)
	}
	return reports, total, nil
}

// RunningImports returns the number of imports currently in the Started
// state.
func (st *State) RunningImports() (int, error) {
	coll, closer := st.db.GetCollection(importReportsC)
	defer closer()
	n, err := coll.Find(bson.M{"status": string(ingest.StatusStarted)}).Count()
	return n, errors.Trace(err)
}
