// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/ingest"
)

type acquisitionDetailDoc struct {
	SourceKey            string    `bson:"sourceKey"`
	DecryptionDurationMS int64     `bson:"decryptionDurationMs"`
	AcquiredAt           time.Time `bson:"acquiredAt"`
}

type ingestionDetailDoc struct {
	RecordsProcessed    int       `bson:"recordsProcessed"`
	RecordsCreated      int       `bson:"recordsCreated"`
	RecordsUpdated      int       `bson:"recordsUpdated"`
	RecordsDeleted      int       `bson:"recordsDeleted"`
	IngestionDurationMS int64     `bson:"ingestionDurationMs"`
	IngestedAt          time.Time `bson:"ingestedAt"`
}

type fileReportDoc struct {
	ID          string                `bson:"_id"`
	ImportID    string                `bson:"importId"`
	FileName    string                `bson:"fileName"`
	FileKey     string                `bson:"fileKey"`
	DatasetName string                `bson:"datasetName"`
	MD5         string                `bson:"md5,omitempty"`
	ETag        string                `bson:"eTag"`
	FileSize    int64                 `bson:"fileSize"`
	Status      string                `bson:"status"`
	Acquisition *acquisitionDetailDoc `bson:"acquisition,omitempty"`
	Ingestion   *ingestionDetailDoc   `bson:"ingestion,omitempty"`
	Error       string                `bson:"error,omitempty"`
}

func fileReportDocID(importID, fileKey string) string {
	return importID + "#" + fileKey
}

func fileReportToDoc(r *ingest.FileProcessingReport) fileReportDoc {
	doc := fileReportDoc{
		ID:          fileReportDocID(r.ImportID, r.FileKey),
		ImportID:    r.ImportID,
		FileName:    r.FileName,
		FileKey:     r.FileKey,
		DatasetName: r.DatasetName,
		MD5:         r.MD5,
		ETag:        r.ETag,
		FileSize:    r.FileSize,
		Status:      string(r.Status),
		Error:       r.Error,
	}
	if r.Acquisition != nil {
		doc.Acquisition = &acquisitionDetailDoc{
			SourceKey:            r.Acquisition.SourceKey,
			DecryptionDurationMS: r.Acquisition.DecryptionDuration.Milliseconds(),
			AcquiredAt:           r.Acquisition.AcquiredAt,
		}
	}
	if r.Ingestion != nil {
		doc.Ingestion = &ingestionDetailDoc{
			RecordsProcessed:    r.Ingestion.RecordsProcessed,
			RecordsCreated:      r.Ingestion.RecordsCreated,
			RecordsUpdated:      r.Ingestion.RecordsUpdated,
			RecordsDeleted:      r.Ingestion.RecordsDeleted,
			IngestionDurationMS: r.Ingestion.IngestionDuration.Milliseconds(),
			IngestedAt:          r.Ingestion.IngestedAt,
		}
	}
	return doc
}

func fileReportFromDoc(doc fileReportDoc) *ingest.FileProcessingReport {
	r := &ingest.FileProcessingReport{
		ImportID:    doc.ImportID,
		FileName:    doc.FileName,
		FileKey:     doc.FileKey,
		DatasetName: doc.DatasetName,
		MD5:         doc.MD5,
		ETag:        doc.ETag,
		FileSize:    doc.FileSize,
		Status:      ingest.FileStatus(doc.Status),
		Error:       doc.Error,
	}
	if doc.Acquisition != nil {
		r.Acquisition = &ingest.AcquisitionDetail{
			SourceKey:          doc.Acquisition.SourceKey,
			DecryptionDuration: time.Duration(doc.Acquisition.DecryptionDurationMS) * time.Millisecond,
			AcquiredAt:         doc.Acquisition.AcquiredAt,
		}
	}
	if doc.Ingestion != nil {
		r.Ingestion = &ingest.IngestionDetail{
			RecordsProcessed:  doc.Ingestion.RecordsProcessed,
			RecordsCreated:    doc.Ingestion.RecordsCreated,
			RecordsUpdated:    doc.Ingestion.RecordsUpdated,
			RecordsDeleted:    doc.Ingestion.RecordsDeleted,
			IngestionDuration: time.Duration(doc.Ingestion.IngestionDurationMS) * time.Millisecond,
			IngestedAt:        doc.Ingestion.IngestedAt,
		}
	}
	return r
}

// SaveFileReport persists the per-(import, file) report, replacing any
// earlier snapshot written by a previous stage of the same import.
func (st *State) SaveFileReport(r *ingest.FileProcessingReport) error {
	coll, closer := st.db.GetCollection(importFilesC)
	defer closer()
	_, err := coll.UpsertId(fileReportDocID(r.ImportID, r.FileKey), fileReportToDoc(r))
	return errors.Annotatef(err, "saving file report for %q", r.FileKey)
}

// FileReport returns this import's report for the given file key, so the
// ingestion stage can extend the acquisition stage's document.
func (st *State) FileReport(importID, fileKey string) (*ingest.FileProcessingReport, error) {
	coll, closer := st.db.GetCollection(importFilesC)
	defer closer()
	var doc fileReportDoc
	if err := coll.FindId(fileReportDocID(importID, fileKey)).One(&doc); err != nil {
		if isMgoNotFound(err) {
			return nil, errors.NotFoundf("file report for %q in import %q", fileKey, importID)
		}
		return nil, errors.Trace(err)
	}
	return fileReportFromDoc(doc), nil
}

// FileReports returns one page of an import's file reports ordered by file
// key, along with the total count.
func (st *State) FileReports(importID string, skip, top int) ([]*ingest.FileProcessingReport, int, error) {
	coll, closer := st.db.GetCollection(importFilesC)
	defer closer()
	query := bson.M{"importId": importID}
	total, err := coll.Find(query).Count()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var docs []fileReportDoc
	if err := coll.Find(query).Sort("fileKey").Skip(skip).Limit(top).All(&docs); err != nil {
		return nil, 0, errors.Trace(err)
	}
	reports := make([]*ingest.FileProcessingReport, len(docs))
	for i, doc := range docs {
		reports[i] = fileReportFromDoc(doc)
	}
	return reports, total, nil
}

// AcquiredBefore reports whether the given file version has already been
// successfully acquired or ingested by any import.
func (st *State) AcquiredBefore(fileKey, eTag string) (bool, error) {
	return st.successfulReportExists(fileKey, eTag, []string{
		string(ingest.FileAcquired),
		string(ingest.FileIngested),
	})
}

// IngestedBefore reports whether the given file version has already been
// fully ingested by any import. This is the dedup decision the ingestion
// stage keys off.
func (st *State) IngestedBefore(fileKey, eTag string) (bool, error) {
	return st.successfulReportExists(fileKey, eTag, []string{
		string(ingest.FileIngested),
	})
}

func (st *State) successfulReportExists(fileKey, eTag string, statuses []string) (bool, error) {
	coll, closer := st.db.GetCollection(importFilesC)
	defer closer()
	n, err := coll.Find(bson.M{
		"fileKey": fileKey,
		"eTag":    eTag,
		"status":  bson.M{"$in": statuses},
	}).Count()
	if err != nil {
		return false, errors.Trace(err)
	}
	return n > 0, nil
}
