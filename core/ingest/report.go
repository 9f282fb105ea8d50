// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingest holds the value types describing one end-to-end import:
// the root report, its two phase reports and the per-file reports.
package ingest

import (
	"time"

	"github.com/juju/errors"
)

// SourceType names where an import reads its files from.
type SourceType string

const (
	// SourceExternal imports encrypted snapshots published by the
	// external parties, running acquisition before ingestion.
	SourceExternal SourceType = "external"

	// SourceInternal ingests already-decrypted files from the internal
	// target store, skipping acquisition.
	SourceInternal SourceType = "internal"
)

// ParseSourceType validates a wire-level source type value.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceExternal:
		return SourceExternal, nil
	case SourceInternal:
		return SourceInternal, nil
	}
	return "", errors.NotValidf("source type %q", s)
}

// Status is the lifecycle state of an import.
type Status string

const (
	StatusStarted   Status = "Started"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// PhaseStatus is the lifecycle state of one import phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "NotStarted"
	PhaseStarted    PhaseStatus = "Started"
	PhaseCompleted  PhaseStatus = "Completed"
	PhaseFailed     PhaseStatus = "Failed"
)

// PhaseReport aggregates the outcome of one phase. Record counts are only
// populated on the ingestion phase.
type PhaseReport struct {
	Status      PhaseStatus
	StartedAt   *time.Time
	CompletedAt *time.Time

	FilesDiscovered int
	FilesProcessed  int
	FilesSkipped    int
	FilesFailed     int

	RecordsCreated int
	RecordsUpdated int
	RecordsDeleted int
}

// Start marks the phase started.
func (p *PhaseReport) Start(now time.Time) {
	p.Status = PhaseStarted
	p.StartedAt = &now
}

// Complete marks the phase finished. A phase with at least one processed
// file completes even when other files failed; it fails only when every
// discovered file failed.
func (p *PhaseReport) Complete(now time.Time) {
	if p.FilesDiscovered > 0 && p.FilesFailed == p.FilesDiscovered {
		p.Status = PhaseFailed
	} else {
		p.Status = PhaseCompleted
	}
	p.CompletedAt = &now
}

// Fail marks the phase failed outright.
func (p *PhaseReport) Fail(now time.Time) {
	p.Status = PhaseFailed
	p.CompletedAt = &now
}

// ImportReport is the root aggregate for one end-to-end import.
type ImportReport struct {
	ID          string
	SourceType  SourceType
	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string

	Acquisition PhaseReport
	Ingestion   PhaseReport
}

// NewImportReport returns a freshly started import report.
func NewImportReport(id string, source SourceType, now time.Time) *ImportReport {
	return &ImportReport{
		ID:         id,
		SourceType: source,
		Status:     StatusStarted,
		StartedAt:  now,
		Acquisition: PhaseReport{
			Status: PhaseNotStarted,
		},
		Ingestion: PhaseReport{
			Status: PhaseNotStarted,
		},
	}
}

// Complete moves the import to its terminal state.
func (r *ImportReport) Complete(now time.Time, err error) {
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	} else if r.Acquisition.Status == PhaseFailed || r.Ingestion.Status == PhaseFailed {
		r.Status = StatusFailed
	} else {
		r.Status = StatusCompleted
	}
	r.CompletedAt = &now
}

// FileStatus is the lifecycle state of one file within an import.
type FileStatus string

const (
	FileAcquired FileStatus = "Acquired"
	FileIngested FileStatus = "Ingested"
	FileFailed   FileStatus = "Failed"
	FileSkipped  FileStatus = "Skipped"
)

// AcquisitionDetail records the acquisition of one file.
type AcquisitionDetail struct {
	SourceKey          string
	DecryptionDuration time.Duration
	AcquiredAt         time.Time
}

// IngestionDetail records the ingestion of one file.
type IngestionDetail struct {
	RecordsProcessed  int
	RecordsCreated    int
	RecordsUpdated    int
	RecordsDeleted    int
	IngestionDuration time.Duration
	IngestedAt        time.Time
}

// FileProcessingReport is the per-(import, file) record. An ingestion
// detail implies an acquisition detail unless the import reads the internal
// store directly.
type FileProcessingReport struct {
	ImportID    string
	FileName    string
	FileKey     string
	DatasetName string
	MD5         string
	ETag        string
	FileSize    int64
	Status      FileStatus
	Acquisition *AcquisitionDetail
	Ingestion   *IngestionDetail
	Error       string
}
