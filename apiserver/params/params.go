// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire-level request and response types of the
// litpd HTTP API.
package params

import (
	"time"

	"github.com/canonical/litp/core/cleanse"
	"github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/core/lineage"
)

// Error is the shared error envelope.
type Error struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StartImportResponse acknowledges an accepted import.
type StartImportResponse struct {
	ImportID   string    `json:"importId"`
	SourceType string    `json:"sourceType"`
	StartedAt  time.Time `json:"startedAt"`
}

// PhaseReport mirrors one import phase.
type PhaseReport struct {
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FilesDiscovered int        `json:"filesDiscovered"`
	FilesProcessed  int        `json:"filesProcessed"`
	FilesSkipped    int        `json:"filesSkipped"`
	FilesFailed     int        `json:"filesFailed"`
	RecordsCreated  int        `json:"recordsCreated"`
	RecordsUpdated  int        `json:"recordsUpdated"`
	RecordsDeleted  int        `json:"recordsDeleted"`
}

// ImportReport mirrors one import aggregate.
type ImportReport struct {
	ImportID    string      `json:"importId"`
	SourceType  string      `json:"sourceType"`
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Error       string      `json:"error,omitempty"`
	Acquisition PhaseReport `json:"acquisition"`
	Ingestion   PhaseReport `json:"ingestion"`
}

// ImportList is one page of import reports.
type ImportList struct {
	Total int            `json:"total"`
	Skip  int            `json:"skip"`
	Top   int            `json:"top"`
	Items []ImportReport `json:"items"`
}

// AcquisitionDetail mirrors the acquisition of one file.
type AcquisitionDetail struct {
	SourceKey            string    `json:"sourceKey"`
	DecryptionDurationMS int64     `json:"decryptionDurationMs"`
	AcquiredAt           time.Time `json:"acquiredAt"`
}

// IngestionDetail mirrors the ingestion of one file.
type IngestionDetail struct {
	RecordsProcessed    int       `json:"recordsProcessed"`
	RecordsCreated      int       `json:"recordsCreated"`
	RecordsUpdated      int       `json:"recordsUpdated"`
	RecordsDeleted      int       `json:"recordsDeleted"`
	IngestionDurationMS int64     `json:"ingestionDurationMs"`
	IngestedAt          time.Time `json:"ingestedAt"`
}

// FileReport mirrors one per-(import, file) record.
type FileReport struct {
	FileName    string             `json:"fileName"`
	FileKey     string             `json:"fileKey"`
	DatasetName string             `json:"datasetName,omitempty"`
	MD5         string             `json:"md5,omitempty"`
	ETag        string             `json:"eTag"`
	FileSize    int64              `json:"fileSize"`
	Status      string             `json:"status"`
	Acquisition *AcquisitionDetail `json:"acquisition,omitempty"`
	Ingestion   *IngestionDetail   `json:"ingestion,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// FileReportList is one page of an import's file reports.
type FileReportList struct {
	Total int          `json:"total"`
	Skip  int          `json:"skip"`
	Top   int          `json:"top"`
	Items []FileReport `json:"items"`
}

// ClearDownResult reports a targeted clear-down.
type ClearDownResult struct {
	Name    string `json:"name"`
	Removed int    `json:"removed"`
}

// BulkClearDownResult reports a bulk clear-down, per collection.
type BulkClearDownResult struct {
	Removed map[string]int `json:"removed"`
	Total   int            `json:"total"`
}

// StartAnalysisResponse acknowledges an accepted analysis run.
type StartAnalysisResponse struct {
	OperationID  string    `json:"operationId"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	StartedAtUtc time.Time `json:"startedAtUtc"`
}

// Operation mirrors one analysis operation.
type Operation struct {
	OperationID       string     `json:"operationId"`
	Status            string     `json:"status"`
	StartedAtUtc      time.Time  `json:"startedAtUtc"`
	CompletedAtUtc    *time.Time `json:"completedAtUtc,omitempty"`
	ProgressPct       float64    `json:"progressPct"`
	StatusDescription string     `json:"statusDescription,omitempty"`
	RecordsAnalyzed   int        `json:"recordsAnalyzed"`
	TotalRecords      int        `json:"totalRecords"`
	IssuesFound       int        `json:"issuesFound"`
	IssuesResolved    int        `json:"issuesResolved"`
	DurationMS        int64      `json:"durationMs"`
	Error             string     `json:"error,omitempty"`
	ReportURL         string     `json:"reportUrl,omitempty"`
}

// OperationList is one page of analysis operations.
type OperationList struct {
	Total int         `json:"total"`
	Skip  int         `json:"skip"`
	Top   int         `json:"top"`
	Items []Operation `json:"items"`
}

// RegenerateURLResponse carries a freshly signed report URL.
type RegenerateURLResponse struct {
	OperationID string `json:"operationId"`
	ReportURL   string `json:"reportUrl"`
}

// Issue mirrors one data-quality issue.
type Issue struct {
	ID                   string            `json:"id"`
	Code                 string            `json:"code"`
	RuleCode             string            `json:"ruleCode,omitempty"`
	ErrorCode            string            `json:"errorCode,omitempty"`
	CtsLidFullIdentifier string            `json:"ctsLidFullIdentifier"`
	CPH                  string            `json:"cph"`
	CreatedAtUtc         time.Time         `json:"createdAtUtc"`
	LastUpdatedAtUtc     time.Time         `json:"lastUpdatedAtUtc"`
	IsActive             bool              `json:"isActive"`
	IsIgnored            bool              `json:"isIgnored"`
	ResolutionStatus     string            `json:"resolutionStatus"`
	AssignedTo           string            `json:"assignedTo,omitempty"`
	ContextData          map[string]string `json:"contextData,omitempty"`
}

// IssueList is one page of issues.
type IssueList struct {
	Total int     `json:"total"`
	Skip  int     `json:"skip"`
	Top   int     `json:"top"`
	Items []Issue `json:"items"`
}

// IssueCommand is the body of the issue workflow commands. PerformedBy is
// always required; Assignee and ResolutionStatus matter only to the
// commands that read them.
type IssueCommand struct {
	PerformedBy      string `json:"performedBy"`
	Assignee         string `json:"assignee,omitempty"`
	ResolutionStatus string `json:"resolutionStatus,omitempty"`
}

// HistoryEntry mirrors one issue audit record.
type HistoryEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Before    map[string]string `json:"before,omitempty"`
	After     map[string]string `json:"after,omitempty"`
}

// HistoryList is one page of an issue's history.
type HistoryList struct {
	Total int            `json:"total"`
	Skip  int            `json:"skip"`
	Top   int            `json:"top"`
	Items []HistoryEntry `json:"items"`
}

// FromPhaseReport converts a core phase report.
func FromPhaseReport(p ingest.PhaseReport) PhaseReport {
	return PhaseReport{
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

// FromImportReport converts a core import report.
func FromImportReport(r *ingest.ImportReport) ImportReport {
	return ImportReport{
		ImportID:    r.ID,
		SourceType:  string(r.SourceType),
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Acquisition: FromPhaseReport(r.Acquisition),
		Ingestion:   FromPhaseReport(r.Ingestion),
	}
}

// FromFileReport converts a core file report.
func FromFileReport(r *ingest.FileProcessingReport) FileReport {
	out := FileReport{
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
		out.Acquisition = &AcquisitionDetail{
			SourceKey:            r.Acquisition.SourceKey,
			DecryptionDurationMS: r.Acquisition.DecryptionDuration.Milliseconds(),
			AcquiredAt:           r.Acquisition.AcquiredAt,
		}
	}
	if r.Ingestion != nil {
		out.Ingestion = &IngestionDetail{
			RecordsProcessed:    r.Ingestion.RecordsProcessed,
			RecordsCreated:      r.Ingestion.RecordsCreated,
			RecordsUpdated:      r.Ingestion.RecordsUpdated,
			RecordsDeleted:      r.Ingestion.RecordsDeleted,
			IngestionDurationMS: r.Ingestion.IngestionDuration.Milliseconds(),
			IngestedAt:          r.Ingestion.IngestedAt,
		}
	}
	return out
}

// FromOperation converts a core analysis operation.
func FromOperation(op *cleanse.Operation) Operation {
	return Operation{
		OperationID:       op.ID,
		Status:            string(op.Status),
		StartedAtUtc:      op.StartedAt,
		CompletedAtUtc:    op.CompletedAt,
		ProgressPct:       op.ProgressPct,
		StatusDescription: op.StatusDescription,
		RecordsAnalyzed:   op.RecordsAnalyzed,
		TotalRecords:      op.TotalRecords,
		IssuesFound:       op.IssuesFound,
		IssuesResolved:    op.IssuesResolved,
		DurationMS:        op.Duration.Milliseconds(),
		Error:             op.Error,
		ReportURL:         op.ReportURL,
	}
}

// FromIssue converts a core issue.
func FromIssue(issue *cleanse.Issue) Issue {
	return Issue{
		ID:                   issue.ID,
		Code:                 issue.Code,
		RuleCode:             issue.RuleCode,
		ErrorCode:            issue.ErrorCode,
		CtsLidFullIdentifier: issue.CtsLidFullIdentifier,
		CPH:                  issue.CPH,
		CreatedAtUtc:         issue.CreatedAt,
		LastUpdatedAtUtc:     issue.LastUpdatedAt,
		IsActive:             issue.IsActive,
		IsIgnored:            issue.IsIgnored,
		ResolutionStatus:     string(issue.ResolutionStatus),
		AssignedTo:           issue.AssignedTo,
		ContextData:          issue.ContextData,
	}
}

// FromHistoryEntry converts a core history entry.
func FromHistoryEntry(entry cleanse.HistoryEntry) HistoryEntry {
	return HistoryEntry{
		Timestamp: entry.Timestamp,
		Actor:     entry.Actor,
		Action:    entry.Action,
		Before:    entry.Before,
		After:     entry.After,
	}
}

// RecordHistory mirrors a record's lineage for diagnostic endpoints.
type RecordHistory struct {
	Collection  string         `json:"collection"`
	RecordID    string         `json:"recordId"`
	Status      string         `json:"status"`
	TotalEvents int            `json:"totalEvents"`
	Events      []LineageEvent `json:"events"`
}

// LineageEvent mirrors one lineage event.
type LineageEvent struct {
	Type           string                 `json:"type"`
	ImportID       string                 `json:"importId"`
	FileKey        string                 `json:"fileKey,omitempty"`
	EventDate      time.Time              `json:"eventDate"`
	ChangeType     string                 `json:"changeType,omitempty"`
	PreviousValues map[string]interface{} `json:"previousValues,omitempty"`
	NewValues      map[string]interface{} `json:"newValues,omitempty"`
}

// FromRecordHistory converts a core lineage history.
func FromRecordHistory(h *lineage.History) RecordHistory {
	out := RecordHistory{
		Collection:  h.Record.Collection,
		RecordID:    h.Record.RecordID,
		Status:      string(h.Record.CurrentStatus),
		TotalEvents: h.TotalEvents,
		Events:      make([]LineageEvent, len(h.Events)),
	}
	for i, event := range h.Events {
		out.Events[i] = LineageEvent{
			Type:           string(event.Type),
			ImportID:       event.ImportID,
			FileKey:        event.FileKey,
			EventDate:      event.EventDate,
			ChangeType:     event.ChangeType,
			PreviousValues: event.PreviousValues,
			NewValues:      event.NewValues,
		}
	}
	return out
}
