// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the platform over HTTP: import control and
// reporting, cleanse analysis control, issue workflow and metrics.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/litp/apiserver/params"
	corecleanse "github.com/canonical/litp/core/cleanse"
	coreingest "github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/core/lineage"
	"github.com/canonical/litp/internal/lease"
	"github.com/canonical/litp/internal/mail"
	"github.com/canonical/litp/state"
)

var logger = loggo.GetLogger("litp.apiserver")

// statusClientClosedRequest is the non-standard status for requests the
// client abandoned, following the nginx convention.
const statusClientClosedRequest = 499

// ImportService starts imports.
type ImportService interface {
	StartImport(source coreingest.SourceType) (*coreingest.ImportReport, error)
}

// AnalysisService starts analyses and refreshes report URLs.
type AnalysisService interface {
	StartAnalysis() (*corecleanse.Operation, error)
	RegenerateReportURL(id string) (string, error)
}

// Store is the slice of persisted state the API reads and administers.
type Store interface {
	ImportReport(id string) (*coreingest.ImportReport, error)
	ImportReports(skip, top int) ([]*coreingest.ImportReport, int, error)
	FileReports(importID string, skip, top int) ([]*coreingest.FileProcessingReport, int, error)
	RecordHistory(collection, recordID string, skip, top int) (*lineage.History, error)

	ClearDatasetData(name string) (int, error)
	ClearAllDatasetData() (map[string]int, error)
	ClearReportingCollection(name string) (int, error)
	ClearReportingCollections() (map[string]int, error)
	ClearCleanseData() (int, error)
	ClearCleanseMetadata() (int, error)

	Operation(id string) (*corecleanse.Operation, error)
	Operations(skip, top int) ([]*corecleanse.Operation, int, error)

	Issue(id string) (*corecleanse.Issue, error)
	ListIssues(filter state.IssueFilter, sortBy string, descending bool, skip, top int) ([]*corecleanse.Issue, int, error)
	IssueHistory(id string, skip, top int) ([]corecleanse.HistoryEntry, int, error)
	SetIssueIgnored(id string, ignored bool, actor string, now time.Time) error
	AssignIssue(id, assignee, actor string, now time.Time) error
	UnassignIssue(id, actor string, now time.Time) error
	SetIssueResolutionStatus(id string, status corecleanse.ResolutionStatus, actor string, now time.Time) error
}

// Config carries the server's collaborators.
type Config struct {
	Imports ImportService
	Cleanse AnalysisService
	Store   Store
	Mail    mail.Sink
	Clock   clock.Clock
}

// Server is the litpd HTTP API.
type Server struct {
	cfg    Config
	router *mux.Router
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	srv := &Server{cfg: cfg}
	srv.router = srv.routes()
	return srv
}

// Handler returns the root handler.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

func (srv *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(srv.logRequests)

	r.HandleFunc("/import/start", srv.startImport).Methods("POST")
	r.HandleFunc("/import", srv.listImports).Methods("GET")
	r.HandleFunc("/import/collections", srv.clearAllDatasets).Methods("DELETE")
	r.HandleFunc("/import/collections/{name}", srv.clearDataset).Methods("DELETE")
	r.HandleFunc("/import/reporting-collections", srv.clearAllReporting).Methods("DELETE")
	r.HandleFunc("/import/reporting-collections/{name}", srv.clearReporting).Methods("DELETE")
	r.HandleFunc("/import/{importId}", srv.getImport).Methods("GET")
	r.HandleFunc("/import/{importId}/files", srv.listImportFiles).Methods("GET")

	r.HandleFunc("/lineage/{collection}/{recordId}", srv.getRecordHistory).Methods("GET")

	r.HandleFunc("/cleanse/start-analysis", srv.startAnalysis).Methods("POST")
	r.HandleFunc("/cleanse/delete-data", srv.deleteCleanseData).Methods("POST")
	r.HandleFunc("/cleanse/delete-metadata", srv.deleteCleanseMetadata).Methods("POST")
	r.HandleFunc("/cleanse/runs", srv.listOperations).Methods("GET")
	r.HandleFunc("/cleanse/run/{id}", srv.getOperation).Methods("GET")
	r.HandleFunc("/cleanse/run/{id}/regenerate-url", srv.regenerateURL).Methods("POST")
	r.HandleFunc("/cleanse/issues", srv.listIssues).Methods("GET")
	r.HandleFunc("/cleanse/issues/{id}/history", srv.issueHistory).Methods("GET")
	r.HandleFunc("/cleanse/issues/{id}/{command}", srv.issueCommand).Methods("POST")
	r.HandleFunc("/cleanse/test-notification", srv.testNotification).Methods("POST")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := srv.cfg.Clock.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s (%s)", r.Method, r.URL.Path, srv.cfg.Clock.Now().Sub(started))
	})
}

// sendJSON writes a JSON response body.
func (srv *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warningf("writing response: %v", err)
	}
}

// sendError maps an error onto the shared envelope and status code.
func (srv *Server) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lease.ErrHeld):
		status = http.StatusConflict
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = statusClientClosedRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	srv.sendJSON(w, status, params.Error{
		Message:   err.Error(),
		Timestamp: srv.cfg.Clock.Now().UTC(),
	})
}
