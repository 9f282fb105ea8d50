// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/litp/apiserver/params"
	coreingest "github.com/canonical/litp/core/ingest"
)

func (srv *Server) startImport(w http.ResponseWriter, r *http.Request) {
	source, err := coreingest.ParseSourceType(r.URL.Query().Get("sourceType"))
	if err != nil {
		srv.sendError(w, err)
		return
	}
	report, err := srv.cfg.Imports.StartImport(source)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusAccepted, params.StartImportResponse{
		ImportID:   report.ID,
		SourceType: string(report.SourceType),
		StartedAt:  report.StartedAt,
	})
}

func (srv *Server) listImports(w http.ResponseWriter, r *http.Request) {
	skip, top, err := parsePage(r.URL.Query(), 10)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	reports, total, err := srv.cfg.Store.ImportReports(skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	list := params.ImportList{Total: total, Skip: skip, Top: top}
	for _, report := range reports {
		list.Items = append(list.Items, params.FromImportReport(report))
	}
	srv.sendJSON(w, http.StatusOK, list)
}

func (srv *Server) getImport(w http.ResponseWriter, r *http.Request) {
	report, err := srv.cfg.Store.ImportReport(mux.Vars(r)["importId"])
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusOK, params.FromImportReport(report))
}

func (srv *Server) listImportFiles(w http.ResponseWriter, r *http.Request) {
	importID := mux.Vars(r)["importId"]
	skip, top, err := parsePage(r.URL.Query(), 50)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	// An import with no file reports yet lists as an empty page; only an
	// unknown import is a 404.
	if _, err := srv.cfg.Store.ImportReport(importID); err != nil {
		srv.sendError(w, err)
		return
	}
	reports, total, err := srv.cfg.Store.FileReports(importID, skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	list := params.FileReportList{Total: total, Skip: skip, Top: top}
	for _, report := range reports {
		list.Items = append(list.Items, params.FromFileReport(report))
	}
	srv.sendJSON(w, http.StatusOK, list)
}

func (srv *Server) getRecordHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	skip, top, err := parsePage(r.URL.Query(), 50)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	history, err := srv.cfg.Store.RecordHistory(vars["collection"], vars["recordId"], skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusOK, params.FromRecordHistory(history))
}

func (srv *Server) clearDataset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	removed, err := srv.cfg.Store.ClearDatasetData(name)
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, params.ClearDownResult{Name: name, Removed: removed})
}

func (srv *Server) clearAllDatasets(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.cfg.Store.ClearAllDatasetData()
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, bulkResult(removed))
}

func (srv *Server) clearReporting(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	removed, err := srv.cfg.Store.ClearReportingCollection(name)
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, params.ClearDownResult{Name: name, Removed: removed})
}

func (srv *Server) clearAllReporting(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.cfg.Store.ClearReportingCollections()
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, bulkResult(removed))
}

func bulkResult(removed map[string]int) params.BulkClearDownResult {
	result := params.BulkClearDownResult{Removed: removed}
	for _, n := range removed {
		result.Total += n
	}
	return result
}
