// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/litp/apiserver/params"
)

func (srv *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	op, err := srv.cfg.Cleanse.StartAnalysis()
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusAccepted, params.StartAnalysisResponse{
		OperationID:  op.ID,
		Status:       string(op.Status),
		Message:      "Cleanse analysis started",
		StartedAtUtc: op.StartedAt,
	})
}

func (srv *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	skip, top, err := parsePage(r.URL.Query(), 10)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	ops, total, err := srv.cfg.Store.Operations(skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	list := params.OperationList{Total: total, Skip: skip, Top: top}
	for _, op := range ops {
		list.Items = append(list.Items, params.FromOperation(op))
	}
	srv.sendJSON(w, http.StatusOK, list)
}

func (srv *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := srv.cfg.Store.Operation(mux.Vars(r)["id"])
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusOK, params.FromOperation(op))
}

func (srv *Server) regenerateURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	url, err := srv.cfg.Cleanse.RegenerateReportURL(id)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusOK, params.RegenerateURLResponse{
		OperationID: id,
		ReportURL:   url,
	})
}

func (srv *Server) deleteCleanseData(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.cfg.Store.ClearCleanseData()
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, params.ClearDownResult{Name: "cleanse-data", Removed: removed})
}

func (srv *Server) deleteCleanseMetadata(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.cfg.Store.ClearCleanseMetadata()
	if err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	srv.sendJSON(w, http.StatusOK, params.ClearDownResult{Name: "cleanse-metadata", Removed: removed})
}

// testNotificationAddr is where operator test notifications go; the real
// recipient list is only used for analysis reports.
const testNotificationAddr = "test@example.com"

func (srv *Server) testNotification(w http.ResponseWriter, r *http.Request) {
	if err := srv.cfg.Mail.SendTest(r.Context(), testNotificationAddr); err != nil {
		srv.sendError(w, errors.Trace(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
