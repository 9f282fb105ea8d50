// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/litp/apiserver/params"
	corecleanse "github.com/canonical/litp/core/cleanse"
	"github.com/canonical/litp/state"
)

func (srv *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	skip, top, err := parsePage(query, 10)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	filter, err := issueFilter(query)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	descending := false
	if raw := query.Get("sortDescending"); raw != "" {
		descending, err = strconv.ParseBool(raw)
		if err != nil {
			srv.sendError(w, errors.NotValidf("sortDescending %q", raw))
			return
		}
	}
	issues, total, err := srv.cfg.Store.ListIssues(filter, query.Get("sortBy"), descending, skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	list := params.IssueList{Total: total, Skip: skip, Top: top}
	for _, issue := range issues {
		list.Items = append(list.Items, params.FromIssue(issue))
	}
	srv.sendJSON(w, http.StatusOK, list)
}

func issueFilter(values url.Values) (state.IssueFilter, error) {
	filter := state.IssueFilter{
		CPH:              values.Get("cph"),
		IssueCode:        values.Get("issueCode"),
		RuleCode:         values.Get("ruleCode"),
		ErrorCode:        values.Get("errorCode"),
		ResolutionStatus: values.Get("resolutionStatus"),
		AssignedTo:       values.Get("assignedTo"),
	}
	var err error
	if filter.IsActive, err = boolParam(values, "isActive"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.IsIgnored, err = boolParam(values, "isIgnored"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.IsUnassigned, err = boolParam(values, "isUnassigned"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.CreatedAfter, err = timeParam(values, "createdAfterUtc"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.CreatedBefore, err = timeParam(values, "createdBeforeUtc"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.UpdatedAfter, err = timeParam(values, "updatedAfterUtc"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.UpdatedBefore, err = timeParam(values, "updatedBeforeUtc"); err != nil {
		return state.IssueFilter{}, errors.Trace(err)
	}
	if filter.ResolutionStatus != "" {
		if _, err := corecleanse.ParseResolutionStatus(filter.ResolutionStatus); err != nil {
			return state.IssueFilter{}, errors.Trace(err)
		}
	}
	return filter, nil
}

func (srv *Server) issueCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, command := vars["id"], vars["command"]

	var body params.IssueCommand
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		srv.sendError(w, errors.NotValidf("request body: %v", err))
		return
	}
	now := srv.cfg.Clock.Now().UTC()

	var err error
	switch command {
	case "ignore":
		err = srv.cfg.Store.SetIssueIgnored(id, true, body.PerformedBy, now)
	case "unignore":
		err = srv.cfg.Store.SetIssueIgnored(id, false, body.PerformedBy, now)
	case "assign":
		err = srv.cfg.Store.AssignIssue(id, body.Assignee, body.PerformedBy, now)
	case "unassign":
		err = srv.cfg.Store.UnassignIssue(id, body.PerformedBy, now)
	case "resolution-status":
		var status corecleanse.ResolutionStatus
		status, err = corecleanse.ParseResolutionStatus(body.ResolutionStatus)
		if err == nil {
			err = srv.cfg.Store.SetIssueResolutionStatus(id, status, body.PerformedBy, now)
		}
	default:
		err = errors.NotFoundf("issue command %q", command)
	}
	if err != nil {
		srv.sendError(w, err)
		return
	}
	issue, err := srv.cfg.Store.Issue(id)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	srv.sendJSON(w, http.StatusOK, params.FromIssue(issue))
}

func (srv *Server) issueHistory(w http.ResponseWriter, r *http.Request) {
	skip, top, err := parsePage(r.URL.Query(), 50)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	entries, total, err := srv.cfg.Store.IssueHistory(mux.Vars(r)["id"], skip, top)
	if err != nil {
		srv.sendError(w, err)
		return
	}
	list := params.HistoryList{Total: total, Skip: skip, Top: top}
	for _, entry := range entries {
		list.Items = append(list.Items, params.FromHistoryEntry(entry))
	}
	srv.sendJSON(w, http.StatusOK, list)
}
