// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/canonical/litp/core/cleanse"
)

type issueDoc struct {
	ID                   string            `bson:"_id"`
	Code                 string            `bson:"code"`
	RuleCode             string            `bson:"ruleCode,omitempty"`
	ErrorCode            string            `bson:"errorCode,omitempty"`
	CtsLidFullIdentifier string            `bson:"ctsLidFullIdentifier"`
	CPH                  string            `bson:"cph"`
	CreatedAt            time.Time         `bson:"createdAt"`
	LastUpdatedAt        time.Time         `bson:"lastUpdatedAt"`
	IsActive             bool              `bson:"isActive"`
	IsIgnored            bool              `bson:"isIgnored"`
	ResolutionStatus     string            `bson:"resolutionStatus"`
	AssignedTo           string            `bson:"assignedTo,omitempty"`
	ContextData          map[string]string `bson:"contextData,omitempty"`
}

type issueHistoryDoc struct {
	ID        bson.ObjectId     `bson:"_id"`
	IssueID   string            `bson:"issueId"`
	Timestamp time.Time         `bson:"timestamp"`
	Actor     string            `bson:"actor"`
	Action    string            `bson:"action"`
	Before    map[string]string `bson:"before,omitempty"`
	After     map[string]string `bson:"after,omitempty"`
}

func issueFromDoc(doc issueDoc) *cleanse.Issue {
	return &cleanse.Issue{
		ID:                   doc.ID,
		Code:                 doc.Code,
		RuleCode:             doc.RuleCode,
		ErrorCode:            doc.ErrorCode,
		CtsLidFullIdentifier: doc.CtsLidFullIdentifier,
		CPH:                  doc.CPH,
		CreatedAt:            doc.CreatedAt,
		LastUpdatedAt:        doc.LastUpdatedAt,
		IsActive:             doc.IsActive,
		IsIgnored:            doc.IsIgnored,
		ResolutionStatus:     cleanse.ResolutionStatus(doc.ResolutionStatus),
		AssignedTo:           doc.AssignedTo,
		ContextData:          doc.ContextData,
	}
}

// SystemActor is recorded on history entries written by the analysis
// itself rather than an operator.
const SystemActor = "cleanse-analysis"

// UpsertEffect describes what UpsertIssue actually did.
type UpsertEffect string

const (
	// IssueInserted means the issue did not exist and was created.
	IssueInserted UpsertEffect = "inserted"
	// IssueReactivated means an inactive issue was made active again.
	IssueReactivated UpsertEffect = "reactivated"
	// IssueTouched means an already-active issue had its timestamp and
	// context refreshed.
	IssueTouched UpsertEffect = "touched"
)

// UpsertIssue records a data-quality finding: insert-if-absent,
// activate-if-inactive, touch-if-active. The issue id is deterministic
// over (code, lid), so a re-occurring cause always lands on its original
// document.
func (st *State) UpsertIssue(code, ruleCode, errorCode, lid, cph string, contextData map[string]string, now time.Time) (UpsertEffect, error) {
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()

	id := cleanse.IssueID(code, lid)
	var existing issueDoc
	err := coll.FindId(id).One(&existing)
	if err != nil && !isMgoNotFound(err) {
		return "", errors.Trace(err)
	}
	if err != nil {
		doc := issueDoc{
			ID:                   id,
			Code:                 code,
			RuleCode:             ruleCode,
			ErrorCode:            errorCode,
			CtsLidFullIdentifier: lid,
			CPH:                  cph,
			CreatedAt:            now,
			LastUpdatedAt:        now,
			IsActive:             true,
			ResolutionStatus:     string(cleanse.ResolutionNone),
			ContextData:          contextData,
		}
		if err := coll.Insert(doc); err != nil {
			return "", errors.Annotatef(err, "inserting issue %q", id)
		}
		if err := st.appendHistory(id, SystemActor, "created", nil, map[string]string{"isActive": "true"}, now); err != nil {
			return "", errors.Trace(err)
		}
		return IssueInserted, nil
	}

	if !existing.IsActive {
		err := coll.UpdateId(id, bson.M{"$set": bson.M{
			"isActive":         true,
			"lastUpdatedAt":    now,
			"resolutionStatus": string(cleanse.ResolutionNone),
			"contextData":      contextData,
		}})
		if err != nil {
			return "", errors.Annotatef(err, "reactivating issue %q", id)
		}
		err = st.appendHistory(id, SystemActor, "reactivated",
			map[string]string{"isActive": "false"},
			map[string]string{"isActive": "true"}, now)
		if err != nil {
			return "", errors.Trace(err)
		}
		return IssueReactivated, nil
	}

	err = coll.UpdateId(id, bson.M{"$set": bson.M{
		"lastUpdatedAt": now,
		"contextData":   contextData,
	}})
	if err != nil {
		return "", errors.Annotatef(err, "touching issue %q", id)
	}
	return IssueTouched, nil
}

// DeactivateActiveExcept resolves every active issue with the given code
// whose LID identifier is not in the seen set, returning how many were
// resolved. Each resolution gets a history entry.
func (st *State) DeactivateActiveExcept(code string, seenLids []string, now time.Time) (int, error) {
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()

	query := bson.M{
		"code":                 code,
		"isActive":             true,
		"ctsLidFullIdentifier": bson.M{"$nin": seenLids},
	}
	var stale []issueDoc
	if err := coll.Find(query).Select(bson.M{"_id": 1}).All(&stale); err != nil {
		return 0, errors.Trace(err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]string, len(stale))
	for i, doc := range stale {
		ids[i] = doc.ID
	}
	info, err := coll.UpdateAll(
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"isActive": false, "lastUpdatedAt": now}},
	)
	if err != nil {
		return 0, errors.Annotatef(err, "deactivating issues with code %q", code)
	}
	for _, id := range ids {
		err := st.appendHistory(id, SystemActor, "resolved",
			map[string]string{"isActive": "true"},
			map[string]string{"isActive": "false"}, now)
		if err != nil {
			return info.Updated, errors.Trace(err)
		}
	}
	return info.Updated, nil
}

// Issue returns the issue with the given id.
func (st *State) Issue(id string) (*cleanse.Issue, error) {
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()
	var doc issueDoc
	if err := coll.FindId(id).One(&doc); err != nil {
		if isMgoNotFound(err) {
			return nil, errors.NotFoundf("issue %q", id)
		}
		return nil, errors.Trace(err)
	}
	return issueFromDoc(doc), nil
}

// IssueFilter narrows an issue listing. Pointer fields are tri-state:
// nil means "don't care". IsActive and IsIgnored are independent
// conjunctive filters; setting both applies both.
type IssueFilter struct {
	CPH              string
	IssueCode        string
	RuleCode         string
	ErrorCode        string
	IsActive         *bool
	IsIgnored        *bool
	ResolutionStatus string
	AssignedTo       string
	IsUnassigned     *bool
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
	UpdatedAfter     *time.Time
	UpdatedBefore    *time.Time
}

// issueSortFields whitelists the sortable fields, mapping the wire names
// onto document field names.
var issueSortFields = map[string]string{
	"createdAt":        "createdAt",
	"lastUpdatedAt":    "lastUpdatedAt",
	"cph":              "cph",
	"code":             "code",
	"resolutionStatus": "resolutionStatus",
	"assignedTo":       "assignedTo",
}

func (f IssueFilter) query() bson.M {
	query := bson.M{}
	if f.CPH != "" {
		query["cph"] = f.CPH
	}
	if f.IssueCode != "" {
		query["code"] = f.IssueCode
	}
	if f.RuleCode != "" {
		query["ruleCode"] = f.RuleCode
	}
	if f.ErrorCode != "" {
		query["errorCode"] = f.ErrorCode
	}
	if f.IsActive != nil {
		query["isActive"] = *f.IsActive
	}
	if f.IsIgnored != nil {
		query["isIgnored"] = *f.IsIgnored
	}
	if f.ResolutionStatus != "" {
		query["resolutionStatus"] = f.ResolutionStatus
	}
	if f.AssignedTo != "" {
		query["assignedTo"] = f.AssignedTo
	}
	if f.IsUnassigned != nil && *f.IsUnassigned {
		query["$or"] = []bson.M{
			{"assignedTo": ""},
			{"assignedTo": bson.M{"$exists": false}},
		}
	}
	created := bson.M{}
	if f.CreatedAfter != nil {
		created["$gte"] = *f.CreatedAfter
	}
	if f.CreatedBefore != nil {
		created["$lte"] = *f.CreatedBefore
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}
	updated := bson.M{}
	if f.UpdatedAfter != nil {
		updated["$gte"] = *f.UpdatedAfter
	}
	if f.UpdatedBefore != nil {
		updated["$lte"] = *f.UpdatedBefore
	}
	if len(updated) > 0 {
		query["lastUpdatedAt"] = updated
	}
	return query
}

// ListIssues returns one page of issues matching the filter, along with
// the total match count.
func (st *State) ListIssues(filter IssueFilter, sortBy string, descending bool, skip, top int) ([]*cleanse.Issue, int, error) {
	field, ok := issueSortFields[sortBy]
	if sortBy == "" {
		field = "createdAt"
	} else if !ok {
		return nil, 0, errors.NotValidf("sort field %q", sortBy)
	}
	sort := field
	if descending {
		sort = "-" + field
	}

	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()
	query := filter.query()
	total, err := coll.Find(query).Count()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var docs []issueDoc
	if err := coll.Find(query).Sort(sort, "_id").Skip(skip).Limit(top).All(&docs); err != nil {
		return nil, 0, errors.Trace(err)
	}
	issues := make([]*cleanse.Issue, len(docs))
	for i, doc := range docs {
		issues[i] = issueFromDoc(doc)
	}
	return issues, total, nil
}

// ActiveIssues returns one page of active issues ordered by CPH then code,
// for the report exporter.
func (st *State) ActiveIssues(skip, top int) ([]*cleanse.Issue, error) {
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()
	var docs []issueDoc
	err := coll.Find(bson.M{"isActive": true}).Sort("cph", "code").Skip(skip).Limit(top).All(&docs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	issues := make([]*cleanse.Issue, len(docs))
	for i, doc := range docs {
		issues[i] = issueFromDoc(doc)
	}
	return issues, nil
}

// CountIssues returns the number of active and inactive issues.
func (st *State) CountIssues() (active, inactive int, err error) {
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()
	active, err = coll.Find(bson.M{"isActive": true}).Count()
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	inactive, err = coll.Find(bson.M{"isActive": false}).Count()
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return active, inactive, nil
}

// SetIssueIgnored flips the ignored flag, recording who did it.
func (st *State) SetIssueIgnored(id string, ignored bool, actor string, now time.Time) error {
	action := "ignored"
	if !ignored {
		action = "unignored"
	}
	return st.commandIssue(id, actor, action, now, func(doc issueDoc) (bson.M, map[string]string, map[string]string) {
		return bson.M{"isIgnored": ignored},
			map[string]string{"isIgnored": boolString(doc.IsIgnored)},
			map[string]string{"isIgnored": boolString(ignored)}
	})
}

// AssignIssue assigns the issue to the given assignee.
func (st *State) AssignIssue(id, assignee, actor string, now time.Time) error {
	if assignee == "" {
		return errors.NotValidf("empty assignee")
	}
	return st.commandIssue(id, actor, "assigned", now, func(doc issueDoc) (bson.M, map[string]string, map[string]string) {
		return bson.M{"assignedTo": assignee},
			map[string]string{"assignedTo": doc.AssignedTo},
			map[string]string{"assignedTo": assignee}
	})
}

// UnassignIssue clears the issue's assignee.
func (st *State) UnassignIssue(id, actor string, now time.Time) error {
	return st.commandIssue(id, actor, "unassigned", now, func(doc issueDoc) (bson.M, map[string]string, map[string]string) {
		return bson.M{"assignedTo": ""},
			map[string]string{"assignedTo": doc.AssignedTo},
			map[string]string{"assignedTo": ""}
	})
}

// SetIssueResolutionStatus moves the issue to a new workflow state.
func (st *State) SetIssueResolutionStatus(id string, status cleanse.ResolutionStatus, actor string, now time.Time) error {
	return st.commandIssue(id, actor, "resolution-status", now, func(doc issueDoc) (bson.M, map[string]string, map[string]string) {
		return bson.M{"resolutionStatus": string(status)},
			map[string]string{"resolutionStatus": doc.ResolutionStatus},
			map[string]string{"resolutionStatus": string(status)}
	})
}

// commandIssue applies a named operator command to an issue: load, derive
// the update and before/after snapshots, apply, append history.
func (st *State) commandIssue(id, actor, action string, now time.Time, derive func(issueDoc) (bson.M, map[string]string, map[string]string)) error {
	if actor == "" {
		return errors.NotValidf("command without performedBy")
	}
	coll, closer := st.db.GetCollection(cleanseReportC)
	defer closer()
	var doc issueDoc
	if err := coll.FindId(id).One(&doc); err != nil {
		if isMgoNotFound(err) {
			return errors.NotFoundf("issue %q", id)
		}
		return errors.Trace(err)
	}
	change, before, after := derive(doc)
	change["lastUpdatedAt"] = now
	if err := coll.UpdateId(id, bson.M{"$set": change}); err != nil {
		return errors.Annotatef(err, "applying %q to issue %q", action, id)
	}
	return errors.Trace(st.appendHistory(id, actor, action, before, after, now))
}

func (st *State) appendHistory(issueID, actor, action string, before, after map[string]string, now time.Time) error {
	coll, closer := st.db.GetCollection(cleanseIssueHistoryC)
	defer closer()
	err := coll.Insert(issueHistoryDoc{
		ID:        bson.NewObjectId(),
		IssueID:   issueID,
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Before:    before,
		After:     after,
	})
	return errors.Annotatef(err, "recording history for issue %q", issueID)
}

// IssueHistory returns one page of an issue's history in chronological
// order, along with the total entry count.
func (st *State) IssueHistory(id string, skip, top int) ([]cleanse.HistoryEntry, int, error) {
	if _, err := st.Issue(id); err != nil {
		return nil, 0, errors.Trace(err)
	}
	coll, closer := st.db.GetCollection(cleanseIssueHistoryC)
	defer closer()
	query := bson.M{"issueId": id}
	total, err := coll.Find(query).Count()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var docs []issueHistoryDoc
	if err := coll.Find(query).Sort("timestamp", "_id").Skip(skip).Limit(top).All(&docs); err != nil {
		return nil, 0, errors.Trace(err)
	}
	entries := make([]cleanse.HistoryEntry, len(docs))
	for i, doc := range docs {
		entries[i] = cleanse.HistoryEntry{
			IssueID:   doc.IssueID,
			Timestamp: doc.Timestamp,
			Actor:     doc.Actor,
			Action:    doc.Action,
			Before:    doc.Before,
			After:     doc.After,
		}
	}
	return entries, total, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
