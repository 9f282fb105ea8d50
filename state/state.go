// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists every entity the platform owns: dataset record
// collections, import and file reports, record lineage, cleanse issues and
// analysis operations. It is the only package that touches the document
// database directly; everything above it works through typed methods.
package state

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/internal/mongo"
)

// Collection names. Dataset collections are named after their definitions
// and are not listed here.
const (
	importReportsC       = "import_reports"
	importFilesC         = "import_files"
	recordLineageC       = "record_lineage"
	recordLineageEventsC = "record_lineage_events"
	cleanseReportC       = "cleanse_report"
	cleanseIssueHistoryC = "cleanse_issue_history"
	cleanseOperationsC   = "cleanse_analysis_operations"
	distributedLocksC    = "distributed_locks"
)

// reportingCollections are the metadata collections subject to the
// reporting cleardown operation.
var reportingCollections = []string{
	importReportsC,
	importFilesC,
	recordLineageC,
	recordLineageEventsC,
}

func isMgoNotFound(err error) bool {
	return errors.Cause(err) == mgo.ErrNotFound
}

// State provides access to the persisted platform state.
type State struct {
	db       *mongo.Database
	registry *dataset.Registry
	clock    clock.Clock
}

// New returns a State backed by the given database.
func New(db *mongo.Database, registry *dataset.Registry, clk clock.Clock) *State {
	return &State{db: db, registry: registry, clock: clk}
}

// Registry returns the dataset registry this state was built with.
func (st *State) Registry() *dataset.Registry {
	return st.registry
}

// LockCollection exposes the distributed lock collection for the lease
// client.
func (st *State) LockCollection() (*mgo.Collection, func()) {
	return st.db.GetCollection(distributedLocksC)
}

// DatasetCollection returns the record collection for the named dataset
// and a session closer. Unknown dataset names are rejected.
func (st *State) DatasetCollection(name string) (*mgo.Collection, func(), error) {
	if _, err := st.registry.Definition(name); err != nil {
		return nil, nil, errors.Trace(err)
	}
	coll, closer := st.db.GetCollection(name)
	return coll, closer, nil
}

// EnsureIndexes creates every index the platform relies on: the dedup
// index on file reports, the lineage identity indexes, the issue identity
// index, and a wildcard index per dataset collection.
func (st *State) EnsureIndexes() error {
	if err := st.db.EnsureIndexes(importFilesC, []mgo.Index{
		{Key: []string{"fileKey", "eTag"}},
		{Key: []string{"importId"}},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := st.db.EnsureIndexes(recordLineageC, []mgo.Index{
		{Key: []string{"collection", "recordId"}, Unique: true},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := st.db.EnsureIndexes(recordLineageEventsC, []mgo.Index{
		{Key: []string{"collection", "recordId", "eventDate"}},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := st.db.EnsureIndexes(cleanseReportC, []mgo.Index{
		{Key: []string{"code", "ctsLidFullIdentifier"}},
		{Key: []string{"isActive"}},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := st.db.EnsureIndexes(cleanseIssueHistoryC, []mgo.Index{
		{Key: []string{"issueId", "timestamp"}},
	}); err != nil {
		return errors.Trace(err)
	}
	for _, def := range st.registry.Definitions() {
		if err := st.db.EnsureWildcardIndex(def.Name); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ClearDatasetData removes every record from the named dataset collection,
// returning the number removed.
func (st *State) ClearDatasetData(name string) (int, error) {
	if _, err := st.registry.Definition(name); err != nil {
		return 0, errors.Trace(err)
	}
	removed, err := st.db.RemoveAll(name)
	return removed, errors.Trace(err)
}

// ClearAllDatasetData removes every record from every dataset collection.
func (st *State) ClearAllDatasetData() (map[string]int, error) {
	removed := make(map[string]int)
	for _, def := range st.registry.Definitions() {
		n, err := st.db.RemoveAll(def.Name)
		if err != nil {
			return removed, errors.Annotatef(err, "clearing %q", def.Name)
		}
		removed[def.Name] = n
	}
	return removed, nil
}

// ClearReportingCollection removes the contents of one reporting
// (lineage / import metadata) collection.
func (st *State) ClearReportingCollection(name string) (int, error) {
	for _, known := range reportingCollections {
		if name == known {
			removed, err := st.db.RemoveAll(name)
			return removed, errors.Trace(err)
		}
	}
	return 0, errors.NotFoundf("reporting collection %q", name)
}

// ClearReportingCollections removes the contents of every reporting
// collection.
func (st *State) ClearReportingCollections() (map[string]int, error) {
	removed := make(map[string]int)
	for _, name := range reportingCollections {
		n, err := st.db.RemoveAll(name)
		if err != nil {
			return removed, errors.Annotatef(err, "clearing %q", name)
		}
		removed[name] = n
	}
	return removed, nil
}

// ClearCleanseData removes all persisted issues and their history.
func (st *State) ClearCleanseData() (int, error) {
	issues, err := st.db.RemoveAll(cleanseReportC)
	if err != nil {
		return 0, errors.Trace(err)
	}
	history, err := st.db.RemoveAll(cleanseIssueHistoryC)
	if err != nil {
		return issues, errors.Trace(err)
	}
	return issues + history, nil
}

// ClearCleanseMetadata removes all analysis operation records.
func (st *State) ClearCleanseMetadata() (int, error) {
	removed, err := st.db.RemoveAll(cleanseOperationsC)
	return removed, errors.Trace(err)
}
