// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/apiserver"
	"github.com/canonical/litp/apiserver/params"
	corecleanse "github.com/canonical/litp/core/cleanse"
	coreingest "github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/core/lineage"
	"github.com/canonical/litp/internal/cleanse"
	"github.com/canonical/litp/internal/lease"
	"github.com/canonical/litp/state"
)

type serverSuite struct {
	testing.IsolationSuite

	imports *fakeImports
	cleanse *fakeAnalysis
	store   *fakeStore
	mail    *fakeMail
	server  *httptest.Server
}

var _ = gc.Suite(&serverSuite{})

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.imports = &fakeImports{}
	s.cleanse = &fakeAnalysis{}
	s.store = newFakeStore()
	s.mail = &fakeMail{}
	srv := apiserver.NewServer(apiserver.Config{
		Imports: s.imports,
		Cleanse: s.cleanse,
		Store:   s.store,
		Mail:    s.mail,
		Clock:   testclock.NewClock(testNow),
	})
	s.server = httptest.NewServer(srv.Handler())
	s.AddCleanup(func(*gc.C) { s.server.Close() })
}

func (s *serverSuite) do(c *gc.C, method, path string, body interface{}) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	return resp
}

func (s *serverSuite) decode(c *gc.C, resp *http.Response, into interface{}) {
	defer func() { _ = resp.Body.Close() }()
	c.Assert(json.NewDecoder(resp.Body).Decode(into), jc.ErrorIsNil)
}

func (s *serverSuite) assertError(c *gc.C, resp *http.Response, status int, pattern string) {
	c.Assert(resp.StatusCode, gc.Equals, status)
	var envelope params.Error
	s.decode(c, resp, &envelope)
	c.Assert(envelope.Message, gc.Matches, pattern)
	c.Assert(envelope.Timestamp, gc.Equals, testNow)
}

type fakeImports struct {
	err    error
	source coreingest.SourceType
}

func (f *fakeImports) StartImport(source coreingest.SourceType) (*coreingest.ImportReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.source = source
	return coreingest.NewImportReport("imp-1", source, testNow), nil
}

type fakeAnalysis struct {
	startErr error
	urlErr   error
}

func (f *fakeAnalysis) StartAnalysis() (*corecleanse.Operation, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &corecleanse.Operation{
		ID:        "op-1",
		Status:    corecleanse.OperationRunning,
		StartedAt: testNow,
	}, nil
}

func (f *fakeAnalysis) RegenerateReportURL(id string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://signed.invalid/report.zip", nil
}

type fakeMail struct {
	tested []string
}

func (f *fakeMail) SendReport(ctx context.Context, reportURL string, summary cleanse.Summary) error {
	return nil
}

func (f *fakeMail) SendTest(ctx context.Context, addr string) error {
	f.tested = append(f.tested, addr)
	return nil
}

// fakeStore serves canned documents and records paging and filters.
type fakeStore struct {
	imports map[string]*coreingest.ImportReport
	issues  map[string]*corecleanse.Issue
	ops     map[string]*corecleanse.Operation

	listErr    error
	pageSkip   int
	pageTop    int
	filter     state.IssueFilter
	sortBy     string
	descending bool
	commands   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		imports: make(map[string]*coreingest.ImportReport),
		issues:  make(map[string]*corecleanse.Issue),
		ops:     make(map[string]*corecleanse.Operation),
	}
}

func (f *fakeStore) ImportReport(id string) (*coreingest.ImportReport, error) {
	report, ok := f.imports[id]
	if !ok {
		return nil, errors.NotFoundf("import %q", id)
	}
	return report, nil
}

func (f *fakeStore) ImportReports(skip, top int) ([]*coreingest.ImportReport, int, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	f.pageSkip, f.pageTop = skip, top
	return nil, 0, nil
}

func (f *fakeStore) FileReports(importID string, skip, top int) ([]*coreingest.FileProcessingReport, int, error) {
	f.pageSkip, f.pageTop = skip, top
	return nil, 0, nil
}

func (f *fakeStore) RecordHistory(collection, recordID string, skip, top int) (*lineage.History, error) {
	return nil, errors.NotFoundf("record %q in %q", recordID, collection)
}

func (f *fakeStore) ClearDatasetData(name string) (int, error) {
	if name != "cts_holdings" {
		return 0, errors.NotFoundf("dataset %q", name)
	}
	return 7, nil
}

func (f *fakeStore) ClearAllDatasetData() (map[string]int, error) {
	return map[string]int{"cts_holdings": 7, "sam_herds": 3}, nil
}

func (f *fakeStore) ClearReportingCollection(name string) (int, error) {
	return 2, nil
}

func (f *fakeStore) ClearReportingCollections() (map[string]int, error) {
	return map[string]int{"import_reports": 2}, nil
}

func (f *fakeStore) ClearCleanseData() (int, error) {
	return 11, nil
}

func (f *fakeStore) ClearCleanseMetadata() (int, error) {
	return 4, nil
}

func (f *fakeStore) Operation(id string) (*corecleanse.Operation, error) {
	op, ok := f.ops[id]
	if !ok {
		return nil, errors.NotFoundf("analysis operation %q", id)
	}
	return op, nil
}

func (f *fakeStore) Operations(skip, top int) ([]*corecleanse.Operation, int, error) {
	f.pageSkip, f.pageTop = skip, top
	return nil, 0, nil
}

func (f *fakeStore) Issue(id string) (*corecleanse.Issue, error) {
	issue, ok := f.issues[id]
	if !ok {
		return nil, errors.NotFoundf("issue %q", id)
	}
	return issue, nil
}

func (f *fakeStore) ListIssues(filter state.IssueFilter, sortBy string, descending bool, skip, top int) ([]*corecleanse.Issue, int, error) {
	f.filter, f.sortBy, f.descending = filter, sortBy, descending
	f.pageSkip, f.pageTop = skip, top
	return nil, 0, nil
}

func (f *fakeStore) IssueHistory(id string, skip, top int) ([]corecleanse.HistoryEntry, int, error) {
	f.pageSkip, f.pageTop = skip, top
	return nil, 0, nil
}

func (f *fakeStore) SetIssueIgnored(id string, ignored bool, actor string, now time.Time) error {
	if _, ok := f.issues[id]; !ok {
		return errors.NotFoundf("issue %q", id)
	}
	f.commands = append(f.commands, "ignore")
	f.issues[id].IsIgnored = ignored
	return nil
}

func (f *fakeStore) AssignIssue(id, assignee, actor string, now time.Time) error {
	f.commands = append(f.commands, "assign "+assignee)
	return nil
}

func (f *fakeStore) UnassignIssue(id, actor string, now time.Time) error {
	f.commands = append(f.commands, "unassign")
	return nil
}

func (f *fakeStore) SetIssueResolutionStatus(id string, status corecleanse.ResolutionStatus, actor string, now time.Time) error {
	f.commands = append(f.commands, "resolution "+string(status))
	return nil
}

func (s *serverSuite) TestStartImport(c *gc.C) {
	resp := s.do(c, "POST", "/import/start?sourceType=external", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusAccepted)
	var body params.StartImportResponse
	s.decode(c, resp, &body)
	c.Assert(body.ImportID, gc.Equals, "imp-1")
	c.Assert(body.SourceType, gc.Equals, "external")
	c.Assert(s.imports.source, gc.Equals, coreingest.SourceExternal)
}

func (s *serverSuite) TestStartImportBadSourceType(c *gc.C) {
	resp := s.do(c, "POST", "/import/start?sourceType=sideways", nil)
	s.assertError(c, resp, http.StatusBadRequest, `source type "sideways" not valid`)
}

func (s *serverSuite) TestStartImportAlreadyRunning(c *gc.C) {
	s.imports.err = lease.ErrHeld
	resp := s.do(c, "POST", "/import/start?sourceType=external", nil)
	s.assertError(c, resp, http.StatusConflict, ".*held.*")
}

func (s *serverSuite) TestListImportsDefaultsPage(c *gc.C) {
	resp := s.do(c, "GET", "/import", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	_ = resp.Body.Close()
	c.Assert(s.store.pageSkip, gc.Equals, 0)
	c.Assert(s.store.pageTop, gc.Equals, 10)
}

func (s *serverSuite) TestPaginationValidation(c *gc.C) {
	for _, query := range []string{
		"?skip=-1",
		"?top=0",
		"?top=101",
		"?skip=banana",
	} {
		resp := s.do(c, "GET", "/import"+query, nil)
		c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest, gc.Commentf("query %q", query))
		_ = resp.Body.Close()
	}
}

func (s *serverSuite) TestCanceledRequestMapsTo499(c *gc.C) {
	s.store.listErr = context.Canceled
	resp := s.do(c, "GET", "/import", nil)
	c.Assert(resp.StatusCode, gc.Equals, 499)
	_ = resp.Body.Close()
}

func (s *serverSuite) TestGetImportNotFound(c *gc.C) {
	resp := s.do(c, "GET", "/import/nope", nil)
	s.assertError(c, resp, http.StatusNotFound, `import "nope" not found`)
}

func (s *serverSuite) TestGetImport(c *gc.C) {
	s.store.imports["imp-1"] = coreingest.NewImportReport("imp-1", coreingest.SourceExternal, testNow)
	resp := s.do(c, "GET", "/import/imp-1", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.ImportReport
	s.decode(c, resp, &body)
	c.Assert(body.ImportID, gc.Equals, "imp-1")
	c.Assert(body.Status, gc.Equals, "Started")
	c.Assert(body.Acquisition.Status, gc.Equals, "NotStarted")
}

func (s *serverSuite) TestListImportFilesUnknownImport(c *gc.C) {
	resp := s.do(c, "GET", "/import/nope/files", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	_ = resp.Body.Close()
}

func (s *serverSuite) TestListImportFilesEmptyPage(c *gc.C) {
	s.store.imports["imp-1"] = coreingest.NewImportReport("imp-1", coreingest.SourceExternal, testNow)
	resp := s.do(c, "GET", "/import/imp-1/files", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.FileReportList
	s.decode(c, resp, &body)
	c.Assert(body.Items, gc.HasLen, 0)
	c.Assert(s.store.pageTop, gc.Equals, 50)
}

func (s *serverSuite) TestClearDataset(c *gc.C) {
	resp := s.do(c, "DELETE", "/import/collections/cts_holdings", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.ClearDownResult
	s.decode(c, resp, &body)
	c.Assert(body, gc.DeepEquals, params.ClearDownResult{Name: "cts_holdings", Removed: 7})
}

func (s *serverSuite) TestClearAllDatasets(c *gc.C) {
	resp := s.do(c, "DELETE", "/import/collections", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.BulkClearDownResult
	s.decode(c, resp, &body)
	c.Assert(body.Total, gc.Equals, 10)
	c.Assert(body.Removed, gc.DeepEquals, map[string]int{"cts_holdings": 7, "sam_herds": 3})
}

func (s *serverSuite) TestStartAnalysis(c *gc.C) {
	resp := s.do(c, "POST", "/cleanse/start-analysis", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusAccepted)
	var body params.StartAnalysisResponse
	s.decode(c, resp, &body)
	c.Assert(body.OperationID, gc.Equals, "op-1")
	c.Assert(body.Status, gc.Equals, "Running")
	c.Assert(body.Message, gc.Equals, "Cleanse analysis started")
}

func (s *serverSuite) TestStartAnalysisHeld(c *gc.C) {
	s.cleanse.startErr = lease.ErrHeld
	resp := s.do(c, "POST", "/cleanse/start-analysis", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusConflict)
	_ = resp.Body.Close()
}

func (s *serverSuite) TestRegenerateURL(c *gc.C) {
	resp := s.do(c, "POST", "/cleanse/run/op-1/regenerate-url", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.RegenerateURLResponse
	s.decode(c, resp, &body)
	c.Assert(body.OperationID, gc.Equals, "op-1")
	c.Assert(body.ReportURL, gc.Equals, "https://signed.invalid/report.zip")
}

func (s *serverSuite) TestRegenerateURLNoReport(c *gc.C) {
	s.cleanse.urlErr = errors.NotFoundf("report for operation %q", "op-1")
	resp := s.do(c, "POST", "/cleanse/run/op-1/regenerate-url", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	_ = resp.Body.Close()
}

func (s *serverSuite) TestListIssuesFilter(c *gc.C) {
	resp := s.do(c, "GET", "/cleanse/issues?cph=12/345/0001&isActive=true&isUnassigned=false"+
		"&resolutionStatus=Todo&createdAfterUtc=2025-01-02T03:04:05Z&sortBy=createdAt&sortDescending=true", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	_ = resp.Body.Close()

	filter := s.store.filter
	c.Assert(filter.CPH, gc.Equals, "12/345/0001")
	c.Assert(filter.ResolutionStatus, gc.Equals, "Todo")
	c.Assert(*filter.IsActive, jc.IsTrue)
	c.Assert(*filter.IsUnassigned, jc.IsFalse)
	c.Assert(filter.IsIgnored, gc.IsNil)
	c.Assert(*filter.CreatedAfter, gc.Equals, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	c.Assert(s.store.sortBy, gc.Equals, "createdAt")
	c.Assert(s.store.descending, jc.IsTrue)
}

func (s *serverSuite) TestListIssuesBadFilter(c *gc.C) {
	for _, query := range []string{
		"?isActive=maybe",
		"?createdAfterUtc=yesterday",
		"?resolutionStatus=Done",
		"?sortDescending=sideways",
	} {
		resp := s.do(c, "GET", "/cleanse/issues"+query, nil)
		c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest, gc.Commentf("query %q", query))
		_ = resp.Body.Close()
	}
}

func (s *serverSuite) TestIssueCommandIgnore(c *gc.C) {
	s.store.issues["iss-1"] = &corecleanse.Issue{ID: "iss-1", IsActive: true}
	resp := s.do(c, "POST", "/cleanse/issues/iss-1/ignore", params.IssueCommand{PerformedBy: "carol"})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.Issue
	s.decode(c, resp, &body)
	c.Assert(body.ID, gc.Equals, "iss-1")
	c.Assert(body.IsIgnored, jc.IsTrue)
	c.Assert(s.store.commands, gc.DeepEquals, []string{"ignore"})
}

func (s *serverSuite) TestIssueCommandAssign(c *gc.C) {
	s.store.issues["iss-1"] = &corecleanse.Issue{ID: "iss-1"}
	resp := s.do(c, "POST", "/cleanse/issues/iss-1/assign", params.IssueCommand{
		PerformedBy: "carol",
		Assignee:    "dave",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	_ = resp.Body.Close()
	c.Assert(s.store.commands, gc.DeepEquals, []string{"assign dave"})
}

func (s *serverSuite) TestIssueCommandResolutionStatus(c *gc.C) {
	s.store.issues["iss-1"] = &corecleanse.Issue{ID: "iss-1"}
	resp := s.do(c, "POST", "/cleanse/issues/iss-1/resolution-status", params.IssueCommand{
		PerformedBy:      "carol",
		ResolutionStatus: "InProgress",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	_ = resp.Body.Close()
	c.Assert(s.store.commands, gc.DeepEquals, []string{"resolution InProgress"})
}

func (s *serverSuite) TestIssueCommandBadResolutionStatus(c *gc.C) {
	s.store.issues["iss-1"] = &corecleanse.Issue{ID: "iss-1"}
	resp := s.do(c, "POST", "/cleanse/issues/iss-1/resolution-status", params.IssueCommand{
		PerformedBy:      "carol",
		ResolutionStatus: "Done",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadRequest)
	_ = resp.Body.Close()
	c.Assert(s.store.commands, gc.HasLen, 0)
}

func (s *serverSuite) TestIssueCommandUnknown(c *gc.C) {
	resp := s.do(c, "POST", "/cleanse/issues/iss-1/escalate", params.IssueCommand{PerformedBy: "carol"})
	s.assertError(c, resp, http.StatusNotFound, `issue command "escalate" not found`)
}

func (s *serverSuite) TestIssueCommandBadBody(c *gc.C) {
	req, err := http.NewRequest("POST", s.server.URL+"/cleanse/issues/iss-1/ignore",
		bytes.NewReader([]byte("{")))
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadRequest)
	_ = resp.Body.Close()
}

func (s *serverSuite) TestIssueHistoryDefaultsPage(c *gc.C) {
	resp := s.do(c, "GET", "/cleanse/issues/iss-1/history", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	_ = resp.Body.Close()
	c.Assert(s.store.pageTop, gc.Equals, 50)
}

func (s *serverSuite) TestDeleteCleanseData(c *gc.C) {
	resp := s.do(c, "POST", "/cleanse/delete-data", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var body params.ClearDownResult
	s.decode(c, resp, &body)
	c.Assert(body, gc.DeepEquals, params.ClearDownResult{Name: "cleanse-data", Removed: 11})
}

func (s *serverSuite) TestTestNotification(c *gc.C) {
	resp := s.do(c, "POST", "/cleanse/test-notification", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNoContent)
	_ = resp.Body.Close()
	c.Assert(s.mail.tested, gc.DeepEquals, []string{"test@example.com"})
}

func (s *serverSuite) TestLineageNotFound(c *gc.C) {
	resp := s.do(c, "GET", "/lineage/cts_holdings/abc", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	_ = resp.Body.Close()
}
