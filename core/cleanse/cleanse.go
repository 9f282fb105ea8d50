// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cleanse holds the value types of the cleanse analysis subsystem:
// analysis operations, data-quality issues and their audit history.
package cleanse

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
)

// OperationStatus is the lifecycle state of an analysis operation.
// Terminal states are never re-opened; a new run gets a new id.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "Running"
	OperationCompleted OperationStatus = "Completed"
	OperationFailed    OperationStatus = "Failed"
)

// Operation is one end-to-end cleanse analysis run.
type Operation struct {
	ID                string
	Status            OperationStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	ProgressPct       float64
	StatusDescription string
	RecordsAnalyzed   int
	TotalRecords      int
	IssuesFound       int
	IssuesResolved    int
	Duration          time.Duration
	Error             string
	ReportObjectKey   string
	ReportURL         string
}

// ResolutionStatus is the workflow state an operator has put an issue in.
type ResolutionStatus string

const (
	ResolutionNone       ResolutionStatus = "None"
	ResolutionTodo       ResolutionStatus = "Todo"
	ResolutionInProgress ResolutionStatus = "InProgress"
	ResolutionResolved   ResolutionStatus = "Resolved"
)

// ParseResolutionStatus validates a wire-level resolution status value.
func ParseResolutionStatus(s string) (ResolutionStatus, error) {
	switch ResolutionStatus(s) {
	case ResolutionNone, ResolutionTodo, ResolutionInProgress, ResolutionResolved:
		return ResolutionStatus(s), nil
	}
	return "", errors.NotValidf("resolution status %q", s)
}

// Issue is one data-quality finding. Its id is deterministic over
// (Code, CtsLidFullIdentifier) so a re-occurring cause lands on the same
// document rather than duplicating it.
type Issue struct {
	ID                   string
	Code                 string
	RuleCode             string
	ErrorCode            string
	CtsLidFullIdentifier string
	CPH                  string
	CreatedAt            time.Time
	LastUpdatedAt        time.Time
	IsActive             bool
	IsIgnored            bool
	ResolutionStatus     ResolutionStatus
	AssignedTo           string
	ContextData          map[string]string
}

// HistoryEntry is one append-only audit record against an issue.
type HistoryEntry struct {
	IssueID   string
	Timestamp time.Time
	Actor     string
	Action    string
	Before    map[string]string
	After     map[string]string
}

// IssueID derives the deterministic issue id from the issue code and the
// full LID identifier of the holding it was raised against.
func IssueID(code, ctsLidFullIdentifier string) string {
	sum := sha256.Sum256([]byte(code + "\x1f" + ctsLidFullIdentifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// cphPattern is the county/parish/holding format: NN/NNN/NNNN.
var cphPattern = regexp.MustCompile(`^\d{2}/\d{3}/\d{4}$`)

// ValidCPH reports whether the supplied string is a well-formed CPH.
func ValidCPH(cph string) bool {
	return cphPattern.MatchString(cph)
}

// SplitLid splits a full LID identifier "<region>-<cph>" (for example
// "AH-12/345/0001") into its region and CPH parts.
func SplitLid(lid string) (region, cph string, err error) {
	i := strings.Index(lid, "-")
	if i <= 0 || i == len(lid)-1 {
		return "", "", errors.NotValidf("LID identifier %q", lid)
	}
	region, cph = lid[:i], lid[i+1:]
	if !ValidCPH(cph) {
		return "", "", errors.NotValidf("CPH %q in LID identifier %q", cph, lid)
	}
	return region, cph, nil
}
