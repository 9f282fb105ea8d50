// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	corecleanse "github.com/canonical/litp/core/cleanse"
	"github.com/canonical/litp/state"
)

// IssueStore is the slice of persistence the analysis needs for issues.
type IssueStore interface {
	UpsertIssue(code, ruleCode, errorCode, lid, cph string, contextData map[string]string, now time.Time) (state.UpsertEffect, error)
	DeactivateActiveExcept(code string, seenLids []string, now time.Time) (int, error)
}

// AnalyzerConfig tunes the analysis strategy.
type AnalyzerConfig struct {
	// PageSize bounds how many holdings are loaded per page.
	PageSize int
}

func (c AnalyzerConfig) withDefaults() AnalyzerConfig {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	return c
}

// Summary is what one analysis run did.
type Summary struct {
	RecordsAnalyzed int
	TotalRecords    int
	IssuesFound     int
	IssuesResolved  int
	RuleFailures    int
}

// Analyzer walks every live traced holding through the rule pipeline,
// records findings as issues and sweeps stale issues afterwards.
type Analyzer struct {
	queries  Queries
	issues   IssueStore
	pipeline *Pipeline
	clock    clock.Clock
	cfg      AnalyzerConfig
}

// NewAnalyzer wires up an analyzer.
func NewAnalyzer(queries Queries, issues IssueStore, pipeline *Pipeline, clk clock.Clock, cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{
		queries:  queries,
		issues:   issues,
		pipeline: pipeline,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// Run executes one full analysis pass. The outer paging reads the database
// directly; only rule lookups go through the cached context. The progress
// callback fires once per page.
func (a *Analyzer) Run(ctx context.Context, actx *AnalysisContext, progress func(analyzed, total int)) (Summary, error) {
	total, err := a.queries.Count(holdingsCollection, Live())
	if err != nil {
		return Summary{}, errors.Trace(err)
	}
	summary := Summary{TotalRecords: total}

	// Every LID a finding was raised against this run, per issue code.
	// Issues not in these sets are stale and get resolved at the end.
	seen := make(map[string][]string, len(a.pipeline.Codes()))

	for skip := 0; ; skip += a.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return summary, errors.Trace(err)
		}
		page, err := a.queries.Run(Query{
			Collection: holdingsCollection,
			Filter:     Live(),
			Sort:       []string{"_id"},
			Skip:       skip,
			Limit:      a.cfg.PageSize,
		})
		if err != nil {
			return summary, errors.Trace(err)
		}
		for _, doc := range page {
			if err := a.analyzeHolding(actx, doc, seen, &summary); err != nil {
				return summary, errors.Trace(err)
			}
		}
		if progress != nil {
			progress(summary.RecordsAnalyzed, total)
		}
		if len(page) < a.cfg.PageSize {
			break
		}
	}

	now := a.clock.Now().UTC()
	for _, code := range a.pipeline.Codes() {
		resolved, err := a.issues.DeactivateActiveExcept(code, seen[code], now)
		if err != nil {
			return summary, errors.Annotatef(err, "sweeping stale %s issues", code)
		}
		summary.IssuesResolved += resolved
	}
	hits, misses := actx.Stats()
	logger.Infof("analysis complete: %d/%d holdings, %d found, %d resolved, cache %d hits %d misses",
		summary.RecordsAnalyzed, total, summary.IssuesFound, summary.IssuesResolved, hits, misses)
	return summary, nil
}

func (a *Analyzer) analyzeHolding(actx *AnalysisContext, doc bson.M, seen map[string][]string, summary *Summary) error {
	summary.RecordsAnalyzed++
	lid := FirstString(doc, "LID_FULL_IDENTIFIER")
	if lid == "" {
		logger.Warningf("holding %v has no LID identifier, skipping", doc["_id"])
		summary.RuleFailures++
		return nil
	}
	_, cph, err := corecleanse.SplitLid(lid)
	if err != nil {
		logger.Warningf("holding %q: %v, skipping", lid, err)
		summary.RuleFailures++
		return nil
	}

	input := &HoldingInput{Lid: lid, CPH: cph, Holding: doc}
	verdict := a.pipeline.Run(actx, input)
	summary.RuleFailures += len(verdict.Failures)

	now := a.clock.Now().UTC()
	for _, finding := range verdict.Findings {
		effect, err := a.issues.UpsertIssue(
			finding.Code, finding.RuleCode, finding.ErrorCode,
			finding.Lid, finding.CPH, finding.Context, now,
		)
		if err != nil {
			return errors.Annotatef(err, "recording %s against %q", finding.Code, finding.Lid)
		}
		if effect == state.IssueInserted || effect == state.IssueReactivated {
			summary.IssuesFound++
		}
		seen[finding.Code] = append(seen[finding.Code], finding.Lid)
	}
	return nil
}
