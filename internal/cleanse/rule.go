// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Continuation tells the pipeline what to do after a rule finds an issue.
type Continuation int

const (
	// ContinueAlways lets later rules run regardless of the outcome.
	ContinueAlways Continuation = iota

	// StopOnIssue stops the pipeline for this record when the rule
	// raises a finding; later rules depend on what this one looked up.
	StopOnIssue
)

// HoldingInput carries one holding through the pipeline. Rules enrich it
// as they go so later rules can build on earlier lookups.
type HoldingInput struct {
	// Lid is the holding's full LID identifier, "<region>-<cph>".
	Lid string

	// CPH is the county/parish/holding part of the LID.
	CPH string

	// Holding is the source holding record under analysis.
	Holding bson.M

	// SamHolding is set by the holding lookup when a counterpart exists.
	SamHolding bson.M

	// Party is set by the party lookup when a responsible party exists.
	Party bson.M
}

// Finding is one data-quality issue raised by a rule against a holding.
type Finding struct {
	Code      string
	RuleCode  string
	ErrorCode string
	Lid       string
	CPH       string
	Context   map[string]string
}

// Rule is one data-quality check.
type Rule interface {
	// Code is the issue code the rule raises. Stale-issue sweeps are
	// keyed on it.
	Code() string

	// Continuation tells the pipeline how to proceed after a finding.
	Continuation() Continuation

	// Evaluate checks one holding, returning a finding or nil. Lookups
	// go through the shared analysis context.
	Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error)
}

// RuleFailure records a rule that errored or panicked on a record. The
// pipeline keeps going; a broken rule must not sink the whole analysis.
type RuleFailure struct {
	RuleCode string
	Err      error
}

// Verdict is the pipeline's outcome for one holding.
type Verdict struct {
	Findings []Finding
	Failures []RuleFailure
}

// Pipeline evaluates an ordered list of rules against holdings.
type Pipeline struct {
	rules []Rule
}

// NewPipeline returns a pipeline over the given rules, evaluated in order.
func NewPipeline(rules ...Rule) *Pipeline {
	return &Pipeline{rules: rules}
}

// Codes returns the issue codes every rule in the pipeline can raise, in
// pipeline order. The analysis sweeps each of these for stale issues even
// when a run raises none.
func (p *Pipeline) Codes() []string {
	codes := make([]string, len(p.rules))
	for i, rule := range p.rules {
		codes[i] = rule.Code()
	}
	return codes
}

// Run evaluates every rule against one holding. Rule errors and panics are
// captured as failures rather than propagated, so one bad record or rule
// never aborts the run.
func (p *Pipeline) Run(actx *AnalysisContext, input *HoldingInput) Verdict {
	var verdict Verdict
	for _, rule := range p.rules {
		finding, err := p.evaluate(rule, actx, input)
		if err != nil {
			logger.Warningf("rule %s failed on %q: %v", rule.Code(), input.Lid, err)
			verdict.Failures = append(verdict.Failures, RuleFailure{
				RuleCode: rule.Code(),
				Err:      err,
			})
			continue
		}
		if finding == nil {
			continue
		}
		verdict.Findings = append(verdict.Findings, *finding)
		if rule.Continuation() == StopOnIssue {
			break
		}
	}
	return verdict
}

func (p *Pipeline) evaluate(rule Rule, actx *AnalysisContext, input *HoldingInput) (finding *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = errors.Errorf("rule panicked: %v", r)
		}
	}()
	finding, err = rule.Evaluate(actx, input)
	return finding, errors.Trace(err)
}

// newFinding shapes a finding with the issue code doubling as the error
// code, which is how the issue store keys dedup.
func newFinding(ruleCode, errorCode string, input *HoldingInput, context map[string]string) *Finding {
	return &Finding{
		Code:      errorCode,
		RuleCode:  ruleCode,
		ErrorCode: errorCode,
		Lid:       input.Lid,
		CPH:       input.CPH,
		Context:   context,
	}
}
