// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type ruleSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ruleSuite{})

// stubRule is a scriptable rule for pipeline tests.
type stubRule struct {
	code         string
	continuation Continuation
	evaluate     func(*AnalysisContext, *HoldingInput) (*Finding, error)
}

func (r *stubRule) Code() string               { return r.code }
func (r *stubRule) Continuation() Continuation { return r.continuation }

func (r *stubRule) Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error) {
	if r.evaluate == nil {
		return nil, nil
	}
	return r.evaluate(actx, input)
}

func finds(code string) func(*AnalysisContext, *HoldingInput) (*Finding, error) {
	return func(_ *AnalysisContext, input *HoldingInput) (*Finding, error) {
		return newFinding("RULE-"+code, code, input, nil), nil
	}
}

func (s *ruleSuite) input() *HoldingInput {
	return &HoldingInput{Lid: "AH-12/345/0001", CPH: "12/345/0001"}
}

func (s *ruleSuite) TestCodes(c *gc.C) {
	pipeline := NewPipeline(
		&stubRule{code: "A"},
		&stubRule{code: "B"},
	)
	c.Assert(pipeline.Codes(), gc.DeepEquals, []string{"A", "B"})
}

func (s *ruleSuite) TestRunCollectsFindings(c *gc.C) {
	pipeline := NewPipeline(
		&stubRule{code: "A", continuation: ContinueAlways, evaluate: finds("A")},
		&stubRule{code: "B", continuation: ContinueAlways},
		&stubRule{code: "C", continuation: ContinueAlways, evaluate: finds("C")},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Failures, gc.HasLen, 0)
	c.Assert(verdict.Findings, gc.HasLen, 2)
	c.Assert(verdict.Findings[0].Code, gc.Equals, "A")
	c.Assert(verdict.Findings[0].ErrorCode, gc.Equals, "A")
	c.Assert(verdict.Findings[0].RuleCode, gc.Equals, "RULE-A")
	c.Assert(verdict.Findings[0].Lid, gc.Equals, "AH-12/345/0001")
	c.Assert(verdict.Findings[1].Code, gc.Equals, "C")
}

func (s *ruleSuite) TestStopOnIssueHaltsPipeline(c *gc.C) {
	ran := false
	pipeline := NewPipeline(
		&stubRule{code: "A", continuation: StopOnIssue, evaluate: finds("A")},
		&stubRule{code: "B", continuation: ContinueAlways, evaluate: func(_ *AnalysisContext, input *HoldingInput) (*Finding, error) {
			ran = true
			return nil, nil
		}},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Findings, gc.HasLen, 1)
	c.Assert(ran, jc.IsFalse)
}

func (s *ruleSuite) TestStopOnIssueWithoutFindingContinues(c *gc.C) {
	ran := false
	pipeline := NewPipeline(
		&stubRule{code: "A", continuation: StopOnIssue},
		&stubRule{code: "B", continuation: ContinueAlways, evaluate: func(_ *AnalysisContext, input *HoldingInput) (*Finding, error) {
			ran = true
			return nil, nil
		}},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Findings, gc.HasLen, 0)
	c.Assert(ran, jc.IsTrue)
}

func (s *ruleSuite) TestRuleErrorBecomesFailure(c *gc.C) {
	pipeline := NewPipeline(
		&stubRule{code: "A", evaluate: func(*AnalysisContext, *HoldingInput) (*Finding, error) {
			return nil, errors.New("lookup exploded")
		}},
		&stubRule{code: "B", evaluate: finds("B")},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Failures, gc.HasLen, 1)
	c.Assert(verdict.Failures[0].RuleCode, gc.Equals, "A")
	c.Assert(verdict.Failures[0].Err, gc.ErrorMatches, "lookup exploded")
	// Later rules still run.
	c.Assert(verdict.Findings, gc.HasLen, 1)
}

func (s *ruleSuite) TestRulePanicBecomesFailure(c *gc.C) {
	pipeline := NewPipeline(
		&stubRule{code: "A", evaluate: func(*AnalysisContext, *HoldingInput) (*Finding, error) {
			panic("nil map write")
		}},
		&stubRule{code: "B", evaluate: finds("B")},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Failures, gc.HasLen, 1)
	c.Assert(verdict.Failures[0].Err, gc.ErrorMatches, "rule panicked: nil map write")
	c.Assert(verdict.Findings, gc.HasLen, 1)
}

func (s *ruleSuite) TestRulesEnrichInput(c *gc.C) {
	pipeline := NewPipeline(
		&stubRule{code: "A", evaluate: func(_ *AnalysisContext, input *HoldingInput) (*Finding, error) {
			input.SamHolding = map[string]interface{}{"CPH": input.CPH}
			return nil, nil
		}},
		&stubRule{code: "B", evaluate: func(_ *AnalysisContext, input *HoldingInput) (*Finding, error) {
			if input.SamHolding == nil {
				return nil, errors.New("enrichment lost")
			}
			return nil, nil
		}},
	)
	verdict := pipeline.Run(nil, s.input())
	c.Assert(verdict.Failures, gc.HasLen, 0)
}
