// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

type rulesSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&rulesSuite{})

// collectionQueries answers each query from a per-collection document set.
type collectionQueries struct {
	docs map[string][]bson.M
}

func (q *collectionQueries) Run(query Query) ([]bson.M, error) {
	docs := q.docs[query.Collection]
	if query.Limit > 0 && len(docs) > query.Limit {
		docs = docs[:query.Limit]
	}
	return docs, nil
}

func (q *collectionQueries) Count(collection string, _ Filter) (int, error) {
	return len(q.docs[collection]), nil
}

// The stubbed world does not evaluate filters, so each scenario seeds only
// the collections its lookups should hit.
func (s *rulesSuite) run(c *gc.C, docs map[string][]bson.M) Verdict {
	actx := NewAnalysisContext(&collectionQueries{docs: docs})
	pipeline := NewPipeline(BuiltInRules()...)
	return pipeline.Run(actx, &HoldingInput{
		Lid: "AH-12/345/0001",
		CPH: "12/345/0001",
	})
}

func (s *rulesSuite) TestBuiltInOrder(c *gc.C) {
	pipeline := NewPipeline(BuiltInRules()...)
	c.Assert(pipeline.Codes(), gc.DeepEquals, []string{
		CodeHoldingNotInSam,
		CodeHoldingNoHerd,
		CodeHoldingNoParty,
		CodePartyNoEmail,
	})
}

func (s *rulesSuite) TestHealthyHolding(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001", "PARTY_ID": "P1"}},
		samHerdsCollection:    {{"CPH": "12/345/0001"}},
		samPartiesCollection:  {{"PARTY_ID": "P1"}},
		partyEmailsCollection: {{"PARTY_ID": "P1", "EMAIL_ADDRESS": "farm@example.com"}},
	})
	c.Assert(verdict.Failures, gc.HasLen, 0)
	c.Assert(verdict.Findings, gc.HasLen, 0)
}

func (s *rulesSuite) TestMissingSamHoldingStopsPipeline(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{})
	c.Assert(verdict.Findings, gc.HasLen, 1)
	finding := verdict.Findings[0]
	c.Assert(finding.Code, gc.Equals, CodeHoldingNotInSam)
	c.Assert(finding.RuleCode, gc.Equals, "SAM-LOOKUP")
	c.Assert(finding.CPH, gc.Equals, "12/345/0001")
	c.Assert(finding.Context["cph"], gc.Equals, "12/345/0001")
}

func (s *rulesSuite) TestMissingHerd(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001", "PARTY_ID": "P1"}},
		samPartiesCollection:  {{"PARTY_ID": "P1"}},
		partyEmailsCollection: {{"PARTY_ID": "P1", "EMAIL_ADDRESS": "farm@example.com"}},
	})
	c.Assert(verdict.Findings, gc.HasLen, 1)
	c.Assert(verdict.Findings[0].Code, gc.Equals, CodeHoldingNoHerd)
	c.Assert(verdict.Findings[0].RuleCode, gc.Equals, "HERD-LOOKUP")
}

func (s *rulesSuite) TestMissingParty(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001", "PARTY_ID": "P1"}},
		samHerdsCollection:    {{"CPH": "12/345/0001"}},
	})
	c.Assert(verdict.Findings, gc.HasLen, 1)
	finding := verdict.Findings[0]
	c.Assert(finding.Code, gc.Equals, CodeHoldingNoParty)
	c.Assert(finding.Context["partyId"], gc.Equals, "P1")
}

func (s *rulesSuite) TestHoldingWithoutPartyID(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001"}},
		samHerdsCollection:    {{"CPH": "12/345/0001"}},
		samPartiesCollection:  {{"PARTY_ID": "P1"}},
	})
	// No party id means no party lookup and, with no enrichment, the
	// email check stays quiet.
	c.Assert(verdict.Findings, gc.HasLen, 1)
	c.Assert(verdict.Findings[0].Code, gc.Equals, CodeHoldingNoParty)
	c.Assert(verdict.Findings[0].Context["partyId"], gc.Equals, "")
}

func (s *rulesSuite) TestMissingEmail(c *gc.C) {
	verdict := s.run(c, map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001", "PARTY_ID": "P1"}},
		samHerdsCollection:    {{"CPH": "12/345/0001"}},
		samPartiesCollection:  {{"PARTY_ID": "P1"}},
	})
	c.Assert(verdict.Findings, gc.HasLen, 1)
	finding := verdict.Findings[0]
	c.Assert(finding.Code, gc.Equals, CodePartyNoEmail)
	c.Assert(finding.RuleCode, gc.Equals, "EMAIL-CHECK")
	c.Assert(finding.Context["partyId"], gc.Equals, "P1")
}

func (s *rulesSuite) TestEnrichmentFlowsThroughPipeline(c *gc.C) {
	actx := NewAnalysisContext(&collectionQueries{docs: map[string][]bson.M{
		samHoldingsCollection: {{"CPH": "12/345/0001", "PARTY_ID": "P1"}},
		samHerdsCollection:    {{"CPH": "12/345/0001"}},
		samPartiesCollection:  {{"PARTY_ID": "P1"}},
		partyEmailsCollection: {{"PARTY_ID": "P1", "EMAIL_ADDRESS": "farm@example.com"}},
	}})
	input := &HoldingInput{Lid: "AH-12/345/0001", CPH: "12/345/0001"}
	NewPipeline(BuiltInRules()...).Run(actx, input)
	c.Assert(FirstString(input.SamHolding, "PARTY_ID"), gc.Equals, "P1")
	c.Assert(FirstString(input.Party, "PARTY_ID"), gc.Equals, "P1")
}
