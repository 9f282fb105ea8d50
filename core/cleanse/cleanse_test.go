// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/core/cleanse"
)

type cleanseSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cleanseSuite{})

func (s *cleanseSuite) TestIssueIDDeterministic(c *gc.C) {
	a := cleanse.IssueID("SAM_HOLDING_NO_HERD", "AH-12/345/0001")
	b := cleanse.IssueID("SAM_HOLDING_NO_HERD", "AH-12/345/0001")
	c.Assert(a, gc.Equals, b)
	c.Assert(a, gc.HasLen, 43)
}

func (s *cleanseSuite) TestIssueIDDistinguishesInputs(c *gc.C) {
	base := cleanse.IssueID("SAM_HOLDING_NO_HERD", "AH-12/345/0001")
	c.Check(cleanse.IssueID("SAM_HOLDING_NO_PARTY", "AH-12/345/0001"), gc.Not(gc.Equals), base)
	c.Check(cleanse.IssueID("SAM_HOLDING_NO_HERD", "AH-12/345/0002"), gc.Not(gc.Equals), base)
	// The separator keeps (code, lid) pairs unambiguous even when a code
	// suffix could merge with a lid prefix.
	c.Check(cleanse.IssueID("A", "BC"), gc.Not(gc.Equals), cleanse.IssueID("AB", "C"))
}

func (s *cleanseSuite) TestSplitLid(c *gc.C) {
	region, cph, err := cleanse.SplitLid("AH-12/345/0001")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(region, gc.Equals, "AH")
	c.Assert(cph, gc.Equals, "12/345/0001")
}

func (s *cleanseSuite) TestSplitLidRejects(c *gc.C) {
	for _, lid := range []string{
		"",
		"AH",
		"AH-",
		"-12/345/0001",
		"AH-12/345/001",
		"AH-123/45/0001",
		"AH-12-345-0001",
	} {
		_, _, err := cleanse.SplitLid(lid)
		c.Check(err, jc.ErrorIs, errors.NotValid, gc.Commentf("lid %q", lid))
	}
}

func (s *cleanseSuite) TestValidCPH(c *gc.C) {
	c.Check(cleanse.ValidCPH("12/345/0001"), jc.IsTrue)
	c.Check(cleanse.ValidCPH("02/001/9999"), jc.IsTrue)
	c.Check(cleanse.ValidCPH("12/345/001"), jc.IsFalse)
	c.Check(cleanse.ValidCPH("1/345/0001"), jc.IsFalse)
	c.Check(cleanse.ValidCPH("12/345/00011"), jc.IsFalse)
	c.Check(cleanse.ValidCPH(""), jc.IsFalse)
}

func (s *cleanseSuite) TestParseResolutionStatus(c *gc.C) {
	for _, valid := range []string{"None", "Todo", "InProgress", "Resolved"} {
		status, err := cleanse.ParseResolutionStatus(valid)
		c.Check(err, jc.ErrorIsNil)
		c.Check(string(status), gc.Equals, valid)
	}
	_, err := cleanse.ParseResolutionStatus("Done")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
