// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type recordIDSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&recordIDSuite{})

func (s *recordIDSuite) TestDeterministic(c *gc.C) {
	a, err := RecordID("12/345/0001", "UK123456")
	c.Assert(err, jc.ErrorIsNil)
	b, err := RecordID("12/345/0001", "UK123456")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a, gc.Equals, b)
	c.Assert(a, gc.HasLen, 43)
}

func (s *recordIDSuite) TestPartBoundariesMatter(c *gc.C) {
	a, err := RecordID("AB", "C")
	c.Assert(err, jc.ErrorIsNil)
	b, err := RecordID("A", "BC")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a, gc.Not(gc.Equals), b)
}

func (s *recordIDSuite) TestOrderMatters(c *gc.C) {
	a, err := RecordID("one", "two")
	c.Assert(err, jc.ErrorIsNil)
	b, err := RecordID("two", "one")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a, gc.Not(gc.Equals), b)
}

func (s *recordIDSuite) TestRejectsEmptyParts(c *gc.C) {
	_, err := RecordID()
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	_, err = RecordID("ok", "")
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	_, err = RecordID("ok", "   ")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
