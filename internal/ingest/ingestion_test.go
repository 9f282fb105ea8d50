// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"bufio"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/core/objectstore"
)

type ingestionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ingestionSuite{})

func (s *ingestionSuite) TestDetectDelimiter(c *gc.C) {
	comma := bufio.NewReader(strings.NewReader("CPH,NAME\n12/345/0001,Farm\n"))
	c.Check(detectDelimiter(comma, 0), gc.Equals, ',')

	pipe := bufio.NewReader(strings.NewReader("CPH|NAME\n12/345/0001|Farm\n"))
	c.Check(detectDelimiter(pipe, 0), gc.Equals, '|')

	// A comma anywhere in the header wins over pipes.
	mixed := bufio.NewReader(strings.NewReader("CPH|NAME,ALIAS\n"))
	c.Check(detectDelimiter(mixed, 0), gc.Equals, ',')

	// A pinned delimiter is never second-guessed.
	c.Check(detectDelimiter(pipe, ';'), gc.Equals, ';')
}

func (s *ingestionSuite) TestDetectDelimiterDoesNotConsume(c *gc.C) {
	r := bufio.NewReader(strings.NewReader("CPH|NAME\n"))
	detectDelimiter(r, 0)
	line, err := r.ReadString('\n')
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(line, gc.Equals, "CPH|NAME\n")
}

func (s *ingestionSuite) definition() dataset.Definition {
	return dataset.Definition{
		Name:              "sam_herds",
		FilePrefix:        "LITP_SAM_HERDS_{0}",
		DatePattern:       dataset.DatePatternCompact,
		PrimaryKeyColumns: []string{"CPH", "HERD_MARK"},
		ChangeTypeColumn:  "CHANGETYPE",
	}
}

func (s *ingestionSuite) TestNewestFirst(c *gc.C) {
	reg, err := dataset.NewRegistry(s.definition())
	c.Assert(err, jc.ErrorIsNil)
	stage := &IngestionStage{registry: reg}

	refs := []objectstore.ObjectRef{
		{Key: "LITP_SAM_HERDS_20250601090000.csv"},
		{Key: "LITP_SAM_HERDS_20250603090000.csv"},
		{Key: "LITP_SAM_HERDS_20250602090000.csv"},
	}
	ordered := stage.newestFirst(refs)
	c.Assert(ordered, gc.DeepEquals, []objectstore.ObjectRef{
		{Key: "LITP_SAM_HERDS_20250603090000.csv"},
		{Key: "LITP_SAM_HERDS_20250602090000.csv"},
		{Key: "LITP_SAM_HERDS_20250601090000.csv"},
	})
	// The input is not reordered in place.
	c.Assert(refs[0].Key, gc.Equals, "LITP_SAM_HERDS_20250601090000.csv")
}

func (s *ingestionSuite) TestMapHeader(c *gc.C) {
	columns, keyIndexes, changeIndex, err := mapHeader(
		[]string{" CPH", "HERD_MARK", "SPECIES", "CHANGETYPE"}, s.definition())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(columns, gc.DeepEquals, []string{"CPH", "HERD_MARK", "SPECIES", "CHANGETYPE"})
	c.Assert(keyIndexes, gc.DeepEquals, []int{0, 1})
	c.Assert(changeIndex, gc.Equals, 3)
}

func (s *ingestionSuite) TestMapHeaderMissingKeyColumn(c *gc.C) {
	_, _, _, err := mapHeader([]string{"CPH", "SPECIES"}, s.definition())
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ingestionSuite) TestMapHeaderMissingChangeTypeColumn(c *gc.C) {
	_, _, changeIndex, err := mapHeader([]string{"CPH", "HERD_MARK"}, s.definition())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(changeIndex, gc.Equals, -1)
}

func (s *ingestionSuite) TestBuildRow(c *gc.C) {
	columns, keyIndexes, changeIndex, err := mapHeader(
		[]string{"CPH", "HERD_MARK", "SPECIES", "CHANGETYPE"}, s.definition())
	c.Assert(err, jc.ErrorIsNil)

	row, err := buildRow([]string{"12/345/0001", "UK1", "Cattle", "U"}, columns, keyIndexes, changeIndex)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(row.ChangeType, gc.Equals, "U")
	// The change-type column drives the engine but is not stored.
	c.Assert(row.Columns, gc.DeepEquals, map[string]string{
		"CPH":       "12/345/0001",
		"HERD_MARK": "UK1",
		"SPECIES":   "Cattle",
	})

	want, err := RecordID("12/345/0001", "UK1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(row.ID, gc.Equals, want)
}

func (s *ingestionSuite) TestBuildRowTrimsKeyParts(c *gc.C) {
	columns, keyIndexes, changeIndex, err := mapHeader(
		[]string{"CPH", "HERD_MARK", "CHANGETYPE"}, s.definition())
	c.Assert(err, jc.ErrorIsNil)

	a, err := buildRow([]string{" 12/345/0001 ", "UK1", "I"}, columns, keyIndexes, changeIndex)
	c.Assert(err, jc.ErrorIsNil)
	b, err := buildRow([]string{"12/345/0001", "UK1", "I"}, columns, keyIndexes, changeIndex)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.ID, gc.Equals, b.ID)
}

func (s *ingestionSuite) TestBuildRowEmptyKeyPart(c *gc.C) {
	columns, keyIndexes, changeIndex, err := mapHeader(
		[]string{"CPH", "HERD_MARK", "CHANGETYPE"}, s.definition())
	c.Assert(err, jc.ErrorIsNil)

	_, err = buildRow([]string{"12/345/0001", "", "I"}, columns, keyIndexes, changeIndex)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
