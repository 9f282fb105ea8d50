// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"context"
	"io"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/core/objectstore"
)

type catalogueSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&catalogueSuite{})

func (s *catalogueSuite) TestDateRangeContains(c *gc.C) {
	rng := DateRange{
		From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	c.Check(rng.Contains(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), jc.IsTrue)
	c.Check(rng.Contains(time.Date(2025, 6, 3, 23, 59, 59, 0, time.UTC)), jc.IsTrue)
	c.Check(rng.Contains(time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC)), jc.IsFalse)
	c.Check(rng.Contains(time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)), jc.IsFalse)
}

func (s *catalogueSuite) TestToday(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC))
	rng := Today(clk)
	c.Assert(rng.From, gc.Equals, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	c.Assert(rng.To, gc.Equals, rng.From)
	c.Check(rng.Contains(time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)), jc.IsTrue)
	c.Check(rng.Contains(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)), jc.IsFalse)
}

func (s *catalogueSuite) TestLastN(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC))
	rng := LastN(clk, 7)
	c.Assert(rng.From, gc.Equals, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	c.Assert(rng.To, gc.Equals, time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC))

	// Degenerate window sizes still cover today.
	rng = LastN(clk, 0)
	c.Assert(rng.From, gc.Equals, rng.To)
}

type listStubReader struct {
	refs []objectstore.ObjectRef
	err  error
}

func (r *listStubReader) List(ctx context.Context, prefix string) ([]objectstore.ObjectRef, error) {
	return r.refs, r.err
}

func (r *listStubReader) ListPage(ctx context.Context, prefix string, size int, token string) ([]objectstore.ObjectRef, string, error) {
	return r.refs, "", r.err
}

func (r *listStubReader) GetMetadata(ctx context.Context, key string) (objectstore.Metadata, error) {
	return objectstore.Metadata{}, objectstore.ErrNotFound
}

func (r *listStubReader) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (r *listStubReader) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, objectstore.ErrNotFound
}

func (r *listStubReader) Presign(key string, expiry time.Duration) (string, error) {
	return "https://signed.invalid/" + key, nil
}

func (s *catalogueSuite) TestResolve(c *gc.C) {
	registry, err := dataset.NewRegistry(dataset.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)

	modified := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &listStubReader{refs: []objectstore.ObjectRef{
		{Key: "LITP_CTS_HOLDINGS_20250601090000.csv", ETag: "a", LastModified: modified},
		{Key: "LITP_CTS_HOLDINGS_20250602090000.csv", ETag: "b", LastModified: modified.Add(time.Hour)},
		{Key: "LITP_SAM_HERDS_20250601100000.csv", ETag: "c", LastModified: modified},
		// Outside the range.
		{Key: "LITP_CTS_HOLDINGS_20250401090000.csv", ETag: "d", LastModified: modified},
		// Not a dataset file at all.
		{Key: "README.txt", ETag: "e", LastModified: modified},
	}}

	rng := DateRange{
		From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC),
	}
	matched, err := NewCatalogue(store, registry).Resolve(context.Background(), rng)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(matched, gc.HasLen, 2)

	holdings := matched["cts_holdings"]
	c.Assert(holdings, gc.HasLen, 2)
	// Most recently modified first.
	c.Assert(holdings[0].Key, gc.Equals, "LITP_CTS_HOLDINGS_20250602090000.csv")
	c.Assert(matched["sam_herds"], gc.HasLen, 1)
}

func (s *catalogueSuite) TestResolveListError(c *gc.C) {
	registry, err := dataset.NewRegistry(dataset.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)

	store := &listStubReader{err: objectstore.ErrNotSupported}
	_, err = NewCatalogue(store, registry).Resolve(context.Background(), DateRange{})
	c.Assert(err, jc.ErrorIs, objectstore.ErrNotSupported)
}
