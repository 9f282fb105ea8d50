// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/core/objectstore"
)

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether ts falls inside the range. The To bound covers
// the whole of its day.
func (r DateRange) Contains(ts time.Time) bool {
	ts = ts.In(time.UTC)
	return !ts.Before(r.From) && ts.Before(r.To.AddDate(0, 0, 1))
}

func utcDay(t time.Time) time.Time {
	t = t.In(time.UTC)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Today returns the single-day range covering the current UTC day.
func Today(clk clock.Clock) DateRange {
	day := utcDay(clk.Now())
	return DateRange{From: day, To: day}
}

// LastN returns the range covering the last n UTC calendar days up to and
// including today.
func LastN(clk clock.Clock, n int) DateRange {
	if n < 1 {
		n = 1
	}
	day := utcDay(clk.Now())
	return DateRange{From: day.AddDate(0, 0, -(n - 1)), To: day}
}

// Catalogue resolves, per dataset definition, the target-store objects
// whose embedded publication timestamp falls in a date range.
type Catalogue struct {
	store    objectstore.Reader
	registry *dataset.Registry
}

// NewCatalogue returns a catalogue over the given store and registry.
func NewCatalogue(store objectstore.Reader, registry *dataset.Registry) *Catalogue {
	return &Catalogue{store: store, registry: registry}
}

// Resolve lists the store and buckets matching objects by dataset. Within
// each dataset, objects are ordered most recently modified first, ties
// broken by ascending key.
func (c *Catalogue) Resolve(ctx context.Context, rng DateRange) (map[string][]objectstore.ObjectRef, error) {
	refs, err := c.store.List(ctx, "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	matched := make(map[string][]objectstore.ObjectRef)
	for _, ref := range refs {
		def, ts, ok := c.registry.Match(ref.Key)
		if !ok || !rng.Contains(ts) {
			continue
		}
		matched[def.Name] = append(matched[def.Name], ref)
	}
	for name := range matched {
		files := matched[name]
		sort.Slice(files, func(i, j int) bool {
			if !files[i].LastModified.Equal(files[j].LastModified) {
				return files[i].LastModified.After(files[j].LastModified)
			}
			return files[i].Key < files[j].Key
		})
	}
	return matched, nil
}
