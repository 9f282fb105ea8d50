// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"sync"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// AnalysisContext memoises query results for the lifetime of one analysis
// operation. Rules evaluating different records frequently issue identical
// lookups; the context runs each distinct query once, with per-key locking
// so concurrent evaluators of the same query share a single round trip.
type AnalysisContext struct {
	queries Queries

	keys    *kmutex.Kmutex
	mu      sync.RWMutex
	results map[string][]bson.M

	hits   int
	misses int
}

// NewAnalysisContext returns a fresh context over the given runner. A
// context must not outlive its operation; datasets mutate between runs.
func NewAnalysisContext(queries Queries) *AnalysisContext {
	return &AnalysisContext{
		queries: queries,
		keys:    kmutex.New(),
		results: make(map[string][]bson.M),
	}
}

// Run executes the query through the cache.
func (c *AnalysisContext) Run(q Query) ([]bson.M, error) {
	key := q.CacheKey()

	c.mu.RLock()
	docs, ok := c.results[key]
	c.mu.RUnlock()
	if ok {
		c.note(true)
		return docs, nil
	}

	// Serialise concurrent misses on the same key so the query runs once.
	c.keys.Lock(key)
	defer c.keys.Unlock(key)

	c.mu.RLock()
	docs, ok = c.results[key]
	c.mu.RUnlock()
	if ok {
		c.note(true)
		return docs, nil
	}

	docs, err := c.queries.Run(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.mu.Lock()
	c.results[key] = docs
	c.mu.Unlock()
	c.note(false)
	return docs, nil
}

// RunOne executes the query limited to a single document, reporting
// whether one matched.
func (c *AnalysisContext) RunOne(q Query) (bson.M, bool, error) {
	q.Limit = 1
	docs, err := c.Run(q)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// Stats reports cache effectiveness for the operation log.
func (c *AnalysisContext) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *AnalysisContext) note(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}
