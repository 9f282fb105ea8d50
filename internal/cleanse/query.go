// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cleanse implements the cleanse analysis engine: composable
// dataset queries with per-operation caching, the rule pipeline, the
// analysis strategy, report export and the operation orchestrator.
package cleanse

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

var logger = loggo.GetLogger("litp.cleanse")

// Filter is a composable predicate over dataset records. Filters are
// immutable; combinators return new values.
type Filter struct {
	op       string
	field    string
	value    interface{}
	children []Filter
}

// Eq matches records whose field equals value.
func Eq(field string, value interface{}) Filter {
	return Filter{op: "eq", field: field, value: value}
}

// Ne matches records whose field differs from value.
func Ne(field string, value interface{}) Filter {
	return Filter{op: "ne", field: field, value: value}
}

// Gt matches records whose field is greater than value.
func Gt(field string, value interface{}) Filter {
	return Filter{op: "gt", field: field, value: value}
}

// Lt matches records whose field is less than value.
func Lt(field string, value interface{}) Filter {
	return Filter{op: "lt", field: field, value: value}
}

// In matches records whose field takes any of the given values.
func In(field string, values ...interface{}) Filter {
	return Filter{op: "in", field: field, value: values}
}

// Contains matches records whose string field contains the substring.
func Contains(field, substring string) Filter {
	return Filter{op: "contains", field: field, value: substring}
}

// StartsWith matches records whose string field starts with the prefix.
func StartsWith(field, prefix string) Filter {
	return Filter{op: "startsWith", field: field, value: prefix}
}

// Exists matches records that carry (or lack) the field at all.
func Exists(field string, exists bool) Filter {
	return Filter{op: "exists", field: field, value: exists}
}

// Empty matches records whose string field is absent or blank.
func Empty(field string) Filter {
	return Filter{op: "empty", field: field}
}

// And matches records satisfying every child filter.
func And(filters ...Filter) Filter {
	return Filter{op: "and", children: filters}
}

// Or matches records satisfying at least one child filter.
func Or(filters ...Filter) Filter {
	return Filter{op: "or", children: filters}
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return Filter{op: "not", children: []Filter{f}}
}

// Live matches records not soft-deleted by ingestion. Every rule query
// composes this in; analysis never sees deleted records.
func Live() Filter {
	return Eq("IsDeleted", false)
}

// bson renders the filter as a query document. The zero Filter matches
// everything.
func (f Filter) bson() bson.M {
	switch f.op {
	case "":
		return bson.M{}
	case "eq":
		return bson.M{f.field: f.value}
	case "ne":
		return bson.M{f.field: bson.M{"$ne": f.value}}
	case "gt":
		return bson.M{f.field: bson.M{"$gt": f.value}}
	case "lt":
		return bson.M{f.field: bson.M{"$lt": f.value}}
	case "in":
		return bson.M{f.field: bson.M{"$in": f.value}}
	case "contains":
		return bson.M{f.field: bson.M{"$regex": regexp.QuoteMeta(f.value.(string))}}
	case "startsWith":
		return bson.M{f.field: bson.M{"$regex": "^" + regexp.QuoteMeta(f.value.(string))}}
	case "exists":
		return bson.M{f.field: bson.M{"$exists": f.value}}
	case "empty":
		return bson.M{"$or": []bson.M{
			{f.field: ""},
			{f.field: bson.M{"$exists": false}},
		}}
	case "and":
		return bson.M{"$and": childDocs(f.children)}
	case "or":
		return bson.M{"$or": childDocs(f.children)}
	case "not":
		return bson.M{"$nor": childDocs(f.children)}
	}
	panic("unreachable filter op " + f.op)
}

func childDocs(children []Filter) []bson.M {
	docs := make([]bson.M, len(children))
	for i, child := range children {
		docs[i] = child.bson()
	}
	return docs
}

// canonical renders the filter in a deterministic textual form used for
// cache keying. Two filters built from the same parameters always render
// identically.
func (f Filter) canonical() string {
	if f.op == "" {
		return "*"
	}
	if len(f.children) > 0 {
		parts := make([]string, len(f.children))
		for i, child := range f.children {
			parts[i] = child.canonical()
		}
		return f.op + "(" + strings.Join(parts, ";") + ")"
	}
	return fmt.Sprintf("%s(%s=%v)", f.op, f.field, f.value)
}

// Query addresses one read against a dataset collection.
type Query struct {
	Collection string
	Filter     Filter
	Sort       []string
	Skip       int
	Limit      int
}

// CacheKey is the deterministic identity of a query, stable across
// processes for identical parameters.
func (q Query) CacheKey() string {
	parts := []string{
		q.Collection,
		q.Filter.canonical(),
		strings.Join(q.Sort, ","),
		fmt.Sprintf("%d:%d", q.Skip, q.Limit),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CollectionSource hands out dataset record collections with a session
// closer, the way state does.
type CollectionSource interface {
	DatasetCollection(name string) (*mgo.Collection, func(), error)
}

// Queries executes dataset queries. The analysis context wraps this with
// a per-operation cache.
type Queries interface {
	Run(q Query) ([]bson.M, error)
	Count(collection string, f Filter) (int, error)
}

// MongoQueries runs queries straight against the document database.
type MongoQueries struct {
	source CollectionSource
}

// NewMongoQueries returns a query runner over the given source.
func NewMongoQueries(source CollectionSource) *MongoQueries {
	return &MongoQueries{source: source}
}

// Run executes the query and returns matching documents. Results are
// sorted by _id when no sort is given, so pagination is stable.
func (m *MongoQueries) Run(q Query) ([]bson.M, error) {
	coll, closer, err := m.source.DatasetCollection(q.Collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closer()

	sortFields := q.Sort
	if len(sortFields) == 0 {
		sortFields = []string{"_id"}
	}
	find := coll.Find(q.Filter.bson()).Sort(sortFields...)
	if q.Skip > 0 {
		find = find.Skip(q.Skip)
	}
	if q.Limit > 0 {
		find = find.Limit(q.Limit)
	}
	var docs []bson.M
	if err := find.All(&docs); err != nil {
		return nil, errors.Annotatef(err, "querying %q", q.Collection)
	}
	return docs, nil
}

// Count returns the number of records matching the filter.
func (m *MongoQueries) Count(collection string, f Filter) (int, error) {
	coll, closer, err := m.source.DatasetCollection(collection)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer closer()
	n, err := coll.Find(f.bson()).Count()
	return n, errors.Annotatef(err, "counting %q", collection)
}

// FirstString digs a string field out of a query result document.
func FirstString(doc bson.M, field string) string {
	if doc == nil {
		return ""
	}
	s, _ := doc[field].(string)
	return s
}
