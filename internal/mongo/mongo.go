// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo is a thin wrapper over the document database. It owns the
// session and hands out per-operation collection handles backed by copied
// sessions, so concurrent callers never share a socket.
package mongo

import (
	"time"

	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

const dialTimeout = 30 * time.Second

// Database wraps one logical database on a mongo deployment.
type Database struct {
	session *mgo.Session
	name    string
}

// Dial connects to the deployment at url and returns the named database.
func Dial(url, name string) (*Database, error) {
	session, err := mgo.DialWithTimeout(url, dialTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "dialling mongo at %q", url)
	}
	session.SetMode(mgo.Strong, true)
	return &Database{session: session, name: name}, nil
}

// NewDatabase wraps an existing session. The caller retains ownership of
// the session; Close on the returned database is still required to release
// copies handed out by GetCollection.
func NewDatabase(session *mgo.Session, name string) *Database {
	return &Database{session: session, name: name}
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// Close terminates the underlying session.
func (db *Database) Close() {
	db.session.Close()
}

// GetCollection returns the named collection on a copied session, along
// with a closer that must be called once the caller is done with it.
func (db *Database) GetCollection(name string) (*mgo.Collection, func()) {
	session := db.session.Copy()
	return session.DB(db.name).C(name), session.Close
}

// EnsureIndexes creates the supplied indexes on the named collection.
func (db *Database) EnsureIndexes(collection string, indexes []mgo.Index) error {
	coll, closer := db.GetCollection(collection)
	defer closer()
	for _, index := range indexes {
		if err := coll.EnsureIndex(index); err != nil {
			return errors.Annotatef(err, "ensuring index %v on %q", index.Key, collection)
		}
	}
	return nil
}

// EnsureWildcardIndex creates a wildcard index over every field of the
// named collection. mgo's index key parser predates wildcard indexes, so
// the index is created through the raw createIndexes command.
func (db *Database) EnsureWildcardIndex(collection string) error {
	session := db.session.Copy()
	defer session.Close()
	cmd := bson.D{
		{Name: "createIndexes", Value: collection},
		{Name: "indexes", Value: []bson.M{{
			"key":  bson.M{"$**": 1},
			"name": "wildcard",
		}}},
	}
	var result bson.M
	if err := session.DB(db.name).Run(cmd, &result); err != nil {
		return errors.Annotatef(err, "ensuring wildcard index on %q", collection)
	}
	return nil
}

// RemoveAll deletes every document in the named collection, returning the
// number removed. The collection and its indexes remain.
func (db *Database) RemoveAll(collection string) (int, error) {
	coll, closer := db.GetCollection(collection)
	defer closer()
	info, err := coll.RemoveAll(nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return info.Removed, nil
}

// IsDup reports whether the error is a unique index violation. It mirrors
// mgo.IsDup but survives annotation wrapping.
func IsDup(err error) bool {
	return mgo.IsDup(errors.Cause(err))
}
