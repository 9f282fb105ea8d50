// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease implements named, leased, single-holder locks persisted in
// the document database. Uniqueness is enforced by the database (unique
// _id per lock name), not by in-process singletons.
package lease

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

const (
	// ErrHeld indicates the lock is currently held by someone else.
	ErrHeld = errors.ConstError("lock held by another holder")

	// ErrNotHeld indicates the caller does not hold the lock it tried
	// to extend or release.
	ErrNotHeld = errors.ConstError("lock not held")
)

// These constants define the field names used by lock documents. They must
// remain in sync with the bson annotations in lockDoc.
const (
	fieldHolder = "holder"
	fieldExpiry = "expiry"
)

// lockDoc is the persisted form of one named lock. Expiry is stored as
// UnixNano so no precision is lost round-tripping through the database.
type lockDoc struct {
	Name   string `bson:"_id"`
	Holder string `bson:"holder"`
	Start  int64  `bson:"start"`
	Expiry int64  `bson:"expiry"`
}

// Client manipulates locks in the distributed lock collection. Client
// methods are safe for concurrent use; every operation runs on its own
// session.
type Client struct {
	collection func() (*mgo.Collection, func())
	clock      clock.Clock
}

// NewClient returns a lock client over the supplied collection accessor.
func NewClient(collection func() (*mgo.Collection, func()), clk clock.Clock) *Client {
	return &Client{collection: collection, clock: clk}
}

// Claim attempts to take the named lock for holder for the supplied
// duration. It returns ErrHeld when another holder has an unexpired claim.
func (c *Client) Claim(name, holder string, duration time.Duration) error {
	if err := validate(name, holder, duration); err != nil {
		return errors.Trace(err)
	}
	coll, closer := c.collection()
	defer closer()

	now := c.clock.Now()
	doc := lockDoc{
		Name:   name,
		Holder: holder,
		Start:  now.UnixNano(),
		Expiry: now.Add(duration).UnixNano(),
	}
	err := coll.Insert(doc)
	if err == nil {
		return nil
	}
	if !mgo.IsDup(err) {
		return errors.Annotatef(err, "claiming lock %q", name)
	}

	// A document exists; take it over only if the current claim has
	// expired. The expiry predicate makes the takeover atomic.
	err = coll.Update(
		bson.M{"_id": name, fieldExpiry: bson.M{"$lt": now.UnixNano()}},
		doc,
	)
	if err == mgo.ErrNotFound {
		return ErrHeld
	}
	return errors.Annotatef(err, "claiming lock %q", name)
}

// Extend renews the holder's claim on the named lock. It returns
// ErrNotHeld if the holder no longer owns the lock.
func (c *Client) Extend(name, holder string, duration time.Duration) error {
	if err := validate(name, holder, duration); err != nil {
		return errors.Trace(err)
	}
	coll, closer := c.collection()
	defer closer()

	now := c.clock.Now()
	err := coll.Update(
		bson.M{"_id": name, fieldHolder: holder, fieldExpiry: bson.M{"$gte": now.UnixNano()}},
		bson.M{"$set": bson.M{fieldExpiry: now.Add(duration).UnixNano()}},
	)
	if err == mgo.ErrNotFound {
		return ErrNotHeld
	}
	return errors.Annotatef(err, "extending lock %q", name)
}

// Release vacates the named lock if the holder still owns it. Releasing a
// lock that has already lapsed is not an error.
func (c *Client) Release(name, holder string) error {
	if name == "" || holder == "" {
		return errors.NotValidf("empty lock name or holder")
	}
	coll, closer := c.collection()
	defer closer()

	err := coll.Remove(bson.M{"_id": name, fieldHolder: holder})
	if err == mgo.ErrNotFound {
		return nil
	}
	return errors.Annotatef(err, "releasing lock %q", name)
}

// Holder returns the current holder of the named lock, or the empty
// string when the lock is free or expired.
func (c *Client) Holder(name string) (string, error) {
	coll, closer := c.collection()
	defer closer()

	var doc lockDoc
	err := coll.FindId(name).One(&doc)
	if err == mgo.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Trace(err)
	}
	if doc.Expiry < c.clock.Now().UnixNano() {
		return "", nil
	}
	return doc.Holder, nil
}

func validate(name, holder string, duration time.Duration) error {
	if name == "" {
		return errors.NotValidf("empty lock name")
	}
	if holder == "" {
		return errors.NotValidf("empty lock holder")
	}
	if duration <= 0 {
		return errors.NotValidf("lock duration %v", duration)
	}
	return nil
}
