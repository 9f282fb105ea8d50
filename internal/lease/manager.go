// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease provides scoped acquisition of the platform's named
// single-writer locks. A successful acquisition returns a token whose
// heartbeat keeps the underlying lease extended; if the heartbeat fails
// the token's Done channel closes and the holder must abort.
package lease

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	statelease "github.com/canonical/litp/state/lease"
)

var logger = loggo.GetLogger("litp.lease")

// ErrHeld is returned by TryAcquire when the lock is unavailable.
const ErrHeld = statelease.ErrHeld

// Lock names used by the platform's singleton operations.
const (
	ImportLock  = "import"
	CleanseLock = "cleanse-analysis"
)

// DefaultDuration is the lease duration for platform locks. Heartbeats
// extend at half-life.
const DefaultDuration = time.Minute

// Claimer is the slice of the lease client the manager needs.
type Claimer interface {
	Claim(name, holder string, duration time.Duration) error
	Extend(name, holder string, duration time.Duration) error
	Release(name, holder string) error
}

// Manager hands out heartbeat-backed lock tokens.
type Manager struct {
	client   Claimer
	clock    clock.Clock
	holder   string
	duration time.Duration
}

// NewManager returns a manager claiming locks as the given holder
// identity, typically a process-unique id.
func NewManager(client Claimer, clk clock.Clock, holder string, duration time.Duration) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{client: client, clock: clk, holder: holder, duration: duration}
}

// TryAcquire makes a single attempt on the named lock. It returns ErrHeld
// without blocking when the lock is taken. On success the returned token
// must be released by the caller.
func (m *Manager) TryAcquire(name string) (*Token, error) {
	if err := m.client.Claim(name, m.holder, m.duration); err != nil {
		return nil, errors.Trace(err)
	}
	t := &Token{
		manager: m,
		name:    name,
	}
	t.tomb.Go(t.heartbeat)
	logger.Debugf("acquired lock %q as %q", name, m.holder)
	return t, nil
}

// Token is a held lock. Done closes when the lease can no longer be
// guaranteed, at which point the holder must stop mutating shared state.
type Token struct {
	tomb    tomb.Tomb
	manager *Manager
	name    string
}

// Done reports loss of the lease.
func (t *Token) Done() <-chan struct{} {
	return t.tomb.Dying()
}

// Release stops the heartbeat and vacates the lock.
func (t *Token) Release() {
	t.tomb.Kill(nil)
	_ = t.tomb.Wait()
	if err := t.manager.client.Release(t.name, t.manager.holder); err != nil {
		logger.Warningf("releasing lock %q: %v", t.name, err)
	}
	logger.Debugf("released lock %q", t.name)
}

func (t *Token) heartbeat() error {
	interval := t.manager.duration / 2
	for {
		select {
		case <-t.tomb.Dying():
			return tomb.ErrDying
		case <-t.manager.clock.After(interval):
		}
		err := t.manager.client.Extend(t.name, t.manager.holder, t.manager.duration)
		if err != nil {
			logger.Errorf("heartbeat lost lock %q: %v", t.name, err)
			return errors.Annotatef(err, "extending lock %q", t.name)
		}
	}
}
