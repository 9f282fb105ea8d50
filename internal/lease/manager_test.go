// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/internal/lease"
)

type managerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&managerSuite{})

const testTimeout = 10 * time.Second

type stubClaimer struct {
	mu        sync.Mutex
	claims    []string
	releases  []string
	claimErr  error
	extendErr error
	extended  chan string
}

func newStubClaimer() *stubClaimer {
	return &stubClaimer{extended: make(chan string, 10)}
}

func (c *stubClaimer) Claim(name, holder string, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return c.claimErr
	}
	c.claims = append(c.claims, name+"/"+holder)
	return nil
}

func (c *stubClaimer) Extend(name, holder string, duration time.Duration) error {
	c.mu.Lock()
	err := c.extendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.extended <- name
	return nil
}

func (c *stubClaimer) Release(name, holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, name+"/"+holder)
	return nil
}

func (c *stubClaimer) recorded() (claims, releases []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.claims...), append([]string(nil), c.releases...)
}

func (s *managerSuite) TestTryAcquireAndRelease(c *gc.C) {
	claimer := newStubClaimer()
	clk := testclock.NewClock(time.Now())
	manager := lease.NewManager(claimer, clk, "host/abc", time.Minute)

	token, err := manager.TryAcquire(lease.ImportLock)
	c.Assert(err, jc.ErrorIsNil)
	token.Release()

	claims, releases := claimer.recorded()
	c.Assert(claims, gc.DeepEquals, []string{"import/host/abc"})
	c.Assert(releases, gc.DeepEquals, []string{"import/host/abc"})
}

func (s *managerSuite) TestTryAcquireHeld(c *gc.C) {
	claimer := newStubClaimer()
	claimer.claimErr = lease.ErrHeld
	manager := lease.NewManager(claimer, testclock.NewClock(time.Now()), "host/abc", time.Minute)

	token, err := manager.TryAcquire(lease.ImportLock)
	c.Assert(err, jc.ErrorIs, lease.ErrHeld)
	c.Assert(token, gc.IsNil)
}

func (s *managerSuite) TestHeartbeatExtendsAtHalfLife(c *gc.C) {
	claimer := newStubClaimer()
	clk := testclock.NewClock(time.Now())
	manager := lease.NewManager(claimer, clk, "host/abc", time.Minute)

	token, err := manager.TryAcquire(lease.CleanseLock)
	c.Assert(err, jc.ErrorIsNil)
	defer token.Release()

	for i := 0; i < 3; i++ {
		c.Assert(clk.WaitAdvance(30*time.Second, testTimeout, 1), jc.ErrorIsNil)
		select {
		case name := <-claimer.extended:
			c.Assert(name, gc.Equals, lease.CleanseLock)
		case <-time.After(testTimeout):
			c.Fatalf("timed out waiting for heartbeat %d", i)
		}
	}

	select {
	case <-token.Done():
		c.Fatalf("token reported lost while heartbeats succeed")
	default:
	}
}

func (s *managerSuite) TestFailedExtendClosesDone(c *gc.C) {
	claimer := newStubClaimer()
	claimer.extendErr = errors.New("lease stolen")
	clk := testclock.NewClock(time.Now())
	manager := lease.NewManager(claimer, clk, "host/abc", time.Minute)

	token, err := manager.TryAcquire(lease.ImportLock)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(clk.WaitAdvance(30*time.Second, testTimeout, 1), jc.ErrorIsNil)
	select {
	case <-token.Done():
	case <-time.After(testTimeout):
		c.Fatalf("timed out waiting for token loss")
	}

	// Release after loss still vacates the lock record.
	token.Release()
	_, releases := claimer.recorded()
	c.Assert(releases, gc.DeepEquals, []string{"import/host/abc"})
}

func (s *managerSuite) TestZeroDurationDefaults(c *gc.C) {
	claimer := newStubClaimer()
	clk := testclock.NewClock(time.Now())
	manager := lease.NewManager(claimer, clk, "host/abc", 0)

	token, err := manager.TryAcquire(lease.ImportLock)
	c.Assert(err, jc.ErrorIsNil)
	defer token.Release()

	// Half of DefaultDuration.
	c.Assert(clk.WaitAdvance(lease.DefaultDuration/2, testTimeout, 1), jc.ErrorIsNil)
	select {
	case <-claimer.extended:
	case <-time.After(testTimeout):
		c.Fatalf("timed out waiting for heartbeat")
	}
}
