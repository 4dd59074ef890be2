package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/store"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	disabled   bool
	enqueueErr error
	closes     []string
	ghosts     []bool
	indexes    []string
	removes    []string
}

func (d *fakeDispatcher) Enabled() bool { return !d.disabled }

func (d *fakeDispatcher) EnqueueClose(_ context.Context, id string, ghost bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.closes = append(d.closes, id)
	d.ghosts = append(d.ghosts, ghost)
	return nil
}

func (d *fakeDispatcher) EnqueueIndex(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.indexes = append(d.indexes, id)
	return nil
}

func (d *fakeDispatcher) RemoveJobs(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removes = append(d.removes, id)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	clock *testClock
	l     *Ledger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.Now),
		WithLogger(logger.Nop()),
		WithIdleTimeout(10 * time.Minute),
	}
	l := New(rdb, store.NewKeys("test"), append(base, opts...)...)
	return &harness{mr: mr, rdb: rdb, clock: clock, l: l}
}
