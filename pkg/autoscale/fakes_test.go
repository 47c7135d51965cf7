package autoscale_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource returns backlog, or err when set.
type fakeSource struct {
	mu      sync.Mutex
	backlog int64
	err     error
	reads   int
}

func (s *fakeSource) ReadBacklog(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return 0, s.err
	}
	return s.backlog, nil
}

func (s *fakeSource) Set(backlog int64, err error) {
	s.mu.Lock()
	s.backlog, s.err = backlog, err
	s.mu.Unlock()
}

// fakeTarget converges instantly up to limit (when non-zero).
type fakeTarget struct {
	mu       sync.Mutex
	replicas int32
	limit    int32
	getErr   error
	setErr   error
	commands []int32
}

func (f *fakeTarget) GetReplicas(context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.replicas, nil
}

func (f *fakeTarget) SetReplicas(_ context.Context, n int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.commands = append(f.commands, n)
	f.replicas = n
	if f.limit > 0 && f.replicas > f.limit {
		f.replicas = f.limit
	}
	return nil
}

func (f *fakeTarget) Commands() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.commands...)
}

func (f *fakeTarget) Replicas() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replicas
}

func (f *fakeTarget) SetErr(err error) {
	f.mu.Lock()
	f.setErr = err
	f.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []autoscale.Event
}

func (r *recordingSink) Publish(_ context.Context, ev autoscale.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) Types() []autoscale.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]autoscale.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
