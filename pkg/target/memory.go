package target

import (
	"context"
	"sync"
)

// Memory is an in-process target. Commands are accepted at once and the
// reported count moves toward them on each Converge call, or immediately when
// instant is set.
type Memory struct {
	mu       sync.Mutex
	desired  int32
	current  int32
	instant  bool
	limit    int32
	getErr   error
	setErr   error
	commands []int32
}

// NewMemory starts at replicas. With instant set, SetReplicas converges at once.
func NewMemory(replicas int32, instant bool) *Memory {
	return &Memory{desired: replicas, current: replicas, instant: instant}
}

func (m *Memory) GetReplicas(ctx context.Context) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	return m.current, nil
}

func (m *Memory) SetReplicas(ctx context.Context, n int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.commands = append(m.commands, n)
	m.desired = n
	if m.instant {
		m.current = m.capped(n)
	}
	return nil
}

// Converge moves the reported count up to step replicas toward the last
// command. A step <= 0 converges fully.
func (m *Memory) Converge(step int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal := m.capped(m.desired)
	switch {
	case step <= 0 || abs(goal-m.current) <= step:
		m.current = goal
	case goal > m.current:
		m.current += step
	default:
		m.current -= step
	}
}

// Limit caps the count the target will ever report, like a resource quota.
// Zero removes the cap.
func (m *Memory) Limit(n int32) {
	m.mu.Lock()
	m.limit = n
	m.mu.Unlock()
}

// Fail injects errors into GetReplicas and SetReplicas. nil clears them.
func (m *Memory) Fail(getErr, setErr error) {
	m.mu.Lock()
	m.getErr, m.setErr = getErr, setErr
	m.mu.Unlock()
}

// Commands returns every accepted SetReplicas value in order.
func (m *Memory) Commands() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int32(nil), m.commands...)
}

func (m *Memory) String() string { return "memory" }

func (m *Memory) capped(n int32) int32 {
	if m.limit > 0 && n > m.limit {
		return m.limit
	}
	return n
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
