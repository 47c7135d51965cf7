package source

import (
	"context"
	"sync"
)

// Memory is an in-process source whose backlog is set directly. It backs the
// "static" source type and tests.
type Memory struct {
	mu      sync.Mutex
	backlog int64
	err     error
}

func NewMemory(backlog int64) *Memory {
	return &Memory{backlog: backlog}
}

// Set replaces the backlog and clears any injected failure.
func (m *Memory) Set(backlog int64) {
	m.mu.Lock()
	m.backlog, m.err = backlog, nil
	m.mu.Unlock()
}

// Fail makes reads return err until the next Set. A nil err clears it.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) ReadBacklog(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.backlog, nil
}

func (m *Memory) String() string { return "memory" }
