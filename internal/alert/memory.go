package alert

import (
	"context"
	"sync"
)

// Memory records alerts. For tests.
type Memory struct {
	mu   sync.Mutex
	msgs []string
	Err  error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Notify(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.msgs = append(m.msgs, text)
	return nil
}

// Messages returns delivered alerts in order.
func (m *Memory) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}
