package generation

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse is one scripted step for a MockService. Either Content or
// Err is consumed per Generate call, in order.
type MockResponse struct {
	Content string
	Err     error
}

// MockService replays scripted responses. Once the script is exhausted it
// returns Fallback (or an invalid-output error when Fallback is empty).
type MockService struct {
	mu        sync.Mutex
	name      string
	script    []MockResponse
	Fallback  string
	calls     int
	lastSpecs []Spec
}

func NewMockService(name string, script ...MockResponse) *MockService {
	return &MockService{
		name:   name,
		script: script,
	}
}

func (m *MockService) Name() string {
	return m.name
}

func (m *MockService) Generate(ctx context.Context, spec Spec, maxOutputSize int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	m.lastSpecs = append(m.lastSpecs, spec)

	if idx < len(m.script) {
		step := m.script[idx]
		if step.Err != nil {
			return "", step.Err
		}
		return step.Content, nil
	}

	if m.Fallback != "" {
		return m.Fallback, nil
	}
	return "", fmt.Errorf("%w: mock %s script exhausted after %d calls", ErrInvalidOutput, m.name, idx)
}

// Calls reports how many times Generate ran.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Specs returns a copy of every Spec received, in call order.
func (m *MockService) Specs() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Spec, len(m.lastSpecs))
	copy(out, m.lastSpecs)
	return out
}
