package testutil

import (
	"context"
	"sync"
)

// MockGenerator is a canned-response text generator recording the prompts
// it receives. Safe for concurrent use.
type MockGenerator struct {
	Response string
	Err      error

	mu      sync.Mutex
	prompts []string
}

// Generate returns the canned response (or error) and records prompt.
func (m *MockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

// Prompts returns a copy of the recorded prompts.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// CallCount returns how many times Generate ran.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
