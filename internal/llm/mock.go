package llm

import (
	"context"
	"sync"
)

// Call is one recorded completion request.
type Call struct {
	System  string
	Content string
}

// MockClient is a test double for the LLM Client interface.
// It can also be used for dry-run mode. Responses, when set, are returned in
// order (the last one repeats); otherwise Response is returned every time.
type MockClient struct {
	Response  *Response
	Responses []*Response
	Err       error

	mu    sync.Mutex
	calls []Call
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, system, content string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{System: system, Content: content})
	if m.Err != nil {
		return nil, m.Err
	}
	if n := len(m.Responses); n > 0 {
		i := len(m.calls) - 1
		if i >= n {
			i = n - 1
		}
		return m.Responses[i], nil
	}
	return m.Response, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}
