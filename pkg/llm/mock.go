package llm

import (
	"context"
	"sync"
)

// MockProvider returns scripted responses in order, then repeats the last
// one. Errors queued with Fail are returned before any response.
type MockProvider struct {
	name string

	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []Request
	// Handler, when set, computes the response from the request.
	Handler func(Request) (string, error)
}

func NewMockProvider(name string, responses ...string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name, responses: responses}
}

func (m *MockProvider) Name() string { return m.name }

// Fail queues errors returned by the next calls.
func (m *MockProvider) Fail(errs ...error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Calls returns the requests seen so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		m.mu.Unlock()
		return nil, err
	}
	handler := m.Handler
	var content string
	switch {
	case handler != nil:
	case len(m.responses) > 1:
		content = m.responses[0]
		m.responses = m.responses[1:]
	case len(m.responses) == 1:
		content = m.responses[0]
	}
	m.mu.Unlock()

	if handler != nil {
		var err error
		if content, err = handler(req); err != nil {
			return nil, err
		}
	}
	return &Response{Content: content, FinishReason: "stop", Provider: m.name, Model: req.Model}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return StreamOf(resp), nil
}
