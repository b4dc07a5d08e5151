package llm

import (
	"context"
	"sync"
)

// ScriptFunc computes a response for a request. The call counter starts at 1
// and counts every invocation of the Scripted invoker.
type ScriptFunc func(ctx context.Context, call int, req Request) (*Response, error)

// MaxRecordedRequests bounds the request history a Scripted invoker keeps.
const MaxRecordedRequests = 256

// Scripted is a deterministic Invoker driven by a function. It is used by
// tests and the test server. Only the newest MaxRecordedRequests requests are
// kept, so a long-running test server does not grow without bound.
type Scripted struct {
	fn ScriptFunc

	mu       sync.Mutex
	calls    int
	requests []Request
}

// NewScripted returns a Scripted invoker.
func NewScripted(fn ScriptFunc) *Scripted {
	return &Scripted{fn: fn}
}

// Invoke implements Invoker.
func (s *Scripted) Invoke(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	req.Messages = req.Messages.Clone()
	if len(s.requests) == MaxRecordedRequests {
		copy(s.requests, s.requests[1:])
		s.requests = s.requests[:len(s.requests)-1]
	}
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(ctx, call, req)
}

// Calls returns the number of invocations so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns copies of the most recent requests, oldest first.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Echo answers every request with the text of the last human message.
func Echo() *Scripted {
	return NewScripted(func(_ context.Context, _ int, req Request) (*Response, error) {
		return &Response{Content: lastHuman(req.Messages)}, nil
	})
}

// Answer returns a fixed answer for every request.
func Answer(text string) *Scripted {
	return NewScripted(func(context.Context, int, Request) (*Response, error) {
		return &Response{Content: text}, nil
	})
}
