package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/youruser/gptool/internal/trace"
)

// Session is one run in flight: its cancel handle, trace, streamed text
// and final response.
type Session struct {
	ID    string
	Trace *trace.Trace

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	progress strings.Builder
	response *Response
	finished bool
}

func newSession(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:     uuid.NewString(),
		Trace:  trace.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the session is cancelled or superseded.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel requests cancellation. The run stops at its next checkpoint.
func (s *Session) Cancel() { s.cancel() }

// Done is closed by Finish.
func (s *Session) Done() <-chan struct{} { return s.done }

// Progress appends a streamed chunk.
func (s *Session) Progress(chunk string) {
	s.mu.Lock()
	s.progress.WriteString(chunk)
	s.mu.Unlock()
}

// Streamed returns the text streamed so far.
func (s *Session) Streamed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.String()
}

// Finish records the final response and releases the context.
func (s *Session) Finish(resp *Response) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.response = resp
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}

// Response returns the final response, nil while running.
func (s *Session) Response() *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// Sessions keeps at most one active session. Starting a new one cancels
// the previous.
type Sessions struct {
	mu     sync.Mutex
	active *Session
}

// Start creates a session derived from parent, superseding the active one.
func (m *Sessions) Start(parent context.Context) *Session {
	s := newSession(parent)
	m.mu.Lock()
	prev := m.active
	m.active = s
	m.mu.Unlock()
	if prev != nil {
		log.Debug("session %s superseded by %s", prev.ID, s.ID)
		prev.Cancel()
	}
	return s
}

// Active returns the running session or nil.
func (m *Sessions) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cancel cancels the active session and reports whether there was one.
func (m *Sessions) Cancel() bool {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Release finishes s with resp and clears it if it is still active.
func (m *Sessions) Release(s *Session, resp *Response) {
	s.Finish(resp)
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}
