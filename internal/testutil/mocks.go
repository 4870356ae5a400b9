package testutil

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MockClock implements a Clock with controllable time so timeout tests
// never sleep.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new MockClock starting at the given time.
// If zero time is provided, uses current time.
func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &MockClock{now: start}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock clock to a specific time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// MockSink is a byte sink that records writes and lets tests hold flushes
// open, inject errors and count lifecycle calls.
type MockSink struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	writeCount int
	flushCount int
	closeCount int
	writeErr   error
	flushErr   error
	closeErr   error
	gate       <-chan struct{}

	flushStarted chan struct{}
}

// NewMockSink creates an ungated MockSink.
func NewMockSink() *MockSink {
	return &MockSink{flushStarted: make(chan struct{}, 64)}
}

// Write appends p to the recorded bytes.
func (s *MockSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCount++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

// Flush counts the call and, when a gate is set, waits for it to close or
// for ctx to end.
func (s *MockSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.flushCount++
	gate := s.gate
	err := s.flushErr
	s.mu.Unlock()

	select {
	case s.flushStarted <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Close counts the call.
func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return s.closeErr
}

// SetFlushGate makes every later Flush block until gate is closed. A nil
// gate removes the block.
func (s *MockSink) SetFlushGate(gate <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// FlushStarted receives a value each time Flush is entered.
func (s *MockSink) FlushStarted() <-chan struct{} {
	return s.flushStarted
}

// SetWriteError makes Write fail with err.
func (s *MockSink) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetFlushError makes Flush fail with err.
func (s *MockSink) SetFlushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushErr = err
}

// SetCloseError makes Close fail with err.
func (s *MockSink) SetCloseError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Bytes returns a copy of everything written.
func (s *MockSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// String returns everything written.
func (s *MockSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Len returns the number of bytes written.
func (s *MockSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// WriteCount returns the number of Write calls.
func (s *MockSink) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount
}

// FlushCount returns the number of Flush calls.
func (s *MockSink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCount
}

// CloseCount returns the number of Close calls.
func (s *MockSink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Pattern returns n bytes of a repeating, position-dependent pattern so
// reordering shows up in comparisons.
func Pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}
