package sinks

import (
	"context"
	"sync"

	"skirmish/client/logging"
)

// MemorySink buffers events for tests and the diagnostics overlay.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
}

// NewMemorySink returns an empty buffer.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]logging.Event, 0)}
}

// Write implements logging.Sink.
func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events copies out everything written so far.
func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]logging.Event, len(s.events))
	copy(copied, s.events)
	return copied
}

// Reset clears the buffer.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}

// Close implements logging.Sink.
func (s *MemorySink) Close(context.Context) error {
	return nil
}
