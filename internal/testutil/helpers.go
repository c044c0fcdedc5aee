package testutil

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ErrScriptExhausted is returned by ScriptedTransport when no response is
// queued, standing in for a child that closed its stdout.
var ErrScriptExhausted = errors.New("scripted transport: no response queued")

// NewTestRNG creates a deterministic random number generator for tests
func NewTestRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// NopLogger returns a no-op logger for tests
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// AssertPanic asserts that the given function panics
func AssertPanic(t *testing.T, f func(), msgAndArgs ...interface{}) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic but none occurred: %v", msgAndArgs)
		}
	}()
	f()
}

// ScriptedTransport is an in-memory frame grabber. Responses are queued
// up front with Push or produced on demand by OnWrite.
type ScriptedTransport struct {
	mu      sync.Mutex
	pending []string
	writes  []string
	closed  bool

	// OnWrite runs after every write, outside the lock, and may Push.
	OnWrite func(st *ScriptedTransport, data string)
}

// NewScriptedTransport creates a transport with lines queued.
func NewScriptedTransport(lines ...string) *ScriptedTransport {
	return &ScriptedTransport{pending: append([]string{}, lines...)}
}

// Push queues response lines.
func (s *ScriptedTransport) Push(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, lines...)
}

func (s *ScriptedTransport) Write(data string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scripted transport: write on closed pipe")
	}
	s.writes = append(s.writes, data)
	hook := s.OnWrite
	s.mu.Unlock()

	if hook != nil {
		hook(s, data)
	}
	return nil
}

func (s *ScriptedTransport) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return "", ErrScriptExhausted
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *ScriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns everything written so far.
func (s *ScriptedTransport) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.writes...)
}

// Pending returns the number of queued responses.
func (s *ScriptedTransport) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Closed reports whether Close was called.
func (s *ScriptedTransport) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
