// Package replay implements the bounded experience replay memory used by
// the DQN training loop.
package replay

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/platformer-dqn/internal/frame"
)

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 10000

var (
	// ErrEmpty is returned when sampling from a memory with no transitions
	ErrEmpty = errors.New("replay memory is empty")
	// ErrInvalidBatchSize is returned for non-positive sample sizes
	ErrInvalidBatchSize = errors.New("sample size must be positive")
)

// Transition is one (state, action, next state, reward, done) sample.
// Observations are shared, never mutated after insertion.
type Transition struct {
	State     *frame.Observation
	Action    int
	NextState *frame.Observation
	Reward    float64
	Done      bool
}

// Memory is a fixed-capacity circular buffer of transitions. Once full,
// every Add overwrites the oldest entry. Each slot holds a whole
// Transition so eviction always removes all of its fields together.
type Memory struct {
	mu       sync.Mutex
	buffer   []Transition
	capacity int
	size     int
	head     int // Next write position
	tail     int // Oldest live entry

	rng *rand.Rand

	totalAdded   int64
	totalDropped int64

	logger zerolog.Logger
}

// NewMemory creates a replay memory holding at most capacity transitions.
// Sampling draws from rng.
func NewMemory(capacity int, rng *rand.Rand, logger zerolog.Logger) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Memory{
		buffer:   make([]Transition, capacity),
		capacity: capacity,
		rng:      rng,
		logger:   logger.With().Str("component", "replay_memory").Logger(),
	}
}

// Add inserts a transition, evicting the oldest one when at capacity.
func (m *Memory) Add(t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.size >= m.capacity {
		m.tail = (m.tail + 1) % m.capacity
		m.totalDropped++
	} else {
		m.size++
	}

	m.buffer[m.head] = t
	m.head = (m.head + 1) % m.capacity
	m.totalAdded++

	if m.totalAdded == int64(m.capacity) {
		m.logger.Info().
			Int("capacity", m.capacity).
			Msg("Replay memory reached capacity, evicting oldest from now on")
	}
}

// Sample draws n transitions uniformly at random, with replacement, from
// the live entries.
func (m *Memory) Sample(n int) ([]Transition, error) {
	if n <= 0 {
		return nil, ErrInvalidBatchSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.size == 0 {
		return nil, ErrEmpty
	}

	result := make([]Transition, n)
	for i := range result {
		result[i] = m.buffer[(m.tail+m.rng.Intn(m.size))%m.capacity]
	}
	return result, nil
}

// At returns the i-th oldest live transition.
func (m *Memory) At(i int) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= m.size {
		return Transition{}, false
	}
	return m.buffer[(m.tail+i)%m.capacity], true
}

// Size returns the current number of transitions.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Capacity returns the maximum number of transitions.
func (m *Memory) Capacity() int {
	return m.capacity
}

// IsFull returns true once the memory is at capacity.
func (m *Memory) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size >= m.capacity
}

// Clear drops every transition and releases the observations they hold.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.size = 0
	m.head = 0
	m.tail = 0
	m.buffer = make([]Transition, m.capacity)

	m.logger.Debug().Msg("Replay memory cleared")
}

// Stats returns memory statistics
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		CurrentSize:    m.size,
		Capacity:       m.capacity,
		TotalAdded:     m.totalAdded,
		TotalDropped:   m.totalDropped,
		UtilizationPct: float64(m.size) / float64(m.capacity) * 100,
	}
}

// Stats contains replay memory statistics
type Stats struct {
	CurrentSize    int
	Capacity       int
	TotalAdded     int64
	TotalDropped   int64
	UtilizationPct float64
}
