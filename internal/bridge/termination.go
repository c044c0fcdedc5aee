package bridge

import (
	"fmt"
	"time"
)

// Termination policy names accepted by NewTerminationPolicy
const (
	PolicyExplicitSignal = "explicit"
	PolicyStallTimeout   = "stall"
)

// DefaultStallThreshold is how long the in-game clock may stay frozen
// before the episode is considered over.
const DefaultStallThreshold = 500 * time.Millisecond

// Clock abstracts wall-clock time so stall detection can be simulated.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TerminationPolicy decides episode boundaries from telemetry. A bridge
// uses exactly one policy for its whole run.
type TerminationPolicy interface {
	// Reset re-arms the policy at the start of an episode.
	Reset()
	// Observe consumes one tick and reports whether the episode is over.
	Observe(t Telemetry) bool
	Name() string
}

// PolicyOptions configures NewTerminationPolicy.
type PolicyOptions struct {
	ExpectedWorld  string
	InitialLives   int
	StallThreshold time.Duration
	Clock          Clock
}

// NewTerminationPolicy builds the named policy.
func NewTerminationPolicy(name string, opts PolicyOptions) (TerminationPolicy, error) {
	switch name {
	case PolicyExplicitSignal:
		return NewExplicitSignal(opts.ExpectedWorld, opts.InitialLives), nil
	case PolicyStallTimeout:
		clock := opts.Clock
		if clock == nil {
			clock = SystemClock{}
		}
		return NewStallTimeout(opts.StallThreshold, clock), nil
	default:
		return nil, fmt.Errorf("unknown termination policy %q", name)
	}
}

// ExplicitSignal ends the episode when the world changes away from the
// start world or lives fall below the most seen this episode.
type ExplicitSignal struct {
	expectedWorld string
	initialLives  int
	maxLives      int
}

func NewExplicitSignal(expectedWorld string, initialLives int) *ExplicitSignal {
	return &ExplicitSignal{
		expectedWorld: expectedWorld,
		initialLives:  initialLives,
		maxLives:      initialLives,
	}
}

func (p *ExplicitSignal) Reset() {
	p.maxLives = p.initialLives
}

func (p *ExplicitSignal) Observe(t Telemetry) bool {
	if t.Lives > p.maxLives {
		p.maxLives = t.Lives
	}
	return t.World != p.expectedWorld || t.Lives < p.maxLives
}

func (p *ExplicitSignal) Name() string { return PolicyExplicitSignal }

// MaxLives returns the most lives seen since the last Reset.
func (p *ExplicitSignal) MaxLives() int { return p.maxLives }

// StallTimeout ends the episode once the in-game clock has not changed
// for longer than the threshold.
type StallTimeout struct {
	threshold  time.Duration
	clock      Clock
	seen       bool
	lastTime   int
	lastChange time.Time
}

func NewStallTimeout(threshold time.Duration, clock Clock) *StallTimeout {
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &StallTimeout{threshold: threshold, clock: clock}
}

func (p *StallTimeout) Reset() {
	p.seen = false
	p.lastTime = 0
	p.lastChange = time.Time{}
}

func (p *StallTimeout) Observe(t Telemetry) bool {
	now := p.clock.Now()
	if !p.seen || t.Time != p.lastTime {
		p.seen = true
		p.lastTime = t.Time
		p.lastChange = now
		return false
	}
	return now.Sub(p.lastChange) > p.threshold
}

func (p *StallTimeout) Name() string { return PolicyStallTimeout }
