package training

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mitchelldurbincs/platformer-dqn/internal/bridge"
)

func testWeights() RewardWeights {
	return RewardWeights{CoinWeight: 200, TimePenalty: 0, OneUpWeight: 1000, TimeLimit: 400, InitialLives: 3}
}

func TestRewardTracker_ScoreAndCoins(t *testing.T) {
	r := NewRewardTracker(testWeights())

	assert.Equal(t, 100.0, r.Step(bridge.Telemetry{Score: 100, Time: 399, Lives: 3}))
	assert.Equal(t, 250.0, r.Step(bridge.Telemetry{Score: 150, Coins: 1, Time: 398, Lives: 3}))
	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Score: 150, Coins: 1, Time: 397, Lives: 3}))
}

func TestRewardTracker_TimePenalty(t *testing.T) {
	w := testWeights()
	w.TimePenalty = 2
	r := NewRewardTracker(w)

	assert.Equal(t, -2.0, r.Step(bridge.Telemetry{Time: 399, Lives: 3}))
	assert.Equal(t, -6.0, r.Step(bridge.Telemetry{Time: 396, Lives: 3}))
	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Time: 396, Lives: 3}))
}

func TestRewardTracker_OneUpCountedOnce(t *testing.T) {
	r := NewRewardTracker(testWeights())

	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Time: 400, Lives: 3}))
	assert.Equal(t, 1000.0, r.Step(bridge.Telemetry{Time: 400, Lives: 4}))
	assert.Equal(t, 4, r.MaxLives())
	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Time: 400, Lives: 4}))
	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Time: 400, Lives: 3}), "losing a life is not a bonus")
	assert.Equal(t, 0.0, r.Step(bridge.Telemetry{Time: 400, Lives: 4}), "regaining it is not a new one-up")
	assert.Equal(t, 2000.0, r.Step(bridge.Telemetry{Time: 400, Lives: 6}))

	r.Reset()
	assert.Equal(t, 3, r.MaxLives())
}

func TestRewardHistory(t *testing.T) {
	h := NewRewardHistory(3)
	for i := 1; i <= 5; i++ {
		h.Push(float64(i))
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 12.0, h.Running())

	assert.Equal(t, DefaultRewardWindow, NewRewardHistory(0).window)
}

func TestEpisodePhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to EpisodePhase
		allowed  bool
	}{
		{PhaseIdle, PhaseRunning, true},
		{PhaseIdle, PhaseDone, false},
		{PhaseRunning, PhaseDone, true},
		{PhaseRunning, PhaseSolved, true},
		{PhaseDone, PhaseRunning, true},
		{PhaseDone, PhaseSolved, true},
		{PhaseSolved, PhaseRunning, false},
		{PhaseDone, PhaseIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, PhaseSolved.IsTerminal())
	assert.False(t, PhaseDone.IsTerminal())
	assert.Equal(t, "Unknown(9)", EpisodePhase(9).String())
}

func TestModeTransitions(t *testing.T) {
	assert.True(t, ModeWarmup.CanTransitionTo(ModeExplore))
	assert.False(t, ModeExplore.CanTransitionTo(ModeWarmup))
	assert.False(t, ModeGreedy.CanTransitionTo(ModeExplore))
	assert.Equal(t, "Greedy", ModeGreedy.String())
}
