package training

import (
	"github.com/mitchelldurbincs/platformer-dqn/internal/bridge"
)

// RewardWeights shapes the per-step reward.
type RewardWeights struct {
	CoinWeight   float64
	TimePenalty  float64
	OneUpWeight  float64
	TimeLimit    int
	InitialLives int
}

// RewardTracker turns successive telemetry into per-step rewards:
// score delta, coin delta times CoinWeight, elapsed in-game time times
// TimePenalty, and OneUpWeight per life above the episode's maximum.
type RewardTracker struct {
	weights   RewardWeights
	prevScore int
	prevCoins int
	prevTime  int
	maxLives  int
}

func NewRewardTracker(weights RewardWeights) *RewardTracker {
	r := &RewardTracker{weights: weights}
	r.Reset()
	return r
}

// Reset starts a new episode baseline.
func (r *RewardTracker) Reset() {
	r.prevScore = 0
	r.prevCoins = 0
	r.prevTime = r.weights.TimeLimit
	r.maxLives = r.weights.InitialLives
}

// Step returns the reward for t and advances the baseline.
func (r *RewardTracker) Step(t bridge.Telemetry) float64 {
	reward := float64(t.Score - r.prevScore)
	reward += float64(t.Coins-r.prevCoins) * r.weights.CoinWeight
	reward -= float64(r.prevTime-t.Time) * r.weights.TimePenalty

	if t.Lives > r.maxLives {
		reward += float64(t.Lives-r.maxLives) * r.weights.OneUpWeight
		r.maxLives = t.Lives
	}

	r.prevScore = t.Score
	r.prevCoins = t.Coins
	r.prevTime = t.Time
	return reward
}

// MaxLives returns the most lives seen this episode.
func (r *RewardTracker) MaxLives() int {
	return r.maxLives
}
