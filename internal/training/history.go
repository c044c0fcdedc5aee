package training

import "gonum.org/v1/gonum/floats"

// DefaultRewardWindow is the number of trailing episodes summed into the
// running reward.
const DefaultRewardWindow = 100

// RewardHistory keeps the trailing window of episode rewards.
type RewardHistory struct {
	window  int
	rewards []float64
}

func NewRewardHistory(window int) *RewardHistory {
	if window <= 0 {
		window = DefaultRewardWindow
	}
	return &RewardHistory{window: window, rewards: make([]float64, 0, window)}
}

// Push appends an episode reward, dropping the oldest beyond the window.
func (h *RewardHistory) Push(reward float64) {
	if len(h.rewards) == h.window {
		copy(h.rewards, h.rewards[1:])
		h.rewards = h.rewards[:h.window-1]
	}
	h.rewards = append(h.rewards, reward)
}

// Running returns the sum over the window.
func (h *RewardHistory) Running() float64 {
	return floats.Sum(h.rewards)
}

func (h *RewardHistory) Len() int {
	return len(h.rewards)
}
