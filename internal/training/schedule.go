package training

import (
	"errors"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// EpsilonSchedule decays epsilon linearly from Max to Min over
// GreedyFrames global frames.
type EpsilonSchedule struct {
	Max          float64
	Min          float64
	GreedyFrames int64
}

// At returns epsilon after frame global frames. It never increases with
// frame and is exactly Min from GreedyFrames on.
func (s EpsilonSchedule) At(frame int64) float64 {
	if s.GreedyFrames <= 0 || frame >= s.GreedyFrames {
		return s.Min
	}
	if frame <= 0 {
		return s.Max
	}
	eps := s.Max - (s.Max-s.Min)*float64(frame)/float64(s.GreedyFrames)
	if eps < s.Min {
		return s.Min
	}
	return eps
}

// WeightedSampler draws indices proportionally to fixed weights.
type WeightedSampler struct {
	cdf []float64
}

// NewWeightedSampler builds a sampler. Weights need not sum to one.
func NewWeightedSampler(weights []float64) (*WeightedSampler, error) {
	if len(weights) == 0 {
		return nil, errors.New("weights must not be empty")
	}
	for _, w := range weights {
		if w < 0 {
			return nil, errors.New("weights must be non-negative")
		}
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return nil, errors.New("weights must not all be zero")
	}

	cdf := floats.CumSum(make([]float64, len(weights)), weights)
	floats.Scale(1/total, cdf)
	return &WeightedSampler{cdf: cdf}, nil
}

// Len returns the number of outcomes.
func (w *WeightedSampler) Len() int {
	return len(w.cdf)
}

// Sample draws one index.
func (w *WeightedSampler) Sample(rng *rand.Rand) int {
	u := rng.Float64()
	i := sort.Search(len(w.cdf), func(i int) bool { return w.cdf[i] > u })
	if i >= len(w.cdf) {
		i = len(w.cdf) - 1
	}
	return i
}
