package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/platformer-dqn/internal/testutil"
)

func TestEpsilonSchedule(t *testing.T) {
	s := EpsilonSchedule{Max: 0.8, Min: 0.1, GreedyFrames: 1000000}

	assert.Equal(t, 0.8, s.At(0))
	assert.InDelta(t, 0.45, s.At(500000), 1e-12)
	assert.Equal(t, 0.1, s.At(1000000), "exactly the floor after greedy frames")
	assert.Equal(t, 0.1, s.At(5000000))

	prev := s.At(0)
	for frame := int64(0); frame <= 1200000; frame += 997 {
		eps := s.At(frame)
		assert.LessOrEqual(t, eps, prev)
		assert.GreaterOrEqual(t, eps, 0.1)
		prev = eps
	}
}

func TestEpsilonSchedule_NoDecay(t *testing.T) {
	s := EpsilonSchedule{Max: 0.8, Min: 0.05}
	assert.Equal(t, 0.05, s.At(0))
}

func TestWeightedSampler(t *testing.T) {
	weights := []float64{0.125, 0.0625, 0.125, 0.0625, 0.125, 0.0625, 0.125, 0.125, 0.125, 0.0625}
	w, err := NewWeightedSampler(weights)
	require.NoError(t, err)
	assert.Equal(t, 10, w.Len())

	rng := testutil.NewTestRNG(3)
	counts := make([]int, len(weights))
	const draws = 200000
	for i := 0; i < draws; i++ {
		counts[w.Sample(rng)]++
	}
	for i, c := range counts {
		assert.InDelta(t, weights[i], float64(c)/draws, 0.005, "action %d", i)
	}
}

func TestWeightedSampler_ZeroWeightNeverDrawn(t *testing.T) {
	w, err := NewWeightedSampler([]float64{0, 2, 0, 1})
	require.NoError(t, err)

	rng := testutil.NewTestRNG(5)
	for i := 0; i < 10000; i++ {
		got := w.Sample(rng)
		assert.Contains(t, []int{1, 3}, got)
	}
}

func TestWeightedSampler_Errors(t *testing.T) {
	for name, weights := range map[string][]float64{
		"empty":    nil,
		"negative": {1, -1},
		"all zero": {0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewWeightedSampler(weights)
			assert.Error(t, err)
		})
	}
}
