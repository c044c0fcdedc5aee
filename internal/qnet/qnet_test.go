package qnet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/platformer-dqn/internal/testutil"
)

func TestHuber(t *testing.T) {
	tests := []struct {
		e, loss, grad float64
	}{
		{0, 0, 0},
		{0.5, 0.125, 0.5},
		{-0.5, 0.125, -0.5},
		{1, 0.5, 1},
		{2, 1.5, 1},
		{-3, 2.5, -1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.loss, HuberLoss(tt.e, 1), 1e-12, "loss(%v)", tt.e)
		assert.InDelta(t, tt.grad, HuberGrad(tt.e, 1), 1e-12, "grad(%v)", tt.e)
	}
}

func TestClipByNorm(t *testing.T) {
	g := []float64{3, 4}
	norm := clipByNorm(g, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, g, 1e-12)

	g = []float64{0.3, 0.4}
	clipByNorm(g, 1)
	assert.InDeltaSlice(t, []float64{0.3, 0.4}, g, 1e-12)
}

func TestGreedy(t *testing.T) {
	assert.Equal(t, 2, Greedy([]float64{0.1, -1, 3, 2.9}))
}

func TestBatch_Validate(t *testing.T) {
	assert.ErrorIs(t, Batch{}.Validate(3), ErrEmptyBatch)

	b := Batch{States: [][]float64{{1}}, Actions: []int{0, 1}, Targets: []float64{1}}
	assert.ErrorIs(t, b.Validate(3), ErrShape)

	b = Batch{States: [][]float64{{1}}, Actions: []int{3}, Targets: []float64{1}}
	assert.ErrorIs(t, b.Validate(3), ErrShape)
}

func newTestLinear(features, actions int) *Linear {
	opts := DefaultLinearOptions()
	opts.LearningRate = 0.05
	return NewLinear(features, actions, opts, testutil.NewTestRNG(7), testutil.NopLogger())
}

func TestLinear_Predict(t *testing.T) {
	l := newTestLinear(2, 3)
	// Rows are [w1 w2 bias] per action
	require.NoError(t, l.SetWeights([]float64{
		1, 0, 0,
		0, 1, 0,
		1, 1, 1,
	}))

	q, err := l.Predict([][]float64{{2, 3}, {0, 0}})
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.InDeltaSlice(t, []float64{2, 3, 6}, q[0], 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, q[1], 1e-12)

	_, err = l.Predict([][]float64{{1}})
	assert.ErrorIs(t, err, ErrShape)
}

func TestLinear_FitStepReducesLoss(t *testing.T) {
	l := newTestLinear(3, 2)
	batch := Batch{
		States:  [][]float64{{1, 0, 0.5}, {0, 1, 0.2}, {0.3, 0.3, 0.3}},
		Actions: []int{0, 1, 0},
		Targets: []float64{1, -1, 0.5},
	}

	first, err := l.FitStep(batch)
	require.NoError(t, err)
	last := first
	for i := 0; i < 300; i++ {
		last, err = l.FitStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last, first/10)
}

func TestLinear_FitStepOnlyTouchesTakenActions(t *testing.T) {
	l := newTestLinear(2, 3)
	before := l.Weights()

	_, err := l.FitStep(Batch{
		States:  [][]float64{{1, 2}, {3, 4}},
		Actions: []int{1, 1},
		Targets: []float64{10, -10},
	})
	require.NoError(t, err)
	after := l.Weights()

	cols := 3
	for a := 0; a < 3; a++ {
		row := func(w []float64) []float64 { return w[a*cols : (a+1)*cols] }
		if a == 1 {
			assert.NotEqual(t, row(before), row(after))
		} else {
			assert.Equal(t, row(before), row(after), "action %d", a)
		}
	}
}

func TestLinear_Weights(t *testing.T) {
	online := newTestLinear(4, 2)
	target := NewLinear(4, 2, DefaultLinearOptions(), testutil.NewTestRNG(99), testutil.NopLogger())
	require.NotEqual(t, online.Weights(), target.Weights())

	require.NoError(t, CopyWeights(target, online))
	assert.Equal(t, online.Weights(), target.Weights())

	// Weights returns a copy
	w := online.Weights()
	w[0] = 1234
	assert.NotEqual(t, 1234.0, online.Weights()[0])

	assert.ErrorIs(t, online.SetWeights([]float64{1}), ErrShape)
}

func TestLinear_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "10", "weightsE10.bin")

	src := newTestLinear(5, 3)
	require.NoError(t, src.Save(path))

	dst := NewLinear(5, 3, DefaultLinearOptions(), testutil.NewTestRNG(1), testutil.NopLogger())
	require.NoError(t, dst.Load(path))
	assert.Equal(t, src.Weights(), dst.Weights())

	// Training continues after a load
	_, err := dst.FitStep(Batch{States: [][]float64{{1, 1, 1, 1, 1}}, Actions: []int{0}, Targets: []float64{1}})
	require.NoError(t, err)

	wrong := NewLinear(4, 3, DefaultLinearOptions(), testutil.NewTestRNG(1), testutil.NopLogger())
	assert.ErrorIs(t, wrong.Load(path), ErrShape)

	assert.Error(t, dst.Load(filepath.Join(dir, "missing.bin")))
}
