// Package qnet defines the Q-function approximator used by the training
// loop together with a gonum-backed linear implementation.
package qnet

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrShape is returned for inputs or weights of the wrong dimensions
	ErrShape = errors.New("shape mismatch")
	// ErrEmptyBatch is returned when fitting on no samples
	ErrEmptyBatch = errors.New("empty batch")
)

// DefaultHuberDelta is the switch point between the quadratic and linear
// regions of the loss.
const DefaultHuberDelta = 1.0

// Batch is one masked regression step: only the Q value of Actions[i] is
// pulled towards Targets[i] for state i.
type Batch struct {
	States  [][]float64
	Actions []int
	Targets []float64
}

// Len returns the number of samples.
func (b Batch) Len() int {
	return len(b.States)
}

// Validate checks that the slices line up.
func (b Batch) Validate(numActions int) error {
	if len(b.States) == 0 {
		return ErrEmptyBatch
	}
	if len(b.Actions) != len(b.States) || len(b.Targets) != len(b.States) {
		return fmt.Errorf("%w: %d states, %d actions, %d targets",
			ErrShape, len(b.States), len(b.Actions), len(b.Targets))
	}
	for i, a := range b.Actions {
		if a < 0 || a >= numActions {
			return fmt.Errorf("%w: action %d at %d outside [0,%d)", ErrShape, a, i, numActions)
		}
	}
	return nil
}

// QFunction maps a batch of flattened observations to one Q value per
// action.
type QFunction interface {
	NumActions() int
	Predict(states [][]float64) ([][]float64, error)
	// FitStep applies one optimiser step and returns the mean loss
	// before the update.
	FitStep(batch Batch) (float64, error)
	Weights() []float64
	SetWeights(w []float64) error
	Save(path string) error
	Load(path string) error
}

// CopyWeights overwrites dst's parameters with src's.
func CopyWeights(dst, src QFunction) error {
	return dst.SetWeights(src.Weights())
}

// Greedy returns the index of the largest Q value.
func Greedy(q []float64) int {
	return floats.MaxIdx(q)
}

// HuberLoss is quadratic for |e| <= delta and linear beyond.
func HuberLoss(e, delta float64) float64 {
	abs := math.Abs(e)
	if abs <= delta {
		return 0.5 * e * e
	}
	return delta * (abs - 0.5*delta)
}

// HuberGrad is the derivative of HuberLoss with respect to e.
func HuberGrad(e, delta float64) float64 {
	switch {
	case e > delta:
		return delta
	case e < -delta:
		return -delta
	default:
		return e
	}
}

// clipByNorm rescales g in place so its L2 norm is at most maxNorm.
// Non-positive maxNorm disables clipping. Returns the norm before clipping.
func clipByNorm(g []float64, maxNorm float64) float64 {
	norm := floats.Norm(g, 2)
	if maxNorm > 0 && norm > maxNorm {
		floats.Scale(maxNorm/norm, g)
	}
	return norm
}
