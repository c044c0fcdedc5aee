package qnet

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LinearOptions configures a Linear approximator.
type LinearOptions struct {
	LearningRate float64
	ClipNorm     float64
	HuberDelta   float64
	// InitScale is the standard deviation of the initial weights.
	InitScale float64
}

// DefaultLinearOptions mirrors the optimiser settings of the original run.
func DefaultLinearOptions() LinearOptions {
	return LinearOptions{
		LearningRate: 0.00025,
		ClipNorm:     1.0,
		HuberDelta:   DefaultHuberDelta,
		InitScale:    0.01,
	}
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

// Linear is a linear Q-function: Q(s) = W [s; 1]. It is trained with Adam
// on the masked Huber loss and gradient norm clipping.
type Linear struct {
	numFeatures int
	numActions  int
	opts        LinearOptions

	w *mat.Dense // numActions x (numFeatures+1), last column is the bias

	// Adam state
	m    []float64
	v    []float64
	step int

	logger zerolog.Logger
}

// NewLinear creates a linear approximator with small random weights.
func NewLinear(numFeatures, numActions int, opts LinearOptions, rng *rand.Rand, logger zerolog.Logger) *Linear {
	cols := numFeatures + 1
	data := make([]float64, numActions*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * opts.InitScale
	}
	if opts.HuberDelta <= 0 {
		opts.HuberDelta = DefaultHuberDelta
	}

	return &Linear{
		numFeatures: numFeatures,
		numActions:  numActions,
		opts:        opts,
		w:           mat.NewDense(numActions, cols, data),
		m:           make([]float64, len(data)),
		v:           make([]float64, len(data)),
		logger:      logger.With().Str("component", "qnet_linear").Logger(),
	}
}

func (l *Linear) NumActions() int { return l.numActions }

func (l *Linear) design(states [][]float64) (*mat.Dense, error) {
	cols := l.numFeatures + 1
	x := mat.NewDense(len(states), cols, nil)
	for i, s := range states {
		if len(s) != l.numFeatures {
			return nil, fmt.Errorf("%w: state %d has %d features, want %d", ErrShape, i, len(s), l.numFeatures)
		}
		row := x.RawRowView(i)
		copy(row, s)
		row[l.numFeatures] = 1
	}
	return x, nil
}

func (l *Linear) Predict(states [][]float64) ([][]float64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	x, err := l.design(states)
	if err != nil {
		return nil, err
	}

	var q mat.Dense
	q.Mul(x, l.w.T())

	out := make([][]float64, len(states))
	for i := range out {
		out[i] = mat.Row(nil, i, &q)
	}
	return out, nil
}

func (l *Linear) FitStep(batch Batch) (float64, error) {
	if err := batch.Validate(l.numActions); err != nil {
		return 0, err
	}
	x, err := l.design(batch.States)
	if err != nil {
		return 0, err
	}

	var q mat.Dense
	q.Mul(x, l.w.T())

	n := float64(batch.Len())
	grad := mat.NewDense(l.numActions, l.numFeatures+1, nil)
	loss := 0.0
	for i, a := range batch.Actions {
		e := q.At(i, a) - batch.Targets[i]
		loss += HuberLoss(e, l.opts.HuberDelta)
		floats.AddScaled(grad.RawRowView(a), HuberGrad(e, l.opts.HuberDelta)/n, x.RawRowView(i))
	}
	loss /= n

	g := grad.RawMatrix().Data
	norm := clipByNorm(g, l.opts.ClipNorm)
	l.applyAdam(g)

	l.logger.Trace().
		Float64("loss", loss).
		Float64("grad_norm", norm).
		Int("step", l.step).
		Msg("Fit step")
	return loss, nil
}

func (l *Linear) applyAdam(g []float64) {
	l.step++
	t := float64(l.step)
	lr := l.opts.LearningRate * math.Sqrt(1-math.Pow(adamBeta2, t)) / (1 - math.Pow(adamBeta1, t))

	w := l.w.RawMatrix().Data
	for i, gi := range g {
		l.m[i] = adamBeta1*l.m[i] + (1-adamBeta1)*gi
		l.v[i] = adamBeta2*l.v[i] + (1-adamBeta2)*gi*gi
		w[i] -= lr * l.m[i] / (math.Sqrt(l.v[i]) + adamEpsilon)
	}
}

// Weights returns a copy of the parameters in row-major order.
func (l *Linear) Weights() []float64 {
	return append([]float64(nil), l.w.RawMatrix().Data...)
}

func (l *Linear) SetWeights(w []float64) error {
	dst := l.w.RawMatrix().Data
	if len(w) != len(dst) {
		return fmt.Errorf("%w: %d weights, want %d", ErrShape, len(w), len(dst))
	}
	copy(dst, w)
	return nil
}

// Save writes the weight matrix in gonum's binary format, creating parent
// directories as needed.
func (l *Linear) Save(path string) error {
	data, err := l.w.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	return nil
}

// Load replaces the weights with those stored at path. Optimiser state
// is reset.
func (l *Linear) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read weights: %w", err)
	}

	var w mat.Dense
	if err := w.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("unmarshal weights: %w", err)
	}
	r, c := w.Dims()
	if r != l.numActions || c != l.numFeatures+1 {
		return fmt.Errorf("%w: stored %dx%d, want %dx%d", ErrShape, r, c, l.numActions, l.numFeatures+1)
	}

	l.w = &w
	l.m = make([]float64, r*c)
	l.v = make([]float64, r*c)
	l.step = 0
	l.logger.Info().Str("path", path).Msg("Loaded weights")
	return nil
}
