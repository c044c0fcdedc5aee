package frame

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when a frame does not fit an observation slot
var ErrShapeMismatch = errors.New("frame shape does not match observation")

// Observation holds Stack consecutive preprocessed frames laid out as
// (Height, Width, Stack) with the stack index varying fastest.
type Observation struct {
	Height int
	Width  int
	Stack  int
	Data   []uint8
}

// NewObservation allocates a zeroed observation.
func NewObservation(height, width, stack int) *Observation {
	return &Observation{
		Height: height,
		Width:  width,
		Stack:  stack,
		Data:   make([]uint8, height*width*stack),
	}
}

// Len returns the number of scalar features in the observation.
func (o *Observation) Len() int {
	return len(o.Data)
}

// At returns the value at row y, column x in stack slot s.
func (o *Observation) At(y, x, s int) uint8 {
	return o.Data[(y*o.Width+x)*o.Stack+s]
}

// SetSlot copies g into stack slot i.
func (o *Observation) SetSlot(i int, g *Gray) error {
	if i < 0 || i >= o.Stack {
		return fmt.Errorf("slot %d out of range [0,%d)", i, o.Stack)
	}
	if g.Width != o.Width || g.Height != o.Height {
		return fmt.Errorf("%w: frame %dx%d, observation %dx%d",
			ErrShapeMismatch, g.Width, g.Height, o.Width, o.Height)
	}
	for p, v := range g.Pix {
		o.Data[p*o.Stack+i] = v
	}
	return nil
}

// Slot extracts stack slot i as a standalone frame.
func (o *Observation) Slot(i int) *Gray {
	g := NewGray(o.Width, o.Height)
	for p := range g.Pix {
		g.Pix[p] = o.Data[p*o.Stack+i]
	}
	return g
}

// Clone returns a deep copy.
func (o *Observation) Clone() *Observation {
	c := *o
	c.Data = make([]uint8, len(o.Data))
	copy(c.Data, o.Data)
	return &c
}

// Floats writes the observation scaled to [0, 1] into dst, allocating when
// dst is too short, and returns the written slice.
func (o *Observation) Floats(dst []float64) []float64 {
	if cap(dst) < len(o.Data) {
		dst = make([]float64, len(o.Data))
	}
	dst = dst[:len(o.Data)]
	for i, v := range o.Data {
		dst[i] = float64(v) / 255
	}
	return dst
}
