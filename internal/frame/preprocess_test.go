package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestToGrayscale_PlainMean(t *testing.T) {
	tests := []struct {
		name     string
		c        color.RGBA
		expected uint8
	}{
		{"black", color.RGBA{0, 0, 0, 255}, 0},
		{"white", color.RGBA{255, 255, 255, 255}, 255},
		{"pure red", color.RGBA{255, 0, 0, 255}, 85},
		{"pure green", color.RGBA{0, 255, 0, 255}, 85},
		{"truncates", color.RGBA{10, 10, 12, 255}, 10},
		{"mixed", color.RGBA{30, 60, 90, 255}, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := ToGrayscale(solidRGBA(3, 2, tt.c))
			require.Equal(t, 3, g.Width)
			require.Equal(t, 2, g.Height)
			for _, v := range g.Pix {
				assert.Equal(t, tt.expected, v)
			}
		})
	}
}

func TestToGrayscale_GenericPathMatchesFastPath(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	paletted := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{
		color.RGBA{0, 0, 0, 255},
		color.RGBA{200, 100, 30, 255},
	})
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			idx := uint8((x + y) % 2)
			paletted.SetColorIndex(x, y, idx)
			rgba.Set(x, y, paletted.Palette[idx])
		}
	}

	assert.Equal(t, ToGrayscale(rgba).Pix, ToGrayscale(paletted).Pix)
}

func TestDownsample_Shape(t *testing.T) {
	tests := []struct {
		name         string
		w, h, factor int
		outW, outH   int
	}{
		{"game window", 600, 432, 4, 150, 108},
		{"not divisible", 10, 7, 4, 3, 2},
		{"factor one", 5, 5, 1, 5, 5},
		{"factor larger than image", 3, 3, 8, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Downsample(NewGray(tt.w, tt.h), tt.factor)
			assert.Equal(t, tt.outW, out.Width)
			assert.Equal(t, tt.outH, out.Height)
			assert.Len(t, out.Pix, tt.outW*tt.outH)

			w, h := DownsampledSize(tt.w, tt.h, tt.factor)
			assert.Equal(t, tt.outW, w)
			assert.Equal(t, tt.outH, h)
		})
	}
}

func TestDownsample_KeepsStridedPixels(t *testing.T) {
	g := NewGray(5, 5)
	for i := range g.Pix {
		g.Pix[i] = uint8(i)
	}

	out := Downsample(g, 2)
	require.Equal(t, 3, out.Width)
	require.Equal(t, 3, out.Height)
	assert.Equal(t, []uint8{0, 2, 4, 10, 12, 14, 20, 22, 24}, out.Pix)
}

func TestPreprocess_Deterministic(t *testing.T) {
	img := solidRGBA(600, 432, color.RGBA{90, 120, 150, 255})
	a := Preprocess(img, 4)
	b := Preprocess(img, 4)
	assert.Equal(t, a, b)
	assert.Equal(t, 150, a.Width)
	assert.Equal(t, 108, a.Height)
	assert.Equal(t, uint8(120), a.At(10, 10))
}

func TestObservation_Slots(t *testing.T) {
	obs := NewObservation(2, 3, 4)
	assert.Equal(t, 24, obs.Len())

	g := NewGray(3, 2)
	for i := range g.Pix {
		g.Pix[i] = uint8(i + 1)
	}
	require.NoError(t, obs.SetSlot(2, g))

	assert.Equal(t, g.Pix, obs.Slot(2).Pix)
	assert.Equal(t, make([]uint8, 6), obs.Slot(0).Pix)
	assert.Equal(t, uint8(5), obs.At(1, 1, 2))

	err := obs.SetSlot(0, NewGray(2, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Error(t, obs.SetSlot(4, g))
}

func TestObservation_CloneAndFloats(t *testing.T) {
	obs := NewObservation(1, 2, 1)
	obs.Data[0] = 255
	obs.Data[1] = 51

	c := obs.Clone()
	c.Data[0] = 0
	assert.Equal(t, uint8(255), obs.Data[0])

	f := obs.Floats(nil)
	assert.InDelta(t, 1.0, f[0], 1e-12)
	assert.InDelta(t, 0.2, f[1], 1e-12)
}
