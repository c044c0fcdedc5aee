// Package frame turns raw game screenshots into the stacked grayscale
// observations consumed by the Q-network.
package frame

import (
	"image"
	"image/color"
)

// Gray is a single-channel 8-bit image stored in row-major order.
type Gray struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGray allocates a zeroed width x height image.
func NewGray(width, height int) *Gray {
	return &Gray{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// At returns the intensity at column x, row y.
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// Set stores the intensity at column x, row y.
func (g *Gray) Set(x, y int, v uint8) {
	g.Pix[y*g.Width+x] = v
}

// ToGrayscale averages the red, green and blue channels of every pixel.
// This is a plain mean, not a perceptual luma weighting; alpha is ignored.
func ToGrayscale(img image.Image) *Gray {
	b := img.Bounds()
	out := NewGray(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < out.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				p := row[x*4 : x*4+3]
				out.Pix[y*out.Width+x] = mean3(p[0], p[1], p[2])
			}
		}
	case *image.RGBA:
		for y := 0; y < out.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				p := row[x*4 : x*4+3]
				out.Pix[y*out.Width+x] = mean3(p[0], p[1], p[2])
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				out.Pix[y*out.Width+x] = mean3(c.R, c.G, c.B)
			}
		}
	}

	return out
}

func mean3(r, g, b uint8) uint8 {
	return uint8((uint16(r) + uint16(g) + uint16(b)) / 3)
}

// DownsampledSize returns the output dimensions of Downsample for an
// input of the given size.
func DownsampledSize(width, height, factor int) (int, int) {
	if factor < 1 {
		factor = 1
	}
	return (width + factor - 1) / factor, (height + factor - 1) / factor
}

// Downsample keeps every factor-th row and column starting at the origin.
// No filtering is applied, so aliasing is expected.
func Downsample(g *Gray, factor int) *Gray {
	if factor < 1 {
		factor = 1
	}
	w, h := DownsampledSize(g.Width, g.Height, factor)
	out := NewGray(w, h)
	for y := 0; y < h; y++ {
		srcRow := g.Pix[y*factor*g.Width:]
		dstRow := out.Pix[y*w : (y+1)*w]
		for x := range dstRow {
			dstRow[x] = srcRow[x*factor]
		}
	}
	return out
}

// Preprocess runs the full single-frame pipeline.
func Preprocess(img image.Image, factor int) *Gray {
	return Downsample(ToGrayscale(img), factor)
}
