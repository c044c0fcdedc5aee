package testutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/bmp"
)

// Tick is the telemetry part of a scripted frame grabber response.
type Tick struct {
	Time  int
	Score int
	Coins int
	Lives int
	World string
}

// SolidFrame creates a width x height screenshot filled with one colour.
func SolidFrame(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

// GrayFrame creates a screenshot whose grayscale mean is v everywhere.
func GrayFrame(width, height int, v uint8) *image.RGBA {
	return SolidFrame(width, height, color.RGBA{R: v, G: v, B: v, A: 255})
}

// TelemetryLine encodes a response line carrying img as a base64 PNG.
func TelemetryLine(t Tick, img image.Image) string {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return encodeLine(t, buf.Bytes())
}

// TelemetryLineBMP encodes a response line carrying img as a base64 BMP.
func TelemetryLineBMP(t Tick, img image.Image) string {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		panic(err)
	}
	return encodeLine(t, buf.Bytes())
}

func encodeLine(t Tick, raw []byte) string {
	line, err := json.Marshal(map[string]interface{}{
		"time":  t.Time,
		"score": t.Score,
		"coins": t.Coins,
		"lives": t.Lives,
		"world": t.World,
		"image": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		panic(err)
	}
	return string(line)
}
