// Package viewer shows the frames the bridge decodes in a desktop window.
package viewer

import (
	"image"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/rs/zerolog"
)

// Config for the preview window.
type Config struct {
	Width  int
	Height int
	Title  string
	Scale  int
}

// Preview is an ebiten game that draws the latest pushed frame.
type Preview struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending image.Image
	caption string
	closed  bool

	current *ebiten.Image
	frames  int
}

// New creates a preview sized to the game window.
func New(cfg Config, logger zerolog.Logger) *Preview {
	if cfg.Scale < 1 {
		cfg.Scale = 1
	}
	return &Preview{
		cfg:    cfg,
		logger: logger.With().Str("component", "viewer").Logger(),
	}
}

// Push queues img for the next frame. Only the newest image is kept.
func (p *Preview) Push(img image.Image) {
	p.mu.Lock()
	p.pending = img
	p.mu.Unlock()
}

// SetCaption sets the overlay text.
func (p *Preview) SetCaption(caption string) {
	p.mu.Lock()
	p.caption = caption
	p.mu.Unlock()
}

// Close makes the window exit on its next update.
func (p *Preview) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Run opens the window and blocks until it closes. Must be called from the
// main goroutine.
func (p *Preview) Run() error {
	ebiten.SetWindowSize(p.cfg.Width*p.cfg.Scale, p.cfg.Height*p.cfg.Scale)
	ebiten.SetWindowTitle(p.cfg.Title)
	p.logger.Info().Int("width", p.cfg.Width).Int("height", p.cfg.Height).Msg("Opening preview window")
	return ebiten.RunGame(p)
}

// Update uploads a pending frame.
func (p *Preview) Update() error {
	p.mu.Lock()
	img, closed := p.pending, p.closed
	p.pending = nil
	p.mu.Unlock()

	if closed {
		return ebiten.Termination
	}
	if img == nil {
		return nil
	}

	if p.current != nil {
		p.current.Deallocate()
	}
	p.current = ebiten.NewImageFromImage(img)
	p.frames++
	return nil
}

// Draw renders the current frame.
func (p *Preview) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{R: 50, G: 50, B: 50, A: 255})

	if p.current != nil {
		op := &ebiten.DrawImageOptions{}
		b := p.current.Bounds()
		if b.Dx() > 0 && b.Dy() > 0 {
			op.GeoM.Scale(float64(p.cfg.Width)/float64(b.Dx()), float64(p.cfg.Height)/float64(b.Dy()))
		}
		screen.DrawImage(p.current, op)
	}

	p.mu.Lock()
	caption := p.caption
	p.mu.Unlock()
	if caption != "" {
		ebitenutil.DebugPrintAt(screen, caption, 5, 5)
	}
}

// Layout keeps the logical screen at the game's window size.
func (p *Preview) Layout(outsideWidth, outsideHeight int) (screenWidth, screenHeight int) {
	return p.cfg.Width, p.cfg.Height
}
