// Package fakegrabber is a scripted stand-in for the browser frame
// grabber. It speaks the bridge protocol on a pair of streams and renders
// a synthetic side-scrolling scene.
package fakegrabber

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/image/bmp"

	"github.com/mitchelldurbincs/platformer-dqn/internal/bridge"
)

const (
	FormatPNG = "png"
	FormatBMP = "bmp"

	playerSize = 8
	stepPixels = 4
	coinPixels = 64
)

var (
	skyColor    = color.RGBA{R: 92, G: 148, B: 252, A: 255}
	groundColor = color.RGBA{R: 200, G: 76, B: 12, A: 255}
	playerColor = color.RGBA{R: 248, G: 56, B: 0, A: 255}
)

// Options shapes the scripted episode.
type Options struct {
	Width  int
	Height int
	// EpisodeTicks is the tick on which the player loses a life.
	EpisodeTicks   int
	TimeLimit      int
	TicksPerSecond int
	Lives          int
	World          string
	Format         string
	// EmptyEvery answers every n-th tick with an empty line; 0 never does.
	EmptyEvery int
}

// DefaultOptions matches the real game window.
func DefaultOptions() Options {
	return Options{
		Width:          600,
		Height:         432,
		EpisodeTicks:   400,
		TimeLimit:      400,
		TicksPerSecond: 4,
		Lives:          3,
		World:          "1-1",
		Format:         FormatPNG,
	}
}

// Grabber holds the state of the scripted game.
type Grabber struct {
	opts   Options
	logger zerolog.Logger

	started       bool
	awaitPrepare  bool
	tick          int
	x             int
	maxX          int
	score         int
	coins         int
	lives         int
	oneUpAwarded  bool
	episodeNumber int
}

// New validates opts and creates a grabber.
func New(opts Options, logger zerolog.Logger) (*Grabber, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", opts.Width, opts.Height)
	}
	if opts.EpisodeTicks <= 0 || opts.TicksPerSecond <= 0 {
		return nil, errors.New("episode ticks and ticks per second must be positive")
	}
	switch opts.Format {
	case FormatPNG, FormatBMP:
	default:
		return nil, fmt.Errorf("unknown image format %q", opts.Format)
	}
	return &Grabber{
		opts:   opts,
		logger: logger.With().Str("component", "fake_grabber").Logger(),
	}, nil
}

// Serve answers commands from r on w until r is exhausted.
func (g *Grabber) Serve(r io.Reader, w io.Writer) error {
	in := bufio.NewReader(r)
	out := bufio.NewWriter(w)

	for {
		line, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		reply, err := g.handle(line)
		if err != nil {
			return err
		}
		if _, err := out.WriteString(reply + "\n"); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
}

func (g *Grabber) handle(line string) (string, error) {
	if line == bridge.NextGameCommand {
		g.reset()
		return bridge.ReadyToken, nil
	}
	if !g.started {
		return "", nil
	}
	if g.awaitPrepare {
		line = strings.TrimPrefix(line, bridge.PrepareSignal)
		g.awaitPrepare = false
	}

	g.advance(bridge.ParseAction(line))
	if g.opts.EmptyEvery > 0 && g.tick%g.opts.EmptyEvery == 0 {
		return "", nil
	}
	return g.telemetryLine()
}

func (g *Grabber) reset() {
	g.started = true
	g.awaitPrepare = true
	g.tick = 0
	g.x = 0
	g.maxX = 0
	g.score = 0
	g.coins = 0
	g.lives = g.opts.Lives
	g.oneUpAwarded = false
	g.episodeNumber++
	g.logger.Info().Int("episode", g.episodeNumber).Msg("Starting scripted episode")
}

func (g *Grabber) advance(keys []string) {
	g.tick++

	speed := stepPixels
	move := 0
	for _, k := range keys {
		switch k {
		case "d":
			move++
		case "a":
			move--
		case "shift":
			speed *= 2
		}
	}
	g.x += move * speed
	if g.x < 0 {
		g.x = 0
	}
	if g.x > g.maxX {
		g.score += (g.x - g.maxX) * 10
		g.coins = g.x / coinPixels
		g.maxX = g.x
	}

	if !g.oneUpAwarded && g.tick >= g.opts.EpisodeTicks/2 {
		g.lives++
		g.oneUpAwarded = true
	}
	if g.tick == g.opts.EpisodeTicks || g.timeLeft() == 0 {
		g.lives--
	}
}

func (g *Grabber) timeLeft() int {
	t := g.opts.TimeLimit - g.tick/g.opts.TicksPerSecond
	if t < 0 {
		return 0
	}
	return t
}

func (g *Grabber) telemetryLine() (string, error) {
	raw, err := g.encodeFrame()
	if err != nil {
		return "", err
	}
	line, err := json.Marshal(map[string]interface{}{
		"time":  g.timeLeft(),
		"score": g.score,
		"coins": g.coins,
		"lives": g.lives,
		"world": g.opts.World,
		"image": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// render draws sky, ground and the player at its scrolled position.
func (g *Grabber) render() *image.RGBA {
	w, h := g.opts.Width, g.opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: skyColor}, image.Point{}, draw.Src)

	groundTop := h - h/8
	draw.Draw(img, image.Rect(0, groundTop, w, h), &image.Uniform{C: groundColor}, image.Point{}, draw.Src)

	px := g.x % w
	player := image.Rect(px, groundTop-playerSize, px+playerSize, groundTop).Intersect(img.Bounds())
	draw.Draw(img, player, &image.Uniform{C: playerColor}, image.Point{}, draw.Src)
	return img
}

func (g *Grabber) encodeFrame() ([]byte, error) {
	var buf bytes.Buffer
	img := g.render()

	var err error
	if g.opts.Format == FormatBMP {
		err = bmp.Encode(&buf, img)
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
