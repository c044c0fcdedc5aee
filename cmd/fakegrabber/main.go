package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mitchelldurbincs/platformer-dqn/internal/fakegrabber"
)

func main() {
	defaults := fakegrabber.DefaultOptions()

	episodeTicks := flag.Int("episode-ticks", defaults.EpisodeTicks, "Tick on which the player loses a life")
	timeLimit := flag.Int("time-limit", defaults.TimeLimit, "In-game time at the start of an episode")
	lives := flag.Int("lives", defaults.Lives, "Lives at the start of an episode")
	world := flag.String("world", defaults.World, "World reported in telemetry")
	format := flag.String("format", defaults.Format, "Screenshot encoding (png, bmp)")
	emptyEvery := flag.Int("empty-every", 0, "Answer every n-th tick with an empty line")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	opts := defaults
	opts.EpisodeTicks = *episodeTicks
	opts.TimeLimit = *timeLimit
	opts.Lives = *lives
	opts.World = *world
	opts.Format = *format
	opts.EmptyEvery = *emptyEvery

	// The bridge appends width=W height=H after any configured args
	for _, arg := range flag.Args() {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			log.Fatal().Str("arg", arg).Msg("Invalid size argument")
		}
		switch key {
		case "width":
			opts.Width = n
		case "height":
			opts.Height = n
		}
	}

	g, err := fakegrabber.New(opts, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid options")
	}
	if err := g.Serve(os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Protocol stream failed")
	}
}
