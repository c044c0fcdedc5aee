package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mitchelldurbincs/platformer-dqn/internal/bridge"
	"github.com/mitchelldurbincs/platformer-dqn/internal/config"
	"github.com/mitchelldurbincs/platformer-dqn/internal/monitoring"
	"github.com/mitchelldurbincs/platformer-dqn/internal/qnet"
	"github.com/mitchelldurbincs/platformer-dqn/internal/replay"
	"github.com/mitchelldurbincs/platformer-dqn/internal/status"
	"github.com/mitchelldurbincs/platformer-dqn/internal/training"
	"github.com/mitchelldurbincs/platformer-dqn/internal/viewer"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error) (empty to use config default)")
	play := flag.Bool("play", false, "Play greedily with loaded weights instead of training")
	resume := flag.Int("resume", -2, "Checkpoint episode to resume from (-1 starts fresh, -2 to use config default)")
	maxEpisodes := flag.Int("max-episodes", -1, "Stop after this many episodes (-1 to use config default)")
	flag.Parse()

	// Initialize configuration
	if err := config.Init(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	if err := config.LoadEnvironmentConfig(os.Getenv("APP_ENV")); err != nil {
		log.Fatal().Err(err).Msg("Failed to load environment config")
	}

	cfg := config.Get()

	// Use config defaults if not overridden by flags
	if *logLevel == "" {
		*logLevel = cfg.Logging.Level
	}
	if *resume == -2 {
		*resume = cfg.Checkpoint.ResumeEpisode
	}
	if *maxEpisodes == -1 {
		*maxEpisodes = cfg.Training.MaxEpisodes
	}

	setupLogging(*logLevel, cfg.Logging.Format)

	if *play && *resume < 0 {
		log.Fatal().Msg("Play mode needs a checkpoint, set -resume")
	}

	if path := config.ConfigFilePath(); path != "" {
		config.WatchConfig(func() {
			level := config.GetString("logging.level")
			zerolog.SetGlobalLevel(parseLevel(level))
			log.Info().Str("level", level).Msg("Config reloaded")
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := newTrainer(cfg, *play, *resume, *maxEpisodes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up trainer")
	}

	var code int
	if tr.preview == nil {
		code = tr.run(ctx)
	} else {
		// ebiten needs the main goroutine, so training moves to its own
		result := make(chan int, 1)
		go func() {
			result <- tr.run(ctx)
			tr.preview.Close()
		}()
		if err := tr.preview.Run(); err != nil {
			log.Error().Err(err).Msg("Preview window failed")
		}
		stop()
		code = <-result
	}

	tr.close()
	os.Exit(code)
}

type trainer struct {
	bridge  *bridge.GameBridge
	loop    *training.Loop
	latency *monitoring.LatencyMonitor
	status  *status.Server
	tracker *training.Tracker
	preview *viewer.Preview
}

func newTrainer(cfg *config.Config, play bool, resume, maxEpisodes int) (*trainer, error) {
	logger := log.Logger
	tr := &trainer{}

	actions, err := bridge.NewActionSet(cfg.Bridge.Keys, cfg.Bridge.Actions)
	if err != nil {
		return nil, err
	}

	policy, err := bridge.NewTerminationPolicy(cfg.Bridge.TerminationPolicy, bridge.PolicyOptions{
		ExpectedWorld:  cfg.Bridge.ExpectedWorld,
		InitialLives:   cfg.Reward.InitialLives,
		StallThreshold: cfg.Bridge.StallThreshold,
	})
	if err != nil {
		return nil, err
	}

	starter := bridge.ProcessStarter(bridge.ProcessConfig{
		Command: cfg.Bridge.Command,
		Args:    cfg.Bridge.Args,
		Width:   cfg.Bridge.Width,
		Height:  cfg.Bridge.Height,
	}, logger)
	tr.bridge = bridge.New(starter, policy, bridge.Options{
		Width:            cfg.Bridge.Width,
		Height:           cfg.Bridge.Height,
		DownsampleFactor: cfg.Bridge.DownsampleFactor,
		FrameStack:       cfg.Bridge.FrameStack,
		HoldAction:       cfg.Bridge.HoldAction,
		PollInterval:     cfg.Bridge.PollInterval,
	}, logger)

	if cfg.Monitoring.Enabled {
		tr.latency = monitoring.NewLatencyMonitor(cfg.Monitoring.ReportInterval, cfg.Monitoring.SlowRoundTrip, logger)
		tr.bridge.SetLatencyRecorder(tr.latency)
	}

	if cfg.Viewer.Enabled {
		tr.preview = viewer.New(viewer.Config{
			Width:  cfg.Bridge.Width,
			Height: cfg.Bridge.Height,
			Title:  cfg.Viewer.Title,
			Scale:  cfg.Viewer.Scale,
		}, logger)
		tr.bridge.SetPreview(tr.preview.Push)
	}

	seed := cfg.Training.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	h, w, s := tr.bridge.ObservationShape()
	modelOpts := qnet.LinearOptions{
		LearningRate: cfg.Model.LearningRate,
		ClipNorm:     cfg.Model.ClipNorm,
		HuberDelta:   cfg.Model.HuberDelta,
		InitScale:    cfg.Model.InitScale,
	}
	online := qnet.NewLinear(h*w*s, actions.Len(), modelOpts, rng, logger)

	deps := training.Deps{
		Env:     tr.bridge,
		Actions: actions,
		Online:  online,
		RNG:     rng,
		Checkpointer: training.NewCheckpointer(training.CheckpointConfig{
			Dir:        cfg.Checkpoint.Dir,
			NameScheme: cfg.Checkpoint.NameScheme,
			Interval:   cfg.Checkpoint.Interval,
		}, logger),
	}
	if !play {
		target := qnet.NewLinear(h*w*s, actions.Len(), modelOpts, rng, logger)
		if err := qnet.CopyWeights(target, online); err != nil {
			return nil, err
		}
		deps.Target = target
		deps.Memory = replay.NewMemory(cfg.Training.MaxMemory, rng, logger)
	}

	if cfg.Tracker.Enabled {
		tr.tracker, err = training.NewTracker(cfg.Tracker.Path, logger)
		if err != nil {
			return nil, err
		}
		deps.Tracker = tr.tracker
	}

	opts := training.Options{
		Discount:            cfg.Training.Discount,
		EpsilonMax:          cfg.Training.EpsilonMax,
		EpsilonMin:          cfg.Training.EpsilonMin,
		EpsilonRandomFrames: cfg.Training.EpsilonRandomFrames,
		EpsilonGreedyFrames: cfg.Training.EpsilonGreedyFrames,
		BatchSize:           cfg.Training.BatchSize,
		UpdateAfterActions:  cfg.Training.UpdateAfterActions,
		UpdateTargetNetwork: cfg.Training.UpdateTargetNetwork,
		WarmupWeights:       cfg.Training.WarmupActionWeights,
		SolvedThreshold:     cfg.Training.SolvedThreshold,
		RewardWindow:        cfg.Training.RewardWindow,
		MaxEpisodes:         maxEpisodes,
		Greedy:              play,
		Reward: training.RewardWeights{
			CoinWeight:   cfg.Reward.CoinWeight,
			TimePenalty:  cfg.Reward.PenaltyPerTimeUnit,
			OneUpWeight:  cfg.Reward.OneUpWeight,
			TimeLimit:    cfg.Reward.GameTimeLimit,
			InitialLives: cfg.Reward.InitialLives,
		},
	}

	tr.loop, err = training.NewLoop(deps, opts, logger)
	if err != nil {
		tr.close()
		return nil, err
	}
	if resume >= 0 {
		if err := tr.loop.Resume(resume); err != nil {
			tr.close()
			return nil, fmt.Errorf("resume from episode %d: %w", resume, err)
		}
	}

	if cfg.Status.Enabled {
		tr.status, err = status.New(cfg.Status.Address, cfg.Status.Reflection, logger)
		if err != nil {
			tr.close()
			return nil, err
		}
		tr.loop.SetPhaseListener(tr.status.ObservePhase)
	}

	return tr, nil
}

// run drives training and returns the process exit code.
func (tr *trainer) run(ctx context.Context) int {
	if tr.status != nil {
		go func() {
			if err := tr.status.Serve(); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
	}
	if tr.latency != nil {
		tr.latency.Start()
	}
	if tr.preview != nil {
		go tr.caption(ctx)
	}

	if err := tr.bridge.Open(); err != nil {
		log.Error().Err(err).Msg("Failed to start frame grabber")
		return 1
	}

	summary, err := tr.loop.Run(ctx)
	if tr.status != nil {
		tr.status.SetServing(false)
	}

	event := log.Info()
	code := 0
	if err != nil && !errors.Is(err, context.Canceled) {
		event = log.Error().Err(err)
		code = 1
	}
	event.
		Str("run_id", summary.RunID).
		Int("episodes", summary.Episodes).
		Int64("frame_count", summary.FrameCount).
		Float64("running_reward", summary.RunningReward).
		Bool("solved", summary.Solved).
		Msg("Training stopped")
	return code
}

func (tr *trainer) caption(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tr.loop.Snapshot()
			tr.preview.SetCaption(fmt.Sprintf("Episode %d  Frame %d  Eps %.3f  Running %.0f  %s",
				snap.Episode, snap.FrameCount, snap.Epsilon, snap.RunningReward, snap.Mode))
		}
	}
}

func (tr *trainer) close() {
	if tr.latency != nil {
		tr.latency.Stop()
	}
	if tr.status != nil {
		tr.status.Stop()
	}
	if err := tr.bridge.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close frame grabber")
	}
	if tr.tracker != nil {
		if err := tr.tracker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close episode tracker")
		}
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func setupLogging(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	if os.Getenv("APP_ENV") == "production" || format == "json" {
		// JSON output for production
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
}
