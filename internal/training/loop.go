// Package training runs the DQN loop: epsilon-greedy acting against the
// game bridge, replay sampling, masked Huber updates and periodic target
// network synchronisation.
package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/mitchelldurbincs/platformer-dqn/internal/bridge"
	"github.com/mitchelldurbincs/platformer-dqn/internal/frame"
	"github.com/mitchelldurbincs/platformer-dqn/internal/qnet"
	"github.com/mitchelldurbincs/platformer-dqn/internal/replay"
)

// DoneTarget is the regression target for transitions that ended an
// episode, regardless of their reward.
const DoneTarget = -1.0

// Env is the environment the loop acts in. *bridge.GameBridge satisfies it.
type Env interface {
	Reset(ctx context.Context) (*frame.Observation, error)
	Step(ctx context.Context, action string) (bridge.StepResult, error)
}

// Options holds the loop hyperparameters.
type Options struct {
	Discount            float64
	EpsilonMax          float64
	EpsilonMin          float64
	EpsilonRandomFrames int64
	EpsilonGreedyFrames int64
	BatchSize           int
	UpdateAfterActions  int64
	UpdateTargetNetwork int64
	WarmupWeights       []float64
	SolvedThreshold     float64
	RewardWindow        int
	// MaxEpisodes stops the run after this many episodes; 0 runs until
	// solved.
	MaxEpisodes int
	// Greedy plays the current policy without exploring or learning.
	Greedy bool
	Reward RewardWeights
}

// DefaultOptions returns the hyperparameters of the original run.
func DefaultOptions() Options {
	return Options{
		Discount:            0.99,
		EpsilonMax:          0.8,
		EpsilonMin:          0.1,
		EpsilonRandomFrames: 10000,
		EpsilonGreedyFrames: 1000000,
		BatchSize:           32,
		UpdateAfterActions:  4,
		UpdateTargetNetwork: 10000,
		WarmupWeights:       []float64{0.125, 0.0625, 0.125, 0.0625, 0.125, 0.0625, 0.125, 0.125, 0.125, 0.0625},
		SolvedThreshold:     500000,
		RewardWindow:        DefaultRewardWindow,
		Reward: RewardWeights{
			CoinWeight:   200,
			TimePenalty:  0,
			OneUpWeight:  1000,
			TimeLimit:    400,
			InitialLives: 3,
		},
	}
}

// Deps are the collaborators of a Loop. Checkpointer and Tracker are
// optional.
type Deps struct {
	Env          Env
	Actions      *bridge.ActionSet
	Memory       *replay.Memory
	Online       qnet.QFunction
	Target       qnet.QFunction
	RNG          *rand.Rand
	Checkpointer *Checkpointer
	Tracker      *Tracker
}

// EpisodeResult summarises one finished episode.
type EpisodeResult struct {
	Episode  int
	Reward   float64
	Steps    int
	MaxLives int
}

// Summary is returned when Run stops.
type Summary struct {
	RunID         string
	Episodes      int
	FrameCount    int64
	RunningReward float64
	Solved        bool
}

// Snapshot is a point-in-time view of the loop, safe to read from other
// goroutines.
type Snapshot struct {
	Episode       int
	FrameCount    int64
	Epsilon       float64
	RunningReward float64
	Mode          Mode
	Phase         EpisodePhase
	LastLoss      float64
}

// Loop owns the replay memory, counters and networks for one run.
type Loop struct {
	opts     Options
	deps     Deps
	runID    string
	schedule EpsilonSchedule
	warmup   *WeightedSampler
	history  *RewardHistory
	reward   *RewardTracker
	logger   zerolog.Logger

	frameCount int64
	episode    int
	epsilon    float64
	mode       Mode
	phase      EpisodePhase
	lastLoss   float64

	onPhase func(EpisodePhase)

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewLoop validates the collaborators and creates a loop.
func NewLoop(deps Deps, opts Options, logger zerolog.Logger) (*Loop, error) {
	if deps.Env == nil || deps.Actions == nil || deps.Online == nil || deps.RNG == nil {
		return nil, errors.New("env, actions, online network and rng are required")
	}
	if deps.Actions.Len() != deps.Online.NumActions() {
		return nil, fmt.Errorf("action set has %d actions, network has %d", deps.Actions.Len(), deps.Online.NumActions())
	}
	if !opts.Greedy {
		if deps.Target == nil || deps.Memory == nil {
			return nil, errors.New("training needs a target network and a replay memory")
		}
		if opts.BatchSize <= 0 || opts.UpdateAfterActions <= 0 || opts.UpdateTargetNetwork <= 0 {
			return nil, errors.New("batch size and update intervals must be positive")
		}
	}

	l := &Loop{
		opts:  opts,
		deps:  deps,
		runID: uuid.New().String(),
		schedule: EpsilonSchedule{
			Max:          opts.EpsilonMax,
			Min:          opts.EpsilonMin,
			GreedyFrames: opts.EpsilonGreedyFrames,
		},
		history: NewRewardHistory(opts.RewardWindow),
		reward:  NewRewardTracker(opts.Reward),
		epsilon: opts.EpsilonMax,
		mode:    ModeWarmup,
		phase:   PhaseIdle,
	}

	if len(opts.WarmupWeights) > 0 {
		if len(opts.WarmupWeights) != deps.Actions.Len() {
			return nil, fmt.Errorf("%d warmup weights for %d actions", len(opts.WarmupWeights), deps.Actions.Len())
		}
		w, err := NewWeightedSampler(opts.WarmupWeights)
		if err != nil {
			return nil, fmt.Errorf("warmup weights: %w", err)
		}
		l.warmup = w
	}

	switch {
	case opts.Greedy:
		l.mode = ModeGreedy
		l.epsilon = 0
	case opts.EpsilonRandomFrames <= 0:
		l.mode = ModeExplore
	}

	l.logger = logger.With().
		Str("component", "training_loop").
		Str("run_id", l.runID).
		Logger()
	l.publish()
	return l, nil
}

// RunID returns the unique id of this run.
func (l *Loop) RunID() string { return l.runID }

// SetPhaseListener registers fn to be called on every phase change.
func (l *Loop) SetPhaseListener(fn func(EpisodePhase)) {
	l.onPhase = fn
}

// Snapshot returns the latest published state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Resume continues from the checkpoint saved at episode: weights go into
// both networks and counters pick up after that episode.
func (l *Loop) Resume(episode int) error {
	if l.deps.Checkpointer == nil {
		return errors.New("resume requires a checkpointer")
	}
	m, err := l.deps.Checkpointer.Restore(l.deps.Online, episode)
	if err != nil {
		return err
	}
	if l.deps.Target != nil {
		if err := qnet.CopyWeights(l.deps.Target, l.deps.Online); err != nil {
			return fmt.Errorf("sync target after resume: %w", err)
		}
	}

	l.episode = m.Episode + 1
	l.frameCount = m.FrameCount
	if !l.opts.Greedy {
		l.epsilon = l.schedule.At(l.frameCount)
		l.updateMode()
	}
	l.publish()

	l.logger.Info().
		Int("episode", l.episode).
		Int64("frame_count", l.frameCount).
		Float64("epsilon", l.epsilon).
		Str("from_run", m.RunID).
		Msg("Resumed training")
	return nil
}

// Run plays episodes until solved, MaxEpisodes is reached, ctx is
// cancelled or the environment fails.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	l.logger.Info().
		Str("mode", l.mode.String()).
		Int("actions", l.deps.Actions.Len()).
		Int("start_episode", l.episode).
		Msg("Starting training loop")

	played := 0
	for {
		if l.opts.MaxEpisodes > 0 && played >= l.opts.MaxEpisodes {
			return l.summary(false), nil
		}

		res, err := l.RunEpisode(ctx)
		if err != nil {
			return l.summary(false), err
		}
		played++

		if l.finishEpisode(res) {
			return l.summary(true), nil
		}
	}
}

// RunEpisode resets the environment and steps it until done.
func (l *Loop) RunEpisode(ctx context.Context) (EpisodeResult, error) {
	if l.phase.IsTerminal() {
		return EpisodeResult{}, fmt.Errorf("%w: run already %s", ErrInvalidTransition, l.phase)
	}

	state, err := l.deps.Env.Reset(ctx)
	if err != nil {
		return EpisodeResult{}, fmt.Errorf("reset episode %d: %w", l.episode, err)
	}
	if err := l.transition(PhaseRunning); err != nil {
		return EpisodeResult{}, err
	}
	l.reward.Reset()

	res := EpisodeResult{Episode: l.episode}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		l.frameCount++
		action, err := l.selectAction(state)
		if err != nil {
			return res, err
		}
		if !l.opts.Greedy {
			l.epsilon = l.schedule.At(l.frameCount)
			l.updateMode()
		}

		cmd, err := l.deps.Actions.Command(action)
		if err != nil {
			return res, err
		}
		step, err := l.deps.Env.Step(ctx, cmd)
		if err != nil {
			return res, fmt.Errorf("step episode %d frame %d: %w", l.episode, l.frameCount, err)
		}

		r := l.reward.Step(step.Telemetry)
		res.Reward += r
		res.Steps++

		if !l.opts.Greedy {
			l.deps.Memory.Add(replay.Transition{
				State:     state,
				Action:    action,
				NextState: step.Observation,
				Reward:    r,
				Done:      step.Done,
			})

			if l.frameCount%l.opts.UpdateAfterActions == 0 && l.deps.Memory.Size() > l.opts.BatchSize {
				if err := l.trainStep(); err != nil {
					return res, err
				}
			}

			if l.frameCount%l.opts.UpdateTargetNetwork == 0 {
				if err := l.syncTarget(); err != nil {
					return res, err
				}
			}
		}

		state = step.Observation
		l.publish()

		if step.Done {
			break
		}
	}

	res.MaxLives = l.reward.MaxLives()
	if err := l.transition(PhaseDone); err != nil {
		return res, err
	}
	return res, nil
}

// finishEpisode books a finished episode and reports whether the run is
// solved.
func (l *Loop) finishEpisode(res EpisodeResult) bool {
	l.history.Push(res.Reward)
	running := l.history.Running()

	l.logger.Info().
		Int("episode", res.Episode).
		Float64("reward", res.Reward).
		Int("steps", res.Steps).
		Float64("running_reward", running).
		Float64("epsilon", l.epsilon).
		Msg("Episode finished")

	if l.deps.Tracker != nil {
		err := l.deps.Tracker.Record(EpisodeRecord{
			RunID:         l.runID,
			Episode:       res.Episode,
			Reward:        res.Reward,
			Steps:         res.Steps,
			FrameCount:    l.frameCount,
			RunningReward: running,
			Epsilon:       l.epsilon,
		})
		if err != nil {
			l.logger.Warn().Err(err).Msg("Failed to record episode")
		}
	}

	if !l.opts.Greedy && l.deps.Checkpointer != nil && l.deps.Checkpointer.Due(res.Episode) {
		err := l.deps.Checkpointer.Save(l.deps.Online, Manifest{
			RunID:         l.runID,
			Episode:       res.Episode,
			FrameCount:    l.frameCount,
			Epsilon:       l.epsilon,
			RunningReward: running,
		})
		if err != nil {
			l.logger.Error().Err(err).Int("episode", res.Episode).Msg("Failed to save checkpoint")
		}
	}

	l.episode++
	l.publish()

	if running > l.opts.SolvedThreshold {
		_ = l.transition(PhaseSolved)
		l.logger.Info().
			Int("episode", l.episode).
			Float64("running_reward", running).
			Msg("Solved")
		return true
	}
	return false
}

func (l *Loop) selectAction(state *frame.Observation) (int, error) {
	n := l.deps.Actions.Len()
	switch {
	case l.opts.Greedy:
		return l.greedyAction(state)
	case l.frameCount < l.opts.EpsilonRandomFrames:
		if l.warmup != nil {
			return l.warmup.Sample(l.deps.RNG), nil
		}
		return l.deps.RNG.Intn(n), nil
	case l.epsilon > l.deps.RNG.Float64():
		return l.deps.RNG.Intn(n), nil
	default:
		return l.greedyAction(state)
	}
}

func (l *Loop) greedyAction(state *frame.Observation) (int, error) {
	q, err := l.deps.Online.Predict([][]float64{state.Floats(nil)})
	if err != nil {
		return 0, fmt.Errorf("predict action: %w", err)
	}
	return qnet.Greedy(q[0]), nil
}

// TargetValue is the Bellman target for one transition. Done transitions
// always get DoneTarget; discount applies only to the future term.
func TargetValue(reward float64, done bool, discount float64, nextQ []float64) float64 {
	if done {
		return DoneTarget
	}
	return reward + discount*floats.Max(nextQ)
}

func (l *Loop) trainStep() error {
	samples, err := l.deps.Memory.Sample(l.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("sample replay memory: %w", err)
	}

	batch := qnet.Batch{
		States:  make([][]float64, len(samples)),
		Actions: make([]int, len(samples)),
		Targets: make([]float64, len(samples)),
	}
	next := make([][]float64, len(samples))
	for i, s := range samples {
		batch.States[i] = s.State.Floats(nil)
		batch.Actions[i] = s.Action
		next[i] = s.NextState.Floats(nil)
	}

	future, err := l.deps.Target.Predict(next)
	if err != nil {
		return fmt.Errorf("predict targets: %w", err)
	}
	for i, s := range samples {
		batch.Targets[i] = TargetValue(s.Reward, s.Done, l.opts.Discount, future[i])
	}

	loss, err := l.deps.Online.FitStep(batch)
	if err != nil {
		return fmt.Errorf("fit step: %w", err)
	}
	l.lastLoss = loss

	l.logger.Debug().
		Float64("loss", loss).
		Int64("frame_count", l.frameCount).
		Msg("Trained on batch")
	return nil
}

func (l *Loop) syncTarget() error {
	if err := qnet.CopyWeights(l.deps.Target, l.deps.Online); err != nil {
		return fmt.Errorf("sync target network: %w", err)
	}
	l.logger.Info().
		Float64("running_reward", l.history.Running()).
		Int("episode", l.episode).
		Int64("frame_count", l.frameCount).
		Msg("Updated target network")
	return nil
}

func (l *Loop) updateMode() {
	if l.mode.CanTransitionTo(ModeExplore) && l.frameCount >= l.opts.EpsilonRandomFrames {
		l.mode = ModeExplore
		l.logger.Info().Int64("frame_count", l.frameCount).Msg("Warmup finished, exploring")
	}
}

func (l *Loop) transition(to EpisodePhase) error {
	if !l.phase.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.phase, to)
	}
	l.phase = to
	l.publish()
	if l.onPhase != nil {
		l.onPhase(to)
	}
	return nil
}

func (l *Loop) publish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot = Snapshot{
		Episode:       l.episode,
		FrameCount:    l.frameCount,
		Epsilon:       l.epsilon,
		RunningReward: l.history.Running(),
		Mode:          l.mode,
		Phase:         l.phase,
		LastLoss:      l.lastLoss,
	}
}

func (l *Loop) summary(solved bool) Summary {
	return Summary{
		RunID:         l.runID,
		Episodes:      l.episode,
		FrameCount:    l.frameCount,
		RunningReward: l.history.Running(),
		Solved:        solved,
	}
}
