package bridge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/platformer-dqn/internal/frame"
)

// Options configures a GameBridge.
type Options struct {
	Width            int
	Height           int
	DownsampleFactor int
	FrameStack       int
	// HoldAction repeats the action on every round trip of a step instead
	// of only the first.
	HoldAction   bool
	PollInterval time.Duration
}

// StepResult is the outcome of one Step.
type StepResult struct {
	Done        bool
	Telemetry   Telemetry
	Observation *frame.Observation
}

// LatencyRecorder receives the duration of every protocol round trip.
type LatencyRecorder interface {
	Record(d time.Duration)
}

// PreviewFunc receives every decoded colour screenshot.
type PreviewFunc func(img image.Image)

// GameBridge exposes the frame grabber as a synchronous environment. One
// Step performs FrameStack round trips and returns the stacked
// observation. It is not safe for concurrent use.
type GameBridge struct {
	opts    Options
	starter Starter
	policy  TerminationPolicy
	logger  zerolog.Logger

	transport Transport
	latency   LatencyRecorder
	preview   PreviewFunc

	obsWidth  int
	obsHeight int

	// last is the most recent fully formed result
	last         *StepResult
	done         bool
	doneOnReset  bool
	episodeTicks int
}

// New creates a bridge. The child is not started until Open.
func New(starter Starter, policy TerminationPolicy, opts Options, logger zerolog.Logger) *GameBridge {
	if opts.DownsampleFactor < 1 {
		opts.DownsampleFactor = 1
	}
	if opts.FrameStack < 1 {
		opts.FrameStack = 1
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}

	w, h := frame.DownsampledSize(opts.Width, opts.Height, opts.DownsampleFactor)
	return &GameBridge{
		opts:      opts,
		starter:   starter,
		policy:    policy,
		logger:    logger.With().Str("component", "game_bridge").Str("policy", policy.Name()).Logger(),
		obsWidth:  w,
		obsHeight: h,
	}
}

// SetLatencyRecorder installs a round-trip latency sink.
func (b *GameBridge) SetLatencyRecorder(r LatencyRecorder) {
	b.latency = r
}

// SetPreview installs a callback for decoded screenshots.
func (b *GameBridge) SetPreview(fn PreviewFunc) {
	b.preview = fn
}

// ObservationShape returns (height, width, stack) of produced observations.
func (b *GameBridge) ObservationShape() (int, int, int) {
	return b.obsHeight, b.obsWidth, b.opts.FrameStack
}

// Open starts the frame grabber.
func (b *GameBridge) Open() error {
	if b.transport != nil {
		return nil
	}
	t, err := b.starter()
	if err != nil {
		return fmt.Errorf("open bridge: %w", err)
	}
	b.transport = t
	b.done = true
	b.logger.Info().
		Int("obs_width", b.obsWidth).
		Int("obs_height", b.obsHeight).
		Int("frame_stack", b.opts.FrameStack).
		Msg("Game bridge opened")
	return nil
}

// Reset starts the next episode and returns its first stacked
// observation. It blocks until the frame grabber reports ready; only ctx
// cancellation between polls ends the wait.
func (b *GameBridge) Reset(ctx context.Context) (*frame.Observation, error) {
	if b.transport == nil {
		return nil, ErrNotOpen
	}

	if err := b.write(NextGameCommand + "\n"); err != nil {
		return nil, err
	}
	b.policy.Reset()
	// Stays done until the new episode is fully formed
	b.done = true
	b.doneOnReset = false
	b.last = nil
	b.episodeTicks = 0

	if err := b.handshake(ctx); err != nil {
		return nil, err
	}
	if err := b.write(PrepareSignal); err != nil {
		return nil, err
	}

	st, err := b.runStack("")
	if err != nil {
		return nil, err
	}
	if st.received == 0 {
		return nil, ErrNoObservation
	}
	fillUnfilled(st.obs, st.filled)

	b.last = &StepResult{Telemetry: st.telemetry, Observation: st.obs}
	b.done = false
	if st.done {
		// The next Step reports the boundary without touching the child.
		b.doneOnReset = true
	}

	b.logger.Debug().
		Int("frames", st.received).
		Str("world", st.telemetry.World).
		Int("lives", st.telemetry.Lives).
		Msg("Episode reset")
	return st.obs, nil
}

// Step sends action and collects the next stacked observation. When the
// episode ends mid-stack the previous fully formed result is returned
// with Done set.
func (b *GameBridge) Step(ctx context.Context, action string) (StepResult, error) {
	if b.transport == nil {
		return StepResult{}, ErrNotOpen
	}
	if b.done {
		return StepResult{}, ErrEpisodeDone
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	if b.doneOnReset {
		b.done = true
		res := *b.last
		res.Done = true
		return res, nil
	}

	st, err := b.runStack(action)
	if err != nil {
		return StepResult{}, err
	}

	if st.done {
		b.done = true
		res := *b.last
		res.Done = true
		b.logger.Debug().
			Int("ticks", b.episodeTicks).
			Str("world", st.telemetry.World).
			Int("lives", st.telemetry.Lives).
			Msg("Episode ended")
		return res, nil
	}

	if st.received == 0 {
		// Nothing arrived this step: carry the last result forward.
		return *b.last, nil
	}

	b.last = &StepResult{Telemetry: st.telemetry, Observation: st.obs}
	return *b.last, nil
}

// Done reports whether the current episode has ended.
func (b *GameBridge) Done() bool {
	return b.done
}

// Close kills the frame grabber.
func (b *GameBridge) Close() error {
	if b.transport == nil {
		return nil
	}
	err := b.transport.Close()
	b.transport = nil
	b.logger.Info().Msg("Game bridge closed")
	return err
}

func (b *GameBridge) handshake(ctx context.Context) error {
	polls := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := b.read()
		if err != nil {
			return err
		}
		if line == ReadyToken {
			b.logger.Debug().Int("polls", polls).Msg("Frame grabber ready")
			return nil
		}
		polls++
		if err := sleepContext(ctx, b.opts.PollInterval); err != nil {
			return err
		}
	}
}

type stackState struct {
	obs       *frame.Observation
	filled    []bool
	received  int
	telemetry Telemetry
	done      bool
}

func (b *GameBridge) runStack(action string) (*stackState, error) {
	st := &stackState{
		obs:    frame.NewObservation(b.obsHeight, b.obsWidth, b.opts.FrameStack),
		filled: make([]bool, b.opts.FrameStack),
	}

	for i := 0; i < b.opts.FrameStack; i++ {
		cmd := ""
		if i == 0 || b.opts.HoldAction {
			cmd = action
		}

		line, err := b.roundTrip(cmd)
		if err != nil {
			return nil, err
		}
		b.episodeTicks++
		if line == "" {
			continue
		}

		t, img, err := DecodeTelemetry(line)
		if err != nil {
			return nil, err
		}
		if err := st.obs.SetSlot(i, frame.Preprocess(img, b.opts.DownsampleFactor)); err != nil {
			return nil, &ProtocolError{Line: line, Reason: "unexpected frame size", Err: err}
		}
		if b.preview != nil {
			b.preview(img)
		}

		st.filled[i] = true
		st.received++
		st.telemetry = t

		if b.policy.Observe(t) {
			st.done = true
			break
		}
	}
	return st, nil
}

func (b *GameBridge) roundTrip(cmd string) (string, error) {
	start := time.Now()
	if err := b.write(cmd + "\n"); err != nil {
		return "", err
	}
	line, err := b.read()
	if err != nil {
		return "", err
	}
	if b.latency != nil {
		b.latency.Record(time.Since(start))
	}
	return line, nil
}

func (b *GameBridge) write(data string) error {
	if err := b.transport.Write(data); err != nil {
		return childError(err)
	}
	return nil
}

func (b *GameBridge) read() (string, error) {
	line, err := b.transport.ReadLine()
	if err != nil {
		return "", childError(err)
	}
	return line, nil
}

func childError(err error) error {
	if errors.Is(err, ErrChildUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrChildUnavailable, err)
}

// fillUnfilled copies the nearest received frame into every empty slot,
// preferring the earlier one on ties.
func fillUnfilled(obs *frame.Observation, filled []bool) {
	for i, ok := range filled {
		if ok {
			continue
		}
		for d := 1; d < len(filled); d++ {
			if j := i - d; j >= 0 && filled[j] {
				_ = obs.SetSlot(i, obs.Slot(j))
				break
			}
			if j := i + d; j < len(filled) && filled[j] {
				_ = obs.SetSlot(i, obs.Slot(j))
				break
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
