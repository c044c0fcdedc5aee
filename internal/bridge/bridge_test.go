package bridge

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/platformer-dqn/internal/testutil"
)

const (
	testWidth  = 8
	testHeight = 8
)

func testOptions() Options {
	return Options{
		Width:            testWidth,
		Height:           testHeight,
		DownsampleFactor: 4,
		FrameStack:       4,
	}
}

func newTestBridge(t *testing.T, st *testutil.ScriptedTransport, policy TerminationPolicy, opts Options) *GameBridge {
	t.Helper()
	b := New(func() (Transport, error) { return st, nil }, policy, opts, testutil.NopLogger())
	require.NoError(t, b.Open())
	return b
}

func tickLine(tick testutil.Tick, v uint8) string {
	if tick.World == "" {
		tick.World = "1-1"
	}
	return testutil.TelemetryLine(tick, testutil.GrayFrame(testWidth, testHeight, v))
}

// resetScript is a ready handshake followed by four healthy ticks.
func resetScript() []string {
	return []string{
		ReadyToken,
		tickLine(testutil.Tick{Time: 400, Lives: 3}, 10),
		tickLine(testutil.Tick{Time: 400, Lives: 3}, 20),
		tickLine(testutil.Tick{Time: 400, Lives: 3}, 30),
		tickLine(testutil.Tick{Time: 400, Lives: 3, Score: 5}, 40),
	}
}

func TestGameBridge_ResetHandshake(t *testing.T) {
	st := testutil.NewScriptedTransport(append([]string{"", "loading"}, resetScript()...)...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	obs, err := b.Reset(context.Background())
	require.NoError(t, err)

	h, w, s := b.ObservationShape()
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, w)
	assert.Equal(t, 4, s)
	assert.Equal(t, h*w*s, obs.Len())

	for i, want := range []uint8{10, 20, 30, 40} {
		assert.Equal(t, want, obs.At(0, 0, i), "slot %d", i)
		assert.Equal(t, want, obs.At(1, 1, i), "slot %d", i)
	}

	assert.Equal(t, []string{"NEXTGAME\n", "p", "\n", "\n", "\n", "\n"}, st.Writes())
	assert.Equal(t, 0, st.Pending())
	assert.False(t, b.Done())
}

func TestGameBridge_ResetFillsUnfilledSlots(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []uint8
	}{
		{
			name:  "gaps between frames",
			lines: []string{"", tickLine(testutil.Tick{Time: 1, Lives: 3}, 50), "", tickLine(testutil.Tick{Time: 2, Lives: 3}, 70)},
			want:  []uint8{50, 50, 50, 70},
		},
		{
			name:  "single frame at the end",
			lines: []string{"", "", "", tickLine(testutil.Tick{Time: 1, Lives: 3}, 90)},
			want:  []uint8{90, 90, 90, 90},
		},
		{
			name:  "episode ends mid-stack",
			lines: []string{tickLine(testutil.Tick{Time: 1, Lives: 3}, 15), tickLine(testutil.Tick{Time: 1, Lives: 2}, 25)},
			want:  []uint8{15, 25, 25, 25},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewScriptedTransport(append([]string{ReadyToken}, tt.lines...)...)
			b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

			obs, err := b.Reset(context.Background())
			require.NoError(t, err)
			for i, want := range tt.want {
				assert.Equal(t, want, obs.At(0, 0, i), "slot %d", i)
			}
		})
	}
}

func TestGameBridge_ResetWithoutFrames(t *testing.T) {
	st := testutil.NewScriptedTransport(ReadyToken, "", "", "", "")
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	_, err := b.Reset(context.Background())
	assert.ErrorIs(t, err, ErrNoObservation)
}

func TestGameBridge_FailedResetLeavesEpisodeDone(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "no frames",
			lines:   []string{ReadyToken, "", "", "", ""},
			wantErr: ErrNoObservation,
		},
		{
			name:    "desync",
			lines:   []string{ReadyToken, "{not json"},
			wantErr: ErrProtocol,
		},
		{
			name:    "cancelled handshake",
			lines:   []string{"loading"},
			timeout: 20 * time.Millisecond,
			wantErr: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewScriptedTransport(tt.lines...)
			opts := testOptions()
			opts.PollInterval = time.Hour
			b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), opts)

			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			_, err := b.Reset(ctx)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, b.Done())

			writes := len(st.Writes())
			_, err = b.Step(context.Background(), "d")
			assert.ErrorIs(t, err, ErrEpisodeDone)
			assert.Len(t, st.Writes(), writes, "a finished episode sends nothing")

			// A later successful reset starts a playable episode
			st.Push(resetScript()...)
			_, err = b.Reset(context.Background())
			require.NoError(t, err)
			assert.False(t, b.Done())
		})
	}
}

func TestGameBridge_ResetHonoursContextBetweenPolls(t *testing.T) {
	st := testutil.NewScriptedTransport("", "", "")
	opts := testOptions()
	opts.PollInterval = time.Hour
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Reset(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGameBridge_DoneOnResetReportedByNextStep(t *testing.T) {
	st := testutil.NewScriptedTransport(
		ReadyToken,
		tickLine(testutil.Tick{Time: 1, Lives: 3}, 15),
		tickLine(testutil.Tick{Time: 1, Lives: 3, World: "1-2"}, 25),
	)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	obs, err := b.Reset(context.Background())
	require.NoError(t, err)
	writes := len(st.Writes())

	res, err := b.Step(context.Background(), "d")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Same(t, obs, res.Observation)
	assert.Len(t, st.Writes(), writes, "no round trip once the episode is over")
}

func TestGameBridge_StepSendsActionOnFirstRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hold bool
		want []string
	}{
		{"first only", false, []string{"w|d\n", "\n", "\n", "\n"}},
		{"hold action", true, []string{"w|d\n", "w|d\n", "w|d\n", "w|d\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewScriptedTransport(resetScript()...)
			opts := testOptions()
			opts.HoldAction = tt.hold
			b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), opts)

			_, err := b.Reset(context.Background())
			require.NoError(t, err)

			for i := 0; i < 4; i++ {
				st.Push(tickLine(testutil.Tick{Time: 399, Lives: 3}, 60))
			}
			res, err := b.Step(context.Background(), "w|d")
			require.NoError(t, err)
			assert.False(t, res.Done)

			writes := st.Writes()
			assert.Equal(t, tt.want, writes[len(writes)-4:])
		})
	}
}

func TestGameBridge_EmptyTickLeavesSlotUnfilled(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	_, err := b.Reset(context.Background())
	require.NoError(t, err)

	st.Push(
		tickLine(testutil.Tick{Time: 399, Lives: 3, Score: 100}, 11),
		"",
		tickLine(testutil.Tick{Time: 398, Lives: 3, Score: 200}, 33),
		tickLine(testutil.Tick{Time: 398, Lives: 3, Score: 300}, 44),
	)

	res, err := b.Step(context.Background(), "d")
	require.NoError(t, err)

	assert.Equal(t, uint8(11), res.Observation.At(0, 0, 0))
	assert.Equal(t, uint8(0), res.Observation.At(0, 0, 1))
	assert.Equal(t, uint8(33), res.Observation.At(0, 0, 2))
	assert.Equal(t, uint8(44), res.Observation.At(0, 0, 3))
	assert.Equal(t, 300, res.Telemetry.Score)
}

func TestGameBridge_StepWithoutAnyTelemetryCarriesLastResult(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	obs, err := b.Reset(context.Background())
	require.NoError(t, err)

	st.Push("", "", "", "")
	res, err := b.Step(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Same(t, obs, res.Observation)
	assert.Equal(t, 5, res.Telemetry.Score)
}

func TestGameBridge_MidStackDoneReturnsPreviousResult(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	_, err := b.Reset(context.Background())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		st.Push(tickLine(testutil.Tick{Time: 399, Lives: 3, Score: 77}, 80))
	}
	prev, err := b.Step(context.Background(), "d")
	require.NoError(t, err)
	require.False(t, prev.Done)

	st.Push(
		tickLine(testutil.Tick{Time: 398, Lives: 3, Score: 90}, 120),
		tickLine(testutil.Tick{Time: 398, Lives: 2, Score: 90}, 130),
	)
	res, err := b.Step(context.Background(), "d")
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, prev.Telemetry, res.Telemetry)
	assert.Same(t, prev.Observation, res.Observation)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint8(80), res.Observation.At(0, 0, i))
	}
	assert.Equal(t, 0, st.Pending(), "stack stops at the boundary")
	assert.True(t, b.Done())

	_, err = b.Step(context.Background(), "d")
	assert.ErrorIs(t, err, ErrEpisodeDone)
}

func TestGameBridge_StallTimeoutReturnsLastFullTelemetry(t *testing.T) {
	clock := testutil.NewFakeClock()
	st := testutil.NewScriptedTransport()
	st.OnWrite = func(_ *testutil.ScriptedTransport, _ string) {
		clock.Advance(200 * time.Millisecond)
	}

	b := newTestBridge(t, st, NewStallTimeout(500*time.Millisecond, clock), testOptions())

	st.Push(ReadyToken)
	for i := 0; i < 4; i++ {
		st.Push(tickLine(testutil.Tick{Time: 400 - i, Lives: 3, Score: i}, 10))
	}
	_, err := b.Reset(context.Background())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		st.Push(tickLine(testutil.Tick{Time: 396 - i, Lives: 3, Score: 10 + i}, 50))
	}
	full, err := b.Step(context.Background(), "d")
	require.NoError(t, err)
	require.False(t, full.Done)
	require.Equal(t, 393, full.Telemetry.Time)

	// Clock frozen at 393: 200ms, 400ms, then 600ms without change
	for i := 0; i < 4; i++ {
		st.Push(tickLine(testutil.Tick{Time: 393, Lives: 3, Score: 99}, 200))
	}
	res, err := b.Step(context.Background(), "d")
	require.NoError(t, err)

	assert.True(t, res.Done)
	assert.Equal(t, full.Telemetry, res.Telemetry)
	assert.Equal(t, 13, res.Telemetry.Score)
	assert.Same(t, full.Observation, res.Observation)
	assert.Equal(t, 1, st.Pending())
}

func TestGameBridge_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"malformed json", "{not json"},
		{"missing field", `{"time": 1, "score": 0, "coins": 0, "lives": 3, "world": "1-1"}`},
		{"null field", `{"time": null, "score": 0, "coins": 0, "lives": 3, "world": "1-1", "image": ""}`},
		{"bad base64", `{"time": 1, "score": 0, "coins": 0, "lives": 3, "world": "1-1", "image": "%%%"}`},
		{"not an image", `{"time": 1, "score": 0, "coins": 0, "lives": 3, "world": "1-1", "image": "aGVsbG8="}`},
		{"wrong frame size", testutil.TelemetryLine(testutil.Tick{Time: 1, Lives: 3, World: "1-1"}, testutil.GrayFrame(16, 16, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewScriptedTransport(resetScript()...)
			b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())
			_, err := b.Reset(context.Background())
			require.NoError(t, err)

			st.Push(tt.line)
			_, err = b.Step(context.Background(), "w")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.line, perr.Line)
		})
	}
}

func TestGameBridge_ChildUnavailable(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())
	_, err := b.Reset(context.Background())
	require.NoError(t, err)

	// Script exhausted mid-stack
	st.Push(tickLine(testutil.Tick{Time: 1, Lives: 3}, 1))
	_, err = b.Step(context.Background(), "w")
	assert.ErrorIs(t, err, ErrChildUnavailable)
	assert.ErrorIs(t, err, testutil.ErrScriptExhausted)

	require.NoError(t, st.Close())
	_, err = b.Reset(context.Background())
	assert.ErrorIs(t, err, ErrChildUnavailable)
}

func TestGameBridge_Lifecycle(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := New(func() (Transport, error) { return st, nil }, NewExplicitSignal("1-1", 3), testOptions(), testutil.NopLogger())

	_, err := b.Step(context.Background(), "w")
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = b.Reset(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, b.Open())
	_, err = b.Step(context.Background(), "w")
	assert.ErrorIs(t, err, ErrEpisodeDone, "a fresh bridge needs Reset")

	require.NoError(t, b.Close())
	assert.True(t, st.Closed())
	require.NoError(t, b.Close())
}

func TestGameBridge_OpenFailure(t *testing.T) {
	boom := errors.New("boom")
	b := New(func() (Transport, error) { return nil, boom }, NewExplicitSignal("1-1", 3), testOptions(), testutil.NopLogger())
	assert.ErrorIs(t, b.Open(), boom)
}

type countingRecorder struct {
	count int
}

func (r *countingRecorder) Record(time.Duration) { r.count++ }

func TestGameBridge_HooksSeeEveryRoundTrip(t *testing.T) {
	st := testutil.NewScriptedTransport(resetScript()...)
	b := newTestBridge(t, st, NewExplicitSignal("1-1", 3), testOptions())

	rec := &countingRecorder{}
	previews := 0
	b.SetLatencyRecorder(rec)
	b.SetPreview(func(img image.Image) {
		previews++
		assert.Equal(t, testWidth, img.Bounds().Dx())
	})

	_, err := b.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rec.count)
	assert.Equal(t, 4, previews)
}
