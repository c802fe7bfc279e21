package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/scope"
)

func TestRunSequencedCapture(t *testing.T) {
	sim := scope.NewSimulator()
	sim.SegmentSamples = 100
	l, out := newLoop(t, sim, Session{Events: 4, Sequence: 2, WordSamples: true})

	stats := run(t, l)
	assert.Equal(t, 4, stats.EventsCompleted)
	assert.Equal(t, 2, stats.AppliedSequence)
	assert.Equal(t, 2, sim.Triggers())
	assert.Equal(t, StateDone, l.State())
	assert.Contains(t, out.String(), "Completed 4 events")
	// segment triggers 1ms apart
	assert.InDelta(t, 1000, stats.TriggerRate(), 1e-6)
	assert.Contains(t, out.String(), "trigger rate 1.000 kHz")

	c := openCapture(t, l.Path)
	samples := dataset(t, c, "c1_samples")
	assert.Equal(t, container.Shape{Rows: 4, Cols: 100}, samples.Shape())
	assert.Equal(t, 4, written(t, c, "c1_samples"))
	for _, suffix := range []string{VertOffsetSuffix, VertScaleSuffix, HorizOffsetSuffix, HorizScaleSuffix, TrigOffsetSuffix, TrigTimeSuffix} {
		assert.Equal(t, 4, written(t, c, "c1"+suffix), suffix)
	}
	assert.Equal(t, 2, written(t, c, TimestampDataset))
	tsAttrs, err := dataset(t, c, TimestampDataset).Attrs()
	require.NoError(t, err)
	assert.Equal(t, TimestampFirstEvent, tsAttrs[TimestampRowIndexAttr])
	assert.Equal(t, float64(2), tsAttrs[TimestampStrideAttr])

	// row 3 is the second segment of the second trigger
	row, err := samples.ReadRow(3)
	require.NoError(t, err)
	assert.Equal(t, scope.SimulatedSample(1, 1, 100), row[0])
	assert.Equal(t, scope.SimulatedSample(1, 1, 199), row[99])

	attrs, err := c.Attrs()
	require.NoError(t, err)
	assert.Equal(t, "SEQ ON,2,2.5E+6", attrs[scope.SettingSequence])
	assert.Equal(t, scope.WordFormat, attrs[scope.SettingCommFormat])
	assert.Equal(t, float64(2), attrs["applied_sequence"])
	assert.NotEmpty(t, attrs["session_id"])

	dsAttrs, err := samples.Attrs()
	require.NoError(t, err)
	assert.Equal(t, float64(200), dsAttrs["wave_array_count"])
}

func TestRunTriggerCycles(t *testing.T) {
	tests := []struct {
		events, sequence int
	}{
		{1, 1},
		{5, 1},
		{6, 3},
		{12, 4},
		{10, 10},
	}

	for _, tt := range tests {
		for _, mode := range []container.Mode{container.ModeMemory, container.ModeDisk} {
			t.Run(string(mode), func(t *testing.T) {
				sim := scope.NewSimulator()
				sim.SegmentSamples = 20
				sim.ActiveChannels = []scope.ChannelID{1, 3}
				l, _ := newLoop(t, sim, Session{Events: tt.events, Sequence: tt.sequence})
				l.Store.Mode = mode

				stats := run(t, l)
				assert.Equal(t, tt.events/tt.sequence, sim.Triggers())
				assert.Equal(t, tt.events, stats.EventsCompleted)

				c := openCapture(t, l.Path)
				assert.Equal(t, tt.events, written(t, c, "c1_samples"))
				assert.Equal(t, tt.events, written(t, c, "c3_samples"))
				assert.Equal(t, tt.events, written(t, c, "c3_vert_scale"))
			})
		}
	}
}

func TestRunRetriesTransportFailure(t *testing.T) {
	sim := scope.NewSimulator()
	sim.SegmentSamples = 10
	failed := false
	sim.OnTrigger = func(trigger int) error {
		if trigger == 1 && !failed {
			failed = true
			return scope.ErrSimulated
		}
		return nil
	}
	l, out := newLoop(t, sim, Session{Events: 6, Sequence: 2})

	stats := run(t, l)
	assert.Equal(t, 6, stats.EventsCompleted)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 3, sim.Triggers())
	// configure, one retry and finalize each clear
	assert.Equal(t, 3, sim.Clears())
	assert.Contains(t, out.String(), "simulated transport failure")

	c := openCapture(t, l.Path)
	samples := dataset(t, c, "c1_samples")
	assert.Equal(t, 6, written(t, c, "c1_samples"))
	for row := 0; row < 6; row++ {
		got, err := samples.ReadRow(row)
		require.NoError(t, err)
		trigger, segment := row/2, row%2
		assert.Equal(t, scope.SimulatedSample(trigger, 1, segment*10), got[0], "row %d", row)
	}
}

func TestRunRetriesFetchFailure(t *testing.T) {
	sim := scope.NewSimulator()
	sim.ActiveChannels = []scope.ChannelID{1, 2}
	sim.SegmentSamples = 8
	fails := 0
	sim.OnWaveform = func(trigger int, ch scope.ChannelID) error {
		// the second channel times out on the first two triggers
		if ch == 2 && fails < 2 {
			fails++
			return scope.ErrSimulated
		}
		return nil
	}
	l, _ := newLoop(t, sim, Session{Events: 2, Sequence: 1})

	stats := run(t, l)
	assert.Equal(t, 2, stats.EventsCompleted)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 4, sim.Triggers())

	c := openCapture(t, l.Path)
	row, err := dataset(t, c, "c1_samples").ReadRow(0)
	require.NoError(t, err)
	// the retried trigger overwrote the partial write
	assert.Equal(t, scope.SimulatedSample(2, 1, 0), row[0])
}

func TestRunRetryLimit(t *testing.T) {
	sim := scope.NewSimulator()
	sim.OnTrigger = func(int) error { return scope.ErrSimulated }
	l, _ := newLoop(t, sim, Session{Events: 2, Sequence: 1, MaxRetries: 3})

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 0, stats.EventsCompleted)
	assert.Equal(t, 3, stats.Retries)

	_, statErr := os.Stat(l.Path)
	assert.NoError(t, statErr, "partial capture is still written")
}

func TestRunRetryWaitsBetweenAttempts(t *testing.T) {
	sim := scope.NewSimulator()
	sim.OnTrigger = func(int) error { return scope.ErrSimulated }
	l, _ := newLoop(t, sim, Session{Events: 2, Sequence: 1, RetryDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	stats, err := l.Run(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.GreaterOrEqual(t, stats.Retries, 1)
	// one attempt per delay, plus the one in flight when the deadline hit
	assert.LessOrEqual(t, stats.Retries, int(elapsed/l.Session.RetryDelay)+1)
}

func TestRunInterruptDuringRetryWait(t *testing.T) {
	sim := scope.NewSimulator()
	sim.OnTrigger = func(int) error { return scope.ErrSimulated }
	l, out := newLoop(t, sim, Session{Events: 2, Sequence: 1, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	stats, err := l.Run(ctx)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, StateDone, l.State())
	assert.Contains(t, out.String(), "interrupted")
}

func TestRunTriggerTimeoutRetries(t *testing.T) {
	sim := scope.NewSimulator()
	sim.TriggerDelay = time.Minute
	l, _ := newLoop(t, sim, Session{Events: 2, Sequence: 1, TriggerTimeout: 10 * time.Millisecond, MaxRetries: 2})

	start := time.Now()
	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "no trigger within 10ms")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 0, sim.Triggers())
}

func TestRunConnectionFailure(t *testing.T) {
	sim := scope.NewSimulator()
	sim.DialErr = errors.New("connection refused")
	l, out := newLoop(t, sim, Session{Events: 10, Sequence: 1})

	stats := run(t, l)
	assert.False(t, stats.Connected)
	assert.Equal(t, 0, stats.EventsCompleted)
	assert.Equal(t, StateDone, l.State())
	assert.Contains(t, out.String(), "could not connect")

	_, err := os.Stat(l.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := scope.NewSimulator()
	sim.SegmentSamples = 4
	sim.OnTrigger = func(trigger int) error {
		if trigger == 2 {
			cancel()
		}
		return nil
	}
	l, out := newLoop(t, sim, Session{Events: 10, Sequence: 1})

	stats, err := l.Run(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	// the cycle in flight when the interrupt arrived still completes
	assert.Equal(t, 3, stats.EventsCompleted)
	assert.Equal(t, 3, sim.Triggers())
	assert.Contains(t, out.String(), "interrupted")

	c := openCapture(t, l.Path)
	assert.Equal(t, 3, written(t, c, "c1_samples"))
	assert.Equal(t, container.Shape{Rows: 10, Cols: 4}, dataset(t, c, "c1_samples").Shape())
}

func TestRunStoreFailureIsFatal(t *testing.T) {
	sim := scope.NewSimulator()
	sim.Type = scope.SampleInt8
	sim.SegmentSamples = 4
	sim.SampleAt = func(trigger int, ch scope.ChannelID, k int) int16 {
		if trigger == 1 {
			return 1000
		}
		return 1
	}
	l, _ := newLoop(t, sim, Session{Events: 4, Sequence: 1})

	stats, err := l.Run(context.Background())
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, stats.EventsCompleted)
	assert.Equal(t, 0, stats.Retries)
	assert.Equal(t, 2, sim.Triggers())

	c := openCapture(t, l.Path)
	assert.Equal(t, 1, written(t, c, "c1_samples"))
}

func TestRunStoreOpenFailure(t *testing.T) {
	sim := scope.NewSimulator()
	l, _ := newLoop(t, sim, Session{Events: 1, Sequence: 1})
	l.Store.Mode = container.ModeDisk
	l.Path = filepath.Join(t.TempDir(), "missing", "capture.sqlite")

	stats, err := l.Run(context.Background())
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.True(t, stats.Connected)
	assert.Equal(t, 0, sim.Triggers())
}

func TestRunAppliedSequenceGovernsSizing(t *testing.T) {
	sim := scope.NewSimulator()
	sim.SegmentSamples = 50
	sim.MaxSequence = 2
	l, out := newLoop(t, sim, Session{Events: 8, Sequence: 4})

	stats := run(t, l)
	assert.Equal(t, 2, stats.AppliedSequence)
	assert.Equal(t, 4, sim.Triggers())
	assert.Equal(t, 8, stats.EventsCompleted)
	assert.Contains(t, out.String(), "Could not configure sequence mode properly")

	c := openCapture(t, l.Path)
	assert.Equal(t, container.Shape{Rows: 8, Cols: 50}, dataset(t, c, "c1_samples").Shape())
}

func TestRunAppliedSequenceNotDividingEvents(t *testing.T) {
	sim := scope.NewSimulator()
	sim.SegmentSamples = 5
	sim.MaxSequence = 3
	l, _ := newLoop(t, sim, Session{Events: 8, Sequence: 4})

	stats := run(t, l)
	assert.Equal(t, 8, stats.EventsCompleted)
	assert.Equal(t, 3, sim.Triggers())

	c := openCapture(t, l.Path)
	assert.Equal(t, 8, written(t, c, "c1_samples"))
}

func TestRunWidthGrows(t *testing.T) {
	sim := scope.NewSimulator()
	sim.SamplesAt = func(trigger int) int { return 100 + 25*trigger }
	l, _ := newLoop(t, sim, Session{Events: 3, Sequence: 1})

	stats := run(t, l)
	assert.Equal(t, 150, stats.Channels[0].Width)

	c := openCapture(t, l.Path)
	samples := dataset(t, c, "c1_samples")
	assert.Equal(t, 150, samples.Shape().Cols)

	first, err := samples.ReadRow(0)
	require.NoError(t, err)
	assert.Equal(t, scope.SimulatedSample(0, 1, 99), first[99])
	assert.Equal(t, int16(0), first[149])
}

func TestRunSuppressesDisplay(t *testing.T) {
	sim := scope.NewSimulator()
	l, _ := newLoop(t, sim, Session{Events: 1, Sequence: 1, SuppressDisplay: true})

	run(t, l)
	assert.Equal(t, []string{"DISP OFF", "DISP ON"}, sim.Sent())
	assert.True(t, sim.Closed())
}

func TestRunStates(t *testing.T) {
	sim := scope.NewSimulator()
	l, _ := newLoop(t, sim, Session{Events: 1, Sequence: 1})
	var states []State
	l.OnState = func(s State) { states = append(states, s) }

	run(t, l)
	assert.Equal(t, []State{StateConnecting, StateConfiguring, StateCapturing, StateFinalizing, StateDone}, states)
}

func TestRunRejectsInvalidSession(t *testing.T) {
	sim := scope.NewSimulator()
	l, _ := newLoop(t, sim, Session{Events: 5, Sequence: 2})

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.Equal(t, 0, sim.Triggers())
}
