package acquire

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/scope"
)

func newStore(t *testing.T, mode container.Mode, pad PadPolicy, events, waveArrayCount, sequence int) *Store {
	t.Helper()
	cfg := &Configured{
		Settings:  scope.Settings{Sequence: "SEQ ON,2", CommFormat: scope.WordFormat},
		Requested: sequence,
		Sequence:  sequence,
	}
	infos := []ChannelInfo{{
		ID:         2,
		Descriptor: scope.ChannelDescriptor{WaveArrayCount: waveArrayCount, SampleType: scope.SampleInt16},
	}}
	path := filepath.Join(t.TempDir(), "store.sqlite")
	s, err := OpenStore(path, Session{Events: events, Sequence: sequence}, cfg, infos, StoreOptions{Mode: mode, Pad: pad})
	require.NoError(t, err)
	return s
}

func TestStoreInitialWidth(t *testing.T) {
	s := newStore(t, container.ModeMemory, PadKeep, 4, 200, 2)
	assert.Equal(t, 100, s.Width(2))
	assert.Equal(t, 0, s.Width(1))
	assert.Equal(t, []scope.ChannelID{2}, s.Channels())

	_, err := s.EnsureWidth(1, 10)
	assert.Error(t, err, "unknown channel")
}

func TestStoreEnsureWidthNeverShrinks(t *testing.T) {
	for _, mode := range []container.Mode{container.ModeMemory, container.ModeDisk} {
		t.Run(string(mode), func(t *testing.T) {
			s := newStore(t, mode, PadKeep, 2, 4, 1)
			row := []int16{1, 2, 3, 4}
			require.NoError(t, s.WriteRow(2, 0, row, Calibration{}))

			widths := []int{6, 3, 6, 0, 10, 9}
			prev := s.Width(2)
			for _, w := range widths {
				grew, err := s.EnsureWidth(2, w)
				require.NoError(t, err)
				assert.Equal(t, w > prev, grew)
				assert.GreaterOrEqual(t, s.Width(2), prev)
				prev = s.Width(2)
			}
			assert.Equal(t, 10, s.Width(2))

			p, err := s.Finalize()
			require.NoError(t, err)

			c := openCapture(t, p.Path)
			got, err := dataset(t, c, "c2_samples").ReadRow(0)
			require.NoError(t, err)
			assert.Equal(t, []int16{1, 2, 3, 4, 0, 0, 0, 0, 0, 0}, got)
		})
	}
}

func TestStoreWriteRowPadPolicy(t *testing.T) {
	tests := []struct {
		pad  PadPolicy
		want []int16
	}{
		{PadKeep, []int16{7, 7, 3, 4}},
		{PadZero, []int16{7, 7, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(string(tt.pad), func(t *testing.T) {
			s := newStore(t, container.ModeMemory, tt.pad, 1, 4, 1)
			require.NoError(t, s.WriteRow(2, 0, []int16{1, 2, 3, 4}, Calibration{}))
			require.NoError(t, s.WriteRow(2, 0, []int16{7, 7}, Calibration{}))

			p, err := s.Finalize()
			require.NoError(t, err)
			got, err := dataset(t, openCapture(t, p.Path), "c2_samples").ReadRow(0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreWriteRowTruncatesLongSubTrace(t *testing.T) {
	s := newStore(t, container.ModeMemory, PadKeep, 1, 3, 1)
	require.NoError(t, s.WriteRow(2, 0, []int16{1, 2, 3, 4, 5}, Calibration{}))

	p, err := s.Finalize()
	require.NoError(t, err)
	got, err := dataset(t, openCapture(t, p.Path), "c2_samples").ReadRow(0)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, got)
}

func TestStoreCalibrationColumns(t *testing.T) {
	s := newStore(t, container.ModeDisk, PadKeep, 2, 4, 2)
	require.NoError(t, s.WriteRow(2, 0, []int16{1, 2}, Calibration{
		VerticalOffset: 0.1, VerticalGain: 0.01, HorizOffset: -1e-8, HorizInterval: 1e-10,
		TriggerOffset: -2e-9, HasTriggerOffset: true,
		TriggerTime: 0.25, HasTriggerTime: true,
	}))
	require.NoError(t, s.WriteRow(2, 1, []int16{3, 4}, Calibration{VerticalGain: 0.02}))
	require.NoError(t, s.WriteTimestamp(0, 1.5))

	p, err := s.Finalize()
	require.NoError(t, err)
	assert.Greater(t, p.FileBytes, int64(0))
	// 2 rows of 2 int16 plus 10 float64 values
	assert.Equal(t, int64(2*2*2+10*8), p.Channels[2])

	c := openCapture(t, p.Path)
	gain, err := dataset(t, c, "c2_vert_scale").Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 0.02}, gain)
	assert.Equal(t, 1, written(t, c, "c2_trig_offset"))
	assert.Equal(t, 1, written(t, c, "c2_trig_time"))
	assert.Equal(t, 1, written(t, c, TimestampDataset))

	_, err = s.Finalize()
	assert.ErrorIs(t, err, container.ErrClosed)
}

func TestStoreMemoryModeWritesOnFinalize(t *testing.T) {
	s := newStore(t, container.ModeMemory, PadKeep, 1, 2, 1)
	require.NoError(t, s.WriteRow(2, 0, []int16{1, 2}, Calibration{}))
	assert.NoFileExists(t, s.Path())

	_, err := s.Finalize()
	require.NoError(t, err)
	assert.FileExists(t, s.Path())
}

func TestCopyBounded(t *testing.T) {
	dst := []int16{9, 9, 9}
	assert.Equal(t, 2, copyBounded(dst, []int16{1, 2}))
	assert.Equal(t, []int16{1, 2, 9}, dst)
	assert.Equal(t, 3, copyBounded(dst, []int16{4, 5, 6, 7}))
	assert.Equal(t, []int16{4, 5, 6}, dst)
}

func TestParsePadPolicy(t *testing.T) {
	p, err := ParsePadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PadKeep, p)
	p, err = ParsePadPolicy("ZERO")
	require.NoError(t, err)
	assert.Equal(t, PadZero, p)
	_, err = ParsePadPolicy("mirror")
	assert.Error(t, err)
}
