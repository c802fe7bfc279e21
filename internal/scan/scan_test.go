package scan

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lecrunch/lecrunch/internal/acquire"
	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/motion"
	"github.com/lecrunch/lecrunch/internal/scope"
)

type recorder struct {
	paths []string
	// cancel, when set, is called once this many captures have finished.
	cancelAfter int
	cancel      context.CancelFunc
}

func (r *recorder) capture(ctx context.Context, path string) (*acquire.Stats, error) {
	r.paths = append(r.paths, filepath.Base(path))
	if r.cancel != nil && len(r.paths) == r.cancelAfter {
		r.cancel()
		return &acquire.Stats{Connected: true, Interrupted: true}, nil
	}
	return &acquire.Stats{Connected: true, EventsCompleted: 10, Elapsed: 2 * time.Second}, nil
}

func newScanner(t *testing.T, rec *recorder) (*Scanner, *motion.Emulator) {
	t.Helper()
	emu := motion.NewEmulator(motion.Position{X: 100, Y: 110})
	stage := motion.New(emu, motion.Options{Timeout: 2 * time.Millisecond, Attempts: 2})
	return &Scanner{Stage: stage, Capture: rec.capture, Out: io.Discard}, emu
}

func plan(dir string) Plan {
	return Plan{
		Name:     "grid",
		Dir:      dir,
		Events:   10,
		Sequence: 10,
		X:        Axis{Start: -1, End: 1, Steps: 3},
		Y:        Axis{Start: 0, End: 0.5, Steps: 2},
	}
}

func readLog(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "grid", "grid.txt"))
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestStartRunsWholeGrid(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s, emu := newScanner(t, rec)

	res, err := s.Start(context.Background(), plan(dir))
	require.NoError(t, err)
	assert.Equal(t, 6, res.Points)
	assert.Equal(t, 6, res.Completed)
	assert.False(t, res.Interrupted)

	want := []string{
		"x0_y0.sqlite", "x0_y1.sqlite",
		"x1_y0.sqlite", "x1_y1.sqlite",
		"x2_y0.sqlite", "x2_y1.sqlite",
	}
	if diff := cmp.Diff(want, rec.paths); diff != "" {
		t.Errorf("capture order mismatch (-want +got):\n%s", diff)
	}

	lines := readLog(t, dir)
	require.Len(t, lines, 7)
	assert.Equal(t, "x\ty\trate\ttrigger_rate", lines[0])
	assert.Equal(t, "-1\t0\t5\t0", lines[1])
	assert.Equal(t, "1\t0.5\t5\t0", lines[6])

	// the stage ends at the absolute origin
	assert.Equal(t, motion.Position{X: 0, Y: 0}, emu.At())

	data, err := os.ReadFile(filepath.Join(dir, "grid", "grid_info.yaml"))
	require.NoError(t, err)
	var info Info
	require.NoError(t, yaml.Unmarshal(data, &info))
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, Axis{Start: -1, End: 1, Steps: 3}, info.X)
	assert.Equal(t, 10, info.Events)
}

func TestStartCentresOnOrigin(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s, emu := newScanner(t, rec)
	p := plan(dir)
	p.Origin = &motion.Position{X: 50, Y: 60}
	p.X = Axis{Start: 2, End: 2, Steps: 1}
	p.Y = Axis{Start: -3, End: -3, Steps: 1}

	_, err := s.Start(context.Background(), p)
	require.NoError(t, err)

	cmds := emu.Commands()
	assert.Contains(t, cmds, "1g 50 60")
	assert.Contains(t, cmds, "4g 52 57")
	// home is the origin, not the controller zero
	assert.Equal(t, motion.Position{X: 50, Y: 60}, emu.At())
}

func TestStartRefusesExistingScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "grid"), 0755))

	s, _ := newScanner(t, &recorder{})
	_, err := s.Start(context.Background(), plan(dir))
	require.ErrorIs(t, err, ErrExists)
}

func TestResumeAfterInterrupt(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{cancelAfter: 3, cancel: cancel}
	s, emu := newScanner(t, rec)
	res, err := s.Start(ctx, plan(dir))
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 2, res.Completed)
	assert.Len(t, readLog(t, dir), 3)
	assert.Equal(t, motion.Position{}, emu.At())

	rec2 := &recorder{}
	s2, _ := newScanner(t, rec2)
	res, err = s2.Resume(context.Background(), dir, "grid", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, "x1_y0.sqlite", rec2.paths[0])
	assert.Len(t, readLog(t, dir), 7)

	// nothing left to do
	rec3 := &recorder{}
	s3, _ := newScanner(t, rec3)
	res, err = s3.Resume(context.Background(), dir, "grid", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Completed)
	assert.Empty(t, rec3.paths)
}

func TestResumeMissingScan(t *testing.T) {
	s, _ := newScanner(t, &recorder{})
	_, err := s.Resume(context.Background(), t.TempDir(), "grid", 0)
	require.ErrorIs(t, err, ErrNoScan)
}

func TestResumeOffGrid(t *testing.T) {
	dir := t.TempDir()
	s, _ := newScanner(t, &recorder{})
	_, err := s.Start(context.Background(), plan(dir))
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "grid", "grid.txt"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("0.3\t0\t1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Resume(context.Background(), dir, "grid", 0)
	require.ErrorIs(t, err, ErrOffGrid)
}

func TestNextPointAcceptsLogWithoutTriggerRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\ty\trate\n-1\t0\t5\n-1\t0.5\t5\n"), 0644))

	p := plan("")
	next, err := nextPoint(path, Info{X: p.X, Y: p.Y})
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestUnreachableInstrumentStopsScan(t *testing.T) {
	dir := t.TempDir()
	s, emu := newScanner(t, &recorder{})
	s.Capture = func(ctx context.Context, path string) (*acquire.Stats, error) {
		return &acquire.Stats{Connected: false}, nil
	}

	res, err := s.Start(context.Background(), plan(dir))
	require.ErrorIs(t, err, ErrNoCapture)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, motion.Position{}, emu.At())
}

func TestScanWithSimulatedInstrument(t *testing.T) {
	dir := t.TempDir()
	sim := scope.NewSimulator()
	sim.SegmentSamples = 20

	s, _ := newScanner(t, &recorder{})
	s.Capture = func(ctx context.Context, path string) (*acquire.Stats, error) {
		l := &acquire.Loop{
			Session: acquire.Session{Events: 4, Sequence: 2, Timeout: time.Second, Quiet: true},
			Address: "sim",
			Path:    path,
			Dial:    sim.Dial,
			Store:   acquire.StoreOptions{Mode: container.ModeMemory},
		}
		return l.Run(ctx)
	}
	p := plan(dir)
	p.X.Steps, p.Y.Steps = 1, 2

	res, err := s.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	// the simulator spaces segment triggers 1ms apart
	lines := readLog(t, dir)
	require.Len(t, lines, 3)
	fields := strings.Split(lines[2], "\t")
	require.Len(t, fields, 4)
	rate, err := strconv.ParseFloat(fields[3], 64)
	require.NoError(t, err)
	assert.InDelta(t, 1000, rate, 1e-6)

	c, err := container.Open(filepath.Join(dir, "grid", "x0_y1.sqlite"))
	require.NoError(t, err)
	defer c.Close()
	ds, err := c.Dataset("c1_samples")
	require.NoError(t, err)
	assert.Equal(t, container.Shape{Rows: 4, Cols: 20}, ds.Shape())
}

func TestAxisPoints(t *testing.T) {
	tests := []struct {
		axis Axis
		want []float64
	}{
		{Axis{Start: 0, End: 1, Steps: 0}, nil},
		{Axis{Start: 3, End: 9, Steps: 1}, []float64{3}},
		{Axis{Start: -25, End: 20, Steps: 4}, []float64{-25, -10, 5, 20}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.axis.Points()); diff != "" {
			t.Errorf("%+v points mismatch (-want +got):\n%s", tt.axis, diff)
		}
	}
}
