// Package scan moves the chuck over an x/y grid and records one capture per
// grid point.
//
// A scan lives in its own directory: the YAML info file describing the grid,
// a tab separated log with one line per finished point and the capture
// containers named x<i>_y<j>.sqlite. An interrupted scan is resumed from the
// point after the last logged one.
package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"

	"github.com/lecrunch/lecrunch/internal/acquire"
	"github.com/lecrunch/lecrunch/internal/motion"
)

var (
	ErrExists    = errors.New("scan already exists, use --resume for an incomplete scan")
	ErrNoScan    = errors.New("no scan to resume")
	ErrOffGrid   = errors.New("logged point is not on the scan grid")
	ErrNoCapture = errors.New("instrument not reachable")
)

const logHeader = "x\ty\trate\ttrigger_rate"

// Axis is one dimension of the grid.
type Axis struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
	Steps int     `yaml:"steps"`
}

// Points returns Steps evenly spaced values from Start to End inclusive.
func (a Axis) Points() []float64 {
	switch {
	case a.Steps < 1:
		return nil
	case a.Steps == 1:
		return []float64{a.Start}
	}
	return floats.Span(make([]float64, a.Steps), a.Start, a.End)
}

// Info is persisted next to the scan and read back on resume.
type Info struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	CreatedAt time.Time        `yaml:"created_at"`
	Events    int              `yaml:"events"`
	Sequence  int              `yaml:"sequence"`
	Origin    *motion.Position `yaml:"origin,omitempty"`
	X         Axis             `yaml:"x"`
	Y         Axis             `yaml:"y"`
}

// Plan describes a scan to start.
type Plan struct {
	Name     string
	Dir      string
	Events   int
	Sequence int
	// Origin, when set, is the absolute position the grid is centred on.
	Origin *motion.Position
	X, Y   Axis
	// Settle is how long to wait after each move before capturing.
	Settle time.Duration
}

// Mover is the stage surface the scanner uses.
type Mover interface {
	MoveTo(ctx context.Context, x, y float64) (motion.Position, error)
	Home(ctx context.Context) (motion.Position, error)
	SetHome(ctx context.Context) error
}

// Capturer records one capture into path.
type Capturer func(ctx context.Context, path string) (*acquire.Stats, error)

// Scanner runs scans.
type Scanner struct {
	Stage   Mover
	Capture Capturer
	// Out receives progress lines; nil discards them.
	Out io.Writer
}

// Result summarizes a scan run.
type Result struct {
	Dir         string
	Points      int
	Completed   int
	Skipped     int
	Interrupted bool
}

func (s *Scanner) printf(format string, args ...any) {
	if s.Out != nil {
		fmt.Fprintf(s.Out, format, args...)
	}
}

func scanDir(dir, name string) string { return filepath.Join(dir, name) }

func infoPath(dir, name string) string {
	return filepath.Join(scanDir(dir, name), name+"_info.yaml")
}

func logPath(dir, name string) string {
	return filepath.Join(scanDir(dir, name), name+".txt")
}

// PointFile names the capture container of grid point (xi, yi).
func PointFile(xi, yi int) string { return fmt.Sprintf("x%d_y%d.sqlite", xi, yi) }

// Start creates the scan directory and runs the whole grid.
func (s *Scanner) Start(ctx context.Context, plan Plan) (*Result, error) {
	if plan.X.Steps < 1 || plan.Y.Steps < 1 {
		return nil, fmt.Errorf("scan grid %dx%d: steps must be at least 1", plan.X.Steps, plan.Y.Steps)
	}
	dir := scanDir(plan.Dir, plan.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrExists)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scan directory: %w", err)
	}

	info := Info{
		ID:        uuid.NewString(),
		Name:      plan.Name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Events:    plan.Events,
		Sequence:  plan.Sequence,
		Origin:    plan.Origin,
		X:         plan.X,
		Y:         plan.Y,
	}
	data, err := yaml.Marshal(&info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan info: %w", err)
	}
	if err := os.WriteFile(infoPath(plan.Dir, plan.Name), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write scan info: %w", err)
	}
	if err := os.WriteFile(logPath(plan.Dir, plan.Name), []byte(logHeader+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write scan log: %w", err)
	}

	slog.Info("Beginning scan", "name", plan.Name, "dir", dir, "id", info.ID)
	s.printf("Beginning %s\nSaving output to directory %s\n", plan.Name, dir)
	return s.run(ctx, plan.Dir, info, 0, plan.Settle)
}

// Resume continues the scan called name in dir after its last logged point.
func (s *Scanner) Resume(ctx context.Context, dir, name string, settle time.Duration) (*Result, error) {
	data, err := os.ReadFile(infoPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", scanDir(dir, name), ErrNoScan)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scan info: %w", err)
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode scan info: %w", err)
	}

	next, err := nextPoint(logPath(dir, name), info)
	if err != nil {
		return nil, err
	}
	xs, ys := info.X.Points(), info.Y.Points()
	if next < len(xs)*len(ys) {
		xi, yi := next/len(ys), next%len(ys)
		slog.Info("Resuming scan", "name", name, "x_index", xi, "x", xs[xi], "y_index", yi, "y", ys[yi])
		s.printf("Resuming %s at x%d = %g and y%d = %g\n", name, xi, xs[xi], yi, ys[yi])
	}
	return s.run(ctx, dir, info, next, settle)
}

// nextPoint returns the flat index after the last point in the log.
func nextPoint(path string, info Info) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read scan log: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// older logs carry a header without the trigger_rate column
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "x\t") {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("failed to read scan log: %w", err)
	}
	if last == "" {
		return 0, nil
	}

	fields := strings.Fields(last)
	if len(fields) < 2 {
		return 0, fmt.Errorf("scan log line %q: %w", last, ErrOffGrid)
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil {
		return 0, fmt.Errorf("scan log line %q: %w", last, ErrOffGrid)
	}
	xi, yi := indexOf(info.X.Points(), x), indexOf(info.Y.Points(), y)
	if xi < 0 || yi < 0 {
		return 0, fmt.Errorf("(%g, %g): %w", x, y, ErrOffGrid)
	}
	return xi*info.Y.Steps + yi + 1, nil
}

func indexOf(points []float64, v float64) int {
	for i, p := range points {
		if floats.EqualWithinAbsOrRel(p, v, 1e-9, 1e-9) {
			return i
		}
	}
	return -1
}

func (s *Scanner) run(ctx context.Context, dir string, info Info, from int, settle time.Duration) (res *Result, err error) {
	xs, ys := info.X.Points(), info.Y.Points()
	res = &Result{Dir: scanDir(dir, info.Name), Points: len(xs) * len(ys), Skipped: from}
	if from >= res.Points {
		s.printf("Scan %s is already complete\n", info.Name)
		return res, nil
	}

	logFile, err := os.OpenFile(logPath(dir, info.Name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan log: %w", err)
	}
	defer logFile.Close()

	// the stage must not stay wherever the scan stopped
	moveCtx := context.WithoutCancel(ctx)
	defer func() {
		s.printf("!!! Wait for platform to return Home !!!\n")
		slog.Info("Returning stage home")
		if _, herr := s.Stage.Home(moveCtx); herr != nil {
			slog.Error("Failed to return stage home", "error", herr)
			err = errors.Join(err, fmt.Errorf("failed to return home: %w", herr))
		}
	}()

	if info.Origin != nil {
		if _, err := s.Stage.MoveTo(moveCtx, info.Origin.X, info.Origin.Y); err != nil {
			return res, fmt.Errorf("failed to reach scan origin: %w", err)
		}
		if err := s.Stage.SetHome(moveCtx); err != nil {
			return res, fmt.Errorf("failed to set scan origin: %w", err)
		}
	}

	for k := from; k < res.Points; k++ {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		xi, yi := k/len(ys), k%len(ys)
		x, y := xs[xi], ys[yi]

		slog.Info("Moving stage", "x_index", xi, "x", x, "y_index", yi, "y", y)
		s.printf("Moving to x%d = %g, y%d = %g\n", xi, x, yi, y)
		if _, err := s.Stage.MoveTo(moveCtx, x, y); err != nil {
			return res, fmt.Errorf("failed to move to (%g, %g): %w", x, y, err)
		}
		if err := sleep(ctx, settle); err != nil {
			res.Interrupted = true
			break
		}

		stats, err := s.Capture(ctx, filepath.Join(res.Dir, PointFile(xi, yi)))
		if err != nil {
			return res, fmt.Errorf("capture at x%d_y%d: %w", xi, yi, err)
		}
		if !stats.Connected {
			return res, fmt.Errorf("capture at x%d_y%d: %w", xi, yi, ErrNoCapture)
		}
		if stats.Interrupted {
			// a partial point is not logged so resume repeats it
			res.Interrupted = true
			break
		}

		for _, ch := range stats.Channels {
			slog.Debug("Trigger rate", "channel", ch.ID, "x", x, "y", y, "rate_hz", ch.TriggerRate())
		}
		if _, err := fmt.Fprintf(logFile, "%s\t%s\t%s\t%s\n",
			formatFloat(x), formatFloat(y), formatFloat(stats.EventRate()), formatFloat(stats.TriggerRate())); err != nil {
			return res, fmt.Errorf("failed to write scan log: %w", err)
		}
		res.Completed++
	}

	if res.Interrupted {
		slog.Info("Scan interrupted", "completed", res.Completed)
		s.printf("User interrupted scan after %d of %d points\n", res.Skipped+res.Completed, res.Points)
	}
	return res, nil
}

func formatFloat(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
