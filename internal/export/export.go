// Package export converts a raw capture into the simple format: calibrated
// voltages and an explicit per-sample time axis for every event.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/lecrunch/lecrunch/internal/acquire"
	"github.com/lecrunch/lecrunch/internal/config"
	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/scope"
)

// Extension is the file extension of capture containers.
const Extension = ".sqlite"

// Dataset suffixes of the simple format.
const (
	VoltsSuffix = "_volts"
	TimeSuffix  = "_time"
)

// ErrNoChannels is returned for containers without any sample matrix.
var ErrNoChannels = errors.New("no channel sample datasets found")

type Exporter struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Exporter {
	return &Exporter{cfg: cfg}
}

// Result describes a finished export.
type Result struct {
	Input     string
	Output    string
	Channels  []scope.ChannelID
	Events    int
	FileBytes int64
}

// CapturePath resolves a capture name to its container path. Names with a
// directory component are used as given.
func CapturePath(dir, name string) string {
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(dir, name)
}

// OutputPath returns the simple-format path for a capture path.
func OutputPath(input string) string {
	return strings.TrimSuffix(input, Extension) + VoltsSuffix + Extension
}

// Export reads the capture called name and writes <name>_volts.sqlite next
// to it. An existing export is replaced.
func (e *Exporter) Export(name string) (*Result, error) {
	input := CapturePath(e.cfg.Output.Directory, name)
	output := OutputPath(input)

	src, err := container.Open(input)
	if err != nil {
		return nil, fmt.Errorf("input file not found: %s: %w", input, err)
	}
	defer src.Close()

	channels := captureChannels(src)
	if len(channels) == 0 {
		return nil, fmt.Errorf("%s: %w", input, ErrNoChannels)
	}

	mode, err := container.ParseMode(e.cfg.Output.StoreMode)
	if err != nil {
		return nil, err
	}
	dst, err := container.Create(output, container.Options{Mode: mode})
	if err != nil {
		return nil, err
	}

	res := &Result{Input: input, Output: output, Channels: channels}
	if err := e.convert(src, dst, res); err != nil {
		dst.Close()
		os.Remove(output)
		return nil, err
	}

	size, err := dst.Close()
	if err != nil {
		return nil, err
	}
	res.FileBytes = size

	slog.Info("Simple format export saved to", "file", output, "channels", len(channels), "events", res.Events)
	return res, nil
}

func captureChannels(c *container.Container) []scope.ChannelID {
	var channels []scope.ChannelID
	for _, name := range c.Datasets() {
		prefix, ok := strings.CutSuffix(name, acquire.SamplesSuffix)
		if !ok {
			continue
		}
		ch, err := scope.ParseChannelID(prefix)
		if err != nil {
			slog.Debug("Skipping dataset", "name", name, "error", err)
			continue
		}
		channels = append(channels, ch)
	}
	return channels
}

func (e *Exporter) convert(src, dst *container.Container, res *Result) error {
	attrs, err := src.Attrs()
	if err != nil {
		return err
	}
	for k, v := range attrs {
		if err := dst.SetAttr(k, v); err != nil {
			return err
		}
	}
	if err := dst.SetAttr("source", filepath.Base(res.Input)); err != nil {
		return err
	}

	if err := copyColumn(src, dst, acquire.TimestampDataset); err != nil {
		return err
	}

	for _, ch := range res.Channels {
		n, err := convertChannel(src, dst, ch)
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch, err)
		}
		res.Events = max(res.Events, n)
	}
	return nil
}

func column(c *container.Container, name string) ([]float64, error) {
	ds, err := c.Dataset(name)
	if err != nil {
		return nil, err
	}
	return ds.Values()
}

func copyColumn(src, dst *container.Container, name string) error {
	ds, err := src.Dataset(name)
	if err != nil {
		return err
	}
	values, err := ds.Values()
	if err != nil {
		return err
	}
	n, err := ds.Written()
	if err != nil {
		return err
	}
	out, err := dst.CreateDataset(name, container.Float64, ds.Shape(), ds.MaxShape())
	if err != nil {
		return err
	}
	attrs, err := ds.Attrs()
	if err != nil {
		return err
	}
	for k, v := range attrs {
		if err := out.SetAttr(k, v); err != nil {
			return err
		}
	}
	if n == 0 {
		return nil
	}
	for i, v := range values {
		if err := out.Set(i, v); err != nil {
			return err
		}
	}
	return nil
}

// convertChannel writes the voltage and time matrices of one channel and
// returns the number of events converted.
func convertChannel(src, dst *container.Container, ch scope.ChannelID) (int, error) {
	prefix := ch.Prefix()
	samples, err := src.Dataset(prefix + acquire.SamplesSuffix)
	if err != nil {
		return 0, err
	}
	rows, err := samples.Written()
	if err != nil {
		return 0, err
	}

	gain, err := column(src, prefix+acquire.VertScaleSuffix)
	if err != nil {
		return 0, err
	}
	offset, err := column(src, prefix+acquire.VertOffsetSuffix)
	if err != nil {
		return 0, err
	}
	interval, err := column(src, prefix+acquire.HorizScaleSuffix)
	if err != nil {
		return 0, err
	}
	start, err := column(src, prefix+acquire.HorizOffsetSuffix)
	if err != nil {
		return 0, err
	}

	// Sequence captures carry a trigger offset per sub-trace; single shots
	// only have the horizontal offset.
	trig, err := src.Dataset(prefix + acquire.TrigOffsetSuffix)
	if err != nil {
		return 0, err
	}
	withTrig, err := trig.Written()
	if err != nil {
		return 0, err
	}
	if withTrig > 0 {
		if start, err = trig.Values(); err != nil {
			return 0, err
		}
	}

	shape := samples.Shape()
	maxShape := container.Shape{Rows: shape.Rows, Cols: container.Unlimited}
	volts, err := dst.CreateDataset(prefix+VoltsSuffix, container.Float64, shape, maxShape)
	if err != nil {
		return 0, err
	}
	times, err := dst.CreateDataset(prefix+TimeSuffix, container.Float64, shape, maxShape)
	if err != nil {
		return 0, err
	}
	if attrs, err := samples.Attrs(); err == nil {
		for k, v := range attrs {
			if err := volts.SetAttr(k, v); err != nil {
				return 0, err
			}
		}
	}
	if err := copyColumn(src, dst, prefix+acquire.TrigTimeSuffix); err != nil {
		return 0, err
	}

	vbuf := make([]float64, shape.Cols)
	tbuf := make([]float64, shape.Cols)
	for i := 0; i < rows && i < shape.Rows; i++ {
		raw, err := samples.ReadRow(i)
		if err != nil {
			return i, err
		}
		if err := volts.WriteFloatRow(i, Volts(raw, gain[i], offset[i], vbuf)); err != nil {
			return i, err
		}
		if err := times.WriteFloatRow(i, TimeAxis(start[i], interval[i], len(raw), tbuf)); err != nil {
			return i, err
		}
	}
	slog.Debug("Channel exported", "channel", ch, "events", rows, "samples", shape.Cols)
	return rows, nil
}

// Volts converts raw samples to physical values, raw*gain - offset, into
// dst, which is grown when too short. raw is never modified.
func Volts(raw []int16, gain, offset float64, dst []float64) []float64 {
	if cap(dst) < len(raw) {
		dst = make([]float64, len(raw))
	}
	dst = dst[:len(raw)]
	for k, s := range raw {
		dst[k] = float64(s)
	}
	floats.Scale(gain, dst)
	floats.AddConst(-offset, dst)
	return dst
}

// TimeAxis fills dst with n times spaced interval apart starting at start.
func TimeAxis(start, interval float64, n int, dst []float64) []float64 {
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	switch n {
	case 0:
	case 1:
		dst[0] = start
	default:
		floats.Span(dst, start, start+interval*float64(n-1))
	}
	return dst
}
