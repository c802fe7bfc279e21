// Package scope talks to LeCroy-class waveform digitizers.
//
// Link is the narrow surface the acquisition code needs from an instrument.
// DialLeCroy implements it over the vendor's VICP transport; Simulator
// implements it in-process for dry runs and tests.
package scope

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxChannels is the number of analog inputs on the supported instruments.
const MaxChannels = 4

// ChannelID identifies an analog input, 1 through MaxChannels.
type ChannelID int

// NewChannelID validates n as a channel number.
func NewChannelID(n int) (ChannelID, error) {
	if n < 1 || n > MaxChannels {
		return 0, fmt.Errorf("channel %d out of range 1..%d", n, MaxChannels)
	}
	return ChannelID(n), nil
}

// ParseChannelID accepts "2", "c2" or "C2".
func ParseChannelID(s string) (ChannelID, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "C")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid channel %q", s)
	}
	return NewChannelID(n)
}

func (c ChannelID) Number() int { return int(c) }

func (c ChannelID) String() string { return fmt.Sprintf("C%d", int(c)) }

// Prefix is the lower-case name used for the channel's datasets.
func (c ChannelID) Prefix() string { return fmt.Sprintf("c%d", int(c)) }

// SampleType is the width of the raw samples the instrument sends.
type SampleType int

const (
	SampleInt8 SampleType = iota
	SampleInt16
)

// Size returns the bytes per sample.
func (t SampleType) Size() int {
	if t == SampleInt8 {
		return 1
	}
	return 2
}

func (t SampleType) String() string {
	if t == SampleInt8 {
		return "int8"
	}
	return "int16"
}

// ChannelDescriptor is the instrument's description of one channel's current
// acquisition, decoded from the WAVEDESC block.
type ChannelDescriptor struct {
	InstrumentName  string
	TraceLabel      string
	SampleType      SampleType
	WaveArrayCount  int
	WaveArrayBytes  int
	FirstValidPoint int
	LastValidPoint  int
	SubarrayCount   int
	NominalBits     int
	VerticalGain    float64
	VerticalOffset  float64
	HorizInterval   float64
	HorizOffset     float64
	AcqDuration     float64
	VerticalUnit    string
	HorizontalUnit  string
}

// Attributes flattens the descriptor for storage next to the samples.
func (d ChannelDescriptor) Attributes() map[string]any {
	return map[string]any{
		"instrument_name":  d.InstrumentName,
		"trace_label":      d.TraceLabel,
		"dtype":            d.SampleType.String(),
		"wave_array_count": d.WaveArrayCount,
		"wave_array_1":     d.WaveArrayBytes,
		"first_valid_pnt":  d.FirstValidPoint,
		"last_valid_pnt":   d.LastValidPoint,
		"subarray_count":   d.SubarrayCount,
		"nominal_bits":     d.NominalBits,
		"vertical_gain":    d.VerticalGain,
		"vertical_offset":  d.VerticalOffset,
		"horiz_interval":   d.HorizInterval,
		"horiz_offset":     d.HorizOffset,
		"acq_duration":     d.AcqDuration,
		"vertunit":         d.VerticalUnit,
		"horunit":          d.HorizontalUnit,
	}
}

// Frame is one channel's response to a trigger. In sequence mode Samples holds
// every segment back to back and TriggerTimes/TriggerOffsets carry one entry per
// segment; otherwise both are empty.
type Frame struct {
	Descriptor     ChannelDescriptor
	Samples        []int16
	TriggerTimes   []float64
	TriggerOffsets []float64
}

// Link is a connected instrument. Calls block until the instrument answers or
// the link's timeout expires.
type Link interface {
	// Clear resets the instrument's error state and drops queued output.
	Clear(ctx context.Context) error
	// SetSequenceMode requests n segments per trigger; n == 1 turns sequence
	// mode off.
	SetSequenceMode(ctx context.Context, n int) error
	// Channels lists the channels whose trace is on.
	Channels(ctx context.Context) ([]ChannelID, error)
	Settings(ctx context.Context) (Settings, error)
	SetSettings(ctx context.Context, s Settings) error
	WaveDescriptor(ctx context.Context, ch ChannelID) (ChannelDescriptor, error)
	// Trigger arms the instrument and waits for the acquisition to complete.
	Trigger(ctx context.Context) error
	Waveform(ctx context.Context, ch ChannelID) (*Frame, error)
	// Send issues a raw remote command that has no response.
	Send(ctx context.Context, cmd string) error
	Close() error
}

// TriggerTimer is implemented by links whose trigger wait is bounded
// separately from the per-call timeout. Zero keeps the per-call timeout.
type TriggerTimer interface {
	SetTriggerTimeout(d time.Duration)
}

// Dialer connects to an instrument.
type Dialer func(ctx context.Context, address string, timeout time.Duration) (Link, error)
