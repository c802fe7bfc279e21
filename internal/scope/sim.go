package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

var ErrSimulated = errors.New("simulated transport failure")

// Simulator is an in-process instrument. It produces deterministic waveforms
// and lets callers inject failures. The zero value is not usable; call
// NewSimulator.
type Simulator struct {
	// ActiveChannels are reported by Channels.
	ActiveChannels []ChannelID
	// SegmentSamples is the number of samples per segment.
	SegmentSamples int
	// SamplesAt, when set, overrides SegmentSamples per trigger number.
	SamplesAt func(trigger int) int
	// SampleAt, when set, overrides SimulatedSample.
	SampleAt func(trigger int, ch ChannelID, k int) int16
	Type     SampleType
	// MaxSequence caps the segment count the simulator honours; 0 means any.
	MaxSequence int

	VerticalGain   float64
	VerticalOffset float64
	HorizInterval  float64
	HorizOffset    float64

	// TriggerDelay makes Trigger take this long. A delay above the trigger
	// timeout fails the trigger once the timeout has passed.
	TriggerDelay time.Duration

	// Failure hooks; a non-nil error is returned from the call. Hooks run
	// with the simulator locked and must not call back into it.
	DialErr    error
	OnTrigger  func(trigger int) error
	OnWaveform func(trigger int, ch ChannelID) error
	OnSend     func(cmd string) error

	mu       sync.Mutex
	settings Settings
	sequence int
	triggers int
	clears   int
	sent     []string
	closed   bool

	triggerTimeout time.Duration
}

var (
	_ Link         = (*Simulator)(nil)
	_ TriggerTimer = (*Simulator)(nil)
)

// NewSimulator returns a simulator with one 16-bit channel.
func NewSimulator() *Simulator {
	return &Simulator{
		ActiveChannels: []ChannelID{1},
		SegmentSamples: 500,
		Type:           SampleInt16,
		VerticalGain:   1.0 / 256,
		VerticalOffset: 0,
		HorizInterval:  1e-10,
		HorizOffset:    -25e-9,
		sequence:       1,
		settings: Settings{
			Sequence:   "SEQ OFF,1,2.5E+6",
			CommFormat: "CFMT DEF9,BYTE,BIN",
			Extra: []Setting{
				{Name: "TIME_DIV", Value: "TDIV 5.00E-9 S"},
				{Name: "COMM_ORDER", Value: "CORD LO"},
			},
		},
	}
}

// Dial satisfies Dialer.
func (s *Simulator) Dial(ctx context.Context, address string, timeout time.Duration) (Link, error) {
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	slog.Debug("Connected to simulated instrument", "address", address)
	return s, nil
}

// Triggers returns how many trigger calls succeeded.
func (s *Simulator) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// Clears returns how many times Clear was called.
func (s *Simulator) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// Sent returns the raw commands received through Send.
func (s *Simulator) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Closed reports whether the link was closed.
func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Simulator) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *Simulator) SetSequenceMode(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("sequence count %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxSequence > 0 && n > s.MaxSequence {
		n = s.MaxSequence
	}
	s.sequence = n
	if n == 1 {
		s.settings.Sequence = "SEQ OFF,1,2.5E+6"
	} else {
		s.settings.Sequence = fmt.Sprintf("SEQ ON,%d,2.5E+6", n)
	}
	return nil
}

func (s *Simulator) Channels(ctx context.Context) ([]ChannelID, error) {
	return append([]ChannelID(nil), s.ActiveChannels...), nil
}

func (s *Simulator) Settings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.settings
	out.Extra = append([]Setting(nil), s.settings.Extra...)
	return out, nil
}

func (s *Simulator) SetSettings(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// the simulator always transfers 16-bit words once asked to
	if settings.CommFormat == WordFormat {
		s.Type = SampleInt16
	}
	s.settings.CommFormat = settings.CommFormat
	s.settings.Extra = append([]Setting(nil), settings.Extra...)
	return nil
}

func (s *Simulator) segmentSamples(trigger int) int {
	if s.SamplesAt != nil {
		return s.SamplesAt(trigger)
	}
	return s.SegmentSamples
}

func (s *Simulator) descriptor(trigger int) ChannelDescriptor {
	count := s.sequence * s.segmentSamples(trigger)
	return ChannelDescriptor{
		InstrumentName:  "LECROYSIM",
		TraceLabel:      "",
		SampleType:      s.Type,
		WaveArrayCount:  count,
		WaveArrayBytes:  count * s.Type.Size(),
		FirstValidPoint: 0,
		LastValidPoint:  count - 1,
		SubarrayCount:   s.sequence,
		NominalBits:     8,
		VerticalGain:    s.VerticalGain,
		VerticalOffset:  s.VerticalOffset,
		HorizInterval:   s.HorizInterval,
		HorizOffset:     s.HorizOffset,
		AcqDuration:     float64(count) * s.HorizInterval,
		VerticalUnit:    "V",
		HorizontalUnit:  "S",
	}
}

func (s *Simulator) WaveDescriptor(ctx context.Context, ch ChannelID) (ChannelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor(s.triggers), nil
}

func (s *Simulator) SetTriggerTimeout(d time.Duration) {
	s.mu.Lock()
	s.triggerTimeout = d
	s.mu.Unlock()
}

func (s *Simulator) Trigger(ctx context.Context) error {
	s.mu.Lock()
	wait := s.triggerTimeout
	s.mu.Unlock()
	if wait > 0 && s.TriggerDelay > wait {
		time.Sleep(wait)
		return fmt.Errorf("no trigger within %s: %w", wait, os.ErrDeadlineExceeded)
	}
	if s.TriggerDelay > 0 {
		time.Sleep(s.TriggerDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OnTrigger != nil {
		if err := s.OnTrigger(s.triggers); err != nil {
			return err
		}
	}
	s.triggers++
	return nil
}

// Waveform returns the frame of the most recent trigger.
func (s *Simulator) Waveform(ctx context.Context, ch ChannelID) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger := s.triggers - 1
	if s.OnWaveform != nil {
		if err := s.OnWaveform(trigger, ch); err != nil {
			return nil, err
		}
	}

	desc := s.descriptor(trigger)
	frame := &Frame{Descriptor: desc, Samples: make([]int16, desc.WaveArrayCount)}
	sample := SimulatedSample
	if s.SampleAt != nil {
		sample = s.SampleAt
	}
	for k := range frame.Samples {
		frame.Samples[k] = sample(trigger, ch, k)
	}
	if s.sequence > 1 {
		frame.TriggerTimes = make([]float64, s.sequence)
		frame.TriggerOffsets = make([]float64, s.sequence)
		for n := range frame.TriggerTimes {
			frame.TriggerTimes[n] = float64(n) * 1e-3
			frame.TriggerOffsets[n] = s.HorizOffset - float64(n)*1e-12
		}
	}
	return frame, nil
}

// SimulatedSample is the value the simulator reports at position k of a
// trigger's flat buffer.
func SimulatedSample(trigger int, ch ChannelID, k int) int16 {
	return int16((trigger*31+int(ch)*7+k)%201 - 100)
}

func (s *Simulator) Send(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OnSend != nil {
		if err := s.OnSend(cmd); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
