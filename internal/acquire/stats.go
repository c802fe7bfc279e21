package acquire

import (
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lecrunch/lecrunch/internal/scope"
	"github.com/lecrunch/lecrunch/internal/units"
)

// ChannelStats describes one channel at the end of a capture.
type ChannelStats struct {
	ID scope.ChannelID
	// Descriptor is the last one the instrument returned.
	Descriptor  scope.ChannelDescriptor
	Width       int
	StoredBytes int64

	gapSum float64
	gaps   int
}

// addTriggerTimes accumulates the spacing of consecutive segment trigger
// times of one frame.
func (c *ChannelStats) addTriggerTimes(times []float64) {
	for n := 1; n < len(times); n++ {
		c.gapSum += times[n] - times[n-1]
		c.gaps++
	}
}

// TriggerRate is the inverse of the mean trigger time spacing between
// sequence segments. It is zero without sequence mode.
func (c ChannelStats) TriggerRate() float64 {
	if c.gaps == 0 || c.gapSum <= 0 {
		return 0
	}
	return float64(c.gaps) / c.gapSum
}

// Stats is what a capture reports, including captures that ended early.
type Stats struct {
	Address           string
	Path              string
	Connected         bool
	EventsRequested   int
	EventsCompleted   int
	RequestedSequence int
	AppliedSequence   int
	Elapsed           time.Duration
	Retries           int
	Interrupted       bool
	Channels          []ChannelStats
	FileBytes         int64
	CycleMean         time.Duration
	CycleStdDev       time.Duration

	cycles []float64
}

// PerEvent is the average time per completed event, zero if none completed.
func (s *Stats) PerEvent() time.Duration {
	if s.EventsCompleted == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.EventsCompleted)
}

// EventRate is completed events per second, zero if none completed.
func (s *Stats) EventRate() float64 {
	if s.EventsCompleted == 0 || s.Elapsed <= 0 {
		return 0
	}
	return float64(s.EventsCompleted) / s.Elapsed.Seconds()
}

// TriggerRate averages the channels' trigger rates, zero if none has one.
func (s *Stats) TriggerRate() float64 {
	var rates []float64
	for _, ch := range s.Channels {
		if r := ch.TriggerRate(); r > 0 {
			rates = append(rates, r)
		}
	}
	if len(rates) == 0 {
		return 0
	}
	return stat.Mean(rates, nil)
}

func (s *Stats) addCycle(d time.Duration) {
	s.cycles = append(s.cycles, d.Seconds())
}

func (s *Stats) summarizeCycles() {
	switch len(s.cycles) {
	case 0:
		return
	case 1:
		s.CycleMean = time.Duration(s.cycles[0] * float64(time.Second))
	default:
		mean, std := stat.MeanStdDev(s.cycles, nil)
		s.CycleMean = time.Duration(mean * float64(time.Second))
		s.CycleStdDev = time.Duration(std * float64(time.Second))
	}
}

// WriteSummary prints the human readable report of a capture.
func (s *Stats) WriteSummary(w io.Writer) {
	if !s.Connected {
		fmt.Fprintf(w, "No events captured: could not connect to %s\n", s.Address)
		return
	}
	if s.Interrupted {
		fmt.Fprintf(w, "Capture interrupted after %d of %d events\n", s.EventsCompleted, s.EventsRequested)
	}

	if s.EventsCompleted > 0 {
		fmt.Fprintf(w, "Completed %d events in %.3f seconds.\n", s.EventsCompleted, s.Elapsed.Seconds())
		fmt.Fprintf(w, "Averaged %.5f seconds per event.\n", s.PerEvent().Seconds())
		if s.CycleStdDev > 0 {
			fmt.Fprintf(w, "Trigger cycle %ss +/- %ss\n",
				units.SIPrefix(s.CycleMean.Seconds()), units.SIPrefix(s.CycleStdDev.Seconds()))
		}
	} else {
		fmt.Fprintf(w, "No events completed.\n")
	}
	if s.Retries > 0 {
		fmt.Fprintf(w, "Retried %d trigger cycles.\n", s.Retries)
	}

	seq := s.AppliedSequence
	if seq < 1 {
		seq = 1
	}
	for _, ch := range s.Channels {
		d := ch.Descriptor
		datapoints := d.WaveArrayCount
		samples := datapoints / seq
		fmt.Fprintf(w, "Channel %d:\n", ch.ID.Number())
		fmt.Fprintf(w, "\t %d (#seq)\n", seq)
		fmt.Fprintf(w, "\t %d == %s (#samples)\n", samples, units.SIPrefix(float64(samples)))
		fmt.Fprintf(w, "\t %d == %s (#datapoints)\n", datapoints, units.SIPrefix(float64(datapoints)))
		fmt.Fprintf(w, "\t %d == %d x %d\n", datapoints, seq, samples)
		fmt.Fprintf(w, "\t size of %d sequences: %s\n", seq, units.HumanReadableBytes(int64(d.WaveArrayBytes)))
		fmt.Fprintf(w, "\t stored: %s\n", units.HumanReadableBytes(ch.StoredBytes))
		fmt.Fprintf(w, "\t sequence length %ss\n", units.SIPrefix(float64(samples)*d.HorizInterval))
		if r := ch.TriggerRate(); r > 0 {
			fmt.Fprintf(w, "\t trigger rate %sHz\n", units.SIPrefix(r))
		}
		freq := "n/a"
		if d.HorizInterval != 0 {
			freq = units.SIPrefix(1/d.HorizInterval) + "Hz"
		}
		fmt.Fprintf(w, "\t horizontal: interval %ss, freq %s, offset %ss\n",
			units.SIPrefix(d.HorizInterval), freq, units.SIPrefix(d.HorizOffset))
		fmt.Fprintf(w, "\t   vertical: gain %sV, offset %sV\n",
			units.SIPrefix(d.VerticalGain), units.SIPrefix(d.VerticalOffset))
	}

	if s.Path != "" {
		fmt.Fprintf(w, "Size on disk: %s (%s)\n", units.HumanReadableBytes(s.FileBytes), s.Path)
	}
}
