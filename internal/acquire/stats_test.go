package acquire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lecrunch/lecrunch/internal/scope"
)

func TestStatsWithoutEvents(t *testing.T) {
	s := &Stats{Connected: true, EventsRequested: 10, Interrupted: true}
	assert.Equal(t, time.Duration(0), s.PerEvent())
	assert.Equal(t, 0.0, s.EventRate())

	var buf bytes.Buffer
	s.WriteSummary(&buf)
	assert.Contains(t, buf.String(), "No events completed")
	assert.NotContains(t, buf.String(), "per event")
}

func TestStatsSummary(t *testing.T) {
	s := &Stats{
		Connected:       true,
		Path:            "run.sqlite",
		EventsRequested: 4,
		EventsCompleted: 4,
		AppliedSequence: 2,
		Elapsed:         2 * time.Second,
		FileBytes:       1536,
		Channels: []ChannelStats{{
			ID: 1,
			Descriptor: scope.ChannelDescriptor{
				WaveArrayCount: 2000,
				WaveArrayBytes: 4000,
				VerticalGain:   0.001,
				HorizInterval:  1e-9,
				HorizOffset:    -5e-8,
			},
		}},
	}
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		s.addCycle(d)
	}
	s.summarizeCycles()

	assert.Equal(t, 500*time.Millisecond, s.PerEvent())
	assert.Equal(t, 2.0, s.EventRate())
	assert.Equal(t, 1500*time.Millisecond, s.CycleMean)
	assert.Greater(t, s.CycleStdDev, time.Duration(0))

	var buf bytes.Buffer
	s.WriteSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "Completed 4 events in 2.000 seconds.")
	assert.Contains(t, out, "Averaged 0.50000 seconds per event.")
	assert.Contains(t, out, "1000 == 1.000 k (#samples)")
	assert.Contains(t, out, "2000 == 2 x 1000")
	assert.Contains(t, out, "size of 2 sequences: 3.91 KB")
	assert.Contains(t, out, "sequence length 1.000 µs")
	assert.Contains(t, out, "freq 1.000 GHz")
	assert.Contains(t, out, "Size on disk: 1.50 KB")
}

func TestStatsTriggerRate(t *testing.T) {
	s := &Stats{
		Connected:       true,
		EventsRequested: 5,
		EventsCompleted: 5,
		AppliedSequence: 3,
		Elapsed:         time.Second,
		Channels:        []ChannelStats{{ID: 1}, {ID: 2}},
	}
	assert.Equal(t, 0.0, s.TriggerRate())

	// two cycles, gaps of 1ms, 1ms and 3ms
	s.Channels[0].addTriggerTimes([]float64{0, 1e-3, 2e-3})
	s.Channels[0].addTriggerTimes([]float64{0, 3e-3})
	// single shot frames carry no trigger times
	s.Channels[1].addTriggerTimes(nil)

	assert.InDelta(t, 600, s.Channels[0].TriggerRate(), 1e-6)
	assert.Equal(t, 0.0, s.Channels[1].TriggerRate())
	assert.InDelta(t, 600, s.TriggerRate(), 1e-6)

	var buf bytes.Buffer
	s.WriteSummary(&buf)
	assert.Contains(t, buf.String(), "trigger rate 600.000 Hz")
}

func TestStatsNotConnected(t *testing.T) {
	var buf bytes.Buffer
	(&Stats{Address: "10.0.0.9"}).WriteSummary(&buf)
	assert.Contains(t, buf.String(), "could not connect to 10.0.0.9")
}
