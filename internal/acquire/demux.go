package acquire

import (
	"errors"
	"fmt"

	"github.com/lecrunch/lecrunch/internal/scope"
)

var ErrUnevenFrame = errors.New("frame does not split into equal segments")

// SubTrace is one segment of a sequence-mode frame.
type SubTrace struct {
	// Segment is the position of the sub-trace inside its trigger.
	Segment     int
	Samples     []int16
	Calibration Calibration
}

// Demultiplex splits a frame's flat buffer into sequence equal-length
// sub-traces. The descriptor's calibration applies to each of them; trigger
// offset and time come from the frame's per-segment arrays when present.
func Demultiplex(frame *scope.Frame, sequence int) ([]SubTrace, error) {
	if sequence < 1 {
		return nil, fmt.Errorf("sequence count %d", sequence)
	}
	if len(frame.Samples)%sequence != 0 {
		return nil, fmt.Errorf("%d samples into %d segments: %w", len(frame.Samples), sequence, ErrUnevenFrame)
	}

	d := frame.Descriptor
	length := len(frame.Samples) / sequence
	subs := make([]SubTrace, sequence)
	for n := range subs {
		cal := Calibration{
			VerticalOffset: d.VerticalOffset,
			VerticalGain:   d.VerticalGain,
			HorizOffset:    d.HorizOffset,
			HorizInterval:  d.HorizInterval,
		}
		if n < len(frame.TriggerOffsets) {
			cal.TriggerOffset, cal.HasTriggerOffset = frame.TriggerOffsets[n], true
		}
		if n < len(frame.TriggerTimes) {
			cal.TriggerTime, cal.HasTriggerTime = frame.TriggerTimes[n], true
		}
		subs[n] = SubTrace{
			Segment:     n,
			Samples:     frame.Samples[n*length : (n+1)*length],
			Calibration: cal,
		}
	}
	return subs, nil
}
