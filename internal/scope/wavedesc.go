package scope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WaveDescLength is the size of the WAVEDESC block in the LECROY_2_3 template.
const WaveDescLength = 346

var ErrMalformed = errors.New("malformed waveform block")

// Offsets into the WAVEDESC block.
const (
	offCommType        = 32
	offCommOrder       = 34
	offWaveDescriptor  = 36
	offUserText        = 40
	offTrigTimeArray   = 48
	offRisTimeArray    = 52
	offWaveArray1      = 60
	offInstrumentName  = 76
	offTraceLabel      = 96
	offWaveArrayCount  = 116
	offFirstValidPoint = 124
	offLastValidPoint  = 128
	offSubarrayCount   = 144
	offVerticalGain    = 156
	offVerticalOffset  = 160
	offNominalBits     = 172
	offHorizInterval   = 176
	offHorizOffset     = 180
	offVertUnit        = 196
	offHorUnit         = 244
	offAcqDuration     = 312
)

// BlockLayout gives the lengths of the sections that follow the start of a
// WAVEDESC block in a waveform transfer.
type BlockLayout struct {
	Descriptor int
	UserText   int
	TrigTime   int
	RisTime    int
	WaveArray  int
	Order      binary.ByteOrder
}

// ParseWaveDesc decodes a WAVEDESC block. raw must start at the "WAVEDESC"
// marker.
func ParseWaveDesc(raw []byte) (ChannelDescriptor, BlockLayout, error) {
	if len(raw) < WaveDescLength {
		return ChannelDescriptor{}, BlockLayout{}, fmt.Errorf("descriptor of %d bytes, want %d: %w", len(raw), WaveDescLength, ErrMalformed)
	}
	if !bytes.HasPrefix(raw, []byte("WAVEDESC")) {
		return ChannelDescriptor{}, BlockLayout{}, fmt.Errorf("missing WAVEDESC marker: %w", ErrMalformed)
	}

	var order binary.ByteOrder = binary.BigEndian
	if raw[offCommOrder] == 1 {
		order = binary.LittleEndian
	}
	i16 := func(off int) int { return int(int16(order.Uint16(raw[off:]))) }
	i32 := func(off int) int { return int(int32(order.Uint32(raw[off:]))) }
	f32 := func(off int) float64 { return float64(math.Float32frombits(order.Uint32(raw[off:]))) }
	f64 := func(off int) float64 { return math.Float64frombits(order.Uint64(raw[off:])) }

	sampleType := SampleInt8
	switch i16(offCommType) {
	case 0:
	case 1:
		sampleType = SampleInt16
	default:
		return ChannelDescriptor{}, BlockLayout{}, fmt.Errorf("unknown COMM_TYPE %d: %w", i16(offCommType), ErrMalformed)
	}

	layout := BlockLayout{
		Descriptor: i32(offWaveDescriptor),
		UserText:   i32(offUserText),
		TrigTime:   i32(offTrigTimeArray),
		RisTime:    i32(offRisTimeArray),
		WaveArray:  i32(offWaveArray1),
		Order:      order,
	}
	if layout.Descriptor < 0 || layout.UserText < 0 || layout.TrigTime < 0 || layout.RisTime < 0 || layout.WaveArray < 0 {
		return ChannelDescriptor{}, BlockLayout{}, fmt.Errorf("negative section length: %w", ErrMalformed)
	}

	desc := ChannelDescriptor{
		InstrumentName:  cString(raw[offInstrumentName : offInstrumentName+16]),
		TraceLabel:      cString(raw[offTraceLabel : offTraceLabel+16]),
		SampleType:      sampleType,
		WaveArrayCount:  i32(offWaveArrayCount),
		WaveArrayBytes:  layout.WaveArray,
		FirstValidPoint: i32(offFirstValidPoint),
		LastValidPoint:  i32(offLastValidPoint),
		SubarrayCount:   i32(offSubarrayCount),
		NominalBits:     i16(offNominalBits),
		VerticalGain:    f32(offVerticalGain),
		VerticalOffset:  f32(offVerticalOffset),
		HorizInterval:   f32(offHorizInterval),
		HorizOffset:     f64(offHorizOffset),
		AcqDuration:     f32(offAcqDuration),
		VerticalUnit:    cString(raw[offVertUnit : offVertUnit+48]),
		HorizontalUnit:  cString(raw[offHorUnit : offHorUnit+48]),
	}
	if desc.WaveArrayCount < 0 {
		return ChannelDescriptor{}, BlockLayout{}, fmt.Errorf("negative wave array count: %w", ErrMalformed)
	}
	return desc, layout, nil
}

// ParseWaveform decodes the payload of a "WF? ALL" response: descriptor,
// trigger time array and samples.
func ParseWaveform(msg []byte) (*Frame, error) {
	start := bytes.Index(msg, []byte("WAVEDESC"))
	if start < 0 {
		return nil, fmt.Errorf("missing WAVEDESC marker: %w", ErrMalformed)
	}
	block := msg[start:]
	desc, layout, err := ParseWaveDesc(block)
	if err != nil {
		return nil, err
	}

	pos := layout.Descriptor + layout.UserText
	if pos+layout.TrigTime > len(block) {
		return nil, fmt.Errorf("trigger time array truncated: %w", ErrMalformed)
	}
	trig := block[pos : pos+layout.TrigTime]
	pairs := len(trig) / 16
	frame := &Frame{Descriptor: desc}
	if pairs > 0 {
		frame.TriggerTimes = make([]float64, pairs)
		frame.TriggerOffsets = make([]float64, pairs)
		for k := 0; k < pairs; k++ {
			frame.TriggerTimes[k] = math.Float64frombits(layout.Order.Uint64(trig[16*k:]))
			frame.TriggerOffsets[k] = math.Float64frombits(layout.Order.Uint64(trig[16*k+8:]))
		}
	}

	pos += layout.TrigTime + layout.RisTime
	need := desc.WaveArrayCount * desc.SampleType.Size()
	if pos+need > len(block) {
		return nil, fmt.Errorf("wave array of %d bytes truncated at %d: %w", need, len(block)-pos, ErrMalformed)
	}
	data := block[pos : pos+need]
	frame.Samples = make([]int16, desc.WaveArrayCount)
	if desc.SampleType == SampleInt8 {
		for k := range frame.Samples {
			frame.Samples[k] = int16(int8(data[k]))
		}
	} else {
		for k := range frame.Samples {
			frame.Samples[k] = int16(layout.Order.Uint16(data[2*k:]))
		}
	}
	return frame, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
