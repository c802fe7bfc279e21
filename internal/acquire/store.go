package acquire

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/scope"
)

// Dataset names. Per-channel names are prefixed with the channel, "c1_".
const (
	SamplesSuffix     = "_samples"
	VertOffsetSuffix  = "_vert_offset"
	VertScaleSuffix   = "_vert_scale"
	HorizOffsetSuffix = "_horiz_offset"
	HorizScaleSuffix  = "_horiz_scale"
	TrigOffsetSuffix  = "_trig_offset"
	TrigTimeSuffix    = "_trig_time"
	TimestampDataset  = "seconds_from_start"
)

// Attributes of the timestamp dataset. Rows are written at the first event
// of each trigger cycle, every stride rows; the rows in between stay unset.
const (
	TimestampRowIndexAttr = "row_index"
	TimestampStrideAttr   = "stride"
	TimestampFirstEvent   = "first_event"
)

// PadPolicy decides what a row's columns beyond a short sub-trace hold.
type PadPolicy string

const (
	// PadKeep leaves the columns with whatever the row held before.
	PadKeep PadPolicy = "keep"
	// PadZero clears them.
	PadZero PadPolicy = "zero"
)

// ParsePadPolicy converts a configuration value; empty means PadKeep.
func ParsePadPolicy(s string) (PadPolicy, error) {
	switch PadPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PadKeep:
		return PadKeep, nil
	case PadZero:
		return PadZero, nil
	}
	return "", fmt.Errorf("unknown pad policy %q: expected keep or zero", s)
}

// StoreOptions selects how a capture store is persisted.
type StoreOptions struct {
	Mode container.Mode
	Pad  PadPolicy
}

// Calibration is the per-event conversion data stored next to each row.
// Trigger fields are only present in sequence mode.
type Calibration struct {
	VerticalOffset   float64
	VerticalGain     float64
	HorizOffset      float64
	HorizInterval    float64
	TriggerOffset    float64
	TriggerTime      float64
	HasTriggerOffset bool
	HasTriggerTime   bool
}

// ChannelInfo pairs a channel with the descriptor used to size its datasets.
type ChannelInfo struct {
	ID         scope.ChannelID
	Descriptor scope.ChannelDescriptor
}

// channelRecord holds everything the store tracks for one channel.
type channelRecord struct {
	id          scope.ChannelID
	width       int
	samples     *container.Dataset
	vertOffset  *container.Dataset
	vertScale   *container.Dataset
	horizOffset *container.Dataset
	horizScale  *container.Dataset
	trigOffset  *container.Dataset
	trigTime    *container.Dataset
	warnedShort bool
}

func (r *channelRecord) columns() []*container.Dataset {
	return []*container.Dataset{r.vertOffset, r.vertScale, r.horizOffset, r.horizScale, r.trigOffset, r.trigTime}
}

// Store is the growable per-channel capture store of one session. It is owned
// by a single goroutine.
type Store struct {
	c          *container.Container
	events     int
	pad        PadPolicy
	order      []scope.ChannelID
	channels   map[scope.ChannelID]*channelRecord
	timestamps *container.Dataset
	finalized  bool
}

// Persisted reports what Finalize wrote.
type Persisted struct {
	Path      string
	FileBytes int64
	Channels  map[scope.ChannelID]int64
}

// OpenStore creates the container at path and all datasets of the session,
// sized to session.Events rows. Each channel's sample matrix starts
// wave_array_count / applied-sequence columns wide.
func OpenStore(path string, session Session, cfg *Configured, channels []ChannelInfo, opts StoreOptions) (*Store, error) {
	if cfg.Sequence < 1 {
		return nil, fmt.Errorf("applied sequence count %d", cfg.Sequence)
	}
	if opts.Pad == "" {
		opts.Pad = PadKeep
	}

	c, err := container.Create(path, container.Options{Mode: opts.Mode})
	if err != nil {
		return nil, err
	}
	s := &Store{
		c:        c,
		events:   session.Events,
		pad:      opts.Pad,
		channels: make(map[scope.ChannelID]*channelRecord, len(channels)),
	}
	if err := s.init(session, cfg, channels); err != nil {
		c.Close()
		return nil, err
	}

	slog.Info("Capture store opened", "path", path, "mode", c.Mode(), "channels", len(channels), "events", session.Events)
	return s, nil
}

func (s *Store) init(session Session, cfg *Configured, channels []ChannelInfo) error {
	for _, kv := range cfg.Settings.List() {
		if err := s.c.SetAttr(kv.Name, kv.Value); err != nil {
			return err
		}
	}
	meta := map[string]any{
		"session_id":         uuid.NewString(),
		"created_at":         time.Now().UTC().Format(time.RFC3339),
		"nevents":            session.Events,
		"requested_sequence": cfg.Requested,
		"applied_sequence":   cfg.Sequence,
	}
	for k, v := range meta {
		if err := s.c.SetAttr(k, v); err != nil {
			return err
		}
	}

	column := func(name string) (*container.Dataset, error) {
		return s.c.CreateDataset(name, container.Float64,
			container.Shape{Rows: s.events}, container.Shape{Rows: s.events})
	}

	for _, info := range channels {
		if _, dup := s.channels[info.ID]; dup {
			return fmt.Errorf("channel %s listed twice", info.ID)
		}
		prefix := info.ID.Prefix()
		rec := &channelRecord{id: info.ID, width: info.Descriptor.WaveArrayCount / cfg.Sequence}

		var err error
		rec.samples, err = s.c.CreateDataset(prefix+SamplesSuffix, sampleDType(info.Descriptor.SampleType),
			container.Shape{Rows: s.events, Cols: rec.width},
			container.Shape{Rows: s.events, Cols: container.Unlimited})
		if err != nil {
			return err
		}
		for k, v := range info.Descriptor.Attributes() {
			if err := rec.samples.SetAttr(k, v); err != nil {
				return err
			}
		}

		targets := []struct {
			ds     **container.Dataset
			suffix string
		}{
			{&rec.vertOffset, VertOffsetSuffix},
			{&rec.vertScale, VertScaleSuffix},
			{&rec.horizOffset, HorizOffsetSuffix},
			{&rec.horizScale, HorizScaleSuffix},
			{&rec.trigOffset, TrigOffsetSuffix},
			{&rec.trigTime, TrigTimeSuffix},
		}
		for _, t := range targets {
			if *t.ds, err = column(prefix + t.suffix); err != nil {
				return err
			}
		}

		s.channels[info.ID] = rec
		s.order = append(s.order, info.ID)
	}

	var err error
	if s.timestamps, err = column(TimestampDataset); err != nil {
		return err
	}
	// one timestamp per trigger cycle, stored at the cycle's first event row
	if err := s.timestamps.SetAttr(TimestampRowIndexAttr, TimestampFirstEvent); err != nil {
		return err
	}
	return s.timestamps.SetAttr(TimestampStrideAttr, cfg.Sequence)
}

func sampleDType(t scope.SampleType) container.DType {
	if t == scope.SampleInt8 {
		return container.Int8
	}
	return container.Int16
}

func (s *Store) record(ch scope.ChannelID) (*channelRecord, error) {
	rec, ok := s.channels[ch]
	if !ok {
		return nil, fmt.Errorf("channel %s is not part of this capture", ch)
	}
	return rec, nil
}

// Path returns the container location.
func (s *Store) Path() string { return s.c.Path() }

// Channels returns the stored channels in acquisition order.
func (s *Store) Channels() []scope.ChannelID { return append([]scope.ChannelID(nil), s.order...) }

// Width returns the current column count of a channel's sample matrix.
func (s *Store) Width(ch scope.ChannelID) int {
	if rec, ok := s.channels[ch]; ok {
		return rec.width
	}
	return 0
}

// EnsureWidth grows a channel's sample matrix to width columns. Existing rows
// are kept. Asking for fewer columns than the current width does nothing.
func (s *Store) EnsureWidth(ch scope.ChannelID, width int) (bool, error) {
	rec, err := s.record(ch)
	if err != nil {
		return false, err
	}
	if width <= rec.width {
		return false, nil
	}
	if err := rec.samples.Resize(width); err != nil {
		return false, err
	}
	slog.Info("Sample matrix widened", "channel", ch, "from", rec.width, "to", width)
	rec.width = width
	return true, nil
}

// WriteRow stores one event's raw samples and calibration at absolute index
// row. The first min(len(samples), width) columns receive the samples; the
// rest follow the store's pad policy. Trigger offset and time are only
// written when present.
func (s *Store) WriteRow(ch scope.ChannelID, row int, samples []int16, cal Calibration) error {
	rec, err := s.record(ch)
	if err != nil {
		return err
	}

	var dst []int16
	if len(samples) < rec.width {
		if !rec.warnedShort {
			slog.Warn("Sub-trace shorter than stored width",
				"channel", ch, "event", row, "samples", len(samples), "width", rec.width, "pad", s.pad)
			rec.warnedShort = true
		}
		if s.pad == PadKeep {
			if dst, err = rec.samples.ReadRow(row); err != nil {
				return err
			}
		}
	}
	if dst == nil {
		dst = make([]int16, rec.width)
	}
	copyBounded(dst, samples)

	if err := rec.samples.WriteRow(row, dst); err != nil {
		return err
	}

	values := []struct {
		ds *container.Dataset
		v  float64
		ok bool
	}{
		{rec.vertOffset, cal.VerticalOffset, true},
		{rec.vertScale, cal.VerticalGain, true},
		{rec.horizOffset, cal.HorizOffset, true},
		{rec.horizScale, cal.HorizInterval, true},
		{rec.trigOffset, cal.TriggerOffset, cal.HasTriggerOffset},
		{rec.trigTime, cal.TriggerTime, cal.HasTriggerTime},
	}
	for _, v := range values {
		if !v.ok {
			continue
		}
		if err := v.ds.Set(row, v.v); err != nil {
			return err
		}
	}
	return nil
}

// copyBounded copies min(len(dst), len(src)) samples to the front of dst and
// leaves the rest of dst untouched. It returns the number copied.
func copyBounded(dst, src []int16) int {
	return copy(dst, src)
}

// WriteTimestamp records seconds since the start of the capture for the
// trigger whose first event is row.
func (s *Store) WriteTimestamp(row int, seconds float64) error {
	return s.timestamps.Set(row, seconds)
}

// Finalize flushes the container to disk and closes it. In memory mode this
// is the single write of the whole capture.
func (s *Store) Finalize() (*Persisted, error) {
	if s.finalized {
		return nil, container.ErrClosed
	}
	s.finalized = true

	p := &Persisted{Path: s.c.Path(), Channels: make(map[scope.ChannelID]int64, len(s.order))}
	for _, ch := range s.order {
		rec := s.channels[ch]
		var total int64
		for _, ds := range append([]*container.Dataset{rec.samples}, rec.columns()...) {
			n, err := ds.StoredBytes()
			if err != nil {
				s.c.Close()
				return nil, err
			}
			total += n
		}
		p.Channels[ch] = total
	}

	start := time.Now()
	size, err := s.c.Close()
	if err != nil {
		return nil, err
	}
	p.FileBytes = size
	slog.Info("Capture store finalized", "path", p.Path, "bytes", size, "took", time.Since(start))
	return p, nil
}
