package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lecrunch/lecrunch/internal/scope"
)

// State is a phase of a capture.
type State int

const (
	StateConnecting State = iota
	StateConfiguring
	StateCapturing
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConfiguring:
		return "CONFIGURING"
	case StateCapturing:
		return "CAPTURING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TransportError is a failed instrument exchange during a trigger cycle. The
// cycle is retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StoreError is a rejected write or resize. It ends the capture.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

var ErrRetriesExhausted = errors.New("retry limit reached")

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetry
	outcomeFatal
)

// Loop runs one capture session against one instrument.
type Loop struct {
	Session Session
	Address string
	// Path is where the capture container is written.
	Path  string
	Dial  scope.Dialer
	Store StoreOptions
	// Out receives progress and the final summary; nil discards them.
	Out io.Writer
	// OnState, when set, observes every state transition.
	OnState func(State)

	state State
}

// State returns the loop's current phase.
func (l *Loop) State() State { return l.state }

func (l *Loop) enter(s State) {
	slog.Debug("Capture state", "from", l.state, "to", s)
	l.state = s
	if l.OnState != nil {
		l.OnState(s)
	}
}

func (l *Loop) printf(format string, args ...any) {
	if l.Out != nil {
		fmt.Fprintf(l.Out, format, args...)
	}
}

func (l *Loop) progressf(format string, args ...any) {
	if !l.Session.Quiet {
		l.printf(format, args...)
	}
}

// Run performs the capture. An unreachable instrument is not an error: Run
// returns stats with zero events. Cancelling ctx stops the capture between
// trigger cycles and finalizes what was recorded; calls already in flight
// complete or time out first. Stats are returned even when err is not nil.
func (l *Loop) Run(ctx context.Context) (*Stats, error) {
	if err := l.Session.Validate(); err != nil {
		return nil, err
	}
	if l.Dial == nil {
		return nil, errors.New("no instrument dialer")
	}

	stats := &Stats{
		Address:           l.Address,
		EventsRequested:   l.Session.Events,
		RequestedSequence: l.Session.Sequence,
	}
	// instrument calls are never cancelled midway
	linkCtx := context.WithoutCancel(ctx)
	timeout := l.Session.timeout()

	l.enter(StateConnecting)
	l.printf("Connecting to %s with timeout %s... ", l.Address, timeout)
	link, err := l.Dial(linkCtx, l.Address, timeout)
	if err != nil {
		l.printf("could not connect to instrument\n")
		slog.Error("Connection failed", "address", l.Address, "error", err)
		l.enter(StateDone)
		return stats, nil
	}
	defer link.Close()
	if tt, ok := link.(scope.TriggerTimer); ok {
		tt.SetTriggerTimeout(l.Session.triggerTimeout())
	}
	stats.Connected = true
	l.printf("connected!\n")

	l.enter(StateConfiguring)
	store, channels, err := l.configure(linkCtx, link, stats)
	if err != nil {
		slog.Error("Configuration failed", "address", l.Address, "error", err)
		l.enter(StateFinalizing)
		l.restore(linkCtx, link)
		if l.Out != nil {
			stats.WriteSummary(l.Out)
		}
		l.enter(StateDone)
		return stats, err
	}

	l.enter(StateCapturing)
	captureErr := l.capture(ctx, linkCtx, link, store, channels, stats)

	l.enter(StateFinalizing)
	finalErr := l.finalize(linkCtx, link, store, stats)
	if l.Out != nil {
		stats.WriteSummary(l.Out)
	}
	l.enter(StateDone)

	if captureErr != nil {
		return stats, captureErr
	}
	return stats, finalErr
}

func (l *Loop) configure(ctx context.Context, link scope.Link, stats *Stats) (*Store, []scope.ChannelID, error) {
	cfg, err := Configure(ctx, link, l.Session)
	if err != nil {
		return nil, nil, err
	}
	stats.AppliedSequence = cfg.Sequence
	if cfg.Mismatch() {
		l.printf("Could not configure sequence mode properly: requested %d, instrument applied %d\n", cfg.Requested, cfg.Sequence)
	}
	if cfg.Sequence != 1 {
		l.printf("Using sequence mode with %d traces per acquisition\n", cfg.Sequence)
	}

	if l.Session.SuppressDisplay {
		if err := link.Send(ctx, "DISP OFF"); err != nil {
			slog.Warn("Failed to turn the display off", "error", err)
		}
	}

	channels, err := link.Channels(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, nil, errors.New("no active channels on the instrument")
	}
	names := make([]string, len(channels))
	for k, ch := range channels {
		names[k] = ch.String()
	}
	l.printf("Active channels: %s\n", strings.Join(names, " "))
	slog.Info("Active channels", "channels", names)

	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		desc, err := link.WaveDescriptor(ctx, ch)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s descriptor: %w", ch, err)
		}
		infos = append(infos, ChannelInfo{ID: ch, Descriptor: desc})
		stats.Channels = append(stats.Channels, ChannelStats{ID: ch, Descriptor: desc})
	}

	store, err := OpenStore(l.Path, l.Session, cfg, infos, l.Store)
	if err != nil {
		return nil, nil, &StoreError{Op: "open", Err: err}
	}
	stats.Path = store.Path()
	return store, channels, nil
}

func (l *Loop) capture(ctx, linkCtx context.Context, link scope.Link, store *Store, channels []scope.ChannelID, stats *Stats) error {
	seq := stats.AppliedSequence
	events := l.Session.Events
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	i, failures := 0, 0
	for i < events {
		if ctx.Err() != nil {
			l.printf("\rUser interrupted capture early\n")
			slog.Info("Capture interrupted", "event", i)
			stats.Interrupted = true
			return nil
		}

		if seq == 1 {
			l.progressf("\rfetching event: %d", i)
		} else {
			l.progressf("\rfetching events: %d..%d", i, i+seq)
		}
		cycleStart := time.Now()
		slog.Info("Trigger cycle", "event", i, "since_start", cycleStart.Sub(start).Seconds())

		out, err := l.cycle(linkCtx, link, store, channels, stats, i, seq, cycleStart.Sub(start).Seconds())
		switch out {
		case outcomeOK:
			stats.addCycle(time.Since(cycleStart))
			failures = 0
			i = min(i+seq, events)
			stats.EventsCompleted = i

		case outcomeRetry:
			failures++
			stats.Retries++
			l.printf("\nError: %v\n", err)
			slog.Warn("Trigger cycle failed, retrying", "event", i, "attempt", failures, "delay", l.Session.retryDelay(), "error", err)
			if cerr := link.Clear(linkCtx); cerr != nil {
				slog.Warn("Failed to clear instrument", "error", cerr)
			}
			if l.Session.MaxRetries > 0 && failures >= l.Session.MaxRetries {
				return fmt.Errorf("event %d: %w after %d attempts: %w", i, ErrRetriesExhausted, failures, err)
			}
			// an interrupt during the wait is picked up at the top of the loop
			waitRetry(ctx, l.Session.retryDelay())

		case outcomeFatal:
			slog.Error("Capture store failure", "event", i, "error", err)
			return err
		}
	}
	l.progressf("\n")
	return nil
}

func waitRetry(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cycle triggers once and stores every channel's segments at rows i.. .
func (l *Loop) cycle(ctx context.Context, link scope.Link, store *Store, channels []scope.ChannelID, stats *Stats, i, seq int, since float64) (outcome, error) {
	if err := store.WriteTimestamp(i, since); err != nil {
		return outcomeFatal, &StoreError{Op: "timestamp", Err: err}
	}
	if err := link.Trigger(ctx); err != nil {
		return outcomeRetry, &TransportError{Op: "trigger", Err: err}
	}

	events := l.Session.Events
	for k, ch := range channels {
		fetchStart := time.Now()
		frame, err := link.Waveform(ctx, ch)
		if err != nil {
			return outcomeRetry, &TransportError{Op: "fetch " + ch.String(), Err: err}
		}
		slog.Debug("Waveform received", "channel", ch, "samples", len(frame.Samples), "took", time.Since(fetchStart))

		subs, err := Demultiplex(frame, seq)
		if err != nil {
			return outcomeRetry, &TransportError{Op: "split " + ch.String(), Err: err}
		}

		width := frame.Descriptor.WaveArrayCount / seq
		if _, err := store.EnsureWidth(ch, width); err != nil {
			return outcomeFatal, &StoreError{Op: "resize " + ch.String(), Err: err}
		}

		writeStart := time.Now()
		for _, sub := range subs {
			row := i + sub.Segment
			if row >= events {
				break
			}
			if err := store.WriteRow(ch, row, sub.Samples, sub.Calibration); err != nil {
				return outcomeFatal, &StoreError{Op: fmt.Sprintf("write %s row %d", ch, row), Err: err}
			}
		}
		slog.Debug("Segments stored", "channel", ch, "segments", len(subs), "took", time.Since(writeStart))

		stats.Channels[k].Descriptor = frame.Descriptor
		stats.Channels[k].addTriggerTimes(frame.TriggerTimes)
	}
	return outcomeOK, nil
}

// restore undoes what configure changed on the instrument display and clears
// its error state.
func (l *Loop) restore(ctx context.Context, link scope.Link) {
	if l.Session.SuppressDisplay {
		if err := link.Send(ctx, "DISP ON"); err != nil {
			slog.Warn("Failed to restore the display", "error", err)
		}
	}
	if err := link.Clear(ctx); err != nil {
		slog.Warn("Failed to clear instrument", "error", err)
	}
}

func (l *Loop) finalize(ctx context.Context, link scope.Link, store *Store, stats *Stats) error {
	l.restore(ctx, link)
	stats.summarizeCycles()

	l.printf("Closing the file\n")
	persisted, err := store.Finalize()
	if err != nil {
		slog.Error("Failed to finalize capture store", "path", store.Path(), "error", err)
		return &StoreError{Op: "finalize", Err: err}
	}
	stats.FileBytes = persisted.FileBytes
	for k := range stats.Channels {
		ch := &stats.Channels[k]
		ch.StoredBytes = persisted.Channels[ch.ID]
		ch.Width = store.Width(ch.ID)
	}
	return nil
}
