package acquire

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lecrunch/lecrunch/internal/scope"
)

// Configured is the instrument state a capture runs against.
type Configured struct {
	// Settings as read back after configuration.
	Settings scope.Settings
	// Requested is the session's sequence count.
	Requested int
	// Sequence is the count the instrument actually applied. It governs all
	// buffer sizing.
	Sequence int
}

// Mismatch reports whether the instrument ignored the requested count.
func (c *Configured) Mismatch() bool { return c.Sequence != c.Requested }

// Configure clears the instrument, requests the session's sequence count and
// sample width, and reads back what was applied. A sequence count other than
// the requested one is logged, not returned as an error.
func Configure(ctx context.Context, link scope.Link, s Session) (*Configured, error) {
	slog.Info("Configuring instrument", "sequence", s.Sequence, "word_samples", s.WordSamples)

	if err := link.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear instrument: %w", err)
	}
	if err := link.SetSequenceMode(ctx, s.Sequence); err != nil {
		return nil, fmt.Errorf("failed to set sequence mode: %w", err)
	}
	slog.Info("Sequence mode requested", "sequence", s.Sequence)

	if s.WordSamples {
		settings, err := link.Settings(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		settings.CommFormat = scope.WordFormat
		if err := link.SetSettings(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to select 16-bit samples: %w", err)
		}
		slog.Info("Instrument configured for 16-bit samples")
	}

	settings, err := link.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read back settings: %w", err)
	}

	cfg := &Configured{
		Settings:  settings,
		Requested: s.Sequence,
		Sequence:  settings.SequenceCount(),
	}
	if cfg.Mismatch() {
		slog.Warn("Instrument did not apply the requested sequence count",
			"requested", cfg.Requested, "applied", cfg.Sequence)
	}
	slog.Info("Instrument configuration complete", "sequence", cfg.Sequence)
	return cfg, nil
}
