// Package acquire runs sequenced waveform captures: it configures the
// instrument, triggers it repeatedly, splits sequence-mode responses into
// individual events and streams them into a growable capture store.
package acquire

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds every instrument call when the session sets none.
	DefaultTimeout = 10 * time.Second
	// DefaultRetryDelay is the wait after a failed trigger cycle when the
	// session sets none.
	DefaultRetryDelay = 500 * time.Millisecond
)

var ErrInvalidSession = errors.New("invalid acquisition session")

// Session describes one capture. It is a value type and is not modified once
// the loop starts.
type Session struct {
	// Events is the total number of events to record.
	Events int
	// Sequence is the requested number of segments per trigger. It must divide
	// Events.
	Sequence int
	Timeout  time.Duration
	// TriggerTimeout bounds the wait for a trigger on links that support it.
	// Zero uses Timeout.
	TriggerTimeout time.Duration
	// WordSamples asks the instrument for 16-bit samples.
	WordSamples bool
	// Quiet suppresses progress output.
	Quiet bool
	// SuppressDisplay turns the instrument display off while capturing.
	SuppressDisplay bool
	// MaxRetries stops the capture after this many consecutive failed cycles.
	// Zero retries forever.
	MaxRetries int
	// RetryDelay is the wait after a failed cycle before the next attempt.
	RetryDelay time.Duration
}

// Validate checks the session before any instrument is touched.
func (s Session) Validate() error {
	if s.Events < 1 {
		return fmt.Errorf("%w: number of events must be at least 1, got %d", ErrInvalidSession, s.Events)
	}
	if s.Sequence < 1 {
		return fmt.Errorf("%w: sequence count must be at least 1, got %d", ErrInvalidSession, s.Sequence)
	}
	if s.Events%s.Sequence != 0 {
		return fmt.Errorf("%w: number of events (%d) must be a multiple of the sequence count (%d)", ErrInvalidSession, s.Events, s.Sequence)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidSession, s.Timeout)
	}
	if s.TriggerTimeout < 0 {
		return fmt.Errorf("%w: negative trigger timeout %s", ErrInvalidSession, s.TriggerTimeout)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: negative retry limit %d", ErrInvalidSession, s.MaxRetries)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("%w: negative retry delay %s", ErrInvalidSession, s.RetryDelay)
	}
	return nil
}

func (s Session) timeout() time.Duration {
	if s.Timeout == 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s Session) triggerTimeout() time.Duration {
	if s.TriggerTimeout == 0 {
		return s.timeout()
	}
	return s.TriggerTimeout
}

func (s Session) retryDelay() time.Duration {
	if s.RetryDelay == 0 {
		return DefaultRetryDelay
	}
	return s.RetryDelay
}
