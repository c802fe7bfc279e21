// Package motion drives the x/y chuck that positions the device under test.
//
// The controller speaks a line protocol over a serial port. Every command is
// prefixed with a rolling index digit, "3g 1.5 -2\r\n", and the controller
// echoes that digit at the start of its reply so stale lines can be told
// apart from the answer.
package motion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

var ErrNoReply = errors.New("no reply from stage controller")

// Port is the part of a serial port the stage needs. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Options configures a Stage.
type Options struct {
	BaudRate int
	// Timeout bounds a single read; a reply is awaited for twice as long.
	Timeout time.Duration
	// Attempts is how often a command is sent before giving up; 0 means 50.
	Attempts int
}

func (o Options) normalize() Options {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.Timeout <= 0 {
		o.Timeout = 500 * time.Millisecond
	}
	if o.Attempts <= 0 {
		o.Attempts = 50
	}
	return o
}

// Position is a chuck position in controller units.
type Position struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

func (p Position) String() string { return fmt.Sprintf("(%g, %g)", p.X, p.Y) }

// Stage is a connected motion controller. It is not safe for concurrent use.
type Stage struct {
	port     Port
	opts     Options
	index    int
	softHome Position
}

// Open connects to the controller on a serial device.
func Open(path string, opts Options) (*Stage, error) {
	opts = opts.normalize()
	port, err := serial.Open(path, &serial.Mode{BaudRate: opts.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open stage port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(opts.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}

	s := New(port, opts)
	// the controller greets with one line on connect
	greeting, _ := s.readLine(time.Now().Add(opts.Timeout))
	slog.Debug("Stage connected", "port", path, "baud", opts.BaudRate, "greeting", strings.TrimSpace(greeting))
	return s, nil
}

// New wraps an already open port.
func New(port Port, opts Options) *Stage {
	return &Stage{port: port, opts: opts.normalize()}
}

// Close releases the port.
func (s *Stage) Close() error {
	return s.port.Close()
}

// Command sends cmd and returns the payload of the matching reply. Lines
// carrying another index are discarded and the command is resent.
func (s *Stage) Command(ctx context.Context, cmd string) (string, error) {
	s.index = (s.index + 1) % 10
	line := fmt.Sprintf("%d%s\r\n", s.index, cmd)

	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := s.port.ResetInputBuffer(); err != nil {
			return "", fmt.Errorf("failed to reset stage input: %w", err)
		}
		if _, err := s.port.Write([]byte(line)); err != nil {
			return "", fmt.Errorf("failed to write stage command %q: %w", cmd, err)
		}

		reply, err := s.readLine(time.Now().Add(2 * s.opts.Timeout))
		if err != nil {
			return "", fmt.Errorf("failed to read stage reply: %w", err)
		}
		if payload, ok := parseReply(reply, s.index); ok {
			slog.Debug("Stage reply", "command", cmd, "reply", payload)
			return payload, nil
		}
		slog.Debug("Waiting for stage reply", "index", s.index, "received", strings.TrimSpace(reply), "attempt", attempt)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.opts.Timeout):
		}
	}
	return "", fmt.Errorf("%q after %d attempts: %w", cmd, s.opts.Attempts, ErrNoReply)
}

// readLine reads up to and including '\n' or until deadline. Serial reads
// that time out return no bytes and no error.
func (s *Stage) readLine(deadline time.Time) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return string(line), err
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
	}
	return string(line), nil
}

// parseReply checks the index digit and strips it, the two separator
// characters after it and the line terminator.
func parseReply(line string, index int) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 || line[0] != byte('0'+index) {
		return "", false
	}
	if len(line) <= 3 {
		return "", true
	}
	return line[3:], true
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// AbsolutePosition queries the controller position ignoring the soft home.
func (s *Stage) AbsolutePosition(ctx context.Context) (Position, error) {
	reply, err := s.Command(ctx, "p")
	if err != nil {
		return Position{}, err
	}
	return ParsePosition(reply)
}

// Position returns the position relative to the soft home.
func (s *Stage) Position(ctx context.Context) (Position, error) {
	p, err := s.AbsolutePosition(ctx)
	if err != nil {
		return Position{}, err
	}
	rel := Position{X: p.X - s.softHome.X, Y: p.Y - s.softHome.Y}
	slog.Debug("Stage position", "absolute", p, "relative", rel)
	return rel, nil
}

// ParsePosition reads the X and Y fields of a position reply such as
// "X:1.5 Y:-2 Z:0".
func ParsePosition(reply string) (Position, error) {
	x, err := axisValue(reply, 'X')
	if err != nil {
		return Position{}, err
	}
	y, err := axisValue(reply, 'Y')
	if err != nil {
		return Position{}, err
	}
	return Position{X: x, Y: y}, nil
}

func axisValue(reply string, axis byte) (float64, error) {
	i := strings.IndexByte(reply, axis)
	if i < 0 || i+2 > len(reply) {
		return 0, fmt.Errorf("position reply %q has no %c axis", reply, axis)
	}
	field := reply[i+2:]
	if end := strings.IndexByte(field, ' '); end >= 0 {
		field = field[:end]
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("position reply %q: %c axis: %w", reply, axis, err)
	}
	return v, nil
}

// MoveTo moves to (x, y) relative to the soft home and returns the position
// reached.
func (s *Stage) MoveTo(ctx context.Context, x, y float64) (Position, error) {
	cmd := "g " + formatCoord(x+s.softHome.X) + " " + formatCoord(y+s.softHome.Y)
	if _, err := s.Command(ctx, cmd); err != nil {
		return Position{}, err
	}
	return s.Position(ctx)
}

// MoveBy moves by (dx, dy) and returns the distance actually travelled.
func (s *Stage) MoveBy(ctx context.Context, dx, dy float64) (Position, error) {
	before, err := s.Position(ctx)
	if err != nil {
		return Position{}, err
	}
	if _, err := s.Command(ctx, "r "+formatCoord(dx)+" "+formatCoord(dy)); err != nil {
		return Position{}, err
	}
	after, err := s.Position(ctx)
	if err != nil {
		return Position{}, err
	}
	return Position{X: after.X - before.X, Y: after.Y - before.Y}, nil
}

// Home returns to the soft home.
func (s *Stage) Home(ctx context.Context) (Position, error) {
	return s.MoveTo(ctx, 0, 0)
}

// SetHome makes the current position the coordinate origin.
func (s *Stage) SetHome(ctx context.Context) error {
	p, err := s.AbsolutePosition(ctx)
	if err != nil {
		return err
	}
	s.softHome = p
	slog.Info("Stage home set", "absolute", p)
	return nil
}

// SoftHome returns the absolute position used as origin.
func (s *Stage) SoftHome() Position { return s.softHome }
