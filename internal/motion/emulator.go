package motion

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Emulator is an in-memory controller that answers the stage protocol. It
// backs dry-run scans and tests.
type Emulator struct {
	// Drop makes the emulator ignore this many commands before answering.
	Drop int

	mu       sync.Mutex
	pos      Position
	pending  bytes.Buffer
	commands []string
	closed   bool
}

var _ Port = (*Emulator)(nil)

// NewEmulator returns an emulator parked at the given absolute position.
func NewEmulator(start Position) *Emulator {
	return &Emulator{pos: start}
}

func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending.Len() == 0 {
		return 0, nil
	}
	return e.pending.Read(p)
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, fmt.Errorf("emulator closed")
	}

	line := strings.TrimRight(string(p), "\r\n")
	e.commands = append(e.commands, line)
	if e.Drop > 0 {
		e.Drop--
		return len(p), nil
	}
	if line == "" {
		return len(p), nil
	}
	index, cmd := line[:1], line[1:]
	fmt.Fprintf(&e.pending, "%s> %s\r\n", index, e.execute(cmd))
	return len(p), nil
}

func (e *Emulator) execute(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "ERR empty"
	}
	switch fields[0] {
	case "p":
		return fmt.Sprintf("X:%s Y:%s Z:0", formatCoord(e.pos.X), formatCoord(e.pos.Y))
	case "g", "r":
		if len(fields) != 3 {
			return "ERR arguments"
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			return "ERR arguments"
		}
		if fields[0] == "r" {
			x += e.pos.X
			y += e.pos.Y
		}
		e.pos = Position{X: x, Y: y}
		return "OK"
	}
	return "ERR unknown"
}

func (e *Emulator) ResetInputBuffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending.Reset()
	return nil
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Commands returns every line written to the emulator.
func (e *Emulator) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// At returns the absolute position.
func (e *Emulator) At() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}
