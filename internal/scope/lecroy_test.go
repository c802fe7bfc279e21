package scope

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInstrument answers VICP commands on one end of a pipe.
type fakeInstrument struct {
	mu       sync.Mutex
	commands []string
	respond  func(cmd string) [][]byte
}

func (f *fakeInstrument) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeInstrument) serve(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, vicpHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[4:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		cmd := string(payload)
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		blocks := f.respond(cmd)
		for k, block := range blocks {
			op := byte(vicpData)
			if k == len(blocks)-1 {
				op |= vicpEOI
			}
			out := []byte{op, vicpVersion, 1, 0, 0, 0, 0, 0}
			binary.BigEndian.PutUint32(out[4:], uint32(len(block)))
			if _, err := conn.Write(append(out, block...)); err != nil {
				return
			}
		}
	}
}

func newFakeLink(t *testing.T, respond func(cmd string) [][]byte) (*LeCroy, *fakeInstrument) {
	t.Helper()
	client, server := net.Pipe()
	f := &fakeInstrument{respond: respond}
	go f.serve(server)
	l := newLeCroy(client, 2*time.Second)
	t.Cleanup(func() { l.Close() })
	return l, f
}

func reply(s string) [][]byte { return [][]byte{[]byte(s + "\n")} }

func TestLeCroyChannels(t *testing.T) {
	l, f := newFakeLink(t, func(cmd string) [][]byte {
		switch cmd {
		case "C1:TRACE?":
			return reply("C1:TRA ON")
		case "C3:TRACE?":
			return reply("C3:TRA ON")
		default:
			return reply(cmd[:2] + ":TRA OFF")
		}
	})

	channels, err := l.Channels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ChannelID{1, 3}, channels)
	assert.Equal(t, []string{"C1:TRACE?", "C2:TRACE?", "C3:TRACE?", "C4:TRACE?"}, f.received())
}

func TestLeCroyTriggerAndSequence(t *testing.T) {
	l, f := newFakeLink(t, func(cmd string) [][]byte {
		if cmd == "ARM;WAIT;*OPC?" {
			return reply("*OPC 1")
		}
		return nil
	})
	ctx := context.Background()

	require.NoError(t, l.SetSequenceMode(ctx, 10))
	require.NoError(t, l.SetSequenceMode(ctx, 1))
	require.NoError(t, l.Trigger(ctx))
	assert.Equal(t, []string{"SEQUENCE ON,10", "SEQUENCE OFF", "ARM;WAIT;*OPC?"}, f.received())
}

func TestLeCroyWaveformMultiBlock(t *testing.T) {
	samples := make([]int16, 64)
	for k := range samples {
		samples[k] = int16(k - 32)
	}
	msg := buildWaveform(2, blockSpec{
		order:   binary.LittleEndian,
		samples: samples,
		times:   []float64{0, 1},
		offsets: []float64{-1e-9, -2e-9},
		gain:    0.5,
	})

	l, _ := newFakeLink(t, func(cmd string) [][]byte {
		if cmd == "C2:WF? ALL" {
			// split across two VICP blocks
			return [][]byte{msg[:100], msg[100:]}
		}
		return reply("C1:WF ALL,#9000000000")
	})
	ctx := context.Background()

	frame, err := l.Waveform(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, samples, frame.Samples)
	assert.Equal(t, 0.5, frame.Descriptor.VerticalGain)
	assert.Len(t, frame.TriggerOffsets, 2)

	_, err = l.Waveform(ctx, 3)
	assert.ErrorIs(t, err, ErrMalformed, "response for the wrong channel")
}

func TestLeCroyWaveDescriptor(t *testing.T) {
	desc := buildDesc(blockSpec{order: binary.BigEndian, samples: make([]int16, 1000), gain: 2})
	l, _ := newFakeLink(t, func(cmd string) [][]byte {
		return [][]byte{append([]byte("C1:WF DESC,#9000000346"), desc...)}
	})

	d, err := l.WaveDescriptor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1000, d.WaveArrayCount)
	assert.Equal(t, 2.0, d.VerticalGain)
}

func TestLeCroySettingsRoundTrip(t *testing.T) {
	cmr := "CMR 0"
	l, f := newFakeLink(t, func(cmd string) [][]byte {
		switch cmd {
		case "SEQUENCE?":
			return reply("SEQ ON,4,2.5E+6")
		case "COMM_FORMAT?":
			return reply("CFMT DEF9,BYTE,BIN")
		case "CMR?":
			return reply(cmr)
		}
		if cmd[len(cmd)-1] == '?' {
			return reply(cmd[:len(cmd)-1] + " X")
		}
		return nil
	})
	ctx := context.Background()

	s, err := l.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.SequenceCount())
	assert.Equal(t, "CFMT DEF9,BYTE,BIN", s.CommFormat)
	assert.Len(t, s.Extra, len(globalSettings)-2+MaxChannels*len(channelSettings))

	s.CommFormat = WordFormat
	before := len(f.received())
	require.NoError(t, l.SetSettings(ctx, s))
	sent := f.received()[before:]
	assert.Equal(t, WordFormat, sent[0])
	assert.Equal(t, "SEQ ON,4,2.5E+6", sent[1])
	assert.Equal(t, "CMR?", sent[len(sent)-1])

	cmr = "CMR 4"
	assert.Error(t, l.SetSettings(ctx, s))
}

func TestLeCroyClearDrains(t *testing.T) {
	l, f := newFakeLink(t, func(cmd string) [][]byte {
		switch cmd {
		case "*CLS":
			// stale output left over from an aborted transfer
			return reply("C1:WF ALL,#9junk")
		case "ARM;WAIT;*OPC?":
			return reply("*OPC 1")
		}
		return nil
	})
	ctx := context.Background()

	require.NoError(t, l.Clear(ctx))
	require.NoError(t, l.Trigger(ctx))
	assert.Equal(t, []string{"*CLS", "ARM;WAIT;*OPC?"}, f.received())
}

func TestLeCroyTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	l := newLeCroy(client, 50*time.Millisecond)
	defer l.Close()
	assert.Error(t, l.Trigger(context.Background()))
}

func TestLeCroyTriggerTimeoutDropsLateReply(t *testing.T) {
	l, f := newFakeLink(t, func(cmd string) [][]byte {
		switch cmd {
		case "ARM;WAIT;*OPC?":
			// no trigger yet
			return nil
		case "STOP":
			// the instrument completes the pending *OPC? once stopped
			return reply("*OPC 1")
		case "C1:TRACE?":
			return reply("C1:TRA ON")
		default:
			return reply(cmd[:2] + ":TRA OFF")
		}
	})
	l.SetTriggerTimeout(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	err := l.Trigger(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trigger within 50ms")
	assert.Less(t, time.Since(start), time.Second)

	channels, err := l.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ChannelID{1}, channels)
	assert.Equal(t, []string{"ARM;WAIT;*OPC?", "STOP", "C1:TRACE?", "C2:TRACE?", "C3:TRACE?", "C4:TRACE?"}, f.received())
}

func TestDialLeCroyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialLeCroy(context.Background(), addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestDialLeCroySendsShortHeaders(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	f := &fakeInstrument{respond: func(string) [][]byte { return nil }}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f.serve(conn)
	}()

	link, err := DialLeCroy(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, link.Close())
	<-done
	assert.Equal(t, []string{"CHDR SHORT"}, f.received())
}
