package scope

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// drainWait bounds how long Clear waits for stale output.
const drainWait = 100 * time.Millisecond

// Global settings saved and restored by Settings/SetSettings.
var globalSettings = []string{
	"TIME_DIV", "COMM_FORMAT", "COMM_HEADER", "COMM_ORDER",
	"TRIG_DELAY", "TRIG_SELECT", "TRIG_MODE", "TRIG_PATTERN", "SEQUENCE",
}

// Per-channel settings, queried as C<n>:<name>.
var channelSettings = []string{
	"COUPLING", "OFFSET", "TRACE", "VOLT_DIV",
	"TRIG_COUPLING", "TRIG_LEVEL", "TRIG_SLOPE",
}

// LeCroy is a Link to an instrument speaking VICP.
type LeCroy struct {
	v       *vicpConn
	address string
	// triggerTimeout bounds the wait for a trigger; zero uses the call timeout
	triggerTimeout time.Duration
}

var (
	_ Link         = (*LeCroy)(nil)
	_ TriggerTimer = (*LeCroy)(nil)
)

// DialLeCroy connects to the instrument at address (host or host:port, the
// port defaulting to 1861) and switches it to short response headers so that
// setting queries can be replayed as commands.
func DialLeCroy(ctx context.Context, address string, timeout time.Duration) (Link, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, VICPPort)
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	l := newLeCroy(conn, timeout)
	if err := l.v.send("CHDR SHORT"); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Debug("Connected to instrument", "address", address, "timeout", timeout)
	return l, nil
}

func newLeCroy(conn net.Conn, timeout time.Duration) *LeCroy {
	return &LeCroy{v: newVICP(conn, timeout), address: conn.RemoteAddr().String()}
}

func (l *LeCroy) query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := l.v.query(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

func (l *LeCroy) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.v.send("*CLS"); err != nil {
		return err
	}
	return l.v.drain(drainWait)
}

func (l *LeCroy) SetSequenceMode(ctx context.Context, n int) error {
	if n == 1 {
		return l.Send(ctx, "SEQUENCE OFF")
	}
	return l.Send(ctx, fmt.Sprintf("SEQUENCE ON,%d", n))
}

func (l *LeCroy) Channels(ctx context.Context) ([]ChannelID, error) {
	var channels []ChannelID
	for n := 1; n <= MaxChannels; n++ {
		ch := ChannelID(n)
		resp, err := l.query(ctx, ch.String()+":TRACE?")
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToUpper(resp), "ON") {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}

func (l *LeCroy) Settings(ctx context.Context) (Settings, error) {
	list := make([]Setting, 0, len(globalSettings)+MaxChannels*len(channelSettings))
	for _, name := range globalSettings {
		resp, err := l.query(ctx, name+"?")
		if err != nil {
			return Settings{}, fmt.Errorf("query %s: %w", name, err)
		}
		list = append(list, Setting{Name: name, Value: resp})
	}
	for n := 1; n <= MaxChannels; n++ {
		for _, name := range channelSettings {
			key := fmt.Sprintf("C%d:%s", n, name)
			resp, err := l.query(ctx, key+"?")
			if err != nil {
				return Settings{}, fmt.Errorf("query %s: %w", key, err)
			}
			list = append(list, Setting{Name: key, Value: resp})
		}
	}
	return SettingsFromList(list), nil
}

// SetSettings replays every setting value as a command and then checks the
// command status register.
func (l *LeCroy) SetSettings(ctx context.Context, s Settings) error {
	for _, kv := range s.List() {
		if kv.Value == "" {
			continue
		}
		if err := l.Send(ctx, kv.Value); err != nil {
			return fmt.Errorf("restore %s: %w", kv.Name, err)
		}
	}
	resp, err := l.query(ctx, "CMR?")
	if err != nil {
		return err
	}
	if f := strings.Fields(resp); len(f) > 0 && f[len(f)-1] != "0" {
		return fmt.Errorf("instrument rejected settings: %s", resp)
	}
	return nil
}

func (l *LeCroy) WaveDescriptor(ctx context.Context, ch ChannelID) (ChannelDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return ChannelDescriptor{}, err
	}
	resp, err := l.v.query(ch.String() + ":WF? DESC")
	if err != nil {
		return ChannelDescriptor{}, err
	}
	start := bytes.Index(resp, []byte("WAVEDESC"))
	if start < 0 {
		return ChannelDescriptor{}, fmt.Errorf("%s descriptor: missing WAVEDESC marker: %w", ch, ErrMalformed)
	}
	desc, _, err := ParseWaveDesc(resp[start:])
	if err != nil {
		return ChannelDescriptor{}, fmt.Errorf("%s descriptor: %w", ch, err)
	}
	return desc, nil
}

func (l *LeCroy) SetTriggerTimeout(d time.Duration) {
	l.triggerTimeout = d
}

// Trigger arms the instrument and blocks until it has acquired. When no
// trigger arrives in time the acquisition is stopped and the late *OPC? reply
// drained, so it cannot answer the next query.
func (l *LeCroy) Trigger(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := l.triggerTimeout
	if wait == 0 {
		wait = l.v.timeout
	}
	_, err := l.v.queryFor("ARM;WAIT;*OPC?", wait)
	if err == nil {
		return nil
	}
	if !isTimeout(err) {
		return err
	}
	if serr := l.v.send("STOP"); serr != nil {
		slog.Warn("Failed to stop acquisition after trigger timeout", "error", serr)
	} else if derr := l.v.drain(drainWait); derr != nil {
		slog.Warn("Failed to drain instrument after trigger timeout", "error", derr)
	}
	return fmt.Errorf("no trigger within %s: %w", wait, err)
}

func (l *LeCroy) Waveform(ctx context.Context, ch ChannelID) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := l.v.query(ch.String() + ":WF? ALL")
	if err != nil {
		return nil, err
	}
	// short headers echo the channel, "C2:WF ALL,#9..."
	if len(resp) < 2 || int(resp[1]-'0') != ch.Number() {
		return nil, fmt.Errorf("%s waveform out of sync or headers off: %w", ch, ErrMalformed)
	}
	frame, err := ParseWaveform(resp)
	if err != nil {
		return nil, fmt.Errorf("%s waveform: %w", ch, err)
	}
	return frame, nil
}

func (l *LeCroy) Send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.v.send(cmd)
}

func (l *LeCroy) Close() error {
	slog.Debug("Closing instrument link", "address", l.address)
	return l.v.Close()
}
