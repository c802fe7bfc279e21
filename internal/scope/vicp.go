package scope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// VICPPort is the TCP port LeCroy instruments serve VICP on.
const VICPPort = "1861"

// VICP header operation flags.
const (
	vicpData = 0x80
	vicpEOI  = 0x01
)

const (
	vicpVersion    = 1
	vicpHeaderSize = 8
	// responses above this are treated as a corrupt header
	vicpMaxBlock = 1 << 30
)

// vicpConn frames messages on a stream connection. It is not safe for
// concurrent use.
type vicpConn struct {
	conn    net.Conn
	timeout time.Duration
	seq     byte
}

func newVICP(conn net.Conn, timeout time.Duration) *vicpConn {
	return &vicpConn{conn: conn, timeout: timeout, seq: 1}
}

func (v *vicpConn) deadline() {
	if v.timeout > 0 {
		v.conn.SetDeadline(time.Now().Add(v.timeout))
	}
}

func (v *vicpConn) nextSeq() byte {
	s := v.seq
	v.seq++
	if v.seq == 0 {
		v.seq = 1
	}
	return s
}

// send writes msg as a single data block with EOI set.
func (v *vicpConn) send(msg string) error {
	v.deadline()
	header := make([]byte, vicpHeaderSize, vicpHeaderSize+len(msg))
	header[0] = vicpData | vicpEOI
	header[1] = vicpVersion
	header[2] = v.nextSeq()
	binary.BigEndian.PutUint32(header[4:], uint32(len(msg)))
	if _, err := v.conn.Write(append(header, msg...)); err != nil {
		return fmt.Errorf("vicp send %q: %w", msg, err)
	}
	return nil
}

// recv reads blocks until one carries EOI and returns the joined payload.
func (v *vicpConn) recv() ([]byte, error) {
	var payload []byte
	header := make([]byte, vicpHeaderSize)
	for {
		v.deadline()
		if _, err := io.ReadFull(v.conn, header); err != nil {
			return nil, fmt.Errorf("vicp header: %w", err)
		}
		if header[1] != vicpVersion {
			return nil, fmt.Errorf("vicp header version %d: %w", header[1], ErrMalformed)
		}
		n := binary.BigEndian.Uint32(header[4:])
		if n > vicpMaxBlock {
			return nil, fmt.Errorf("vicp block of %d bytes: %w", n, ErrMalformed)
		}
		start := len(payload)
		payload = append(payload, make([]byte, n)...)
		if _, err := io.ReadFull(v.conn, payload[start:]); err != nil {
			return nil, fmt.Errorf("vicp payload: %w", err)
		}
		if header[0]&vicpEOI != 0 {
			return payload, nil
		}
	}
}

// query sends cmd and returns the response.
func (v *vicpConn) query(cmd string) ([]byte, error) {
	if err := v.send(cmd); err != nil {
		return nil, err
	}
	return v.recv()
}

// queryFor is query with every deadline of the exchange set to wait.
func (v *vicpConn) queryFor(cmd string, wait time.Duration) ([]byte, error) {
	saved := v.timeout
	v.timeout = wait
	defer func() { v.timeout = saved }()
	return v.query(cmd)
}

// drain discards whatever the instrument still has queued, returning once
// nothing arrives for wait.
func (v *vicpConn) drain(wait time.Duration) error {
	buf := make([]byte, 4096)
	for {
		v.conn.SetReadDeadline(time.Now().Add(wait))
		_, err := v.conn.Read(buf)
		if err == nil {
			continue
		}
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("vicp drain: %w", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (v *vicpConn) Close() error {
	return v.conn.Close()
}
