package acquire

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/scope"
)

func newLoop(t *testing.T, sim *scope.Simulator, s Session) (*Loop, *bytes.Buffer) {
	t.Helper()
	if s.Timeout == 0 {
		s.Timeout = time.Second
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = time.Millisecond
	}
	out := &bytes.Buffer{}
	return &Loop{
		Session: s,
		Address: "sim",
		Path:    filepath.Join(t.TempDir(), "capture.sqlite"),
		Dial:    sim.Dial,
		Store:   StoreOptions{Mode: container.ModeMemory},
		Out:     out,
	}, out
}

func openCapture(t *testing.T, path string) *container.Container {
	t.Helper()
	c, err := container.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dataset(t *testing.T, c *container.Container, name string) *container.Dataset {
	t.Helper()
	ds, err := c.Dataset(name)
	require.NoError(t, err)
	return ds
}

func written(t *testing.T, c *container.Container, name string) int {
	t.Helper()
	n, err := dataset(t, c, name).Written()
	require.NoError(t, err)
	return n
}

func run(t *testing.T, l *Loop) *Stats {
	t.Helper()
	stats, err := l.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats)
	return stats
}
