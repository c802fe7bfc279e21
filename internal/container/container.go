// Package container implements a growable columnar container on top of SQLite.
//
// A container holds named, typed datasets of one or two dimensions plus scalar
// and string attributes attached to the container or to a dataset. Datasets are
// row addressable; two dimensional datasets may grow their column count up to a
// declared maximum (or without bound). Each container is a single SQLite file so
// captures can be inspected with any SQLite client.
package container

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Mode selects where a container lives while it is being written.
type Mode string

const (
	// ModeMemory accumulates the container in memory and writes it to disk
	// once, when the container is closed.
	ModeMemory Mode = "memory"
	// ModeDisk writes every change straight to the file; Close only releases
	// the handle.
	ModeDisk Mode = "disk"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeMemory):
		return ModeMemory, nil
	case string(ModeDisk):
		return ModeDisk, nil
	default:
		return "", fmt.Errorf("unknown store mode %q: expected memory or disk", s)
	}
}

var (
	ErrClosed     = errors.New("container is closed")
	ErrReadOnly   = errors.New("container is read-only")
	ErrNoDataset  = errors.New("dataset not found")
	ErrExists     = errors.New("dataset already exists")
	ErrOutOfRange = errors.New("row index out of range")
	ErrShape      = errors.New("shape mismatch")
)

// Options configures Create.
type Options struct {
	Mode Mode
}

// Container is an open columnar container. It is not safe for concurrent use.
type Container struct {
	db       *sql.DB
	path     string
	mode     Mode
	id       string
	readOnly bool
	closed   bool
	datasets map[string]*Dataset
}

// Create creates a new container at path, replacing any existing file. With
// ModeMemory nothing touches path until Close.
func Create(path string, opts Options) (*Container, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeMemory
	}

	id := uuid.NewString()
	var dsn string
	switch mode {
	case ModeMemory:
		dsn = ":memory:"
	case ModeDisk:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to replace %s: %w", path, err)
		}
		dsn = path
	default:
		return nil, fmt.Errorf("unknown store mode %q", mode)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	// one connection: an in-memory database lives and dies with its connection,
	// and the capture loop is the only writer anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if mode == ModeDisk {
		if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure container: %w", err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Container created", "path", path, "mode", mode, "id", id)
	return &Container{
		db:       db,
		path:     path,
		mode:     mode,
		id:       id,
		datasets: make(map[string]*Dataset),
	}, nil
}

// Open opens an existing container read-only.
func Open(path string) (*Container, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Container{
		db:       db,
		path:     path,
		mode:     ModeDisk,
		readOnly: true,
		datasets: make(map[string]*Dataset),
	}

	if err := c.loadDatasets(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Path returns the durable location of the container.
func (c *Container) Path() string { return c.path }

// Mode returns the storage mode the container was created with.
func (c *Container) Mode() Mode { return c.mode }

// ID returns the random identifier assigned at creation. It is empty for
// containers opened read-only.
func (c *Container) ID() string { return c.id }

func (c *Container) writable() error {
	if c.closed {
		return ErrClosed
	}
	if c.readOnly {
		return ErrReadOnly
	}
	return nil
}

// SetAttr attaches a JSON-encodable value to the container.
func (c *Container) SetAttr(name string, value any) error {
	if err := c.writable(); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO container_attrs (name, value) VALUES (?, ?)`,
		name, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("failed to set attribute %q: %w", name, err)
	}
	return nil
}

// Attrs returns all container attributes decoded from JSON.
func (c *Container) Attrs() (map[string]any, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return queryAttrs(c.db, `SELECT name, value FROM container_attrs`)
}

func queryAttrs(db *sql.DB, query string, args ...any) (map[string]any, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]any)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		attrs[name] = v
	}
	return attrs, rows.Err()
}

// CreateDataset declares a dataset. A shape with Cols == 0 is one dimensional.
// maxShape bounds later resizes; use Unlimited for an unbounded dimension.
func (c *Container) CreateDataset(name string, dtype DType, shape, maxShape Shape) (*Dataset, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	if !dtype.valid() {
		return nil, fmt.Errorf("dataset %q: unsupported dtype %q", name, dtype)
	}
	if _, ok := c.datasets[name]; ok {
		return nil, fmt.Errorf("dataset %q: %w", name, ErrExists)
	}
	if shape.Rows < 0 || shape.Cols < 0 {
		return nil, fmt.Errorf("dataset %q: negative shape %v: %w", name, shape, ErrShape)
	}
	if !maxShape.admits(shape) {
		return nil, fmt.Errorf("dataset %q: shape %v exceeds max shape %v: %w", name, shape, maxShape, ErrShape)
	}
	if maxShape.Cols == 0 && shape.Cols != 0 {
		return nil, fmt.Errorf("dataset %q: rank of shape %v and max shape %v differ: %w", name, shape, maxShape, ErrShape)
	}

	_, err := c.db.Exec(
		`INSERT INTO datasets (name, dtype, rows, cols, max_rows, max_cols) VALUES (?, ?, ?, ?, ?, ?)`,
		name, string(dtype), shape.Rows, shape.Cols, maxShape.Rows, maxShape.Cols,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset %q: %w", name, err)
	}

	ds := &Dataset{c: c, name: name, dtype: dtype, shape: shape, maxShape: maxShape}
	c.datasets[name] = ds
	return ds, nil
}

// Dataset returns a previously created or loaded dataset.
func (c *Container) Dataset(name string) (*Dataset, error) {
	if c.closed {
		return nil, ErrClosed
	}
	ds, ok := c.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNoDataset)
	}
	return ds, nil
}

// Datasets returns the dataset names in lexical order.
func (c *Container) Datasets() []string {
	names := make([]string, 0, len(c.datasets))
	for name := range c.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Container) loadDatasets() error {
	rows, err := c.db.Query(`SELECT name, dtype, rows, cols, max_rows, max_cols FROM datasets`)
	if err != nil {
		return fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ds Dataset
		var dtype string
		if err := rows.Scan(&ds.name, &dtype, &ds.shape.Rows, &ds.shape.Cols, &ds.maxShape.Rows, &ds.maxShape.Cols); err != nil {
			return fmt.Errorf("failed to scan dataset: %w", err)
		}
		ds.c = c
		ds.dtype = DType(dtype)
		c.datasets[ds.name] = &ds
	}
	return rows.Err()
}

// Close flushes the container to its durable location and releases it. It
// returns the size in bytes of the file on disk. For ModeMemory this is the
// single write of the accumulated container; for ModeDisk the data is already
// on disk and Close only releases the handle.
func (c *Container) Close() (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.closed = true

	if c.mode == ModeMemory && !c.readOnly {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.db.Close()
			return 0, fmt.Errorf("failed to replace %s: %w", c.path, err)
		}
		if _, err := c.db.Exec(`VACUUM INTO ?`, c.path); err != nil {
			c.db.Close()
			return 0, fmt.Errorf("failed to write container to %s: %w", c.path, err)
		}
		slog.Debug("Container written to disk", "path", c.path)
	}

	if err := c.db.Close(); err != nil {
		return 0, fmt.Errorf("failed to close container: %w", err)
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat container: %w", err)
	}
	return info.Size(), nil
}
