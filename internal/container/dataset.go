package container

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// DType is the element type of a dataset, named after numpy's short codes.
type DType string

const (
	Int8    DType = "i1"
	Int16   DType = "i2"
	Float64 DType = "f8"
)

func (d DType) valid() bool {
	switch d {
	case Int8, Int16, Float64:
		return true
	}
	return false
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Int8:
		return 1
	case Int16:
		return 2
	case Float64:
		return 8
	}
	return 0
}

// Unlimited marks a dimension of a max shape that may grow without bound.
const Unlimited = -1

// Shape is the extent of a dataset. Cols is zero for one dimensional datasets.
type Shape struct {
	Rows int
	Cols int
}

func (s Shape) String() string {
	if s.Cols == 0 {
		return fmt.Sprintf("(%d,)", s.Rows)
	}
	return fmt.Sprintf("(%d, %d)", s.Rows, s.Cols)
}

func (s Shape) admits(o Shape) bool {
	if s.Rows != Unlimited && o.Rows > s.Rows {
		return false
	}
	if s.Cols != Unlimited && o.Cols > s.Cols {
		return false
	}
	return true
}

// Dataset is a typed, row-addressable array inside a Container.
type Dataset struct {
	c        *Container
	name     string
	dtype    DType
	shape    Shape
	maxShape Shape
}

func (d *Dataset) Name() string { return d.name }
func (d *Dataset) DType() DType { return d.dtype }
func (d *Dataset) Shape() Shape { return d.shape }
func (d *Dataset) MaxShape() Shape { return d.maxShape }
func (d *Dataset) is2D() bool { return d.maxShape.Cols != 0 }
func (d *Dataset) isInteger() bool { return d.dtype == Int8 || d.dtype == Int16 }
func (d *Dataset) String() string { return fmt.Sprintf("%s %s %s", d.name, d.shape, d.dtype) }

func (d *Dataset) checkRow(i int) error {
	if i < 0 || i >= d.shape.Rows {
		return fmt.Errorf("dataset %q row %d of %d: %w", d.name, i, d.shape.Rows, ErrOutOfRange)
	}
	return nil
}

// Resize grows the column count of a two dimensional dataset. Existing rows are
// preserved; columns added by the resize read as zero until written. Shrinking
// is rejected.
func (d *Dataset) Resize(cols int) error {
	if err := d.c.writable(); err != nil {
		return err
	}
	if !d.is2D() {
		return fmt.Errorf("dataset %q is one dimensional: %w", d.name, ErrShape)
	}
	if cols < d.shape.Cols {
		return fmt.Errorf("dataset %q cannot shrink from %d to %d columns: %w", d.name, d.shape.Cols, cols, ErrShape)
	}
	if d.maxShape.Cols != Unlimited && cols > d.maxShape.Cols {
		return fmt.Errorf("dataset %q cannot grow beyond %d columns: %w", d.name, d.maxShape.Cols, ErrShape)
	}
	if cols == d.shape.Cols {
		return nil
	}

	if _, err := d.c.db.Exec(`UPDATE datasets SET cols = ? WHERE name = ?`, cols, d.name); err != nil {
		return fmt.Errorf("failed to resize dataset %q: %w", d.name, err)
	}
	d.shape.Cols = cols
	return nil
}

// SetAttr attaches a JSON-encodable value to the dataset.
func (d *Dataset) SetAttr(name string, value any) error {
	if err := d.c.writable(); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dataset %q attribute %q: %w", d.name, name, err)
	}
	_, err = d.c.db.Exec(
		`INSERT OR REPLACE INTO dataset_attrs (dataset, name, value) VALUES (?, ?, ?)`,
		d.name, name, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("failed to set attribute %q on %q: %w", name, d.name, err)
	}
	return nil
}

// Attrs returns the dataset attributes decoded from JSON.
func (d *Dataset) Attrs() (map[string]any, error) {
	if d.c.closed {
		return nil, ErrClosed
	}
	return queryAttrs(d.c.db, `SELECT name, value FROM dataset_attrs WHERE dataset = ?`, d.name)
}

// WriteRow stores a full row of an integer dataset. len(row) must equal the
// current column count.
func (d *Dataset) WriteRow(i int, row []int16) error {
	if err := d.c.writable(); err != nil {
		return err
	}
	if !d.is2D() || !d.isInteger() {
		return fmt.Errorf("dataset %q (%s) does not hold integer rows: %w", d.name, d.dtype, ErrShape)
	}
	if err := d.checkRow(i); err != nil {
		return err
	}
	if len(row) != d.shape.Cols {
		return fmt.Errorf("dataset %q row of %d values, want %d: %w", d.name, len(row), d.shape.Cols, ErrShape)
	}
	blob, err := encodeInts(d.dtype, row)
	if err != nil {
		return fmt.Errorf("dataset %q row %d: %w", d.name, i, err)
	}
	return d.putRow(i, blob)
}

// WriteFloatRow stores a full row of a float dataset.
func (d *Dataset) WriteFloatRow(i int, row []float64) error {
	if err := d.c.writable(); err != nil {
		return err
	}
	if !d.is2D() || d.dtype != Float64 {
		return fmt.Errorf("dataset %q (%s) does not hold float rows: %w", d.name, d.dtype, ErrShape)
	}
	if err := d.checkRow(i); err != nil {
		return err
	}
	if len(row) != d.shape.Cols {
		return fmt.Errorf("dataset %q row of %d values, want %d: %w", d.name, len(row), d.shape.Cols, ErrShape)
	}
	blob := make([]byte, 8*len(row))
	for k, v := range row {
		binary.LittleEndian.PutUint64(blob[8*k:], math.Float64bits(v))
	}
	return d.putRow(i, blob)
}

func (d *Dataset) putRow(i int, blob []byte) error {
	_, err := d.c.db.Exec(
		`INSERT OR REPLACE INTO dataset_rows (dataset, row, data) VALUES (?, ?, ?)`,
		d.name, i, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to write row %d of %q: %w", i, d.name, err)
	}
	return nil
}

func (d *Dataset) getRow(i int) ([]byte, error) {
	if d.c.closed {
		return nil, ErrClosed
	}
	if err := d.checkRow(i); err != nil {
		return nil, err
	}
	var blob []byte
	err := d.c.db.QueryRow(
		`SELECT data FROM dataset_rows WHERE dataset = ? AND row = ?`, d.name, i,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row %d of %q: %w", i, d.name, err)
	}
	return blob, nil
}

// ReadRow returns row i of an integer dataset at the current column count.
// Unwritten rows and columns added after the row was written read as zero.
func (d *Dataset) ReadRow(i int) ([]int16, error) {
	if !d.is2D() || !d.isInteger() {
		return nil, fmt.Errorf("dataset %q (%s) does not hold integer rows: %w", d.name, d.dtype, ErrShape)
	}
	blob, err := d.getRow(i)
	if err != nil {
		return nil, err
	}
	row := make([]int16, d.shape.Cols)
	decodeInts(d.dtype, blob, row)
	return row, nil
}

// ReadFloatRow returns row i of a float dataset at the current column count.
func (d *Dataset) ReadFloatRow(i int) ([]float64, error) {
	if !d.is2D() || d.dtype != Float64 {
		return nil, fmt.Errorf("dataset %q (%s) does not hold float rows: %w", d.name, d.dtype, ErrShape)
	}
	blob, err := d.getRow(i)
	if err != nil {
		return nil, err
	}
	row := make([]float64, d.shape.Cols)
	for k := 0; k < len(row) && 8*k+8 <= len(blob); k++ {
		row[k] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*k:]))
	}
	return row, nil
}

// Set stores element i of a one dimensional dataset.
func (d *Dataset) Set(i int, v float64) error {
	if err := d.c.writable(); err != nil {
		return err
	}
	if d.is2D() {
		return fmt.Errorf("dataset %q is two dimensional: %w", d.name, ErrShape)
	}
	if err := d.checkRow(i); err != nil {
		return err
	}
	_, err := d.c.db.Exec(
		`INSERT OR REPLACE INTO dataset_values (dataset, row, value) VALUES (?, ?, ?)`,
		d.name, i, v,
	)
	if err != nil {
		return fmt.Errorf("failed to write element %d of %q: %w", i, d.name, err)
	}
	return nil
}

// Values returns every element of a one dimensional dataset; unwritten
// elements read as zero.
func (d *Dataset) Values() ([]float64, error) {
	if d.c.closed {
		return nil, ErrClosed
	}
	if d.is2D() {
		return nil, fmt.Errorf("dataset %q is two dimensional: %w", d.name, ErrShape)
	}
	rows, err := d.c.db.Query(`SELECT row, value FROM dataset_values WHERE dataset = ?`, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", d.name, err)
	}
	defer rows.Close()

	values := make([]float64, d.shape.Rows)
	for rows.Next() {
		var i int
		var v float64
		if err := rows.Scan(&i, &v); err != nil {
			return nil, fmt.Errorf("failed to scan %q: %w", d.name, err)
		}
		if i >= 0 && i < len(values) {
			values[i] = v
		}
	}
	return values, rows.Err()
}

// Written reports how many rows (or elements) have been stored.
func (d *Dataset) Written() (int, error) {
	if d.c.closed {
		return 0, ErrClosed
	}
	table := "dataset_values"
	if d.is2D() {
		table = "dataset_rows"
	}
	var n int
	if err := d.c.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE dataset = ?`, d.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %q: %w", d.name, err)
	}
	return n, nil
}

// StoredBytes reports the payload bytes held by the dataset.
func (d *Dataset) StoredBytes() (int64, error) {
	if d.c.closed {
		return 0, ErrClosed
	}
	if !d.is2D() {
		n, err := d.Written()
		return int64(n) * int64(d.dtype.Size()), err
	}
	var n sql.NullInt64
	err := d.c.db.QueryRow(`SELECT SUM(LENGTH(data)) FROM dataset_rows WHERE dataset = ?`, d.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to size %q: %w", d.name, err)
	}
	return n.Int64, nil
}

func encodeInts(dtype DType, row []int16) ([]byte, error) {
	switch dtype {
	case Int8:
		blob := make([]byte, len(row))
		for k, v := range row {
			if v < math.MinInt8 || v > math.MaxInt8 {
				return nil, fmt.Errorf("value %d at column %d overflows %s", v, k, dtype)
			}
			blob[k] = byte(int8(v))
		}
		return blob, nil
	case Int16:
		blob := make([]byte, 2*len(row))
		for k, v := range row {
			binary.LittleEndian.PutUint16(blob[2*k:], uint16(v))
		}
		return blob, nil
	}
	return nil, fmt.Errorf("unsupported integer dtype %q", dtype)
}

func decodeInts(dtype DType, blob []byte, dst []int16) {
	switch dtype {
	case Int8:
		for k := 0; k < len(dst) && k < len(blob); k++ {
			dst[k] = int16(int8(blob[k]))
		}
	case Int16:
		for k := 0; k < len(dst) && 2*k+2 <= len(blob); k++ {
			dst[k] = int16(binary.LittleEndian.Uint16(blob[2*k:]))
		}
	}
}
