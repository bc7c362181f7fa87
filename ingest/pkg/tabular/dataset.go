// Package tabular holds in-memory column-oriented datasets read from and written to
// parquet files.
package tabular

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Column is a named, typed column. A nil entry in Values is the null marker.
//
// Values hold Go values matching Type: bool, int8..int64, uint8..uint64, float32,
// float64, string (utf8 and large_utf8), time.Time (timestamp and date32). Columns of
// the null type hold only nils.
type Column struct {
	Name     string
	Type     arrow.DataType
	Nullable bool
	Values   []any
}

// NullCount returns the number of null entries.
func (c *Column) NullCount() int {
	n := 0
	for _, v := range c.Values {
		if v == nil {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares no slice with c.
func (c *Column) Clone() *Column {
	return &Column{
		Name:     c.Name,
		Type:     c.Type,
		Nullable: c.Nullable,
		Values:   append([]any(nil), c.Values...),
	}
}

// NullColumn returns a nullable column of n nulls.
func NullColumn(name string, dt arrow.DataType, n int) *Column {
	return &Column{Name: name, Type: dt, Nullable: true, Values: make([]any, n)}
}

// Dataset is an ordered set of equally long columns.
type Dataset struct {
	Columns []*Column
}

func (d *Dataset) NumRows() int {
	if len(d.Columns) == 0 {
		return 0
	}
	return len(d.Columns[0].Values)
}

// Column returns the column named name, or nil.
func (d *Dataset) Column(name string) *Column {
	for _, c := range d.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// AppendColumn adds c after the existing columns.
func (d *Dataset) AppendColumn(c *Column) error {
	if d.Column(c.Name) != nil {
		return fmt.Errorf("column %q already exists", c.Name)
	}
	if len(d.Columns) > 0 && len(c.Values) != d.NumRows() {
		return fmt.Errorf("column %q has %d rows, dataset has %d", c.Name, len(c.Values), d.NumRows())
	}
	d.Columns = append(d.Columns, c)
	return nil
}

// Validate checks that column names are unique, lengths agree, every value matches its
// column type and nulls only appear in nullable columns.
func (d *Dataset) Validate() error {
	seen := make(map[string]struct{}, len(d.Columns))
	rows := d.NumRows()
	for _, c := range d.Columns {
		if c.Name == "" {
			return errors.New("column name is required")
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Type == nil {
			return fmt.Errorf("column %q has no type", c.Name)
		}
		if !Supported(c.Type) {
			return fmt.Errorf("column %q: %w: %s", c.Name, ErrUnsupportedType, c.Type)
		}
		if len(c.Values) != rows {
			return fmt.Errorf("column %q has %d rows, expected %d", c.Name, len(c.Values), rows)
		}
		for i, v := range c.Values {
			if v == nil {
				if !c.Nullable {
					return fmt.Errorf("column %q row %d: null in non-nullable column", c.Name, i)
				}
				continue
			}
			if err := checkValue(c.Type, v); err != nil {
				return fmt.Errorf("column %q row %d: %w", c.Name, i, err)
			}
		}
	}
	return nil
}

// Collection maps file identifiers to datasets. The caller owns the datasets.
type Collection map[string]*Dataset

// IDs returns the file identifiers in sorted order.
func (c Collection) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var ErrUnsupportedType = errors.New("unsupported column type")

// Supported reports whether columns of dt can be held in a Dataset.
func Supported(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.BOOL,
		arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64,
		arrow.STRING, arrow.LARGE_STRING,
		arrow.TIMESTAMP, arrow.DATE32,
		arrow.NULL:
		return true
	}
	return false
}

// TypeName is the declared type of a column as used when comparing schemas.
func TypeName(dt arrow.DataType) string {
	return dt.String()
}

func checkValue(dt arrow.DataType, v any) error {
	ok := false
	switch dt.ID() {
	case arrow.BOOL:
		_, ok = v.(bool)
	case arrow.INT8:
		_, ok = v.(int8)
	case arrow.INT16:
		_, ok = v.(int16)
	case arrow.INT32:
		_, ok = v.(int32)
	case arrow.INT64:
		_, ok = v.(int64)
	case arrow.UINT8:
		_, ok = v.(uint8)
	case arrow.UINT16:
		_, ok = v.(uint16)
	case arrow.UINT32:
		_, ok = v.(uint32)
	case arrow.UINT64:
		_, ok = v.(uint64)
	case arrow.FLOAT32:
		_, ok = v.(float32)
	case arrow.FLOAT64:
		_, ok = v.(float64)
	case arrow.STRING, arrow.LARGE_STRING:
		_, ok = v.(string)
	case arrow.TIMESTAMP, arrow.DATE32:
		_, ok = v.(time.Time)
	case arrow.NULL:
		ok = false
	}
	if !ok {
		return fmt.Errorf("value %v (%T) does not match type %s", v, v, dt)
	}
	return nil
}
