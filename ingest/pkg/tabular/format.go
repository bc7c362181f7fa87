package tabular

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// FormatValue renders a non-null value of type dt as text. Booleans become True and
// False, floats use the shortest form that round-trips (with a trailing ".0" for whole
// numbers and nan, inf, -inf for special values), timestamps use
// "2006-01-02 15:04:05" with microseconds or nanoseconds only when present, and dates
// use "2006-01-02".
func FormatValue(dt arrow.DataType, v any) (string, error) {
	if err := checkValue(dt, v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case bool:
		if x {
			return "True", nil
		}
		return "False", nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatFloat(float64(x), 32), nil
	case float64:
		return formatFloat(x, 64), nil
	case string:
		return x, nil
	case time.Time:
		if dt.ID() == arrow.DATE32 {
			return x.UTC().Format(time.DateOnly), nil
		}
		return formatTimestamp(dt.(*arrow.TimestampType), x)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, bitSize)
	}
	s := strconv.FormatFloat(f, 'f', -1, bitSize)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func formatTimestamp(tt *arrow.TimestampType, t time.Time) (string, error) {
	if tt.TimeZone != "" {
		loc, err := tt.GetZone()
		if err != nil {
			return "", fmt.Errorf("invalid time zone %q: %w", tt.TimeZone, err)
		}
		if loc != nil {
			t = t.In(loc)
		}
	} else {
		t = t.UTC()
	}

	layout := "2006-01-02 15:04:05"
	switch {
	case t.Nanosecond() == 0:
	case t.Nanosecond()%1000 == 0:
		layout += ".000000"
	default:
		layout += ".000000000"
	}
	if tt.TimeZone != "" {
		layout += "-07:00"
	}
	return t.Format(layout), nil
}

// ToStringColumn returns a copy of c with every value rendered by FormatValue. Nulls
// stay null.
func ToStringColumn(c *Column) (*Column, error) {
	out := &Column{
		Name:     c.Name,
		Type:     arrow.BinaryTypes.String,
		Nullable: c.Nullable,
		Values:   make([]any, len(c.Values)),
	}
	for i, v := range c.Values {
		if v == nil {
			continue
		}
		s, err := FormatValue(c.Type, v)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out.Values[i] = s
	}
	return out, nil
}
