package warehouse

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/malbeclabs/triplake/ingest/pkg/tabular"
)

// ColumnType returns the ClickHouse type for a dataset column.
func ColumnType(c *tabular.Column) (string, error) {
	base, err := baseType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %q: %w", c.Name, err)
	}
	// Columns of the null type only hold nulls, whatever the nullability flag says.
	if c.Nullable || c.Type.ID() == arrow.NULL {
		return "Nullable(" + base + ")", nil
	}
	return base, nil
}

func baseType(dt arrow.DataType) (string, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return "Bool", nil
	case arrow.INT8:
		return "Int8", nil
	case arrow.INT16:
		return "Int16", nil
	case arrow.INT32:
		return "Int32", nil
	case arrow.INT64:
		return "Int64", nil
	case arrow.UINT8:
		return "UInt8", nil
	case arrow.UINT16:
		return "UInt16", nil
	case arrow.UINT32:
		return "UInt32", nil
	case arrow.UINT64:
		return "UInt64", nil
	case arrow.FLOAT32:
		return "Float32", nil
	case arrow.FLOAT64:
		return "Float64", nil
	case arrow.STRING, arrow.LARGE_STRING, arrow.NULL:
		return "String", nil
	case arrow.DATE32:
		return "Date32", nil
	case arrow.TIMESTAMP:
		tt := dt.(*arrow.TimestampType)
		precision := map[arrow.TimeUnit]int{
			arrow.Second:      0,
			arrow.Millisecond: 3,
			arrow.Microsecond: 6,
			arrow.Nanosecond:  9,
		}[tt.Unit]
		if tt.TimeZone != "" {
			return fmt.Sprintf("DateTime64(%d, %s)", precision, quoteString(tt.TimeZone)), nil
		}
		return fmt.Sprintf("DateTime64(%d)", precision), nil
	}
	return "", fmt.Errorf("%w: %s", tabular.ErrUnsupportedType, dt)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(strings.ReplaceAll(name, `\`, `\\`), "`", "\\`") + "`"
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}

// createTableSQL renders the DDL for a MergeTree table holding ds.
func createTableSQL(table string, ds *tabular.Dataset, orderBy []string) (string, error) {
	defs := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		typ, err := ColumnType(c)
		if err != nil {
			return "", err
		}
		defs[i] = quoteIdent(c.Name) + " " + typ
	}

	order := "tuple()"
	settings := ""
	if len(orderBy) > 0 {
		keys := make([]string, len(orderBy))
		for i, name := range orderBy {
			if ds.Column(name) == nil {
				return "", fmt.Errorf("order by column %q is not in the dataset", name)
			}
			keys[i] = quoteIdent(name)
		}
		order = "(" + strings.Join(keys, ", ") + ")"
		settings = " SETTINGS allow_nullable_key = 1"
	}

	return fmt.Sprintf("CREATE TABLE %s (%s) ENGINE = MergeTree ORDER BY %s%s",
		quoteIdent(table), strings.Join(defs, ", "), order, settings), nil
}
