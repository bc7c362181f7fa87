package tabular

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

type ConcatOptions struct {
	// SourceColumn, when set, adds a string column holding each row's file identifier.
	SourceColumn string
}

// Concat stacks the datasets of ids, in that order, into a new dataset. All datasets must
// have the same column names and types; column order follows the first dataset. A column
// is nullable in the result if it is nullable in any input.
func Concat(coll Collection, ids []string, opts ConcatOptions) (*Dataset, error) {
	if len(ids) == 0 {
		return nil, errors.New("no datasets to concatenate")
	}

	first, ok := coll[ids[0]]
	if !ok {
		return nil, fmt.Errorf("unknown dataset %q", ids[0])
	}
	if opts.SourceColumn != "" && first.Column(opts.SourceColumn) != nil {
		return nil, fmt.Errorf("source column %q collides with a data column", opts.SourceColumn)
	}

	total := 0
	for _, id := range ids {
		ds, ok := coll[id]
		if !ok {
			return nil, fmt.Errorf("unknown dataset %q", id)
		}
		if len(ds.Columns) != len(first.Columns) {
			return nil, fmt.Errorf("dataset %q has %d columns, %q has %d", id, len(ds.Columns), ids[0], len(first.Columns))
		}
		for _, fc := range first.Columns {
			c := ds.Column(fc.Name)
			if c == nil {
				return nil, fmt.Errorf("dataset %q lacks column %q", id, fc.Name)
			}
			if !arrow.TypeEqual(c.Type, fc.Type) {
				return nil, fmt.Errorf("column %q is %s in %q but %s in %q", fc.Name, c.Type, id, fc.Type, ids[0])
			}
		}
		total += ds.NumRows()
	}

	out := &Dataset{Columns: make([]*Column, 0, len(first.Columns)+1)}
	for _, fc := range first.Columns {
		col := &Column{Name: fc.Name, Type: fc.Type, Values: make([]any, 0, total)}
		for _, id := range ids {
			c := coll[id].Column(fc.Name)
			col.Nullable = col.Nullable || c.Nullable
			col.Values = append(col.Values, c.Values...)
		}
		out.Columns = append(out.Columns, col)
	}

	if opts.SourceColumn != "" {
		src := &Column{Name: opts.SourceColumn, Type: arrow.BinaryTypes.String, Values: make([]any, 0, total)}
		for _, id := range ids {
			for range coll[id].NumRows() {
				src.Values = append(src.Values, id)
			}
		}
		out.Columns = append(out.Columns, src)
	}
	return out, nil
}
