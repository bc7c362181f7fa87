package reconcile

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/malbeclabs/triplake/ingest/pkg/tabular"
)

// ColumnTypeObservation maps a declared type to the sorted file identifiers declaring it,
// for one column name.
type ColumnTypeObservation map[string][]string

// TypeNames returns the observed type names in sorted order.
func (o ColumnTypeObservation) TypeNames() []string {
	names := make([]string, 0, len(o))
	for n := range o {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ColumnObservation describes one column across the collection.
type ColumnObservation struct {
	Name  string
	Types ColumnTypeObservation
	// Present and Missing are the sorted identifiers of files that have and lack the
	// column.
	Present []string
	Missing []string
	// AnyNullable is set when at least one file declares the column nullable.
	AnyNullable bool

	dataType arrow.DataType
}

// Conflicted reports whether files disagree on the column's type.
func (c *ColumnObservation) Conflicted() bool {
	return len(c.Types) > 1
}

// Observations is the schema picture of a collection.
type Observations struct {
	// Columns is the sorted union of column names.
	Columns  []string
	ByColumn map[string]*ColumnObservation
}

// Conflicts returns the type-conflicted column names in sorted order.
func (o Observations) Conflicts() []string {
	var out []string
	for _, name := range o.Columns {
		if o.ByColumn[name].Conflicted() {
			out = append(out, name)
		}
	}
	return out
}

// Observe computes the column union and per-column type observations. It does not
// modify the collection.
func Observe(coll tabular.Collection) Observations {
	obs := Observations{ByColumn: map[string]*ColumnObservation{}}
	ids := coll.IDs()

	for _, id := range ids {
		for _, c := range coll[id].Columns {
			co, ok := obs.ByColumn[c.Name]
			if !ok {
				co = &ColumnObservation{Name: c.Name, Types: ColumnTypeObservation{}, dataType: c.Type}
				obs.ByColumn[c.Name] = co
				obs.Columns = append(obs.Columns, c.Name)
			}
			typeName := tabular.TypeName(c.Type)
			co.Types[typeName] = append(co.Types[typeName], id)
			co.Present = append(co.Present, id)
			co.AnyNullable = co.AnyNullable || c.Nullable
		}
	}
	sort.Strings(obs.Columns)

	// ids is sorted, so Present and each type's files already are.
	for _, co := range obs.ByColumn {
		if len(co.Present) == len(ids) {
			continue
		}
		present := make(map[string]struct{}, len(co.Present))
		for _, id := range co.Present {
			present[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := present[id]; !ok {
				co.Missing = append(co.Missing, id)
			}
		}
	}
	return obs
}
