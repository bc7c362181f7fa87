// Package reconcile aligns column sets and column types across a collection of datasets
// so they can be merged.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/malbeclabs/triplake/ingest/pkg/metrics"
	"github.com/malbeclabs/triplake/ingest/pkg/tabular"
)

// ConflictPolicy decides what happens to a column whose type differs between files.
type ConflictPolicy int

const (
	// CoerceToString renders the column as text in every file that has it, including
	// files that already agreed with the majority. Lossy for numeric and date columns.
	CoerceToString ConflictPolicy = iota
	// Reject fails the reconciliation.
	Reject
)

func (p ConflictPolicy) String() string {
	switch p {
	case CoerceToString:
		return "coerce-to-string"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("ConflictPolicy(%d)", int(p))
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "coerce-to-string":
		return CoerceToString, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

type Config struct {
	Logger         *slog.Logger
	ConflictPolicy ConflictPolicy
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConflictPolicy != CoerceToString && cfg.ConflictPolicy != Reject {
		return fmt.Errorf("invalid conflict policy %d", cfg.ConflictPolicy)
	}
	return nil
}

type Reconciler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// CoercedColumn records a column rendered as text.
type CoercedColumn struct {
	Column string
	// From is the type observation that caused the coercion.
	From ColumnTypeObservation
	// Files are the files whose column was replaced.
	Files []string
}

// Report describes the changes a successful reconciliation made.
type Report struct {
	// Columns is the sorted union of column names.
	Columns []string
	// Added maps a file identifier to the columns appended to it, in append order.
	Added   map[string][]string
	Coerced []CoercedColumn
}

func (r *Report) Changed() bool {
	return len(r.Added) > 0 || len(r.Coerced) > 0
}

// NumAdded returns the number of appended columns across all files.
func (r *Report) NumAdded() int {
	n := 0
	for _, cols := range r.Added {
		n += len(cols)
	}
	return n
}

type replacement struct {
	id    string
	index int
	col   *tabular.Column
}

type plan struct {
	replace []replacement
	// appends holds, per file, the columns to append in order.
	appends map[string][]*tabular.Column
}

// Reconcile mutates coll in place so that every dataset has the same column names and
// every column has one type across the collection. Missing columns are appended, in
// sorted name order, filled with nulls. Type-conflicted columns are handled by the
// conflict policy.
//
// The whole repair is planned before anything is changed. On error the collection is
// untouched and the error matches ErrSchemaRepair (or describes an invalid dataset).
func (r *Reconciler) Reconcile(coll tabular.Collection) (*Report, error) {
	for _, id := range coll.IDs() {
		if coll[id] == nil {
			return nil, fmt.Errorf("dataset %q is nil", id)
		}
		if err := coll[id].Validate(); err != nil {
			return nil, fmt.Errorf("invalid dataset %q: %w", id, err)
		}
	}

	obs := Observe(coll)
	p, report, err := r.plan(coll, obs)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			metrics.ReconcileFailuresTotal.WithLabelValues(string(rerr.Kind)).Inc()
		}
		r.log.Error("reconcile: schema repair failed", "error", err)
		return nil, err
	}

	for _, rep := range p.replace {
		coll[rep.id].Columns[rep.index] = rep.col
	}
	for id, cols := range p.appends {
		coll[id].Columns = append(coll[id].Columns, cols...)
	}

	metrics.ReconcileColumnsAddedTotal.Add(float64(report.NumAdded()))
	metrics.ReconcileColumnsCoercedTotal.Add(float64(len(p.replace)))
	r.log.Info("reconcile: collection reconciled",
		"files", len(coll), "columns", len(report.Columns),
		"added", report.NumAdded(), "coerced_columns", len(report.Coerced))
	return report, nil
}

func (r *Reconciler) plan(coll tabular.Collection, obs Observations) (*plan, *Report, error) {
	p := &plan{appends: map[string][]*tabular.Column{}}
	report := &Report{Columns: obs.Columns, Added: map[string][]string{}}

	// obs.Columns is sorted, so appends come out in sorted name order per file.
	for _, name := range obs.Columns {
		co := obs.ByColumn[name]

		targetType := co.dataType
		if co.Conflicted() {
			if r.cfg.ConflictPolicy == Reject {
				return nil, nil, &Error{
					Kind:   KindTypeConflict,
					Column: name,
					Files:  co.Present,
					Err:    fmt.Errorf("observed types %v", co.Types.TypeNames()),
				}
			}

			for _, id := range co.Present {
				ds := coll[id]
				idx := ds.ColumnIndex(name)
				converted, err := tabular.ToStringColumn(ds.Columns[idx])
				if err != nil {
					return nil, nil, &Error{Kind: KindCoercionFailed, Column: name, Files: []string{id}, Err: err}
				}
				p.replace = append(p.replace, replacement{id: id, index: idx, col: converted})
			}
			report.Coerced = append(report.Coerced, CoercedColumn{Column: name, From: co.Types, Files: co.Present})
			r.log.Info("reconcile: column coerced to string", "column", name, "types", co.Types.TypeNames(), "files", co.Present)
			targetType = arrow.BinaryTypes.String
		}

		if len(co.Missing) == 0 {
			continue
		}
		if !nullRepresentable(targetType) {
			return nil, nil, &Error{
				Kind:   KindNullNotRepresentable,
				Column: name,
				Files:  co.Missing,
				Err:    fmt.Errorf("type %s cannot hold nulls", tabular.TypeName(targetType)),
			}
		}
		if !co.AnyNullable {
			// The appended column is nullable; the merged column becomes nullable too.
			r.log.Warn("reconcile: null-filling a column declared non-nullable", "column", name,
				"declared_in", co.Present, "files", co.Missing)
		}
		for _, id := range co.Missing {
			p.appends[id] = append(p.appends[id], tabular.NullColumn(name, targetType, coll[id].NumRows()))
			report.Added[id] = append(report.Added[id], name)
		}
		r.log.Info("reconcile: column added", "column", name, "type", tabular.TypeName(targetType), "files", co.Missing)
	}
	return p, report, nil
}

// nullRepresentable reports whether a null-filled column of dt can be held in a dataset.
func nullRepresentable(dt arrow.DataType) bool {
	return dt != nil && tabular.Supported(dt)
}
