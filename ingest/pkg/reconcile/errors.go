package reconcile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaRepair matches every reconciliation failure.
var ErrSchemaRepair = errors.New("schema repair failed")

type ErrorKind string

const (
	// KindNullNotRepresentable: a missing column cannot be null-filled because its type
	// has no null representation.
	KindNullNotRepresentable ErrorKind = "null-not-representable"
	// KindCoercionFailed: a value could not be rendered as text.
	KindCoercionFailed ErrorKind = "coercion-failed"
	// KindTypeConflict: files disagree on a column's type and the policy rejects it.
	KindTypeConflict ErrorKind = "type-conflict"
)

// Error names the column and files that made a reconciliation impossible. The
// collection is left unmodified when it is returned.
type Error struct {
	Kind   ErrorKind
	Column string
	Files  []string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s on column %q (files: %s)", ErrSchemaRepair, e.Kind, e.Column, strings.Join(e.Files, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrSchemaRepair
}
