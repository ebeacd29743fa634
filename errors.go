package revdb

import (
	"errors"
	"fmt"
	"strings"
)

// Classification sentinels, usable with errors.Is against any error
// returned by this package.
var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrNotFound        = errors.New("not found")
	ErrSuperseded      = errors.New("superseded")
	ErrCorruption      = errors.New("corruption detected")
	ErrClosed          = errors.New("engine closed")
	ErrNoUndo          = errors.New("nothing to undo")
	ErrNoRedo          = errors.New("nothing to redo")
)

// SchemaViolationError indicates a value or operation that does not fit the
// database's current schema. It is returned before anything is written to
// the log; the caller can correct the request and retry.
type SchemaViolationError struct {
	DB    string
	Field string
	Row   string
	Msg   string
}

func schemaErrf(db, field, row string, format string, args ...any) error {
	return &SchemaViolationError{db, field, row, fmt.Sprintf(format, args...)}
}

func (e *SchemaViolationError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.DB)
	if e.Field != "" {
		buf.WriteString("/f:")
		buf.WriteString(e.Field)
	}
	if e.Row != "" {
		buf.WriteString("/r:")
		buf.WriteString(e.Row)
	}
	buf.WriteString(": schema violation: ")
	buf.WriteString(e.Msg)
	return buf.String()
}

func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// NotFoundError indicates a referenced field, row, view or database that is
// absent, typically because the caller is operating on a stale snapshot.
type NotFoundError struct {
	DB   string
	What string // "field", "row", "view", "database"
	ID   string
}

func notFoundErr(db, what, id string) error {
	return &NotFoundError{db, what, id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", e.DB, e.What, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// SupersededError means an optimistic commit lost a race: the operation can
// no longer apply after transforming it against the revisions that landed
// first. WinnerSeq names the committed revision that invalidated it; the
// caller can rebuild against the new tail or discard.
type SupersededError struct {
	DB        string
	WinnerSeq uint64
	Reason    string
}

func supersededErr(db string, winner uint64, format string, args ...any) error {
	return &SupersededError{db, winner, fmt.Sprintf(format, args...)}
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("%s: superseded by revision %d: %s", e.DB, e.WinnerSeq, e.Reason)
}

func (e *SupersededError) Is(target error) bool {
	return target == ErrSuperseded
}

// CorruptionError is fatal for the affected database: a sequence gap, an
// unreadable log record, or a failed apply during replay. The engine refuses
// to serve the database rather than risk silent data loss.
type CorruptionError struct {
	DB  string
	Seq uint64
	Msg string
	Err error
}

func corruptErr(db string, seq uint64, err error, format string, args ...any) error {
	return &CorruptionError{db, seq, fmt.Sprintf(format, args...), err}
}

func (e *CorruptionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.DB)
	if e.Seq != 0 {
		fmt.Fprintf(&buf, "/seq:%d", e.Seq)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}
