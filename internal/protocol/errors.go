package protocol

import (
	"fmt"
	"reflect"
	"strings"
)

// The three wire error kinds. Error invalidates the current command only,
// FatalError terminates the engine after one error frame, Forbidden is a
// validation veto. Anything else reaching the dispatcher is reported in the
// Error shape under its native type name and also terminates the engine.

// Error is a recoverable per-command failure.
type Error struct {
	ID     string
	Reason string
}

func (e *Error) Error() string { return e.ID + ": " + e.Reason }

// Errorf builds an Error with a formatted reason.
func Errorf(id, format string, args ...any) *Error {
	return &Error{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// FatalError is a protocol- or system-level failure; the engine emits one
// error frame and exits with status 1.
type FatalError struct {
	ID     string
	Reason string
}

func (e *FatalError) Error() string { return e.ID + ": " + e.Reason }

// Fatalf builds a FatalError with a formatted reason.
func Fatalf(id, format string, args ...any) *FatalError {
	return &FatalError{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Forbidden is a validation veto raised by validate_doc_update functions.
type Forbidden struct {
	Reason string
}

func (e *Forbidden) Error() string { return "forbidden: " + e.Reason }

// Assertion is the distinguishable assertion-failure kind the evaluator
// surfaces for the qs.Assert capability. Validation handlers reinterpret it
// as Forbidden; everywhere else it reports as a plain error.
type Assertion struct {
	Reason string
}

func (e *Assertion) Error() string { return "assertion failed: " + e.Reason }

// ErrorEnvelope encodes err in the version-gated wire shape. Error and
// FatalError share a shape; Forbidden has its own in both eras.
func ErrorEnvelope(v Version, err error) any {
	switch e := err.(type) {
	case *Forbidden:
		return map[string]any{"forbidden": e.Reason}
	case *Error:
		return errorShape(v, e.ID, e.Reason)
	case *FatalError:
		return errorShape(v, e.ID, e.Reason)
	default:
		return errorShape(v, ErrorName(err), err.Error())
	}
}

// LogEnvelope encodes a wire log frame for the given version.
func LogEnvelope(v Version, message string) any {
	if v.Before(0, 11, 0) {
		return map[string]any{"log": message}
	}
	return []any{"log", message}
}

func errorShape(v Version, id, reason string) any {
	if v.Before(0, 11, 0) {
		return map[string]any{"error": id, "reason": reason}
	}
	return []any{"error", id, reason}
}

// ErrorName derives the wire identifier for a non-protocol error: the
// concrete type name, or "error" for anonymous stdlib error values.
func ErrorName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || name == "errorString" || strings.HasPrefix(name, "wrapError") {
		return "error"
	}
	return name
}
