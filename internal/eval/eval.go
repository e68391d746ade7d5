// Package eval compiles user-supplied function sources into opaque callable
// handles. The engine never looks inside a handle; everything it needs to
// know travels through the Handle and Module interfaces, so the interpreter
// backend is swappable (tests use a scripted fake from evaltest).
package eval

import (
	"fmt"
	"reflect"

	"github.com/couchqs/couchqs/internal/protocol"
)

// Env is the capability namespace bound into user code at compile time.
// Nil fields are simply not exposed; the server decides the set per engine
// version and per compilation (require only exists under a design doc).
type Env struct {
	// Always present.
	Log        func(msg any)
	JSONEncode func(v any) (string, error)
	JSONDecode func(s string) (any, error)

	// Present when compiling under a design document.
	Require func(path string) map[string]any

	// Modern render capabilities (>= 0.10.0).
	Start        func(resp map[string]any)
	Send         func(chunk any)
	GetRow       func() (map[string]any, bool)
	Provides     func(key string, fn any)
	RegisterType func(key string, mimes ...string)

	// Legacy render capability (< 0.10.0).
	ResponseWith func(req map[string]any, responders map[string]any) map[string]any

	// Module bindings, set by the require resolver for module compilation.
	Module map[string]any
}

// Handle is a compiled user function.
type Handle interface {
	// Call invokes the function with JSON-decoded argument values. User
	// code failures come back as errors: protocol kinds pass through
	// unchanged, anything else is a native error the caller classifies.
	Call(args ...any) (any, error)
	// Arity is the number of parameters the function declares.
	Arity() int
	// Source is the original source string, kept for error messages.
	Source() string
}

// Module is a compiled require module. Compilation happens once; Run
// re-executes the body against a fresh exports map on every call, because
// exports are per-call state.
type Module interface {
	Run() (map[string]any, error)
}

// Evaluator compiles sources. Compile enforces the exactly-one-function
// contract; CompileModule accepts arbitrary statement sequences that
// populate exports.
type Evaluator interface {
	Compile(source string, env Env) (Handle, error)
	CompileModule(source string, env Env) (Module, error)
}

// CallValue invokes an arbitrary function value (a provider registered via
// provides, a responder from response_with) with the given arguments. It is
// the same convert-and-recover machinery Handle.Call uses.
func CallValue(fn any, args ...any) (any, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a callable: %T", fn)
	}
	return callFunc(v, args)
}

func callFunc(fn reflect.Value, args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoveredError(r)
		}
	}()

	t := fn.Type()
	fixed := t.NumIn()
	if t.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("function takes at least %d arguments, got %d", fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("function takes %d arguments, got %d", fixed, len(args))
	}

	in := make([]reflect.Value, 0, len(args))
	for i, a := range args {
		var want reflect.Type
		if i < fixed {
			want = t.In(i)
		} else {
			want = t.In(t.NumIn() - 1).Elem()
		}
		v, err := convertArg(a, want)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	out := fn.Call(in)
	return collectResults(out)
}

func convertArg(a any, want reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch want.Kind() {
		case reflect.Interface, reflect.Map, reflect.Slice, reflect.Ptr, reflect.Func, reflect.Chan:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot pass nil as %s", want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, want)
}

func collectResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if err, ok := asError(out[0]); ok {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if err, ok := asError(last); ok {
			return out[0].Interface(), err
		}
		return out[0].Interface(), nil
	}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func asError(v reflect.Value) (error, bool) {
	if !v.Type().Implements(errType) {
		return nil, false
	}
	if v.IsNil() {
		return nil, true
	}
	return v.Interface().(error), true
}

// RecoveredError maps a recovered panic value back into the error taxonomy.
// User code raises by panicking with values built from the qs.Error /
// qs.Fatal / qs.Forbidden / qs.Assert capabilities; those pass through.
func RecoveredError(r any) error {
	r = unwrapPanic(r)
	switch e := r.(type) {
	case *protocol.Error, *protocol.FatalError, *protocol.Forbidden, *protocol.Assertion:
		return e.(error)
	case error:
		return e
	default:
		return fmt.Errorf("%v", r)
	}
}
