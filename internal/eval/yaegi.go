package eval

import (
	"log/slog"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/couchqs/couchqs/internal/protocol"
)

// GoEvaluator compiles user functions written as Go function literals with
// an embedded yaegi interpreter, one interpreter per compiled unit. Engine
// capabilities are exported under the virtual package qs and imported into
// the interpreter before the user source is evaluated.
type GoEvaluator struct {
	logger *slog.Logger
}

func NewGoEvaluator(logger *slog.Logger) *GoEvaluator {
	return &GoEvaluator{logger: logger}
}

// Compile evaluates source, which must be a single expression yielding a
// function. Anything else — statements, multiple declarations, a
// non-function value — is a compilation_error, as is any parse failure.
func (g *GoEvaluator) Compile(source string, env Env) (Handle, error) {
	src := stripBOM(source)
	i, err := g.newInterp(env, nil)
	if err != nil {
		return nil, protocol.Errorf("compilation_error", "%s\n%s", err, source)
	}
	v, err := i.Eval(src)
	if err != nil {
		return nil, protocol.Errorf("compilation_error", "%s\n%s", err, source)
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, protocol.Errorf("compilation_error",
			"expression does not evaluate to a function\n%s", source)
	}
	return &goHandle{fn: v, src: source}, nil
}

// CompileModule compiles a require module body once and returns a handle
// that re-executes it per call. The module populates qs.Exports; Run clears
// the map before each execution and hands back a copy after.
func (g *GoEvaluator) CompileModule(source string, env Env) (Module, error) {
	src := stripBOM(source)
	exports := make(map[string]any)
	i, err := g.newInterp(env, exports)
	if err != nil {
		return nil, protocol.Errorf("compilation_error", "%s\n%s", err, source)
	}
	prog, err := i.Compile(src)
	if err != nil {
		return nil, protocol.Errorf("compilation_error", "%s\n%s", err, source)
	}
	return &goModule{i: i, prog: prog, exports: exports, src: source}, nil
}

func (g *GoEvaluator) newInterp(env Env, exports map[string]any) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, err
	}
	if err := i.Use(interp.Exports{"qs/qs": capabilitySymbols(env, exports)}); err != nil {
		return nil, err
	}
	i.ImportUsed()
	return i, nil
}

// capabilitySymbols builds the qs package contents for one compilation.
// Only capabilities present in env are exported; the error constructors and
// Assert are always there.
func capabilitySymbols(env Env, exports map[string]any) map[string]reflect.Value {
	syms := map[string]reflect.Value{
		"Error": reflect.ValueOf(func(id, reason string) error {
			return &protocol.Error{ID: id, Reason: reason}
		}),
		"Fatal": reflect.ValueOf(func(id, reason string) error {
			return &protocol.FatalError{ID: id, Reason: reason}
		}),
		"Forbidden": reflect.ValueOf(func(reason string) error {
			return &protocol.Forbidden{Reason: reason}
		}),
		"Assert": reflect.ValueOf(func(cond bool, msg string) {
			if !cond {
				panic(&protocol.Assertion{Reason: msg})
			}
		}),
	}
	if env.Log != nil {
		syms["Log"] = reflect.ValueOf(env.Log)
	}
	if env.JSONEncode != nil {
		syms["JSONEncode"] = reflect.ValueOf(env.JSONEncode)
	}
	if env.JSONDecode != nil {
		syms["JSONDecode"] = reflect.ValueOf(env.JSONDecode)
	}
	if env.Require != nil {
		syms["Require"] = reflect.ValueOf(env.Require)
	}
	if env.Start != nil {
		syms["Start"] = reflect.ValueOf(env.Start)
	}
	if env.Send != nil {
		syms["Send"] = reflect.ValueOf(env.Send)
	}
	if env.GetRow != nil {
		syms["GetRow"] = reflect.ValueOf(env.GetRow)
	}
	if env.Provides != nil {
		syms["Provides"] = reflect.ValueOf(env.Provides)
	}
	if env.RegisterType != nil {
		syms["RegisterType"] = reflect.ValueOf(env.RegisterType)
	}
	if env.ResponseWith != nil {
		syms["ResponseWith"] = reflect.ValueOf(env.ResponseWith)
	}
	if env.Module != nil {
		syms["Module"] = reflect.ValueOf(env.Module)
	}
	if exports != nil {
		syms["Exports"] = reflect.ValueOf(exports)
	}
	return syms
}

type goHandle struct {
	fn  reflect.Value
	src string
}

func (h *goHandle) Call(args ...any) (any, error) {
	return callFunc(h.fn, args)
}

func (h *goHandle) Arity() int {
	t := h.fn.Type()
	return t.NumIn()
}

func (h *goHandle) Source() string { return h.src }

type goModule struct {
	i       *interp.Interpreter
	prog    *interp.Program
	exports map[string]any
	src     string
}

func (m *goModule) Run() (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoveredError(r)
		}
	}()
	for k := range m.exports {
		delete(m.exports, k)
	}
	if _, err := m.i.Execute(m.prog); err != nil {
		return nil, err
	}
	out = make(map[string]any, len(m.exports))
	for k, v := range m.exports {
		out[k] = v
	}
	return out, nil
}

func stripBOM(s string) string {
	// Sources from the wire may carry a BOM; Go source never does.
	return strings.TrimPrefix(s, "\ufeff")
}

func unwrapPanic(r any) any {
	if p, ok := r.(interp.Panic); ok {
		return p.Value
	}
	if p, ok := r.(*interp.Panic); ok {
		return p.Value
	}
	return r
}
