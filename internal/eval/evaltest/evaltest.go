// Package evaltest provides a scripted Evaluator for engine-logic tests.
// Sources are opaque lookup keys: tests register a Go function (and its
// declared arity) under the exact source string the wire command carries,
// so protocol behavior can be exercised without an interpreter.
package evaltest

import (
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// Func is a scripted user function. It receives the capability namespace
// the server bound at compile time, so tests can drive send/get_row/
// provides exactly like interpreted code would.
type Func func(env eval.Env, args ...any) (any, error)

// ModuleFunc is a scripted require module body: it populates exports.
type ModuleFunc func(env eval.Env, exports map[string]any) error

type Evaluator struct {
	funcs    map[string]entry
	modules  map[string]ModuleFunc
	Compiled []string // sources in compilation order
}

type entry struct {
	fn    Func
	arity int
}

func New() *Evaluator {
	return &Evaluator{
		funcs:   make(map[string]entry),
		modules: make(map[string]ModuleFunc),
	}
}

// Register scripts a function under its source string.
func (e *Evaluator) Register(source string, arity int, fn Func) {
	e.funcs[source] = entry{fn: fn, arity: arity}
}

// RegisterModule scripts a require module body under its source string.
func (e *Evaluator) RegisterModule(source string, fn ModuleFunc) {
	e.modules[source] = fn
}

func (e *Evaluator) Compile(source string, env eval.Env) (eval.Handle, error) {
	ent, ok := e.funcs[source]
	if !ok {
		return nil, protocol.Errorf("compilation_error", "unknown source\n%s", source)
	}
	e.Compiled = append(e.Compiled, source)
	return &handle{fn: ent.fn, arity: ent.arity, src: source, env: env}, nil
}

func (e *Evaluator) CompileModule(source string, env eval.Env) (eval.Module, error) {
	fn, ok := e.modules[source]
	if !ok {
		return nil, protocol.Errorf("compilation_error", "unknown module source\n%s", source)
	}
	e.Compiled = append(e.Compiled, source)
	return &module{fn: fn, env: env}, nil
}

type handle struct {
	fn    Func
	arity int
	src   string
	env   eval.Env
}

func (h *handle) Call(args ...any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eval.RecoveredError(r)
		}
	}()
	return h.fn(h.env, args...)
}

func (h *handle) Arity() int     { return h.arity }
func (h *handle) Source() string { return h.src }

type module struct {
	fn  ModuleFunc
	env eval.Env
}

func (m *module) Run() (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eval.RecoveredError(r)
		}
	}()
	exports := make(map[string]any)
	if err := m.fn(m.env, exports); err != nil {
		return nil, err
	}
	return exports, nil
}
