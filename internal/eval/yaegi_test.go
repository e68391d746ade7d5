package eval

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/couchqs/couchqs/internal/protocol"
)

func newGo(t *testing.T) *GoEvaluator {
	t.Helper()
	return NewGoEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGoEvaluator_CompileAndCall(t *testing.T) {
	ev := newGo(t)
	src := `func(doc map[string]interface{}) interface{} {
	return [][]interface{}{{doc["_id"], 1}}
}`
	fn, err := ev.Compile(src, Env{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if fn.Arity() != 1 {
		t.Errorf("Arity = %d", fn.Arity())
	}
	got, err := fn.Call(map[string]any{"_id": "a"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	pairs := got.([][]any)
	if len(pairs) != 1 || pairs[0][0] != "a" {
		t.Errorf("got %v", got)
	}
}

func TestGoEvaluator_CompileStripsBOM(t *testing.T) {
	ev := newGo(t)
	src := "\ufeff" + `func() interface{} { return "ok" }`
	fn, err := ev.Compile(src, Env{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got, err := fn.Call()
	if err != nil || got != "ok" {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestGoEvaluator_SyntaxErrorIsCompilationError(t *testing.T) {
	ev := newGo(t)
	_, err := ev.Compile("func( {", Env{})
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "compilation_error" {
		t.Fatalf("expected compilation_error, got %v", err)
	}
}

func TestGoEvaluator_NonFunctionIsCompilationError(t *testing.T) {
	ev := newGo(t)
	_, err := ev.Compile("42", Env{})
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "compilation_error" {
		t.Fatalf("expected compilation_error, got %v", err)
	}
}

// Capabilities from the env surface inside user code as the qs package.
func TestGoEvaluator_Capabilities(t *testing.T) {
	ev := newGo(t)
	var logged []any
	env := Env{Log: func(msg any) { logged = append(logged, msg) }}
	src := `func(doc map[string]interface{}) interface{} {
	qs.Log("seen")
	return nil
}`
	fn, err := ev.Compile(src, env)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := fn.Call(map[string]any{}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(logged) != 1 || logged[0] != "seen" {
		t.Errorf("logged = %v", logged)
	}
}

// A panic with a qs error constructor value maps back into the taxonomy.
func TestGoEvaluator_ForbiddenPanic(t *testing.T) {
	ev := newGo(t)
	src := `func(newdoc, olddoc, userctx map[string]interface{}) interface{} {
	panic(qs.Forbidden("bad"))
}`
	fn, err := ev.Compile(src, Env{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = fn.Call(map[string]any{}, map[string]any{}, map[string]any{})
	var forbidden *protocol.Forbidden
	if !errors.As(err, &forbidden) || forbidden.Reason != "bad" {
		t.Fatalf("err = %v", err)
	}
}

// qs.Assert failures surface as the assertion kind.
func TestGoEvaluator_AssertPanic(t *testing.T) {
	ev := newGo(t)
	src := `func(newdoc, olddoc, userctx map[string]interface{}) interface{} {
	qs.Assert(newdoc["author"] != nil, "author required")
	return nil
}`
	fn, err := ev.Compile(src, Env{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = fn.Call(map[string]any{}, map[string]any{}, map[string]any{})
	var assertion *protocol.Assertion
	if !errors.As(err, &assertion) || assertion.Reason != "author required" {
		t.Fatalf("err = %v", err)
	}

	ok := map[string]any{"author": "bob"}
	if _, err := fn.Call(ok, map[string]any{}, map[string]any{}); err != nil {
		t.Errorf("valid doc failed: %v", err)
	}
}

// Modules populate qs.Exports and re-execute on every run.
func TestGoEvaluator_Module(t *testing.T) {
	ev := newGo(t)
	src := `qs.Exports["double"] = func(n float64) float64 { return n * 2 }`
	mod, err := ev.CompileModule(src, Env{})
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	exports, err := mod.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	double, ok := exports["double"]
	if !ok {
		t.Fatalf("exports = %v", exports)
	}
	got, err := CallValue(double, float64(21))
	if err != nil || got != float64(42) {
		t.Errorf("double(21) = %v, %v", got, err)
	}

	again, err := mod.Run()
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if _, ok := again["double"]; !ok {
		t.Errorf("re-execution lost exports: %v", again)
	}
}
