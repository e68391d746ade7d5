package ddoc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/eval/evaltest"
	"github.com/couchqs/couchqs/internal/protocol"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestCache_InstallAndGet(t *testing.T) {
	c := newCache(t)
	if err := c.Install("foo", map[string]any{"shows": map[string]any{}}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	doc, ok := c.Get("foo")
	if !ok {
		t.Fatal("ddoc not cached")
	}
	if doc["_id"] != "foo" {
		t.Errorf("_id = %v, want foo", doc["_id"])
	}
}

func TestCache_ReinstallOverwrites(t *testing.T) {
	c := newCache(t)
	if err := c.Install("foo", map[string]any{"v": float64(1)}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := c.Install("foo", map[string]any{"v": float64(2)}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	doc, _ := c.Get("foo")
	if doc["v"] != float64(2) {
		t.Errorf("v = %v, want 2", doc["v"])
	}
}

func TestCache_RejectsNonStringID(t *testing.T) {
	c := newCache(t)
	err := c.Install("foo", map[string]any{"_id": float64(42)})
	var fatal *protocol.FatalError
	if !errors.As(err, &fatal) || fatal.ID != "query_protocol_error" {
		t.Fatalf("expected query_protocol_error, got %v", err)
	}
}

func TestWalk(t *testing.T) {
	doc := map[string]any{
		"shows": map[string]any{"simple": "src"},
	}
	res, err := Walk("foo", doc, []string{"shows", "simple"})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if res.Leaf != "src" || res.Key != "simple" {
		t.Errorf("leaf = %v key = %v", res.Leaf, res.Key)
	}

	_, err = Walk("foo", doc, []string{"shows", "missing"})
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}

// ── require resolution ──

func modTree() map[string]any {
	return map[string]any{
		"_id": "foo",
		"foo": map[string]any{
			"bar": map[string]any{
				"baz": "mod baz",
			},
		},
	}
}

func newResolver(t *testing.T, tree map[string]any) (*Resolver, *evaltest.Evaluator) {
	t.Helper()
	ev := evaltest.New()
	ev.RegisterModule("mod baz", func(_ eval.Env, exports map[string]any) error {
		exports["name"] = "baz"
		return nil
	})
	return NewResolver(tree, ev, eval.Env{}), ev
}

func TestRequire_DirectPath(t *testing.T) {
	r, _ := newResolver(t, modTree())
	exports, err := r.Require("foo/bar/baz")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if exports["name"] != "baz" {
		t.Errorf("exports = %v", exports)
	}
}

// From inside a module, dotted paths resolve to the same module as the
// equivalent absolute path.
func TestRequire_DotSegmentsNormalize(t *testing.T) {
	tree := map[string]any{
		"lib": map[string]any{
			"main":   "mod main",
			"helper": "mod helper",
		},
	}
	ev := evaltest.New()
	ev.RegisterModule("mod helper", func(_ eval.Env, exports map[string]any) error {
		exports["kind"] = "helper"
		return nil
	})
	ev.RegisterModule("mod main", func(env eval.Env, exports map[string]any) error {
		for i, path := range []string{"lib/helper", "./helper", "../lib/helper"} {
			helper := env.Require(path)
			if helper["kind"] != "helper" {
				return fmt.Errorf("path %d (%s) resolved to %v", i, path, helper)
			}
		}
		exports["ok"] = true
		return nil
	})
	r := NewResolver(tree, ev, eval.Env{})

	exports, err := r.Require("lib/main")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if exports["ok"] != true {
		t.Errorf("exports = %v", exports)
	}
}

func TestRequire_InvalidPaths(t *testing.T) {
	for _, path := range []string{"/foo/bar/baz", "foo//bar", "foo/bar/baz/"} {
		r, _ := newResolver(t, modTree())
		_, err := r.Require(path)
		var qsErr *protocol.Error
		if !errors.As(err, &qsErr) || qsErr.ID != "invalid_require_path" {
			t.Errorf("Require(%q): expected invalid_require_path, got %v", path, err)
		}
	}
}

func TestRequire_NonSourceLeaf(t *testing.T) {
	r, _ := newResolver(t, modTree())
	_, err := r.Require("foo/bar")
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "invalid_require_path" {
		t.Fatalf("expected invalid_require_path for object leaf, got %v", err)
	}
}

func TestRequire_MissingProperty(t *testing.T) {
	r, _ := newResolver(t, modTree())
	_, err := r.Require("foo/nope")
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "invalid_require_path" {
		t.Fatalf("expected invalid_require_path, got %v", err)
	}
}

// The compiled module replaces the source leaf; a second require skips
// recompilation but still re-executes.
func TestRequire_MemoizesButReexecutes(t *testing.T) {
	tree := modTree()
	ev := evaltest.New()
	runs := 0
	ev.RegisterModule("mod baz", func(_ eval.Env, exports map[string]any) error {
		runs++
		exports["runs"] = runs
		return nil
	})
	r := NewResolver(tree, ev, eval.Env{})

	if _, err := r.Require("foo/bar/baz"); err != nil {
		t.Fatalf("first Require: %v", err)
	}
	leaf := tree["foo"].(map[string]any)["bar"].(map[string]any)["baz"]
	if _, ok := leaf.(eval.Module); !ok {
		t.Fatalf("leaf not memoized: %T", leaf)
	}

	exports, err := r.Require("foo/bar/baz")
	if err != nil {
		t.Fatalf("second Require: %v", err)
	}
	if exports["runs"] != 2 {
		t.Errorf("module did not re-execute: %v", exports["runs"])
	}
	if len(ev.Compiled) != 1 {
		t.Errorf("module compiled %d times, want 1", len(ev.Compiled))
	}
}

// Relative requires resolve against the requiring module's position.
func TestRequire_RelativeFromModule(t *testing.T) {
	tree := map[string]any{
		"lib": map[string]any{
			"main":   "mod main",
			"helper": "mod helper",
		},
	}
	ev := evaltest.New()
	ev.RegisterModule("mod helper", func(_ eval.Env, exports map[string]any) error {
		exports["kind"] = "helper"
		return nil
	})
	ev.RegisterModule("mod main", func(env eval.Env, exports map[string]any) error {
		helper := env.Require("./helper")
		exports["via"] = helper["kind"]
		return nil
	})
	r := NewResolver(tree, ev, eval.Env{})

	exports, err := r.Require("lib/main")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if exports["via"] != "helper" {
		t.Errorf("exports = %v", exports)
	}
}

// Mutually-requiring modules must deadlock into compilation_error.
func TestRequire_CycleDetection(t *testing.T) {
	tree := map[string]any{
		"lib": map[string]any{
			"a": "mod a",
			"b": "mod b",
			"c": "mod c",
		},
	}
	ev := evaltest.New()
	ev.RegisterModule("mod a", func(env eval.Env, _ map[string]any) error {
		env.Require("lib/b")
		return nil
	})
	ev.RegisterModule("mod b", func(env eval.Env, _ map[string]any) error {
		env.Require("lib/c")
		return nil
	})
	ev.RegisterModule("mod c", func(env eval.Env, _ map[string]any) error {
		env.Require("lib/a")
		return nil
	})
	r := NewResolver(tree, ev, eval.Env{})

	_, err := r.Require("lib/a")
	var qsErr *protocol.Error
	if !errors.As(err, &qsErr) || qsErr.ID != "compilation_error" {
		t.Fatalf("expected compilation_error, got %v", err)
	}
	if !strings.Contains(qsErr.Reason, "circular") {
		t.Errorf("reason should mention the cycle: %q", qsErr.Reason)
	}
}
