package ddoc

import (
	"slices"
	"strings"

	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// moduleRec is one step of a require resolution: the slash-joined path
// already traversed, the record one step up, and the cursor into the ddoc
// tree. Records form a temporary chain during a single require call.
type moduleRec struct {
	id      string
	parent  *moduleRec
	current any
}

// Resolver implements the hierarchical module system over one design
// document tree, for one compiled function. It carries the set of module
// ids currently being resolved so mutually-requiring modules deadlock into
// a compilation_error instead of recursing forever.
type Resolver struct {
	root    map[string]any
	ev      eval.Evaluator
	base    eval.Env
	visited []string
}

func NewResolver(root map[string]any, ev eval.Evaluator, base eval.Env) *Resolver {
	return &Resolver{root: root, ev: ev, base: base}
}

// RequireFunc returns the require capability rooted at the ddoc, for
// binding into a compiled function's namespace. Resolution failures panic
// with protocol errors; the evaluator's call boundary recovers them.
func (r *Resolver) RequireFunc() func(path string) map[string]any {
	return r.requireFrom(nil)
}

// Require resolves a path from the document root and returns the module's
// exports.
func (r *Resolver) Require(path string) (map[string]any, error) {
	return r.require(path, nil)
}

func (r *Resolver) requireFrom(mod *moduleRec) func(path string) map[string]any {
	return func(path string) map[string]any {
		exports, err := r.require(path, mod)
		if err != nil {
			panic(err)
		}
		return exports
	}
}

func (r *Resolver) require(path string, from *moduleRec) (map[string]any, error) {
	rec, err := r.resolve(strings.Split(path, "/"), from, r.root)
	if err != nil {
		return nil, err
	}
	if slices.Contains(r.visited, rec.id) {
		return nil, protocol.Errorf("compilation_error",
			"circular require calls deadlock at module `%s`", rec.id)
	}
	r.visited = append(r.visited, rec.id)
	defer func() { r.visited = r.visited[:len(r.visited)-1] }()

	var mod eval.Module
	srcText := "<compiled module>"
	switch leaf := rec.current.(type) {
	case string:
		srcText = leaf
		env := r.base
		env.Module = map[string]any{"id": rec.id}
		env.Require = r.requireFrom(rec)
		mod, err = r.ev.CompileModule(leaf, env)
		if err != nil {
			return nil, err
		}
		r.memoize(rec.id, mod)
	case eval.Module:
		mod = leaf
	}

	exports, err := mod.Run()
	if err != nil {
		return nil, protocol.Errorf("compilation_error", "%s:\n%s", err, srcText)
	}
	return exports, nil
}

// resolve walks the segment list. root is only consulted for the first
// concrete segment of the outermost call: a path that does not begin with
// "." or ".." always resolves from the document root.
func (r *Resolver) resolve(names []string, mod *moduleRec, root map[string]any) (*moduleRec, error) {
	var id string
	var parent *moduleRec
	var current any
	if mod != nil {
		id, parent, current = mod.id, mod.parent, mod.current
	}

	if len(names) == 0 {
		switch current.(type) {
		case string, eval.Module:
			return &moduleRec{id: id, parent: parent, current: current}, nil
		}
		return nil, protocol.Errorf("invalid_require_path",
			"Must require a module source string, not %v", current)
	}

	n, rest := names[0], names[1:]
	switch n {
	case "..":
		if parent == nil || parent.parent == nil {
			return nil, noParent(id)
		}
		gp := parent.parent
		return r.resolve(rest, &moduleRec{
			id:      parentID(id),
			parent:  gp.parent,
			current: gp.current,
		}, nil)
	case ".":
		if parent == nil {
			return nil, noParent(id)
		}
		return r.resolve(rest, &moduleRec{
			id:      parent.id,
			parent:  parent.parent,
			current: parent.current,
		}, nil)
	case "":
		return nil, protocol.Errorf("invalid_require_path",
			"Required path should not start with a slash character"+
				" or contain a sequence of slashes (at `%s`)", id)
	}

	if root != nil {
		mod = &moduleRec{current: root}
		id, current = "", root
	}
	if current == nil {
		return nil, protocol.Errorf("invalid_require_path",
			"Required module missing (at `%s`)", id)
	}
	obj, ok := current.(map[string]any)
	if !ok {
		return nil, noProperty(id, n)
	}
	child, ok := obj[n]
	if !ok {
		return nil, noProperty(id, n)
	}
	newID := n
	if id != "" && id != n {
		newID = id + "/" + n
	}
	return r.resolve(rest, &moduleRec{id: newID, parent: mod, current: child}, nil)
}

// memoize replaces the source leaf at id with its compiled module, so
// later requires skip recompilation but still re-execute.
func (r *Resolver) memoize(id string, m eval.Module) {
	segs := strings.Split(id, "/")
	var prev map[string]any
	var point any = r.root
	for _, s := range segs {
		obj, ok := point.(map[string]any)
		if !ok {
			return
		}
		prev, point = obj, obj[s]
	}
	if prev != nil {
		prev[segs[len(segs)-1]] = m
	}
}

func parentID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[:i]
	}
	return ""
}

func noParent(id string) error {
	return protocol.Errorf("invalid_require_path", "Module `%s` has no parent", id)
}

func noProperty(id, name string) error {
	return protocol.Errorf("invalid_require_path",
		"Module `%s` has no property `%s`", id, name)
}
