package server

import (
	"github.com/couchqs/couchqs/internal/ddoc"
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// ddocHandler runs one design function with the remaining wire arguments.
type ddocHandler func(s *Server, fn eval.Handle, args []any) (any, error)

func ddocCommandTable(v protocol.Version) map[string]ddocHandler {
	table := map[string]ddocHandler{
		"shows": func(s *Server, fn eval.Handle, args []any) (any, error) {
			doc, req := twoMaps(args)
			return s.render.RunShow(fn, doc, req)
		},
		"lists": func(s *Server, fn eval.Handle, args []any) (any, error) {
			head, req := twoMaps(args)
			if err := s.render.RunList(fn, head, req); err != nil {
				return nil, err
			}
			return noFrame{}, nil
		},
		"updates": func(s *Server, fn eval.Handle, args []any) (any, error) {
			doc, req := twoMaps(args)
			return s.render.RunUpdate(fn, doc, req, s.allowGetUpdate())
		},
		"filters": func(s *Server, fn eval.Handle, args []any) (any, error) {
			docs, req, userctx, err := filterArgs(args)
			if err != nil {
				return nil, err
			}
			return s.runFilter(fn, docs, req, userctx)
		},
		"validate_doc_update": func(s *Server, fn eval.Handle, args []any) (any, error) {
			return s.ddocValidate(fn, args)
		},
	}
	if v.AtLeast(1, 1, 0) {
		table["views"] = func(s *Server, fn eval.Handle, args []any) (any, error) {
			docs, _ := argAt(args, 0).([]any)
			return s.runFilterView(fn, docs)
		}
	}
	return table
}

// cmdDDoc handles the ddoc sub-protocol: "new" installs a design document;
// any other id runs a design function addressed by path, compiling and
// memoizing the source leaf on first use.
func (s *Server) cmdDDoc(args []any) (any, error) {
	if len(args) < 1 {
		return nil, protocol.Fatalf("query_protocol_error", "ddoc command without arguments")
	}
	id, _ := args[0].(string)
	if id == "new" {
		newID, err := stringArg(args, 1, "ddoc new")
		if err != nil {
			return nil, err
		}
		doc, ok := argAt(args, 2).(map[string]any)
		if !ok {
			return nil, protocol.Fatalf("query_protocol_error",
				"design document `%s` is not an object", newID)
		}
		if err := s.ddocs.Install(newID, doc); err != nil {
			return nil, err
		}
		return true, nil
	}

	doc, ok := s.ddocs.Get(id)
	if !ok {
		s.logger.Error("uncached design document", "id", id)
		return nil, protocol.Fatalf("query_protocol_error", "Uncached design document: %s", id)
	}
	path, err := stringSlice(argAt(args, 1))
	if err != nil || len(path) == 0 {
		return nil, protocol.Fatalf("query_protocol_error",
			"invalid design function path for `%s`", id)
	}
	funArgs, _ := argAt(args, 2).([]any)

	handler, ok := s.ddocCommands[path[0]]
	if !ok {
		s.logger.Error("unknown ddoc command", "command", path[0])
		return nil, protocol.Fatalf("unknown_command", "Unknown ddoc command `%s`", path[0])
	}

	fn, err := s.designFunc(id, doc, path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("running design function", "id", id, "path", path)
	return handler(s, fn, funArgs)
}

// designFunc walks the ddoc to the addressed leaf and returns its compiled
// handle, compiling and memoizing a source string in place.
func (s *Server) designFunc(id string, doc map[string]any, path []string) (eval.Handle, error) {
	res, err := ddoc.Walk(id, doc, path)
	if err != nil {
		return nil, err
	}
	switch leaf := res.Leaf.(type) {
	case eval.Handle:
		return leaf, nil
	case string:
		fn, err := s.compile(leaf, doc)
		if err != nil {
			return nil, err
		}
		res.Parent[res.Key] = fn
		return fn, nil
	default:
		return nil, protocol.Errorf("compilation_error",
			"`%s` in design doc `%s` is not a function source", res.Key, id)
	}
}

func stringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, protocol.Errorf("not_found", "path expected")
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, protocol.Errorf("not_found", "path expected")
		}
		out = append(out, s)
	}
	return out, nil
}

func twoMaps(args []any) (map[string]any, map[string]any) {
	a, _ := argAt(args, 0).(map[string]any)
	b, _ := argAt(args, 1).(map[string]any)
	return a, b
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}
