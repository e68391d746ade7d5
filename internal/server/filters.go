package server

import (
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// runFilter applies a filter predicate to every document. Before 0.11.1
// the user function also received the user context as a trailing argument;
// newer hosts fold it into req.
func (s *Server) runFilter(fn eval.Handle, docs []any, req map[string]any, userctx any) (any, error) {
	extra := []any{req}
	if s.version.Before(0, 11, 1) {
		extra = append(extra, userctx)
	}
	passed := make([]any, 0, len(docs))
	for _, doc := range docs {
		result, err := fn.Call(append([]any{doc}, extra...)...)
		if err != nil {
			if isProtocolError(err) {
				return nil, err
			}
			return nil, protocol.Errorf(protocol.ErrorName(err), "%s", err)
		}
		passed = append(passed, truthy(result))
	}
	return []any{true, passed}, nil
}

// runFilterView treats a map function as a change filter: a document
// passes iff the function emits at least once.
func (s *Server) runFilterView(fn eval.Handle, docs []any) (any, error) {
	passed := make([]any, 0, len(docs))
	for _, doc := range docs {
		out, err := fn.Call(doc)
		if err != nil {
			if isProtocolError(err) {
				return nil, err
			}
			return nil, protocol.Errorf(protocol.ErrorName(err), "%s", err)
		}
		pairs, perr := emittedPairs(out)
		if perr != nil {
			return nil, protocol.Errorf("render_error", "%s", perr)
		}
		passed = append(passed, len(pairs) > 0)
	}
	return []any{true, passed}, nil
}

// cmdFilter is the pre-ddoc top-level filter command: the predicate is the
// first registered function.
func (s *Server) cmdFilter(args []any) (any, error) {
	if len(s.state.Functions) == 0 {
		return nil, protocol.Errorf("filter_error", "no filter function registered")
	}
	fn := s.state.Functions[0]
	docs, req, userctx, err := filterArgs(args)
	if err != nil {
		return nil, err
	}
	return s.runFilter(fn, docs, req, userctx)
}

func filterArgs(args []any) ([]any, map[string]any, any, error) {
	if len(args) < 1 {
		return nil, nil, nil, argError("filter", 0)
	}
	docs, ok := args[0].([]any)
	if !ok {
		return nil, nil, nil, argError("filter", 0)
	}
	var req map[string]any
	if len(args) > 1 {
		req, _ = args[1].(map[string]any)
	}
	var userctx any
	if len(args) > 2 {
		userctx = args[2]
	}
	return docs, req, userctx, nil
}
