package server

import (
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/render"
)

// State is the process-wide mutable engine state owned by the main loop:
// the ordered compiled functions with their sources, the query config, the
// shared map view library and the legacy list row records. The design-doc
// cache lives elsewhere and deliberately survives reset.
type State struct {
	QueryConfig  map[string]any
	Functions    []eval.Handle
	FunctionsSrc []string
	ViewLib      any
	LineLength   int
	RowLine      map[eval.Handle]*render.RowInfo
}

func NewState() *State {
	return &State{
		QueryConfig: make(map[string]any),
		RowLine:     make(map[eval.Handle]*render.RowInfo),
	}
}

// ReduceLimited reports whether the reduce-overflow policy is active.
func (st *State) ReduceLimited() bool {
	return truthy(st.QueryConfig["reduce_limit"])
}

// cmdReset clears the function cache and query config, repopulating the
// config from the optional argument. The ddoc cache is untouched.
func (s *Server) cmdReset(args []any) (any, error) {
	s.logger.Debug("reset server state")
	s.state.Functions = s.state.Functions[:0]
	s.state.FunctionsSrc = s.state.FunctionsSrc[:0]
	s.state.QueryConfig = make(map[string]any)
	if len(args) > 0 {
		if config, ok := args[0].(map[string]any); ok {
			for k, v := range config {
				s.state.QueryConfig[k] = v
			}
		}
	}
	if s.version.AtLeast(1, 1, 0) {
		s.state.ViewLib = ""
	}
	return true, nil
}

// cmdAddFun compiles a map/reduce function and appends it with its source.
// Since 1.1.0 compilation happens under a synthesized ddoc exposing the
// shared view library, so require("views/lib/...") works in map functions.
func (s *Server) cmdAddFun(args []any) (any, error) {
	source, err := stringArg(args, 0, "add_fun")
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if s.version.AtLeast(1, 1, 0) {
		tree = map[string]any{"views": map[string]any{"lib": s.state.ViewLib}}
	}
	fn, err := s.compile(source, tree)
	if err != nil {
		return nil, err
	}
	s.state.Functions = append(s.state.Functions, fn)
	s.state.FunctionsSrc = append(s.state.FunctionsSrc, source)
	return true, nil
}

// cmdAddLib installs the shared view library used by later add_fun calls.
func (s *Server) cmdAddLib(args []any) (any, error) {
	if len(args) < 1 {
		return nil, argError("add_lib", 0)
	}
	s.state.ViewLib = args[0]
	return true, nil
}
