package server

import (
	"errors"

	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// runValidate invokes a validate_doc_update function. A Forbidden raised
// by the function surfaces verbatim; an assertion failure is reinterpreted
// as Forbidden with the assertion message — the one implicit conversion in
// the engine. Everything else reports under its native name. The return
// value on success is the integer 1.
func (s *Server) runValidate(fn eval.Handle, args ...any) (any, error) {
	_, err := fn.Call(args...)
	if err == nil {
		return 1, nil
	}
	var assertion *protocol.Assertion
	if errors.As(err, &assertion) {
		s.logger.Warn("access denied", "reason", assertion.Reason)
		return nil, &protocol.Forbidden{Reason: assertion.Reason}
	}
	if isProtocolError(err) {
		var forbidden *protocol.Forbidden
		if errors.As(err, &forbidden) {
			s.logger.Warn("access denied", "reason", forbidden.Reason)
		}
		return nil, err
	}
	return nil, protocol.Errorf(protocol.ErrorName(err), "%s", err)
}

// cmdValidate is the pre-ddoc validate command: compile the source, then
// run with (newdoc, olddoc, userctx).
func (s *Server) cmdValidate(args []any) (any, error) {
	source, err := stringArg(args, 0, "validate")
	if err != nil {
		return nil, err
	}
	fn, err := s.compile(source, nil)
	if err != nil {
		return nil, err
	}
	return s.runValidate(fn, padArgs(args[1:], 3)...)
}

// ddocValidate is the ddoc validate_doc_update subcommand. Since 0.11.1
// the host sends a fourth secobj argument; a three-parameter user function
// still works, with a deprecation note in the process log.
func (s *Server) ddocValidate(fn eval.Handle, args []any) (any, error) {
	callArgs := padArgs(args, 4)
	if s.version.AtLeast(0, 11, 1) {
		if fn.Arity() == 3 {
			s.logger.Warn("validate_doc_update functions take a 4th secobj argument since 0.11.1")
			callArgs = callArgs[:3]
		}
	} else {
		callArgs = callArgs[:3]
	}
	return s.runValidate(fn, callArgs...)
}

// padArgs extends args with nils up to n.
func padArgs(args []any, n int) []any {
	out := make([]any, n)
	copy(out, args)
	return out
}
