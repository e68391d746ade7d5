package render

import (
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
)

// The pre-0.10 render protocol: show_doc, list_begin, list_row and
// list_tail each make one synchronous call into the user function, with a
// per-function row-info record threaded through the list triplet.

// RowInfo is the bookkeeping record the legacy list protocol hands to the
// user function on every row.
type RowInfo struct {
	FirstKey  any
	PrevKey   any
	RowNumber int
}

func (ri *RowInfo) toMap() map[string]any {
	return map[string]any{
		"first_key":  ri.FirstKey,
		"prev_key":   ri.PrevKey,
		"row_number": ri.RowNumber,
	}
}

// RenderFunction invokes a legacy render function and wraps its result.
// A nil result is an error: legacy renderers must produce a response.
func (e *Engine) RenderFunction(fn eval.Handle, args ...any) (any, error) {
	resp, err := fn.Call(args...)
	if err != nil {
		if isProtocolError(err) {
			return nil, err
		}
		return nil, protocol.Errorf("render_error", "%s", err)
	}
	if resp == nil {
		e.logger.Error("undefined response from render function")
		return nil, protocol.Errorf("render_error",
			"undefined response from render function: %v", resp)
	}
	return maybeWrap(resp), nil
}

// ResponseWith is the legacy content-negotiation capability: the user
// hands over a responders map keyed by mime key, with an optional
// "fallback" entry. Unlike the modern provides path, a negotiation miss is
// not an error frame but a 406 response object.
func (e *Engine) ResponseWith(req map[string]any, responders map[string]any) map[string]any {
	provider := e.mime
	provider.ResetProvides()
	fallback := ""
	for key, fn := range responders {
		if key == "fallback" {
			fallback, _ = fn.(string)
			continue
		}
		provider.Provides(key, fn)
	}
	result, err := provider.RunProvides(req, fallback, e.callProvider)
	if err != nil {
		requested := ""
		if headers, ok := req["headers"].(map[string]any); ok {
			requested, _ = headers["Accept"].(string)
		}
		if query, ok := req["query"].(map[string]any); ok {
			if format, ok := query["format"].(string); ok {
				requested = format
			}
		}
		return map[string]any{
			"code": 406,
			"body": "Not Acceptable: " + requested,
		}
	}
	resp, _ := maybeWrap(result).(map[string]any)
	if resp == nil {
		resp = map[string]any{}
	}
	headers, ok := resp["headers"].(map[string]any)
	if !ok {
		headers = make(map[string]any)
		resp["headers"] = headers
	}
	headers["Content-Type"] = provider.RespContentType()
	return resp
}

// RunListBegin initiates legacy list output and seeds the row-info record
// for fn.
func (e *Engine) RunListBegin(fn eval.Handle, rowLine map[eval.Handle]*RowInfo, head, req map[string]any) (any, error) {
	rowLine[fn] = &RowInfo{}
	return e.RenderFunction(fn, anyOrNil(head), nil, req, nil)
}

// RunListRow renders one legacy list row and advances the row-info record.
func (e *Engine) RunListRow(fn eval.Handle, rowLine map[eval.Handle]*RowInfo, row, req map[string]any) (any, error) {
	info := rowLine[fn]
	if info == nil {
		return nil, protocol.Fatalf("list_error", "list_row before list_begin")
	}
	resp, err := e.RenderFunction(fn, nil, anyOrNil(row), req, info.toMap())
	if err != nil {
		return nil, err
	}
	key := row["key"]
	if info.FirstKey == nil {
		info.FirstKey = key
	}
	info.PrevKey = key
	info.RowNumber++
	return resp, nil
}

// RunListTail finishes legacy list output and discards the record.
func (e *Engine) RunListTail(fn eval.Handle, rowLine map[eval.Handle]*RowInfo, req map[string]any) (any, error) {
	info := rowLine[fn]
	delete(rowLine, fn)
	var infoArg any
	if info != nil {
		infoArg = info.toMap()
	}
	return e.RenderFunction(fn, nil, nil, req, infoArg)
}
