// Package render drives show, list and update functions: a shared scratch
// area for chunks and response headers, the streaming list state machine
// that pulls rows from the input stream mid-command, and the legacy
// pre-0.10 renderer.
package render

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/mime"
	"github.com/couchqs/couchqs/internal/protocol"
	"github.com/couchqs/couchqs/internal/stream"
)

// Engine owns the render scratch shared by show, list and update. It is
// reset at the start of each call; the list state machine suspends the
// running user function to read list_row frames off the input stream, and
// the scratch survives those suspensions.
type Engine struct {
	in     *stream.Reader
	out    *stream.Writer
	codec  stream.Codec
	mime   *mime.Provider
	logger *slog.Logger

	chunks    []string
	startresp map[string]any
	gotrow    bool
	lastrow   bool
	inList    bool
}

func NewEngine(in *stream.Reader, out *stream.Writer, codec stream.Codec, provider *mime.Provider, logger *slog.Logger) *Engine {
	return &Engine{
		in:        in,
		out:       out,
		codec:     codec,
		mime:      provider,
		logger:    logger,
		startresp: make(map[string]any),
	}
}

func (e *Engine) reset() {
	e.chunks = e.chunks[:0]
	e.startresp = make(map[string]any)
	e.gotrow = false
	e.lastrow = false
}

// Start records the initial response object for the eventual start frame.
func (e *Engine) Start(resp map[string]any) {
	e.startresp = make(map[string]any)
	for k, v := range resp {
		e.startresp[k] = v
	}
}

// Send queues one chunk. Strings pass through; anything else is
// JSON-encoded.
func (e *Engine) Send(chunk any) {
	e.chunks = append(e.chunks, e.stringify(chunk))
}

func (e *Engine) stringify(chunk any) string {
	if s, ok := chunk.(string); ok {
		return s
	}
	data, err := e.codec.Marshal(chunk)
	if err != nil {
		panic(protocol.Fatalf("json_encode", "%s", err))
	}
	return string(data)
}

// GetRow is the capability bound into list functions: it advances the row
// iterator, emitting the start frame on the first pull and a chunks frame
// on each subsequent one, then reads the next input frame. Failures panic
// with protocol errors; the evaluator's call boundary recovers them.
func (e *Engine) GetRow() (map[string]any, bool) {
	row, ok, err := e.nextRow()
	if err != nil {
		panic(err)
	}
	return row, ok
}

func (e *Engine) nextRow() (map[string]any, bool, error) {
	if !e.inList {
		return nil, false, errors.New("get_row is only available inside list functions")
	}
	if e.lastrow {
		return nil, false, nil
	}
	if !e.gotrow {
		e.gotrow = true
		if err := e.sendStart(); err != nil {
			return nil, false, err
		}
	} else {
		if err := e.blowChunks("chunks"); err != nil {
			return nil, false, err
		}
	}
	frame, _, err := e.in.ReadFrame()
	if err == io.EOF {
		e.lastrow = true
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	arr, ok := frame.([]any)
	if !ok || len(arr) == 0 {
		return nil, false, protocol.Fatalf("list_error", "not a row `%v`", frame)
	}
	switch name, _ := arr[0].(string); name {
	case "list_end":
		e.lastrow = true
		return nil, false, nil
	case "list_row":
		if len(arr) < 2 {
			return nil, false, protocol.Fatalf("list_error", "row frame carries no row")
		}
		row, _ := arr[1].(map[string]any)
		return row, true, nil
	default:
		e.logger.Error("unexpected frame inside list", "frame", arr[0])
		return nil, false, protocol.Fatalf("list_error", "not a row `%v`", arr[0])
	}
}

func (e *Engine) sendStart() error {
	resp := applyContentType(copyMap(e.startresp), e.mime.RespContentType())
	if err := e.out.WriteFrame([]any{"start", chunkList(e.chunks), resp}); err != nil {
		return err
	}
	e.chunks = e.chunks[:0]
	e.startresp = make(map[string]any)
	return nil
}

func (e *Engine) blowChunks(label string) error {
	if err := e.out.WriteFrame([]any{label, chunkList(e.chunks)}); err != nil {
		return err
	}
	e.chunks = e.chunks[:0]
	return nil
}

// chunkList snapshots chunks as a fresh []any so the frame does not alias
// the scratch buffer.
func chunkList(chunks []string) []any {
	out := make([]any, len(chunks))
	for i, c := range chunks {
		out[i] = c
	}
	return out
}

func applyContentType(resp map[string]any, contentType string) map[string]any {
	headers, ok := resp["headers"].(map[string]any)
	if !ok || headers == nil {
		headers = make(map[string]any)
		resp["headers"] = headers
	}
	if contentType != "" {
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = contentType
		}
	}
	return resp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func maybeWrap(resp any) any {
	if s, ok := resp.(string); ok {
		return map[string]any{"body": s}
	}
	return resp
}

// isDocRequestPath reports whether req addresses a specific document: by
// convention a request path longer than five segments.
func isDocRequestPath(req map[string]any) bool {
	path, ok := req["path"].([]any)
	return ok && len(path) > 5
}

// callProvider invokes a provider or responder callable from user code.
func (e *Engine) callProvider(fn any) (any, error) {
	return eval.CallValue(fn)
}

// RunShow executes a show function and returns the ["resp", response]
// frame value. User failures map to render_error — or not_found when the
// doc is absent and the request addressed a document.
func (e *Engine) RunShow(fn eval.Handle, doc, req map[string]any) (any, error) {
	e.reset()
	e.mime.ResetProvides()

	result, err := fn.Call(anyOrNil(doc), req)
	if err != nil {
		return nil, e.showError(err, doc, req)
	}
	var resp any
	if result != nil {
		resp = result
	} else {
		resp = map[string]any{}
	}

	if len(e.chunks) > 0 {
		resp = maybeWrap(resp)
		rm, ok := resp.(map[string]any)
		if !ok {
			return nil, protocol.Errorf("render_error", "undefined response from show function")
		}
		mergeStartResp(rm, e.startresp)
		body, _ := rm["body"].(string)
		rm["body"] = strings.Join(e.chunks, "") + body
		e.reset()
	}

	if e.mime.ProvidesUsed() {
		provided, err := e.mime.RunProvides(req, "", e.callProvider)
		if err != nil {
			return nil, e.showError(err, doc, req)
		}
		resp = maybeWrap(provided)
		if rm, ok := resp.(map[string]any); ok {
			applyContentType(rm, e.mime.RespContentType())
		}
	}

	switch resp.(type) {
	case map[string]any, string:
		return []any{"resp", maybeWrap(resp)}, nil
	}
	e.logger.Error("invalid response object from show function", "resp", resp)
	return nil, protocol.Errorf("render_error", "undefined response from show function")
}

// showError classifies a show failure: protocol kinds pass through,
// anything else becomes not_found for doc requests on a missing doc, or
// render_error.
func (e *Engine) showError(err error, doc, req map[string]any) error {
	if isProtocolError(err) {
		return err
	}
	if doc == nil && isDocRequestPath(req) {
		return protocol.Errorf("not_found", "document not found")
	}
	return protocol.Errorf("render_error", "%s", err)
}

// mergeStartResp overlays the headers recorded by start under the
// response's own headers; the response wins on conflict. A code recorded
// by start is adopted only when the response has none.
func mergeStartResp(resp, startresp map[string]any) {
	headers, ok := resp["headers"].(map[string]any)
	if !ok || headers == nil {
		headers = make(map[string]any)
		resp["headers"] = headers
	}
	startHeaders, ok := startresp["headers"].(map[string]any)
	if !ok {
		startHeaders = nil
	}
	for k, v := range startHeaders {
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}
	if code, ok := startresp["code"]; ok {
		if _, exists := resp["code"]; !exists {
			resp["code"] = code
		}
	}
}

// RunUpdate executes an update function. The function must return a
// two-element [new_doc, response]; GET requests are rejected unless the
// allow_get_update option is on.
func (e *Engine) RunUpdate(fn eval.Handle, doc, req map[string]any, allowGet bool) (any, error) {
	method, _ := req["method"].(string)
	if method == "GET" && !allowGet {
		e.logger.Error("GET is not allowed for update functions")
		return nil, protocol.Errorf("method_not_allowed",
			"Method `GET` is not allowed for update functions")
	}
	result, err := fn.Call(anyOrNil(doc), req)
	if err != nil {
		if isProtocolError(err) {
			return nil, err
		}
		return nil, protocol.Errorf("render_error", "%s", err)
	}
	pair, ok := result.([]any)
	if !ok || len(pair) != 2 {
		e.logger.Error("invalid return from update function", "result", result)
		return nil, protocol.Errorf("render_error",
			"update function must return [doc, response]")
	}
	newdoc, resp := pair[0], pair[1]
	switch resp.(type) {
	case map[string]any, string:
		return []any{"up", newdoc, maybeWrap(resp)}, nil
	}
	e.logger.Error("invalid response object from update function", "resp", resp)
	return nil, protocol.Errorf("render_error", "undefined response from update function")
}

// RunList executes a streaming list function. The output frame sequence is
// exactly one start, any number of chunks, one end; the start frame is
// forced even when the function never touched get_row. RunList writes its
// frames itself — the dispatcher must not emit a response for it.
func (e *Engine) RunList(fn eval.Handle, head, req map[string]any) error {
	e.mime.ResetProvides()
	e.reset()
	e.inList = true
	defer func() { e.inList = false }()

	tail, err := fn.Call(anyOrNil(head), req)
	if err == nil && e.mime.ProvidesUsed() {
		tail, err = e.mime.RunProvides(req, "", e.callProvider)
	}
	if err != nil {
		if isProtocolError(err) {
			return err
		}
		return protocol.Errorf("render_error", "%s", err)
	}

	if !e.gotrow {
		// Force the start frame for row-less list functions.
		if _, _, err := e.nextRow(); err != nil {
			return err
		}
	}
	if tail != nil {
		e.chunks = append(e.chunks, e.stringify(tail))
	}
	return e.blowChunks("end")
}

func isProtocolError(err error) bool {
	var qsErr *protocol.Error
	var fatal *protocol.FatalError
	var forbidden *protocol.Forbidden
	return errors.As(err, &qsErr) || errors.As(err, &fatal) || errors.As(err, &forbidden)
}

func anyOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
