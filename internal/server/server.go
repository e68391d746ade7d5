// Package server ties the engine together: the version-gated command
// table, the process-wide state, the capability namespace handed to the
// evaluator and the main loop with its exit-code contract.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/couchqs/couchqs/internal/ddoc"
	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/mime"
	"github.com/couchqs/couchqs/internal/protocol"
	"github.com/couchqs/couchqs/internal/render"
	"github.com/couchqs/couchqs/internal/stream"
)

// Wire-log throttle: a runaway map function calling log() per document
// must not flood the host. Engine-side slog output is unaffected.
const (
	logRateLimit = 200
	logRateBurst = 400
)

// noFrame is returned by handlers that stream their own frames (the list
// sub-protocol); the dispatcher must not write a response for them.
type noFrame struct{}

type handler func(args []any) (any, error)

// Server is the engine: single-threaded, one command at a time. All
// mutable state hangs off it and is only touched from Run.
type Server struct {
	version protocol.Version
	in      *stream.Reader
	out     *stream.Writer
	codec   stream.Codec
	logger  *slog.Logger
	ev      eval.Evaluator

	state  *State
	ddocs  *ddoc.Cache
	mime   *mime.Provider
	render *render.Engine

	options      map[string]any
	commands     map[string]handler
	ddocCommands map[string]ddocHandler

	logLimiter *rate.Limiter
	logDropped int
}

// Config carries everything the binary resolves before the loop starts.
type Config struct {
	Version   protocol.Version
	In        io.Reader
	Out       io.Writer
	Codec     stream.Codec
	Logger    *slog.Logger
	Evaluator eval.Evaluator
	// Options holds engine-level settings that are not query config, e.g.
	// allow_get_update.
	Options map[string]any
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cache, err := ddoc.NewCache(logger)
	if err != nil {
		return nil, err
	}
	in := stream.NewReader(cfg.In, cfg.Codec)
	out := stream.NewWriter(cfg.Out, cfg.Codec, logger)
	provider := mime.NewProvider()

	s := &Server{
		version:    cfg.Version,
		in:         in,
		out:        out,
		codec:      cfg.Codec,
		logger:     logger,
		ev:         cfg.Evaluator,
		state:      NewState(),
		ddocs:      cache,
		mime:       provider,
		render:     render.NewEngine(in, out, cfg.Codec, provider, logger),
		options:    cfg.Options,
		logLimiter: rate.NewLimiter(rate.Limit(logRateLimit), logRateBurst),
	}
	if s.options == nil {
		s.options = make(map[string]any)
	}
	s.commands = s.commandTable()
	s.ddocCommands = ddocCommandTable(s.version)
	return s, nil
}

// commandTable builds the dispatch table for the active version. The shape
// is stable across versions; the contents are gated.
func (s *Server) commandTable() map[string]handler {
	table := map[string]handler{
		"reset":    s.cmdReset,
		"add_fun":  s.cmdAddFun,
		"map_doc":  s.cmdMapDoc,
		"reduce":   s.cmdReduce,
		"rereduce": s.cmdRereduce,
	}
	switch {
	case s.version.Before(0, 10, 0):
		table["show_doc"] = s.cmdShowDoc
		table["list_begin"] = s.cmdListBegin
		table["list_row"] = s.cmdListRow
		table["list_tail"] = s.cmdListTail
		table["validate"] = s.cmdValidate
	case s.version.Before(0, 11, 0):
		table["show"] = s.cmdShow
		table["list"] = s.cmdList
		table["update"] = s.cmdUpdate
		table["filter"] = s.cmdFilter
		table["validate"] = s.cmdValidate
	default:
		table["ddoc"] = s.cmdDDoc
	}
	if s.version.AtLeast(1, 1, 0) {
		table["add_lib"] = s.cmdAddLib
	}
	return table
}

// Run is the main loop: one frame in, one response out (streaming list
// frames aside), until end of input. Returns the process exit code.
func (s *Server) Run() int {
	s.logger.Info("view server started", "version", s.version.String(),
		"json", s.codec.Name())
	for {
		frame, n, err := s.in.ReadFrame()
		if err == io.EOF {
			s.logger.Info("input stream closed, exiting")
			return 0
		}
		if err != nil {
			_ = s.respond(protocol.ErrorEnvelope(s.version, err))
			return 1
		}
		s.state.LineLength = n

		result, err := s.dispatch(frame)
		if err == nil {
			if _, skip := result.(noFrame); !skip {
				if werr := s.respond(result); werr != nil {
					_ = s.respond(protocol.ErrorEnvelope(s.version, werr))
					return 1
				}
			}
			continue
		}

		_ = s.respond(protocol.ErrorEnvelope(s.version, err))
		var qsErr *protocol.Error
		var forbidden *protocol.Forbidden
		var fatal *protocol.FatalError
		switch {
		case errors.As(err, &forbidden):
			s.logger.Warn("operation forbidden", "reason", forbidden.Reason)
		case errors.As(err, &qsErr):
			s.logger.Error("command failed", "id", qsErr.ID, "reason", qsErr.Reason)
		case errors.As(err, &fatal):
			s.logger.Error("fatal error, exiting", "id", fatal.ID, "reason", fatal.Reason)
			return 1
		default:
			s.logger.Error("unexpected error, exiting", "err", err)
			return 1
		}
	}
}

// dispatch routes one decoded frame. Panics out of handler plumbing are
// demoted to native errors so the loop can report them before dying.
func (s *Server) dispatch(frame any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eval.RecoveredError(r)
		}
	}()
	cmd, ok := frame.([]any)
	if !ok || len(cmd) == 0 {
		return nil, fmt.Errorf("command frame expected, got %v", frame)
	}
	name, ok := cmd[0].(string)
	if !ok {
		return nil, fmt.Errorf("command name expected, got %v", cmd[0])
	}
	s.logger.Debug("processing command", "command", name)
	h, ok := s.commands[name]
	if !ok {
		return nil, protocol.Fatalf("unknown_command", "unknown command %s", name)
	}
	return h(cmd[1:])
}

func (s *Server) respond(v any) error {
	return s.out.WriteFrame(v)
}

// wireLog is the log() capability: ship a message to the host's couch
// log, throttled, JSON-encoding non-string payloads.
func (s *Server) wireLog(msg any) {
	if !s.logLimiter.Allow() {
		s.logDropped++
		s.logger.Debug("wire log dropped", "total_dropped", s.logDropped)
		return
	}
	text, ok := msg.(string)
	if !ok {
		if msg == nil {
			text = "Error: attempting to log message of nil"
		} else if data, err := s.codec.Marshal(msg); err == nil {
			text = string(data)
		} else {
			text = fmt.Sprint(msg)
		}
	}
	_ = s.respond(protocol.LogEnvelope(s.version, text))
}

// compile builds the capability namespace for the active version and hands
// the source to the evaluator. When tree is non-nil the namespace gains a
// require rooted at it.
func (s *Server) compile(source string, tree map[string]any) (eval.Handle, error) {
	env := s.baseEnv()
	if tree != nil {
		env.Require = ddoc.NewResolver(tree, s.ev, env).RequireFunc()
	}
	return s.ev.Compile(source, env)
}

func (s *Server) baseEnv() eval.Env {
	env := eval.Env{
		Log: s.wireLog,
		JSONEncode: func(v any) (string, error) {
			data, err := s.codec.Marshal(v)
			return string(data), err
		},
		JSONDecode: func(text string) (any, error) {
			var v any
			err := s.codec.Unmarshal([]byte(text), &v)
			return v, err
		},
	}
	if s.version.AtLeast(0, 10, 0) {
		env.Start = s.render.Start
		env.Send = s.render.Send
		env.GetRow = s.render.GetRow
		env.Provides = s.mime.Provides
		env.RegisterType = s.mime.RegisterType
	} else {
		env.ResponseWith = s.render.ResponseWith
		env.RegisterType = s.mime.RegisterType
	}
	return env
}

func (s *Server) allowGetUpdate() bool {
	if v, ok := s.state.QueryConfig["allow_get_update"]; ok {
		return truthy(v)
	}
	return truthy(s.options["allow_get_update"])
}

// ── 0.10.x top-level render commands ──

func (s *Server) cmdShow(args []any) (any, error) {
	source, err := stringArg(args, 0, "show")
	if err != nil {
		return nil, err
	}
	fn, err := s.compile(source, nil)
	if err != nil {
		return nil, err
	}
	doc, _ := argAt(args, 1).(map[string]any)
	req, _ := argAt(args, 2).(map[string]any)
	return s.render.RunShow(fn, doc, req)
}

func (s *Server) cmdList(args []any) (any, error) {
	fn, err := s.firstFunction()
	if err != nil {
		return nil, err
	}
	head, _ := argAt(args, 0).(map[string]any)
	req, _ := argAt(args, 1).(map[string]any)
	if err := s.render.RunList(fn, head, req); err != nil {
		return nil, err
	}
	return noFrame{}, nil
}

func (s *Server) cmdUpdate(args []any) (any, error) {
	source, err := stringArg(args, 0, "update")
	if err != nil {
		return nil, err
	}
	fn, err := s.compile(source, nil)
	if err != nil {
		return nil, err
	}
	doc, _ := argAt(args, 1).(map[string]any)
	req, _ := argAt(args, 2).(map[string]any)
	return s.render.RunUpdate(fn, doc, req, s.allowGetUpdate())
}

// ── 0.9.x legacy render commands ──

func (s *Server) cmdShowDoc(args []any) (any, error) {
	source, err := stringArg(args, 0, "show_doc")
	if err != nil {
		return nil, err
	}
	fn, err := s.compile(source, nil)
	if err != nil {
		return nil, err
	}
	doc, _ := argAt(args, 1).(map[string]any)
	req, _ := argAt(args, 2).(map[string]any)
	return s.render.RenderFunction(fn, anyArg(doc), req)
}

func (s *Server) cmdListBegin(args []any) (any, error) {
	fn, err := s.firstFunction()
	if err != nil {
		return nil, err
	}
	head, _ := argAt(args, 0).(map[string]any)
	req, _ := argAt(args, 1).(map[string]any)
	return s.render.RunListBegin(fn, s.state.RowLine, head, req)
}

func (s *Server) cmdListRow(args []any) (any, error) {
	fn, err := s.firstFunction()
	if err != nil {
		return nil, err
	}
	row, _ := argAt(args, 0).(map[string]any)
	req, _ := argAt(args, 1).(map[string]any)
	return s.render.RunListRow(fn, s.state.RowLine, row, req)
}

func (s *Server) cmdListTail(args []any) (any, error) {
	fn, err := s.firstFunction()
	if err != nil {
		return nil, err
	}
	req, _ := argAt(args, 0).(map[string]any)
	return s.render.RunListTail(fn, s.state.RowLine, req)
}

func (s *Server) firstFunction() (eval.Handle, error) {
	if len(s.state.Functions) == 0 {
		return nil, protocol.Errorf("list_error", "no list function registered")
	}
	return s.state.Functions[0], nil
}

// ── argument helpers ──

func stringArg(args []any, i int, command string) (string, error) {
	if i < len(args) {
		if str, ok := args[i].(string); ok {
			return str, nil
		}
	}
	return "", argError(command, i)
}

func argError(command string, i int) error {
	return fmt.Errorf("%s: argument %d missing or of wrong type", command, i)
}

func isProtocolError(err error) bool {
	var qsErr *protocol.Error
	var fatal *protocol.FatalError
	var forbidden *protocol.Forbidden
	return errors.As(err, &qsErr) || errors.As(err, &fatal) || errors.As(err, &forbidden)
}

func anyArg(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
