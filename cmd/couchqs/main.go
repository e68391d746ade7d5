// couchqs is a CouchDB view server: a subordinate process the database
// spawns and drives over stdin/stdout with newline-delimited JSON
// commands, compiling and running design functions written as Go function
// literals.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/couchqs/couchqs/internal/eval"
	"github.com/couchqs/couchqs/internal/protocol"
	"github.com/couchqs/couchqs/internal/server"
	"github.com/couchqs/couchqs/internal/stream"
)

const version = "1.0.0"

type options struct {
	CouchDBVersion string `long:"couchdb-version" value-name:"X.Y.Z" description:"CouchDB server version to speak the wire protocol of (default: latest)"`
	LogFile        string `long:"log-file" value-name:"PATH" description:"write process log messages to PATH, or '-' for stderr"`
	Debug          bool   `long:"debug" description:"enable debug logging; requires --log-file"`
	JSONModule     string `long:"json-module" value-name:"NAME" description:"JSON implementation: segmentio (default), sonic or std"`
	Version        bool   `long:"version" description:"display version information and exit"`
	AllowGetUpdate bool   `long:"allow-get-update" description:"permit GET requests to update functions"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS]\n\nRuns the CouchDB view server over stdin/stdout.\nThe exit status is 0 for success or 1 for failure."
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			fmt.Println(err)
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s\n\nTry `%s --help` for more information.\n",
			err, os.Args[0])
		return 1
	}
	if opts.Version {
		fmt.Printf("couchqs %s\n", version)
		return 0
	}

	logger, closeLog, err := buildLogger(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	couchVersion := protocol.Latest
	if opts.CouchDBVersion != "" {
		couchVersion, err = protocol.ParseVersion(opts.CouchDBVersion)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	codec, err := stream.SelectCodec(opts.JSONModule)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	engineOpts := map[string]any{}
	if opts.AllowGetUpdate {
		engineOpts["allow_get_update"] = true
	}

	srv, err := server.New(server.Config{
		Version:   couchVersion,
		In:        os.Stdin,
		Out:       os.Stdout,
		Codec:     codec,
		Logger:    logger,
		Evaluator: eval.NewGoEvaluator(logger),
		Options:   engineOpts,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return srv.Run()
}

// buildLogger wires --log-file and --debug. Without --log-file the process
// log is discarded; stdout is never an option, it carries the wire.
func buildLogger(opts options) (*slog.Logger, func(), error) {
	if opts.LogFile == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	if opts.LogFile == "-" {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return slog.New(h), func() {}, nil
	}
	f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}
	h := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(h), func() { _ = f.Close() }, nil
}
