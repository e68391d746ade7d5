package stream

import (
	"bufio"
	"io"
	"log/slog"

	"github.com/couchqs/couchqs/internal/protocol"
)

// Reader decodes newline-delimited JSON frames from the host. It remembers
// the byte length of the last frame (newline included); the server records
// it as the state's line length.
type Reader struct {
	br      *bufio.Reader
	codec   Codec
	lastLen int
}

func NewReader(r io.Reader, codec Codec) *Reader {
	return &Reader{br: bufio.NewReader(r), codec: codec}
}

// ReadFrame blocks for one complete line, decodes it and returns the value
// with its byte length. End of stream surfaces as io.EOF; malformed JSON is
// a FatalError("json_decode").
func (r *Reader) ReadFrame() (any, int, error) {
	line, err := r.br.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil {
			err = io.EOF
		}
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, protocol.Fatalf("json_decode", "reading input: %s", err)
	}
	// A final unterminated line is still a frame; the next read reports EOF.
	r.lastLen = len(line)
	var v any
	if err := r.codec.Unmarshal(line, &v); err != nil {
		return nil, r.lastLen, protocol.Fatalf("json_decode", "invalid JSON frame: %s", err)
	}
	return v, r.lastLen, nil
}

// LastLength returns the byte length of the most recently read frame.
func (r *Reader) LastLength() int { return r.lastLen }

// Writer encodes values as single-line JSON frames and flushes after each.
type Writer struct {
	bw     *bufio.Writer
	codec  Codec
	logger *slog.Logger
}

func NewWriter(w io.Writer, codec Codec, logger *slog.Logger) *Writer {
	return &Writer{bw: bufio.NewWriter(w), codec: codec, logger: logger}
}

// WriteFrame encodes v, appends the newline and flushes. Encoding failures
// are FatalError("json_encode"). Write errors are swallowed: they mean the
// host died, and the next read will terminate the loop.
func (w *Writer) WriteFrame(v any) error {
	data, err := w.codec.Marshal(v)
	if err != nil {
		w.logger.Error("cannot encode response frame", "err", err)
		return protocol.Fatalf("json_encode", "%s", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		w.logger.Debug("write to closed output stream", "err", err)
		return nil
	}
	_ = w.bw.WriteByte('\n')
	if err := w.bw.Flush(); err != nil {
		w.logger.Debug("flush to closed output stream", "err", err)
	}
	return nil
}
