// Package stream frames the engine's side of the wire: newline-delimited
// JSON values over a pair of byte streams owned by the host.
package stream

import (
	"fmt"

	"github.com/bytedance/sonic"
	segjson "github.com/segmentio/encoding/json"

	stdjson "encoding/json"
)

// Codec is a pluggable JSON implementation. The --json-module flag selects
// one at startup; every frame and every reduce-size measurement goes
// through it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// SelectCodec resolves a codec by the --json-module flag value. An empty
// name selects the default (segmentio).
func SelectCodec(name string) (Codec, error) {
	switch name {
	case "", "segmentio":
		return segmentioCodec{}, nil
	case "sonic":
		return sonicCodec{}, nil
	case "std":
		return stdCodec{}, nil
	}
	return nil, fmt.Errorf("unknown json module %q (supported: segmentio, sonic, std)", name)
}

type segmentioCodec struct{}

func (segmentioCodec) Name() string                        { return "segmentio" }
func (segmentioCodec) Marshal(v any) ([]byte, error)       { return segjson.Marshal(v) }
func (segmentioCodec) Unmarshal(data []byte, v any) error  { return segjson.Unmarshal(data, v) }

type sonicCodec struct{}

func (sonicCodec) Name() string                       { return "sonic" }
func (sonicCodec) Marshal(v any) ([]byte, error)      { return sonic.Marshal(v) }
func (sonicCodec) Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

type stdCodec struct{}

func (stdCodec) Name() string                       { return "std" }
func (stdCodec) Marshal(v any) ([]byte, error)      { return stdjson.Marshal(v) }
func (stdCodec) Unmarshal(data []byte, v any) error { return stdjson.Unmarshal(data, v) }
