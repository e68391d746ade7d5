package server

import (
	"reflect"

	"github.com/couchqs/couchqs/internal/protocol"
)

// cmdMapDoc applies every registered map function to the document and
// returns the per-function key/value lists in registration order. A map
// function that mutates its document does not leak the mutation into the
// next function: the document is restored from a deep copy.
func (s *Server) cmdMapDoc(args []any) (any, error) {
	if len(args) < 1 {
		return nil, argError("map_doc", 0)
	}
	doc, _ := args[0].(map[string]any)
	docid, _ := doc["_id"].(string)
	s.logger.Debug("running map functions", "doc_id", docid)

	orig := deepCopy(doc).(map[string]any)
	results := make([]any, 0, len(s.state.Functions))
	for idx, fn := range s.state.Functions {
		out, err := fn.Call(doc)
		if err != nil {
			if isProtocolError(err) {
				return nil, err
			}
			return nil, protocol.Errorf(protocol.ErrorName(err),
				"Map function raised error for doc._id `%s`\n%s\n",
				docid, s.state.FunctionsSrc[idx])
		}
		pairs, perr := emittedPairs(out)
		if perr != nil {
			id := protocol.ErrorName(perr)
			if pe, ok := perr.(*protocol.Error); ok {
				id = pe.ID
			}
			return nil, protocol.Errorf(id,
				"Map function raised error for doc._id `%s`\n%s\n",
				docid, s.state.FunctionsSrc[idx])
		}
		results = append(results, pairs)
		if !reflect.DeepEqual(doc, orig) {
			s.logger.Warn("map function changed the document; restored",
				"doc_id", docid)
			doc = deepCopy(orig).(map[string]any)
		}
	}
	return results, nil
}

// cmdReduce runs each reduce source over the key/value pairs.
func (s *Server) cmdReduce(args []any) (any, error) {
	sources, kvs, err := reduceArgs(args)
	if err != nil {
		return nil, err
	}
	return s.runReduce(sources, kvs, false)
}

// cmdRereduce runs each reduce source over previous reduction values.
func (s *Server) cmdRereduce(args []any) (any, error) {
	sources, values, err := reduceArgs(args)
	if err != nil {
		return nil, err
	}
	return s.runReduce(sources, values, true)
}

func reduceArgs(args []any) ([]any, []any, error) {
	if len(args) < 2 {
		return nil, nil, argError("reduce", len(args))
	}
	sources, ok := args[0].([]any)
	if !ok {
		return nil, nil, argError("reduce", 0)
	}
	kvs, ok := args[1].([]any)
	if !ok {
		return nil, nil, argError("reduce", 1)
	}
	return sources, kvs, nil
}

func (s *Server) runReduce(sources, kvs []any, rereduce bool) (any, error) {
	// In rereduce mode kvs is already a flat value list. Otherwise unzip;
	// an empty kvs unzips to two empty lists rather than failing.
	var keys, values []any
	if rereduce {
		keys, values = nil, kvs
	} else {
		keys, values = make([]any, 0, len(kvs)), make([]any, 0, len(kvs))
		for _, item := range kvs {
			kv, ok := item.([]any)
			if !ok || len(kv) != 2 {
				return nil, protocol.Errorf("reduce_error",
					"key/value pairs expected, got %v", item)
			}
			keys = append(keys, kv[0])
			values = append(values, kv[1])
		}
	}
	callArgs := []any{keys, values, rereduce}

	reductions := make([]any, 0, len(sources))
	for _, srcAny := range sources {
		source, ok := srcAny.(string)
		if !ok {
			return nil, protocol.Errorf("reduce_error",
				"reduce function source expected, got %v", srcAny)
		}
		fn, err := s.compile(source, nil)
		if err != nil {
			return nil, err
		}
		arity := fn.Arity()
		if arity > len(callArgs) {
			arity = len(callArgs)
		}
		result, err := fn.Call(callArgs[:arity]...)
		if err != nil {
			if isProtocolError(err) {
				return nil, err
			}
			return nil, protocol.Errorf(protocol.ErrorName(err),
				"Reduce function raised an error: %s\n:\n%s", source, err)
		}
		reductions = append(reductions, result)
	}

	if s.state.ReduceLimited() {
		if err := s.checkReduceOverflow(reductions, kvs); err != nil {
			return nil, err
		}
	}
	return []any{true, reductions}, nil
}

// checkReduceOverflow enforces the shrink policy: an encoded output over
// 200 bytes must be at most half the length of the encoded input.
func (s *Server) checkReduceOverflow(reductions, kvs []any) error {
	line, err := s.codec.Marshal(reductions)
	if err != nil {
		return protocol.Fatalf("json_encode", "%s", err)
	}
	if len(line) <= 200 {
		return nil
	}
	input, err := s.codec.Marshal(kvs)
	if err != nil {
		return protocol.Fatalf("json_encode", "%s", err)
	}
	if len(line)*2 > len(input) {
		preview := line
		if len(preview) > 100 {
			preview = preview[:100]
		}
		s.logger.Error("reduce output exceeds limit",
			"output_len", len(line), "input_len", len(input))
		return protocol.Errorf("reduce_overflow_error",
			"Reduce output must shrink more rapidly:\n"+
				"Current output: '%s'... (first 100 of %d bytes)",
			preview, len(line))
	}
	return nil
}

// emittedPairs normalizes a map function's output into a list of [key,
// value] pairs. nil means no emissions; anything that is not a sequence of
// two-element sequences is an error.
func emittedPairs(out any) ([]any, error) {
	if out == nil {
		return []any{}, nil
	}
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, protocol.Errorf("TypeError",
			"map function must return a sequence of key/value pairs")
	}
	pairs := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		item := reflect.ValueOf(v.Index(i).Interface())
		if !item.IsValid() ||
			(item.Kind() != reflect.Slice && item.Kind() != reflect.Array) ||
			item.Len() != 2 {
			return nil, protocol.Errorf("TypeError",
				"map function emission must be a [key, value] pair")
		}
		pairs = append(pairs, []any{
			item.Index(0).Interface(),
			item.Index(1).Interface(),
		})
	}
	return pairs, nil
}

// deepCopy clones a JSON-shaped value (maps, slices, scalars).
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// truthy follows the conventions user predicates rely on: nil, false,
// zero, the empty string and empty containers are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
