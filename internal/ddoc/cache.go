// Package ddoc holds the design-document cache and the require module
// resolver that operates over cached document trees.
package ddoc

import (
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/couchqs/couchqs/internal/protocol"
)

// cacheSize bounds the number of design documents kept per process. When
// it is exceeded the least recently used document is evicted together with
// its memoized compilations; a later lookup of an evicted id fails as for
// an id that was never installed.
const cacheSize = 64

// ddocSchema is the structural contract for installed design documents.
// It is intentionally loose — a ddoc is free-form — but a non-object
// document or a non-string _id is a host protocol violation.
const ddocSchema = `{
	"type": "object",
	"properties": {
		"_id": {"type": "string"},
		"language": {"type": "string"}
	}
}`

// Cache stores parsed design documents keyed by id. reset never touches
// it; only ddoc new writes to it.
type Cache struct {
	docs   *lru.Cache[string, map[string]any]
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewCache(logger *slog.Logger) (*Cache, error) {
	docs, err := lru.New[string, map[string]any](cacheSize)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ddocSchema))
	if err != nil {
		return nil, fmt.Errorf("ddoc schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ddoc.json", doc); err != nil {
		return nil, fmt.Errorf("ddoc schema: %w", err)
	}
	schema, err := compiler.Compile("ddoc.json")
	if err != nil {
		return nil, fmt.Errorf("ddoc schema: %w", err)
	}
	return &Cache{docs: docs, schema: schema, logger: logger}, nil
}

// Install validates and caches a design document under id, overwriting any
// previous install. The stored document's _id is pinned to the supplied id.
func (c *Cache) Install(id string, doc map[string]any) error {
	if err := c.schema.Validate(any(doc)); err != nil {
		return protocol.Fatalf("query_protocol_error",
			"invalid design document `%s`: %s", id, err)
	}
	doc["_id"] = id
	c.logger.Debug("cache design document", "id", id)
	c.docs.Add(id, doc)
	return nil
}

// Get returns the cached document for id.
func (c *Cache) Get(id string) (map[string]any, bool) {
	return c.docs.Get(id)
}

// WalkResult points at a leaf inside a ddoc tree together with its parent,
// so callers can memoize a compiled handle in place.
type WalkResult struct {
	Parent map[string]any
	Key    string
	Leaf   any
}

// Walk descends doc along path. A missing step is Error("not_found").
func Walk(id string, doc map[string]any, path []string) (WalkResult, error) {
	var parent map[string]any
	var key string
	var point any = doc
	for _, item := range path {
		obj, ok := point.(map[string]any)
		if !ok {
			return WalkResult{}, missedFunc(item, id, path)
		}
		next, ok := obj[item]
		if !ok || next == nil {
			return WalkResult{}, missedFunc(item, id, path)
		}
		parent, key, point = obj, item, next
	}
	return WalkResult{Parent: parent, Key: key, Leaf: point}, nil
}

func missedFunc(item, id string, path []string) error {
	return protocol.Errorf("not_found",
		"Missed function `%s` in design doc `%s` by path: %s",
		item, id, strings.Join(path, "/"))
}
