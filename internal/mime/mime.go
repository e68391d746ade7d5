// Package mime is the content-negotiation mini-engine behind the provides
// capability: Accept-header matching over mime types registered under short
// keys, with the selection rules show and list functions rely on.
package mime

import (
	"sort"
	"strconv"
	"strings"

	"github.com/couchqs/couchqs/internal/protocol"
)

// defaultTypes is the stock key → media-types table, same set the Rails
// mime registry popularized.
var defaultTypes = []struct {
	key   string
	mimes []string
}{
	{"all", []string{"*/*"}},
	{"text", []string{"text/plain; charset=utf-8", "txt"}},
	{"html", []string{"text/html; charset=utf-8"}},
	{"xhtml", []string{"application/xhtml+xml", "xhtml"}},
	{"xml", []string{"application/xml", "text/xml", "application/x-xml"}},
	{"js", []string{"text/javascript", "application/javascript", "application/x-javascript"}},
	{"css", []string{"text/css"}},
	{"ics", []string{"text/calendar"}},
	{"csv", []string{"text/csv"}},
	{"rss", []string{"application/rss+xml"}},
	{"atom", []string{"application/atom+xml"}},
	{"yaml", []string{"application/x-yaml", "text/yaml"}},
	{"multipart_form", []string{"multipart/form-data"}},
	{"url_encoded_form", []string{"application/x-www-form-urlencoded"}},
	{"json", []string{"application/json", "text/x-json"}},
}

// Provider is the per-render provides registry plus the process-wide type
// table. Registered types accumulate; ResetProvides clears only the
// provider functions and the negotiated content type between render calls.
type Provider struct {
	mimesByKey      map[string][]string
	keysByMime      map[string]string
	funcsByKey      map[string]any
	funcOrder       []string
	respContentType string
}

func NewProvider() *Provider {
	p := &Provider{
		mimesByKey: make(map[string][]string),
		keysByMime: make(map[string]string),
		funcsByKey: make(map[string]any),
	}
	for _, t := range defaultTypes {
		p.RegisterType(t.key, t.mimes...)
	}
	return p
}

// RegisterType maps a short key to an ordered list of full media types and
// records the inverse mapping.
func (p *Provider) RegisterType(key string, mimes ...string) {
	p.mimesByKey[key] = mimes
	for _, m := range mimes {
		p.keysByMime[m] = key
	}
}

// Provides registers a renderer under a mime key. fn is a 0-ary callable
// from user code; it is invoked through the evaluator's call machinery.
func (p *Provider) Provides(key string, fn any) {
	if _, ok := p.funcsByKey[key]; !ok {
		p.funcOrder = append(p.funcOrder, key)
	}
	p.funcsByKey[key] = fn
}

func (p *Provider) ProvidesUsed() bool { return len(p.funcsByKey) > 0 }

func (p *Provider) RespContentType() string { return p.respContentType }

// ResetProvides clears render-scoped state; the type table survives.
func (p *Provider) ResetProvides() {
	p.funcsByKey = make(map[string]any)
	p.funcOrder = nil
	p.respContentType = ""
}

// RunProvides picks a provider for req — query.format first, then Accept
// negotiation, then the first registered — invokes it and returns its
// result. A registered fallback key catches the no-match case; otherwise
// the result is Error("not_acceptable").
func (p *Provider) RunProvides(req map[string]any, fallback string, call func(fn any) (any, error)) (any, error) {
	accept := ""
	if headers, ok := req["headers"].(map[string]any); ok {
		accept, _ = headers["Accept"].(string)
	}

	bestkey := ""
	if query, ok := req["query"].(map[string]any); ok {
		bestkey, _ = query["format"].(string)
	}
	switch {
	case bestkey != "":
		if mimes, ok := p.mimesByKey[bestkey]; ok && len(mimes) > 0 {
			p.respContentType = mimes[0]
		}
	case accept != "":
		var supported []string
		for _, key := range p.funcOrder {
			supported = append(supported, p.mimesByKey[key]...)
		}
		p.respContentType = BestMatch(supported, accept)
		bestkey = p.keysByMime[p.respContentType]
	default:
		if len(p.funcOrder) > 0 {
			bestkey = p.funcOrder[0]
		}
	}

	if bestkey != "" {
		if fn, ok := p.funcsByKey[bestkey]; ok {
			return call(fn)
		}
	}
	if fallback != "" {
		if fn, ok := p.funcsByKey[fallback]; ok {
			if mimes, ok := p.mimesByKey[fallback]; ok && len(mimes) > 0 {
				p.respContentType = mimes[0]
			}
			return call(fn)
		}
	}

	var supported []string
	for key, mimes := range p.mimesByKey {
		if len(mimes) > 0 {
			supported = append(supported, strings.Join(mimes, ", "))
		} else {
			supported = append(supported, key)
		}
	}
	sort.Strings(supported)
	contentType := accept
	if contentType == "" {
		contentType = p.respContentType
	}
	if contentType == "" {
		contentType = bestkey
	}
	return nil, protocol.Errorf("not_acceptable",
		"Content-Type %s not supported, try one of:\n %s",
		contentType, strings.Join(supported, ","))
}

// ParseMimetype splits "type/subtype;k=v;..." into its components.
// Malformed inputs degrade instead of failing.
func ParseMimetype(mimetype string) (string, string, map[string]string) {
	parts := strings.Split(mimetype, ";")
	params := make(map[string]string)
	for _, item := range parts[1:] {
		if !strings.Contains(item, "=") {
			continue
		}
		kv := strings.SplitN(item, "=", 2)
		params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	fulltype := strings.TrimSpace(parts[0])
	if fulltype == "*" {
		fulltype = "*/*"
	}
	typ, sub, _ := strings.Cut(fulltype, "/")
	return typ, sub, params
}

// ParseMediaRange parses one Accept-header range. The q parameter is
// normalized: absent, negative or >= 1 becomes "1"; an explicit zero stays
// zero, which BestMatch treats as unacceptable.
func ParseMediaRange(r string) (string, string, map[string]string) {
	typ, sub, params := ParseMimetype(r)
	q, err := strconv.ParseFloat(params["q"], 64)
	if params["q"] == "" || err != nil || q < 0 || q >= 1 {
		params["q"] = "1"
	}
	return typ, sub, params
}

// FitnessAndQuality scores mimetype against a comma-separated header of
// media ranges: 100 for an exact type match, +10 for an exact subtype
// match, +1 per extra matching parameter. Wildcards match but score
// nothing.
func FitnessAndQuality(mimetype, header string) (int, float64) {
	baseType, baseSub, baseParams := ParseMediaRange(mimetype)
	bestFitness := -1
	bestQ := 0.0
	for _, item := range strings.Split(header, ",") {
		typ, sub, params := ParseMediaRange(item)
		typeMatch := typ == baseType || typ == "*" || baseType == "*"
		subMatch := sub == baseSub || sub == "*" || baseSub == "*"
		if !typeMatch || !subMatch {
			continue
		}
		fitness := 0
		if typ == baseType {
			fitness += 100
		}
		if sub == baseSub {
			fitness += 10
		}
		for k, v := range baseParams {
			if k != "q" && params[k] == v {
				fitness++
			}
		}
		if fitness > bestFitness {
			bestFitness = fitness
			q, err := strconv.ParseFloat(params["q"], 64)
			if err != nil {
				q = 0
			}
			bestQ = q
		}
	}
	return bestFitness, bestQ
}

// BestMatch returns the supported mime the header prefers. Candidates sort
// ascending by (fitness, q, index) and the last one wins — unless its
// quality is zero, in which case the result is empty even for a positive
// fitness. That quirk is load-bearing: hosts rely on "" to fall through.
func BestMatch(supported []string, header string) string {
	if len(supported) == 0 {
		return ""
	}
	type weighted struct {
		fitness int
		q       float64
		index   int
		mime    string
	}
	ws := make([]weighted, 0, len(supported))
	for i, m := range supported {
		fitness, q := FitnessAndQuality(m, header)
		ws = append(ws, weighted{fitness, q, i, m})
	}
	sort.Slice(ws, func(a, b int) bool {
		if ws[a].fitness != ws[b].fitness {
			return ws[a].fitness < ws[b].fitness
		}
		if ws[a].q != ws[b].q {
			return ws[a].q < ws[b].q
		}
		return ws[a].index < ws[b].index
	})
	best := ws[len(ws)-1]
	if best.q == 0 {
		return ""
	}
	return best.mime
}
