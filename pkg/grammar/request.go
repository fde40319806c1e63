package grammar

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
)

// HexDef returns the stable content hash used throughout the engine to
// identify definitions: the sha1 hex digest of the input.
func HexDef(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ResponseParser describes how dynamic variables are extracted from a
// valid response. Writers maps variable names to gjson paths evaluated
// against the response JSON body; HeaderWriters maps variable names to
// response header names.
type ResponseParser struct {
	Writers       map[string]string `json:"writers,omitempty"`
	HeaderWriters map[string]string `json:"header_writers,omitempty"`
}

// ExampleSet carries the example payloads attached to a request.
type ExampleSet struct {
	// BodyExamples are full body payloads substituted by the examples
	// checker.
	BodyExamples []string `json:"body_examples,omitempty"`
	// QueryExamples are full query strings (without the leading '?').
	QueryExamples []string `json:"query_examples,omitempty"`
}

// Request is an ordered list of primitives keyed by request id
// (method + endpoint template), plus the derived dependency sets and the
// mutable rendering cursor.
type Request struct {
	ID         string       `json:"request_id"`
	Method     string       `json:"method"`
	Endpoint   string       `json:"endpoint"`
	Primitives []Primitive  `json:"primitives"`
	Parser     *ResponseParser `json:"response_parser,omitempty"`
	Examples   *ExampleSet  `json:"examples,omitempty"`
	// CreateOnce marks a preprocessing request executed exactly once; its
	// payload is prepended to every replay artifact that depends on it.
	CreateOnce bool `json:"create_once,omitempty"`
	// BodySchema names required body fields and leaf types for the
	// payload-body checker: field name -> json type ("string", "number",
	// "integer", "boolean", "object", "array").
	BodySchema map[string]string `json:"body_schema,omitempty"`

	hexDefinition     string
	methodEndpointHex string
	produces          map[string]bool
	consumes          map[string]bool

	// combinationID is the rendering cursor: the id of the next
	// combination RenderIter will yield, starting at 1.
	combinationID int
}

// finalize computes the derived attributes. Called by the loader.
func (r *Request) finalize() error {
	for i := range r.Primitives {
		if err := r.Primitives[i].validate(); err != nil {
			return fmt.Errorf("request %s primitive %d: %w", r.ID, i, err)
		}
	}

	r.produces = make(map[string]bool)
	r.consumes = make(map[string]bool)
	for i := range r.Primitives {
		p := &r.Primitives[i]
		if p.Writer != "" {
			r.produces[p.Writer] = true
		}
		if p.Type == DynamicReader {
			r.consumes[p.Variable] = true
		}
	}
	if r.Parser != nil {
		for name := range r.Parser.Writers {
			r.produces[name] = true
		}
		for name := range r.Parser.HeaderWriters {
			r.produces[name] = true
		}
	}
	for name := range r.produces {
		if r.consumes[name] {
			return fmt.Errorf("request %s both produces and consumes %q", r.ID, name)
		}
	}

	def, err := json.Marshal(struct {
		ID         string      `json:"request_id"`
		Method     string      `json:"method"`
		Endpoint   string      `json:"endpoint"`
		Primitives []Primitive `json:"primitives"`
	}{r.ID, r.Method, r.Endpoint, r.Primitives})
	if err != nil {
		return err
	}
	r.hexDefinition = HexDef(string(def))
	r.methodEndpointHex = HexDef(r.Method + " " + r.Endpoint)
	r.combinationID = 1
	return nil
}

// HexDefinition is the stable hash over the full request definition.
func (r *Request) HexDefinition() string { return r.hexDefinition }

// MethodEndpointHexDefinition hashes only method and endpoint.
func (r *Request) MethodEndpointHexDefinition() string { return r.methodEndpointHex }

// Produces returns the set of dynamic variables this request writes.
func (r *Request) Produces() map[string]bool { return r.produces }

// Consumes returns the set of dynamic variables this request reads.
func (r *Request) Consumes() map[string]bool { return r.consumes }

// IsDestructor reports whether the request deletes the objects it
// consumes.
func (r *Request) IsDestructor() bool {
	return strings.EqualFold(r.Method, "DELETE") && len(r.consumes) > 0
}

// IsConsumer reports whether the request reads any dynamic variable.
func (r *Request) IsConsumer() bool { return len(r.consumes) > 0 }

// EndpointNoDynamicObjects returns the endpoint with reader placeholders
// restored to their template form for logging.
func (r *Request) EndpointNoDynamicObjects() string {
	out := r.Endpoint
	for name := range r.consumes {
		out = strings.ReplaceAll(out, dependencies.Marker(name), "{"+name+"}")
	}
	return out
}

// CurrentCombinationID returns the id of the next combination the request
// will render. Ids start at 1 and only ever increase within a run.
func (r *Request) CurrentCombinationID() int { return r.combinationID }

// LastRenderedCombinationID returns the id of the combination most
// recently yielded, or 0 when none has been.
func (r *Request) LastRenderedCombinationID() int { return r.combinationID - 1 }

// AdvanceCombination skips the current combination without rendering it,
// preserving monotonically increasing ids.
func (r *Request) AdvanceCombination() { r.combinationID++ }

// ResetCombination rewinds the cursor to the first combination. Only used
// when a request copy is re-fuzzed in a fresh context (checkers clone
// requests before doing this).
func (r *Request) ResetCombination() { r.combinationID = 1 }

// Clone returns a copy with an independent rendering cursor. The primitive
// slice is shared; primitives are immutable after load.
func (r *Request) Clone() *Request {
	dup := *r
	return &dup
}

// SortedVars returns the elements of a variable set in stable order.
func SortedVars(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Intersects reports whether two variable sets share an element.
func Intersects(a, b map[string]bool) bool {
	for name := range a {
		if b[name] {
			return true
		}
	}
	return false
}

// Difference returns the elements of a not present in b.
func Difference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for name := range a {
		if !b[name] {
			out[name] = true
		}
	}
	return out
}

// SameSet reports whether two variable sets are equal.
func SameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}

// Union merges variable sets into a new set.
func Union(sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, set := range sets {
		for name := range set {
			out[name] = true
		}
	}
	return out
}

// Subset reports whether every element of a is in b.
func Subset(a, b map[string]bool) bool {
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}
