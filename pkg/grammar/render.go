package grammar

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
)

// AuthTokenMarker is rendered in place of a refreshable_auth primitive and
// replaced with the current auth header block just before send.
const AuthTokenMarker = "_AUTHENTICATION_TOKEN_TAG_"

// ValueProvider supplies the ordered candidate values for a fuzzable
// primitive. Implemented by the dictionary candidate-values pool.
type ValueProvider interface {
	// Values returns the concrete candidates for p, composed from the
	// primitive's own values, the dictionary, registered generators, and
	// the baked-in default, in that order. An empty result is an
	// invalid-dictionary error.
	Values(p *Primitive) ([]string, error)
}

// RenderContext carries what rendering needs beyond the request itself.
type RenderContext struct {
	Pool ValueProvider
	// UUIDSuffix generates the suffix for custom_payload_uuid4_suffix
	// primitives. Nil means a fresh random uuid4-derived suffix; tests
	// install a deterministic source.
	UUIDSuffix func() string
}

func (rc *RenderContext) uuidSuffix() string {
	if rc.UUIDSuffix != nil {
		return rc.UUIDSuffix()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Rendering is one concrete combination of a request's fuzzable values.
type Rendering struct {
	// Data is the rendered payload. Dynamic readers appear as reader
	// placeholders; the auth slot appears as AuthTokenMarker.
	Data string
	// CombinationID identifies this combination, starting at 1.
	CombinationID int
	// Parser is the request's response parser, carried along so callers
	// hold a single handle per send.
	Parser *ResponseParser
	// WriterVariables maps dynamic variable names to the values this
	// rendering assigns via primitive writers. Bound into the dependency
	// table only after a valid response.
	WriterVariables map[string]string
	// TrackedParameters records the chosen value per fuzzable slot for
	// logging.
	TrackedParameters map[string]string
}

// RenderIter enumerates a request's rendering combinations in a stable
// order: the Cartesian product of the fuzzable primitives' candidate
// lists, rightmost position varying fastest.
type RenderIter struct {
	req *Request
	rc  *RenderContext

	values [][]string // candidates per fuzzable position, in order
	total    int        // product size; 0 when no fuzzables (one combination)
	next     int        // zero-based index of the next combination
	max      int        // yield no combination with id > max; 0 = unbounded
}

// NewRenderIter prepares the iterator. skip fast-forwards past the first
// skip combinations; maxCombinations bounds the highest combination id
// yielded (0 means unbounded). The request's combination cursor is aligned
// with skip.
func (r *Request) NewRenderIter(rc *RenderContext, skip, maxCombinations int) (*RenderIter, error) {
	it := &RenderIter{req: r, rc: rc, next: skip, max: maxCombinations}
	for i := range r.Primitives {
		p := &r.Primitives[i]
		if !p.IsFuzzable() {
			continue
		}
		vals, err := rc.Pool.Values(p)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		it.values = append(it.values, vals)
	}
	it.total = 1
	for _, vals := range it.values {
		it.total *= len(vals)
	}
	r.combinationID = skip + 1
	return it, nil
}

// Next yields the next combination, or ok=false when the space or the
// budget is exhausted. Each yield advances the request's combination
// cursor, so ids strictly increase within one iterator; a new iterator
// realigns the cursor with its skip.
func (it *RenderIter) Next() (*Rendering, bool) {
	if it.next >= it.total {
		return nil, false
	}
	id := it.next + 1
	if it.max > 0 && id > it.max {
		return nil, false
	}
	rendering := it.renderAt(it.next, id)
	it.next++
	it.req.combinationID = id + 1
	return rendering, true
}

// Skip advances past the current combination without rendering it. The
// skipped id is never revisited. Returns false when the space or the
// budget is exhausted.
func (it *RenderIter) Skip() bool {
	if it.next >= it.total {
		return false
	}
	id := it.next + 1
	if it.max > 0 && id > it.max {
		return false
	}
	it.next++
	it.req.combinationID = id + 1
	return true
}

// renderAt materializes the zero-based combination index n.
func (it *RenderIter) renderAt(n, id int) *Rendering {
	// Decompose n into mixed-radix digits, rightmost fastest.
	choice := make([]int, len(it.values))
	for i := len(it.values) - 1; i >= 0; i-- {
		size := len(it.values[i])
		choice[i] = n % size
		n /= size
	}

	rendering := &Rendering{
		CombinationID:     id,
		Parser:            it.req.Parser,
		WriterVariables:   make(map[string]string),
		TrackedParameters: make(map[string]string),
	}

	var b strings.Builder
	slot := 0
	for i := range it.req.Primitives {
		p := &it.req.Primitives[i]
		if !p.IsFuzzable() {
			b.WriteString(renderStatic(p))
			continue
		}
		value := it.values[slot][choice[slot]]
		if p.Type == CustomPayloadUUIDSuffix {
			value += it.rc.uuidSuffix()
		}
		if p.Writer != "" {
			rendering.WriterVariables[p.Writer] = value
		}
		rendering.TrackedParameters[trackedName(p, slot)] = value
		if p.Quoted {
			value = `"` + value + `"`
		}
		b.WriteString(value)
		slot++
	}
	rendering.Data = b.String()
	return rendering
}

// RenderCurrent re-renders the most recently yielded combination without
// touching the cursor. Before any yield it renders the first combination.
func (r *Request) RenderCurrent(rc *RenderContext) (*Rendering, error) {
	id := r.combinationID - 1
	if id < 1 {
		id = 1
	}
	it := &RenderIter{req: r, rc: rc}
	for i := range r.Primitives {
		p := &r.Primitives[i]
		if !p.IsFuzzable() {
			continue
		}
		vals, err := rc.Pool.Values(p)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		it.values = append(it.values, vals)
	}
	it.total = 1
	for _, vals := range it.values {
		it.total *= len(vals)
	}
	if id > it.total {
		return nil, fmt.Errorf("request %s: combination %d out of range", r.ID, id)
	}
	return it.renderAt(id-1, id), nil
}

// NumCombinations returns the size of the request's combination space
// under the given pool.
func (r *Request) NumCombinations(rc *RenderContext) (int, error) {
	total := 1
	for i := range r.Primitives {
		p := &r.Primitives[i]
		if !p.IsFuzzable() {
			continue
		}
		vals, err := rc.Pool.Values(p)
		if err != nil {
			return 0, err
		}
		total *= len(vals)
	}
	return total, nil
}

func renderStatic(p *Primitive) string {
	switch p.Type {
	case StaticString, Basepath:
		return p.Value
	case DynamicReader:
		marker := dependencies.Marker(p.Variable)
		if p.Quoted {
			return `"` + marker + `"`
		}
		return marker
	case RefreshableAuth:
		return AuthTokenMarker
	}
	return ""
}

func trackedName(p *Primitive, slot int) string {
	if p.Tag != "" {
		return p.Tag
	}
	return fmt.Sprintf("%s_%d", p.Type, slot)
}
