package grammar

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
)

// staticPool returns fixed candidate lists per primitive type.
type staticPool struct {
	values map[PrimitiveType][]string
}

func (p *staticPool) Values(prim *Primitive) ([]string, error) {
	if prim.Type == FuzzableGroup {
		return prim.Values, nil
	}
	if vals, ok := p.values[prim.Type]; ok {
		return vals, nil
	}
	if prim.Value != "" {
		return []string{prim.Value}, nil
	}
	return nil, fmt.Errorf("no values for %s", prim.Type)
}

func buildRequest(t *testing.T, prims ...Primitive) *Request {
	t.Helper()
	req := &Request{ID: "/A/{a}", Method: "GET", Endpoint: "/A", Primitives: prims}
	require.NoError(t, req.finalize())
	return req
}

func TestRenderIter_EnumerationOrder(t *testing.T) {
	// Two fuzzable slots: the rightmost varies fastest.
	req := buildRequest(t,
		Primitive{Type: StaticString, Value: "GET /"},
		Primitive{Type: FuzzableGroup, Tag: "g1", Values: []string{"a", "b"}},
		Primitive{Type: StaticString, Value: "/"},
		Primitive{Type: FuzzableGroup, Tag: "g2", Values: []string{"1", "2"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	iter, err := req.NewRenderIter(rc, 0, 0)
	require.NoError(t, err)

	var got []string
	var ids []int
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		got = append(got, r.Data)
		ids = append(ids, r.CombinationID)
	}
	assert.Equal(t, []string{"GET /a/1", "GET /a/2", "GET /b/1", "GET /b/2"}, got)
	assert.Equal(t, []int{1, 2, 3, 4}, ids)
}

// Combination ids are strictly increasing per request within a run;
// skipped ids are never revisited.
func TestRenderIter_MonotonicIDs(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: FuzzableGroup, Tag: "g", Values: []string{"a", "b", "c"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	iter, err := req.NewRenderIter(rc, 0, 0)
	require.NoError(t, err)

	r1, ok := iter.Next()
	require.True(t, ok)
	assert.Equal(t, 1, r1.CombinationID)
	assert.Equal(t, 1, req.LastRenderedCombinationID())

	require.True(t, iter.Skip())
	assert.Equal(t, 3, req.CurrentCombinationID())

	r3, ok := iter.Next()
	require.True(t, ok)
	assert.Equal(t, 3, r3.CombinationID)
	assert.Equal(t, "c", r3.Data)

	_, ok = iter.Next()
	assert.False(t, ok)
}

func TestRenderIter_SkipFastForwards(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: FuzzableGroup, Tag: "g", Values: []string{"a", "b", "c"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	iter, err := req.NewRenderIter(rc, 2, 0)
	require.NoError(t, err)

	r, ok := iter.Next()
	require.True(t, ok)
	assert.Equal(t, 3, r.CombinationID)
	assert.Equal(t, "c", r.Data)
}

func TestRenderIter_BudgetBoundsIDs(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: FuzzableGroup, Tag: "g", Values: []string{"a", "b", "c"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	iter, err := req.NewRenderIter(rc, 0, 2)
	require.NoError(t, err)

	_, ok := iter.Next()
	require.True(t, ok)
	_, ok = iter.Next()
	require.True(t, ok)
	_, ok = iter.Next()
	assert.False(t, ok, "budget of 2 must stop the third combination")
}

func TestRenderCurrent_DoesNotAdvance(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: FuzzableGroup, Tag: "g", Values: []string{"a", "b"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	iter, err := req.NewRenderIter(rc, 0, 0)
	require.NoError(t, err)
	first, ok := iter.Next()
	require.True(t, ok)

	current, err := req.RenderCurrent(rc)
	require.NoError(t, err)
	assert.Equal(t, first.Data, current.Data)
	assert.Equal(t, first.CombinationID, current.CombinationID)
	assert.Equal(t, 2, req.CurrentCombinationID())
}

func TestRender_QuotedAndMarkers(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: StaticString, Value: `{"name":`},
		Primitive{Type: FuzzableString, Value: "fuzz", Quoted: true},
		Primitive{Type: StaticString, Value: `,"parent":"`},
		Primitive{Type: DynamicReader, Variable: "_post_p"},
		Primitive{Type: StaticString, Value: `"}`},
	)
	rc := &RenderContext{Pool: &staticPool{values: map[PrimitiveType][]string{
		FuzzableString: {"v1"},
	}}}

	r, err := req.RenderCurrent(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"v1","parent":"`+dependencies.Marker("_post_p")+`"}`, r.Data)
}

func TestRender_AuthMarker(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: StaticString, Value: "GET / HTTP/1.1\r\n"},
		Primitive{Type: RefreshableAuth, Tag: "authentication_token_tag"},
		Primitive{Type: StaticString, Value: "\r\n"},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	r, err := req.RenderCurrent(rc)
	require.NoError(t, err)
	assert.Contains(t, r.Data, AuthTokenMarker)
}

func TestRender_UUIDSuffixWriter(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: StaticString, Value: "PUT /r/"},
		Primitive{Type: CustomPayloadUUIDSuffix, Tag: "obj", Writer: "_post_obj"},
	)
	calls := 0
	rc := &RenderContext{
		Pool:       &staticPool{values: map[PrimitiveType][]string{CustomPayloadUUIDSuffix: {"obj"}}},
		UUIDSuffix: func() string { calls++; return fmt.Sprintf("%04d", calls) },
	}
	r, err := req.RenderCurrent(rc)
	require.NoError(t, err)
	assert.Equal(t, "PUT /r/obj0001", r.Data)
	assert.Equal(t, "obj0001", r.WriterVariables["_post_obj"])
}

func TestNumCombinations(t *testing.T) {
	req := buildRequest(t,
		Primitive{Type: FuzzableGroup, Tag: "g1", Values: []string{"a", "b"}},
		Primitive{Type: FuzzableGroup, Tag: "g2", Values: []string{"1", "2", "3"}},
	)
	rc := &RenderContext{Pool: &staticPool{}}

	n, err := req.NumCombinations(rc)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}
