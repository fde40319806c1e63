package testutil

import (
	"fmt"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

// Static builds a static_string primitive.
func Static(text string) grammar.Primitive {
	return grammar.Primitive{Type: grammar.StaticString, Value: text}
}

// Reader builds a dynamic_reader primitive.
func Reader(variable string) grammar.Primitive {
	return grammar.Primitive{Type: grammar.DynamicReader, Variable: variable}
}

// FuzzableStr builds a fuzzable_string primitive with a default.
func FuzzableStr(def string) grammar.Primitive {
	return grammar.Primitive{Type: grammar.FuzzableString, Value: def}
}

// Group builds a fuzzable_group primitive.
func Group(tag string, values ...string) grammar.Primitive {
	return grammar.Primitive{Type: grammar.FuzzableGroup, Tag: tag, Values: values}
}

// RequestSpec assembles a Request in the shape the grammar compiler
// emits: request line primitives, a standard header block, and an
// optional body.
type RequestSpec struct {
	ID       string
	Method   string
	Endpoint string
	// PathParts are the primitives between "METHOD " and " HTTP/1.1";
	// typically statics and readers.
	PathParts []grammar.Primitive
	// Body primitives; empty means no body.
	Body []grammar.Primitive
	// Writers maps dynamic variables to gjson paths for the response
	// parser.
	Writers map[string]string
	// Examples and BodySchema pass through to the request.
	Examples   *grammar.ExampleSet
	BodySchema map[string]string
	CreateOnce bool
	// WithAuth inserts the refreshable auth slot into the header block.
	WithAuth bool
}

// Build materializes the request.
func (spec RequestSpec) Build(host string) *grammar.Request {
	prims := []grammar.Primitive{Static(spec.Method + " ")}
	prims = append(prims, spec.PathParts...)
	prims = append(prims, Static(" HTTP/1.1\r\n"))
	prims = append(prims, Static("Accept: application/json\r\n"))
	prims = append(prims, Static(fmt.Sprintf("Host: %s\r\n", host)))
	if spec.WithAuth {
		prims = append(prims, grammar.Primitive{Type: grammar.RefreshableAuth, Tag: "authentication_token_tag"})
	}
	if len(spec.Body) > 0 {
		// Content-Length is framed by the transport at send time.
		prims = append(prims, Static("Content-Type: application/json\r\n"))
	}
	prims = append(prims, Static("\r\n"))
	prims = append(prims, spec.Body...)

	req := &grammar.Request{
		ID:         spec.ID,
		Method:     spec.Method,
		Endpoint:   spec.Endpoint,
		Primitives: prims,
		Examples:   spec.Examples,
		BodySchema: spec.BodySchema,
		CreateOnce: spec.CreateOnce,
	}
	if len(spec.Writers) > 0 {
		req.Parser = &grammar.ResponseParser{Writers: spec.Writers}
	}
	return req
}

// BuildCollection finalizes a set of specs into a Collection.
func BuildCollection(host string, specs ...RequestSpec) (*grammar.Collection, error) {
	c := grammar.NewCollection()
	for _, spec := range specs {
		if err := c.Add(spec.Build(host)); err != nil {
			return nil, err
		}
	}
	return c, nil
}
