package grammar

import (
	"encoding/json"
	"fmt"
	"os"
)

// Collection holds the loaded grammar: every request in declaration order.
// Declaration order is load-bearing: the sequence generator extends
// candidates in this order, which keeps runs deterministic.
type Collection struct {
	requests []*Request
	byID     map[string][]*Request
}

// NewCollection creates an empty collection for programmatic grammar
// construction.
func NewCollection() *Collection {
	return &Collection{byID: make(map[string][]*Request)}
}

// Load reads a declarative grammar file: a JSON document with a top-level
// "requests" list.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grammar file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Collection from grammar file bytes.
func Parse(data []byte) (*Collection, error) {
	var doc struct {
		Requests []*Request `json:"requests"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse grammar: %w", err)
	}
	if len(doc.Requests) == 0 {
		return nil, fmt.Errorf("grammar declares no requests")
	}

	c := &Collection{byID: make(map[string][]*Request)}
	for _, req := range doc.Requests {
		if err := c.Add(req); err != nil {
			return nil, err
		}
	}
	if err := c.validateDependencies(); err != nil {
		return nil, err
	}
	return c, nil
}

// Add finalizes a request and appends it to the collection.
func (c *Collection) Add(req *Request) error {
	if req.ID == "" {
		return fmt.Errorf("request with endpoint %q missing request_id", req.Endpoint)
	}
	if req.Method == "" {
		return fmt.Errorf("request %s missing method", req.ID)
	}
	if err := req.finalize(); err != nil {
		return err
	}
	c.requests = append(c.requests, req)
	c.byID[req.ID] = append(c.byID[req.ID], req)
	return nil
}

// validateDependencies checks that every consumed variable has at least
// one producer somewhere in the collection. A reader without any producer
// can never render and indicates a broken grammar.
func (c *Collection) validateDependencies() error {
	produced := make(map[string]bool)
	for _, req := range c.requests {
		for name := range req.Produces() {
			produced[name] = true
		}
	}
	for _, req := range c.requests {
		for name := range req.Consumes() {
			if !produced[name] {
				return fmt.Errorf("request %s consumes %q, which no request produces", req.ID, name)
			}
		}
	}
	return nil
}

// Requests returns every request in declaration order.
func (c *Collection) Requests() []*Request { return c.requests }

// Fuzzable returns the requests the driver fuzzes: everything that is not
// a create-once preprocessing request.
func (c *Collection) Fuzzable() []*Request {
	out := make([]*Request, 0, len(c.requests))
	for _, req := range c.requests {
		if !req.CreateOnce {
			out = append(out, req)
		}
	}
	return out
}

// CreateOnce returns the preprocessing requests in declaration order.
func (c *Collection) CreateOnce() []*Request {
	var out []*Request
	for _, req := range c.requests {
		if req.CreateOnce {
			out = append(out, req)
		}
	}
	return out
}

// ByRequestID returns all requests sharing a request id.
func (c *Collection) ByRequestID(id string) []*Request { return c.byID[id] }

// Size returns the number of requests.
func (c *Collection) Size() int { return len(c.requests) }

// DestructorFor returns the first DELETE request whose consumed variables
// include the given one, used by the garbage collector to tear down objects of
// that type. Returns nil when the grammar has no destructor for the type.
func (c *Collection) DestructorFor(variable string) *Request {
	for _, req := range c.requests {
		if !req.IsDestructor() {
			continue
		}
		if req.Consumes()[variable] {
			return req
		}
	}
	return nil
}
