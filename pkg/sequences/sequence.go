// Package sequences models ordered request sequences: the unit the driver
// renders, sends, replays, and hands to checkers.
package sequences

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// ErrDependencyUnresolved reports a reader whose variable has no value in
// the dependency table. The sequence fails at that position.
var ErrDependencyUnresolved = errors.New("sequences: unresolved dependency")

// SentRequestData records one sent request of a sequence: the exact bytes
// on the wire, the parser that handled the response, and the response.
// The list is what bug reproduction replays.
type SentRequestData struct {
	Rendered string
	Parser   *grammar.ResponseParser
	Response *transport.Response
	// ProducerTimingDelay is the wait inserted after this request before
	// the next send, for targets that propagate writes asynchronously.
	ProducerTimingDelay time.Duration
	// MaxAsyncWait is the async resource-creation polling budget that was
	// in effect.
	MaxAsyncWait time.Duration
}

// Sequence is an ordered list of requests plus the record of what was
// sent. The request list is immutable once built; extension returns a new
// sequence.
type Sequence struct {
	requests []*grammar.Request
	sent     []*SentRequestData
}

// New builds a sequence over the given requests.
func New(requests ...*grammar.Request) *Sequence {
	return &Sequence{requests: append([]*grammar.Request(nil), requests...)}
}

// Extend returns a new sequence with req appended. The sent-data record of
// the receiver carries over, so a fully-sent prefix stays attached.
func (s *Sequence) Extend(req *grammar.Request) *Sequence {
	return &Sequence{
		requests: append(append([]*grammar.Request(nil), s.requests...), req),
		sent:     append([]*SentRequestData(nil), s.sent...),
	}
}

// Requests returns the request list.
func (s *Sequence) Requests() []*grammar.Request { return s.requests }

// Length returns the number of requests.
func (s *Sequence) Length() int { return len(s.requests) }

// LastRequest returns the final request, or nil for the empty sequence.
func (s *Sequence) LastRequest() *grammar.Request {
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// HexDefinition is the concatenation of the request hex definitions.
func (s *Sequence) HexDefinition() string {
	var out string
	for _, req := range s.requests {
		out += req.HexDefinition()
	}
	return out
}

// Produces returns the per-position produced-variable sets.
func (s *Sequence) Produces() []map[string]bool {
	out := make([]map[string]bool, len(s.requests))
	for i, req := range s.requests {
		out[i] = req.Produces()
	}
	return out
}

// Consumes returns the per-position consumed-variable sets.
func (s *Sequence) Consumes() []map[string]bool {
	out := make([]map[string]bool, len(s.requests))
	for i, req := range s.requests {
		out[i] = req.Consumes()
	}
	return out
}

// HasDestructor reports whether any request in the sequence is a DELETE
// consumer.
func (s *Sequence) HasDestructor() bool {
	for _, req := range s.requests {
		if req.IsDestructor() {
			return true
		}
	}
	return false
}

// ResolveDependencies substitutes every reader placeholder in rendered
// payload bytes with the current dependency-table value. A missing value
// is a sequence failure at this position.
func ResolveDependencies(data string, table *dependencies.Table) (string, error) {
	if !dependencies.IsMarker(data) {
		return data, nil
	}
	var missing error
	resolved := fasttemplate.ExecuteFuncString(data, dependencies.RDELIM, dependencies.RDELIM,
		func(w io.Writer, tag string) (int, error) {
			value, ok := table.Get(tag)
			if !ok {
				if missing == nil {
					missing = fmt.Errorf("%w: %s", ErrDependencyUnresolved, tag)
				}
				return 0, nil
			}
			return io.WriteString(w, value)
		})
	if missing != nil {
		return "", missing
	}
	return resolved, nil
}

// AppendSent records a sent request.
func (s *Sequence) AppendSent(data *SentRequestData) {
	s.sent = append(s.sent, data)
}

// SentData returns the sent-request record in send order.
func (s *Sequence) SentData() []*SentRequestData { return s.sent }

// TruncateSent drops the sent-data record from position n onward. Checkers
// that rebuild the tail of a sequence use this before re-sending.
func (s *Sequence) TruncateSent(n int) {
	if n < len(s.sent) {
		s.sent = s.sent[:n]
	}
}

// Copy returns a sequence sharing request pointers but owning its own
// sent-data list.
func (s *Sequence) Copy() *Sequence {
	return &Sequence{
		requests: append([]*grammar.Request(nil), s.requests...),
		sent:     append([]*SentRequestData(nil), s.sent...),
	}
}
