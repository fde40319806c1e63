package checkers

import (
	"context"

	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/monitors"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// Executor is the engine surface a checker drives: it renders, resolves,
// and sends requests over the worker's own socket and exposes the shared
// run state. Implemented by the engine's worker.
type Executor interface {
	// RenderAndSend renders the request's current combination, resolves
	// dependencies against the table, sends it, binds writer variables on
	// a valid response, polls async creation, invokes the response
	// parser, and appends the exchange to seq's sent-data list. origin
	// names the caller for the request counters and the trace DB.
	RenderAndSend(ctx context.Context, seq *sequences.Sequence, req *grammar.Request, origin string) (*transport.Response, error)

	// SendData sends raw rendered bytes (auth marker still substituted)
	// and invokes parser on the response. The exchange is not appended
	// to any sequence.
	SendData(ctx context.Context, data string, parser *grammar.ResponseParser, origin string) (*transport.Response, error)

	// SwapIdentity rewrites rendered bytes to the secondary identity:
	// the shadow auth header block and the dictionary's shadow payload
	// values. auth.ErrNoToken when no second identity exists.
	SwapIdentity(ctx context.Context, data string) (string, error)

	// IsRuleViolation applies the shared violation rule: a valid
	// (or, inverted, any bug-class) response for a mutated sequence.
	// validResponseIsViolation matches the common checker rule where a
	// 2xx on a request that must fail indicates the bug.
	IsRuleViolation(seq *sequences.Sequence, resp *transport.Response, validResponseIsViolation bool) bool

	// Table is the shared dependency table.
	Table() *dependencies.Table
	// RenderContext carries the candidate pool for re-rendering.
	RenderContext() *grammar.RenderContext
	// Monitor is the shared fuzzing monitor.
	Monitor() *monitors.FuzzingMonitor
	// Buckets is the shared bug bucket store.
	Buckets() *bugs.Buckets
	// Settings is the engine configuration.
	Settings() *settings.Settings

	// FuzzingRequests returns the fuzzed request collection in
	// declaration order.
	FuzzingRequests() []*grammar.Request
	// RequestsByID returns the requests sharing a request id.
	RequestsByID(id string) []*grammar.Request
}
