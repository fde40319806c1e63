// Package namespace detects multi-tenant namespace violations: objects
// created by one identity reachable by another.
package namespace

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/auth"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

func init() {
	checkers.Register("namespace", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker replays a sequence under the attacker identity with the
// victim's object values planted.
type Checker struct {
	base.Checker
}

// New creates the checker. Disabled by default: it requires a second
// identity, which most runs do not configure.
func New() *Checker {
	return &Checker{Checker: base.Checker{
		CheckerName:        "namespace",
		CheckerDescription: "Hijacks one identity's objects from another identity.",
		DefaultOn:          false,
	}}
}

// Apply runs after a valid sequence: the victim identity's run has
// produced objects; the consumer requests are re-sent under the attacker
// identity with the victim's variable values substituted in. A valid
// response is a namespace violation. Namespace findings are filed with
// reproduce off: replay under a single identity cannot reproduce them.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if !rendered.Valid {
		return nil
	}
	seq := rendered.Sequence

	consumedTypes := grammar.Union(seq.Consumes()...)
	if len(consumedTypes) == 0 {
		return nil
	}
	exhaustive := c.Exhaustive(exec)
	if !exhaustive && !seq.LastRequest().IsConsumer() {
		return nil
	}

	// Re-render the start of the victim sequence so the hijacked objects
	// exist, then capture their values.
	if _, err := base.ExecuteStartOfSequence(ctx, exec, seq, c.Name()); err != nil {
		return c.ignoreMissingIdentity(err)
	}
	hijacked := make(map[string]string)
	for name := range consumedTypes {
		if value, ok := exec.Table().Get(name); ok {
			hijacked[name] = value
		}
	}
	slog.Debug("namespace hijack", "values", len(hijacked))

	for i, req := range seq.Requests() {
		if !exhaustive && i != seq.Length()-1 {
			continue
		}
		if !req.IsConsumer() {
			continue
		}
		exec.Table().Reset()
		if err := c.renderAttackerSubsequence(ctx, exec, seq, req); err != nil {
			return c.ignoreMissingIdentity(err)
		}
		for name, value := range hijacked {
			exec.Table().Set(name, value)
		}
		if err := c.renderHijackRequest(ctx, exec, seq, req); err != nil {
			return c.ignoreMissingIdentity(err)
		}
	}
	return nil
}

// renderAttackerSubsequence re-renders, as the attacker, the prefix up to
// before the first producer of the hijack request's consumed types.
func (c *Checker) renderAttackerSubsequence(ctx context.Context, exec checkers.Executor, seq *sequences.Sequence, hijackReq *grammar.Request) error {
	consumed := hijackReq.Consumes()
	stop := 0
	for _, req := range seq.Requests() {
		if grammar.Intersects(req.Produces(), consumed) {
			break
		}
		stop++
	}
	for i := 0; i < stop; i++ {
		if _, err := c.sendAsAttacker(ctx, exec, seq.Requests()[i]); err != nil {
			return err
		}
	}
	return nil
}

// renderHijackRequest sends the consumer as the attacker with the
// victim's values planted and files a violation on a valid response.
func (c *Checker) renderHijackRequest(ctx context.Context, exec checkers.Executor, seq *sequences.Sequence, req *grammar.Request) error {
	resp, err := c.sendAsAttacker(ctx, exec, req)
	if err != nil {
		return err
	}
	if base.Violation(exec, seq, resp, emptyListFalseAlarm) {
		exec.Buckets().UpdateBugBuckets(ctx, seq, resp.StatusCode(), bugs.UpdateOptions{
			Origin:    c.Name(),
			Reproduce: false,
		})
	}
	return nil
}

func (c *Checker) sendAsAttacker(ctx context.Context, exec checkers.Executor, req *grammar.Request) (*transport.Response, error) {
	rendering, err := req.RenderCurrent(exec.RenderContext())
	if err != nil {
		return nil, err
	}
	data, err := sequences.ResolveDependencies(rendering.Data, exec.Table())
	if err != nil {
		return nil, err
	}
	data, err = exec.SwapIdentity(ctx, data)
	if err != nil {
		return nil, err
	}
	return exec.SendData(ctx, data, rendering.Parser, c.Name())
}

// ignoreMissingIdentity keeps the checker quiet on single-identity runs.
func (c *Checker) ignoreMissingIdentity(err error) error {
	if errors.Is(err, auth.ErrNoToken) {
		return nil
	}
	return err
}

// emptyListFalseAlarm dismisses a GET answered with an empty list: the
// attacker saw the collection but none of the victim's objects.
func emptyListFalseAlarm(seq *sequences.Sequence, resp *transport.Response) bool {
	last := seq.LastRequest()
	return last != nil && last.Method == "GET" && strings.TrimSpace(resp.Body()) == "[]"
}
