// Package useafterfree detects use-after-free violations: a dynamic
// object that remains accessible after its destructor succeeded.
package useafterfree

import (
	"context"
	"log/slog"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

func init() {
	checkers.Register("useafterfree", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker probes deleted objects through every consumer of the destructed
// hierarchy.
type Checker struct {
	base.Checker
}

// New creates the checker.
func New() *Checker {
	return &Checker{Checker: base.Checker{
		CheckerName:        "useafterfree",
		CheckerDescription: "Accesses dynamic objects after their destructor succeeded.",
		DefaultOn:          true,
	}}
}

// Apply runs after a valid sequence whose final request is a destructor:
// another request consuming the same hierarchy is sent after the delete
// (the first such request in normal mode, every one in exhaustive mode);
// a valid response is a use-after-free.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if !rendered.Valid {
		return nil
	}
	seq := rendered.Sequence
	destructor := seq.LastRequest()
	if destructor == nil || !destructor.IsDestructor() {
		return nil
	}
	destructedTypes := destructor.Consumes()
	if len(destructedTypes) == 0 {
		return nil
	}

	// Consumers of the exact hierarchy keep the false-positive rate
	// down: a request consuming a superset would fail for other reasons.
	var consumers []*grammar.Request
	for _, req := range exec.FuzzingRequests() {
		if req.HexDefinition() == destructor.HexDefinition() {
			continue
		}
		if grammar.SameSet(req.Consumes(), destructedTypes) {
			consumers = append(consumers, req.Clone())
		}
	}
	slog.Debug("use-after-free candidates", "consumers", len(consumers),
		"types", grammar.SortedVars(destructedTypes))

	for _, consumer := range consumers {
		if err := c.renderLastRequest(ctx, exec, seq.Extend(consumer)); err != nil {
			return err
		}
		if !c.Exhaustive(exec) {
			break
		}
	}
	return nil
}

// renderLastRequest tries the consumer's renderings after the delete and
// files a bucket when any of them is accepted.
func (c *Checker) renderLastRequest(ctx context.Context, exec checkers.Executor, seq *sequences.Sequence) error {
	req := seq.LastRequest()
	iter, err := req.NewRenderIter(exec.RenderContext(), req.LastRenderedCombinationID(), exec.Settings().MaxCombinations)
	if err != nil {
		return err
	}
	for {
		if exec.Monitor().IsInvalidRendering(req) {
			if !iter.Skip() {
				return nil
			}
			continue
		}
		rendering, ok := iter.Next()
		if !ok {
			return nil
		}
		data, err := sequences.ResolveDependencies(rendering.Data, exec.Table())
		if err != nil {
			return nil
		}
		resp, err := exec.SendData(ctx, data, rendering.Parser, c.Name())
		if err != nil {
			return err
		}
		seq.AppendSent(&sequences.SentRequestData{
			Rendered: data,
			Parser:   rendering.Parser,
			Response: resp,
		})
		if base.Violation(exec, seq, resp, nil) {
			exec.Buckets().UpdateBugBuckets(ctx, seq, resp.StatusCode(), bugs.UpdateOptions{
				Origin:    c.Name(),
				Reproduce: exec.Settings().Reproduce,
			})
		}
	}
}
