// Package resourcehierarchy detects hierarchy violations: a child object
// reachable through a parent that does not own it.
package resourcehierarchy

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
	checkers.Register("resourcehierarchy", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker rebuilds a sequence's ancestry under fresh objects and then
// addresses the old child through the new parents.
type Checker struct {
	base.Checker
}

// New creates the checker.
func New() *Checker {
	return &Checker{Checker: base.Checker{
		CheckerName:        "resourcehierarchy",
		CheckerDescription: "Accesses a child object through a parent that does not own it.",
		DefaultOn:          true,
	}}
}

// Apply runs after a valid sequence whose final request consumes types
// also produced earlier in the sequence. The prefix is re-rendered up to
// (but excluding) the producer of the target type, so every object except
// the target gets a fresh value; the stale target value is then planted
// and the final request sent. A valid response crosses the hierarchy.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if !rendered.Valid {
		return nil
	}
	seq := rendered.Sequence
	// Sequences with DELETEs are left to the use-after-free checker.
	if seq.HasDestructor() || seq.Length() < 2 {
		return nil
	}

	consumes := seq.Consumes()
	predecessorTypes := grammar.Union(consumes[:len(consumes)-1]...)
	targetTypes := consumes[len(consumes)-1]

	// The final request must share ancestry with its predecessors and
	// still have a target object of its own to swap.
	swapTypes := grammar.Difference(targetTypes, predecessorTypes)
	if !grammar.Intersects(predecessorTypes, targetTypes) || len(swapTypes) == 0 {
		return nil
	}

	// The current rendering guarantees these values exist; they become
	// the stale objects planted under the new ancestry.
	oldValues := make(map[string]string)
	for name := range swapTypes {
		if value, ok := exec.Table().Get(name); ok {
			oldValues[name] = value
		}
	}
	if len(oldValues) == 0 {
		return nil
	}

	exec.Table().Reset()

	// Re-render predecessors up to before the first producer of a swap
	// type.
	nPredecessors := 0
	for _, req := range seq.Requests() {
		if grammar.Intersects(req.Produces(), swapTypes) {
			break
		}
		nPredecessors++
	}

	newSeq := sequences.New()
	for i := 0; i < nPredecessors; i++ {
		req := seq.Requests()[i]
		newSeq = newSeq.Extend(req)
		resp, err := exec.RenderAndSend(ctx, newSeq, req, c.Name())
		if err != nil {
			return err
		}
		if exec.IsRuleViolation(newSeq, resp, false) {
			exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
				Origin:    c.Name(),
				Reproduce: exec.Settings().Reproduce,
			})
		}
	}

	slog.Debug("resource hierarchy swap",
		"targets", grammar.SortedVars(swapTypes), "predecessors", nPredecessors)

	for name, value := range oldValues {
		exec.Table().Set(name, value)
	}

	newSeq = newSeq.Extend(seq.LastRequest())
	resp, err := exec.RenderAndSend(ctx, newSeq, seq.LastRequest(), c.Name())
	if err != nil {
		return err
	}
	if base.Violation(exec, newSeq, resp, nil) {
		exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
			Origin:    c.Name(),
			Reproduce: exec.Settings().Reproduce,
		})
	}
	return nil
}
