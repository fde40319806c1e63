// Package leakage detects resource leaks: a creation that failed with an
// error response but left the would-be resource reachable on the server.
package leakage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

func init() {
	checkers.Register("leakage", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker retries consumers of a failed creation with the failed
// rendering's values and expects a 404-class answer.
type Checker struct {
	base.Checker
}

// New creates the checker.
func New() *Checker {
	return &Checker{Checker: base.Checker{
		CheckerName:        "leakage",
		CheckerDescription: "Checks whether a failed resource creation leaked the resource.",
		DefaultOn:          true,
	}}
}

// Apply runs after an invalid final rendering. The presumed-failed
// creation's variable values are pinned in the no-gc overlay, then a
// consumer of the same type is sent: a valid response means the server
// leaked the object it reported it did not create.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	// Unlike the other checkers, the precondition here is a failed
	// rendering.
	if rendered.Valid || rendered.Sequence == nil {
		return nil
	}
	seq := rendered.Sequence
	if seq.LastRequest() == nil || len(seq.SentData()) == 0 {
		return nil
	}
	// Sequences with DELETEs are left to the use-after-free checker.
	if seq.HasDestructor() {
		return nil
	}

	seqProduced := grammar.Union(seq.Produces()...)
	targetTypes := seq.LastRequest().Produces()
	if len(targetTypes) == 0 {
		return nil
	}
	lastSent := seq.SentData()[len(seq.SentData())-1].Rendered

	for _, targetType := range grammar.SortedVars(targetTypes) {
		slog.Debug("leakage target", "type", targetType)
		for _, req := range exec.RequestsByID(seq.LastRequest().ID) {
			if !req.IsConsumer() ||
				!grammar.Subset(req.Consumes(), seqProduced) ||
				!req.Consumes()[targetType] {
				continue
			}
			if err := c.pinFailedValues(exec, lastSent, req); err != nil {
				continue
			}
			if err := c.sendConsumer(ctx, exec, seq.Extend(req.Clone())); err != nil {
				return err
			}
			if !c.Exhaustive(exec) {
				break
			}
		}
	}
	return nil
}

// pinFailedValues aligns the failed request's path with the consumer's
// placeholder path and binds the values the failed creation would have
// produced, in the no-gc overlay so they survive table resets.
func (c *Checker) pinFailedValues(exec checkers.Executor, sentData string, consumer *grammar.Request) error {
	rendering, err := consumer.RenderCurrent(exec.RenderContext())
	if err != nil {
		return err
	}
	sentPath := requestPath(sentData)
	placeholderPath := requestPath(rendering.Data)

	sentSegs := strings.Split(sentPath, "/")
	placeholderSegs := strings.Split(placeholderPath, "/")
	for i, seg := range placeholderSegs {
		if !dependencies.IsMarker(seg) || i >= len(sentSegs) {
			continue
		}
		name := strings.ReplaceAll(seg, dependencies.RDELIM, "")
		exec.Table().SetNoGC(name, sentSegs[i])
	}
	return nil
}

// sendConsumer renders the consumer against the pinned values; a valid
// response is a leak, with the 204-on-DELETE false alarm excepted.
func (c *Checker) sendConsumer(ctx context.Context, exec checkers.Executor, seq *sequences.Sequence) error {
	resp, err := exec.RenderAndSend(ctx, seq, seq.LastRequest(), c.Name())
	if err != nil {
		return nil
	}
	if base.Violation(exec, seq, resp, base.Delete204FalseAlarm) {
		exec.Buckets().UpdateBugBuckets(ctx, seq, resp.StatusCode(), bugs.UpdateOptions{
			Origin:    c.Name(),
			Reproduce: exec.Settings().Reproduce,
		})
	}
	return nil
}

// requestPath extracts the path from a rendered request's first line,
// dropping any query string.
func requestPath(data string) string {
	firstLine, _, _ := strings.Cut(data, "\r\n")
	parts := strings.Split(firstLine, " ")
	if len(parts) < 2 {
		return ""
	}
	path, _, _ := strings.Cut(parts[1], "?")
	return path
}
