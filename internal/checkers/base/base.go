// Package base provides shared infrastructure for checker
// implementations: identity plumbing, the common rule-violation check
// with per-checker false-alarm hooks, and prefix re-execution.
package base

import (
	"context"

	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// Checker carries the identity fields every checker shares. Embed it by
// value and implement Apply.
type Checker struct {
	CheckerName        string
	CheckerDescription string
	DefaultOn          bool
}

// Name returns the checker's friendly name.
func (c *Checker) Name() string { return c.CheckerName }

// Description returns a human-readable description.
func (c *Checker) Description() string { return c.CheckerDescription }

// EnabledByDefault reports whether the checker runs without explicit
// settings.
func (c *Checker) EnabledByDefault() bool { return c.DefaultOn }

// Mode returns the checker's configured mode, "normal" or "exhaustive".
func (c *Checker) Mode(exec checkers.Executor) string {
	return exec.Settings().CheckerMode(c.CheckerName)
}

// Exhaustive reports whether the checker should try every candidate
// instead of stopping at the first.
func (c *Checker) Exhaustive(exec checkers.Executor) bool {
	return c.Mode(exec) == "exhaustive"
}

// FalseAlarm inspects a suspected violation before it is filed.
type FalseAlarm func(seq *sequences.Sequence, resp *transport.Response) bool

// Violation applies the shared rule: a valid status code on a mutated
// sequence that must fail is the violation, unless the checker's
// false-alarm hook dismisses it.
func Violation(exec checkers.Executor, seq *sequences.Sequence, resp *transport.Response, falseAlarm FalseAlarm) bool {
	if resp == nil {
		return false
	}
	if falseAlarm != nil && falseAlarm(seq, resp) {
		return false
	}
	return exec.IsRuleViolation(seq, resp, true)
}

// Delete204FalseAlarm dismisses a DELETE answered with 204: many services
// return 204 when there is nothing to delete.
func Delete204FalseAlarm(seq *sequences.Sequence, resp *transport.Response) bool {
	last := seq.LastRequest()
	return last != nil && last.Method == "DELETE" && resp.StatusCode() == "204"
}

// ExecuteStartOfSequence re-renders and sends every request of seq except
// the last, at their current combinations, into a fresh sequence. A
// bug-class response along the way is filed under origin.
func ExecuteStartOfSequence(ctx context.Context, exec checkers.Executor, seq *sequences.Sequence, origin string) (*sequences.Sequence, error) {
	newSeq := sequences.New()
	reqs := seq.Requests()
	for _, req := range reqs[:len(reqs)-1] {
		newSeq = newSeq.Extend(req)
		resp, err := exec.RenderAndSend(ctx, newSeq, req, origin)
		if err != nil {
			return newSeq, err
		}
		if exec.IsRuleViolation(newSeq, resp, false) {
			exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
				Origin:    origin,
				Reproduce: exec.Settings().Reproduce,
			})
		}
	}
	return newSeq, nil
}
