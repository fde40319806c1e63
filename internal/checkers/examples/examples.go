// Package examples substitutes each example payload attached to a
// request and sends it: examples exercise value shapes the fuzzing
// dictionary does not.
package examples

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

func init() {
	checkers.Register("examples", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker sends each body and query example of the final request.
type Checker struct {
	base.Checker

	mu     sync.Mutex
	tested map[string]bool
}

// New creates the checker.
func New() *Checker {
	return &Checker{
		Checker: base.Checker{
			CheckerName:        "examples",
			CheckerDescription: "Substitutes recorded example payloads into requests.",
			DefaultOn:          true,
		},
		tested: make(map[string]bool),
	}
}

// Apply runs once per request with examples, regardless of the rendering
// outcome: each body example replaces the body, each query example
// replaces the query string. Bug-class responses are filed with the full
// request hashed, so distinct examples bucket separately.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if rendered.Sequence == nil {
		return nil
	}
	seq := rendered.Sequence
	last := seq.LastRequest()
	if last == nil || last.Examples == nil || len(seq.SentData()) == 0 {
		return nil
	}
	if !c.claim(last.MethodEndpointHexDefinition()) {
		return nil
	}

	slog.Debug("sending examples", "request_id", last.ID,
		"body", len(last.Examples.BodyExamples), "query", len(last.Examples.QueryExamples))

	lastSent := seq.SentData()[len(seq.SentData())-1].Rendered
	statusCodes := make(map[string]int)
	send := func(data string) error {
		newSeq, err := base.ExecuteStartOfSequence(ctx, exec,
			sequences.New(seq.Requests()...), c.Name())
		if err != nil {
			return err
		}
		newSeq = newSeq.Extend(last)
		resp, err := exec.SendData(ctx, data, nil, c.Name())
		if err != nil {
			return err
		}
		statusCodes[resp.StatusCode()]++
		if exec.IsRuleViolation(newSeq, resp, false) {
			newSeq.AppendSent(&sequences.SentRequestData{Rendered: data, Response: resp})
			exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
				Origin:          c.Name(),
				Reproduce:       exec.Settings().Reproduce,
				HashFullRequest: true,
			})
		}
		return nil
	}

	for _, body := range last.Examples.BodyExamples {
		if err := send(substituteBody(lastSent, body)); err != nil {
			return err
		}
	}
	for _, query := range last.Examples.QueryExamples {
		if err := send(substituteQuery(lastSent, query)); err != nil {
			return err
		}
	}

	for code, count := range statusCodes {
		slog.Debug("example results", "status", code, "count", count)
	}
	return nil
}

func (c *Checker) claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tested[key] {
		return false
	}
	c.tested[key] = true
	return true
}

// substituteBody swaps the request body for the example and fixes the
// Content-Length header.
func substituteBody(data, body string) string {
	head, _, found := strings.Cut(data, "\r\n\r\n")
	if !found {
		return data
	}
	lines := strings.Split(head, "\r\n")
	hasLength := false
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			lines[i] = fmt.Sprintf("Content-Length: %d", len(body))
			hasLength = true
		}
	}
	if !hasLength {
		lines = append(lines, fmt.Sprintf("Content-Length: %d", len(body)))
	}
	return strings.Join(lines, "\r\n") + "\r\n\r\n" + body
}

// substituteQuery swaps the request line's query string for the example.
func substituteQuery(data, query string) string {
	firstLine, rest, found := strings.Cut(data, "\r\n")
	if !found {
		return data
	}
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 3 {
		return data
	}
	path, _, _ := strings.Cut(parts[1], "?")
	parts[1] = path + "?" + query
	return strings.Join(parts, " ") + "\r\n" + rest
}
