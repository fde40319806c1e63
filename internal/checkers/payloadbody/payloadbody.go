// Package payloadbody mutates request bodies structurally: dropped
// required fields, type-confused leaves, and invalid JSON. Findings are
// bucketed by the kind of divergence from the body schema.
package payloadbody

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// invalidJSONStr is the bucket tag for bodies that are not JSON at all.
const invalidJSONStr = "InvalidJson"

func init() {
	checkers.Register("payloadbody", func(_ registry.Config) (checkers.Checker, error) {
		return New(), nil
	})
}

// Checker fuzzes the body of the sequence's final request.
type Checker struct {
	base.Checker

	mu sync.Mutex
	// tested requests by method+endpoint hash.
	tested map[string]bool
	// buckets: method+endpoint hash -> error strings already filed.
	buckets *Buckets
}

// New creates the checker.
func New() *Checker {
	return &Checker{
		Checker: base.Checker{
			CheckerName:        "payloadbody",
			CheckerDescription: "Structurally mutates request bodies against the body schema.",
			DefaultOn:          true,
		},
		tested:  make(map[string]bool),
		buckets: NewBuckets(),
	}
}

// Apply runs once per (method, endpoint): the prefix is re-executed, then
// the final request is re-sent once per body mutation. Bug-class
// responses are bucketed by divergence kind.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if rendered.Sequence == nil {
		return nil
	}
	seq := rendered.Sequence
	last := seq.LastRequest()
	if last == nil || len(last.BodySchema) == 0 || len(seq.SentData()) == 0 {
		return nil
	}
	if !c.claim(last.MethodEndpointHexDefinition()) {
		return nil
	}

	lastSent := seq.SentData()[len(seq.SentData())-1].Rendered
	body := bodyOf(lastSent)
	if body == "" {
		return nil
	}

	newSeq, err := base.ExecuteStartOfSequence(ctx, exec, seq, c.Name())
	if err != nil {
		return err
	}
	newSeq = newSeq.Extend(last)

	for _, mutation := range mutations(last, body) {
		data := replaceBody(lastSent, mutation.body)
		resp, err := exec.SendData(ctx, data, nil, c.Name())
		if err != nil {
			return err
		}
		if !exec.IsRuleViolation(newSeq, resp, false) {
			continue
		}
		errorStr := c.buckets.Add(last, mutation.errorStr, mutation.body, exec.Settings().LogsDir)
		if errorStr == "" {
			continue
		}
		slog.Debug("payload body bug", "request_id", last.ID, "kind", errorStr)
		newSeq.AppendSent(&sequences.SentRequestData{Rendered: data, Response: resp})
		exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
			Origin:           c.Name(),
			Reproduce:        exec.Settings().Reproduce,
			CheckerStr:       errorStr,
			AdditionalLogStr: errorStr,
		})
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

// bodyMutation is one structural variant of the original body.
type bodyMutation struct {
	body     string
	errorStr string
}

// mutations derives the structural variants: each schema field dropped,
// each leaf type-confused, and one not-JSON body.
func mutations(req *grammar.Request, body string) []bodyMutation {
	var out []bodyMutation

	var doc map[string]any
	parseable := json.Unmarshal([]byte(body), &doc) == nil

	fields := make([]string, 0, len(req.BodySchema))
	for field := range req.BodySchema {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	if parseable {
		for _, field := range fields {
			if _, ok := doc[field]; !ok {
				continue
			}
			dropped := copyDoc(doc)
			delete(dropped, field)
			out = append(out, bodyMutation{marshal(dropped), "StructMissing_" + field})

			confused := copyDoc(doc)
			confused[field] = confuse(req.BodySchema[field])
			out = append(out, bodyMutation{marshal(confused), "TypeMismatch_" + field})
		}
	}
	out = append(out, bodyMutation{body + "{", invalidJSONStr})
	return out
}

// confuse returns a value of the wrong JSON type for the schema type.
func confuse(schemaType string) any {
	switch schemaType {
	case "string":
		return 123
	case "integer", "number":
		return "fuzzstring"
	case "boolean":
		return "fuzzstring"
	case "object", "array":
		return "fuzzstring"
	default:
		return nil
	}
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func marshal(doc map[string]any) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// bodyOf returns the body of a rendered request.
func bodyOf(data string) string {
	_, body, found := strings.Cut(data, "\r\n\r\n")
	if !found {
		return ""
	}
	return body
}

// replaceBody swaps the body of a rendered request and fixes the
// Content-Length header.
func replaceBody(data, newBody string) string {
	head, _, found := strings.Cut(data, "\r\n\r\n")
	if !found {
		return data
	}
	lines := strings.Split(head, "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			lines[i] = fmt.Sprintf("Content-Length: %d", len(newBody))
		}
	}
	return strings.Join(lines, "\r\n") + "\r\n\r\n" + newBody
}
