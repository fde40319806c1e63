// Package invaliddynamicobject substitutes syntactically invalid object
// ids into consumer requests: a service accepting them is mishandling
// resource identifiers.
package invaliddynamicobject

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/praetorian-inc/restfuzz/internal/checkers/base"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// validReplaceStr marks, inside an invalid-object template, where the
// actual valid object value is spliced in.
const validReplaceStr = "valid-object"

// defaultInvalids are the built-in invalid-object templates.
var defaultInvalids = []string{
	validReplaceStr + "?injected_query_string=123",
	validReplaceStr + "/?/",
	validReplaceStr + "??",
	validReplaceStr + "/" + validReplaceStr,
	"{}",
}

func init() {
	checkers.Register("invaliddynamicobject", func(cfg registry.Config) (checkers.Checker, error) {
		return NewWithConfig(cfg), nil
	})
}

// Checker sends consumer requests with each dynamic object replaced by
// invalid strings, across every valid/invalid mask combination.
type Checker struct {
	base.Checker
	invalids []string

	mu sync.Mutex
	// executed: generation -> request hex definitions already tested.
	executed map[int]map[string]bool
}

// New creates the checker with the default invalid strings.
func New() *Checker {
	return NewWithConfig(nil)
}

// NewWithConfig honors the settings args: "no_defaults" drops the
// built-in strings, "invalid_objects" appends user-supplied ones.
func NewWithConfig(cfg registry.Config) *Checker {
	c := &Checker{
		Checker: base.Checker{
			CheckerName:        "invaliddynamicobject",
			CheckerDescription: "Substitutes invalid dynamic object ids into consumers.",
			DefaultOn:          true,
		},
		executed: make(map[int]map[string]bool),
	}
	if !registry.GetBool(cfg, "no_defaults", false) {
		c.invalids = append(c.invalids, defaultInvalids...)
	}
	c.invalids = append(c.invalids, registry.GetStringSlice(cfg, "invalid_objects", nil)...)
	return c
}

// Apply runs once per (request, generation): the sequence prefix is
// re-executed, then the final consumer is sent once per invalid template
// and valid/invalid mask. A valid response is a bug.
func (c *Checker) Apply(ctx context.Context, exec checkers.Executor, rendered *sequences.RenderedSequence) error {
	if !rendered.Valid || len(c.invalids) == 0 {
		return nil
	}
	seq := rendered.Sequence
	last := seq.LastRequest()
	if !last.IsConsumer() {
		return nil
	}
	if !c.claim(seq.Length(), last.HexDefinition()) {
		return nil
	}

	rendering, err := last.RenderCurrent(exec.RenderContext())
	if err != nil {
		return err
	}

	newSeq, err := base.ExecuteStartOfSequence(ctx, exec, seq, c.Name())
	if err != nil {
		return err
	}
	newSeq = newSeq.Extend(last)

	slog.Debug("sending invalid dynamic object requests", "request_id", last.ID)
	for _, data := range c.prepareInvalidRequests(exec, rendering.Data) {
		resp, err := exec.SendData(ctx, data, rendering.Parser, c.Name())
		if err != nil {
			return err
		}
		if base.Violation(exec, newSeq, resp, base.Delete204FalseAlarm) {
			newSeq.AppendSent(&sequences.SentRequestData{
				Rendered: data,
				Parser:   rendering.Parser,
				Response: resp,
			})
			exec.Buckets().UpdateBugBuckets(ctx, newSeq, resp.StatusCode(), bugs.UpdateOptions{
				Origin:    c.Name(),
				Reproduce: exec.Settings().Reproduce,
			})
		}
	}
	return nil
}

// claim marks the request tested for the generation; false when it
// already was.
func (c *Checker) claim(generation int, reqHex string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.executed[generation]
	if gen == nil {
		gen = make(map[string]bool)
		c.executed[generation] = gen
	}
	if gen[reqHex] {
		return false
	}
	gen[reqHex] = true
	return true
}

// prepareInvalidRequests expands a rendered payload with reader
// placeholders into concrete requests: for every invalid template and
// every valid/invalid mask except all-valid, each dynamic object slot
// gets either its valid value or the template with the valid value
// spliced in.
func (c *Checker) prepareInvalidRequests(exec checkers.Executor, data string) []string {
	// Split into [static, var, static, var, static, ...].
	parts := strings.Split(data, dependencies.RDELIM)
	if len(parts) < 3 {
		return nil
	}
	var validValues []string
	for i := 1; i < len(parts); i += 2 {
		value, _ := exec.Table().Get(parts[i])
		validValues = append(validValues, value)
	}

	var out []string
	segments := append([]string(nil), parts...)
	for _, invalid := range c.invalids {
		// Every combination of valid/invalid slots except all-valid.
		for mask := 0; mask < 1<<len(validValues)-1; mask++ {
			slot := 0
			for i := 1; i < len(segments); i += 2 {
				if mask>>slot&1 == 1 {
					segments[i] = validValues[slot]
				} else {
					segments[i] = strings.ReplaceAll(invalid, validReplaceStr, validValues[slot])
				}
				slot++
			}
			out = append(out, strings.Join(segments, ""))
		}
	}
	return out
}
