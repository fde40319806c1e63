package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/praetorian-inc/restfuzz/pkg/retry"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// errStillProvisioning marks a poll round that found the resource not yet
// in a terminal state.
var errStillProvisioning = errors.New("engine: resource still provisioning")

// provisioning states that indicate the creation is still in flight.
var inFlightStates = map[string]bool{
	"creating":   true,
	"inprogress": true,
	"updating":   true,
	"accepted":   true,
}

// pollAsync handles asynchronous resource creation: when the response
// indicates accepted/processing and the request has an async budget, poll
// the status URL at an increasing interval until a terminal state or the
// budget elapses. The terminal response is the one handed to the parser;
// on timeout or when the response is not async, the original response is
// returned.
func (w *Worker) pollAsync(ctx context.Context, sentData string, resp *transport.Response, budget time.Duration) *transport.Response {
	if budget <= 0 {
		return resp
	}
	statusURL, ok := w.asyncStatusURL(resp)
	if !ok {
		return resp
	}

	pollReq, err := w.buildPollRequest(ctx, sentData, statusURL)
	if err != nil {
		slog.Debug("async poll request build failed", "error", err)
		return resp
	}

	pollCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	final := resp
	cfg := retry.Config{
		// Generous attempt cap; the budget context is the real bound.
		MaxAttempts:  1 << 20,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
	err = retry.Do(pollCtx, cfg, func() error {
		if err := w.eng.monitor.CheckBudget(); err != nil {
			return err
		}
		polled, err := w.client.Send(pollCtx, pollReq)
		if err != nil {
			return err
		}
		w.eng.monitor.IncrementRequestsCount("async_poll")
		if w.isTerminal(polled) {
			final = polled
			return nil
		}
		return errStillProvisioning
	})
	if err != nil {
		slog.Debug("async poll did not reach terminal state", "error", err)
	}
	return final
}

// asyncStatusURL extracts the polling URL from an accepted/processing
// response: a 202 with a location header, an explicit async-operation
// header, or a body that reports an in-flight provisioning state (polled
// at the original resource URL, signalled by an empty status URL).
func (w *Worker) asyncStatusURL(resp *transport.Response) (string, bool) {
	raw := resp.String()
	if url, ok := headerValue(raw, "Azure-AsyncOperation"); ok {
		return url, true
	}
	if resp.StatusCode() == "202" {
		if url, ok := headerValue(raw, w.eng.cfg.AsyncLocationHeader); ok {
			return url, true
		}
	}
	if resp.HasValidCode() {
		state := gjson.Get(resp.JSONBody(), "properties.provisioningState")
		if state.Exists() && inFlightStates[strings.ToLower(state.String())] {
			return "", true
		}
	}
	return "", false
}

// buildPollRequest rebuilds a GET against the status URL, reusing the
// original request's host and auth header lines.
func (w *Worker) buildPollRequest(ctx context.Context, sentData, statusURL string) (string, error) {
	target := statusURL
	if target == "" {
		// Poll the original resource URI.
		firstLine, _, _ := strings.Cut(sentData, "\r\n")
		parts := strings.Split(firstLine, " ")
		if len(parts) < 2 {
			return "", fmt.Errorf("malformed request line %q", firstLine)
		}
		target = parts[1]
	}
	// Strip scheme and host from absolute URLs.
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			target = rest[slash:]
		} else {
			target = "/"
		}
	}

	head, _, _ := strings.Cut(sentData, "\r\n\r\n")
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	for _, line := range strings.Split(head, "\r\n")[1:] {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-length:") || strings.HasPrefix(lower, "content-type:") {
			continue
		}
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return w.substituteAuth(ctx, b.String())
}

// isTerminal reports whether a polled response shows a finished creation.
func (w *Worker) isTerminal(resp *transport.Response) bool {
	if !resp.HasValidCode() {
		// Errors are terminal too: the creation failed.
		return true
	}
	state := gjson.Get(resp.JSONBody(), "properties.provisioningState")
	if !state.Exists() {
		state = gjson.Get(resp.JSONBody(), "status")
	}
	if !state.Exists() {
		return true
	}
	return !inFlightStates[strings.ToLower(state.String())]
}
