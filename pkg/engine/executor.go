// Package engine implements the stateful fuzzing driver: the
// generation-by-generation sequence synthesizer, the per-worker request
// executor, the async resource poller, and the garbage collector.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/praetorian-inc/restfuzz/pkg/auth"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/logging"
	"github.com/praetorian-inc/restfuzz/pkg/monitors"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// ErrResponseParse reports that a response parser extracted none of its
// expected variables. The rendering is classified
// invalid_due_to_parser_failure.
var ErrResponseParse = errors.New("engine: response parser extracted no variables")

// Worker drives one sequence at a time through its own socket. It
// implements checkers.Executor.
type Worker struct {
	id     int
	eng    *Engine
	client *transport.Client
	netlog *logging.NetworkLogger
}

func (e *Engine) newWorker(id int) (*Worker, error) {
	netlog, err := logging.NewNetworkLogger(e.cfg.LogsDir, id, e.authProvider.RedactTokens)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:  id,
		eng: e,
		client: transport.NewClient(transport.Settings{
			TargetIP:                e.cfg.TargetIP,
			TargetPort:              e.cfg.TargetPort,
			UseSSL:                  !e.cfg.NoSSL,
			Timeout:                 e.cfg.MaxRequestExecutionTime(),
			ReconnectOnEveryRequest: e.cfg.ReconnectOnEveryRequest,
		}),
		netlog: netlog,
	}, nil
}

func (w *Worker) close() {
	w.client.Close()
	w.netlog.Close()
}

// SendData sends rendered bytes over the worker's socket. The auth marker
// is substituted with the current primary header block; transport errors
// come back as pseudo-code responses, never as errors to the driver.
func (w *Worker) SendData(ctx context.Context, data string, parser *grammar.ResponseParser, origin string) (*transport.Response, error) {
	resp, err := w.send(ctx, data, origin)
	if err != nil {
		return nil, err
	}
	if resp.HasValidCode() && parser != nil {
		if err := w.eng.parseResponse(parser, resp); err != nil {
			slog.Debug("response parse failed", "origin", origin, "error", err)
		}
	}
	return resp, nil
}

// send performs the raw exchange: budget check, throttle, auth
// substitution, the wire exchange, and the log sinks.
func (w *Worker) send(ctx context.Context, data, origin string) (*transport.Response, error) {
	if err := w.eng.monitor.CheckBudget(); err != nil {
		return nil, err
	}
	if w.eng.throttle != nil {
		if err := w.eng.throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}

	data, err := w.substituteAuth(ctx, data)
	if err != nil {
		return nil, err
	}

	w.netlog.LogSending(data)
	sentAt := time.Now()
	resp, err := w.client.Send(ctx, data)
	receivedAt := time.Now()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		resp = transport.ResponseForError(err)
	}
	w.netlog.LogReceived(resp.String())
	// Main-driver sends are counted per sequence by UpdateStatusCodes.
	if origin != bugs.OriginMainDriver {
		w.eng.monitor.IncrementRequestsCount(origin)
	}
	w.eng.metrics.AddRequestSent()

	if db := w.eng.traceDB; db != nil {
		rec := &logging.TraceRecord{
			SentTimestamp:     &sentAt,
			ReceivedTimestamp: &receivedAt,
			Request:           w.eng.authProvider.RedactTokens(data),
			Response:          resp.String(),
			Tags:              logging.TraceTags{Origin: origin},
		}
		if err := db.Log(rec); err != nil {
			slog.Warn("trace db write failed", "error", err)
		}
	}
	return resp, nil
}

// substituteAuth replaces the auth marker with the current primary header
// block. A request without the marker passes through untouched.
func (w *Worker) substituteAuth(ctx context.Context, data string) (string, error) {
	if !strings.Contains(data, grammar.AuthTokenMarker) {
		return data, nil
	}
	block, err := w.eng.authProvider.Primary(ctx)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(data, grammar.AuthTokenMarker, block), nil
}

// RenderAndSend renders the request's current combination, resolves
// dependencies, sends it, binds writer variables on a valid response,
// polls async creation, invokes the parser, and appends the exchange to
// the sequence's sent-data list.
func (w *Worker) RenderAndSend(ctx context.Context, seq *sequences.Sequence, req *grammar.Request, origin string) (*transport.Response, error) {
	rendering, err := req.RenderCurrent(w.eng.rc)
	if err != nil {
		return nil, err
	}
	data, err := sequences.ResolveDependencies(rendering.Data, w.eng.table)
	if err != nil {
		return nil, err
	}

	resp, err := w.send(ctx, data, origin)
	if err != nil {
		return nil, err
	}
	if resp.HasValidCode() {
		for name, value := range rendering.WriterVariables {
			w.eng.table.Set(name, value)
		}
	}

	asyncWait := w.eng.cfg.MaxAsyncWait(req.Endpoint)
	parseTarget := w.pollAsync(ctx, data, resp, asyncWait)
	if parseTarget.HasValidCode() && rendering.Parser != nil {
		if err := w.eng.parseResponse(rendering.Parser, parseTarget); err != nil {
			slog.Debug("response parse failed", "request_id", req.ID, "error", err)
		}
	}

	seq.AppendSent(&sequences.SentRequestData{
		Rendered:            data,
		Parser:              rendering.Parser,
		Response:            resp,
		ProducerTimingDelay: w.eng.cfg.ProducerTimingDelay(req.Endpoint),
		MaxAsyncWait:        asyncWait,
	})
	if delay := w.eng.cfg.ProducerTimingDelay(req.Endpoint); delay > 0 && resp.HasValidCode() {
		sleepCtx(ctx, delay)
	}
	return resp, nil
}

// SwapIdentity rewrites rendered bytes to the secondary identity: the
// shadow auth header block plus the dictionary's shadow payload values.
func (w *Worker) SwapIdentity(ctx context.Context, data string) (string, error) {
	shadow, err := w.eng.authProvider.Shadow(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrNoToken) {
			return "", err
		}
		// Fall through: shadow dictionary values may still apply.
		if len(w.eng.pool.ShadowTags()) == 0 {
			return "", err
		}
	} else {
		primary, perr := w.eng.authProvider.Primary(ctx)
		if perr != nil {
			return "", perr
		}
		data = strings.ReplaceAll(data, grammar.AuthTokenMarker, shadow)
		data = strings.ReplaceAll(data, primary, shadow)
	}
	for _, tag := range w.eng.pool.ShadowTags() {
		victim, ok := w.eng.pool.PrimaryValue(tag)
		if !ok {
			continue
		}
		if sv, ok := w.eng.pool.ShadowValue(tag); ok {
			data = strings.ReplaceAll(data, victim, sv)
		}
	}
	return data, nil
}

// IsRuleViolation applies the shared checker rule: when
// validResponseIsViolation is set, a valid status code on a request that
// must fail indicates the bug; otherwise any bug-class code does.
func (w *Worker) IsRuleViolation(seq *sequences.Sequence, resp *transport.Response, validResponseIsViolation bool) bool {
	if resp == nil {
		return false
	}
	if validResponseIsViolation {
		return resp.HasValidCode()
	}
	return w.eng.classifier.HasBugCode(resp)
}

// Table returns the shared dependency table.
func (w *Worker) Table() *dependencies.Table { return w.eng.table }

// RenderContext returns the shared rendering context.
func (w *Worker) RenderContext() *grammar.RenderContext { return w.eng.rc }

// Monitor returns the shared fuzzing monitor.
func (w *Worker) Monitor() *monitors.FuzzingMonitor { return w.eng.monitor }

// Buckets returns the shared bug bucket store.
func (w *Worker) Buckets() *bugs.Buckets { return w.eng.buckets }

// Settings returns the engine configuration.
func (w *Worker) Settings() *settings.Settings { return w.eng.cfg }

// FuzzingRequests returns the fuzzed request collection.
func (w *Worker) FuzzingRequests() []*grammar.Request { return w.eng.collection.Fuzzable() }

// RequestsByID returns the requests sharing a request id.
func (w *Worker) RequestsByID(id string) []*grammar.Request { return w.eng.collection.ByRequestID(id) }

// parseResponse runs a response parser: each extraction is guarded and
// silent on a missing field, but a parser that extracts nothing at all is
// an error and the rendering is classified as a parser failure.
func (e *Engine) parseResponse(parser *grammar.ResponseParser, resp *transport.Response) error {
	if parser == nil {
		return nil
	}
	expected := len(parser.Writers) + len(parser.HeaderWriters)
	if expected == 0 {
		return nil
	}

	extracted := 0
	jsonBody := resp.JSONBody()
	for name, path := range parser.Writers {
		value := gjson.Get(jsonBody, path)
		if !value.Exists() {
			continue
		}
		e.table.Set(name, value.String())
		extracted++
	}
	for name, header := range parser.HeaderWriters {
		if value, ok := headerValue(resp.String(), header); ok {
			e.table.Set(name, value)
			extracted++
		}
	}

	if extracted == 0 {
		return fmt.Errorf("%w", ErrResponseParse)
	}
	return nil
}

// headerValue scans the response head for a header.
func headerValue(raw, name string) (string, bool) {
	head := raw
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		head = raw[:idx]
	}
	for _, line := range strings.Split(head, "\r\n")[1:] {
		key, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
