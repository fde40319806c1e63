package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praetorian-inc/restfuzz/pkg/auth"
	"github.com/praetorian-inc/restfuzz/pkg/bugs"
	"github.com/praetorian-inc/restfuzz/pkg/checkers"
	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/dictionary"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/logging"
	"github.com/praetorian-inc/restfuzz/pkg/metrics"
	"github.com/praetorian-inc/restfuzz/pkg/monitors"
	"github.com/praetorian-inc/restfuzz/pkg/ratelimit"
	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/retry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// Engine owns the shared state of a fuzzing run and drives the
// generation-by-generation sequence synthesis.
type Engine struct {
	cfg        *settings.Settings
	collection *grammar.Collection
	pool       *dictionary.Pool
	rc         *grammar.RenderContext

	table        *dependencies.Table
	monitor      *monitors.FuzzingMonitor
	buckets      *bugs.Buckets
	authProvider *auth.Provider
	classifier   *transport.Classifier
	traceDB      *logging.TraceDB
	throttle     *ratelimit.Limiter
	metrics      *metrics.Metrics
	speccov      *Speccov

	checkers []checkers.Checker
	gc       *garbageCollector
}

// New wires an engine from its inputs. The token source may be nil for
// unauthenticated targets.
func New(cfg *settings.Settings, collection *grammar.Collection, pool *dictionary.Pool, tokenSource auth.TokenSource) (*Engine, error) {
	classifier, err := transport.CompileClassifier(cfg.CustomBugCodes, cfg.CustomNonBugCodes)
	if err != nil {
		return nil, fmt.Errorf("compile status code patterns: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		collection:   collection,
		pool:         pool,
		rc:           &grammar.RenderContext{Pool: pool},
		table:        dependencies.NewTable(),
		monitor:      monitors.NewFuzzingMonitor(cfg.TimeBudget()),
		authProvider: auth.NewProvider(tokenSource, cfg.TokenRefreshInterval()),
		classifier:   classifier,
		throttle:     ratelimit.NewRPSLimiter(cfg.TargetRPS),
		metrics:      &metrics.Metrics{},
		speccov:      NewSpeccov(),
	}
	e.monitor.SetMemoizeInvalidRenderings(cfg.MemoizeInvalidPastRenderings)

	if cfg.TraceDBDir != "" {
		e.traceDB, err = logging.NewTraceDB(cfg.TraceDBDir)
		if err != nil {
			return nil, err
		}
	}

	var sink bugs.Sink
	if cfg.LogsDir != "" {
		sink, err = bugs.NewDirSink(cfg.LogsDir + "/bug_buckets")
		if err != nil {
			return nil, err
		}
	}
	e.buckets = bugs.NewBuckets(&replayer{eng: e}, sink)

	if err := e.buildCheckers(); err != nil {
		return nil, err
	}
	e.gc = newGarbageCollector(e)
	return e, nil
}

// buildCheckers instantiates the enabled checkers in the fixed driver
// order.
func (e *Engine) buildCheckers() error {
	for _, name := range checkers.DefaultOrder {
		if !checkers.Registry.Has(name) {
			continue
		}
		var args registry.Config
		if cs, ok := e.cfg.Checkers[name]; ok {
			args = registry.Config(cs.Args)
		}
		chk, err := checkers.Create(name, args)
		if err != nil {
			return fmt.Errorf("create checker %s: %w", name, err)
		}
		if !e.cfg.CheckerEnabled(name, chk.EnabledByDefault()) {
			continue
		}
		e.checkers = append(e.checkers, chk)
	}
	return nil
}

// Monitor exposes the run monitor (primarily for inspection in tests and
// the CLI summary).
func (e *Engine) Monitor() *monitors.FuzzingMonitor { return e.monitor }

// Buckets exposes the bug bucket store.
func (e *Engine) Buckets() *bugs.Buckets { return e.buckets }

// Metrics exposes the run counters.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Speccov exposes the per-request coverage aggregate.
func (e *Engine) Speccov() *Speccov { return e.speccov }

// RenderContext exposes the rendering context so callers can install a
// deterministic uuid-suffix source.
func (e *Engine) RenderContext() *grammar.RenderContext { return e.rc }

// Run executes the whole fuzzing session: preprocessing, the BFS over
// generations, and postprocessing. A time-budget expiry is a normal
// termination; dictionary errors and engine faults are returned.
func (e *Engine) Run(ctx context.Context) error {
	stopMetrics := e.serveMetrics()
	defer stopMetrics()

	workers := make([]*Worker, e.cfg.FuzzingJobs)
	for i := range workers {
		w, err := e.newWorker(i)
		if err != nil {
			return err
		}
		workers[i] = w
		defer w.close()
	}

	if err := e.preprocess(ctx, workers[0]); err != nil {
		return err
	}
	e.monitor.ResetRenderings()
	e.monitor.ResetStartTime()

	// The garbage collector owns its own socket: its timer fires while
	// the fuzzing workers are mid-send.
	gcWorker, err := e.newWorker(len(workers))
	if err != nil {
		return err
	}
	defer gcWorker.close()

	gcCtx, stopGC := context.WithCancel(ctx)
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		e.gc.run(gcCtx, gcWorker)
	}()

	err = e.fuzz(ctx, workers)

	stopGC()
	<-gcDone
	e.postprocess(ctx, gcWorker)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, monitors.ErrTimeBudgetExceeded):
		slog.Info("time budget exceeded, run terminated")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// preprocess executes the create-once requests serially, with bounded
// retries on transient failures, and records their payloads for replay
// artifacts.
func (e *Engine) preprocess(ctx context.Context, w *Worker) error {
	createOnce := e.collection.CreateOnce()
	if len(createOnce) == 0 {
		return nil
	}
	slog.Info("executing create-once requests", "count", len(createOnce))

	var payloads []string
	seq := sequences.New()
	for _, req := range createOnce {
		seq = seq.Extend(req)
		cfg := retry.DefaultConfig()
		cfg.RetryableFunc = func(err error) bool {
			return errors.Is(err, transport.ErrConnectionClosed)
		}
		var resp *transport.Response
		err := retry.Do(ctx, cfg, func() error {
			var sendErr error
			resp, sendErr = w.RenderAndSend(ctx, seq, req, "preprocessing")
			if sendErr != nil {
				return sendErr
			}
			if resp.StatusCode() == "429" {
				return transport.ErrConnectionClosed
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("create-once request %s failed: %w", req.ID, err)
		}
		if !resp.HasValidCode() {
			return fmt.Errorf("create-once request %s got status %s", req.ID, resp.StatusCode())
		}
	}
	for _, sent := range seq.SentData() {
		payloads = append(payloads, sent.Rendered)
	}
	e.buckets.SetCreateOncePayloads(payloads)
	return nil
}

// fuzz is the BFS driver: extend every valid length-g sequence by one
// request to produce the length-g+1 candidates, render each candidate
// through its combinations, and keep the valid ones as the next seeds.
func (e *Engine) fuzz(ctx context.Context, workers []*Worker) error {
	seeds := []*sequences.Sequence{sequences.New()}

	for gen := 1; gen <= e.cfg.MaxSequenceLength; gen++ {
		e.monitor.SetGeneration(gen)

		candidates := e.extend(seeds)
		if len(candidates) == 0 {
			slog.Info("no candidate sequences, run exhausted", "generation", gen)
			return nil
		}
		slog.Info("fuzzing generation", "generation", gen,
			"seeds", len(seeds), "candidates", len(candidates))

		results := make([]*sequences.RenderedSequence, len(candidates))
		pool := make(chan *Worker, len(workers))
		for _, w := range workers {
			pool <- w
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(workers))
		for i, candidate := range candidates {
			i, candidate := i, candidate
			g.Go(func() error {
				w := <-pool
				defer func() { pool <- w }()

				rendered, err := w.renderSequence(gctx, candidate)
				if err != nil {
					return err
				}
				results[i] = rendered
				w.applyCheckers(gctx, rendered)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		seeds = seeds[:0]
		for _, rendered := range results {
			if rendered != nil && rendered.Valid {
				seeds = append(seeds, rendered.Sequence)
			}
		}
		slog.Info("generation complete", "generation", gen, "valid", len(seeds),
			"requests_sent", e.monitor.NumRequestsSent()["main_driver"])

		e.gc.collect(ctx, workers[0])

		if len(seeds) == 0 {
			slog.Info("no valid sequences at generation, stopping", "generation", gen)
			return nil
		}
	}
	return nil
}

// extend produces the next generation's candidates: every fuzzable
// request whose consumed types are covered by the current seeds' produced
// types, appended to every seed. Ordering is deterministic: request
// declaration order, then seed insertion order.
func (e *Engine) extend(seeds []*sequences.Sequence) []*sequences.Sequence {
	var producedSets []map[string]bool
	for _, seed := range seeds {
		for _, req := range seed.Requests() {
			producedSets = append(producedSets, req.Produces())
		}
	}
	produced := grammar.Union(producedSets...)

	var candidates []*sequences.Sequence
	for _, req := range e.collection.Fuzzable() {
		if !grammar.Subset(req.Consumes(), produced) {
			continue
		}
		for _, seed := range seeds {
			candidates = append(candidates, seed.Extend(req.Clone()))
		}
	}
	return candidates
}

// renderSequence renders a candidate's final request through its
// combination space: replay the prefix at its chosen combinations, render
// and send the final request, classify, and stop at the first fully-valid
// rendering. Invalid combinations are recorded in the renderings monitor;
// known-invalid ones are skipped.
func (w *Worker) renderSequence(ctx context.Context, candidate *sequences.Sequence) (*sequences.RenderedSequence, error) {
	eng := w.eng
	req := candidate.LastRequest()
	prefix := candidate.Requests()[:candidate.Length()-1]

	iter, err := req.NewRenderIter(eng.rc, 0, eng.cfg.MaxCombinations)
	if err != nil {
		return nil, err
	}

	rendered := &sequences.RenderedSequence{
		Sequence: sequences.New(candidate.Requests()...),
		Failure:  sequences.InvalidDueToSequenceFailure,
	}

	for {
		if eng.monitor.IsInvalidRendering(req) {
			slog.Debug("skipping known-invalid rendering",
				"request_id", req.ID, "combination", req.CurrentCombinationID())
			if !iter.Skip() {
				break
			}
			continue
		}
		rendering, ok := iter.Next()
		if !ok {
			break
		}
		if err := eng.monitor.CheckBudget(); err != nil {
			return nil, err
		}

		attempt := sequences.New(candidate.Requests()...)
		eng.table.Reset()

		statuses, prefixOK, err := w.replayPrefix(ctx, attempt, prefix)
		if err != nil {
			return nil, err
		}
		if !prefixOK {
			statuses = append(statuses, eng.monitor.NewExecutionStatus(
				req.HexDefinition(), transport.NeverSentCode, false, true))
			eng.monitor.UpdateStatusCodes(attempt, statuses)
			eng.speccov.Record(req, sequences.InvalidDueToSequenceFailure)
			rendered.Sequence = attempt
			rendered.Failure = sequences.InvalidDueToSequenceFailure
			break
		}

		outcome, resp, err := w.sendFinal(ctx, attempt, req, rendering)
		if err != nil {
			if errors.Is(err, auth.ErrNoToken) {
				slog.Warn("no auth token for request, skipping", "request_id", req.ID)
				rendered.Sequence = attempt
				break
			}
			return nil, err
		}

		if outcome == sequences.InvalidDueToSequenceFailure {
			// A dependency went missing at the final position. The
			// combination was never sent: record the sequence failure
			// but not a rendering verdict, and abandon the candidate.
			statuses = append(statuses, eng.monitor.NewExecutionStatus(
				req.HexDefinition(), resp.StatusCode(), false, true))
			eng.monitor.UpdateStatusCodes(attempt, statuses)
			eng.speccov.Record(req, outcome)
			rendered.Sequence = attempt
			rendered.Failure = outcome
			break
		}

		fullyValid := outcome == sequences.Valid
		statuses = append(statuses, eng.monitor.NewExecutionStatus(
			req.HexDefinition(), resp.StatusCode(), fullyValid, false))
		eng.monitor.UpdateStatusCodes(attempt, statuses)
		eng.monitor.UpdateRendering(req, fullyValid)
		eng.speccov.Record(req, outcome)
		eng.metrics.AddSequenceRendered(fullyValid)

		rendered.Sequence = attempt
		rendered.FinalResponse = resp
		rendered.Failure = outcome
		if fullyValid {
			rendered.Valid = true
			return rendered, nil
		}
	}
	return rendered, nil
}

// replayPrefix re-renders and sends the prefix requests at their current
// combinations. Returns ok=false when a prefix request fails, which is a
// sequence failure for the candidate.
func (w *Worker) replayPrefix(ctx context.Context, attempt *sequences.Sequence, prefix []*grammar.Request) ([]*monitors.RequestExecutionStatus, bool, error) {
	var statuses []*monitors.RequestExecutionStatus
	for _, preq := range prefix {
		resp, err := w.RenderAndSend(ctx, attempt, preq, bugs.OriginMainDriver)
		if err != nil {
			if errors.Is(err, sequences.ErrDependencyUnresolved) || errors.Is(err, auth.ErrNoToken) {
				return statuses, false, nil
			}
			return nil, false, err
		}
		statuses = append(statuses, w.eng.monitor.NewExecutionStatus(
			preq.HexDefinition(), resp.StatusCode(), resp.HasValidCode(), false))
		if !resp.HasValidCode() {
			return statuses, false, nil
		}
	}
	return statuses, true, nil
}

// sendFinal resolves and sends the final request's rendering, binds
// writer variables, polls async creation, runs the parser, appends the
// exchange to the attempt, and classifies the outcome. Bug-class codes
// are filed into the bug buckets.
func (w *Worker) sendFinal(ctx context.Context, attempt *sequences.Sequence, req *grammar.Request, rendering *grammar.Rendering) (sequences.Classification, *transport.Response, error) {
	eng := w.eng

	data, err := sequences.ResolveDependencies(rendering.Data, eng.table)
	if err != nil {
		return sequences.InvalidDueToSequenceFailure, transport.NewPseudoResponse(transport.NeverSentCode), nil
	}

	resp, err := w.send(ctx, data, bugs.OriginMainDriver)
	if err != nil {
		return sequences.InvalidDueToSequenceFailure, nil, err
	}

	if resp.HasValidCode() {
		for name, value := range rendering.WriterVariables {
			eng.table.Set(name, value)
		}
	}

	asyncWait := eng.cfg.MaxAsyncWait(req.Endpoint)
	parseTarget := w.pollAsync(ctx, data, resp, asyncWait)
	var parseErr error
	if parseTarget.HasValidCode() {
		parseErr = eng.parseResponse(rendering.Parser, parseTarget)
	}

	attempt.AppendSent(&sequences.SentRequestData{
		Rendered:            data,
		Parser:              rendering.Parser,
		Response:            resp,
		ProducerTimingDelay: eng.cfg.ProducerTimingDelay(req.Endpoint),
		MaxAsyncWait:        asyncWait,
	})

	if eng.classifier.HasBugCode(resp) {
		eng.metrics.AddBugFound()
		eng.buckets.UpdateBugBuckets(ctx, attempt, resp.StatusCode(), bugs.UpdateOptions{
			Origin:    bugs.OriginMainDriver,
			Reproduce: eng.cfg.Reproduce,
		})
	}

	switch {
	case resp.HasValidCode() && parseErr == nil:
		return sequences.Valid, resp, nil
	case resp.HasValidCode():
		return sequences.InvalidDueToParserFailure, resp, nil
	case strings.HasPrefix(resp.StatusCode(), "5"):
		return sequences.InvalidDueTo500, resp, nil
	default:
		return sequences.InvalidDueToResourceFailure, resp, nil
	}
}

// applyCheckers runs every enabled checker over a rendered sequence.
// Checker errors never fail the run; a budget expiry stops the worker at
// its next send instead.
func (w *Worker) applyCheckers(ctx context.Context, rendered *sequences.RenderedSequence) {
	if rendered == nil {
		return
	}
	for _, chk := range w.eng.checkers {
		if err := chk.Apply(ctx, w, rendered); err != nil {
			if errors.Is(err, monitors.ErrTimeBudgetExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			slog.Debug("checker failed", "checker", chk.Name(), "error", err)
		}
	}
}

// postprocess runs the garbage collector to quiescence and flushes the
// persisted state.
func (e *Engine) postprocess(ctx context.Context, w *Worker) {
	e.gc.runToQuiescence(ctx, w)

	if e.cfg.LogsDir != "" {
		if err := e.speccov.WriteFile(e.cfg.LogsDir + "/speccov.json"); err != nil {
			slog.Warn("failed to write speccov", "error", err)
		}
	}
	if e.traceDB != nil {
		e.traceDB.Close()
	}

	never := 0
	for _, req := range e.collection.Fuzzable() {
		if !e.monitor.IsFullyRenderedRequest(req) {
			never++
			slog.Info("request never rendered", "request_id", req.ID, "method", req.Method)
		}
	}
	slog.Info("run summary",
		"requests_sent", e.monitor.NumRequestsSent(),
		"bug_buckets", e.buckets.NumBugBuckets(),
		"never_rendered", never)
}

// serveMetrics starts the optional Prometheus endpoint.
func (e *Engine) serveMetrics() func() {
	if e.cfg.MetricsAddr == "" {
		return func() {}
	}
	exporter := metrics.NewPrometheusExporter(e.metrics)
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
