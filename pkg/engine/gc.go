package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/praetorian-inc/restfuzz/pkg/dependencies"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// garbageCollector deletes dynamically created server objects once a
// type's live count exceeds its cap. It runs on a timer and after each
// generation, and to quiescence during postprocessing.
type garbageCollector struct {
	eng *Engine
	// mu keeps the timer-driven pass and the per-generation pass from
	// interleaving on the same destructor requests.
	mu sync.Mutex
}

func newGarbageCollector(eng *Engine) *garbageCollector {
	return &garbageCollector{eng: eng}
}

// run is the timer loop; it exits when ctx is cancelled.
func (gc *garbageCollector) run(ctx context.Context, w *Worker) {
	interval := gc.eng.cfg.GarbageCollectionInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.collect(ctx, w)
		}
	}
}

// collect performs one pass: for each type over its cap, send the type's
// destructor for the overflow values. Failed deletions are re-queued for
// the next pass.
func (gc *garbageCollector) collect(ctx context.Context, w *Worker) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	eng := gc.eng
	var errs error
	for _, typeName := range eng.table.Types() {
		destructor := eng.collection.DestructorFor(typeName)
		if destructor == nil {
			continue
		}
		overflow := eng.table.Overflow(typeName, eng.cfg.ObjectCap(typeName))
		if len(overflow) == 0 {
			continue
		}

		var failed []string
		for _, value := range overflow {
			if err := gc.destroy(ctx, w, destructor, typeName, value); err != nil {
				failed = append(failed, value)
				errs = multierr.Append(errs, fmt.Errorf("delete %s=%s: %w", typeName, value, err))
				continue
			}
			eng.metrics.AddGCDelete()
		}
		eng.table.Restore(typeName, failed)
	}
	if errs != nil {
		slog.Debug("garbage collection incomplete", "error", errs)
	}
}

// destroy renders the destructor against one specific object value: the
// reader for the target type is bound to the value directly, any other
// readers resolve from the live table. A 404 counts as success, the
// object is already gone.
func (gc *garbageCollector) destroy(ctx context.Context, w *Worker, destructor *grammar.Request, typeName, value string) error {
	rendering, err := destructor.RenderCurrent(gc.eng.rc)
	if err != nil {
		return err
	}
	data := strings.ReplaceAll(rendering.Data, dependencies.Marker(typeName), value)
	data, err = sequences.ResolveDependencies(data, gc.eng.table)
	if err != nil {
		return err
	}

	resp, err := w.send(ctx, data, "gc")
	if err != nil {
		return err
	}
	if resp.HasValidCode() || resp.StatusCode() == "404" {
		return nil
	}
	return fmt.Errorf("destructor got status %s", resp.StatusCode())
}

// runToQuiescence loops until no type is over cap or a pass stops making
// progress.
func (gc *garbageCollector) runToQuiescence(ctx context.Context, w *Worker) {
	for i := 0; i < 10; i++ {
		before := gc.pendingOverflow()
		if before == 0 {
			return
		}
		gc.collect(ctx, w)
		if gc.pendingOverflow() >= before {
			return
		}
	}
}

func (gc *garbageCollector) pendingOverflow() int {
	eng := gc.eng
	total := 0
	for _, typeName := range eng.table.Types() {
		if eng.collection.DestructorFor(typeName) == nil {
			continue
		}
		if n := eng.table.LiveCount(typeName) - eng.cfg.ObjectCap(typeName); n > 0 {
			total += n
		}
	}
	return total
}
