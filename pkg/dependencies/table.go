// Package dependencies maintains the dynamic-variable table that links
// producer requests to consumer requests across a sequence.
//
// A producer binds a variable when its response parser extracts a value; a
// consumer reads the latest value at dependency-resolution time. The table
// also tracks every value ever produced per variable type so the garbage
// collector can delete the server-side objects behind them.
package dependencies

import (
	"strings"
	"sync"
)

// RDELIM wraps a variable name inside rendered payload bytes. The rendered
// form of a dynamic reader is RDELIM + name + RDELIM, substituted by
// sequence dependency resolution just before send.
const RDELIM = "_READER_DELIM_"

// Marker returns the placeholder rendered for a dynamic reader.
func Marker(name string) string {
	return RDELIM + name + RDELIM
}

// IsMarker reports whether s contains a reader placeholder.
func IsMarker(s string) bool {
	return strings.Contains(s, RDELIM)
}

// Table is the process-wide dynamic-variable store. It has two overlays:
// the normal table, cleared between rendering attempts, and a no-gc overlay
// that survives resets and never feeds the garbage collector. The leakage
// checker uses the overlay to keep a failed rendering's would-be values
// visible across a reset.
type Table struct {
	mu   sync.Mutex
	vars map[string]string
	noGC map[string]string

	// created accumulates every value bound per variable type, in binding
	// order. The garbage collector drains it via Overflow.
	created map[string][]string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		vars:    make(map[string]string),
		noGC:    make(map[string]string),
		created: make(map[string][]string),
	}
}

// Set binds name to value in the normal table and records the value as a
// live server-side object for garbage collection.
func (t *Table) Set(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vars[name] = value
	t.created[name] = append(t.created[name], value)
}

// SetNoGC binds name to value in the overlay that survives Reset and is
// invisible to the garbage collector. Any normal binding of the name is
// dropped so the overlay value is what readers resolve next.
func (t *Table) SetNoGC(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noGC[name] = value
	delete(t.vars, name)
}

// Get returns the latest value of name. The normal table wins over the
// no-gc overlay. ok is false when the variable is unbound in both, which
// resolves as a sequence failure at the consuming position.
func (t *Table) Get(name string) (value string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, found := t.vars[name]; found {
		return v, true
	}
	if v, found := t.noGC[name]; found {
		return v, true
	}
	return "", false
}

// Reset clears the normal table. The no-gc overlay and the created-object
// history persist.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vars = make(map[string]string)
}

// LiveCount returns the number of created object values currently tracked
// for the given variable type.
func (t *Table) LiveCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.created[name])
}

// Types returns every variable type with at least one tracked object.
func (t *Table) Types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	types := make([]string, 0, len(t.created))
	for name, values := range t.created {
		if len(values) > 0 {
			types = append(types, name)
		}
	}
	return types
}

// Overflow removes and returns the oldest tracked values of name beyond
// limit. The garbage collector deletes the server-side objects behind the
// returned values.
func (t *Table) Overflow(name string, limit int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := t.created[name]
	if limit < 0 || len(values) <= limit {
		return nil
	}
	n := len(values) - limit
	evicted := make([]string, n)
	copy(evicted, values[:n])
	t.created[name] = values[n:]
	return evicted
}

// Restore re-queues values that a garbage collection pass failed to delete
// so a later pass retries them.
func (t *Table) Restore(name string, values []string) {
	if len(values) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created[name] = append(values, t.created[name]...)
}
