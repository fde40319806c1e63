// Package checkers provides the checker interface and registry.
//
// Checkers receive a just-rendered sequence and mutate or extend it to
// provoke a specific bug class: resource leakage, hierarchy violations,
// use-after-free, namespace violations, invalid dynamic objects, payload
// body corruption, and example divergence. A checker that detects a bug
// files it in the engine's bug buckets under its own origin.
package checkers

import (
	"context"

	"github.com/praetorian-inc/restfuzz/pkg/registry"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// Checker is the interface all checker implementations must satisfy.
type Checker interface {
	// Apply runs the check against a rendered sequence. Checkers send
	// their own requests through the executor and must leave the
	// dependency table as they found it (the no-gc overlay excepted).
	Apply(ctx context.Context, exec Executor, rendered *sequences.RenderedSequence) error
	// Name returns the checker's friendly name (e.g. "useafterfree"),
	// used as the bug bucket origin and the settings key.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// EnabledByDefault reports whether the checker runs when the
	// settings file does not mention it.
	EnabledByDefault() bool
}

// Registry is the global checker registry.
var Registry = registry.New[Checker]("checkers")

// Register adds a checker factory to the global registry.
// Called from init() functions in checker implementations.
func Register(name string, factory func(registry.Config) (Checker, error)) {
	Registry.Register(name, factory)
}

// List returns all registered checker names.
func List() []string {
	return Registry.List()
}

// Create instantiates a checker by name.
func Create(name string, cfg registry.Config) (Checker, error) {
	return Registry.Create(name, cfg)
}

// DefaultOrder is the order the driver applies checkers in. Leakage,
// hierarchy, and use-after-free run before the rest so their tighter
// preconditions see the sequence before other checkers have sent
// additional requests.
var DefaultOrder = []string{
	"leakage",
	"resourcehierarchy",
	"useafterfree",
	"namespace",
	"invaliddynamicobject",
	"payloadbody",
	"examples",
}
