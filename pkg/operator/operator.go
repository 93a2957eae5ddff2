// Package operator provides the global operator factory registry: the
// pluggable unit of per-record computation a Task wires between its input
// channels and its subpartitions (§3 "the operator layer" / §6 "Exposed to
// the operator layer").
package operator

import (
	"context"
	"fmt"
	"sort"

	"firestige.xyz/streamrt/internal/buffer"
)

// Operator is the minimal contract a task's record-processing unit must
// satisfy. Process is called once per dispatched input buffer and returns
// zero or more output buffers to append to the task's subpartitions.
type Operator interface {
	Name() string
	Init(params map[string]interface{}) error
	Process(ctx context.Context, in *buffer.Buffer) ([]*buffer.Buffer, error)
	Close() error
}

// Factory is a zero-parameter constructor for an Operator. Parameter
// injection happens afterwards via Operator.Init, mirroring the teacher's
// two-phase "construct empty, then inject config" plugin assembly.
type Factory func() Operator

var registry = make(map[string]Factory)

// Register adds a factory under name. Panics on a duplicate name, since
// that indicates two operator packages were linked in under the same
// name — a compile-time wiring bug, not a runtime condition.
func Register(name string, factory Factory) {
	if name == "" {
		panic("operator: name cannot be empty")
	}
	if factory == nil {
		panic("operator: factory cannot be nil")
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("operator: %q already registered", name))
	}
	registry[name] = factory
}

// ErrNotFound is returned by Get for an unregistered name.
var ErrNotFound = fmt.Errorf("operator: not found")

// Get resolves and constructs the named operator, then runs Init on it.
func Get(name string, params map[string]interface{}) (Operator, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("operator %q: %w", name, ErrNotFound)
	}
	op := factory()
	if err := op.Init(params); err != nil {
		return nil, fmt.Errorf("operator %q: init: %w", name, err)
	}
	return op, nil
}

// List returns every registered operator name, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
