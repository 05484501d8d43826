// Package operation describes what a node is asked to do remotely.
//
// Instead of shipping code to evaluate, a caller sends a Descriptor: a target
// selector, an operation name and typed arguments. The remote node resolves the
// name in its Registry, which holds a closed set of handlers with a declared
// arity.
package operation

import (
	"context"
	"fmt"

	nlerrors "github.com/vinayprograms/nodelink/errors"
)

// Selector picks the object an operation acts on.
type Selector struct {
	// Kind is the selector language, e.g. "id", "path" or "xpath".
	Kind string `json:"kind,omitempty"`

	// Value is the selector expression.
	Value string `json:"value,omitempty"`
}

// Descriptor is the typed replacement for remote code evaluation.
type Descriptor struct {
	Target Selector `json:"target"`
	Name   string   `json:"name"`
	Args   []any    `json:"args,omitempty"`
}

// Op builds a descriptor with no target selector.
func Op(name string, args ...any) Descriptor {
	return Descriptor{Name: name, Args: args}
}

// On returns a copy of d targeting sel.
func (d Descriptor) On(kind, value string) Descriptor {
	d.Target = Selector{Kind: kind, Value: value}
	return d
}

// Validate checks the fields that must be present before a descriptor is sent.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return nlerrors.Validation("operation name is mandatory")
	}
	return nil
}

// String is used in log lines.
func (d Descriptor) String() string {
	if d.Target.Kind == "" {
		return fmt.Sprintf("%s/%d", d.Name, len(d.Args))
	}
	return fmt.Sprintf("%s(%s:%s)/%d", d.Name, d.Target.Kind, d.Target.Value, len(d.Args))
}

// Locatable is implemented by values that live on the serving node and must
// cross the wire as pointers rather than by value.
type Locatable interface {
	// Locate returns the locator kind and the stable locator of the value.
	Locate() (kind, locator string)
}

type ctxKey struct{}

// WithNodeID returns a context that tells handlers which node is serving them.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, nodeID)
}

// NodeIDFromContext returns the serving node id, or "".
func NodeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
