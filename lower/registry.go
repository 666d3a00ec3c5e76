package lower

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-lower/onnx"
)

// Importer lowers one node: given the node, its already-resolved inputs (with
// empty Values standing for omitted optionals) and the lowering context, it
// emits target-graph layers and returns the node's output values in order.
// Importers are deterministic: identical inputs and attributes always produce
// an isomorphic emitted subgraph.
type Importer func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error)

// Registry maps operator types to importers. It is populated once, before
// lowering starts, and read-only afterwards.
type Registry struct {
	importers map[string]Importer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{importers: make(map[string]Importer)}
}

// Register adds an importer for opType and returns true. Registering the same
// operator type twice is a programming error and panics.
func (r *Registry) Register(opType string, fn Importer) bool {
	if _, found := r.importers[opType]; found {
		exceptions.Panicf("lower: importer for operator %q registered twice", opType)
	}
	r.importers[opType] = fn
	return true
}

// Lookup returns the importer registered for opType.
func (r *Registry) Lookup(opType string) (Importer, bool) {
	fn, found := r.importers[opType]
	return fn, found
}

// newBuiltinRegistry builds the registry of native importers. Registration
// happens here, explicitly, instead of in per-file init functions, so the
// table's content never depends on initialization order.
func newBuiltinRegistry() *Registry {
	r := NewRegistry()
	registerMathOps(r)
	registerActivationOps(r)
	registerShapeOps(r)
	registerMatMulOps(r)
	registerConvPoolOps(r)
	registerNormOps(r)
	registerReduceOps(r)
	registerRecurrentOps(r)
	registerControlFlowOps(r)
	return r
}
