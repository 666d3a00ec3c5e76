// Package lower translates ONNX dataflow graphs into explicit network
// definitions (netdef). Each operator type has an importer that reconciles
// the source format's rank, broadcast, axis and padding conventions across
// opset versions and emits the equivalent netdef layers; recurrent operators
// are unrolled into netdef's explicit loop constructs.
//
// A lowering session is single-threaded and synchronous: nodes are processed
// strictly in topological order, each importer runs to completion before the
// next, and the first failure aborts the whole session. Scratch constants
// created during lowering live in the builder's arena for the session's
// lifetime, because emitted layers reference them.
package lower

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultOpset is assumed when a model declares no opset import for the
// default operator domain.
const DefaultOpset = 11

// FallbackLoopLimit bounds loops that carry no explicit trip count. Scan
// outputs produced under it have an undefined length and are rejected when
// consumed outside their loop.
const FallbackLoopLimit = 1024

// PluginResolver supplies importers for operator types with no native
// lowering.
type PluginResolver interface {
	Resolve(opType string) (Importer, bool)
}

// Option configures a Session.
type Option func(*Session)

// WithPluginResolver installs a resolver consulted for unknown operators.
func WithPluginResolver(r PluginResolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithOpset overrides the opset version declared by the model.
func WithOpset(version int64) Option {
	return func(s *Session) { s.opsetOverride = version }
}

// WithFallbackLoopLimit replaces the default iteration bound for loops
// without a trip count.
func WithFallbackLoopLimit(limit int) Option {
	return func(s *Session) { s.fallbackLoopLimit = limit }
}

// Session owns one graph lowering: the builder under construction, the staged
// constants and the dispatch machinery. A session is used for a single Lower
// call and is not safe for concurrent use.
type Session struct {
	registry          *Registry
	resolver          PluginResolver
	opsetOverride     int64
	fallbackLoopLimit int

	builder *netdef.Builder
	opset   int64
	staged  map[*tensors.Tensor]*netdef.Tensor
}

// NewSession creates a lowering session with the built-in importer table.
func NewSession(opts ...Option) *Session {
	s := &Session{
		registry:          newBuiltinRegistry(),
		fallbackLoopLimit: FallbackLoopLimit,
		staged:            make(map[*tensors.Tensor]*netdef.Tensor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Context is what importers see: the builder, the name scope, the opset
// version and the scratch-constant allocator. Subgraph lowering gets a child
// context whose scope chains to the parent for reads but keeps writes local.
type Context struct {
	session *Session
	builder *netdef.Builder
	scope   *scope
	opset   int64
}

// Builder returns the target graph under construction.
func (ctx *Context) Builder() *netdef.Builder { return ctx.builder }

// Opset returns the model's declared operator set version.
func (ctx *Context) Opset() int64 { return ctx.opset }

// child returns a context with a fresh scope chained to this one. Names
// defined in the child never leak into the parent.
func (ctx *Context) child() *Context {
	return &Context{
		session: ctx.session,
		builder: ctx.builder,
		scope:   &scope{parent: ctx.scope, values: make(map[string]Value)},
		opset:   ctx.opset,
	}
}

// scope is one level of the name→value table. Reads chain to the parent;
// writes stay local.
type scope struct {
	parent *scope
	values map[string]Value
}

func (sc *scope) resolve(name string) (Value, bool) {
	for s := sc; s != nil; s = s.parent {
		if v, found := s.values[name]; found {
			return v, true
		}
	}
	return Value{}, false
}

func (sc *scope) define(name string, v Value) error {
	if _, found := sc.values[name]; found {
		return errors.Errorf("value %q defined twice", name)
	}
	sc.values[name] = v
	return nil
}

// tensorOf materializes a value into a target-graph tensor, staging weights
// through constant layers. Staging is cached: the same weight is emitted
// once.
func (ctx *Context) tensorOf(v Value) (*netdef.Tensor, error) {
	switch {
	case v.IsTensor():
		return v.Tensor(), nil
	case v.IsWeight():
		if t, found := ctx.session.staged[v.Weight()]; found {
			return t, nil
		}
		t := ctx.builder.AddConstant(v.Weight())
		ctx.session.staged[v.Weight()] = t
		return t, nil
	}
	return nil, errors.Errorf("cannot materialize an empty value")
}

// scalarConstant stages a scalar constant of the given dtype in the target
// graph.
func (ctx *Context) scalarConstant(dtype dtypes.DType, value float64) (*netdef.Tensor, error) {
	w, err := scalarWeight(dtype, value)
	if err != nil {
		return nil, err
	}
	return ctx.builder.AddConstant(w), nil
}

// scalarWeight builds a one-element constant of the given dtype.
func scalarWeight(dtype dtypes.DType, value float64) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromScalar(float32(value)), nil
	case dtypes.Float64:
		return tensors.FromScalar(value), nil
	case dtypes.Int32:
		return tensors.FromScalar(int32(value)), nil
	case dtypes.Int64:
		return tensors.FromScalar(int64(value)), nil
	case dtypes.Bool:
		return tensors.FromScalar(value != 0), nil
	}
	return nil, errors.Errorf("cannot build a scalar constant of dtype %s", dtype)
}

// Lower translates the model's graph into a network definition. It registers
// initializers as weights and graph inputs as builder inputs, walks the nodes
// in topological order dispatching each through the registry, and marks the
// graph outputs. The first failing node aborts the session.
func (s *Session) Lower(model *onnx.Model) (*netdef.Builder, error) {
	graph := model.Graph()
	if graph == nil {
		return nil, errors.Errorf("model has no graph")
	}
	s.opset = model.OpsetVersion(DefaultOpset)
	if s.opsetOverride != 0 {
		s.opset = s.opsetOverride
	}
	name := graph.Name
	if name == "" {
		name = "network"
	}
	s.builder = netdef.NewBuilder(name)
	ctx := &Context{
		session: s,
		builder: s.builder,
		scope:   &scope{values: make(map[string]Value)},
		opset:   s.opset,
	}

	initializers := make(map[string]bool, len(graph.Initializer))
	for _, proto := range graph.Initializer {
		w, err := onnx.Tensor(proto)
		if err != nil {
			return nil, errors.WithMessagef(err, "initializer %q", proto.Name)
		}
		initializers[proto.Name] = true
		if err := ctx.scope.define(proto.Name, WeightValue(w)); err != nil {
			return nil, err
		}
	}
	for _, info := range graph.Input {
		if initializers[info.Name] {
			continue
		}
		shape, err := valueInfoShape(info)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph input %q", info.Name)
		}
		t, err := s.builder.AddInput(info.Name, shape)
		if err != nil {
			return nil, err
		}
		if err := ctx.scope.define(info.Name, TensorValue(t)); err != nil {
			return nil, err
		}
	}

	if err := s.lowerNodes(ctx, graph.Node); err != nil {
		return nil, err
	}

	for _, info := range graph.Output {
		v, found := ctx.scope.resolve(info.Name)
		if !found {
			return nil, errors.Errorf("graph output %q was never produced", info.Name)
		}
		if v.fallbackScan {
			return nil, errors.Errorf("graph output %q is a scan output produced under the fallback loop bound; its length is undefined", info.Name)
		}
		t, err := ctx.tensorOf(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph output %q", info.Name)
		}
		s.builder.MarkOutput(t, info.Name)
	}
	return s.builder, nil
}

// lowerNodes processes nodes in dependency order. Graphs are usually already
// topologically sorted; out-of-order graphs are handled by deferring nodes
// whose inputs are not yet available.
func (s *Session) lowerNodes(ctx *Context, nodes []*onnx.NodeProto) error {
	pending := make([]*onnx.NodeProto, len(nodes))
	copy(pending, nodes)
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0]
		for _, node := range pending {
			if !s.nodeReady(ctx, node) {
				remaining = append(remaining, node)
				continue
			}
			if err := s.dispatchNode(ctx, node); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return errors.Errorf("graph is not a DAG or references undefined values: %d nodes cannot be resolved, first is %s",
				len(remaining), remaining[0])
		}
		pending = remaining
	}
	return nil
}

func (s *Session) nodeReady(ctx *Context, node *onnx.NodeProto) bool {
	for _, name := range node.Input {
		if name == "" {
			continue
		}
		if _, found := ctx.scope.resolve(name); !found {
			return false
		}
	}
	return true
}

func (s *Session) dispatchNode(ctx *Context, node *onnx.NodeProto) error {
	klog.V(2).Infof("lowering %s", node)
	inputs := make([]Value, len(node.Input))
	for i, name := range node.Input {
		if name == "" {
			continue
		}
		v, _ := ctx.scope.resolve(name)
		if v.fallbackScan {
			return nodeErrorf(UnsupportedNodeForm, node,
				"input %q is a scan output produced under the fallback loop bound and cannot be consumed outside its loop", name)
		}
		inputs[i] = v
	}

	fn, found := s.registry.Lookup(node.OpType)
	if !found && s.resolver != nil {
		fn, found = s.resolver.Resolve(node.OpType)
	}
	if !found {
		return nodeErrorf(UnsupportedOperator, node, "no importer registered for operator %q", node.OpType)
	}

	outputs, err := fn(ctx, node, inputs)
	if err != nil {
		return nodeError(InternalError, node, err)
	}
	if len(outputs) > len(node.Output) {
		return internalf(node, "importer returned %d outputs for %d declared names", len(outputs), len(node.Output))
	}
	for i, name := range node.Output {
		if name == "" {
			continue
		}
		if i >= len(outputs) || outputs[i].IsEmpty() {
			return unsupportedf(node, "output %q (index %d) is not produced by this lowering", name, i)
		}
		if err := ctx.scope.define(name, outputs[i]); err != nil {
			return nodeError(InvalidNode, node, err)
		}
	}
	return nil
}

// valueInfoShape converts a graph input/output declaration into a shape,
// mapping symbolic dimensions to the dynamic marker.
func valueInfoShape(info *onnx.ValueInfoProto) (shapes.Shape, error) {
	if info.Type == nil || info.Type.TensorType == nil {
		return shapes.Shape{}, errors.Errorf("missing tensor type")
	}
	tt := info.Type.TensorType
	dtype, err := tt.ElemType.DType()
	if err != nil {
		return shapes.Shape{}, err
	}
	if tt.Shape == nil {
		return shapes.Make(dtype), nil
	}
	dims := make([]int, len(tt.Shape.Dim))
	for i, d := range tt.Shape.Dim {
		if d.DimParam != "" || d.DimValue < 0 {
			dims[i] = netdef.DynamicDim
			continue
		}
		dims[i] = int(d.DimValue)
	}
	return netdef.MakeShape(dtype, dims...), nil
}
