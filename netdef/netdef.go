// Package netdef is an explicit network-definition builder: the target graph
// the lowering engine emits into. It models a flat list of layers connected by
// tensors with fully inferred shapes, plus explicit loop constructs
// (trip limits, recurrences, iterators and loop outputs) for recurrent
// computations.
//
// The builder only constructs the graph; it does not execute it. Every layer's
// output shape is derived in closed form from its inputs and configuration, so
// the resulting definition is self-describing. A small reference interpreter
// (eval.go) evaluates float32 graphs layer by layer and exists to verify
// constructions in tests.
//
// A Builder is single-writer: exactly one goroutine may add layers, and the
// lowering session enforces this by owning the only reference.
package netdef

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim marks a dimension whose size is only known at execution time.
const DynamicDim = -1

// MakeShape builds a shape whose dimensions may include DynamicDim.
// shapes.Make rejects non-positive dimensions, so every shape that can carry
// a dynamic axis goes through here instead.
func MakeShape(dtype dtypes.DType, dims ...int) shapes.Shape {
	for _, dim := range dims {
		if dim <= 0 && dim != DynamicDim {
			exceptions.Panicf("netdef: invalid dimension %d in shape %v", dim, dims)
		}
	}
	return shapes.Shape{DType: dtype, Dimensions: slices.Clone(dims)}
}

// MaxRank is the maximum tensor rank the network definition supports.
const MaxRank = 8

// LayerKind identifies the operation a Layer performs.
type LayerKind int

const (
	LayerInvalid LayerKind = iota
	LayerConstant
	LayerIdentity
	LayerCast
	LayerElementWise
	LayerUnary
	LayerActivation
	LayerMatrixMultiply
	LayerFullyConnected
	LayerConvolution
	LayerDeconvolution
	LayerPooling
	LayerScale
	LayerShuffle
	LayerSlice
	LayerConcatenation
	LayerGather
	LayerReduce
	LayerTopK
	LayerSelect
	LayerSoftmax
	LayerLRN
	LayerPadding
	LayerResize
	LayerFill
	LayerTripLimit
	LayerRecurrence
	LayerIterator
	LayerLoopOutput
)

var layerKindNames = map[LayerKind]string{
	LayerConstant:       "Constant",
	LayerIdentity:       "Identity",
	LayerCast:           "Cast",
	LayerElementWise:    "ElementWise",
	LayerUnary:          "Unary",
	LayerActivation:     "Activation",
	LayerMatrixMultiply: "MatrixMultiply",
	LayerFullyConnected: "FullyConnected",
	LayerConvolution:    "Convolution",
	LayerDeconvolution:  "Deconvolution",
	LayerPooling:        "Pooling",
	LayerScale:          "Scale",
	LayerShuffle:        "Shuffle",
	LayerSlice:          "Slice",
	LayerConcatenation:  "Concatenation",
	LayerGather:         "Gather",
	LayerReduce:         "Reduce",
	LayerTopK:           "TopK",
	LayerSelect:         "Select",
	LayerSoftmax:        "Softmax",
	LayerLRN:            "LRN",
	LayerPadding:        "Padding",
	LayerResize:         "Resize",
	LayerFill:           "Fill",
	LayerTripLimit:      "TripLimit",
	LayerRecurrence:     "Recurrence",
	LayerIterator:       "Iterator",
	LayerLoopOutput:     "LoopOutput",
}

func (k LayerKind) String() string {
	if name, found := layerKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// Tensor is an opaque reference to one layer output (or network input),
// carrying its shape and element type. It is only valid within the Builder
// that created it.
type Tensor struct {
	builder  *Builder
	id       int
	name     string
	shape    shapes.Shape
	producer *Layer // nil for network inputs.
}

// Shape returns the tensor shape (dtype included). Dimensions may hold
// DynamicDim.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank is a shortcut for t.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Name returns the tensor's name, assigned at creation.
func (t *Tensor) Name() string { return t.name }

// Producer returns the layer that outputs this tensor, or nil for inputs.
func (t *Tensor) Producer() *Layer { return t.producer }

func (t *Tensor) String() string {
	return fmt.Sprintf("%s: %s", t.name, t.shape)
}

// Layer is one operation in the network definition.
type Layer struct {
	builder *Builder
	kind    LayerKind
	name    string
	inputs  []*Tensor
	outputs []*Tensor

	// config holds the kind-specific configuration struct (e.g. ConvConfig).
	config any

	// loop is set on layers created while a loop is being defined: they form
	// the loop body (and its interface layers).
	loop *Loop
}

// Kind returns the layer's operation kind.
func (l *Layer) Kind() LayerKind { return l.kind }

// Output returns the i-th output tensor.
func (l *Layer) Output(i int) *Tensor { return l.outputs[i] }

// NumOutputs returns how many outputs the layer produces.
func (l *Layer) NumOutputs() int { return len(l.outputs) }

// Inputs returns the layer's input tensors.
func (l *Layer) Inputs() []*Tensor { return l.inputs }

// Config returns the kind-specific configuration struct.
func (l *Layer) Config() any { return l.config }

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%q)", l.kind, l.name)
}

// Builder incrementally constructs a network definition.
type Builder struct {
	name       string
	layers     []*Layer
	inputs     []*Tensor
	outputs    []*Tensor
	nextTensor int

	// constants is the arena of materialized buffers referenced by layers.
	// They live until the Builder is discarded: emitted layers alias them.
	constants []*tensors.Tensor

	// openLoops is the stack of loops currently being defined.
	openLoops []*Loop
}

// NewBuilder creates an empty network definition.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Name returns the network name.
func (b *Builder) Name() string { return b.name }

// NumLayers returns the number of layers added so far.
func (b *Builder) NumLayers() int { return len(b.layers) }

// Layers returns the layers in insertion order. The slice is owned by the
// Builder; callers must not modify it.
func (b *Builder) Layers() []*Layer { return b.layers }

// Inputs returns the network input tensors.
func (b *Builder) Inputs() []*Tensor { return b.inputs }

// Outputs returns the tensors marked as network outputs.
func (b *Builder) Outputs() []*Tensor { return b.outputs }

// AddInput declares a network input with the given shape.
func (b *Builder) AddInput(name string, shape shapes.Shape) (*Tensor, error) {
	if shape.Rank() > MaxRank {
		return nil, errors.Errorf("input %q has rank %d, greater than the maximum %d", name, shape.Rank(), MaxRank)
	}
	t := b.newTensor(name, shape, nil)
	b.inputs = append(b.inputs, t)
	return t, nil
}

// MarkOutput declares t as a network output under the given name. Network
// inputs keep their declared name: Evaluate matches fed values by it.
func (b *Builder) MarkOutput(t *Tensor, name string) {
	if t.builder != b {
		exceptions.Panicf("netdef: MarkOutput(%q) called with a tensor from another builder", name)
	}
	if t.producer != nil {
		t.name = name
	}
	b.outputs = append(b.outputs, t)
}

// AddConstant adds a constant layer producing the given materialized value.
// The value is retained in the builder's arena for the builder's lifetime.
func (b *Builder) AddConstant(value *tensors.Tensor) *Tensor {
	b.constants = append(b.constants, value)
	layer := b.newLayer(LayerConstant, ConstantConfig{Value: value})
	return b.addOutput(layer, value.Shape())
}

// ConstantConfig configures a LayerConstant.
type ConstantConfig struct {
	Value *tensors.Tensor
}

func (b *Builder) newTensor(name string, shape shapes.Shape, producer *Layer) *Tensor {
	if name == "" {
		name = fmt.Sprintf("t%d", b.nextTensor)
	}
	t := &Tensor{builder: b, id: b.nextTensor, name: name, shape: shape, producer: producer}
	b.nextTensor++
	return t
}

func (b *Builder) newLayer(kind LayerKind, config any, inputs ...*Tensor) *Layer {
	for _, input := range inputs {
		if input.builder != b {
			exceptions.Panicf("netdef: layer %s given a tensor from another builder", kind)
		}
	}
	layer := &Layer{
		builder: b,
		kind:    kind,
		name:    fmt.Sprintf("%s_%d", kind, len(b.layers)),
		inputs:  inputs,
		config:  config,
	}
	if len(b.openLoops) > 0 {
		layer.loop = b.openLoops[len(b.openLoops)-1]
	}
	b.layers = append(b.layers, layer)
	return layer
}

func (b *Builder) addOutput(layer *Layer, shape shapes.Shape) *Tensor {
	t := b.newTensor("", shape, layer)
	layer.outputs = append(layer.outputs, t)
	return t
}
