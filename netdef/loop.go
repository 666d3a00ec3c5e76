package netdef

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TripLimitKind selects how a loop's iteration count is decided.
type TripLimitKind int

const (
	// TripCount runs the loop a fixed number of iterations, given by a
	// scalar integer tensor.
	TripCount TripLimitKind = iota
	// TripWhile re-evaluates a scalar Bool tensor before each iteration and
	// stops when it is false.
	TripWhile
)

// LoopOutputKind selects how a loop output aggregates per-iteration values.
type LoopOutputKind int

const (
	// LoopLastValue emits the value from the final iteration.
	LoopLastValue LoopOutputKind = iota
	// LoopConcatenate stacks the per-iteration values along a new axis, in
	// iteration order.
	LoopConcatenate
	// LoopReverse stacks the per-iteration values along a new axis, in
	// reverse iteration order.
	LoopReverse
)

type loopState int

const (
	loopUnstarted loopState = iota
	loopBodyDefined
	loopFinalized
)

// Loop groups the interface layers of one explicit loop: its trip limit,
// iterators, recurrences and outputs. Every layer added to the Builder
// between AddLoop and Finalize belongs to the loop body.
//
// Misuse of the construction protocol is a programming error and panics:
// the loop must receive a trip limit, every recurrence must be given its
// next value before Finalize, and nothing may be added after Finalize.
type Loop struct {
	builder *Builder
	name    string
	parent  *Loop
	state   loopState

	tripKind  TripLimitKind
	tripSet   bool
	tripInput *Tensor
	// tripCount is the statically known iteration count, or -1.
	tripCount int

	recurrences []*Recurrence
	iterators   []*Layer
	outputs     []*Layer
}

// Recurrence is one loop-carried value: it starts at an initial tensor and is
// replaced by its next value at the end of every iteration.
type Recurrence struct {
	loop    *Loop
	layer   *Layer
	next    *Tensor
	nextSet bool
}

// Output returns the recurrence's value inside the loop body: the initial
// value on the first iteration, the previous iteration's next value after.
func (r *Recurrence) Output() *Tensor { return r.layer.outputs[0] }

// NextValue returns the tensor set by SetNextValue, or nil.
func (r *Recurrence) NextValue() *Tensor { return r.next }

// SetNextValue defines the value carried into the following iteration. Its
// shape must match the initial value. Must be called exactly once.
func (r *Recurrence) SetNextValue(t *Tensor) error {
	l := r.loop
	if l.state == loopFinalized {
		exceptions.Panicf("netdef: SetNextValue on finalized loop %q", l.name)
	}
	if r.nextSet {
		exceptions.Panicf("netdef: SetNextValue called twice on a recurrence of loop %q", l.name)
	}
	initShape := r.layer.inputs[0].shape
	if !shapesCompatible(t.shape, initShape) {
		return errors.Errorf("loop %q: recurrence next value %s does not match initial value %s",
			l.name, t.shape, initShape)
	}
	r.next = t
	r.nextSet = true
	r.layer.inputs = append(r.layer.inputs, t)
	l.state = loopBodyDefined
	return nil
}

// AddLoop opens a new loop. All layers added until Finalize form its body.
// Loops nest: an inner loop must be finalized before its enclosing one.
func (b *Builder) AddLoop(name string) *Loop {
	l := &Loop{builder: b, name: name, tripCount: -1}
	if len(b.openLoops) > 0 {
		l.parent = b.openLoops[len(b.openLoops)-1]
	}
	b.openLoops = append(b.openLoops, l)
	return l
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.name }

// TripCount returns the statically known iteration count, or -1.
func (l *Loop) TripCount() int { return l.tripCount }

// TripKind returns the trip limit kind. Only valid once a trip limit is set.
func (l *Loop) TripKind() TripLimitKind { return l.tripKind }

// TripInput returns the tensor driving the trip limit.
func (l *Loop) TripInput() *Tensor { return l.tripInput }

// Recurrences returns the loop's recurrences in creation order.
func (l *Loop) Recurrences() []*Recurrence { return l.recurrences }

func (l *Loop) checkOpen(op string) {
	if l.state == loopFinalized {
		exceptions.Panicf("netdef: %s on finalized loop %q", op, l.name)
	}
	b := l.builder
	if len(b.openLoops) == 0 || b.openLoops[len(b.openLoops)-1] != l {
		exceptions.Panicf("netdef: %s on loop %q which is not the innermost open loop", op, l.name)
	}
}

// AddTripLimit sets the loop's iteration bound. For TripCount the tensor must
// be a scalar integer; for TripWhile a scalar Bool (typically a recurrence
// output, re-evaluated each iteration).
func (l *Loop) AddTripLimit(t *Tensor, kind TripLimitKind) error {
	l.checkOpen("AddTripLimit")
	if l.tripSet {
		exceptions.Panicf("netdef: AddTripLimit called twice on loop %q", l.name)
	}
	if t.Rank() != 0 {
		return errors.Errorf("loop %q: trip limit must be a scalar, got %s", l.name, t.shape)
	}
	switch kind {
	case TripCount:
		if !t.shape.DType.IsInt() {
			return errors.Errorf("loop %q: trip count must be an integer, got %s", l.name, t.shape)
		}
	case TripWhile:
		if t.shape.DType != dtypes.Bool {
			return errors.Errorf("loop %q: while condition must be Bool, got %s", l.name, t.shape)
		}
	}
	layer := l.builder.newLayer(LayerTripLimit, TripLimitConfig{Kind: kind, Loop: l}, t)
	layer.loop = l
	l.tripKind = kind
	l.tripSet = true
	l.tripInput = t
	if kind == TripCount {
		l.tripCount = staticScalarInt(t)
	}
	return nil
}

// staticScalarInt extracts the value of a scalar integer constant tensor, or
// -1 when not statically known.
func staticScalarInt(t *Tensor) int {
	if t.producer == nil || t.producer.kind != LayerConstant {
		return -1
	}
	value := t.producer.config.(ConstantConfig).Value
	switch value.DType() {
	case dtypes.Int32:
		return int(tensors.ToScalar[int32](value))
	case dtypes.Int64:
		return int(tensors.ToScalar[int64](value))
	}
	return -1
}

// TripLimitConfig configures a LayerTripLimit.
type TripLimitConfig struct {
	Kind TripLimitKind
	Loop *Loop
}

// IteratorConfig configures a LayerIterator.
type IteratorConfig struct {
	Axis    int
	Reverse bool
	Loop    *Loop
}

// RecurrenceConfig configures a LayerRecurrence.
type RecurrenceConfig struct {
	Loop       *Loop
	Recurrence *Recurrence
}

// LoopOutputConfig configures a LayerLoopOutput.
type LoopOutputConfig struct {
	Kind LoopOutputKind
	Axis int
	Loop *Loop
}

// AddIterator makes the loop consume x one slice at a time along axis,
// yielding the slice for the current iteration (with the axis removed).
// Reverse iterates from the last slice backwards.
func (l *Loop) AddIterator(x *Tensor, axis int, reverse bool) (*Tensor, error) {
	l.checkOpen("AddIterator")
	if axis < 0 || axis >= x.Rank() {
		return nil, errors.Errorf("loop %q: iterator axis %d out of range for %s", l.name, axis, x.shape)
	}
	dims := slices.Delete(slices.Clone(x.shape.Dimensions), axis, axis+1)
	layer := l.builder.newLayer(LayerIterator, IteratorConfig{Axis: axis, Reverse: reverse, Loop: l}, x)
	layer.loop = l
	l.iterators = append(l.iterators, layer)
	return l.builder.addOutput(layer, MakeShape(x.shape.DType, dims...)), nil
}

// AddRecurrence declares a loop-carried value with the given initial tensor.
// The caller must later provide its per-iteration next value through
// Recurrence.SetNextValue.
func (l *Loop) AddRecurrence(initial *Tensor) (*Recurrence, error) {
	l.checkOpen("AddRecurrence")
	layer := l.builder.newLayer(LayerRecurrence, nil, initial)
	layer.loop = l
	r := &Recurrence{loop: l, layer: layer}
	layer.config = RecurrenceConfig{Loop: l, Recurrence: r}
	l.builder.addOutput(layer, initial.shape)
	l.recurrences = append(l.recurrences, r)
	return r, nil
}

// AddLoopOutput exposes a body tensor outside the loop. LoopLastValue emits
// the final iteration's value with an unchanged shape; LoopConcatenate and
// LoopReverse stack per-iteration values along a new axis at the given
// position, sized by the trip count (dynamic when unknown).
func (l *Loop) AddLoopOutput(t *Tensor, kind LoopOutputKind, axis int) (*Tensor, error) {
	l.checkOpen("AddLoopOutput")
	var shape shapes.Shape
	switch kind {
	case LoopLastValue:
		shape = t.shape
	case LoopConcatenate, LoopReverse:
		if axis < 0 || axis > t.Rank() {
			return nil, errors.Errorf("loop %q: output axis %d out of range for %s", l.name, axis, t.shape)
		}
		dims := slices.Insert(slices.Clone(t.shape.Dimensions), axis, l.tripCount)
		if l.tripCount < 0 {
			dims[axis] = DynamicDim
		}
		shape = MakeShape(t.shape.DType, dims...)
	}
	layer := l.builder.newLayer(LayerLoopOutput, LoopOutputConfig{Kind: kind, Axis: axis, Loop: l}, t)
	layer.loop = l
	l.outputs = append(l.outputs, layer)
	return l.builder.addOutput(layer, shape), nil
}

// Finalize closes the loop body. It verifies the construction protocol was
// followed and panics otherwise: the loop needs a trip limit, every
// recurrence needs a next value, and at least one output must exist.
func (l *Loop) Finalize() {
	l.checkOpen("Finalize")
	if !l.tripSet {
		exceptions.Panicf("netdef: Finalize on loop %q without a trip limit", l.name)
	}
	for i, r := range l.recurrences {
		if !r.nextSet {
			exceptions.Panicf("netdef: Finalize on loop %q with recurrence %d missing its next value", l.name, i)
		}
	}
	if len(l.outputs) == 0 {
		exceptions.Panicf("netdef: Finalize on loop %q without any loop output", l.name)
	}
	l.state = loopFinalized
	b := l.builder
	b.openLoops = b.openLoops[:len(b.openLoops)-1]
}
