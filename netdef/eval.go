package netdef

// A reference interpreter for network definitions. It evaluates layers on the
// host, one element at a time, with no attention to performance: it exists so
// tests can check that a lowered graph computes what the source graph meant.
// Only statically shaped graphs over Float32, Int32, Int64 and Bool are
// supported, and a few layer kinds (Deconvolution, TopK, LRN, Resize) are
// left out.

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// buffer is one materialized tensor value during evaluation. Exactly one of
// the data slices is used, per the shape's dtype.
type buffer struct {
	shape shapes.Shape
	f32   []float32
	i64   []int64
	bools []bool
}

func newBuffer(shape shapes.Shape) (*buffer, error) {
	size := shape.Size()
	if size < 0 {
		return nil, errors.Errorf("cannot evaluate dynamic shape %s", shape)
	}
	b := &buffer{shape: shape}
	switch {
	case shape.DType.IsFloat():
		b.f32 = make([]float32, size)
	case shape.DType.IsInt():
		b.i64 = make([]int64, size)
	case shape.DType == dtypes.Bool:
		b.bools = make([]bool, size)
	default:
		return nil, errors.Errorf("cannot evaluate dtype %s", shape.DType)
	}
	return b, nil
}

func (b *buffer) size() int { return b.shape.Size() }

// at reads element i as float64, whatever the dtype.
func (b *buffer) at(i int) float64 {
	switch {
	case b.f32 != nil:
		return float64(b.f32[i])
	case b.i64 != nil:
		return float64(b.i64[i])
	default:
		if b.bools[i] {
			return 1
		}
		return 0
	}
}

// set writes element i from a float64, rounding for integers.
func (b *buffer) set(i int, v float64) {
	switch {
	case b.f32 != nil:
		b.f32[i] = float32(v)
	case b.i64 != nil:
		b.i64[i] = int64(v)
	default:
		b.bools[i] = v != 0
	}
}

func (b *buffer) clone() *buffer {
	return &buffer{
		shape: b.shape,
		f32:   slices.Clone(b.f32),
		i64:   slices.Clone(b.i64),
		bools: slices.Clone(b.bools),
	}
}

func bufferFromTensor(t *tensors.Tensor) (*buffer, error) {
	b, err := newBuffer(t.Shape())
	if err != nil {
		return nil, err
	}
	switch t.DType() {
	case dtypes.Float32:
		copy(b.f32, tensors.CopyFlatData[float32](t))
	case dtypes.Float64:
		for i, v := range tensors.CopyFlatData[float64](t) {
			b.f32[i] = float32(v)
		}
	case dtypes.Int32:
		for i, v := range tensors.CopyFlatData[int32](t) {
			b.i64[i] = int64(v)
		}
	case dtypes.Int64:
		copy(b.i64, tensors.CopyFlatData[int64](t))
	case dtypes.Bool:
		copy(b.bools, tensors.CopyFlatData[bool](t))
	default:
		return nil, errors.Errorf("cannot evaluate constant of dtype %s", t.DType())
	}
	return b, nil
}

func (b *buffer) toTensor() (*tensors.Tensor, error) {
	dims := b.shape.Dimensions
	switch {
	case b.f32 != nil:
		return tensors.FromFlatDataAndDimensions(b.f32, dims...), nil
	case b.i64 != nil:
		if b.shape.DType == dtypes.Int32 {
			data := make([]int32, len(b.i64))
			for i, v := range b.i64 {
				data[i] = int32(v)
			}
			return tensors.FromFlatDataAndDimensions(data, dims...), nil
		}
		return tensors.FromFlatDataAndDimensions(b.i64, dims...), nil
	default:
		return tensors.FromFlatDataAndDimensions(b.bools, dims...), nil
	}
}

// strides returns the row-major strides of dims.
func rowMajorStrides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// Evaluate runs the network on the given inputs, keyed by input tensor name,
// and returns the marked outputs in order.
func Evaluate(b *Builder, inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(b.openLoops) > 0 {
		return nil, errors.Errorf("cannot evaluate %q: loop %q was never finalized", b.name, b.openLoops[0].name)
	}
	ev := &evaluator{env: make(map[*Tensor]*buffer), iterIndex: make(map[*Loop]int)}
	for _, in := range b.inputs {
		t, found := inputs[in.name]
		if !found {
			return nil, errors.Errorf("missing input %q", in.name)
		}
		buf, err := bufferFromTensor(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", in.name)
		}
		if buf.shape.Rank() != in.shape.Rank() {
			return nil, errors.Errorf("input %q: got %s, network expects %s", in.name, buf.shape, in.shape)
		}
		for a, dim := range in.shape.Dimensions {
			if !dimsEqual(dim, buf.shape.Dimensions[a]) {
				return nil, errors.Errorf("input %q: got %s, network expects %s", in.name, buf.shape, in.shape)
			}
		}
		ev.env[in] = buf
	}
	if err := ev.run(b.layers, nil); err != nil {
		return nil, err
	}
	outputs := make([]*tensors.Tensor, len(b.outputs))
	for i, out := range b.outputs {
		buf, found := ev.env[out]
		if !found {
			return nil, errors.Errorf("output %q was never computed", out.name)
		}
		var err error
		outputs[i], err = buf.toTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "output %q", out.name)
		}
	}
	return outputs, nil
}

type evaluator struct {
	env map[*Tensor]*buffer
	// iterIndex tracks the current iteration of each running loop, consumed
	// by its iterator layers.
	iterIndex map[*Loop]int
}

// loopChildOf walks l's ancestor chain and returns the loop directly nested
// in scope (scope itself being nil for the top level).
func loopChildOf(l *Loop, scope *Loop) *Loop {
	for l != nil && l.parent != scope {
		l = l.parent
	}
	return l
}

// run evaluates a contiguous stretch of layers belonging to scope, descending
// into loops as it finds them.
func (ev *evaluator) run(layers []*Layer, scope *Loop) error {
	for i := 0; i < len(layers); {
		layer := layers[i]
		if layer.loop == scope {
			if err := ev.evalLayer(layer); err != nil {
				return errors.WithMessagef(err, "layer %s", layer)
			}
			i++
			continue
		}
		inner := loopChildOf(layer.loop, scope)
		if inner == nil {
			return errors.Errorf("layer %s does not belong to the current loop scope", layer)
		}
		end := i
		for end < len(layers) && layers[end].loop != scope && loopChildOf(layers[end].loop, scope) == inner {
			end++
		}
		if err := ev.runLoop(inner, layers[i:end]); err != nil {
			return errors.WithMessagef(err, "loop %q", inner.name)
		}
		i = end
	}
	return nil
}

const whileLoopCap = 100000

// runLoop iterates a loop body. body holds every layer of the loop, including
// nested loops' layers.
func (ev *evaluator) runLoop(l *Loop, body []*Layer) error {
	if l.state != loopFinalized {
		return errors.Errorf("loop was never finalized")
	}
	// Loop-carried state, by recurrence.
	state := make(map[*Recurrence]*buffer, len(l.recurrences))
	for _, r := range l.recurrences {
		init, found := ev.env[r.layer.inputs[0]]
		if !found {
			return errors.Errorf("recurrence initial value was never computed")
		}
		state[r] = init.clone()
	}
	tripCount := -1
	if l.tripKind == TripCount {
		countBuf, found := ev.env[l.tripInput]
		if !found {
			return errors.Errorf("trip count was never computed")
		}
		tripCount = int(countBuf.i64[0])
	}

	type aggregation struct {
		layer *Layer
		iters []*buffer
		last  *buffer
	}
	aggs := make([]*aggregation, len(l.outputs))
	for i, out := range l.outputs {
		aggs[i] = &aggregation{layer: out}
	}

	for iter := 0; ; iter++ {
		if tripCount >= 0 && iter >= tripCount {
			break
		}
		if tripCount < 0 && iter >= whileLoopCap {
			return errors.Errorf("while-loop exceeded %d iterations", whileLoopCap)
		}
		// Recurrence outputs take the current state.
		for _, r := range l.recurrences {
			ev.env[r.layer.outputs[0]] = state[r]
		}
		if l.tripKind == TripWhile {
			cond, found := ev.env[l.tripInput]
			if !found {
				return errors.Errorf("while condition was never computed")
			}
			if !cond.bools[0] {
				break
			}
		}
		ev.iterIndex[l] = iter
		if err := ev.run(body, l); err != nil {
			return err
		}
		for _, r := range l.recurrences {
			state[r] = ev.env[r.next].clone()
		}
		for _, agg := range aggs {
			value := ev.env[agg.layer.inputs[0]]
			cfg := agg.layer.config.(LoopOutputConfig)
			if cfg.Kind == LoopLastValue {
				agg.last = value
			} else {
				agg.iters = append(agg.iters, value.clone())
			}
		}
	}

	for _, agg := range aggs {
		cfg := agg.layer.config.(LoopOutputConfig)
		out := agg.layer.outputs[0]
		switch cfg.Kind {
		case LoopLastValue:
			if agg.last == nil {
				// Zero iterations: fall back to the recurrence's initial state.
				if src := agg.layer.inputs[0].producer; src != nil && src.kind == LayerRecurrence {
					agg.last = state[src.config.(RecurrenceConfig).Recurrence]
				} else {
					return errors.Errorf("loop output has no value after zero iterations")
				}
			}
			ev.env[out] = agg.last
		case LoopConcatenate, LoopReverse:
			if cfg.Kind == LoopReverse {
				slices.Reverse(agg.iters)
			}
			stacked, err := stackBuffers(agg.iters, cfg.Axis, out.shape.DType, agg.layer.inputs[0].shape)
			if err != nil {
				return err
			}
			ev.env[out] = stacked
		}
	}
	return nil
}

// stackBuffers stacks per-iteration buffers along a new axis.
func stackBuffers(iters []*buffer, axis int, dtype dtypes.DType, elemShape shapes.Shape) (*buffer, error) {
	dims := slices.Insert(slices.Clone(elemShape.Dimensions), axis, len(iters))
	out, err := newBuffer(shapes.Make(dtype, dims...))
	if err != nil {
		return nil, err
	}
	elemSize := elemShape.Size()
	outer := 1
	for _, d := range elemShape.Dimensions[:axis] {
		outer *= d
	}
	inner := elemSize / max(outer, 1)
	if outer == 0 {
		inner = 0
	}
	for it, buf := range iters {
		for o := 0; o < outer; o++ {
			for j := 0; j < inner; j++ {
				out.set((o*len(iters)+it)*inner+j, buf.at(o*inner+j))
			}
		}
	}
	return out, nil
}
