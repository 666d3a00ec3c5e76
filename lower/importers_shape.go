package lower

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/pkg/errors"
)

func registerShapeOps(r *Registry) {
	r.Register("Identity", importIdentity)
	r.Register("Dropout", importDropout)
	r.Register("Cast", importCast)
	r.Register("Shape", importShape)
	r.Register("Size", importSize)
	r.Register("Constant", importConstant)
	r.Register("ConstantOfShape", importConstantOfShape)
	r.Register("Concat", importConcat)
	r.Register("Reshape", importReshape)
	r.Register("Transpose", importTranspose)
	r.Register("Squeeze", importSqueeze)
	r.Register("Unsqueeze", importUnsqueeze)
	r.Register("Flatten", importFlatten)
	r.Register("Gather", importGather)
	r.Register("Slice", importSlice)
	r.Register("Split", importSplit)
	r.Register("Expand", importExpand)
	r.Register("Tile", importTile)
	r.Register("Pad", importPad)
	r.Register("DepthToSpace", importDepthToSpace)
	r.Register("SpaceToDepth", importSpaceToDepth)
	r.Register("Resize", importResize)
	r.Register("Upsample", importUpsample)
}

// importIdentity forwards the input value unchanged: no layer is emitted and
// weights stay weights.
func importIdentity(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	return []Value{inputs[0]}, nil
}

// importDropout is an identity at inference time. A requested mask output has
// no lowering.
func importDropout(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	if len(node.Output) > 1 && node.Output[1] != "" {
		return nil, unsupportedf(node, "the mask output has no lowering")
	}
	return []Value{inputs[0]}, nil
}

func importCast(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	to := bag.RequiredInt("to")
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	dtype, err := onnx.DataType(to).DType()
	if err != nil {
		return nil, unsupportedf(node, "%s", err)
	}
	if inputs[0].IsWeight() {
		// Keep constants castable on the host so shape-feeding chains
		// (Shape -> Cast -> ...) stay constant.
		w, err := castWeight(inputs[0].Weight(), dtype)
		if err == nil {
			return []Value{WeightValue(w)}, nil
		}
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddCast(x, dtype)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// castWeight converts a constant to another element type on the host.
func castWeight(w *tensors.Tensor, to dtypes.DType) (*tensors.Tensor, error) {
	if w.DType() == to {
		return w, nil
	}
	dims := w.Shape().Dimensions
	if w.DType() == dtypes.Bool || to == dtypes.Bool {
		return nil, errors.Errorf("cannot cast weight %s to %s on the host", w.Shape(), to)
	}
	values, err := weightToFloats(w)
	if err != nil {
		ints, intErr := weightToInts(w)
		if intErr != nil {
			return nil, err
		}
		values = make([]float64, len(ints))
		for i, v := range ints {
			values[i] = float64(v)
		}
	}
	switch to {
	case dtypes.Float32:
		return typedWeight(values, dims, func(v float64) float32 { return float32(v) }), nil
	case dtypes.Float64:
		return typedWeight(values, dims, func(v float64) float64 { return v }), nil
	case dtypes.Int32:
		return typedWeight(values, dims, func(v float64) int32 { return int32(v) }), nil
	case dtypes.Int64:
		return typedWeight(values, dims, func(v float64) int64 { return int64(v) }), nil
	}
	return nil, errors.Errorf("cannot cast weight %s to %s on the host", w.Shape(), to)
}

func typedWeight[T dtypes.Supported](values []float64, dims []int, convert func(float64) T) *tensors.Tensor {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = convert(v)
	}
	if len(dims) == 0 {
		return tensors.FromScalar(out[0])
	}
	return tensors.FromFlatDataAndDimensions(out, dims...)
}

// importShape emits the input's dimensions as an Int64 constant. Dynamic
// dimensions have no static answer.
func importShape(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	dims := inputs[0].Shape().Dimensions
	out := make([]int64, len(dims))
	for i, dim := range dims {
		if dim < 0 {
			return nil, unsupportedf(node, "input axis %d is dynamic; its size is not known at lowering time", i)
		}
		out[i] = int64(dim)
	}
	return []Value{WeightValue(tensors.FromFlatDataAndDimensions(out, len(out)))}, nil
}

func importSize(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	size := int64(1)
	for i, dim := range inputs[0].Shape().Dimensions {
		if dim < 0 {
			return nil, unsupportedf(node, "input axis %d is dynamic; the size is not known at lowering time", i)
		}
		size *= int64(dim)
	}
	return []Value{WeightValue(tensors.FromScalar(size))}, nil
}

func importConstant(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	bag := onnx.Attributes(node)
	switch {
	case bag.Has("value"):
		proto := bag.TensorAttr("value")
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		w, err := onnx.Tensor(proto)
		if err != nil {
			return nil, invalidf(node, "value: %s", err)
		}
		return []Value{WeightValue(w)}, nil
	case bag.Has("value_float"):
		return []Value{WeightValue(tensors.FromScalar(bag.Float("value_float", 0)))}, bag.Err()
	case bag.Has("value_int"):
		return []Value{WeightValue(tensors.FromScalar(int64(bag.Int("value_int", 0))))}, bag.Err()
	case bag.Has("value_floats"):
		values := bag.Floats("value_floats", nil)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		return []Value{WeightValue(tensors.FromFlatDataAndDimensions(slices.Clone(values), len(values)))}, nil
	case bag.Has("value_ints"):
		values := bag.Ints("value_ints", nil)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		out := make([]int64, len(values))
		for i, v := range values {
			out[i] = int64(v)
		}
		return []Value{WeightValue(tensors.FromFlatDataAndDimensions(out, len(out)))}, nil
	}
	return nil, unsupportedf(node, "no supported value attribute (sparse and string constants have no lowering)")
}

func importConstantOfShape(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	value := tensors.FromScalar(float32(0))
	if proto := bag.OptionalTensorAttr("value"); proto != nil {
		var err error
		value, err = onnx.Tensor(proto)
		if err != nil {
			return nil, invalidf(node, "value: %s", err)
		}
		if value.Shape().Size() != 1 {
			return nil, invalidf(node, "value must hold a single element, got %s", value.Shape())
		}
	}
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	cfg := netdef.FillConfig{Op: netdef.FillConstant, Value: value}

	if inputs[0].IsWeight() {
		dims, err := weightToInts(inputs[0].Weight())
		if err != nil {
			return nil, invalidf(node, "shape: %s", err)
		}
		t, err := ctx.builder.AddFill(shapes.Make(value.DType(), dims...), cfg)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		return []Value{TensorValue(t)}, nil
	}
	t, err := ctx.builder.AddFillDynamic(inputs[0].Tensor(), value.DType(), cfg)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importConcat(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) == 0 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	bag := onnx.Attributes(node)
	axis := bag.RequiredInt("axis")
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	axis, err := convertAxis(axis, inputs[0].Rank())
	if err != nil {
		return nil, invalidValuef(node, "%s", err)
	}
	operands := make([]*netdef.Tensor, len(inputs))
	for i, in := range inputs {
		operands[i], err = ctx.tensorOf(in)
		if err != nil {
			return nil, invalidf(node, "input %d: %s", i, err)
		}
	}
	t, err := ctx.builder.AddConcatenation(operands, axis)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importReshape(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	var target []int
	if ctx.opset < 5 {
		bag := onnx.Attributes(node)
		target = bag.RequiredInts("shape")
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		if len(inputs) != 2 {
			return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
		}
		if !inputs[1].IsWeight() {
			return nil, unsupportedf(node, "the target shape must be a constant")
		}
		var err error
		target, err = weightToInts(inputs[1].Weight())
		if err != nil {
			return nil, invalidf(node, "shape: %s", err)
		}
	}
	data := inputs[0]

	if data.IsWeight() {
		dims, err := resolveReshapeDims(data.Shape().Dimensions, target)
		if err != nil {
			return nil, invalidValuef(node, "%s", err)
		}
		w, err := weightWithDims(data.Weight(), dims)
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		return []Value{WeightValue(w)}, nil
	}
	// The builder's reshape shares the source semantics: 0 copies the input
	// dimension and a single -1 is inferred.
	t, err := ctx.builder.AddReshape(data.Tensor(), target)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// resolveReshapeDims materializes a target shape spec (0 copies, one -1
// inferred) against static input dims.
func resolveReshapeDims(input, target []int) ([]int, error) {
	size := 1
	for _, dim := range input {
		size *= dim
	}
	dims := make([]int, len(target))
	inferAt := -1
	known := 1
	for i, dim := range target {
		switch {
		case dim == 0:
			if i >= len(input) {
				return nil, errors.Errorf("dimension %d copies a nonexistent input axis", i)
			}
			dims[i] = input[i]
			known *= dims[i]
		case dim == -1:
			if inferAt >= 0 {
				return nil, errors.Errorf("at most one dimension may be -1")
			}
			inferAt = i
		case dim > 0:
			dims[i] = dim
			known *= dim
		default:
			return nil, errors.Errorf("invalid target dimension %d", dim)
		}
	}
	if inferAt >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errors.Errorf("cannot infer dimension %d of %v for %d elements", inferAt, target, size)
		}
		dims[inferAt] = size / known
	}
	return dims, nil
}

func importTranspose(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	rank := inputs[0].Rank()
	defaultPerm := make([]int, rank)
	for i := range defaultPerm {
		defaultPerm[i] = rank - 1 - i
	}
	bag := onnx.Attributes(node)
	perm := bag.Ints("perm", defaultPerm)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.transposeTensor(x, perm)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// axesFromAttrOrInput reads axes from the named attribute (older opsets) or
// from a constant input at inputIndex (newer opsets).
func axesFromAttrOrInput(node *onnx.NodeProto, inputs []Value, attrName string, inputIndex int) ([]int, bool, error) {
	bag := onnx.Attributes(node)
	if bag.Has(attrName) {
		axes := bag.Ints(attrName, nil)
		if err := bag.Err(); err != nil {
			return nil, false, nodeError(InvalidNode, node, err)
		}
		return axes, true, nil
	}
	if inputIndex < len(inputs) && !inputs[inputIndex].IsEmpty() {
		if !inputs[inputIndex].IsWeight() {
			return nil, false, unsupportedf(node, "%s must be a constant", attrName)
		}
		axes, err := weightToInts(inputs[inputIndex].Weight())
		if err != nil {
			return nil, false, invalidf(node, "%s: %s", attrName, err)
		}
		return axes, true, nil
	}
	return nil, false, nil
}

func importSqueeze(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	data := inputs[0]
	dims := data.Shape().Dimensions
	axes, hasAxes, err := axesFromAttrOrInput(node, inputs, "axes", 1)
	if err != nil {
		return nil, err
	}
	squeeze := make([]bool, len(dims))
	if hasAxes {
		for _, axis := range axes {
			converted, err := convertAxis(axis, len(dims))
			if err != nil {
				return nil, invalidValuef(node, "%s", err)
			}
			if dims[converted] != 1 {
				return nil, invalidf(node, "axis %d has size %d, cannot squeeze", converted, dims[converted])
			}
			squeeze[converted] = true
		}
	} else {
		for i, dim := range dims {
			squeeze[i] = dim == 1
		}
	}
	kept := make([]int, 0, len(dims))
	for i, dim := range dims {
		if !squeeze[i] {
			kept = append(kept, dim)
		}
	}
	return reshapeValue(ctx, node, data, kept)
}

func importUnsqueeze(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	data := inputs[0]
	axes, hasAxes, err := axesFromAttrOrInput(node, inputs, "axes", 1)
	if err != nil {
		return nil, err
	}
	if !hasAxes {
		return nil, invalidf(node, "axes are required")
	}
	outRank := data.Rank() + len(axes)
	inserted := make([]bool, outRank)
	for _, axis := range axes {
		converted, err := convertAxis(axis, outRank)
		if err != nil {
			return nil, invalidValuef(node, "%s", err)
		}
		if inserted[converted] {
			return nil, invalidf(node, "axis %d repeated", converted)
		}
		inserted[converted] = true
	}
	dims := make([]int, 0, outRank)
	next := 0
	for i := 0; i < outRank; i++ {
		if inserted[i] {
			dims = append(dims, 1)
			continue
		}
		dims = append(dims, data.Shape().Dimensions[next])
		next++
	}
	return reshapeValue(ctx, node, data, dims)
}

func importFlatten(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	axis := bag.Int("axis", 1)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	data := inputs[0]
	rank := data.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		return nil, invalidValuef(node, "axis %d out of range for rank %d", axis, rank)
	}
	front, back := 1, 1
	for i, dim := range data.Shape().Dimensions {
		if i < axis {
			front = mulDim(front, dim)
		} else {
			back = mulDim(back, dim)
		}
	}
	if front < 0 && back < 0 {
		return nil, unsupportedf(node, "both sides of the flatten axis are dynamically sized")
	}
	if front < 0 {
		front = -1
	}
	if back < 0 {
		back = -1
	}
	return reshapeValue(ctx, node, data, []int{front, back})
}

func mulDim(acc, dim int) int {
	if acc < 0 || dim < 0 {
		return -1
	}
	return acc * dim
}

// reshapeValue reshapes a value to static-or-inferred dims, keeping weights
// on the host.
func reshapeValue(ctx *Context, node *onnx.NodeProto, data Value, dims []int) ([]Value, error) {
	dynamic := 0
	for _, dim := range dims {
		if dim < 0 {
			dynamic++
		}
	}
	if dynamic > 1 {
		return nil, unsupportedf(node, "more than one dynamically sized output dimension")
	}
	if data.IsWeight() {
		if dynamic > 0 {
			return nil, internalf(node, "constant input with a dynamic output dimension")
		}
		w, err := weightWithDims(data.Weight(), dims)
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		return []Value{WeightValue(w)}, nil
	}
	t, err := ctx.reshapeTo(data.Tensor(), dims)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importGather(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 2 {
		return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	axis := bag.Int("axis", 0)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	axis, err := convertAxis(axis, inputs[0].Rank())
	if err != nil {
		return nil, invalidValuef(node, "%s", err)
	}
	data, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	indices, err := ctx.tensorOf(inputs[1])
	if err != nil {
		return nil, invalidf(node, "indices: %s", err)
	}
	t, err := ctx.builder.AddGather(data, indices, axis)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importSlice(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	data := inputs[0]
	var starts, ends, axes, steps []int
	if ctx.opset < 10 {
		bag := onnx.Attributes(node)
		starts = bag.RequiredInts("starts")
		ends = bag.RequiredInts("ends")
		axes = bag.Ints("axes", nil)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		if len(inputs) < 3 {
			return nil, invalidf(node, "expected starts and ends inputs")
		}
		constant := func(i int, name string) ([]int, error) {
			if i >= len(inputs) || inputs[i].IsEmpty() {
				return nil, nil
			}
			if !inputs[i].IsWeight() {
				return nil, unsupportedf(node, "%s must be a constant", name)
			}
			values, err := weightToInts(inputs[i].Weight())
			if err != nil {
				return nil, invalidf(node, "%s: %s", name, err)
			}
			return values, nil
		}
		var err error
		if starts, err = constant(1, "starts"); err != nil {
			return nil, err
		}
		if ends, err = constant(2, "ends"); err != nil {
			return nil, err
		}
		if axes, err = constant(3, "axes"); err != nil {
			return nil, err
		}
		if steps, err = constant(4, "steps"); err != nil {
			return nil, err
		}
	}
	if len(ends) != len(starts) {
		return nil, invalidf(node, "starts and ends disagree on the number of axes")
	}
	if axes == nil {
		axes = make([]int, len(starts))
		for i := range axes {
			axes[i] = i
		}
	}
	if steps == nil {
		steps = onesInts(len(starts))
	}
	if len(axes) != len(starts) || len(steps) != len(starts) {
		return nil, invalidf(node, "axes and steps must match the number of starts")
	}

	rank := data.Rank()
	dims := data.Shape().Dimensions
	sliceStarts := make([]int, rank)
	sliceSizes := make([]int, rank)
	sliceStrides := onesInts(rank)
	for i, dim := range dims {
		if dim < 0 {
			return nil, unsupportedf(node, "slicing a dynamically shaped input")
		}
		sliceSizes[i] = dim
	}
	for i, rawAxis := range axes {
		axis, err := convertAxis(rawAxis, rank)
		if err != nil {
			return nil, invalidValuef(node, "%s", err)
		}
		dim := dims[axis]
		step := steps[i]
		if step == 0 {
			return nil, invalidValuef(node, "step 0 on axis %d", axis)
		}
		start, end := starts[i], ends[i]
		if start < 0 {
			start += dim
		}
		if end < 0 {
			end += dim
		}
		if step > 0 {
			start = clampInt(start, 0, dim)
			end = clampInt(end, 0, dim)
			sliceStarts[axis] = start
			sliceSizes[axis] = max(0, ceilDiv(end-start, step))
		} else {
			start = clampInt(start, 0, dim-1)
			end = clampInt(end, -1, dim-1)
			sliceStarts[axis] = start
			sliceSizes[axis] = max(0, ceilDiv(start-end, -step))
		}
		sliceStrides[axis] = step
	}

	if slices.Equal(sliceSizes, dims) && allZero(sliceStarts) && allOne(sliceStrides) {
		// Full-range slice: forward the input untouched.
		return []Value{data}, nil
	}
	x, err := ctx.tensorOf(data)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddSlice(x, sliceStarts, sliceSizes, sliceStrides)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func allZero(values []int) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

func allOne(values []int) bool {
	for _, v := range values {
		if v != 1 {
			return false
		}
	}
	return true
}

func importSplit(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	data := inputs[0]
	bag := onnx.Attributes(node)
	axis := bag.Int("axis", 0)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	axis, err := convertAxis(axis, data.Rank())
	if err != nil {
		return nil, invalidValuef(node, "%s", err)
	}
	dims := data.Shape().Dimensions
	for i, dim := range dims {
		if dim < 0 {
			return nil, unsupportedf(node, "splitting a dynamically shaped input (axis %d)", i)
		}
	}

	splitSizes, hasSplit, err := axesFromAttrOrInput(node, inputs, "split", 1)
	if err != nil {
		return nil, err
	}
	numOutputs := len(node.Output)
	if !hasSplit {
		if numOutputs == 0 || dims[axis]%numOutputs != 0 {
			return nil, invalidf(node, "axis size %d does not divide into %d outputs", dims[axis], numOutputs)
		}
		splitSizes = make([]int, numOutputs)
		for i := range splitSizes {
			splitSizes[i] = dims[axis] / numOutputs
		}
	}
	if len(splitSizes) != numOutputs {
		return nil, invalidf(node, "%d split sizes for %d outputs", len(splitSizes), numOutputs)
	}
	total := 0
	for _, size := range splitSizes {
		total += size
	}
	if total != dims[axis] {
		return nil, invalidf(node, "split sizes sum to %d, axis size is %d", total, dims[axis])
	}

	x, err := ctx.tensorOf(data)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	outputs := make([]Value, numOutputs)
	offset := 0
	for i, size := range splitSizes {
		starts := make([]int, len(dims))
		sizes := slices.Clone(dims)
		starts[axis] = offset
		sizes[axis] = size
		t, err := ctx.builder.AddSlice(x, starts, sizes, onesInts(len(dims)))
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		outputs[i] = TensorValue(t)
		offset += size
	}
	return outputs, nil
}

// importExpand broadcasts the input to a target shape by combining it with a
// neutral fill of that shape.
func importExpand(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 2 {
		return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	dtype := x.Shape().DType

	op := netdef.OpSum
	if dtype == dtypes.Bool {
		op = netdef.OpOr
	}
	zero, err := scalarWeight(dtype, 0)
	if err != nil {
		return nil, unsupportedf(node, "%s", err)
	}
	cfg := netdef.FillConfig{Op: netdef.FillConstant, Value: zero}

	var neutral *netdef.Tensor
	if inputs[1].IsWeight() {
		dims, err := weightToInts(inputs[1].Weight())
		if err != nil {
			return nil, invalidf(node, "shape: %s", err)
		}
		neutral, err = ctx.builder.AddFill(shapes.Make(dtype, dims...), cfg)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		neutral, err = ctx.builder.AddFillDynamic(inputs[1].Tensor(), dtype, cfg)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	t, err := ctx.builder.AddElementWise(op, x, neutral)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// importTile repeats the input along each axis by concatenating copies.
func importTile(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 2 {
		return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
	}
	if !inputs[1].IsWeight() {
		return nil, unsupportedf(node, "repeats must be a constant")
	}
	repeats, err := weightToInts(inputs[1].Weight())
	if err != nil {
		return nil, invalidf(node, "repeats: %s", err)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if len(repeats) != x.Rank() {
		return nil, invalidf(node, "%d repeats for rank %d", len(repeats), x.Rank())
	}
	out := x
	for axis, repeat := range repeats {
		if repeat < 1 {
			return nil, unsupportedf(node, "repeat %d on axis %d (empty outputs have no lowering)", repeat, axis)
		}
		if repeat == 1 {
			continue
		}
		copies := make([]*netdef.Tensor, repeat)
		for i := range copies {
			copies[i] = out
		}
		out, err = ctx.builder.AddConcatenation(copies, axis)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	if out == x {
		return []Value{inputs[0]}, nil
	}
	return []Value{TensorValue(out)}, nil
}

func importPad(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	bag := onnx.Attributes(node)
	mode := bag.Str("mode", "constant")
	var pads []int
	value := float64(0)
	if ctx.opset < 11 {
		pads = bag.RequiredInts("pads")
		value = float64(bag.Float("value", 0))
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if len(inputs) < 2 {
			return nil, invalidf(node, "expected a pads input")
		}
		if !inputs[1].IsWeight() {
			return nil, unsupportedf(node, "pads must be a constant")
		}
		var err error
		pads, err = weightToInts(inputs[1].Weight())
		if err != nil {
			return nil, invalidf(node, "pads: %s", err)
		}
		if len(inputs) > 2 && !inputs[2].IsEmpty() {
			if !inputs[2].IsWeight() {
				return nil, unsupportedf(node, "constant_value must be a constant")
			}
			value, err = weightScalar(inputs[2].Weight())
			if err != nil {
				return nil, invalidf(node, "constant_value: %s", err)
			}
		}
	}
	if mode != "constant" {
		return nil, unsupportedf(node, "pad mode %q", mode)
	}
	rank := inputs[0].Rank()
	if len(pads) != 2*rank {
		return nil, invalidf(node, "pads has %d entries for rank %d", len(pads), rank)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddPadding(x, pads[:rank], pads[rank:], value)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importDepthToSpace(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	x, dims, block, mode, err := blockSpatialInput(ctx, node, inputs, "DCR")
	if err != nil {
		return nil, err
	}
	n, c, h, w := dims[0], dims[1], dims[2], dims[3]
	if c%(block*block) != 0 {
		return nil, invalidf(node, "channel size %d does not divide by blocksize^2 %d", c, block*block)
	}
	outC := c / (block * block)

	var cfg netdef.ShuffleConfig
	if mode == "DCR" {
		cfg = netdef.ShuffleConfig{
			ReshapeDims: []int{n, block, block, outC, h, w},
			SecondPerm:  []int{0, 3, 4, 1, 5, 2},
		}
	} else { // CRD
		cfg = netdef.ShuffleConfig{
			ReshapeDims: []int{n, outC, block, block, h, w},
			SecondPerm:  []int{0, 1, 4, 2, 5, 3},
		}
	}
	shuffled, err := ctx.builder.AddShuffle(x, cfg)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	out, err := ctx.reshapeTo(shuffled, []int{n, outC, h * block, w * block})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(out)}, nil
}

func importSpaceToDepth(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	x, dims, block, _, err := blockSpatialInput(ctx, node, inputs, "")
	if err != nil {
		return nil, err
	}
	n, c, h, w := dims[0], dims[1], dims[2], dims[3]
	if h%block != 0 || w%block != 0 {
		return nil, invalidf(node, "spatial sizes %dx%d do not divide by blocksize %d", h, w, block)
	}
	shuffled, err := ctx.builder.AddShuffle(x, netdef.ShuffleConfig{
		ReshapeDims: []int{n, c, h / block, block, w / block, block},
		SecondPerm:  []int{0, 3, 5, 1, 2, 4},
	})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	out, err := ctx.reshapeTo(shuffled, []int{n, c * block * block, h / block, w / block})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(out)}, nil
}

// blockSpatialInput validates the common DepthToSpace/SpaceToDepth form: a
// statically shaped rank-4 input and a positive blocksize.
func blockSpatialInput(ctx *Context, node *onnx.NodeProto, inputs []Value, defaultMode string) (*netdef.Tensor, []int, int, string, error) {
	if len(inputs) != 1 {
		return nil, nil, 0, "", invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	block := bag.RequiredInt("blocksize")
	mode := defaultMode
	if defaultMode != "" {
		mode = bag.Str("mode", defaultMode)
	}
	if err := bag.Err(); err != nil {
		return nil, nil, 0, "", nodeError(InvalidNode, node, err)
	}
	if block < 1 {
		return nil, nil, 0, "", invalidValuef(node, "blocksize %d must be positive", block)
	}
	if mode != "" && mode != "DCR" && mode != "CRD" {
		return nil, nil, 0, "", unsupportedf(node, "mode %q", mode)
	}
	if inputs[0].Rank() != 4 {
		return nil, nil, 0, "", invalidf(node, "expected a rank-4 input, got %s", inputs[0].Shape())
	}
	dims := inputs[0].Shape().Dimensions
	for i, dim := range dims {
		if dim < 0 {
			return nil, nil, 0, "", unsupportedf(node, "axis %d is dynamic", i)
		}
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, nil, 0, "", invalidf(node, "%s", err)
	}
	return x, dims, block, mode, nil
}

func importResize(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	bag := onnx.Attributes(node)
	mode := bag.Str("mode", "nearest")
	coordMode := bag.Str("coordinate_transformation_mode", "half_pixel")
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	cfg := netdef.ResizeConfig{}
	switch mode {
	case "nearest":
		cfg.Mode = netdef.ResizeNearest
	case "linear", "bilinear":
		cfg.Mode = netdef.ResizeLinear
	default:
		return nil, unsupportedf(node, "interpolation mode %q", mode)
	}
	switch coordMode {
	case "align_corners":
		cfg.AlignCorners = true
	case "half_pixel", "asymmetric", "pytorch_half_pixel":
	default:
		return nil, unsupportedf(node, "coordinate transformation mode %q", coordMode)
	}

	// Opset 10: inputs are (x, scales). Opset 11+: (x, roi, scales, sizes).
	scalesIndex := 1
	sizesIndex := -1
	if ctx.opset >= 11 {
		scalesIndex = 2
		sizesIndex = 3
	}
	if sizesIndex > 0 && sizesIndex < len(inputs) && !inputs[sizesIndex].IsEmpty() {
		if !inputs[sizesIndex].IsWeight() {
			return nil, unsupportedf(node, "sizes must be a constant")
		}
		dims, err := weightToInts(inputs[sizesIndex].Weight())
		if err != nil {
			return nil, invalidf(node, "sizes: %s", err)
		}
		cfg.OutputDims = dims
	} else {
		if scalesIndex >= len(inputs) || inputs[scalesIndex].IsEmpty() {
			return nil, invalidf(node, "either scales or sizes must be provided")
		}
		if !inputs[scalesIndex].IsWeight() {
			return nil, unsupportedf(node, "scales must be a constant")
		}
		scales, err := weightToFloats(inputs[scalesIndex].Weight())
		if err != nil {
			return nil, invalidf(node, "scales: %s", err)
		}
		if len(scales) == 0 {
			return nil, invalidf(node, "either scales or sizes must be provided")
		}
		cfg.Scales = make([]float32, len(scales))
		for i, s := range scales {
			cfg.Scales[i] = float32(s)
		}
	}
	return emitResize(ctx, node, inputs[0], cfg)
}

func importUpsample(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	bag := onnx.Attributes(node)
	mode := bag.Str("mode", "nearest")
	var scales []float32
	if ctx.opset < 9 {
		scales = slices.Clone(bag.Floats("scales", nil))
	}
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if scales == nil {
		if len(inputs) < 2 {
			return nil, invalidf(node, "expected a scales input")
		}
		if !inputs[1].IsWeight() {
			return nil, unsupportedf(node, "scales must be a constant")
		}
		raw, err := weightToFloats(inputs[1].Weight())
		if err != nil {
			return nil, invalidf(node, "scales: %s", err)
		}
		scales = make([]float32, len(raw))
		for i, s := range raw {
			scales[i] = float32(s)
		}
	}
	cfg := netdef.ResizeConfig{Scales: scales}
	switch mode {
	case "nearest":
		cfg.Mode = netdef.ResizeNearest
	case "linear", "bilinear":
		cfg.Mode = netdef.ResizeLinear
	default:
		return nil, unsupportedf(node, "interpolation mode %q", mode)
	}
	return emitResize(ctx, node, inputs[0], cfg)
}

func emitResize(ctx *Context, node *onnx.NodeProto, input Value, cfg netdef.ResizeConfig) ([]Value, error) {
	x, err := ctx.tensorOf(input)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddResize(x, cfg)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}
