package lower

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerNormOps(r *Registry) {
	r.Register("BatchNormalization", importBatchNorm)
	// Historical alias kept by the source format.
	r.Register("SpatialBN", importBatchNorm)
	r.Register("InstanceNormalization", importInstanceNorm)
	r.Register("ImageScaler", importImageScaler)
	r.Register("LRN", importLRN)
}

// importBatchNorm folds the four statistics constants into a single
// per-channel affine transform at lowering time:
// scale' = scale/sqrt(var+eps), shift' = B - mean*scale'.
func importBatchNorm(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 5 {
		return nil, invalidf(node, "expected 5 inputs, got %d", len(inputs))
	}
	for i := 1; i < 5; i++ {
		if !inputs[i].IsWeight() {
			return nil, unsupportedf(node, "input %d must be a constant", i)
		}
	}
	if len(node.Output) > 1 {
		for _, name := range node.Output[1:] {
			if name != "" {
				return nil, unsupportedf(node, "training outputs have no lowering")
			}
		}
	}
	bag := onnx.Attributes(node)
	epsilon := bag.Float("epsilon", 1e-5)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}

	scale, bias, mean, variance := inputs[1].Weight(), inputs[2].Weight(), inputs[3].Weight(), inputs[4].Weight()
	for _, w := range []*tensors.Tensor{scale, bias, mean, variance} {
		if w.DType() != dtypes.Float32 || w.Rank() != 1 {
			return nil, unsupportedf(node, "statistics must be rank-1 Float32 constants, got %s", w.Shape())
		}
	}
	channels := scale.Shape().Dimensions[0]
	for _, w := range []*tensors.Tensor{bias, mean, variance} {
		if w.Shape().Dimensions[0] != channels {
			return nil, invalidf(node, "statistics disagree on the channel count")
		}
	}

	scaleData := tensors.CopyFlatData[float32](scale)
	biasData := tensors.CopyFlatData[float32](bias)
	meanData := tensors.CopyFlatData[float32](mean)
	varData := tensors.CopyFlatData[float32](variance)
	combinedScale := make([]float32, channels)
	combinedShift := make([]float32, channels)
	for i := 0; i < channels; i++ {
		combinedScale[i] = scaleData[i] / math32.Sqrt(varData[i]+epsilon)
		combinedShift[i] = biasData[i] - meanData[i]*combinedScale[i]
	}

	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddScale(x, netdef.ScaleConfig{
		Mode:  netdef.ScaleChannel,
		Scale: tensors.FromFlatDataAndDimensions(combinedScale, channels),
		Shift: tensors.FromFlatDataAndDimensions(combinedShift, channels),
	})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// importInstanceNorm normalizes each channel of each batch entry over its
// spatial extent, then applies the per-channel affine parameters.
func importInstanceNorm(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 3 {
		return nil, invalidf(node, "expected 3 inputs, got %d", len(inputs))
	}
	if !inputs[1].IsWeight() || !inputs[2].IsWeight() {
		return nil, unsupportedf(node, "scale and bias must be constants")
	}
	bag := onnx.Attributes(node)
	epsilon := bag.Float("epsilon", 1e-5)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if x.Rank() < 3 {
		return nil, invalidf(node, "expected a rank >= 3 input, got %s", x.Shape())
	}
	b := ctx.builder
	axes := make([]int, 0, x.Rank()-2)
	for axis := 2; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}

	mean, err := b.AddReduce(x, netdef.ReduceAvg, axes, true)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	centered, err := b.AddElementWise(netdef.OpSub, x, mean)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	squared, err := b.AddElementWise(netdef.OpProd, centered, centered)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	variance, err := b.AddReduce(squared, netdef.ReduceAvg, axes, true)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	eps, err := ctx.scalarConstant(x.Shape().DType, float64(epsilon))
	if err != nil {
		return nil, unsupportedf(node, "%s", err)
	}
	shifted, err := b.AddElementWise(netdef.OpSum, variance, eps)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	stddev, err := b.AddUnary(netdef.OpSqrt, shifted)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	normalized, err := b.AddElementWise(netdef.OpDiv, centered, stddev)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	t, err := b.AddScale(normalized, netdef.ScaleConfig{
		Mode:  netdef.ScaleChannel,
		Scale: inputs[1].Weight(),
		Shift: inputs[2].Weight(),
	})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// importImageScaler applies a uniform scale and per-channel bias.
func importImageScaler(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	scale := bag.Float("scale", 1)
	bias := bag.Floats("bias", nil)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if len(bias) == 0 {
		t, err := ctx.builder.AddScale(x, netdef.ScaleConfig{
			Mode:  netdef.ScaleUniform,
			Scale: tensors.FromScalar(scale),
		})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		return []Value{TensorValue(t)}, nil
	}
	if x.Rank() < 2 {
		return nil, invalidf(node, "per-channel bias requires rank >= 2, got %s", x.Shape())
	}
	channels := len(bias)
	scales := make([]float32, channels)
	shifts := make([]float32, channels)
	for i := range scales {
		scales[i] = scale
		shifts[i] = bias[i]
	}
	t, err := ctx.builder.AddScale(x, netdef.ScaleConfig{
		Mode:  netdef.ScaleChannel,
		Scale: tensors.FromFlatDataAndDimensions(scales, channels),
		Shift: tensors.FromFlatDataAndDimensions(shifts, channels),
	})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importLRN(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 1 {
		return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	size := bag.RequiredInt("size")
	alpha := bag.Float("alpha", 1e-4)
	beta := bag.Float("beta", 0.75)
	biasK := bag.Float("bias", 1)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if size < 1 || size%2 == 0 {
		return nil, invalidValuef(node, "size %d must be odd and positive", size)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddLRN(x, netdef.LRNConfig{Size: size, Alpha: alpha, Beta: beta, K: biasK})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}
