package lower

import (
	"slices"

	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerConvPoolOps(r *Registry) {
	r.Register("Conv", importConv)
	r.Register("ConvTranspose", importConvTranspose)
	r.Register("MaxPool", importPool(netdef.PoolMax))
	r.Register("AveragePool", importPool(netdef.PoolAverage))
	r.Register("GlobalMaxPool", importGlobalPool(netdef.ReduceMax))
	r.Register("GlobalAveragePool", importGlobalPool(netdef.ReduceAvg))
}

func importConv(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 2 {
		return nil, invalidf(node, "expected at least 2 inputs")
	}
	if !inputs[1].IsWeight() {
		return nil, unsupportedf(node, "the kernel must be a constant")
	}
	kernel := inputs[1].Weight()
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if x.Rank() < 3 {
		return nil, invalidf(node, "expected a rank >= 3 input, got %s", x.Shape())
	}
	nbSpatial := x.Rank() - 2
	if kernel.Rank() != nbSpatial+2 {
		return nil, invalidf(node, "kernel %s does not match a rank-%d input", kernel.Shape(), x.Rank())
	}
	params, err := spatialParams(node, nbSpatial, kernel.Shape().Dimensions[2:])
	if err != nil {
		return nil, err
	}
	beg, end, err := params.resolvePadding(node, x.Shape().Dimensions[2:], false)
	if err != nil {
		return nil, err
	}
	cfg := netdef.ConvolutionConfig{
		NumOutputs: kernel.Shape().Dimensions[0],
		KernelDims: params.KernelDims,
		Strides:    params.Strides,
		Dilations:  params.Dilations,
		BegPadding: beg,
		EndPadding: end,
		Groups:     params.Groups,
		Kernel:     kernel,
	}
	if len(inputs) > 2 && !inputs[2].IsEmpty() {
		if !inputs[2].IsWeight() {
			return nil, unsupportedf(node, "the bias must be a constant")
		}
		cfg.Bias = inputs[2].Weight()
	}
	t, err := ctx.builder.AddConvolution(x, cfg)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

func importConvTranspose(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 2 {
		return nil, invalidf(node, "expected at least 2 inputs")
	}
	if !inputs[1].IsWeight() {
		return nil, unsupportedf(node, "the kernel must be a constant")
	}
	kernel := inputs[1].Weight()
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if x.Rank() < 3 {
		return nil, invalidf(node, "expected a rank >= 3 input, got %s", x.Shape())
	}
	nbSpatial := x.Rank() - 2
	if kernel.Rank() != nbSpatial+2 {
		return nil, invalidf(node, "kernel %s does not match a rank-%d input", kernel.Shape(), x.Rank())
	}
	params, err := spatialParams(node, nbSpatial, kernel.Shape().Dimensions[2:])
	if err != nil {
		return nil, err
	}
	beg, end, extraEnd, err := params.resolveDeconvPadding(node, x.Shape().Dimensions[2:])
	if err != nil {
		return nil, err
	}
	// Kernel layout is [inChannels, outChannels/groups, spatial...].
	cfg := netdef.DeconvolutionConfig{
		NumOutputs: kernel.Shape().Dimensions[1] * params.Groups,
		KernelDims: params.KernelDims,
		Strides:    params.Strides,
		Dilations:  params.Dilations,
		BegPadding: beg,
		EndPadding: end,
		Groups:     params.Groups,
		Kernel:     kernel,
	}
	if len(inputs) > 2 && !inputs[2].IsEmpty() {
		if !inputs[2].IsWeight() {
			return nil, unsupportedf(node, "the bias must be a constant")
		}
		cfg.Bias = inputs[2].Weight()
	}
	t, err := ctx.builder.AddDeconvolution(x, cfg)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if !allZero(extraEnd) {
		begPad := make([]int, t.Rank())
		endPad := make([]int, t.Rank())
		copy(endPad[2:], extraEnd)
		t, err = ctx.builder.AddPadding(t, begPad, endPad, 0)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	return []Value{TensorValue(t)}, nil
}

func importPool(poolType netdef.PoolingType) Importer {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		if len(inputs) != 1 {
			return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
		}
		if poolType == netdef.PoolMax && len(node.Output) > 1 && node.Output[1] != "" {
			return nil, unsupportedf(node, "the indices output has no lowering")
		}
		x, err := ctx.tensorOf(inputs[0])
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		if x.Rank() < 3 {
			return nil, invalidf(node, "expected a rank >= 3 input, got %s", x.Shape())
		}
		nbSpatial := x.Rank() - 2
		params, err := spatialParams(node, nbSpatial, nil)
		if err != nil {
			return nil, err
		}
		for i, dilation := range params.Dilations {
			if dilation != 1 {
				return nil, unsupportedf(node, "dilation %d on axis %d", dilation, i)
			}
		}
		// SAME is resolved with the ceil closed form, so the ceil-rounded
		// output matches ceil(in/stride) exactly.
		ceilMode := params.CeilMode || params.AutoPad != autoPadExplicit
		beg, end, err := params.resolvePadding(node, x.Shape().Dimensions[2:], true)
		if err != nil {
			return nil, err
		}

		// Average pooling folds asymmetric padding into a widened symmetric
		// window; the spurious leading output element is cropped after.
		var crop []bool
		if poolType == netdef.PoolAverage {
			beg = slices.Clone(beg)
			crop = make([]bool, nbSpatial)
			for i := range beg {
				switch {
				case beg[i] == end[i]:
				case end[i] == beg[i]+1:
					beg[i] += params.Strides[i]
					crop[i] = true
				default:
					return nil, unsupportedf(node, "axis %d: asymmetric padding (%d, %d) beyond one stride",
						i, beg[i], end[i])
				}
			}
		}

		t, err := ctx.builder.AddPooling(x, netdef.PoolingConfig{
			Type:           poolType,
			Window:         params.KernelDims,
			Strides:        params.Strides,
			BegPadding:     beg,
			EndPadding:     end,
			ExcludePadding: !params.CountIncludePad,
			CeilMode:       ceilMode,
		})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}

		if crop != nil {
			needsCrop := false
			for _, c := range crop {
				needsCrop = needsCrop || c
			}
			if needsCrop {
				dims := t.Shape().Dimensions
				starts := make([]int, t.Rank())
				sizes := slices.Clone(dims)
				for i, c := range crop {
					if !c {
						continue
					}
					axis := i + 2
					if dims[axis] < 0 {
						return nil, unsupportedf(node, "cannot crop a dynamically sized axis %d", axis)
					}
					starts[axis] = 1
					sizes[axis] = dims[axis] - 1
				}
				t, err = ctx.builder.AddSlice(t, starts, sizes, onesInts(t.Rank()))
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
			}
		}
		return []Value{TensorValue(t)}, nil
	}
}

func importGlobalPool(op netdef.ReduceOp) Importer {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		if len(inputs) != 1 {
			return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
		}
		x, err := ctx.tensorOf(inputs[0])
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		if x.Rank() < 3 {
			return nil, invalidf(node, "expected a rank >= 3 input, got %s", x.Shape())
		}
		axes := make([]int, 0, x.Rank()-2)
		for axis := 2; axis < x.Rank(); axis++ {
			axes = append(axes, axis)
		}
		t, err := ctx.builder.AddReduce(x, op, axes, true)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		return []Value{TensorValue(t)}, nil
	}
}
