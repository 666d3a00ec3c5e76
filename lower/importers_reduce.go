package lower

import (
	"slices"

	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerReduceOps(r *Registry) {
	plain := func(op netdef.ReduceOp) Importer {
		return reduceImporter(op, nil, nil)
	}
	r.Register("ReduceSum", plain(netdef.ReduceSum))
	r.Register("ReduceProd", plain(netdef.ReduceProd))
	r.Register("ReduceMax", plain(netdef.ReduceMax))
	r.Register("ReduceMin", plain(netdef.ReduceMin))
	r.Register("ReduceMean", plain(netdef.ReduceAvg))
	r.Register("ReduceL1", reduceImporter(netdef.ReduceSum, unaryStep(netdef.OpAbs), nil))
	r.Register("ReduceL2", reduceImporter(netdef.ReduceSum, squareStep, unaryStep(netdef.OpSqrt)))
	r.Register("ReduceLogSum", reduceImporter(netdef.ReduceSum, nil, unaryStep(netdef.OpLog)))
	r.Register("ReduceLogSumExp", reduceImporter(netdef.ReduceSum, unaryStep(netdef.OpExp), unaryStep(netdef.OpLog)))
	r.Register("ReduceSumSquare", reduceImporter(netdef.ReduceSum, squareStep, nil))

	r.Register("ArgMax", importArg(netdef.TopKMax))
	r.Register("ArgMin", importArg(netdef.TopKMin))
	r.Register("TopK", importTopK)
}

type reduceStep func(ctx *Context, t *netdef.Tensor) (*netdef.Tensor, error)

func unaryStep(op netdef.UnaryOp) reduceStep {
	return func(ctx *Context, t *netdef.Tensor) (*netdef.Tensor, error) {
		return ctx.builder.AddUnary(op, t)
	}
}

func squareStep(ctx *Context, t *netdef.Tensor) (*netdef.Tensor, error) {
	return ctx.builder.AddElementWise(netdef.OpProd, t, t)
}

// reduceImporter builds an importer performing pre -> reduce(op) -> post,
// covering the composite reductions (L1, L2, LogSum, ...).
func reduceImporter(op netdef.ReduceOp, pre, post reduceStep) Importer {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		if len(inputs) < 1 {
			return nil, invalidf(node, "expected at least 1 input")
		}
		bag := onnx.Attributes(node)
		keepDims := bag.Bool("keepdims", true)
		noopEmptyAxes := bag.Bool("noop_with_empty_axes", false)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		rank := inputs[0].Rank()
		axes, hasAxes, err := axesFromAttrOrInput(node, inputs, "axes", 1)
		if err != nil {
			return nil, err
		}
		if !hasAxes || len(axes) == 0 {
			if noopEmptyAxes {
				return []Value{inputs[0]}, nil
			}
			axes = make([]int, rank)
			for i := range axes {
				axes[i] = i
			}
		} else {
			axes = slices.Clone(axes)
			for i, axis := range axes {
				axes[i], err = convertAxis(axis, rank)
				if err != nil {
					return nil, invalidValuef(node, "%s", err)
				}
			}
		}

		t, err := ctx.tensorOf(inputs[0])
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		if pre != nil {
			t, err = pre(ctx, t)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		t, err = ctx.builder.AddReduce(t, op, axes, keepDims)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if post != nil {
			t, err = post(ctx, t)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		return []Value{TensorValue(t)}, nil
	}
}

// importArg lowers ArgMax/ArgMin through a single-entry TopK, keeping only
// the Int64 indices.
func importArg(op netdef.TopKOp) Importer {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		if len(inputs) != 1 {
			return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
		}
		bag := onnx.Attributes(node)
		axis := bag.Int("axis", 0)
		keepDims := bag.Bool("keepdims", true)
		selectLast := bag.Bool("select_last_index", false)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if selectLast {
			return nil, unsupportedf(node, "select_last_index has no lowering")
		}
		x, err := ctx.tensorOf(inputs[0])
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		axis, err = convertAxis(axis, x.Rank())
		if err != nil {
			return nil, invalidValuef(node, "%s", err)
		}
		_, indices, err := ctx.builder.AddTopK(x, op, 1, axis)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if !keepDims {
			dims := slices.Delete(slices.Clone(indices.Shape().Dimensions), axis, axis+1)
			indices, err = ctx.reshapeTo(indices, dims)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		return []Value{TensorValue(indices)}, nil
	}
}

func importTopK(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	bag := onnx.Attributes(node)
	axis := bag.Int("axis", -1)
	largest := bag.Bool("largest", true)
	var k int
	if ctx.opset < 10 {
		k = bag.RequiredInt("k")
	}
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if ctx.opset >= 10 {
		if len(inputs) < 2 || inputs[1].IsEmpty() {
			return nil, invalidf(node, "expected a k input")
		}
		if !inputs[1].IsWeight() {
			return nil, unsupportedf(node, "k must be a constant")
		}
		ks, err := weightToInts(inputs[1].Weight())
		if err != nil || len(ks) != 1 {
			return nil, invalidf(node, "k must be a single integer")
		}
		k = ks[0]
	}
	if k < 1 {
		return nil, invalidValuef(node, "k = %d must be positive", k)
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	axis, err = convertAxis(axis, x.Rank())
	if err != nil {
		return nil, invalidValuef(node, "%s", err)
	}
	op := netdef.TopKMax
	if !largest {
		op = netdef.TopKMin
	}
	values, indices, err := ctx.builder.AddTopK(x, op, k, axis)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(values), TensorValue(indices)}, nil
}
