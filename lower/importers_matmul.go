package lower

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerMatMulOps(r *Registry) {
	r.Register("MatMul", importMatMul)
	r.Register("Gemm", importGemm)
}

// importMatMul lowers the batched matrix product. Rank-1 operands follow the
// source format's promotion rules: a rank-1 left operand becomes a [1, K] row,
// a rank-1 right operand a [K, 1] column, and the temporary axes are squeezed
// off the result.
func importMatMul(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 2 {
		return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
	}
	a, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	b, err := ctx.tensorOf(inputs[1])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if a.Rank() == 0 || b.Rank() == 0 {
		return nil, invalidf(node, "scalar operands are not valid, got %s and %s", a.Shape(), b.Shape())
	}

	promotedA := a.Rank() == 1
	promotedB := b.Rank() == 1
	if promotedA {
		a, err = ctx.reshapeTo(a, []int{1, a.Shape().Dimensions[0]})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	if promotedB {
		b, err = ctx.reshapeTo(b, []int{b.Shape().Dimensions[0], 1})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	out, err := ctx.builder.AddMatrixMultiply(a, false, b, false)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if promotedA || promotedB {
		dims := out.Shape().Dimensions
		squeezed := make([]int, 0, len(dims))
		for i, dim := range dims {
			if promotedA && i == len(dims)-2 {
				continue
			}
			if promotedB && i == len(dims)-1 {
				continue
			}
			squeezed = append(squeezed, dim)
		}
		out, err = ctx.reshapeTo(out, squeezed)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	return []Value{TensorValue(out)}, nil
}

// importGemm lowers alpha*op(A)*op(B) + beta*C. When B and C are constants,
// alpha and beta are 1 and A is not transposed, it becomes a single
// fully-connected layer with the kernel pre-transposed at lowering time;
// otherwise it decomposes into a matrix multiply, scalar scales and a
// broadcast bias add.
func importGemm(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 2 {
		return nil, invalidf(node, "expected at least 2 inputs")
	}
	bag := onnx.Attributes(node)
	alpha := bag.Float("alpha", 1)
	beta := bag.Float("beta", 1)
	transA := bag.Bool("transA", false)
	transB := bag.Bool("transB", false)
	legacyNoBroadcast := ctx.opset < 7 && !bag.Bool("broadcast", false)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	aValue := inputs[0]
	bValue := inputs[1]
	var cValue Value
	if len(inputs) > 2 {
		cValue = inputs[2]
	}

	if out, ok, err := tryFusedGemm(ctx, node, aValue, bValue, cValue, alpha, beta, transA, transB); err != nil {
		return nil, err
	} else if ok {
		return []Value{TensorValue(out)}, nil
	}

	a, err := ctx.tensorOf(aValue)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	b, err := ctx.tensorOf(bValue)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, invalidf(node, "expected rank-2 operands, got %s and %s", a.Shape(), b.Shape())
	}
	out, err := ctx.builder.AddMatrixMultiply(a, transA, b, transB)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if alpha != 1 {
		out, err = scaleByScalar(ctx, node, out, float64(alpha))
		if err != nil {
			return nil, err
		}
	}
	if cValue.IsEmpty() || beta == 0 {
		return []Value{TensorValue(out)}, nil
	}

	if legacyNoBroadcast {
		// Pre-opset-7 without the broadcast attribute the bias must match
		// the product exactly, up to leading singleton axes.
		dims := squeezeLeadingOnes(cValue.Shape().Dimensions, 0)
		reshaped, err := reshapeValue(ctx, node, cValue, dims)
		if err != nil {
			return nil, err
		}
		cValue = reshaped[0]
	}
	c, err := ctx.tensorOf(cValue)
	if err != nil {
		return nil, invalidf(node, "bias: %s", err)
	}
	if beta != 1 {
		c, err = scaleByScalar(ctx, node, c, float64(beta))
		if err != nil {
			return nil, err
		}
	}
	out, err = ctx.builder.AddElementWise(netdef.OpSum, out, c)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(out)}, nil
}

// tryFusedGemm emits the single fully-connected layer form when the node
// qualifies; ok is false when it does not and the caller should fall back.
func tryFusedGemm(ctx *Context, node *onnx.NodeProto, aValue, bValue, cValue Value, alpha, beta float32, transA, transB bool) (*netdef.Tensor, bool, error) {
	if alpha != 1 || beta != 1 || transA {
		return nil, false, nil
	}
	if !bValue.IsWeight() || bValue.Rank() != 2 {
		return nil, false, nil
	}
	if !cValue.IsEmpty() && (!cValue.IsWeight() || cValue.Rank() != 1) {
		return nil, false, nil
	}
	if aValue.IsWeight() {
		return nil, false, nil
	}
	// A is accepted as [M, K] or already in the layer's [M, K, 1] form.
	aDims := aValue.Shape().Dimensions
	switch {
	case aValue.Rank() == 2:
	case aValue.Rank() == 3 && aDims[2] == 1:
	default:
		return nil, false, nil
	}
	if aDims[1] < 0 {
		return nil, false, nil
	}

	kernel := bValue.Weight()
	if !transB {
		// The layer wants [outputs, inputs]; an untransposed B is [K, N].
		var err error
		kernel, err = weightTranspose2D(kernel)
		if err != nil {
			return nil, false, invalidf(node, "%s", err)
		}
	}
	numOutputs := kernel.Shape().Dimensions[0]
	if kernel.Shape().Dimensions[1] != aDims[1] {
		return nil, false, invalidf(node, "kernel %s does not contract with %s", kernel.Shape(), aValue.Shape())
	}
	var bias *tensors.Tensor
	if !cValue.IsEmpty() {
		if cValue.Shape().Dimensions[0] != numOutputs {
			return nil, false, invalidf(node, "bias %s does not match %d outputs", cValue.Shape(), numOutputs)
		}
		bias = cValue.Weight()
	}

	// The layer collapses everything after the batch axis, so feed it
	// [M, K, 1] and peel the trailing singleton back off.
	a, err := ctx.reshapeTo(aValue.Tensor(), []int{aDims[0], aDims[1], 1})
	if err != nil {
		return nil, false, nodeError(InvalidNode, node, err)
	}
	out, err := ctx.builder.AddFullyConnected(a, netdef.FullyConnectedConfig{
		NumOutputs: numOutputs,
		Kernel:     kernel,
		Bias:       bias,
	})
	if err != nil {
		return nil, false, nodeError(InvalidNode, node, err)
	}
	out, err = ctx.reshapeTo(out, []int{aDims[0], numOutputs})
	if err != nil {
		return nil, false, nodeError(InvalidNode, node, err)
	}
	return out, true, nil
}

func scaleByScalar(ctx *Context, node *onnx.NodeProto, t *netdef.Tensor, factor float64) (*netdef.Tensor, error) {
	scalar, err := ctx.scalarConstant(t.Shape().DType, factor)
	if err != nil {
		return nil, unsupportedf(node, "%s", err)
	}
	out, err := ctx.builder.AddElementWise(netdef.OpProd, t, scalar)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return out, nil
}
