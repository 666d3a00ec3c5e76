package lower

import (
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

// combineElementwise lowers a variadic element-wise operator by left-folding
// its inputs through binary layers. A single operand is wrapped in an
// identity layer so the node still materializes an output tensor. Modern
// operands broadcast multidirectionally (numpy alignment: ranks align on the
// right); allowLegacyBroadcast additionally honors the pre-opset-7
// broadcast/axis attributes, which reshape the right operand to align its
// dimensions at an explicit axis of the left one.
func combineElementwise(ctx *Context, node *onnx.NodeProto, inputs []Value, op netdef.ElementWiseOp, allowLegacyBroadcast bool) (*netdef.Tensor, error) {
	if len(inputs) == 0 {
		return nil, invalidf(node, "expected at least one input")
	}
	operands := make([]*netdef.Tensor, len(inputs))
	for i, in := range inputs {
		t, err := ctx.tensorOf(in)
		if err != nil {
			return nil, invalidf(node, "input %d: %s", i, err)
		}
		operands[i] = t
	}
	if len(operands) == 1 {
		return ctx.builder.AddIdentity(operands[0])
	}

	if allowLegacyBroadcast && ctx.opset < 7 && len(operands) == 2 {
		bag := onnx.Attributes(node)
		broadcast := bag.Bool("broadcast", false)
		hasAxis := bag.Has("axis")
		axis := bag.Int("axis", 0)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if broadcast && operands[1].Rank() < operands[0].Rank() {
			reshaped, err := legacyBroadcastReshape(ctx, node, operands[0], operands[1], hasAxis, axis)
			if err != nil {
				return nil, err
			}
			operands[1] = reshaped
		}
	}

	acc := operands[0]
	for _, operand := range operands[1:] {
		next, err := ctx.builder.AddElementWise(op, acc, operand)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		acc = next
	}
	return acc, nil
}

// legacyBroadcastReshape expands the right operand of a pre-opset-7
// broadcast to the left operand's rank: its dimensions are placed starting
// at axis (default: aligned to the left operand's trailing axes) with
// singletons everywhere else.
func legacyBroadcastReshape(ctx *Context, node *onnx.NodeProto, left, right *netdef.Tensor, hasAxis bool, axis int) (*netdef.Tensor, error) {
	leftRank, rightRank := left.Rank(), right.Rank()
	start := leftRank - rightRank
	if hasAxis {
		var err error
		start, err = convertAxis(axis, leftRank)
		if err != nil {
			return nil, invalidValuef(node, "broadcast axis: %s", err)
		}
	}
	if start+rightRank > leftRank {
		return nil, invalidf(node, "broadcast axis %d leaves no room for a rank-%d operand in a rank-%d one",
			start, rightRank, leftRank)
	}
	dims := make([]int, leftRank)
	for i := range dims {
		dims[i] = 1
	}
	for i, dim := range right.Shape().Dimensions {
		if dim < 0 {
			return nil, unsupportedf(node, "legacy broadcast of a dynamically sized operand")
		}
		dims[start+i] = dim
	}
	return ctx.reshapeTo(right, dims)
}
