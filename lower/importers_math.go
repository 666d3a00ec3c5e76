package lower

import (
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerMathOps(r *Registry) {
	binary := func(op netdef.ElementWiseOp) Importer {
		return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
			if len(inputs) != 2 {
				return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
			}
			t, err := combineElementwise(ctx, node, inputs, op, true)
			if err != nil {
				return nil, err
			}
			return []Value{TensorValue(t)}, nil
		}
	}
	variadic := func(op netdef.ElementWiseOp) Importer {
		return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
			t, err := combineElementwise(ctx, node, inputs, op, false)
			if err != nil {
				return nil, err
			}
			return []Value{TensorValue(t)}, nil
		}
	}
	unary := func(op netdef.UnaryOp) Importer {
		return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
			if len(inputs) != 1 {
				return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
			}
			x, err := ctx.tensorOf(inputs[0])
			if err != nil {
				return nil, invalidf(node, "%s", err)
			}
			t, err := ctx.builder.AddUnary(op, x)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
			return []Value{TensorValue(t)}, nil
		}
	}

	r.Register("Add", binary(netdef.OpSum))
	r.Register("Sub", binary(netdef.OpSub))
	r.Register("Mul", binary(netdef.OpProd))
	r.Register("Div", binary(netdef.OpDiv))
	r.Register("Pow", binary(netdef.OpPow))
	r.Register("And", binary(netdef.OpAnd))
	r.Register("Or", binary(netdef.OpOr))
	r.Register("Xor", binary(netdef.OpXor))
	r.Register("Equal", binary(netdef.OpEqual))
	r.Register("Greater", binary(netdef.OpGreater))
	r.Register("Less", binary(netdef.OpLess))

	r.Register("Max", variadic(netdef.OpMax))
	r.Register("Min", variadic(netdef.OpMin))
	r.Register("Sum", variadic(netdef.OpSum))
	r.Register("Mean", importMean)

	r.Register("Abs", unary(netdef.OpAbs))
	r.Register("Acos", unary(netdef.OpAcos))
	r.Register("Acosh", unary(netdef.OpAcosh))
	r.Register("Asin", unary(netdef.OpAsin))
	r.Register("Asinh", unary(netdef.OpAsinh))
	r.Register("Atan", unary(netdef.OpAtan))
	r.Register("Atanh", unary(netdef.OpAtanh))
	r.Register("Ceil", unary(netdef.OpCeil))
	r.Register("Cos", unary(netdef.OpCos))
	r.Register("Cosh", unary(netdef.OpCosh))
	r.Register("Erf", unary(netdef.OpErf))
	r.Register("Exp", unary(netdef.OpExp))
	r.Register("Floor", unary(netdef.OpFloor))
	r.Register("Log", unary(netdef.OpLog))
	r.Register("Neg", unary(netdef.OpNeg))
	r.Register("Not", unary(netdef.OpNot))
	r.Register("Reciprocal", unary(netdef.OpRecip))
	r.Register("Sin", unary(netdef.OpSin))
	r.Register("Sinh", unary(netdef.OpSinh))
	r.Register("Sqrt", unary(netdef.OpSqrt))
	r.Register("Tan", unary(netdef.OpTan))

	r.Register("Where", importWhere)
}

// importMean folds the inputs with sums, then rescales by the operand count.
func importMean(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	sum, err := combineElementwise(ctx, node, inputs, netdef.OpSum, false)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 1 {
		return []Value{TensorValue(sum)}, nil
	}
	factor, err := ctx.scalarConstant(sum.Shape().DType, 1/float64(len(inputs)))
	if err != nil {
		return nil, unsupportedf(node, "%s", err)
	}
	mean, err := ctx.builder.AddElementWise(netdef.OpProd, sum, factor)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(mean)}, nil
}

func importWhere(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 3 {
		return nil, invalidf(node, "expected 3 inputs, got %d", len(inputs))
	}
	cond, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "condition: %s", err)
	}
	onTrue, err := ctx.tensorOf(inputs[1])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	onFalse, err := ctx.tensorOf(inputs[2])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddSelect(cond, onTrue, onFalse)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}
