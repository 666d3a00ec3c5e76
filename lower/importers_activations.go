package lower

import (
	"math"

	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

// Default coefficients of the parameterized activations, per the source
// format's operator definitions.
const (
	defaultLeakyReluAlpha   = 0.01
	defaultEluAlpha         = 1.0
	defaultSeluAlpha        = 1.67326319217681884765625
	defaultSeluGamma        = 1.05070102214813232421875
	defaultHardSigmoidAlpha = 0.2
	defaultHardSigmoidBeta  = 0.5
)

func registerActivationOps(r *Registry) {
	// activation builds an importer for a single-input activation whose
	// alpha/beta coefficients come from the named attributes (empty name:
	// fixed default).
	activation := func(kind netdef.ActivationKind, alphaAttr string, alphaDefault float32, betaAttr string, betaDefault float32) Importer {
		return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
			if len(inputs) != 1 {
				return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
			}
			alpha, beta := alphaDefault, betaDefault
			bag := onnx.Attributes(node)
			if alphaAttr != "" {
				alpha = bag.Float(alphaAttr, alphaDefault)
			}
			if betaAttr != "" {
				beta = bag.Float(betaAttr, betaDefault)
			}
			if err := bag.Err(); err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
			return emitActivation(ctx, node, inputs[0], kind, alpha, beta)
		}
	}

	r.Register("Relu", activation(netdef.ActRelu, "", 0, "", 0))
	r.Register("Sigmoid", activation(netdef.ActSigmoid, "", 0, "", 0))
	r.Register("Tanh", activation(netdef.ActTanh, "", 0, "", 0))
	r.Register("LeakyRelu", activation(netdef.ActLeakyRelu, "alpha", defaultLeakyReluAlpha, "", 0))
	r.Register("Elu", activation(netdef.ActElu, "alpha", defaultEluAlpha, "", 0))
	r.Register("Selu", activation(netdef.ActSelu, "alpha", defaultSeluAlpha, "gamma", defaultSeluGamma))
	r.Register("Softsign", activation(netdef.ActSoftsign, "", 0, "", 0))
	r.Register("Softplus", activation(netdef.ActSoftplus, "", 1, "", 1))
	r.Register("ParametricSoftplus", activation(netdef.ActSoftplus, "alpha", 1, "beta", 1))
	r.Register("HardSigmoid", activation(netdef.ActHardSigmoid, "alpha", defaultHardSigmoidAlpha, "beta", defaultHardSigmoidBeta))
	r.Register("ScaledTanh", activation(netdef.ActScaledTanh, "alpha", 1, "beta", 1))
	r.Register("ThresholdedRelu", activation(netdef.ActThresholdedRelu, "alpha", 1, "", 0))

	r.Register("Clip", importClip)
	r.Register("PRelu", importPRelu)
	r.Register("Softmax", importSoftmax(false))
	r.Register("LogSoftmax", importSoftmax(true))
}

func emitActivation(ctx *Context, node *onnx.NodeProto, input Value, kind netdef.ActivationKind, alpha, beta float32) ([]Value, error) {
	x, err := ctx.tensorOf(input)
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	t, err := ctx.builder.AddActivation(kind, x, alpha, beta)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(t)}, nil
}

// importClip lowers Clip to a clip activation. The bounds moved from
// attributes to optional inputs at opset 11; input bounds must be constants.
func importClip(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) < 1 {
		return nil, invalidf(node, "expected at least 1 input")
	}
	lo := float32(-math.MaxFloat32)
	hi := float32(math.MaxFloat32)
	if ctx.opset < 11 {
		bag := onnx.Attributes(node)
		lo = bag.Float("min", lo)
		hi = bag.Float("max", hi)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		bound := func(i int, name string, fallback float32) (float32, error) {
			if i >= len(inputs) || inputs[i].IsEmpty() {
				return fallback, nil
			}
			if !inputs[i].IsWeight() {
				return 0, unsupportedf(node, "%s bound must be a constant", name)
			}
			v, err := weightScalar(inputs[i].Weight())
			if err != nil {
				return 0, invalidf(node, "%s bound: %s", name, err)
			}
			return float32(v), nil
		}
		var err error
		if lo, err = bound(1, "min", lo); err != nil {
			return nil, err
		}
		if hi, err = bound(2, "max", hi); err != nil {
			return nil, err
		}
	}
	if lo > hi {
		return nil, invalidValuef(node, "min %v exceeds max %v", lo, hi)
	}
	return emitActivation(ctx, node, inputs[0], netdef.ActClip, lo, hi)
}

// importPRelu composes relu(x) + slope * (x - relu(x)). A rank-1 slope is
// aligned to the channel axis.
func importPRelu(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if len(inputs) != 2 {
		return nil, invalidf(node, "expected 2 inputs, got %d", len(inputs))
	}
	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	slopeValue := inputs[1]
	if slopeValue.Rank() == 1 && x.Rank() > 2 {
		// [C] would broadcast against the trailing axis; reshape it to
		// [1, C, 1, ...] so it lands on the channels.
		dims := make([]int, x.Rank())
		for i := range dims {
			dims[i] = 1
		}
		dims[1] = slopeValue.Shape().Dimensions[0]
		if slopeValue.IsWeight() {
			w, err := weightWithDims(slopeValue.Weight(), dims)
			if err != nil {
				return nil, invalidf(node, "slope: %s", err)
			}
			slopeValue = WeightValue(w)
		} else {
			reshaped, err := ctx.reshapeTo(slopeValue.Tensor(), dims)
			if err != nil {
				return nil, invalidf(node, "slope: %s", err)
			}
			slopeValue = TensorValue(reshaped)
		}
	}
	slope, err := ctx.tensorOf(slopeValue)
	if err != nil {
		return nil, invalidf(node, "slope: %s", err)
	}

	pos, err := ctx.builder.AddActivation(netdef.ActRelu, x, 0, 0)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	neg, err := ctx.builder.AddElementWise(netdef.OpSub, x, pos)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	scaled, err := ctx.builder.AddElementWise(netdef.OpProd, neg, slope)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	out, err := ctx.builder.AddElementWise(netdef.OpSum, pos, scaled)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return []Value{TensorValue(out)}, nil
}

// importSoftmax lowers Softmax/LogSoftmax. Before opset 13 the operator
// normalizes over the flattened trailing axes starting at axis, so the input
// is reshaped to 2D around the axis, normalized and reshaped back.
func importSoftmax(logOutput bool) Importer {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		if len(inputs) != 1 {
			return nil, invalidf(node, "expected 1 input, got %d", len(inputs))
		}
		x, err := ctx.tensorOf(inputs[0])
		if err != nil {
			return nil, invalidf(node, "%s", err)
		}
		defaultAxis := 1
		if ctx.opset >= 13 {
			defaultAxis = -1
		}
		bag := onnx.Attributes(node)
		axis := bag.Int("axis", defaultAxis)
		if err := bag.Err(); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		axis, err = convertAxis(axis, x.Rank())
		if err != nil {
			return nil, invalidValuef(node, "%s", err)
		}

		out := x
		flattened := ctx.opset < 13 && axis != x.Rank()-1
		originalDims := x.Shape().Dimensions
		if flattened {
			for _, dim := range originalDims {
				if dim < 0 {
					return nil, unsupportedf(node, "pre-opset-13 softmax on a dynamically shaped input")
				}
			}
			front, back := 1, 1
			for i, dim := range originalDims {
				if i < axis {
					front *= dim
				} else {
					back *= dim
				}
			}
			out, err = ctx.reshapeTo(out, []int{front, back})
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
			axis = 1
		}
		out, err = ctx.builder.AddSoftmax(out, axis)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if flattened {
			out, err = ctx.reshapeTo(out, originalDims)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		if logOutput {
			out, err = ctx.builder.AddUnary(netdef.OpLog, out)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		return []Value{TensorValue(out)}, nil
	}
}
