package lower

// Recurrent operators are lowered by unrolling their recurrence into the
// target graph's explicit loop construct: a trip-count loop over the sequence
// axis with one iterator for the input, loop-carried recurrences for the
// hidden (and cell) state, and concatenating loop outputs for the per-step
// results. The per-gate weight blocks are sliced out of the fused parameter
// tensors at lowering time, so each gate becomes a pair of matrix multiplies
// against constants.

import (
	"fmt"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/pkg/errors"
)

func registerRecurrentOps(r *Registry) {
	r.Register("RNN", importRNN)
	r.Register("GRU", importGRU)
	r.Register("LSTM", importLSTM)
}

// gateActivation is one activation slot of a recurrent cell.
type gateActivation struct {
	kind        netdef.ActivationKind
	alpha, beta float32
}

func (g gateActivation) apply(b *netdef.Builder, t *netdef.Tensor) (*netdef.Tensor, error) {
	return b.AddActivation(g.kind, t, g.alpha, g.beta)
}

// recurrentActivations maps the source format's activation names to
// activation kinds with their default coefficients.
var recurrentActivations = map[string]gateActivation{
	"Relu":            {kind: netdef.ActRelu},
	"Sigmoid":         {kind: netdef.ActSigmoid},
	"Tanh":            {kind: netdef.ActTanh},
	"LeakyRelu":       {kind: netdef.ActLeakyRelu, alpha: defaultLeakyReluAlpha},
	"Elu":             {kind: netdef.ActElu, alpha: defaultEluAlpha},
	"Softsign":        {kind: netdef.ActSoftsign},
	"Softplus":        {kind: netdef.ActSoftplus, alpha: 1, beta: 1},
	"HardSigmoid":     {kind: netdef.ActHardSigmoid, alpha: defaultHardSigmoidAlpha, beta: defaultHardSigmoidBeta},
	"ScaledTanh":      {kind: netdef.ActScaledTanh, alpha: 1, beta: 1},
	"ThresholdedRelu": {kind: netdef.ActThresholdedRelu, alpha: 1},
}

// rnnParams is the validated common form of RNN/GRU/LSTM nodes.
type rnnParams struct {
	numGates int
	hidden   int
	reverse  []bool // One entry per direction.

	seqLen, batch, inputSize int

	x        *netdef.Tensor  // [seq, batch, input]
	w, r     *tensors.Tensor // [dirs, gates*hidden, input] and [dirs, gates*hidden, hidden]
	bias     *tensors.Tensor // [dirs, 2*gates*hidden], nil when absent.
	initialH Value
	initialC Value

	// activations holds one entry per activation slot (all directions use
	// the same list).
	activations []gateActivation

	linearBeforeReset bool // GRU only.
}

func (p *rnnParams) dtype() dtypes.DType { return p.x.Shape().DType }

// parseRecurrentNode validates the inputs and attributes shared by the
// recurrent operators. numGates is the per-step gate count of the cell and
// defaults the activation list.
func parseRecurrentNode(ctx *Context, node *onnx.NodeProto, inputs []Value, numGates int, defaults []gateActivation) (*rnnParams, error) {
	if len(inputs) < 3 {
		return nil, invalidf(node, "expected at least 3 inputs, got %d", len(inputs))
	}
	bag := onnx.Attributes(node)
	hidden := bag.RequiredInt("hidden_size")
	direction := bag.Str("direction", "forward")
	actNames := bag.Strs("activations", nil)
	actAlphas := bag.Floats("activation_alpha", nil)
	actBetas := bag.Floats("activation_beta", nil)
	hasClip := bag.Has("clip")
	linearBeforeReset := bag.Bool("linear_before_reset", false)
	inputForget := bag.Bool("input_forget", false)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if hasClip {
		return nil, unsupportedf(node, "cell state clipping has no lowering")
	}
	if inputForget {
		return nil, unsupportedf(node, "input_forget has no lowering")
	}
	if hidden < 1 {
		return nil, invalidValuef(node, "hidden_size %d must be positive", hidden)
	}

	p := &rnnParams{numGates: numGates, hidden: hidden, linearBeforeReset: linearBeforeReset}
	switch direction {
	case "forward":
		p.reverse = []bool{false}
	case "reverse":
		p.reverse = []bool{true}
	case "bidirectional":
		p.reverse = []bool{false, true}
	default:
		return nil, invalidValuef(node, "direction %q", direction)
	}
	numDirs := len(p.reverse)

	p.activations = append([]gateActivation(nil), defaults...)
	if len(actNames) > 0 {
		numActs := len(defaults)
		if len(actNames) != numActs*numDirs {
			return nil, invalidf(node, "expected %d activations for %d directions, got %d",
				numActs*numDirs, numDirs, len(actNames))
		}
		if numDirs == 2 {
			for i := 0; i < numActs; i++ {
				if actNames[i] != actNames[numActs+i] {
					return nil, unsupportedf(node, "diverging activations across directions (%q vs %q)",
						actNames[i], actNames[numActs+i])
				}
			}
		}
		for i := 0; i < numActs; i++ {
			act, found := recurrentActivations[actNames[i]]
			if !found {
				return nil, unsupportedf(node, "activation %q", actNames[i])
			}
			if i < len(actAlphas) {
				act.alpha = actAlphas[i]
			}
			if i < len(actBetas) {
				act.beta = actBetas[i]
			}
			p.activations[i] = act
		}
	}

	if len(inputs) > 4 && !inputs[4].IsEmpty() {
		return nil, unsupportedf(node, "sequence_lens has no lowering")
	}
	if !inputs[1].IsWeight() || !inputs[2].IsWeight() {
		return nil, unsupportedf(node, "the gate parameters must be constants")
	}
	p.w, p.r = inputs[1].Weight(), inputs[2].Weight()
	if len(inputs) > 3 && !inputs[3].IsEmpty() {
		if !inputs[3].IsWeight() {
			return nil, unsupportedf(node, "the bias must be a constant")
		}
		p.bias = inputs[3].Weight()
	}
	if len(inputs) > 5 {
		p.initialH = inputs[5]
	}
	if len(inputs) > 6 {
		p.initialC = inputs[6]
	}
	if len(inputs) > 7 && !inputs[7].IsEmpty() {
		return nil, unsupportedf(node, "peephole connections have no lowering")
	}

	x, err := ctx.tensorOf(inputs[0])
	if err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if x.Rank() != 3 {
		return nil, invalidf(node, "expected a rank-3 input, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	for i, dim := range dims {
		if dim < 0 {
			return nil, unsupportedf(node, "unrolling requires static input dimensions, axis %d is dynamic", i)
		}
	}
	p.x = x
	p.seqLen, p.batch, p.inputSize = dims[0], dims[1], dims[2]

	gh := numGates * hidden
	if !sameDims(p.w.Shape().Dimensions, []int{numDirs, gh, p.inputSize}) {
		return nil, invalidf(node, "gate input weights %s do not match [%d, %d, %d]", p.w.Shape(), numDirs, gh, p.inputSize)
	}
	if !sameDims(p.r.Shape().Dimensions, []int{numDirs, gh, hidden}) {
		return nil, invalidf(node, "gate recurrence weights %s do not match [%d, %d, %d]", p.r.Shape(), numDirs, gh, hidden)
	}
	if p.bias != nil && !sameDims(p.bias.Shape().Dimensions, []int{numDirs, 2 * gh}) {
		return nil, invalidf(node, "bias %s does not match [%d, %d]", p.bias.Shape(), numDirs, 2*gh)
	}
	return p, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// gateWeights extracts the per-gate [hidden, cols] block of a fused rank-3
// parameter tensor for one direction.
func gateWeights(w *tensors.Tensor, dir, gate, hidden int) (*tensors.Tensor, error) {
	dims := w.Shape().Dimensions
	rows, cols := dims[1], dims[2]
	lo, hi := gate*hidden, (gate+1)*hidden
	offset := dir*rows*cols + lo*cols
	length := (hi - lo) * cols
	switch w.DType() {
	case dtypes.Float32:
		data := tensors.CopyFlatData[float32](w)
		return tensors.FromFlatDataAndDimensions(data[offset:offset+length], hidden, cols), nil
	case dtypes.Float64:
		data := tensors.CopyFlatData[float64](w)
		return tensors.FromFlatDataAndDimensions(data[offset:offset+length], hidden, cols), nil
	}
	return nil, errors.Errorf("unsupported gate weight dtype %s", w.DType())
}

// gateBias sums the input and recurrence bias halves of one gate for one
// direction, producing a [hidden] constant. secondHalfOnly selects just the
// recurrence half (Rb); firstHalfOnly just the input half (Wb).
func gateBias(b *tensors.Tensor, dir, gate, numGates, hidden int, half biasHalf) (*tensors.Tensor, error) {
	rowLen := b.Shape().Dimensions[1]
	base := dir * rowLen
	wbOff := base + gate*hidden
	rbOff := base + (numGates+gate)*hidden
	switch b.DType() {
	case dtypes.Float32:
		return combinedBias(tensors.CopyFlatData[float32](b), wbOff, rbOff, hidden, half), nil
	case dtypes.Float64:
		return combinedBias(tensors.CopyFlatData[float64](b), wbOff, rbOff, hidden, half), nil
	}
	return nil, errors.Errorf("unsupported bias dtype %s", b.DType())
}

type biasHalf int

const (
	biasBoth biasHalf = iota
	biasInputHalf
	biasRecurrenceHalf
)

func combinedBias[T float32 | float64](data []T, wbOff, rbOff, hidden int, half biasHalf) *tensors.Tensor {
	out := make([]T, hidden)
	for i := range out {
		switch half {
		case biasBoth:
			out[i] = data[wbOff+i] + data[rbOff+i]
		case biasInputHalf:
			out[i] = data[wbOff+i]
		case biasRecurrenceHalf:
			out[i] = data[rbOff+i]
		}
	}
	return tensors.FromFlatDataAndDimensions(out, hidden)
}

// initialState materializes the [batch, hidden] starting state of one
// direction: a zero fill when absent, a host slice of a constant, or a
// slice+reshape of a tensor input.
func (p *rnnParams) initialState(ctx *Context, node *onnx.NodeProto, state Value, dir int) (*netdef.Tensor, error) {
	if state.IsEmpty() {
		zero, err := scalarWeight(p.dtype(), 0)
		if err != nil {
			return nil, unsupportedf(node, "%s", err)
		}
		t, err := ctx.builder.AddFill(shapes.Make(p.dtype(), p.batch, p.hidden),
			netdef.FillConfig{Op: netdef.FillConstant, Value: zero})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		return t, nil
	}
	want := []int{len(p.reverse), p.batch, p.hidden}
	if !sameDims(state.Shape().Dimensions, want) {
		return nil, invalidf(node, "initial state %s does not match %v", state.Shape(), want)
	}
	if state.IsWeight() {
		w, err := gateWeights(state.Weight(), 0, dir, p.batch)
		if err != nil {
			return nil, unsupportedf(node, "initial state: %s", err)
		}
		return ctx.builder.AddConstant(w), nil
	}
	t, err := ctx.builder.AddSlice(state.Tensor(), []int{dir, 0, 0}, []int{1, p.batch, p.hidden}, []int{1, 1, 1})
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	return ctx.reshapeTo(t, []int{p.batch, p.hidden})
}

// cell computes one recurrent step inside an open loop; it receives the
// current input slice and the carried states and returns the new states.
type cell func(xt *netdef.Tensor, states []*netdef.Tensor) (next []*netdef.Tensor, err error)

// unrollDirection builds one direction's loop: iterate the sequence axis,
// carry the states, collect the stacked and final values. Returns the stacked
// per-step first state [seq, batch, hidden] and the final value of every
// state.
func (p *rnnParams) unrollDirection(ctx *Context, node *onnx.NodeProto, dir int, initial []*netdef.Tensor, step cell) (stacked *netdef.Tensor, finals []*netdef.Tensor, err error) {
	b := ctx.builder
	trip := b.AddConstant(tensors.FromScalar(int64(p.seqLen)))
	loop := b.AddLoop(fmt.Sprintf("%s_dir%d", nodeDisplayName(node), dir))
	if err := loop.AddTripLimit(trip, netdef.TripCount); err != nil {
		return nil, nil, nodeError(InvalidNode, node, err)
	}
	xt, err := loop.AddIterator(p.x, 0, p.reverse[dir])
	if err != nil {
		return nil, nil, nodeError(InvalidNode, node, err)
	}
	recs := make([]*netdef.Recurrence, len(initial))
	states := make([]*netdef.Tensor, len(initial))
	for i, init := range initial {
		recs[i], err = loop.AddRecurrence(init)
		if err != nil {
			return nil, nil, nodeError(InvalidNode, node, err)
		}
		states[i] = recs[i].Output()
	}
	next, err := step(xt, states)
	if err != nil {
		return nil, nil, err
	}
	for i, rec := range recs {
		if err := rec.SetNextValue(next[i]); err != nil {
			return nil, nil, nodeError(InvalidNode, node, err)
		}
	}
	outKind := netdef.LoopConcatenate
	if p.reverse[dir] {
		// Stack back in original time order.
		outKind = netdef.LoopReverse
	}
	stacked, err = loop.AddLoopOutput(next[0], outKind, 0)
	if err != nil {
		return nil, nil, nodeError(InvalidNode, node, err)
	}
	finals = make([]*netdef.Tensor, len(next))
	for i, t := range next {
		finals[i], err = loop.AddLoopOutput(t, netdef.LoopLastValue, 0)
		if err != nil {
			return nil, nil, nodeError(InvalidNode, node, err)
		}
	}
	loop.Finalize()
	return stacked, finals, nil
}

func nodeDisplayName(node *onnx.NodeProto) string {
	if node.Name != "" {
		return node.Name
	}
	return node.OpType
}

// gatePreActivation computes xt*Wg' + state*Rg' (+ bias) for one gate.
func gatePreActivation(b *netdef.Builder, xt, state, wT, rT, bias *netdef.Tensor) (*netdef.Tensor, error) {
	xw, err := b.AddMatrixMultiply(xt, false, wT, true)
	if err != nil {
		return nil, err
	}
	hr, err := b.AddMatrixMultiply(state, false, rT, true)
	if err != nil {
		return nil, err
	}
	sum, err := b.AddElementWise(netdef.OpSum, xw, hr)
	if err != nil {
		return nil, err
	}
	if bias == nil {
		return sum, nil
	}
	return b.AddElementWise(netdef.OpSum, sum, bias)
}

// directionGates stages the per-gate constants of one direction in the graph
// before its loop opens.
type directionGates struct {
	w, r []*netdef.Tensor // Indexed by gate.
	bias []*netdef.Tensor // Summed Wb+Rb per gate; nil entries when absent.
}

func (p *rnnParams) stageGates(ctx *Context, node *onnx.NodeProto, dir int) (*directionGates, error) {
	g := &directionGates{
		w:    make([]*netdef.Tensor, p.numGates),
		r:    make([]*netdef.Tensor, p.numGates),
		bias: make([]*netdef.Tensor, p.numGates),
	}
	for gate := 0; gate < p.numGates; gate++ {
		wg, err := gateWeights(p.w, dir, gate, p.hidden)
		if err != nil {
			return nil, unsupportedf(node, "%s", err)
		}
		rg, err := gateWeights(p.r, dir, gate, p.hidden)
		if err != nil {
			return nil, unsupportedf(node, "%s", err)
		}
		g.w[gate] = ctx.builder.AddConstant(wg)
		g.r[gate] = ctx.builder.AddConstant(rg)
		if p.bias != nil {
			bg, err := gateBias(p.bias, dir, gate, p.numGates, p.hidden, biasBoth)
			if err != nil {
				return nil, unsupportedf(node, "%s", err)
			}
			g.bias[gate] = ctx.builder.AddConstant(bg)
		}
	}
	return g, nil
}

// assembleOutputs builds the node outputs from the per-direction results:
// the stacked sequence gains a direction axis, the finals are stacked along a
// new leading axis.
func (p *rnnParams) assembleOutputs(ctx *Context, node *onnx.NodeProto, stacked []*netdef.Tensor, finals [][]*netdef.Tensor, numStates int) ([]Value, error) {
	numDirs := len(p.reverse)
	perDir := make([]*netdef.Tensor, numDirs)
	var err error
	for d, t := range stacked {
		perDir[d], err = ctx.reshapeTo(t, []int{p.seqLen, 1, p.batch, p.hidden})
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}
	y := perDir[0]
	if numDirs > 1 {
		y, err = ctx.builder.AddConcatenation(perDir, 1)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}

	outputs := []Value{TensorValue(y)}
	for state := 0; state < numStates; state++ {
		parts := make([]*netdef.Tensor, numDirs)
		for d := range parts {
			parts[d], err = ctx.reshapeTo(finals[d][state], []int{1, p.batch, p.hidden})
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		final := parts[0]
		if numDirs > 1 {
			final, err = ctx.builder.AddConcatenation(parts, 0)
			if err != nil {
				return nil, nodeError(InvalidNode, node, err)
			}
		}
		outputs = append(outputs, TensorValue(final))
	}
	if len(outputs) > len(node.Output) {
		outputs = outputs[:len(node.Output)]
	}
	return outputs, nil
}

// importRNN lowers the single-gate recurrence H = f(X*W' + H1*R' + b).
func importRNN(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	p, err := parseRecurrentNode(ctx, node, inputs, 1, []gateActivation{{kind: netdef.ActTanh}})
	if err != nil {
		return nil, err
	}
	b := ctx.builder
	f := p.activations[0]

	stacked := make([]*netdef.Tensor, len(p.reverse))
	finals := make([][]*netdef.Tensor, len(p.reverse))
	for dir := range p.reverse {
		gates, err := p.stageGates(ctx, node, dir)
		if err != nil {
			return nil, err
		}
		h0, err := p.initialState(ctx, node, p.initialH, dir)
		if err != nil {
			return nil, err
		}
		stacked[dir], finals[dir], err = p.unrollDirection(ctx, node, dir, []*netdef.Tensor{h0},
			func(xt *netdef.Tensor, states []*netdef.Tensor) ([]*netdef.Tensor, error) {
				pre, err := gatePreActivation(b, xt, states[0], gates.w[0], gates.r[0], gates.bias[0])
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				h, err := f.apply(b, pre)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				return []*netdef.Tensor{h}, nil
			})
		if err != nil {
			return nil, err
		}
	}
	return p.assembleOutputs(ctx, node, stacked, finals, 1)
}

// GRU gate order in the fused parameters: update (z), reset (r), hidden (h).
const (
	gruUpdateGate = 0
	gruResetGate  = 1
	gruHiddenGate = 2
)

// importGRU lowers the gated recurrent unit. Both bias placements of the
// candidate gate are supported: with linear_before_reset the reset gate
// scales the already-biased recurrence product instead of the previous state.
func importGRU(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	defaults := []gateActivation{{kind: netdef.ActSigmoid}, {kind: netdef.ActTanh}}
	p, err := parseRecurrentNode(ctx, node, inputs, 3, defaults)
	if err != nil {
		return nil, err
	}
	b := ctx.builder
	f, g := p.activations[0], p.activations[1]

	stacked := make([]*netdef.Tensor, len(p.reverse))
	finals := make([][]*netdef.Tensor, len(p.reverse))
	for dir := range p.reverse {
		gates, err := p.stageGates(ctx, node, dir)
		if err != nil {
			return nil, err
		}
		// linear_before_reset needs the two halves of the candidate bias
		// separately: Wbh goes outside the reset product, Rbh inside.
		var candidateWb, candidateRb *netdef.Tensor
		if p.linearBeforeReset && p.bias != nil {
			wb, err := gateBias(p.bias, dir, gruHiddenGate, p.numGates, p.hidden, biasInputHalf)
			if err != nil {
				return nil, unsupportedf(node, "%s", err)
			}
			rb, err := gateBias(p.bias, dir, gruHiddenGate, p.numGates, p.hidden, biasRecurrenceHalf)
			if err != nil {
				return nil, unsupportedf(node, "%s", err)
			}
			candidateWb = b.AddConstant(wb)
			candidateRb = b.AddConstant(rb)
		}
		one, err := ctx.scalarConstant(p.dtype(), 1)
		if err != nil {
			return nil, unsupportedf(node, "%s", err)
		}
		h0, err := p.initialState(ctx, node, p.initialH, dir)
		if err != nil {
			return nil, err
		}

		stacked[dir], finals[dir], err = p.unrollDirection(ctx, node, dir, []*netdef.Tensor{h0},
			func(xt *netdef.Tensor, states []*netdef.Tensor) ([]*netdef.Tensor, error) {
				hPrev := states[0]
				zPre, err := gatePreActivation(b, xt, hPrev, gates.w[gruUpdateGate], gates.r[gruUpdateGate], gates.bias[gruUpdateGate])
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				z, err := f.apply(b, zPre)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				rPre, err := gatePreActivation(b, xt, hPrev, gates.w[gruResetGate], gates.r[gruResetGate], gates.bias[gruResetGate])
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				r, err := f.apply(b, rPre)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}

				var hPre *netdef.Tensor
				if p.linearBeforeReset {
					// ht = g(xt*Wh' + Wbh + r . (hPrev*Rh' + Rbh))
					recur, err := b.AddMatrixMultiply(hPrev, false, gates.r[gruHiddenGate], true)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					if candidateRb != nil {
						recur, err = b.AddElementWise(netdef.OpSum, recur, candidateRb)
						if err != nil {
							return nil, nodeError(InvalidNode, node, err)
						}
					}
					gated, err := b.AddElementWise(netdef.OpProd, r, recur)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					xw, err := b.AddMatrixMultiply(xt, false, gates.w[gruHiddenGate], true)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					if candidateWb != nil {
						xw, err = b.AddElementWise(netdef.OpSum, xw, candidateWb)
						if err != nil {
							return nil, nodeError(InvalidNode, node, err)
						}
					}
					hPre, err = b.AddElementWise(netdef.OpSum, xw, gated)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
				} else {
					// ht = g(xt*Wh' + (r . hPrev)*Rh' + Wbh + Rbh)
					gated, err := b.AddElementWise(netdef.OpProd, r, hPrev)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					hPre, err = gatePreActivation(b, xt, gated, gates.w[gruHiddenGate], gates.r[gruHiddenGate], gates.bias[gruHiddenGate])
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
				}
				hCand, err := g.apply(b, hPre)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}

				// H = (1-z) . hCand + z . hPrev
				oneMinusZ, err := b.AddElementWise(netdef.OpSub, one, z)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				newPart, err := b.AddElementWise(netdef.OpProd, oneMinusZ, hCand)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				oldPart, err := b.AddElementWise(netdef.OpProd, z, hPrev)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				h, err := b.AddElementWise(netdef.OpSum, newPart, oldPart)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				return []*netdef.Tensor{h}, nil
			})
		if err != nil {
			return nil, err
		}
	}
	return p.assembleOutputs(ctx, node, stacked, finals, 1)
}

// LSTM gate order in the fused parameters: input (i), output (o), forget
// (f), cell candidate (c).
const (
	lstmInputGate  = 0
	lstmOutputGate = 1
	lstmForgetGate = 2
	lstmCellGate   = 3
)

func importLSTM(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	defaults := []gateActivation{{kind: netdef.ActSigmoid}, {kind: netdef.ActTanh}, {kind: netdef.ActTanh}}
	p, err := parseRecurrentNode(ctx, node, inputs, 4, defaults)
	if err != nil {
		return nil, err
	}
	b := ctx.builder
	f, g, h := p.activations[0], p.activations[1], p.activations[2]

	stacked := make([]*netdef.Tensor, len(p.reverse))
	finals := make([][]*netdef.Tensor, len(p.reverse))
	for dir := range p.reverse {
		gates, err := p.stageGates(ctx, node, dir)
		if err != nil {
			return nil, err
		}
		h0, err := p.initialState(ctx, node, p.initialH, dir)
		if err != nil {
			return nil, err
		}
		c0, err := p.initialState(ctx, node, p.initialC, dir)
		if err != nil {
			return nil, err
		}

		stacked[dir], finals[dir], err = p.unrollDirection(ctx, node, dir, []*netdef.Tensor{h0, c0},
			func(xt *netdef.Tensor, states []*netdef.Tensor) ([]*netdef.Tensor, error) {
				hPrev, cPrev := states[0], states[1]
				gate := func(index int, act gateActivation) (*netdef.Tensor, error) {
					pre, err := gatePreActivation(b, xt, hPrev, gates.w[index], gates.r[index], gates.bias[index])
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					out, err := act.apply(b, pre)
					if err != nil {
						return nil, nodeError(InvalidNode, node, err)
					}
					return out, nil
				}
				iGate, err := gate(lstmInputGate, f)
				if err != nil {
					return nil, err
				}
				oGate, err := gate(lstmOutputGate, f)
				if err != nil {
					return nil, err
				}
				fGate, err := gate(lstmForgetGate, f)
				if err != nil {
					return nil, err
				}
				cCand, err := gate(lstmCellGate, g)
				if err != nil {
					return nil, err
				}

				// C = f . C1 + i . cCand
				kept, err := b.AddElementWise(netdef.OpProd, fGate, cPrev)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				written, err := b.AddElementWise(netdef.OpProd, iGate, cCand)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				cNew, err := b.AddElementWise(netdef.OpSum, kept, written)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				// H = o . h(C)
				cAct, err := h.apply(b, cNew)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				hNew, err := b.AddElementWise(netdef.OpProd, oGate, cAct)
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
				return []*netdef.Tensor{hNew, cNew}, nil
			})
		if err != nil {
			return nil, err
		}
	}
	return p.assembleOutputs(ctx, node, stacked, finals, 2)
}
