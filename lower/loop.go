package lower

// Control-flow operators carry their body as a subgraph attribute. The body
// is lowered inline into an open netdef loop with a child scope: body inputs
// become iterators and recurrences, body outputs become recurrence next
// values and loop outputs. The target supports a single trip limit per loop,
// either a count or a while condition, so nodes that combine both forms are
// rejected unless the redundant one is a constant.

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
)

func registerControlFlowOps(r *Registry) {
	r.Register("Loop", importLoop)
	r.Register("Scan", importScan)
}

// lowerBody lowers the body subgraph inside the currently open loop. The
// caller pre-binds the body's declared inputs in the child scope; body
// initializers are bound here. Returns the body's output values.
func lowerBody(child *Context, node *onnx.NodeProto, body *onnx.GraphProto) ([]Value, error) {
	for _, proto := range body.Initializer {
		w, err := onnx.Tensor(proto)
		if err != nil {
			return nil, invalidf(node, "body initializer %q: %s", proto.Name, err)
		}
		if err := child.scope.define(proto.Name, WeightValue(w)); err != nil {
			return nil, invalidf(node, "%s", err)
		}
	}
	if err := child.session.lowerNodes(child, body.Node); err != nil {
		return nil, err
	}
	outputs := make([]Value, len(body.Output))
	for i, info := range body.Output {
		v, found := child.scope.resolve(info.Name)
		if !found {
			return nil, invalidf(node, "body output %q was never produced", info.Name)
		}
		outputs[i] = v
	}
	return outputs, nil
}

// constantBool reports whether v is a constant scalar boolean, and its value.
func constantBool(v Value) (value, isConst bool) {
	if !v.IsWeight() || v.Shape().Size() != 1 || v.DType() != dtypes.Bool {
		return false, false
	}
	return tensors.CopyFlatData[bool](v.Weight())[0], true
}

// importLoop lowers the generic loop operator. The body receives the
// iteration number, the loop condition and the carried values; it yields the
// next condition, the next carried values and any number of scan slices.
//
// Three forms are lowered. A trip-count input with a constant-true condition
// becomes a counted loop. A computed condition without a trip count becomes a
// while loop, with the condition as a loop-carried recurrence. A loop with
// neither bound runs under the session's fallback iteration limit, and its
// scan outputs are flagged: their length is undefined, so they may only feed
// the loop's own body, never a consumer outside it.
func importLoop(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	bag := onnx.Attributes(node)
	body := bag.GraphAttr("body")
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if len(inputs) < 2 {
		return nil, invalidf(node, "expected at least 2 inputs, got %d", len(inputs))
	}
	numCarried := len(inputs) - 2
	if len(body.Input) != 2+numCarried {
		return nil, invalidf(node, "body declares %d inputs, want %d", len(body.Input), 2+numCarried)
	}
	if len(body.Output) < 1+numCarried {
		return nil, invalidf(node, "body declares %d outputs, want at least %d", len(body.Output), 1+numCarried)
	}
	numScan := len(body.Output) - 1 - numCarried
	if len(node.Output) > numCarried+numScan {
		return nil, invalidf(node, "node declares %d outputs, body provides %d", len(node.Output), numCarried+numScan)
	}
	if numCarried+numScan == 0 {
		return nil, invalidf(node, "loop with no carried values and no scan outputs")
	}

	mValue, condValue := inputs[0], inputs[1]
	condConst, condIsConst := constantBool(condValue)
	if condValue.IsEmpty() {
		condConst, condIsConst = true, true
	}
	if condIsConst && !condConst {
		return nil, unsupportedf(node, "the loop condition is constant false; a never-executing loop has no lowering")
	}
	hasTripCount := !mValue.IsEmpty()
	if hasTripCount && !condIsConst {
		return nil, unsupportedf(node, "a trip count combined with a computed condition needs two trip limits, the target supports one")
	}

	b := ctx.builder

	// Everything the loop consumes from outside is staged before it opens.
	var tripInput *netdef.Tensor
	if hasTripCount {
		if mValue.IsWeight() {
			// Rebuilt as a scalar so the trip count is statically known and
			// sizes the stacking axes of the scan outputs.
			count, err := weightScalar(mValue.Weight())
			if err != nil {
				return nil, invalidf(node, "trip count: %s", err)
			}
			tripInput = b.AddConstant(tensors.FromScalar(int64(count)))
		} else {
			t := mValue.Tensor()
			if t.Rank() == 1 && t.Shape().Dimensions[0] == 1 {
				var err error
				t, err = ctx.reshapeTo(t, []int{})
				if err != nil {
					return nil, nodeError(InvalidNode, node, err)
				}
			}
			tripInput = t
		}
	}
	var condInit *netdef.Tensor
	if !hasTripCount {
		var err error
		if condIsConst {
			condInit, err = ctx.scalarConstant(dtypes.Bool, 1)
		} else {
			condInit, err = ctx.tensorOf(condValue)
		}
		if err != nil {
			return nil, invalidf(node, "condition: %s", err)
		}
	}
	var fallbackTrip *netdef.Tensor
	if !hasTripCount {
		fallbackTrip = b.AddConstant(tensors.FromScalar(int64(ctx.session.fallbackLoopLimit)))
	}
	zero64 := b.AddConstant(tensors.FromScalar(int64(0)))
	one64 := b.AddConstant(tensors.FromScalar(int64(1)))
	carriedInit := make([]*netdef.Tensor, numCarried)
	for i := 0; i < numCarried; i++ {
		t, err := ctx.tensorOf(inputs[2+i])
		if err != nil {
			return nil, invalidf(node, "carried value %d: %s", i, err)
		}
		carriedInit[i] = t
	}

	loop := b.AddLoop(nodeDisplayName(node))
	if hasTripCount {
		if err := loop.AddTripLimit(tripInput, netdef.TripCount); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}

	iterRec, err := loop.AddRecurrence(zero64)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	iterNext, err := b.AddElementWise(netdef.OpSum, iterRec.Output(), one64)
	if err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	if err := iterRec.SetNextValue(iterNext); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}

	var condRec *netdef.Recurrence
	condBodyValue := WeightValue(tensors.FromScalar(true))
	if !hasTripCount {
		condRec, err = loop.AddRecurrence(condInit)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		condBodyValue = TensorValue(condRec.Output())
	}

	carriedRecs := make([]*netdef.Recurrence, numCarried)
	child := ctx.child()
	if err := child.scope.define(body.Input[0].Name, TensorValue(iterRec.Output())); err != nil {
		return nil, invalidf(node, "%s", err)
	}
	if err := child.scope.define(body.Input[1].Name, condBodyValue); err != nil {
		return nil, invalidf(node, "%s", err)
	}
	for i := 0; i < numCarried; i++ {
		carriedRecs[i], err = loop.AddRecurrence(carriedInit[i])
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if err := child.scope.define(body.Input[2+i].Name, TensorValue(carriedRecs[i].Output())); err != nil {
			return nil, invalidf(node, "%s", err)
		}
	}

	bodyOut, err := lowerBody(child, node, body)
	if err != nil {
		return nil, err
	}

	condOut := bodyOut[0]
	condOutConst, condOutIsConst := constantBool(condOut)
	fallback := false
	if hasTripCount {
		if !condOutIsConst || !condOutConst {
			return nil, unsupportedf(node, "a trip count combined with a computed condition needs two trip limits, the target supports one")
		}
	} else if condOutIsConst && condIsConst {
		if !condOutConst {
			return nil, unsupportedf(node, "the loop condition is constant false; a never-executing loop has no lowering")
		}
		// Nothing bounds this loop. Run it under the fallback limit; the
		// resulting scan outputs have an undefined length.
		fallback = true
		if err := loop.AddTripLimit(fallbackTrip, netdef.TripCount); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if err := condRec.SetNextValue(condRec.Output()); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	} else {
		if err := loop.AddTripLimit(condRec.Output(), netdef.TripWhile); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		condNext, err := child.tensorOf(condOut)
		if err != nil {
			return nil, invalidf(node, "condition output: %s", err)
		}
		if err := condRec.SetNextValue(condNext); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
	}

	outputs := make([]Value, 0, numCarried+numScan)
	for i := 0; i < numCarried; i++ {
		next, err := child.tensorOf(bodyOut[1+i])
		if err != nil {
			return nil, invalidf(node, "carried output %d: %s", i, err)
		}
		if err := carriedRecs[i].SetNextValue(next); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		final, err := loop.AddLoopOutput(next, netdef.LoopLastValue, 0)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		outputs = append(outputs, TensorValue(final))
	}
	for j := 0; j < numScan; j++ {
		slice, err := child.tensorOf(bodyOut[1+numCarried+j])
		if err != nil {
			return nil, invalidf(node, "scan output %d: %s", j, err)
		}
		stacked, err := loop.AddLoopOutput(slice, netdef.LoopConcatenate, 0)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		outputs = append(outputs, Value{tensor: stacked, fallbackScan: fallback})
	}
	loop.Finalize()

	if len(outputs) > len(node.Output) {
		outputs = outputs[:len(node.Output)]
	}
	return outputs, nil
}

// importScan lowers the scan operator: a counted loop whose trip count comes
// from the scanned inputs' iteration axes, which must be static.
func importScan(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
	if ctx.opset < 9 {
		// The older form carries an implicit batch axis and a sequence-length
		// input with per-batch lengths.
		return nil, unsupportedf(node, "scan before opset 9 has no lowering")
	}
	bag := onnx.Attributes(node)
	body := bag.GraphAttr("body")
	numScanIn := bag.RequiredInt("num_scan_inputs")
	inAxes := bag.Ints("scan_input_axes", nil)
	inDirections := bag.Ints("scan_input_directions", nil)
	outAxes := bag.Ints("scan_output_axes", nil)
	outDirections := bag.Ints("scan_output_directions", nil)
	if err := bag.Err(); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}
	numStates := len(inputs) - numScanIn
	if numScanIn < 1 || numStates < 0 {
		return nil, invalidf(node, "num_scan_inputs %d does not fit %d inputs", numScanIn, len(inputs))
	}
	if len(body.Input) != len(inputs) {
		return nil, invalidf(node, "body declares %d inputs, want %d", len(body.Input), len(inputs))
	}
	if len(body.Output) < numStates {
		return nil, invalidf(node, "body declares %d outputs, want at least %d", len(body.Output), numStates)
	}
	numScanOut := len(body.Output) - numStates
	if len(node.Output) != numStates+numScanOut {
		return nil, invalidf(node, "node declares %d outputs, body provides %d", len(node.Output), numStates+numScanOut)
	}

	b := ctx.builder

	// Stage the scanned inputs and resolve their iteration axes; they all
	// must agree on a static trip count.
	scanIn := make([]*netdef.Tensor, numScanIn)
	scanInAxis := make([]int, numScanIn)
	tripCount := -1
	for i := 0; i < numScanIn; i++ {
		t, err := ctx.tensorOf(inputs[numStates+i])
		if err != nil {
			return nil, invalidf(node, "scan input %d: %s", i, err)
		}
		axis := 0
		if i < len(inAxes) {
			axis = inAxes[i]
		}
		axis, err = convertAxis(axis, t.Rank())
		if err != nil {
			return nil, invalidValuef(node, "scan input %d: %s", i, err)
		}
		dim := t.Shape().Dimensions[axis]
		if dim < 0 {
			return nil, unsupportedf(node, "scan input %d has a dynamic iteration axis %d", i, axis)
		}
		if tripCount >= 0 && dim != tripCount {
			return nil, invalidf(node, "scan inputs disagree on the iteration count: %d vs %d", tripCount, dim)
		}
		tripCount = dim
		scanIn[i], scanInAxis[i] = t, axis
	}
	stateInit := make([]*netdef.Tensor, numStates)
	for i := 0; i < numStates; i++ {
		t, err := ctx.tensorOf(inputs[i])
		if err != nil {
			return nil, invalidf(node, "initial state %d: %s", i, err)
		}
		stateInit[i] = t
	}
	trip := b.AddConstant(tensors.FromScalar(int64(tripCount)))

	loop := b.AddLoop(nodeDisplayName(node))
	if err := loop.AddTripLimit(trip, netdef.TripCount); err != nil {
		return nil, nodeError(InvalidNode, node, err)
	}

	child := ctx.child()
	stateRecs := make([]*netdef.Recurrence, numStates)
	var err error
	for i := 0; i < numStates; i++ {
		stateRecs[i], err = loop.AddRecurrence(stateInit[i])
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if err := child.scope.define(body.Input[i].Name, TensorValue(stateRecs[i].Output())); err != nil {
			return nil, invalidf(node, "%s", err)
		}
	}
	for i := 0; i < numScanIn; i++ {
		reverse := i < len(inDirections) && inDirections[i] == 1
		elem, err := loop.AddIterator(scanIn[i], scanInAxis[i], reverse)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		if err := child.scope.define(body.Input[numStates+i].Name, TensorValue(elem)); err != nil {
			return nil, invalidf(node, "%s", err)
		}
	}

	bodyOut, err := lowerBody(child, node, body)
	if err != nil {
		return nil, err
	}

	outputs := make([]Value, 0, numStates+numScanOut)
	for i := 0; i < numStates; i++ {
		next, err := child.tensorOf(bodyOut[i])
		if err != nil {
			return nil, invalidf(node, "state output %d: %s", i, err)
		}
		if err := stateRecs[i].SetNextValue(next); err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		final, err := loop.AddLoopOutput(next, netdef.LoopLastValue, 0)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		outputs = append(outputs, TensorValue(final))
	}
	for j := 0; j < numScanOut; j++ {
		slice, err := child.tensorOf(bodyOut[numStates+j])
		if err != nil {
			return nil, invalidf(node, "scan output %d: %s", j, err)
		}
		axis := 0
		if j < len(outAxes) {
			axis = outAxes[j]
		}
		axis, err = convertAxis(axis, slice.Rank()+1)
		if err != nil {
			return nil, invalidValuef(node, "scan output %d: %s", j, err)
		}
		kind := netdef.LoopConcatenate
		if j < len(outDirections) && outDirections[j] == 1 {
			kind = netdef.LoopReverse
		}
		stacked, err := loop.AddLoopOutput(slice, kind, axis)
		if err != nil {
			return nil, nodeError(InvalidNode, node, err)
		}
		outputs = append(outputs, TensorValue(stacked))
	}
	loop.Finalize()
	return outputs, nil
}
