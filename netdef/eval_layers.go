package netdef

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

func (ev *evaluator) in(l *Layer, i int) (*buffer, error) {
	buf, found := ev.env[l.inputs[i]]
	if !found {
		return nil, errors.Errorf("input %d (%s) was never computed", i, l.inputs[i])
	}
	return buf, nil
}

// unravel fills idx with the multi-index of flat under dims.
func unravel(flat int, dims, idx []int) {
	for i := len(dims) - 1; i >= 0; i-- {
		if dims[i] == 0 {
			idx[i] = 0
			continue
		}
		idx[i] = flat % dims[i]
		flat /= dims[i]
	}
}

// broadcastFlat maps an output multi-index to the flat index of a (possibly
// lower-rank, possibly size-1-dimension) input shape, numpy alignment.
func broadcastFlat(outIdx []int, shape shapes.Shape) int {
	offset := len(outIdx) - shape.Rank()
	flat := 0
	for a := 0; a < shape.Rank(); a++ {
		flat *= shape.Dimensions[a]
		if shape.Dimensions[a] > 1 {
			flat += outIdx[offset+a]
		}
	}
	return flat
}

// nextIndex advances a multi-index odometer; false on wrap-around.
func nextIndex(idx, dims []int) bool {
	for i := len(dims) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < dims[i] {
			return true
		}
		idx[i] = 0
	}
	return false
}

func (ev *evaluator) evalLayer(l *Layer) error {
	switch l.kind {
	case LayerConstant:
		buf, err := bufferFromTensor(l.config.(ConstantConfig).Value)
		if err != nil {
			return err
		}
		ev.env[l.outputs[0]] = buf
		return nil

	case LayerIdentity:
		x, err := ev.in(l, 0)
		if err != nil {
			return err
		}
		ev.env[l.outputs[0]] = x.clone()
		return nil

	case LayerCast:
		x, err := ev.in(l, 0)
		if err != nil {
			return err
		}
		out, err := newBuffer(l.outputs[0].shape)
		if err != nil {
			return err
		}
		for i := 0; i < out.size(); i++ {
			out.set(i, x.at(i))
		}
		ev.env[l.outputs[0]] = out
		return nil

	case LayerElementWise:
		return ev.evalElementWise(l)
	case LayerUnary:
		return ev.evalUnary(l)
	case LayerActivation:
		return ev.evalActivation(l)
	case LayerMatrixMultiply:
		return ev.evalMatMul(l)
	case LayerFullyConnected:
		return ev.evalFullyConnected(l)
	case LayerConvolution:
		return ev.evalConvolution(l)
	case LayerPooling:
		return ev.evalPooling(l)
	case LayerScale:
		return ev.evalScale(l)
	case LayerShuffle:
		return ev.evalShuffle(l)
	case LayerSlice:
		return ev.evalSlice(l)
	case LayerConcatenation:
		return ev.evalConcatenation(l)
	case LayerGather:
		return ev.evalGather(l)
	case LayerReduce:
		return ev.evalReduce(l)
	case LayerSelect:
		return ev.evalSelect(l)
	case LayerSoftmax:
		return ev.evalSoftmax(l)
	case LayerPadding:
		return ev.evalPadding(l)
	case LayerFill:
		return ev.evalFill(l)
	case LayerIterator:
		return ev.evalIterator(l)

	case LayerTripLimit, LayerRecurrence, LayerLoopOutput:
		// Handled by the loop driver.
		return nil
	}
	return errors.Errorf("%s is not supported by the evaluator", l.kind)
}

func (ev *evaluator) evalElementWise(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	y, err := ev.in(l, 1)
	if err != nil {
		return err
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	op := l.config.(ElementWiseConfig).Op
	idx := make([]int, out.shape.Rank())
	intArith := out.i64 != nil
	for i := 0; i < out.size(); i++ {
		unravel(i, out.shape.Dimensions, idx)
		xi, yi := broadcastFlat(idx, x.shape), broadcastFlat(idx, y.shape)
		switch op {
		case OpAnd:
			out.bools[i] = x.bools[xi] && y.bools[yi]
		case OpOr:
			out.bools[i] = x.bools[xi] || y.bools[yi]
		case OpXor:
			out.bools[i] = x.bools[xi] != y.bools[yi]
		case OpEqual:
			out.bools[i] = x.at(xi) == y.at(yi)
		case OpGreater:
			out.bools[i] = x.at(xi) > y.at(yi)
		case OpLess:
			out.bools[i] = x.at(xi) < y.at(yi)
		default:
			if intArith {
				out.i64[i] = intBinary(op, x.i64[xi], y.i64[yi])
			} else {
				out.f32[i] = floatBinary(op, x.f32[xi], y.f32[yi])
			}
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func floatBinary(op ElementWiseOp, a, b float32) float32 {
	switch op {
	case OpSum:
		return a + b
	case OpSub:
		return a - b
	case OpProd:
		return a * b
	case OpDiv:
		return a / b
	case OpFloorDiv:
		return math32.Floor(a / b)
	case OpMax:
		return math32.Max(a, b)
	case OpMin:
		return math32.Min(a, b)
	case OpPow:
		return math32.Pow(a, b)
	}
	return math32.NaN()
}

func intBinary(op ElementWiseOp, a, b int64) int64 {
	switch op {
	case OpSum:
		return a + b
	case OpSub:
		return a - b
	case OpProd:
		return a * b
	case OpDiv:
		return a / b
	case OpFloorDiv:
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return q
	case OpMax:
		return max(a, b)
	case OpMin:
		return min(a, b)
	case OpPow:
		result := int64(1)
		for ; b > 0; b-- {
			result *= a
		}
		return result
	}
	return 0
}

func (ev *evaluator) evalUnary(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	op := l.config.(UnaryConfig).Op
	for i := 0; i < out.size(); i++ {
		switch {
		case op == OpNot:
			out.bools[i] = !x.bools[i]
		case out.i64 != nil:
			v := x.i64[i]
			switch op {
			case OpNeg:
				out.i64[i] = -v
			case OpAbs:
				if v < 0 {
					v = -v
				}
				out.i64[i] = v
			case OpSign:
				switch {
				case v > 0:
					out.i64[i] = 1
				case v < 0:
					out.i64[i] = -1
				}
			default:
				return errors.Errorf("Unary(%s) is not defined on %s", op, out.shape.DType)
			}
		default:
			out.f32[i] = floatUnary(op, x.f32[i])
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func floatUnary(op UnaryOp, v float32) float32 {
	switch op {
	case OpExp:
		return math32.Exp(v)
	case OpLog:
		return math32.Log(v)
	case OpSqrt:
		return math32.Sqrt(v)
	case OpRecip:
		return 1 / v
	case OpAbs:
		return math32.Abs(v)
	case OpNeg:
		return -v
	case OpSin:
		return math32.Sin(v)
	case OpCos:
		return math32.Cos(v)
	case OpTan:
		return math32.Tan(v)
	case OpSinh:
		return math32.Sinh(v)
	case OpCosh:
		return math32.Cosh(v)
	case OpAsin:
		return math32.Asin(v)
	case OpAcos:
		return math32.Acos(v)
	case OpAtan:
		return math32.Atan(v)
	case OpAsinh:
		return math32.Asinh(v)
	case OpAcosh:
		return math32.Acosh(v)
	case OpAtanh:
		return math32.Atanh(v)
	case OpCeil:
		return math32.Ceil(v)
	case OpFloor:
		return math32.Floor(v)
	case OpRound:
		return float32(math.RoundToEven(float64(v)))
	case OpSign:
		switch {
		case v > 0:
			return 1
		case v < 0:
			return -1
		}
		return 0
	case OpErf:
		return math32.Erf(v)
	}
	return math32.NaN()
}

func (ev *evaluator) evalActivation(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(ActivationConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	alpha, beta := cfg.Alpha, cfg.Beta
	for i, v := range x.f32 {
		var r float32
		switch cfg.Kind {
		case ActRelu:
			r = math32.Max(0, v)
		case ActSigmoid:
			r = 1 / (1 + math32.Exp(-v))
		case ActTanh:
			r = math32.Tanh(v)
		case ActLeakyRelu:
			if v < 0 {
				r = alpha * v
			} else {
				r = v
			}
		case ActElu:
			if v < 0 {
				r = alpha * (math32.Exp(v) - 1)
			} else {
				r = v
			}
		case ActSelu:
			if v <= 0 {
				r = beta * alpha * (math32.Exp(v) - 1)
			} else {
				r = beta * v
			}
		case ActSoftsign:
			r = v / (1 + math32.Abs(v))
		case ActSoftplus:
			r = alpha * math32.Log(math32.Exp(beta*v)+1)
		case ActClip:
			r = math32.Min(math32.Max(v, alpha), beta)
		case ActHardSigmoid:
			r = math32.Max(0, math32.Min(1, alpha*v+beta))
		case ActScaledTanh:
			r = alpha * math32.Tanh(beta*v)
		case ActThresholdedRelu:
			if v > alpha {
				r = v
			}
		default:
			return errors.Errorf("activation %s is not supported by the evaluator", cfg.Kind)
		}
		out.f32[i] = r
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalMatMul(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	y, err := ev.in(l, 1)
	if err != nil {
		return err
	}
	cfg := l.config.(MatrixMultiplyConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	rank := out.shape.Rank()
	rows, cols := out.shape.Dimensions[rank-2], out.shape.Dimensions[rank-1]
	contract := x.shape.Dimensions[x.shape.Rank()-1]
	if cfg.TransposeA {
		contract = x.shape.Dimensions[x.shape.Rank()-2]
	}
	batchDims := out.shape.Dimensions[:rank-2]
	batch := 1
	for _, d := range batchDims {
		batch *= d
	}
	batchIdx := make([]int, len(batchDims))
	xBatch := shapes.Make(x.shape.DType, x.shape.Dimensions[:x.shape.Rank()-2]...)
	yBatch := shapes.Make(y.shape.DType, y.shape.Dimensions[:y.shape.Rank()-2]...)
	xRows, xCols := x.shape.Dimensions[x.shape.Rank()-2], x.shape.Dimensions[x.shape.Rank()-1]
	yRows, yCols := y.shape.Dimensions[y.shape.Rank()-2], y.shape.Dimensions[y.shape.Rank()-1]
	for b := 0; b < batch; b++ {
		unravel(b, batchDims, batchIdx)
		xBase := broadcastFlat(batchIdx, xBatch) * xRows * xCols
		yBase := broadcastFlat(batchIdx, yBatch) * yRows * yCols
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				var acc float32
				for k := 0; k < contract; k++ {
					xi, xj := r, k
					if cfg.TransposeA {
						xi, xj = k, r
					}
					yi, yj := k, c
					if cfg.TransposeB {
						yi, yj = c, k
					}
					acc += x.f32[xBase+xi*xCols+xj] * y.f32[yBase+yi*yCols+yj]
				}
				out.f32[(b*rows+r)*cols+c] = acc
			}
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalFullyConnected(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(FullyConnectedConfig)
	kernel, err := bufferFromTensor(cfg.Kernel)
	if err != nil {
		return err
	}
	var bias *buffer
	if cfg.Bias != nil {
		if bias, err = bufferFromTensor(cfg.Bias); err != nil {
			return err
		}
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	batch := x.shape.Dimensions[0]
	channels := x.size() / max(batch, 1)
	m := cfg.NumOutputs
	for n := 0; n < batch; n++ {
		for o := 0; o < m; o++ {
			var acc float32
			for k := 0; k < channels; k++ {
				acc += kernel.f32[o*channels+k] * x.f32[n*channels+k]
			}
			if bias != nil {
				acc += bias.f32[o]
			}
			out.f32[n*m+o] = acc
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalConvolution(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(ConvolutionConfig)
	kernel, err := bufferFromTensor(cfg.Kernel)
	if err != nil {
		return err
	}
	var bias *buffer
	if cfg.Bias != nil {
		if bias, err = bufferFromTensor(cfg.Bias); err != nil {
			return err
		}
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	inDims, outDims := x.shape.Dimensions, out.shape.Dimensions
	batch, cIn, m := inDims[0], inDims[1], cfg.NumOutputs
	spatialRank := len(cfg.KernelDims)
	cPerGroup := cIn / cfg.Groups
	mPerGroup := m / cfg.Groups
	inStrides := rowMajorStrides(inDims)
	outStrides := rowMajorStrides(outDims)
	kernelSpatial := 1
	for _, k := range cfg.KernelDims {
		kernelSpatial *= k
	}
	outIdx := make([]int, spatialRank)
	kIdx := make([]int, spatialRank)
	for n := 0; n < batch; n++ {
		for o := 0; o < m; o++ {
			group := o / mPerGroup
			for i := range outIdx {
				outIdx[i] = 0
			}
			for {
				var acc float32
				for c := 0; c < cPerGroup; c++ {
					for i := range kIdx {
						kIdx[i] = 0
					}
					for {
						inFlat := n*inStrides[0] + (group*cPerGroup+c)*inStrides[1]
						inBounds := true
						for i := 0; i < spatialRank; i++ {
							pos := outIdx[i]*cfg.Strides[i] - cfg.BegPadding[i] + kIdx[i]*cfg.Dilations[i]
							if pos < 0 || pos >= inDims[2+i] {
								inBounds = false
								break
							}
							inFlat += pos * inStrides[2+i]
						}
						if inBounds {
							kFlat := (o*cPerGroup+c)*kernelSpatial + flatten(kIdx, cfg.KernelDims)
							acc += x.f32[inFlat] * kernel.f32[kFlat]
						}
						if !nextIndex(kIdx, cfg.KernelDims) {
							break
						}
					}
				}
				if bias != nil {
					acc += bias.f32[o]
				}
				outFlat := n*outStrides[0] + o*outStrides[1]
				for i := 0; i < spatialRank; i++ {
					outFlat += outIdx[i] * outStrides[2+i]
				}
				out.f32[outFlat] = acc
				if !nextIndex(outIdx, outDims[2:]) {
					break
				}
			}
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func flatten(idx, dims []int) int {
	flat := 0
	for i := range dims {
		flat = flat*dims[i] + idx[i]
	}
	return flat
}

func (ev *evaluator) evalPooling(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(PoolingConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	inDims, outDims := x.shape.Dimensions, out.shape.Dimensions
	spatialRank := len(cfg.Window)
	inStrides := rowMajorStrides(inDims)
	outStrides := rowMajorStrides(outDims)
	windowSize := 1
	for _, w := range cfg.Window {
		windowSize *= w
	}
	outIdx := make([]int, spatialRank)
	wIdx := make([]int, spatialRank)
	for n := 0; n < inDims[0]; n++ {
		for c := 0; c < inDims[1]; c++ {
			for i := range outIdx {
				outIdx[i] = 0
			}
			for {
				acc := math32.Inf(-1)
				sum, count := float32(0), 0
				for i := range wIdx {
					wIdx[i] = 0
				}
				for {
					inFlat := n*inStrides[0] + c*inStrides[1]
					inBounds := true
					for i := 0; i < spatialRank; i++ {
						pos := outIdx[i]*cfg.Strides[i] - cfg.BegPadding[i] + wIdx[i]
						if pos < 0 || pos >= inDims[2+i] {
							inBounds = false
							break
						}
						inFlat += pos * inStrides[2+i]
					}
					if inBounds {
						v := x.f32[inFlat]
						acc = math32.Max(acc, v)
						sum += v
						count++
					}
					if !nextIndex(wIdx, cfg.Window) {
						break
					}
				}
				var r float32
				if cfg.Type == PoolMax {
					r = acc
				} else {
					divisor := float32(windowSize)
					if cfg.ExcludePadding {
						divisor = float32(count)
					}
					r = sum / divisor
				}
				outFlat := n*outStrides[0] + c*outStrides[1]
				for i := 0; i < spatialRank; i++ {
					outFlat += outIdx[i] * outStrides[2+i]
				}
				out.f32[outFlat] = r
				if !nextIndex(outIdx, outDims[2:]) {
					break
				}
			}
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalScale(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(ScaleConfig)
	var shift, scale, power *buffer
	if cfg.Shift != nil {
		if shift, err = bufferFromTensor(cfg.Shift); err != nil {
			return err
		}
	}
	if cfg.Scale != nil {
		if scale, err = bufferFromTensor(cfg.Scale); err != nil {
			return err
		}
	}
	if cfg.Power != nil {
		if power, err = bufferFromTensor(cfg.Power); err != nil {
			return err
		}
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	channelSize := 1
	for _, d := range x.shape.Dimensions[2:] {
		channelSize *= d
	}
	coeff := func(buf *buffer, i int, def float32) float32 {
		if buf == nil {
			return def
		}
		switch cfg.Mode {
		case ScaleUniform:
			return buf.f32[0]
		case ScaleChannel:
			return buf.f32[(i/channelSize)%x.shape.Dimensions[1]]
		default:
			return buf.f32[i]
		}
	}
	for i, v := range x.f32 {
		r := v*coeff(scale, i, 1) + coeff(shift, i, 0)
		if p := coeff(power, i, 1); p != 1 {
			r = math32.Pow(r, p)
		}
		out.f32[i] = r
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalShuffle(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(ShuffleConfig)
	cur := x
	if cfg.FirstPerm != nil {
		if cur, err = transposeBuffer(cur, cfg.FirstPerm); err != nil {
			return err
		}
	}
	if cfg.ReshapeDims != nil {
		// A reshape is a flat copy under the already resolved output shape.
		resolved, err := shuffleOutputShape(cur.shape, nil, cfg.ReshapeDims, nil)
		if err != nil {
			return err
		}
		reshaped := cur.clone()
		reshaped.shape = resolved
		cur = reshaped
	}
	if cfg.SecondPerm != nil {
		if cur, err = transposeBuffer(cur, cfg.SecondPerm); err != nil {
			return err
		}
	}
	ev.env[l.outputs[0]] = cur
	return nil
}

func transposeBuffer(x *buffer, perm []int) (*buffer, error) {
	dims, err := permute(x.shape.Dimensions, perm)
	if err != nil {
		return nil, err
	}
	out, err := newBuffer(shapes.Make(x.shape.DType, dims...))
	if err != nil {
		return nil, err
	}
	inStrides := rowMajorStrides(x.shape.Dimensions)
	outIdx := make([]int, len(dims))
	for i := 0; i < out.size(); i++ {
		unravel(i, dims, outIdx)
		inFlat := 0
		for a, p := range perm {
			inFlat += outIdx[a] * inStrides[p]
		}
		out.set(i, x.at(inFlat))
	}
	return out, nil
}

func (ev *evaluator) evalSlice(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(SliceConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	inStrides := rowMajorStrides(x.shape.Dimensions)
	outIdx := make([]int, out.shape.Rank())
	for i := 0; i < out.size(); i++ {
		unravel(i, out.shape.Dimensions, outIdx)
		inFlat := 0
		for a := range outIdx {
			inFlat += (cfg.Starts[a] + outIdx[a]*cfg.Strides[a]) * inStrides[a]
		}
		out.set(i, x.at(inFlat))
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalConcatenation(l *Layer) error {
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	axis := l.config.(ConcatenationConfig).Axis
	outStrides := rowMajorStrides(out.shape.Dimensions)
	offset := 0
	for i := range l.inputs {
		x, err := ev.in(l, i)
		if err != nil {
			return err
		}
		idx := make([]int, x.shape.Rank())
		for j := 0; j < x.size(); j++ {
			unravel(j, x.shape.Dimensions, idx)
			outFlat := 0
			for a, v := range idx {
				if a == axis {
					v += offset
				}
				outFlat += v * outStrides[a]
			}
			out.set(outFlat, x.at(j))
		}
		offset += x.shape.Dimensions[axis]
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalGather(l *Layer) error {
	data, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	indices, err := ev.in(l, 1)
	if err != nil {
		return err
	}
	axis := l.config.(GatherConfig).Axis
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	dataStrides := rowMajorStrides(data.shape.Dimensions)
	axisDim := data.shape.Dimensions[axis]
	outIdx := make([]int, out.shape.Rank())
	idxRank := indices.shape.Rank()
	idxIdx := make([]int, idxRank)
	for i := 0; i < out.size(); i++ {
		unravel(i, out.shape.Dimensions, outIdx)
		copy(idxIdx, outIdx[axis:axis+idxRank])
		pos := int(indices.i64[flatten(idxIdx, indices.shape.Dimensions)])
		if pos < 0 {
			pos += axisDim
		}
		if pos < 0 || pos >= axisDim {
			return errors.Errorf("gather index %d out of range for axis size %d", pos, axisDim)
		}
		dataFlat := 0
		for a := 0; a < axis; a++ {
			dataFlat += outIdx[a] * dataStrides[a]
		}
		dataFlat += pos * dataStrides[axis]
		for a := axis + 1; a < data.shape.Rank(); a++ {
			dataFlat += outIdx[a+idxRank-1] * dataStrides[a]
		}
		out.set(i, data.at(dataFlat))
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalReduce(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(ReduceConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	var init float64
	switch cfg.Op {
	case ReduceProd:
		init = 1
	case ReduceMax:
		init = math.Inf(-1)
	case ReduceMin:
		init = math.Inf(1)
	}
	for i := 0; i < out.size(); i++ {
		out.set(i, init)
	}
	reduced := make([]bool, x.shape.Rank())
	reducedCount := 1
	for _, a := range cfg.Axes {
		reduced[a] = true
		reducedCount *= x.shape.Dimensions[a]
	}
	idx := make([]int, x.shape.Rank())
	outIdx := make([]int, 0, x.shape.Rank())
	outStrides := rowMajorStrides(out.shape.Dimensions)
	for i := 0; i < x.size(); i++ {
		unravel(i, x.shape.Dimensions, idx)
		outIdx = outIdx[:0]
		for a, v := range idx {
			if reduced[a] {
				if cfg.KeepDims {
					outIdx = append(outIdx, 0)
				}
				continue
			}
			outIdx = append(outIdx, v)
		}
		outFlat := 0
		for a, v := range outIdx {
			outFlat += v * outStrides[a]
		}
		cur, v := out.at(outFlat), x.at(i)
		switch cfg.Op {
		case ReduceSum, ReduceAvg:
			out.set(outFlat, cur+v)
		case ReduceProd:
			out.set(outFlat, cur*v)
		case ReduceMax:
			out.set(outFlat, math.Max(cur, v))
		case ReduceMin:
			out.set(outFlat, math.Min(cur, v))
		}
	}
	if cfg.Op == ReduceAvg {
		for i := 0; i < out.size(); i++ {
			out.set(i, out.at(i)/float64(reducedCount))
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalSelect(l *Layer) error {
	cond, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	onTrue, err := ev.in(l, 1)
	if err != nil {
		return err
	}
	onFalse, err := ev.in(l, 2)
	if err != nil {
		return err
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	idx := make([]int, out.shape.Rank())
	for i := 0; i < out.size(); i++ {
		unravel(i, out.shape.Dimensions, idx)
		if cond.bools[broadcastFlat(idx, cond.shape)] {
			out.set(i, onTrue.at(broadcastFlat(idx, onTrue.shape)))
		} else {
			out.set(i, onFalse.at(broadcastFlat(idx, onFalse.shape)))
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalSoftmax(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	axis := l.config.(SoftmaxConfig).Axis
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	dims := x.shape.Dimensions
	axisDim := dims[axis]
	inner := 1
	for _, d := range dims[axis+1:] {
		inner *= d
	}
	outer := x.size() / max(axisDim*inner, 1)
	for o := 0; o < outer; o++ {
		for j := 0; j < inner; j++ {
			base := o*axisDim*inner + j
			maxV := math32.Inf(-1)
			for a := 0; a < axisDim; a++ {
				maxV = math32.Max(maxV, x.f32[base+a*inner])
			}
			var sum float32
			for a := 0; a < axisDim; a++ {
				e := math32.Exp(x.f32[base+a*inner] - maxV)
				out.f32[base+a*inner] = e
				sum += e
			}
			for a := 0; a < axisDim; a++ {
				out.f32[base+a*inner] /= sum
			}
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalPadding(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(PaddingConfig)
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	for i := 0; i < out.size(); i++ {
		out.set(i, cfg.Value)
	}
	outStrides := rowMajorStrides(out.shape.Dimensions)
	idx := make([]int, x.shape.Rank())
	for i := 0; i < x.size(); i++ {
		unravel(i, x.shape.Dimensions, idx)
		outFlat := 0
		inBounds := true
		for a, v := range idx {
			pos := v + cfg.BegPadding[a]
			if pos < 0 || pos >= out.shape.Dimensions[a] {
				inBounds = false
				break
			}
			outFlat += pos * outStrides[a]
		}
		if inBounds {
			out.set(outFlat, x.at(i))
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalFill(l *Layer) error {
	cfg := l.config.(FillConfig)
	shape := l.outputs[0].shape
	if shape.Size() < 0 {
		return errors.Errorf("fill with a dynamic output shape is not supported by the evaluator")
	}
	out, err := newBuffer(shape)
	if err != nil {
		return err
	}
	value, err := bufferFromTensor(cfg.Value)
	if err != nil {
		return err
	}
	switch cfg.Op {
	case FillConstant:
		for i := 0; i < out.size(); i++ {
			out.set(i, value.at(0))
		}
	case FillLinspace:
		if shape.Rank() != 1 {
			return errors.Errorf("linspace fill of rank %d is not supported by the evaluator", shape.Rank())
		}
		delta, err := bufferFromTensor(cfg.Delta)
		if err != nil {
			return err
		}
		for i := 0; i < out.size(); i++ {
			out.set(i, value.at(0)+float64(i)*delta.at(0))
		}
	}
	ev.env[l.outputs[0]] = out
	return nil
}

func (ev *evaluator) evalIterator(l *Layer) error {
	x, err := ev.in(l, 0)
	if err != nil {
		return err
	}
	cfg := l.config.(IteratorConfig)
	iter := ev.iterIndex[cfg.Loop]
	axisDim := x.shape.Dimensions[cfg.Axis]
	pos := iter
	if cfg.Reverse {
		pos = axisDim - 1 - iter
	}
	if pos < 0 || pos >= axisDim {
		return errors.Errorf("iterator ran past axis size %d", axisDim)
	}
	out, err := newBuffer(l.outputs[0].shape)
	if err != nil {
		return err
	}
	inStrides := rowMajorStrides(x.shape.Dimensions)
	outIdx := make([]int, out.shape.Rank())
	for i := 0; i < out.size(); i++ {
		unravel(i, out.shape.Dimensions, outIdx)
		inFlat := pos * inStrides[cfg.Axis]
		for a, v := range outIdx {
			src := a
			if a >= cfg.Axis {
				src = a + 1
			}
			inFlat += v * inStrides[src]
		}
		out.set(i, x.at(inFlat))
	}
	ev.env[l.outputs[0]] = out
	return nil
}
