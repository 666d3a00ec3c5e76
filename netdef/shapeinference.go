package netdef

// Closed-form output shape derivation for every layer kind. All functions
// treat DynamicDim dimensions as unknown-at-build-time: they propagate the
// dynamic marker instead of failing, but still reject rank and dtype
// mismatches that can be decided statically.

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

func isDynamic(dim int) bool { return dim < 0 }

// dimsEqual reports whether two dimensions are compatible, treating a dynamic
// dimension as compatible with anything.
func dimsEqual(a, b int) bool {
	return isDynamic(a) || isDynamic(b) || a == b
}

// shapesCompatible reports whether two shapes agree in dtype, rank and every
// static dimension.
func shapesCompatible(a, b shapes.Shape) bool {
	if a.DType != b.DType || a.Rank() != b.Rank() {
		return false
	}
	for i, dim := range a.Dimensions {
		if !dimsEqual(dim, b.Dimensions[i]) {
			return false
		}
	}
	return true
}

// broadcastShapes returns the multidirectional broadcast of two shapes, per
// the usual numpy-style rules: align on the right, dimensions must match or
// one of them be 1.
func broadcastShapes(a, b shapes.Shape) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Shape{}, errors.Errorf("cannot broadcast %s with %s: dtype mismatch", a, b)
	}
	rank := max(a.Rank(), b.Rank())
	dims := make([]int, rank)
	for i := 0; i < rank; i++ {
		dimA, dimB := 1, 1
		if idx := a.Rank() - rank + i; idx >= 0 {
			dimA = a.Dimensions[idx]
		}
		if idx := b.Rank() - rank + i; idx >= 0 {
			dimB = b.Dimensions[idx]
		}
		switch {
		case dimA == 1:
			dims[i] = dimB
		case dimB == 1:
			dims[i] = dimA
		case dimsEqual(dimA, dimB):
			if isDynamic(dimA) {
				dims[i] = dimB
			} else {
				dims[i] = dimA
			}
		default:
			return shapes.Shape{}, errors.Errorf("cannot broadcast %s with %s: axis %d has sizes %d and %d",
				a, b, i, dimA, dimB)
		}
	}
	return MakeShape(a.DType, dims...), nil
}

// matMulShape returns the shape of a batched matrix multiplication of a and b,
// after the optional transposition of each operand's last two axes. Both
// operands must have rank >= 2 and matching dtypes; batch dimensions broadcast.
func matMulShape(a, b shapes.Shape, transposeA, transposeB bool) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Shape{}, errors.Errorf("matrix multiply of %s with %s: dtype mismatch", a, b)
	}
	if a.Rank() < 2 || b.Rank() < 2 {
		return shapes.Shape{}, errors.Errorf("matrix multiply requires rank >= 2 operands, got %s and %s", a, b)
	}
	aRows, aCols := a.Dimensions[a.Rank()-2], a.Dimensions[a.Rank()-1]
	if transposeA {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := b.Dimensions[b.Rank()-2], b.Dimensions[b.Rank()-1]
	if transposeB {
		bRows, bCols = bCols, bRows
	}
	if !dimsEqual(aCols, bRows) {
		return shapes.Shape{}, errors.Errorf("matrix multiply of %s with %s: contracting dimensions %d and %d differ",
			a, b, aCols, bRows)
	}
	batchA := MakeShape(a.DType, a.Dimensions[:a.Rank()-2]...)
	batchB := MakeShape(b.DType, b.Dimensions[:b.Rank()-2]...)
	batch, err := broadcastShapes(batchA, batchB)
	if err != nil {
		return shapes.Shape{}, errors.WithMessagef(err, "matrix multiply of %s with %s: batch dimensions", a, b)
	}
	dims := append(slices.Clone(batch.Dimensions), aRows, bCols)
	return MakeShape(a.DType, dims...), nil
}

// spatialOutput computes one spatial output dimension of a convolution or
// pooling:  floor or ceil of (in + begPad + endPad - effectiveKernel) / stride + 1.
func spatialOutput(in, kernel, stride, dilation, begPad, endPad int, ceilMode bool) int {
	if isDynamic(in) {
		return DynamicDim
	}
	effective := (kernel-1)*dilation + 1
	numerator := in + begPad + endPad - effective
	if ceilMode {
		return (numerator+stride-1)/stride + 1
	}
	return numerator/stride + 1
}

// convOutputShape computes the output shape of a convolution over input
// [N, C, D1...Dk] with the given kernel spatial dims and explicit padding.
func convOutputShape(input shapes.Shape, numOutputs int, kernelDims, strides, dilations, begPadding, endPadding []int) (shapes.Shape, error) {
	nbSpatial := len(kernelDims)
	if input.Rank() != nbSpatial+2 {
		return shapes.Shape{}, errors.Errorf("convolution over %s expects rank %d input for a %d-d kernel",
			input, nbSpatial+2, nbSpatial)
	}
	dims := make([]int, input.Rank())
	dims[0] = input.Dimensions[0]
	dims[1] = numOutputs
	for i := 0; i < nbSpatial; i++ {
		dims[2+i] = spatialOutput(input.Dimensions[2+i], kernelDims[i], strides[i], dilations[i], begPadding[i], endPadding[i], false)
	}
	return MakeShape(input.DType, dims...), nil
}

// deconvOutputShape computes the output shape of a transposed convolution:
// (in-1)*stride + (kernel-1)*dilation + 1 - begPad - endPad.
func deconvOutputShape(input shapes.Shape, numOutputs int, kernelDims, strides, dilations, begPadding, endPadding []int) (shapes.Shape, error) {
	nbSpatial := len(kernelDims)
	if input.Rank() != nbSpatial+2 {
		return shapes.Shape{}, errors.Errorf("deconvolution over %s expects rank %d input for a %d-d kernel",
			input, nbSpatial+2, nbSpatial)
	}
	dims := make([]int, input.Rank())
	dims[0] = input.Dimensions[0]
	dims[1] = numOutputs
	for i := 0; i < nbSpatial; i++ {
		in := input.Dimensions[2+i]
		if isDynamic(in) {
			dims[2+i] = DynamicDim
			continue
		}
		dims[2+i] = (in-1)*strides[i] + (kernelDims[i]-1)*dilations[i] + 1 - begPadding[i] - endPadding[i]
	}
	return MakeShape(input.DType, dims...), nil
}

// poolOutputShape computes the output shape of a pooling over input
// [N, C, D1...Dk].
func poolOutputShape(input shapes.Shape, window, strides, begPadding, endPadding []int, ceilMode bool) (shapes.Shape, error) {
	nbSpatial := len(window)
	if input.Rank() != nbSpatial+2 {
		return shapes.Shape{}, errors.Errorf("pooling over %s expects rank %d input for a %d-d window",
			input, nbSpatial+2, nbSpatial)
	}
	dims := make([]int, input.Rank())
	dims[0] = input.Dimensions[0]
	dims[1] = input.Dimensions[1]
	for i := 0; i < nbSpatial; i++ {
		dims[2+i] = spatialOutput(input.Dimensions[2+i], window[i], strides[i], 1, begPadding[i], endPadding[i], ceilMode)
	}
	return MakeShape(input.DType, dims...), nil
}

// reduceOutputShape removes (or keeps as 1) the reduced axes. Axes must
// already be normalized to [0, rank).
func reduceOutputShape(input shapes.Shape, axes []int, keepDims bool) (shapes.Shape, error) {
	reduced := make([]bool, input.Rank())
	for _, axis := range axes {
		if axis < 0 || axis >= input.Rank() {
			return shapes.Shape{}, errors.Errorf("reduce axis %d out of range for %s", axis, input)
		}
		reduced[axis] = true
	}
	dims := make([]int, 0, input.Rank())
	for i, dim := range input.Dimensions {
		if !reduced[i] {
			dims = append(dims, dim)
		} else if keepDims {
			dims = append(dims, 1)
		}
	}
	return MakeShape(input.DType, dims...), nil
}

// concatOutputShape joins shapes along axis; all other axes must agree.
func concatOutputShape(inputs []shapes.Shape, axis int) (shapes.Shape, error) {
	first := inputs[0]
	if axis < 0 || axis >= first.Rank() {
		return shapes.Shape{}, errors.Errorf("concatenation axis %d out of range for %s", axis, first)
	}
	dims := slices.Clone(first.Dimensions)
	for _, s := range inputs[1:] {
		if s.DType != first.DType {
			return shapes.Shape{}, errors.Errorf("concatenation of %s with %s: dtype mismatch", first, s)
		}
		if s.Rank() != first.Rank() {
			return shapes.Shape{}, errors.Errorf("concatenation of %s with %s: rank mismatch", first, s)
		}
		for i := range dims {
			if i == axis {
				if isDynamic(dims[i]) || isDynamic(s.Dimensions[i]) {
					dims[i] = DynamicDim
				} else {
					dims[i] += s.Dimensions[i]
				}
				continue
			}
			if !dimsEqual(dims[i], s.Dimensions[i]) {
				return shapes.Shape{}, errors.Errorf("concatenation of %s with %s: axis %d mismatch", first, s, i)
			}
		}
	}
	return MakeShape(first.DType, dims...), nil
}

// sliceOutputShape computes ceil(size/stride) per axis from explicit sizes.
func sliceOutputShape(input shapes.Shape, starts, sizes, strides []int) (shapes.Shape, error) {
	if len(starts) != input.Rank() || len(sizes) != input.Rank() || len(strides) != input.Rank() {
		return shapes.Shape{}, errors.Errorf("slice of %s: starts/sizes/strides must have %d entries", input, input.Rank())
	}
	dims := make([]int, input.Rank())
	for i := range dims {
		if strides[i] == 0 {
			return shapes.Shape{}, errors.Errorf("slice of %s: stride 0 on axis %d", input, i)
		}
		dims[i] = sizes[i]
	}
	return MakeShape(input.DType, dims...), nil
}

// shuffleOutputShape applies an optional pre-transpose, a reshape and an
// optional post-transpose. A reshape dimension of 0 copies the corresponding
// input dimension, and a single -1 is inferred from the remaining elements.
func shuffleOutputShape(input shapes.Shape, firstPerm, reshapeDims, secondPerm []int) (shapes.Shape, error) {
	dims := slices.Clone(input.Dimensions)
	if firstPerm != nil {
		var err error
		dims, err = permute(dims, firstPerm)
		if err != nil {
			return shapes.Shape{}, errors.WithMessagef(err, "shuffle of %s: first transpose", input)
		}
	}
	if reshapeDims != nil {
		newDims := make([]int, len(reshapeDims))
		inferAt := -1
		known := 1
		hasDynamic := false
		for i, d := range reshapeDims {
			switch {
			case d == 0:
				if i >= len(dims) {
					return shapes.Shape{}, errors.Errorf("shuffle of %s: reshape dim %d copies missing input axis", input, i)
				}
				newDims[i] = dims[i]
			case d == -1:
				if inferAt >= 0 {
					return shapes.Shape{}, errors.Errorf("shuffle of %s: more than one -1 in reshape %v", input, reshapeDims)
				}
				inferAt = i
				continue
			default:
				newDims[i] = d
			}
			if isDynamic(newDims[i]) {
				hasDynamic = true
			} else {
				known *= newDims[i]
			}
		}
		if inferAt >= 0 {
			total := 1
			for _, d := range dims {
				if isDynamic(d) {
					hasDynamic = true
					break
				}
				total *= d
			}
			if hasDynamic {
				newDims[inferAt] = DynamicDim
			} else {
				if known == 0 || total%known != 0 {
					return shapes.Shape{}, errors.Errorf("shuffle of %s: cannot infer -1 in reshape %v", input, reshapeDims)
				}
				newDims[inferAt] = total / known
			}
		}
		dims = newDims
	}
	if secondPerm != nil {
		var err error
		dims, err = permute(dims, secondPerm)
		if err != nil {
			return shapes.Shape{}, errors.WithMessagef(err, "shuffle of %s: second transpose", input)
		}
	}
	return MakeShape(input.DType, dims...), nil
}

// permute returns dims reordered so that result[i] = dims[perm[i]].
func permute(dims []int, perm []int) ([]int, error) {
	if len(perm) != len(dims) {
		return nil, errors.Errorf("permutation %v does not match rank %d", perm, len(dims))
	}
	seen := make([]bool, len(dims))
	result := make([]int, len(dims))
	for i, p := range perm {
		if p < 0 || p >= len(dims) || seen[p] {
			return nil, errors.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		result[i] = dims[p]
	}
	return result, nil
}

// gatherOutputShape replaces the data axis with the indices dimensions.
func gatherOutputShape(data, indices shapes.Shape, axis int) (shapes.Shape, error) {
	if axis < 0 || axis >= data.Rank() {
		return shapes.Shape{}, errors.Errorf("gather axis %d out of range for %s", axis, data)
	}
	dims := make([]int, 0, data.Rank()-1+indices.Rank())
	dims = append(dims, data.Dimensions[:axis]...)
	dims = append(dims, indices.Dimensions...)
	dims = append(dims, data.Dimensions[axis+1:]...)
	return MakeShape(data.DType, dims...), nil
}

// padOutputShape grows each axis by its begin and end padding.
func padOutputShape(input shapes.Shape, begPadding, endPadding []int) (shapes.Shape, error) {
	if len(begPadding) != input.Rank() || len(endPadding) != input.Rank() {
		return shapes.Shape{}, errors.Errorf("padding of %s: expected %d begin/end entries", input, input.Rank())
	}
	dims := make([]int, input.Rank())
	for i, dim := range input.Dimensions {
		if isDynamic(dim) {
			dims[i] = DynamicDim
			continue
		}
		dims[i] = dim + begPadding[i] + endPadding[i]
		if dims[i] < 0 {
			return shapes.Shape{}, errors.Errorf("padding of %s: axis %d shrinks below zero", input, i)
		}
	}
	return MakeShape(input.DType, dims...), nil
}
