package lower

// Axis, rank and permutation normalization shared by the importers. Source
// graphs mix negative axes, implicit rank expansion and historical broadcast
// conventions; everything is normalized here before touching the builder.

import (
	"slices"

	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// convertAxis wraps a possibly negative axis and bounds-checks it against
// rank.
func convertAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return adjusted, nil
}

// expandDims prepends singleton dimensions until the shape reaches
// targetRank.
func expandDims(shape shapes.Shape, targetRank int) (shapes.Shape, error) {
	if shape.Rank() > targetRank {
		return shapes.Shape{}, errors.Errorf("cannot expand %s to smaller rank %d", shape, targetRank)
	}
	dims := make([]int, targetRank)
	lead := targetRank - shape.Rank()
	for i := 0; i < lead; i++ {
		dims[i] = 1
	}
	copy(dims[lead:], shape.Dimensions)
	return netdef.MakeShape(shape.DType, dims...), nil
}

// squeezeTrailingOnes drops trailing size-1 dimensions, keeping at least
// minRank.
func squeezeTrailingOnes(dims []int, minRank int) []int {
	end := len(dims)
	for end > minRank && dims[end-1] == 1 {
		end--
	}
	return dims[:end]
}

// squeezeLeadingOnes drops leading size-1 dimensions, keeping at least
// minRank.
func squeezeLeadingOnes(dims []int, minRank int) []int {
	start := 0
	for len(dims)-start > minRank && dims[start] == 1 {
		start++
	}
	return dims[start:]
}

// isTransposeRequired reports whether perm moves data. It returns false —
// a reshape suffices — iff, scanning destination axes left to right, the
// source axes holding a size > 1 appear in non-decreasing order and none of
// them is dynamic. Moving a dynamic dimension always requires a transpose
// because its size is unknown.
func isTransposeRequired(shape shapes.Shape, perm []int) bool {
	prev := -1
	for _, src := range perm {
		dim := shape.Dimensions[src]
		if dim == 1 {
			continue
		}
		if dim < 0 || src < prev {
			return true
		}
		prev = src
	}
	return false
}

// transposeTensor permutes t's axes, emitting a cheap reshape when the
// permutation does not move data.
func (ctx *Context) transposeTensor(t *netdef.Tensor, perm []int) (*netdef.Tensor, error) {
	if len(perm) != t.Rank() {
		return nil, errors.Errorf("permutation %v does not match rank %d", perm, t.Rank())
	}
	if identityPerm(perm) {
		return t, nil
	}
	if !isTransposeRequired(t.Shape(), perm) {
		dims := make([]int, len(perm))
		for i, src := range perm {
			dims[i] = t.Shape().Dimensions[src]
		}
		return ctx.builder.AddReshape(t, dims)
	}
	return ctx.builder.AddTranspose(t, perm)
}

func identityPerm(perm []int) bool {
	for i, p := range perm {
		if i != p {
			return false
		}
	}
	return true
}

// reshapeTo emits a reshape of t to the given static dims (one -1 allowed).
func (ctx *Context) reshapeTo(t *netdef.Tensor, dims []int) (*netdef.Tensor, error) {
	if slices.Equal(t.Shape().Dimensions, dims) {
		return t, nil
	}
	return ctx.builder.AddReshape(t, dims)
}

// expandTensorRank prepends singleton axes until t reaches targetRank.
func (ctx *Context) expandTensorRank(t *netdef.Tensor, targetRank int) (*netdef.Tensor, error) {
	if t.Rank() == targetRank {
		return t, nil
	}
	shape, err := expandDims(t.Shape(), targetRank)
	if err != nil {
		return nil, err
	}
	return ctx.builder.AddReshape(t, shape.Dimensions)
}
