package netdef

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastShapes(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return MakeShape(dtypes.Float32, dims...) }

	got, err := broadcastShapes(f32(2, 1, 3), f32(4, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, got.Dimensions)

	got, err = broadcastShapes(f32(), f32(2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Dimensions)

	// A dynamic dimension broadcasts against anything of the same axis and
	// resolves to the static size when the peer has one.
	got, err = broadcastShapes(f32(DynamicDim, 3), f32(5, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, got.Dimensions)

	_, err = broadcastShapes(f32(2, 3), f32(4))
	assert.Error(t, err)
	_, err = broadcastShapes(f32(2), MakeShape(dtypes.Int64, 2))
	assert.Error(t, err)
}

func TestMatMulShape(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return MakeShape(dtypes.Float32, dims...) }

	got, err := matMulShape(f32(2, 3), f32(3, 4), false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, got.Dimensions)

	got, err = matMulShape(f32(5, 2, 3), f32(4, 3), false, true)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2, 4}, got.Dimensions)

	_, err = matMulShape(f32(2, 3), f32(4, 5), false, false)
	assert.Error(t, err)
}

func TestSpatialOutput(t *testing.T) {
	// floor((5 + 0 + 1 - 3) / 2) + 1 vs the ceil variant.
	assert.Equal(t, 2, spatialOutput(5, 3, 2, 1, 0, 1, false))
	assert.Equal(t, 3, spatialOutput(5, 3, 2, 1, 0, 1, true))
	assert.Equal(t, DynamicDim, spatialOutput(DynamicDim, 3, 2, 1, 0, 1, false))
}

func TestMakeShapeAcceptsDynamicDims(t *testing.T) {
	s := MakeShape(dtypes.Float32, DynamicDim, 3)
	assert.Equal(t, []int{DynamicDim, 3}, s.Dimensions)
	assert.Panics(t, func() { MakeShape(dtypes.Float32, 0, 3) })
}

func TestBuilderEvaluateChain(t *testing.T) {
	b := NewBuilder("chain")
	x := must.M1(b.AddInput("x", shapes.Make(dtypes.Float32, 2, 2)))
	bias := b.AddConstant(tensors.FromValue([]float32{10, 20}))
	sum := must.M1(b.AddElementWise(OpSum, x, bias))
	relu := must.M1(b.AddActivation(ActRelu, sum, 0, 0))
	b.MarkOutput(relu, "y")

	got := must.M1(Evaluate(b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, -30}, {-11, 2}}),
	}))
	require.Len(t, got, 1)
	assert.Equal(t, []float32{11, 0, 0, 22}, tensors.CopyFlatData[float32](got[0]))
}

func TestEvaluateReportsMissingInput(t *testing.T) {
	b := NewBuilder("missing")
	x := must.M1(b.AddInput("x", shapes.Make(dtypes.Float32, 2)))
	b.MarkOutput(x, "y")
	_, err := Evaluate(b, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
}
