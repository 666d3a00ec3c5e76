package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertAxis(t *testing.T) {
	for _, tc := range []struct {
		axis, rank int
		want       int
		wantErr    bool
	}{
		{0, 3, 0, false},
		{2, 3, 2, false},
		{-1, 3, 2, false},
		{-3, 3, 0, false},
		{3, 3, 0, true},
		{-4, 3, 0, true},
	} {
		got, err := convertAxis(tc.axis, tc.rank)
		if tc.wantErr {
			assert.Error(t, err, "axis=%d rank=%d", tc.axis, tc.rank)
			continue
		}
		require.NoError(t, err, "axis=%d rank=%d", tc.axis, tc.rank)
		assert.Equal(t, tc.want, got, "axis=%d rank=%d", tc.axis, tc.rank)
	}
}

func TestExpandDims(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	expanded, err := expandDims(shape, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, expanded.Dimensions)
	assert.Equal(t, dtypes.Float32, expanded.DType)

	_, err = expandDims(shape, 1)
	assert.Error(t, err)
}

func TestSqueezeOnes(t *testing.T) {
	assert.Equal(t, []int{2, 3}, squeezeTrailingOnes([]int{2, 3, 1, 1}, 1))
	assert.Equal(t, []int{2, 3, 1}, squeezeTrailingOnes([]int{2, 3, 1, 1}, 3))
	assert.Equal(t, []int{1}, squeezeTrailingOnes([]int{1, 1, 1}, 1))
	assert.Equal(t, []int{2, 3}, squeezeLeadingOnes([]int{1, 1, 2, 3}, 1))
	assert.Equal(t, []int{1, 2, 3}, squeezeLeadingOnes([]int{1, 1, 2, 3}, 3))
}

func TestIsTransposeRequired(t *testing.T) {
	for _, tc := range []struct {
		dims []int
		perm []int
		want bool
	}{
		// Swapping two real axes moves data.
		{[]int{2, 3}, []int{1, 0}, true},
		// Identity never does.
		{[]int{2, 3}, []int{0, 1}, false},
		// Moving a singleton around real axes is a pure reshape.
		{[]int{2, 1, 3}, []int{1, 0, 2}, false},
		{[]int{1, 2, 3}, []int{1, 2, 0}, false},
		// Reordering the non-singleton axes is not.
		{[]int{2, 1, 3}, []int{2, 1, 0}, true},
		// A dynamic axis may hold more than one element, so moving it
		// needs a real transpose.
		{[]int{netdef.DynamicDim, 1, 3}, []int{1, 0, 2}, true},
	} {
		shape := netdef.MakeShape(dtypes.Float32, tc.dims...)
		assert.Equal(t, tc.want, isTransposeRequired(shape, tc.perm),
			"dims=%v perm=%v", tc.dims, tc.perm)
	}
}

func TestIdentityPerm(t *testing.T) {
	assert.True(t, identityPerm([]int{0, 1, 2}))
	assert.True(t, identityPerm(nil))
	assert.False(t, identityPerm([]int{0, 2, 1}))
}
