package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePaddingClosedForms(t *testing.T) {
	// in=5, stride=2, effective kernel 3: floor rounding needs one padded
	// element on each side to reach 3 outputs, ceil rounding only one total.
	assert.Equal(t, 2, sameTotalFloor(5, 2, 3))
	assert.Equal(t, 1, sameTotalCeil(5, 2, 3))
	// Stride 1: both variants agree.
	assert.Equal(t, 2, sameTotalFloor(5, 1, 3))
	assert.Equal(t, 2, sameTotalCeil(5, 1, 3))
	// A window no larger than the stride needs no padding.
	assert.Equal(t, 0, sameTotalFloor(6, 3, 3))
	assert.Equal(t, 0, sameTotalCeil(6, 3, 3))
}

func TestSplitSamePadding(t *testing.T) {
	beg, end := splitSamePadding(5, autoPadSameUpper)
	assert.Equal(t, [2]int{2, 3}, [2]int{beg, end})
	beg, end = splitSamePadding(5, autoPadSameLower)
	assert.Equal(t, [2]int{3, 2}, [2]int{beg, end})
	beg, end = splitSamePadding(4, autoPadSameUpper)
	assert.Equal(t, [2]int{2, 2}, [2]int{beg, end})
}

func TestSpatialParamsRejectsConflictingPads(t *testing.T) {
	node := testNode("MaxPool", "p", []string{"x"}, []string{"y"},
		intsAttr("kernel_shape", 2, 2), intsAttr("pads", 1, 1, 1, 1),
		strAttr("auto_pad", "SAME_UPPER"))
	_, err := spatialParams(node, 2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts")
}

func iotaTensor(n int, dims ...int) *tensors.Tensor {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestMaxPoolSameUpper(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "maxpool",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 1, 1, 5, 5)},
		Node: []*onnx.NodeProto{
			testNode("MaxPool", "mp", []string{"x"}, []string{"y"},
				intsAttr("kernel_shape", 3, 3), intsAttr("strides", 2, 2),
				strAttr("auto_pad", "SAME_UPPER")),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 1, 1, 3, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{"x": iotaTensor(25, 1, 1, 5, 5)})
	assert.Equal(t, []int{1, 1, 3, 3}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{
		12, 14, 14,
		22, 24, 24,
		22, 24, 24,
	}, tensors.CopyFlatData[float32](got[0]))
}

func TestAveragePoolSameUpperExcludesPadding(t *testing.T) {
	// SAME_UPPER with stride 2 pads only the trailing edge. The lowering
	// widens the leading padding by one stride to make it symmetric and
	// crops the spurious first output element on each spatial axis.
	graph := &onnx.GraphProto{
		Name:  "avgpool",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 1, 1, 5, 5)},
		Node: []*onnx.NodeProto{
			testNode("AveragePool", "ap", []string{"x"}, []string{"y"},
				intsAttr("kernel_shape", 3, 3), intsAttr("strides", 2, 2),
				strAttr("auto_pad", "SAME_UPPER")),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 1, 1, 3, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{"x": iotaTensor(25, 1, 1, 5, 5)})
	assert.Equal(t, []int{1, 1, 3, 3}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{
		6, 8, 9,
		16, 18, 19,
		21, 23, 24,
	}, tensors.CopyFlatData[float32](got[0]))
}

func TestConvSamePaddingIdentityKernel(t *testing.T) {
	// A centered 3x3 delta kernel under SAME padding reproduces the input.
	graph := &onnx.GraphProto{
		Name:  "conv",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 1, 1, 5, 5)},
		Initializer: []*onnx.TensorProto{
			floatInit("w", []int64{1, 1, 3, 3}, []float32{
				0, 0, 0,
				0, 1, 0,
				0, 0, 0,
			}),
		},
		Node: []*onnx.NodeProto{
			testNode("Conv", "conv", []string{"x", "w"}, []string{"y"},
				strAttr("auto_pad", "SAME_UPPER")),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 1, 1, 5, 5)},
	}
	b := lowerGraph(t, 13, graph)
	x := iotaTensor(25, 1, 1, 5, 5)
	got := evaluate(t, b, map[string]*tensors.Tensor{"x": x})
	assert.Equal(t, tensors.CopyFlatData[float32](x), tensors.CopyFlatData[float32](got[0]))
}

func TestGlobalAveragePool(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "gap",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 1, 2, 2, 2)},
		Node: []*onnx.NodeProto{
			testNode("GlobalAveragePool", "gap", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 1, 2, 1, 1)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{"x": iotaTensor(8, 1, 2, 2, 2)})
	assert.Equal(t, []int{1, 2, 1, 1}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{1.5, 5.5}, tensors.CopyFlatData[float32](got[0]))
}
