package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullRangeSliceIsNoOp(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "slice",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3)},
		Initializer: []*onnx.TensorProto{
			int64Init("starts", []int64{2}, []int64{0, 0}),
			int64Init("ends", []int64{2}, []int64{2, 3}),
		},
		Node: []*onnx.NodeProto{
			testNode("Slice", "full", []string{"x", "starts", "ends"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 3)},
	}
	b := lowerGraph(t, 13, graph)
	assert.Equal(t, 0, b.NumLayers())
	require.Len(t, b.Outputs(), 1)
	assert.Equal(t, []int{2, 3}, b.Outputs()[0].Shape().Dimensions)
}

func TestSliceNegativeStepReverses(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "revslice",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 5)},
		Initializer: []*onnx.TensorProto{
			int64Init("starts", []int64{1}, []int64{-1}),
			int64Init("ends", []int64{1}, []int64{-6}),
			int64Init("axes", []int64{1}, []int64{0}),
			int64Init("steps", []int64{1}, []int64{-1}),
		},
		Node: []*onnx.NodeProto{
			testNode("Slice", "rev", []string{"x", "starts", "ends", "axes", "steps"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 5)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{1, 2, 3, 4, 5}),
	})
	assert.Equal(t, []float32{5, 4, 3, 2, 1}, tensors.CopyFlatData[float32](got[0]))
}

func TestSliceLegacyAttrs(t *testing.T) {
	// Before opset 10 the ranges come from attributes.
	graph := &onnx.GraphProto{
		Name:  "legacy",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 4)},
		Node: []*onnx.NodeProto{
			testNode("Slice", "mid", []string{"x"}, []string{"y"},
				intsAttr("starts", 1), intsAttr("ends", 3)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2)},
	}
	b := lowerGraph(t, 9, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{10, 20, 30, 40}),
	})
	assert.Equal(t, []float32{20, 30}, tensors.CopyFlatData[float32](got[0]))
}

func TestGemmFusedPath(t *testing.T) {
	// Constant kernel and bias with unit scales fuse into a single
	// fully-connected layer (plus the shuffles around it).
	graph := &onnx.GraphProto{
		Name:  "gemm",
		Input: []*onnx.ValueInfoProto{valueInfo("a", onnx.DataTypeFloat, 2, 3)},
		Initializer: []*onnx.TensorProto{
			floatInit("b", []int64{3, 4}, []float32{
				1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 1,
			}),
			floatInit("c", []int64{4}, []float32{10, 20, 30, 40}),
		},
		Node: []*onnx.NodeProto{
			testNode("Gemm", "fc", []string{"a", "b", "c"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 4)},
	}
	b := lowerGraph(t, 13, graph)

	var fused bool
	for _, layer := range b.Layers() {
		if layer.Kind() == netdef.LayerFullyConnected {
			fused = true
		}
	}
	assert.True(t, fused, "expected a FullyConnected layer")

	got := evaluate(t, b, map[string]*tensors.Tensor{
		"a": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
	})
	assert.Equal(t, []int{2, 4}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{
		11, 22, 33, 43,
		14, 25, 36, 46,
	}, tensors.CopyFlatData[float32](got[0]))
}

func TestGemmTransposedFallback(t *testing.T) {
	// alpha != 1 blocks fusion: matmul plus scale layers instead.
	graph := &onnx.GraphProto{
		Name:  "gemm2",
		Input: []*onnx.ValueInfoProto{valueInfo("a", onnx.DataTypeFloat, 2, 2)},
		Initializer: []*onnx.TensorProto{
			floatInit("b", []int64{2, 2}, []float32{1, 2, 3, 4}),
		},
		Node: []*onnx.NodeProto{
			testNode("Gemm", "scaled", []string{"a", "b"}, []string{"y"},
				floatAttr("alpha", 2), intAttr("transB", 1)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 2)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"a": tensors.FromValue([][]float32{{1, 0}, {0, 1}}),
	})
	// 2 * (a @ b^T)
	assert.Equal(t, []float32{2, 6, 4, 8}, tensors.CopyFlatData[float32](got[0]))
}

func TestConstantOfShape(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "fill",
		Initializer: []*onnx.TensorProto{
			int64Init("shape", []int64{2}, []int64{2, 3}),
		},
		Node: []*onnx.NodeProto{
			testNode("ConstantOfShape", "fill", []string{"shape"}, []string{"y"},
				&onnx.AttributeProto{
					Name: "value", Type: onnx.AttributeTensor,
					T: floatInit("", []int64{1}, []float32{7}),
				}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, nil)
	assert.Equal(t, []int{2, 3}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{7, 7, 7, 7, 7, 7}, tensors.CopyFlatData[float32](got[0]))
}

func TestWhereSelect(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "where",
		Input: []*onnx.ValueInfoProto{
			valueInfo("cond", onnx.DataTypeBool, 3),
			valueInfo("a", onnx.DataTypeFloat, 3),
			valueInfo("b", onnx.DataTypeFloat, 3),
		},
		Node: []*onnx.NodeProto{
			testNode("Where", "sel", []string{"cond", "a", "b"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"cond": tensors.FromValue([]bool{true, false, true}),
		"a":    tensors.FromValue([]float32{1, 2, 3}),
		"b":    tensors.FromValue([]float32{-1, -2, -3}),
	})
	assert.Equal(t, []float32{1, -2, 3}, tensors.CopyFlatData[float32](got[0]))
}

func TestTransposeDefaultReversesAxes(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "transpose",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3)},
		Node: []*onnx.NodeProto{
			testNode("Transpose", "tr", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3, 2)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
	})
	assert.Equal(t, []int{3, 2}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tensors.CopyFlatData[float32](got[0]))
}

func TestFlatten(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "flatten",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3, 4)},
		Node: []*onnx.NodeProto{
			testNode("Flatten", "fl", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 12)},
	}
	b := lowerGraph(t, 13, graph)
	require.Len(t, b.Outputs(), 1)
	assert.Equal(t, []int{2, 12}, b.Outputs()[0].Shape().Dimensions)
}

func TestReduceSumWithAxesInput(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "reduce",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3)},
		Initializer: []*onnx.TensorProto{
			int64Init("axes", []int64{1}, []int64{-1}),
		},
		Node: []*onnx.NodeProto{
			testNode("ReduceSum", "sum", []string{"x", "axes"}, []string{"y"},
				intAttr("keepdims", 0)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
	})
	assert.Equal(t, []int{2}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{6, 15}, tensors.CopyFlatData[float32](got[0]))
}

func TestClipRejectsTensorBounds(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "clip",
		Input: []*onnx.ValueInfoProto{
			valueInfo("x", onnx.DataTypeFloat, 3),
			valueInfo("lo", onnx.DataTypeFloat),
		},
		Node: []*onnx.NodeProto{
			testNode("Clip", "cl", []string{"x", "lo"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Equal(t, UnsupportedNodeForm, KindOf(err))
}
