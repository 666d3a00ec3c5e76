package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWithBiasInitializer(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "bias",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3)},
		Initializer: []*onnx.TensorProto{
			floatInit("b", []int64{3}, []float32{10, 20, 30}),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "add", []string{"x", "b"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
	})
	assert.Equal(t, []int{2, 3}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, tensors.CopyFlatData[float32](got[0]))
}

func TestBroadcastExpandsRank(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "bcast",
		Input: []*onnx.ValueInfoProto{
			valueInfo("a", onnx.DataTypeFloat, 2, 1, 3),
			valueInfo("b", onnx.DataTypeFloat, 4, 3),
		},
		Node: []*onnx.NodeProto{
			testNode("Mul", "mul", []string{"a", "b"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 4, 3)},
	}
	b := lowerGraph(t, 13, graph)
	require.Len(t, b.Outputs(), 1)
	assert.Equal(t, []int{2, 4, 3}, b.Outputs()[0].Shape().Dimensions)
}

func TestLegacyBroadcastWithAxis(t *testing.T) {
	// Pre-opset-7 unidirectional broadcast: the axis attribute aligns the
	// rank-1 operand with the channel dimension.
	graph := &onnx.GraphProto{
		Name:  "legacy",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 3, 4)},
		Initializer: []*onnx.TensorProto{
			floatInit("b", []int64{3}, []float32{100, 200, 300}),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "add", []string{"x", "b"}, []string{"y"},
				intAttr("broadcast", 1), intAttr("axis", 1)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 3, 4)},
	}
	b := lowerGraph(t, 6, graph)
	x := make([]float32, 24)
	for i := range x {
		x[i] = float32(i)
	}
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(x, 2, 3, 4),
	})
	want := make([]float32, 24)
	for i := range want {
		channel := (i / 4) % 3
		want[i] = x[i] + []float32{100, 200, 300}[channel]
	}
	assert.Equal(t, want, tensors.CopyFlatData[float32](got[0]))
}

func TestVariadicSumFoldsPairwise(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "sum3",
		Input: []*onnx.ValueInfoProto{
			valueInfo("a", onnx.DataTypeFloat, 2),
			valueInfo("b", onnx.DataTypeFloat, 2),
			valueInfo("c", onnx.DataTypeFloat, 2),
		},
		Node: []*onnx.NodeProto{
			testNode("Sum", "s", []string{"a", "b", "c"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"a": tensors.FromValue([]float32{1, 2}),
		"b": tensors.FromValue([]float32{10, 20}),
		"c": tensors.FromValue([]float32{100, 200}),
	})
	assert.Equal(t, []float32{111, 222}, tensors.CopyFlatData[float32](got[0]))
}

func TestComparisonYieldsBool(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "less",
		Input: []*onnx.ValueInfoProto{
			valueInfo("a", onnx.DataTypeFloat, 3),
			valueInfo("b", onnx.DataTypeFloat, 3),
		},
		Node: []*onnx.NodeProto{
			testNode("Less", "lt", []string{"a", "b"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeBool, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"a": tensors.FromValue([]float32{1, 5, 3}),
		"b": tensors.FromValue([]float32{2, 4, 3}),
	})
	assert.Equal(t, []bool{true, false, false}, tensors.CopyFlatData[bool](got[0]))
}

func TestBroadcastShapeMismatchFails(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "bad",
		Input: []*onnx.ValueInfoProto{
			valueInfo("a", onnx.DataTypeFloat, 2, 3),
			valueInfo("b", onnx.DataTypeFloat, 4),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "add", []string{"a", "b"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 3)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add")
}
