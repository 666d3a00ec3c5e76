package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolInit(name string, value bool) *onnx.TensorProto {
	v := int32(0)
	if value {
		v = 1
	}
	return &onnx.TensorProto{Name: name, DataType: onnx.DataTypeBool, Int32Data: []int32{v}}
}

func outName(name string) *onnx.ValueInfoProto { return &onnx.ValueInfoProto{Name: name} }

func TestLoopCounted(t *testing.T) {
	// Three iterations of v += 1, with v also emitted as a scan output.
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("iter"), outName("cond_in"), outName("v_in"),
		},
		Initializer: []*onnx.TensorProto{
			boolInit("keep_going", true),
			int64Init("one", nil, []int64{1}),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "bump", []string{"v_in", "one"}, []string{"v_out"}),
		},
		Output: []*onnx.ValueInfoProto{
			outName("keep_going"), outName("v_out"), outName("v_out"),
		},
	}
	graph := &onnx.GraphProto{
		Name: "counted",
		Initializer: []*onnx.TensorProto{
			int64Init("m", nil, []int64{3}),
			int64Init("v0", nil, []int64{10}),
		},
		Node: []*onnx.NodeProto{
			testNode("Loop", "loop", []string{"m", "", "v0"}, []string{"vfin", "scan"},
				graphAttr("body", body)),
		},
		Output: []*onnx.ValueInfoProto{
			valueInfo("vfin", onnx.DataTypeInt64),
			valueInfo("scan", onnx.DataTypeInt64, 3),
		},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, nil)
	require.Len(t, got, 2)
	assert.Equal(t, []int64{13}, tensors.CopyFlatData[int64](got[0]))
	assert.Equal(t, []int{3}, got[1].Shape().Dimensions)
	assert.Equal(t, []int64{11, 12, 13}, tensors.CopyFlatData[int64](got[1]))
}

func TestLoopWhile(t *testing.T) {
	// No trip count: the body recomputes the condition, v counts up to the
	// limit.
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("iter"), outName("cond_in"), outName("v_in"),
		},
		Initializer: []*onnx.TensorProto{
			int64Init("one", nil, []int64{1}),
			int64Init("limit", nil, []int64{3}),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "bump", []string{"v_in", "one"}, []string{"v_out"}),
			testNode("Less", "check", []string{"v_out", "limit"}, []string{"cond_out"}),
		},
		Output: []*onnx.ValueInfoProto{
			outName("cond_out"), outName("v_out"),
		},
	}
	graph := &onnx.GraphProto{
		Name: "while",
		Initializer: []*onnx.TensorProto{
			boolInit("cond0", true),
			int64Init("v0", nil, []int64{0}),
		},
		Node: []*onnx.NodeProto{
			testNode("Loop", "loop", []string{"", "cond0", "v0"}, []string{"vfin"},
				graphAttr("body", body)),
		},
		Output: []*onnx.ValueInfoProto{
			valueInfo("vfin", onnx.DataTypeInt64),
		},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, nil)
	require.Len(t, got, 1)
	assert.Equal(t, []int64{3}, tensors.CopyFlatData[int64](got[0]))
}

func TestLoopUnboundedScanOutputRejected(t *testing.T) {
	// Neither a trip count nor a computed condition bounds the loop, so the
	// scan output's length is undefined and it cannot be a graph output.
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("iter"), outName("cond_in"), outName("v_in"),
		},
		Initializer: []*onnx.TensorProto{
			boolInit("keep_going", true),
			int64Init("one", nil, []int64{1}),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "bump", []string{"v_in", "one"}, []string{"v_out"}),
		},
		Output: []*onnx.ValueInfoProto{
			outName("keep_going"), outName("v_out"), outName("v_out"),
		},
	}
	graph := &onnx.GraphProto{
		Name: "unbounded",
		Initializer: []*onnx.TensorProto{
			int64Init("v0", nil, []int64{0}),
		},
		Node: []*onnx.NodeProto{
			testNode("Loop", "loop", []string{"", "", "v0"}, []string{"vfin", "scan"},
				graphAttr("body", body)),
		},
		Output: []*onnx.ValueInfoProto{
			valueInfo("scan", onnx.DataTypeInt64, -1),
		},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback")
}

func TestLoopConstantFalseCondition(t *testing.T) {
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("iter"), outName("cond_in"), outName("v_in"),
		},
		Initializer: []*onnx.TensorProto{boolInit("keep_going", true)},
		Output: []*onnx.ValueInfoProto{
			outName("keep_going"), outName("v_in"),
		},
	}
	graph := &onnx.GraphProto{
		Name: "never",
		Initializer: []*onnx.TensorProto{
			boolInit("cond0", false),
			int64Init("v0", nil, []int64{0}),
		},
		Node: []*onnx.NodeProto{
			testNode("Loop", "loop", []string{"", "cond0", "v0"}, []string{"vfin"},
				graphAttr("body", body)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("vfin", onnx.DataTypeInt64)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Equal(t, UnsupportedNodeForm, KindOf(err))
}

func TestScanRunningSum(t *testing.T) {
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("s_in"), outName("x_elem"),
		},
		Node: []*onnx.NodeProto{
			testNode("Add", "acc", []string{"s_in", "x_elem"}, []string{"s_out"}),
		},
		Output: []*onnx.ValueInfoProto{
			outName("s_out"), outName("s_out"),
		},
	}
	graph := &onnx.GraphProto{
		Name:  "scan",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3, 2)},
		Initializer: []*onnx.TensorProto{
			floatInit("s0", []int64{2}, []float32{0, 0}),
		},
		Node: []*onnx.NodeProto{
			testNode("Scan", "scan", []string{"s0", "x"}, []string{"sfin", "partials"},
				graphAttr("body", body), intAttr("num_scan_inputs", 1)),
		},
		Output: []*onnx.ValueInfoProto{
			valueInfo("sfin", onnx.DataTypeFloat, 2),
			valueInfo("partials", onnx.DataTypeFloat, 3, 2),
		},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}),
	})
	require.Len(t, got, 2)
	assert.Equal(t, []float32{9, 12}, tensors.CopyFlatData[float32](got[0]))
	assert.Equal(t, []int{3, 2}, got[1].Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 4, 6, 9, 12}, tensors.CopyFlatData[float32](got[1]))
}

func TestScanReverseDirection(t *testing.T) {
	// The scan input is consumed back to front and its running maximum is
	// re-reversed into the original order on the way out.
	body := &onnx.GraphProto{
		Name: "body",
		Input: []*onnx.ValueInfoProto{
			outName("s_in"), outName("x_elem"),
		},
		Node: []*onnx.NodeProto{
			testNode("Max", "best", []string{"s_in", "x_elem"}, []string{"s_out"}),
		},
		Output: []*onnx.ValueInfoProto{
			outName("s_out"), outName("s_out"),
		},
	}
	graph := &onnx.GraphProto{
		Name:  "scanrev",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 4)},
		Initializer: []*onnx.TensorProto{
			floatInit("s0", nil, []float32{0}),
		},
		Node: []*onnx.NodeProto{
			testNode("Scan", "scan", []string{"s0", "x"}, []string{"sfin", "suffixmax"},
				graphAttr("body", body), intAttr("num_scan_inputs", 1),
				intsAttr("scan_input_directions", 1), intsAttr("scan_output_directions", 1)),
		},
		Output: []*onnx.ValueInfoProto{
			valueInfo("sfin", onnx.DataTypeFloat),
			valueInfo("suffixmax", onnx.DataTypeFloat, 4),
		},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{2, 5, 1, 4}),
	})
	require.Len(t, got, 2)
	assert.Equal(t, []float32{5}, tensors.CopyFlatData[float32](got[0]))
	// suffixmax[i] = max(x[i:]).
	assert.Equal(t, []float32{5, 5, 4, 4}, tensors.CopyFlatData[float32](got[1]))
}
