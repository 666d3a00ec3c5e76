package lower

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/gomlx/onnx-lower/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Graph-construction helpers shared by the lowering tests. They build the
// parsed proto structures directly, skipping the wire format.

func testNode(opType, name string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *onnx.NodeProto {
	return &onnx.NodeProto{
		OpType:    opType,
		Name:      name,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
}

func intAttr(name string, v int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeInt, I: v}
}

func intsAttr(name string, values ...int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeInts, Ints: values}
}

func floatAttr(name string, v float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeFloat, F: v}
}

func strAttr(name, v string) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeString, S: []byte(v)}
}

func strsAttr(name string, values ...string) *onnx.AttributeProto {
	bs := make([][]byte, len(values))
	for i, v := range values {
		bs[i] = []byte(v)
	}
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeStrings, Strings: bs}
}

func graphAttr(name string, g *onnx.GraphProto) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeGraph, G: g}
}

// valueInfo declares a float32 (or given type) graph input/output. Negative
// dims become symbolic.
func valueInfo(name string, dtype onnx.DataType, dims ...int64) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for i, d := range dims {
		dim := &onnx.TensorShapeDim{DimValue: d}
		if d < 0 {
			dim = &onnx.TensorShapeDim{DimParam: "d" + string(rune('0'+i))}
		}
		shape.Dim = append(shape.Dim, dim)
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{
			ElemType: dtype,
			Shape:    shape,
		}},
	}
}

func floatInit(name string, dims []int64, data []float32) *onnx.TensorProto {
	return &onnx.TensorProto{Name: name, DataType: onnx.DataTypeFloat, Dims: dims, FloatData: data}
}

func int64Init(name string, dims []int64, data []int64) *onnx.TensorProto {
	return &onnx.TensorProto{Name: name, DataType: onnx.DataTypeInt64, Dims: dims, Int64Data: data}
}

func testModel(opset int64, graph *onnx.GraphProto) *onnx.Model {
	return &onnx.Model{Proto: &onnx.ModelProto{
		Graph:       graph,
		OpsetImport: []*onnx.OperatorSetIDProto{{Version: opset}},
	}}
}

func lowerGraph(t *testing.T, opset int64, graph *onnx.GraphProto, opts ...Option) *netdef.Builder {
	t.Helper()
	b, err := NewSession(opts...).Lower(testModel(opset, graph))
	require.NoError(t, err)
	return b
}

func evaluate(t *testing.T, b *netdef.Builder, inputs map[string]*tensors.Tensor) []*tensors.Tensor {
	t.Helper()
	outputs, err := netdef.Evaluate(b, inputs)
	require.NoError(t, err)
	return outputs
}

func TestLowerSmallMLP(t *testing.T) {
	graph := &onnx.GraphProto{
		Name: "mlp",
		Input: []*onnx.ValueInfoProto{
			valueInfo("x", onnx.DataTypeFloat, 2, 3),
		},
		Initializer: []*onnx.TensorProto{
			floatInit("w", []int64{3, 2}, []float32{1, 0, 0, 1, 1, 1}),
			floatInit("bias", []int64{2}, []float32{-100, 1}),
		},
		Node: []*onnx.NodeProto{
			testNode("MatMul", "mm", []string{"x", "w"}, []string{"h"}),
			testNode("Add", "add", []string{"h", "bias"}, []string{"hb"}),
			testNode("Relu", "act", []string{"hb"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 2)},
	}
	b := lowerGraph(t, 13, graph)

	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
	})
	require.Len(t, got, 1)
	assert.Equal(t, []int{2, 2}, got[0].Shape().Dimensions)
	assert.Equal(t, []float32{0, 6, 0, 12}, tensors.CopyFlatData[float32](got[0]))
}

func TestLowerOutOfOrderGraph(t *testing.T) {
	// Nodes listed consumer-before-producer still lower: the walker defers
	// nodes until their inputs exist.
	graph := &onnx.GraphProto{
		Name:  "ooo",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3)},
		Node: []*onnx.NodeProto{
			testNode("Relu", "second", []string{"neg"}, []string{"y"}),
			testNode("Neg", "first", []string{"x"}, []string{"neg"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{-1, 2, -3}),
	})
	assert.Equal(t, []float32{1, 0, 3}, tensors.CopyFlatData[float32](got[0]))
}

func TestLowerReportsNodeContext(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "bad",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3)},
		Node: []*onnx.NodeProto{
			testNode("Concat", "join", []string{"x"}, []string{"y"}), // Missing required axis.
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join")
	assert.Contains(t, err.Error(), "Concat")
}

func TestLowerMissingOutput(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:   "missing",
		Input:  []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3)},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never produced")
}

func TestOpsetOverride(t *testing.T) {
	// Softmax default axis differs across opsets: 1 before 13, -1 after.
	graph := &onnx.GraphProto{
		Name:  "softmax",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 2, 2, 2)},
		Node: []*onnx.NodeProto{
			testNode("Softmax", "sm", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 2, 2, 2)},
	}
	x := map[string]*tensors.Tensor{
		"x": tensors.FromValue([][][]float32{{{0, 0}, {0, 0}}, {{0, 0}, {0, 0}}}),
	}

	b := lowerGraph(t, 13, graph)
	got := evaluate(t, b, x)
	// axis -1: each pair sums to 1.
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5},
		tensors.CopyFlatData[float32](got[0]))

	b = lowerGraph(t, 13, graph, WithOpset(11))
	got = evaluate(t, b, x)
	// axis 1, flattened to [2, 4]: each group of four sums to 1.
	assert.Equal(t, []float32{0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25},
		tensors.CopyFlatData[float32](got[0]))
}

func TestScalarWeight(t *testing.T) {
	w := must.M1(scalarWeight(dtypes.Float32, 2.5))
	assert.Equal(t, float32(2.5), tensors.ToScalar[float32](w))

	i := must.M1(scalarWeight(dtypes.Int64, 3))
	assert.Equal(t, int64(3), tensors.ToScalar[int64](i))

	_, err := scalarWeight(dtypes.Complex64, 1)
	require.Error(t, err)
}
