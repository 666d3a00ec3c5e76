package onnx

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire-format encoding helpers for building test models byte by byte.

func varintField(num protowire.Number, v int64) []byte {
	b := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func bytesField(num protowire.Number, data []byte) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func stringField(num protowire.Number, s string) []byte {
	return bytesField(num, []byte(s))
}

func fixed32Field(num protowire.Number, v float32) []byte {
	b := protowire.AppendTag(nil, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func packedVarints(num protowire.Number, values ...int64) []byte {
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendVarint(payload, uint64(v))
	}
	return bytesField(num, payload)
}

func packedFloats(num protowire.Number, values ...float32) []byte {
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendFixed32(payload, math.Float32bits(v))
	}
	return bytesField(num, payload)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// testModelBytes encodes a two-input Unsqueeze model with one initializer:
// inputs x (float32 [1, batch]) and initializer bias (float32 [2]), one node
// Unsqueeze(x) with axes=[0, 2], output y.
func testModelBytes() []byte {
	xType := bytesField(1, concat( // TypeProto.tensor_type
		varintField(1, int64(DataTypeFloat)), // elem_type
		bytesField(2, concat( // shape
			bytesField(1, varintField(1, 1)),          // dim { dim_value: 1 }
			bytesField(1, stringField(2, "batch")))))) // dim { dim_param }
	input := bytesField(11, concat(stringField(1, "x"), bytesField(2, xType)))
	output := bytesField(12, concat(stringField(1, "y"), bytesField(2, xType)))

	bias := bytesField(5, concat( // GraphProto.initializer
		packedVarints(1, 2),                  // dims
		varintField(2, int64(DataTypeFloat)), // data_type
		packedFloats(4, 0.5, 1.5),            // float_data
		stringField(8, "bias")))

	axes := bytesField(5, concat( // NodeProto.attribute
		stringField(1, "axes"),
		packedVarints(8, 0, 2),
		varintField(20, int64(AttributeInts))))
	node := bytesField(1, concat(
		stringField(1, "x"),
		stringField(2, "y"),
		stringField(3, "expand"),
		stringField(4, "Unsqueeze"),
		axes))

	graph := bytesField(7, concat(
		node, stringField(2, "main"), bias, input, output))
	opset := bytesField(8, varintField(2, 13))
	return concat(varintField(1, 8), stringField(2, "test-writer"), graph, opset)
}

func TestParse(t *testing.T) {
	m, err := Parse(testModelBytes())
	require.NoError(t, err)

	assert.EqualValues(t, 8, m.Proto.IrVersion)
	assert.Equal(t, "test-writer", m.Proto.ProducerName)
	assert.EqualValues(t, 13, m.OpsetVersion(11))
	assert.Equal(t, []string{"x"}, m.InputNames)
	assert.Equal(t, []string{"y"}, m.OutputNames)

	g := m.Graph()
	require.NotNil(t, g)
	assert.Equal(t, "main", g.Name)
	require.Len(t, g.Node, 1)
	node := g.Node[0]
	assert.Equal(t, "Unsqueeze", node.OpType)
	assert.Equal(t, "expand", node.Name)
	assert.Equal(t, []string{"x"}, node.Input)
	assert.Equal(t, []string{"y"}, node.Output)

	attrs := Attributes(node)
	assert.Equal(t, []int{0, 2}, attrs.RequiredInts("axes"))
	require.NoError(t, attrs.Err())

	require.Len(t, g.Input, 1)
	tt := g.Input[0].Type.TensorType
	require.NotNil(t, tt)
	assert.Equal(t, DataTypeFloat, tt.ElemType)
	require.Len(t, tt.Shape.Dim, 2)
	assert.EqualValues(t, 1, tt.Shape.Dim[0].DimValue)
	assert.Equal(t, "batch", tt.Shape.Dim[1].DimParam)

	require.Len(t, g.Initializer, 1)
	w, err := Tensor(g.Initializer[0])
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, w.DType())
	assert.Equal(t, []int{2}, w.Shape().Dimensions)
	assert.Equal(t, []float32{0.5, 1.5}, tensors.CopyFlatData[float32](w))
}

func TestParseSkipsUnknownFields(t *testing.T) {
	// A field number the decoder does not know (metadata_props, 14) must be
	// skipped without error.
	b := concat(testModelBytes(), bytesField(14, concat(stringField(1, "k"), stringField(2, "v"))))
	m, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "main", m.Graph().Name)
}

func TestParseUnpackedRepeated(t *testing.T) {
	// dims written one varint per field instead of packed.
	tensor := concat(
		varintField(1, 2),
		varintField(1, 3),
		varintField(2, int64(DataTypeFloat)),
		stringField(8, "w"))
	for i := 0; i < 6; i++ {
		tensor = append(tensor, fixed32Field(4, float32(i))...)
	}
	proto, err := parseTensorProto(tensor)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, proto.Dims)
	assert.Len(t, proto.FloatData, 6)

	w, err := Tensor(proto)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.Shape().Dimensions)
}

func TestParseRejectsTruncated(t *testing.T) {
	b := testModelBytes()
	_, err := Parse(b[:len(b)-3])
	require.Error(t, err)
}

func TestAttributeTypeInference(t *testing.T) {
	// Writers that omit the type tag still get a usable attribute.
	attr := concat(stringField(1, "alpha"), fixed32Field(2, 0.25))
	a, err := parseAttributeProto(attr)
	require.NoError(t, err)
	assert.Equal(t, AttributeFloat, a.Type)
	assert.Equal(t, float32(0.25), a.F)
}
