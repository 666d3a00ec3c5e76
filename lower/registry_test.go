package lower

import (
	"testing"

	"github.com/gomlx/onnx-lower/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		return nil, nil
	}
	r.Register("Custom", fn)
	assert.Panics(t, func() { r.Register("Custom", fn) })
}

func TestUnknownOperator(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "unknown",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3)},
		Node: []*onnx.NodeProto{
			testNode("FancyCustomOp", "fancy", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	_, err := NewSession().Lower(testModel(13, graph))
	require.Error(t, err)
	assert.Equal(t, UnsupportedOperator, KindOf(err))
	assert.Contains(t, err.Error(), "FancyCustomOp")
}

// passthroughResolver resolves every operator to an identity lowering.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(opType string) (Importer, bool) {
	return func(ctx *Context, node *onnx.NodeProto, inputs []Value) ([]Value, error) {
		return inputs[:len(node.Output)], nil
	}, true
}

func TestPluginResolver(t *testing.T) {
	graph := &onnx.GraphProto{
		Name:  "plugin",
		Input: []*onnx.ValueInfoProto{valueInfo("x", onnx.DataTypeFloat, 3)},
		Node: []*onnx.NodeProto{
			testNode("FancyCustomOp", "fancy", []string{"x"}, []string{"y"}),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("y", onnx.DataTypeFloat, 3)},
	}
	b, err := NewSession(WithPluginResolver(passthroughResolver{})).Lower(testModel(13, graph))
	require.NoError(t, err)
	// The identity resolution adds no layers: the input is the output.
	assert.Equal(t, 0, b.NumLayers())
	require.Len(t, b.Outputs(), 1)
}

func TestBuiltinRegistryCoversCore(t *testing.T) {
	r := newBuiltinRegistry()
	for _, op := range []string{
		"Add", "Conv", "Gemm", "GRU", "LSTM", "RNN", "Loop", "Scan",
		"Reshape", "Softmax", "ReduceSum", "TopK", "Resize",
	} {
		_, found := r.Lookup(op)
		assert.True(t, found, "missing importer for %s", op)
	}
	_, found := r.Lookup("NotAnOperator")
	assert.False(t, found)
}

func TestErrorKinds(t *testing.T) {
	node := &onnx.NodeProto{OpType: "Conv", Name: "c1"}
	err := unsupportedf(node, "kernel must be constant")
	assert.Equal(t, UnsupportedNodeForm, KindOf(err))
	assert.Contains(t, err.Error(), "Conv")
	assert.Contains(t, err.Error(), "c1")

	// Wrapping keeps the original classification.
	wrapped := nodeError(InternalError, node, err)
	assert.Equal(t, UnsupportedNodeForm, KindOf(wrapped))
}
