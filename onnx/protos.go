package onnx

import "fmt"

// In-memory model of the subset of the ONNX protobuf schema the lowering
// engine consumes. The structs mirror onnx.proto messages; the field-number
// comments refer to that schema. Decoding lives in wire.go.

// AttributeType enumerates onnx.AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
	AttributeTensors   AttributeType = 9
	AttributeGraphs    AttributeType = 10
)

var attributeTypeNames = map[AttributeType]string{
	AttributeUndefined: "UNDEFINED",
	AttributeFloat:     "FLOAT",
	AttributeInt:       "INT",
	AttributeString:    "STRING",
	AttributeTensor:    "TENSOR",
	AttributeGraph:     "GRAPH",
	AttributeFloats:    "FLOATS",
	AttributeInts:      "INTS",
	AttributeStrings:   "STRINGS",
	AttributeTensors:   "TENSORS",
	AttributeGraphs:    "GRAPHS",
}

func (t AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// DataType enumerates onnx.TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined  DataType = 0
	DataTypeFloat      DataType = 1
	DataTypeUint8      DataType = 2
	DataTypeInt8       DataType = 3
	DataTypeUint16     DataType = 4
	DataTypeInt16      DataType = 5
	DataTypeInt32      DataType = 6
	DataTypeInt64      DataType = 7
	DataTypeString     DataType = 8
	DataTypeBool       DataType = 9
	DataTypeFloat16    DataType = 10
	DataTypeDouble     DataType = 11
	DataTypeUint32     DataType = 12
	DataTypeUint64     DataType = 13
	DataTypeComplex64  DataType = 14
	DataTypeComplex128 DataType = 15
	DataTypeBFloat16   DataType = 16
)

// ModelProto is the top-level ONNX message.
type ModelProto struct {
	IrVersion       int64                 // 1
	ProducerName    string                // 2
	ProducerVersion string                // 3
	Domain          string                // 4
	ModelVersion    int64                 // 5
	DocString       string                // 6
	Graph           *GraphProto           // 7
	OpsetImport     []*OperatorSetIDProto // 8
}

// OperatorSetIDProto declares one operator set the model relies on.
type OperatorSetIDProto struct {
	Domain  string // 1
	Version int64  // 2
}

// GraphProto is a dataflow graph: nodes plus named inputs, outputs and
// initializer tensors.
type GraphProto struct {
	Node        []*NodeProto      // 1
	Name        string            // 2
	Initializer []*TensorProto    // 5
	DocString   string            // 10
	Input       []*ValueInfoProto // 11
	Output      []*ValueInfoProto // 12
	ValueInfo   []*ValueInfoProto // 13
}

// NodeProto is one operator instance.
type NodeProto struct {
	Input     []string          // 1
	Output    []string          // 2
	Name      string            // 3
	OpType    string            // 4
	Attribute []*AttributeProto // 5
	Domain    string            // 7
}

// AttributeProto is one named, typed attribute.
type AttributeProto struct {
	Name    string        // 1
	F       float32       // 2
	I       int64         // 3
	S       []byte        // 4
	T       *TensorProto  // 5
	G       *GraphProto   // 6
	Floats  []float32     // 7
	Ints    []int64       // 8
	Strings [][]byte      // 9
	Type    AttributeType // 20
}

// TensorSegment is the (unsupported) segmented-tensor marker.
type TensorSegment struct {
	Begin int64 // 1
	End   int64 // 2
}

// TensorProto is a serialized tensor value.
type TensorProto struct {
	Dims       []int64        // 1
	DataType   DataType       // 2
	Segment    *TensorSegment // 3
	FloatData  []float32      // 4
	Int32Data  []int32        // 5
	StringData [][]byte       // 6
	Int64Data  []int64        // 7
	Name       string         // 8
	RawData    []byte         // 9
	DoubleData []float64      // 10
	Uint64Data []uint64       // 11
}

// ValueInfoProto declares the name and type of a graph input or output.
type ValueInfoProto struct {
	Name string     // 1
	Type *TypeProto // 2
}

// TypeProto describes a value's type; only tensor types are modeled.
type TypeProto struct {
	TensorType *TensorTypeProto // 1
}

// TensorTypeProto is an element type plus an optional shape.
type TensorTypeProto struct {
	ElemType DataType          // 1
	Shape    *TensorShapeProto // 2
}

// TensorShapeProto is a list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeDim // 1
}

// TensorShapeDim is one dimension: a concrete size or a symbolic name.
type TensorShapeDim struct {
	DimValue int64  // 1
	DimParam string // 2
}
