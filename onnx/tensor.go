package onnx

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Shape converts an ONNX tensor's data type and dims to a shapes.Shape (it
// includes the dtype).
func Shape(proto *TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = proto.DataType.DType()
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		shape.Dimensions[axis] = int(dim)
	}
	if proto.Segment != nil {
		err = errors.Errorf("segmented tensor %q not supported", proto.Name)
		return
	}
	return
}

// checkAndCreateTensor implements the generic check and copy of the ONNX proto
// data to a tensor for the supported data type.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if shape.DType != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	return tensors.FromFlatDataAndDimensions[T](onnxData, shape.Dimensions...), nil
}

// int32Packed creates a tensor for the narrow types ONNX packs into the
// int32_data field (int8/uint8/int16/uint16/bool/float16).
func int32Packed(proto *TensorProto, shape shapes.Shape) (*tensors.Tensor, error) {
	if proto.Int32Data == nil {
		return nil, nil
	}
	switch shape.DType {
	case dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16, dtypes.Bool, dtypes.Float16:
		// Handled below.
	default:
		return nil, nil
	}
	if len(proto.Int32Data) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided %d int32 values!?",
			proto.Name, shape, shape.Size(), len(proto.Int32Data))
	}
	data := proto.Int32Data
	dims := shape.Dimensions
	switch shape.DType {
	case dtypes.Int8:
		return tensors.FromFlatDataAndDimensions(convertFlat[int8](data), dims...), nil
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(convertFlat[uint8](data), dims...), nil
	case dtypes.Int16:
		return tensors.FromFlatDataAndDimensions(convertFlat[int16](data), dims...), nil
	case dtypes.Uint16:
		return tensors.FromFlatDataAndDimensions(convertFlat[uint16](data), dims...), nil
	case dtypes.Bool:
		flat := make([]bool, len(data))
		for ii, v := range data {
			flat[ii] = v != 0
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Float16:
		// float16 is stored as its bit pattern in int32_data.
		flat := make([]float16.Float16, len(data))
		for ii, v := range data {
			flat[ii] = float16.Frombits(uint16(v))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	default:
		return nil, nil
	}
}

func convertFlat[T int8 | uint8 | int16 | uint16](data []int32) []T {
	flat := make([]T, len(data))
	for ii, v := range data {
		flat[ii] = T(v)
	}
	return flat
}

// Tensor converts an ONNX TensorProto to a tensors.Tensor, handling raw data
// and each of the typed data fields.
func Tensor(proto *TensorProto) (t *tensors.Tensor, err error) {
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
		return
	}

	// If data is provided as RawData (little-endian, matching the host layout
	// GoMLX uses): check that the size matches and copy the bytes over.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err != nil {
			t.FinalizeAll()
			return nil, err
		}
		return
	}

	// Narrow types packed into int32_data.
	t, err = int32Packed(proto, shape)
	if t != nil || err != nil {
		return
	}

	// Tries each directly-typed data field.
	t, err = checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int32Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return
	}
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}
