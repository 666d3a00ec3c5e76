package onnx

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DType converts an ONNX data type to a GoMLX data type.
func (d DataType) DType() (dtypes.DType, error) {
	switch d {
	case DataTypeFloat:
		return dtypes.Float32, nil
	case DataTypeFloat16:
		return dtypes.Float16, nil
	case DataTypeBFloat16:
		return dtypes.BFloat16, nil
	case DataTypeDouble:
		return dtypes.Float64, nil
	case DataTypeInt32:
		return dtypes.Int32, nil
	case DataTypeInt64:
		return dtypes.Int64, nil
	case DataTypeUint8:
		return dtypes.Uint8, nil
	case DataTypeInt8:
		return dtypes.Int8, nil
	case DataTypeInt16:
		return dtypes.Int16, nil
	case DataTypeUint16:
		return dtypes.Uint16, nil
	case DataTypeUint32:
		return dtypes.Uint32, nil
	case DataTypeUint64:
		return dtypes.Uint64, nil
	case DataTypeBool:
		return dtypes.Bool, nil
	case DataTypeComplex64:
		return dtypes.Complex64, nil
	case DataTypeComplex128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %d", d)
	}
}

// FromDType converts a GoMLX data type back to the ONNX enumeration.
func FromDType(dtype dtypes.DType) (DataType, error) {
	switch dtype {
	case dtypes.Float32:
		return DataTypeFloat, nil
	case dtypes.Float16:
		return DataTypeFloat16, nil
	case dtypes.BFloat16:
		return DataTypeBFloat16, nil
	case dtypes.Float64:
		return DataTypeDouble, nil
	case dtypes.Int32:
		return DataTypeInt32, nil
	case dtypes.Int64:
		return DataTypeInt64, nil
	case dtypes.Uint8:
		return DataTypeUint8, nil
	case dtypes.Int8:
		return DataTypeInt8, nil
	case dtypes.Int16:
		return DataTypeInt16, nil
	case dtypes.Uint16:
		return DataTypeUint16, nil
	case dtypes.Uint32:
		return DataTypeUint32, nil
	case dtypes.Uint64:
		return DataTypeUint64, nil
	case dtypes.Bool:
		return DataTypeBool, nil
	case dtypes.Complex64:
		return DataTypeComplex64, nil
	case dtypes.Complex128:
		return DataTypeComplex128, nil
	default:
		return DataTypeUndefined, errors.Errorf("GoMLX data type %s has no ONNX equivalent", dtype)
	}
}
