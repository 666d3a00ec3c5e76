package lower

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx-lower/netdef"
	"github.com/pkg/errors"
)

// Value is the tagged union flowing between importers: either a Tensor (an
// opaque handle into the target graph) or a Weight (a constant materialized at
// lowering time). Never both. The zero Value stands for an omitted optional
// input.
type Value struct {
	tensor *netdef.Tensor
	weight *tensors.Tensor

	// fallbackScan marks a scan output produced under the fallback iteration
	// bound: its true length is undefined, so the session rejects nodes that
	// consume it.
	fallbackScan bool
}

// TensorValue wraps a target-graph tensor.
func TensorValue(t *netdef.Tensor) Value { return Value{tensor: t} }

// WeightValue wraps a materialized constant.
func WeightValue(w *tensors.Tensor) Value { return Value{weight: w} }

// IsEmpty reports whether the value stands for an omitted optional input.
func (v Value) IsEmpty() bool { return v.tensor == nil && v.weight == nil }

// IsTensor reports whether the value is a target-graph tensor.
func (v Value) IsTensor() bool { return v.tensor != nil }

// IsWeight reports whether the value is a materialized constant.
func (v Value) IsWeight() bool { return v.weight != nil }

// Tensor returns the underlying target-graph tensor; nil for weights.
func (v Value) Tensor() *netdef.Tensor { return v.tensor }

// Weight returns the underlying constant; nil for tensors.
func (v Value) Weight() *tensors.Tensor { return v.weight }

// Shape returns the value's shape. Weights always have static dimensions.
func (v Value) Shape() shapes.Shape {
	if v.tensor != nil {
		return v.tensor.Shape()
	}
	if v.weight != nil {
		return v.weight.Shape()
	}
	return shapes.Shape{}
}

// Rank is a shortcut for Shape().Rank().
func (v Value) Rank() int { return v.Shape().Rank() }

// DType returns the value's element type.
func (v Value) DType() dtypes.DType { return v.Shape().DType }

func (v Value) String() string {
	switch {
	case v.tensor != nil:
		return "tensor " + v.tensor.String()
	case v.weight != nil:
		return "weight " + v.weight.Shape().String()
	}
	return "<empty>"
}

// weightWithDims returns a weight holding the same flat data under new
// dimensions.
func weightWithDims(w *tensors.Tensor, dims []int) (*tensors.Tensor, error) {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != w.Shape().Size() {
		return nil, errors.Errorf("cannot reshape weight %s to %v", w.Shape(), dims)
	}
	switch w.DType() {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](w), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float64](w), dims...), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[int32](w), dims...), nil
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[int64](w), dims...), nil
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[uint8](w), dims...), nil
	case dtypes.Bool:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[bool](w), dims...), nil
	}
	return nil, errors.Errorf("cannot reshape weight of dtype %s", w.DType())
}

// weightTranspose2D returns the transposed copy of a rank-2 weight.
func weightTranspose2D(w *tensors.Tensor) (*tensors.Tensor, error) {
	if w.Rank() != 2 {
		return nil, errors.Errorf("expected a rank-2 weight, got %s", w.Shape())
	}
	rows, cols := w.Shape().Dimensions[0], w.Shape().Dimensions[1]
	switch w.DType() {
	case dtypes.Float32:
		return transpose2D(tensors.CopyFlatData[float32](w), rows, cols), nil
	case dtypes.Float64:
		return transpose2D(tensors.CopyFlatData[float64](w), rows, cols), nil
	case dtypes.Int32:
		return transpose2D(tensors.CopyFlatData[int32](w), rows, cols), nil
	case dtypes.Int64:
		return transpose2D(tensors.CopyFlatData[int64](w), rows, cols), nil
	}
	return nil, errors.Errorf("cannot transpose weight of dtype %s", w.DType())
}

func transpose2D[T dtypes.Supported](data []T, rows, cols int) *tensors.Tensor {
	out := make([]T, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return tensors.FromFlatDataAndDimensions(out, cols, rows)
}

// weightToInts reads an integer weight (any rank) as a flat int slice.
func weightToInts(w *tensors.Tensor) ([]int, error) {
	switch w.DType() {
	case dtypes.Int32:
		data := tensors.CopyFlatData[int32](w)
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	case dtypes.Int64:
		data := tensors.CopyFlatData[int64](w)
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("expected an integer weight, got %s", w.Shape())
}

// weightToFloats reads a float weight as a flat float64 slice.
func weightToFloats(w *tensors.Tensor) ([]float64, error) {
	switch w.DType() {
	case dtypes.Float32:
		data := tensors.CopyFlatData[float32](w)
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out, nil
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](w), nil
	}
	return nil, errors.Errorf("expected a float weight, got %s", w.Shape())
}

// weightScalar reads a one-element weight as float64 (works for integer and
// float dtypes).
func weightScalar(w *tensors.Tensor) (float64, error) {
	if w.Shape().Size() != 1 {
		return 0, errors.Errorf("expected a scalar weight, got %s", w.Shape())
	}
	if ints, err := weightToInts(w); err == nil {
		return float64(ints[0]), nil
	}
	floats, err := weightToFloats(w)
	if err != nil {
		return 0, err
	}
	return floats[0], nil
}
