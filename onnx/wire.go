package onnx

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled decoder for the ONNX protobuf subset in protos.go, written
// directly over the protowire primitives so the repo carries no generated
// code. Unknown fields are skipped; packed and unpacked encodings of repeated
// scalars are both accepted.

type wireField struct {
	num  protowire.Number
	typ  protowire.Type
	v    uint64 // varint / fixed32 / fixed64 payloads
	data []byte // length-delimited payloads
}

// forEachField iterates the fields of one message in order.
func forEachField(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.WithStack(protowire.ParseError(n))
		}
		b = b[n:]
		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			f.v, b = v, b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			f.v, b = uint64(v), b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			f.v, b = v, b[n:]
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			f.data, b = data, b[n:]
		default:
			// Groups and anything newer have no place in ONNX files.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f wireField) varint() int64 { return int64(f.v) }

func (f wireField) str() string { return string(f.data) }

func (f wireField) float32() float32 { return math.Float32frombits(uint32(f.v)) }

// int64s appends the field's values (packed or single varint) to dst.
func (f wireField) int64s(dst []int64) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int64(f.v)), nil
	}
	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		dst = append(dst, int64(v))
		b = b[n:]
	}
	return dst, nil
}

// int32s appends the field's values (packed or single varint) to dst.
func (f wireField) int32s(dst []int32) ([]int32, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int32(f.v)), nil
	}
	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		dst = append(dst, int32(v))
		b = b[n:]
	}
	return dst, nil
}

// uint64s appends the field's values (packed or single varint) to dst.
func (f wireField) uint64s(dst []uint64) ([]uint64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, f.v), nil
	}
	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		dst = append(dst, v)
		b = b[n:]
	}
	return dst, nil
}

// float32s appends the field's values (packed or single fixed32) to dst.
func (f wireField) float32s(dst []float32) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, f.float32()), nil
	}
	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		dst = append(dst, math.Float32frombits(v))
		b = b[n:]
	}
	return dst, nil
}

// float64s appends the field's values (packed or single fixed64) to dst.
func (f wireField) float64s(dst []float64) ([]float64, error) {
	if f.typ == protowire.Fixed64Type {
		return append(dst, math.Float64frombits(f.v)), nil
	}
	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		dst = append(dst, math.Float64frombits(v))
		b = b[n:]
	}
	return dst, nil
}

func parseModelProto(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			m.IrVersion = f.varint()
		case 2:
			m.ProducerName = f.str()
		case 3:
			m.ProducerVersion = f.str()
		case 4:
			m.Domain = f.str()
		case 5:
			m.ModelVersion = f.varint()
		case 6:
			m.DocString = f.str()
		case 7:
			m.Graph, err = parseGraphProto(f.data)
		case 8:
			var opset *OperatorSetIDProto
			opset, err = parseOperatorSetID(f.data)
			m.OpsetImport = append(m.OpsetImport, opset)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func parseOperatorSetID(b []byte) (*OperatorSetIDProto, error) {
	o := &OperatorSetIDProto{}
	err := forEachField(b, func(f wireField) error {
		switch f.num {
		case 1:
			o.Domain = f.str()
		case 2:
			o.Version = f.varint()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func parseGraphProto(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			var node *NodeProto
			node, err = parseNodeProto(f.data)
			g.Node = append(g.Node, node)
		case 2:
			g.Name = f.str()
		case 5:
			var tensor *TensorProto
			tensor, err = parseTensorProto(f.data)
			g.Initializer = append(g.Initializer, tensor)
		case 10:
			g.DocString = f.str()
		case 11:
			var info *ValueInfoProto
			info, err = parseValueInfoProto(f.data)
			g.Input = append(g.Input, info)
		case 12:
			var info *ValueInfoProto
			info, err = parseValueInfoProto(f.data)
			g.Output = append(g.Output, info)
		case 13:
			var info *ValueInfoProto
			info, err = parseValueInfoProto(f.data)
			g.ValueInfo = append(g.ValueInfo, info)
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "graph %q", g.Name)
	}
	return g, nil
}

func parseNodeProto(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			n.Input = append(n.Input, f.str())
		case 2:
			n.Output = append(n.Output, f.str())
		case 3:
			n.Name = f.str()
		case 4:
			n.OpType = f.str()
		case 5:
			var attr *AttributeProto
			attr, err = parseAttributeProto(f.data)
			n.Attribute = append(n.Attribute, attr)
		case 7:
			n.Domain = f.str()
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q (%s)", n.Name, n.OpType)
	}
	return n, nil
}

func parseAttributeProto(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			a.Name = f.str()
		case 2:
			a.F = f.float32()
		case 3:
			a.I = f.varint()
		case 4:
			a.S = f.data
		case 5:
			a.T, err = parseTensorProto(f.data)
		case 6:
			a.G, err = parseGraphProto(f.data)
		case 7:
			a.Floats, err = f.float32s(a.Floats)
		case 8:
			a.Ints, err = f.int64s(a.Ints)
		case 9:
			a.Strings = append(a.Strings, f.data)
		case 20:
			a.Type = AttributeType(f.varint())
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "attribute %q", a.Name)
	}
	if a.Type == AttributeUndefined {
		a.Type = inferAttributeType(a)
	}
	return a, nil
}

// inferAttributeType fills the type tag for writers that leave it unset.
func inferAttributeType(a *AttributeProto) AttributeType {
	switch {
	case a.T != nil:
		return AttributeTensor
	case a.G != nil:
		return AttributeGraph
	case len(a.Floats) > 0:
		return AttributeFloats
	case len(a.Ints) > 0:
		return AttributeInts
	case len(a.Strings) > 0:
		return AttributeStrings
	case len(a.S) > 0:
		return AttributeString
	case a.F != 0:
		return AttributeFloat
	default:
		return AttributeInt
	}
}

func parseTensorProto(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			t.Dims, err = f.int64s(t.Dims)
		case 2:
			t.DataType = DataType(f.varint())
		case 3:
			t.Segment, err = parseTensorSegment(f.data)
		case 4:
			t.FloatData, err = f.float32s(t.FloatData)
		case 5:
			t.Int32Data, err = f.int32s(t.Int32Data)
		case 6:
			t.StringData = append(t.StringData, f.data)
		case 7:
			t.Int64Data, err = f.int64s(t.Int64Data)
		case 8:
			t.Name = f.str()
		case 9:
			t.RawData = f.data
		case 10:
			t.DoubleData, err = f.float64s(t.DoubleData)
		case 11:
			t.Uint64Data, err = f.uint64s(t.Uint64Data)
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", t.Name)
	}
	return t, nil
}

func parseTensorSegment(b []byte) (*TensorSegment, error) {
	s := &TensorSegment{}
	err := forEachField(b, func(f wireField) error {
		switch f.num {
		case 1:
			s.Begin = f.varint()
		case 2:
			s.End = f.varint()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseValueInfoProto(b []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			v.Name = f.str()
		case 2:
			v.Type, err = parseTypeProto(f.data)
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "value info %q", v.Name)
	}
	return v, nil
}

func parseTypeProto(b []byte) (*TypeProto, error) {
	t := &TypeProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		if f.num == 1 {
			t.TensorType, err = parseTensorTypeProto(f.data)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func parseTensorTypeProto(b []byte) (*TensorTypeProto, error) {
	t := &TensorTypeProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		switch f.num {
		case 1:
			t.ElemType = DataType(f.varint())
		case 2:
			t.Shape, err = parseTensorShapeProto(f.data)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func parseTensorShapeProto(b []byte) (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	err := forEachField(b, func(f wireField) error {
		var err error
		if f.num == 1 {
			var dim *TensorShapeDim
			dim, err = parseTensorShapeDim(f.data)
			s.Dim = append(s.Dim, dim)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseTensorShapeDim(b []byte) (*TensorShapeDim, error) {
	d := &TensorShapeDim{}
	err := forEachField(b, func(f wireField) error {
		switch f.num {
		case 1:
			d.DimValue = f.varint()
		case 2:
			d.DimParam = f.str()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
