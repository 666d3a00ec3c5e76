package onnx

import (
	"github.com/pkg/errors"
)

// AttributeBag is a read-only typed view over one node's attributes with
// default fallback. It is built per node, used during that node's lowering
// call and discarded.
//
// Accessors record the first type/presence error instead of returning it at
// every call site; check Err once after all reads:
//
//	attrs := onnx.Attributes(node)
//	axis := attrs.Int("axis", 0)
//	perm := attrs.Ints("perm", nil)
//	if err := attrs.Err(); err != nil { ... }
type AttributeBag struct {
	node *NodeProto
	err  error
}

// Attributes builds the AttributeBag for node.
func Attributes(node *NodeProto) *AttributeBag {
	return &AttributeBag{node: node}
}

// Err returns the first error recorded by any accessor, or nil.
func (b *AttributeBag) Err() error {
	return b.err
}

// Has reports whether the attribute is present.
func (b *AttributeBag) Has(name string) bool {
	return b.find(name) != nil
}

func (b *AttributeBag) find(name string) *AttributeProto {
	for _, attr := range b.node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

func (b *AttributeBag) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *AttributeBag) typed(name string, want AttributeType, required bool) *AttributeProto {
	attr := b.find(name)
	if attr == nil {
		if required {
			b.setErr(errors.Errorf("node %q (%s) is missing required attribute %q",
				b.node.Name, b.node.OpType, name))
		}
		return nil
	}
	if attr.Type != want {
		b.setErr(errors.Errorf("attribute %q of node %q (%s) has type %s, want %s",
			name, b.node.Name, b.node.OpType, attr.Type, want))
		return nil
	}
	return attr
}

// Int returns the integer attribute, or defaultValue if absent.
func (b *AttributeBag) Int(name string, defaultValue int) int {
	attr := b.typed(name, AttributeInt, false)
	if attr == nil {
		return defaultValue
	}
	return int(attr.I)
}

// RequiredInt returns the integer attribute, recording an error if absent.
func (b *AttributeBag) RequiredInt(name string) int {
	attr := b.typed(name, AttributeInt, true)
	if attr == nil {
		return 0
	}
	return int(attr.I)
}

// Bool returns an ONNX boolean attribute (an int holding 0 or 1).
func (b *AttributeBag) Bool(name string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	return b.Int(name, defaultInt) != 0
}

// Float returns the float attribute, or defaultValue if absent.
func (b *AttributeBag) Float(name string, defaultValue float32) float32 {
	attr := b.typed(name, AttributeFloat, false)
	if attr == nil {
		return defaultValue
	}
	return attr.F
}

// Str returns the string attribute, or defaultValue if absent.
func (b *AttributeBag) Str(name string, defaultValue string) string {
	attr := b.typed(name, AttributeString, false)
	if attr == nil {
		return defaultValue
	}
	return string(attr.S)
}

// Ints returns the integer-list attribute, or defaultValues if absent. A
// single-int attribute is accepted as a one-element list.
func (b *AttributeBag) Ints(name string, defaultValues []int) []int {
	attr := b.find(name)
	if attr == nil {
		return defaultValues
	}
	if attr.Type == AttributeInt {
		return []int{int(attr.I)}
	}
	if attr = b.typed(name, AttributeInts, false); attr == nil {
		return defaultValues
	}
	values := make([]int, len(attr.Ints))
	for ii, v := range attr.Ints {
		values[ii] = int(v)
	}
	return values
}

// RequiredInts returns the integer-list attribute, recording an error if absent.
func (b *AttributeBag) RequiredInts(name string) []int {
	if b.find(name) == nil {
		b.setErr(errors.Errorf("node %q (%s) is missing required attribute %q",
			b.node.Name, b.node.OpType, name))
		return nil
	}
	return b.Ints(name, nil)
}

// Floats returns the float-list attribute, or defaultValues if absent.
func (b *AttributeBag) Floats(name string, defaultValues []float32) []float32 {
	attr := b.find(name)
	if attr == nil {
		return defaultValues
	}
	if attr.Type == AttributeFloat {
		return []float32{attr.F}
	}
	if attr = b.typed(name, AttributeFloats, false); attr == nil {
		return defaultValues
	}
	return attr.Floats
}

// Strs returns the string-list attribute, or defaultValues if absent.
func (b *AttributeBag) Strs(name string, defaultValues []string) []string {
	attr := b.typed(name, AttributeStrings, false)
	if attr == nil {
		return defaultValues
	}
	values := make([]string, len(attr.Strings))
	for ii, s := range attr.Strings {
		values[ii] = string(s)
	}
	return values
}

// TensorAttr returns the tensor attribute, recording an error if absent.
func (b *AttributeBag) TensorAttr(name string) *TensorProto {
	attr := b.typed(name, AttributeTensor, true)
	if attr == nil {
		return nil
	}
	return attr.T
}

// OptionalTensorAttr returns the tensor attribute or nil, without recording an
// absence error.
func (b *AttributeBag) OptionalTensorAttr(name string) *TensorProto {
	attr := b.typed(name, AttributeTensor, false)
	if attr == nil {
		return nil
	}
	return attr.T
}

// GraphAttr returns the subgraph attribute, recording an error if absent.
func (b *AttributeBag) GraphAttr(name string) *GraphProto {
	attr := b.typed(name, AttributeGraph, true)
	if attr == nil {
		return nil
	}
	return attr.G
}
