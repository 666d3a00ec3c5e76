package lower

import (
	"fmt"

	"github.com/gomlx/onnx-lower/onnx"
	"github.com/pkg/errors"
)

// Kind classifies lowering failures.
type Kind int

const (
	// UnsupportedOperator: no importer is registered for the operator type and
	// the plugin resolver did not provide one.
	UnsupportedOperator Kind = iota
	// UnsupportedNodeForm: the operator is recognized but this combination of
	// ranks, attributes or input kinds has no lowering (e.g. a non-constant
	// convolution kernel).
	UnsupportedNodeForm
	// InvalidNode: the node is malformed per the source format semantics
	// (wrong rank, mismatched gate and bias shapes).
	InvalidNode
	// InvalidValue: an attribute or input value is out of range (e.g. a zero
	// stride).
	InvalidValue
	// InternalError: a lowering helper violated its own postcondition. This
	// is an engine bug, not bad input.
	InternalError
)

var kindNames = [...]string{"UnsupportedOperator", "UnsupportedNodeForm", "InvalidNode", "InvalidValue", "InternalError"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a lowering failure carrying its kind and node context. The first
// failure aborts the whole session; there is no partial success.
type Error struct {
	Kind     Kind
	OpType   string
	NodeName string
	Reason   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s lowering %s (node %q): %s", e.Kind, e.OpType, e.NodeName, e.Reason)
}

func (e *Error) Unwrap() error { return e.Reason }

// KindOf returns the Kind of err, or InternalError for errors that did not
// come out of the lowering path.
func KindOf(err error) Kind {
	var lowerErr *Error
	if errors.As(err, &lowerErr) {
		return lowerErr.Kind
	}
	return InternalError
}

func nodeError(kind Kind, node *onnx.NodeProto, reason error) error {
	// Keep the outermost node context: helpers may have annotated already.
	var existing *Error
	if errors.As(reason, &existing) {
		return reason
	}
	return &Error{Kind: kind, OpType: node.OpType, NodeName: node.Name, Reason: reason}
}

func nodeErrorf(kind Kind, node *onnx.NodeProto, format string, args ...any) error {
	return &Error{Kind: kind, OpType: node.OpType, NodeName: node.Name, Reason: errors.Errorf(format, args...)}
}

func unsupportedf(node *onnx.NodeProto, format string, args ...any) error {
	return nodeErrorf(UnsupportedNodeForm, node, format, args...)
}

func invalidf(node *onnx.NodeProto, format string, args ...any) error {
	return nodeErrorf(InvalidNode, node, format, args...)
}

func invalidValuef(node *onnx.NodeProto, format string, args ...any) error {
	return nodeErrorf(InvalidValue, node, format, args...)
}

func internalf(node *onnx.NodeProto, format string, args ...any) error {
	return nodeErrorf(InternalError, node, format, args...)
}
