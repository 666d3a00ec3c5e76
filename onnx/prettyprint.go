package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/types"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Proto.DocString != "" {
		w("%s\n", m.Proto.DocString)
	}
	if m.Proto.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.Proto.ModelVersion)
	}
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.Proto.IrVersion)
	w("\tOperator Sets:\t[")
	for ii, opSetID := range m.Proto.OpsetImport {
		if ii > 0 {
			w(", ")
		}
		if opSetID.Domain != "" {
			w("v%d (%s)", opSetID.Version, opSetID.Domain)
		} else {
			w("v%d", opSetID.Version)
		}
	}
	w("]\n")

	w("\t# nodes:\t%d\n", len(m.Proto.Graph.Node))
	opTypesSet := types.MakeSet[string]()
	for _, n := range m.Proto.Graph.Node {
		opTypesSet.Insert(n.OpType)
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))
	w("\tInputs:\t%q\n", m.InputNames)
	w("\tOutputs:\t%q\n", m.OutputNames)
	return buf.String()
}

// String implements fmt.Stringer with a one-line description used in error
// messages: operator type, node name, input and output names.
func (n *NodeProto) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Node %s(%q)", n.OpType, n.Name))
	parts = append(parts, fmt.Sprintf("inputs=%q", n.Input))
	parts = append(parts, fmt.Sprintf("outputs=%q", n.Output))
	if len(n.Attribute) > 0 {
		attrNames := make([]string, len(n.Attribute))
		for ii, attr := range n.Attribute {
			attrNames[ii] = attr.Name
		}
		parts = append(parts, fmt.Sprintf("attributes=%q", attrNames))
	}
	return strings.Join(parts, ", ")
}
