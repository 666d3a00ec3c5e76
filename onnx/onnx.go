// Package onnx parses serialized ONNX models into the node/attribute model the
// lowering engine consumes.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse. It returns a Model.
//   - Model: object holding the parsed graph, its declared opset version and
//     typed accessors for nodes, attributes and initializer tensors.
//
// Only the proto fields the lowering engine needs are decoded; unknown fields
// are skipped. Sparse tensors, segmented tensors and in-model functions are
// rejected where encountered.
package onnx

import (
	"os"

	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	Proto *ModelProto

	// InputNames and OutputNames of the main graph, in declaration order.
	InputNames  []string
	OutputNames []string
}

// Parse parses a serialized ONNX model into a Model.
func Parse(contents []byte) (*Model, error) {
	proto, err := parseModelProto(contents)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model")
	}
	if proto.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	m := &Model{Proto: proto}
	for _, vi := range proto.Graph.Input {
		m.InputNames = append(m.InputNames, vi.Name)
	}
	for _, vi := range proto.Graph.Output {
		m.OutputNames = append(m.OutputNames, vi.Name)
	}
	return m, nil
}

// ReadFile parses an ONNX model file into a Model.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	return Parse(contents)
}

// OpsetVersion returns the version declared for the default ONNX domain, or
// defaultVersion when the model declares none.
func (m *Model) OpsetVersion(defaultVersion int64) int64 {
	for _, opset := range m.Proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return defaultVersion
}

// Graph returns the main graph.
func (m *Model) Graph() *GraphProto {
	return m.Proto.Graph
}
