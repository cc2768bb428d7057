package export

import (
	"context"
	"fmt"
	"sort"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

// Marshal serializes the model deterministically.
func Marshal(model *onnx.ModelProto) ([]byte, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ONNX model: %w", err)
	}
	return data, nil
}

// Write serializes the model to path, replacing any previous artifact there. It returns the number of bytes written.
func Write(ctx context.Context, path string, model *onnx.ModelProto) (int, error) {
	data, err := Marshal(model)
	if err != nil {
		return 0, err
	}
	if err = fileutil.WriteFileBytes(ctx, path, data); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return len(data), nil
}

// ExternalDataLocations lists the relative paths of external weight files the model refers to.
func ExternalDataLocations(model *onnx.ModelProto) []string {
	seen := map[string]bool{}
	for _, t := range model.GetGraph().GetInitializer() {
		if t.GetDataLocation() != onnx.TensorProto_EXTERNAL {
			continue
		}
		for _, entry := range t.GetExternalData() {
			if entry.GetKey() == "location" && entry.GetValue() != "" {
				seen[entry.GetValue()] = true
			}
		}
	}
	locations := make([]string, 0, len(seen))
	for location := range seen {
		locations = append(locations, location)
	}
	sort.Strings(locations)
	return locations
}
