package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/onnxport/util/safeconv"
)

// traceGo executes the graph with the pure Go gonnx runtime.
func traceGo(model *Model, input *TraceInput) ([]TensorTrace, error) {
	goModel, err := gonnx.NewModel(model.Proto)
	if err != nil {
		return nil, err
	}

	inputs := gonnx.Tensors{}
	for _, in := range input.All() {
		t, tensorErr := newGoTensor(in)
		if tensorErr != nil {
			return nil, tensorErr
		}
		inputs[in.Name] = t
	}

	results, err := goModel.Run(inputs)
	if err != nil {
		return nil, err
	}

	outputs := make([]TensorTrace, 0, len(model.OutputsMeta))
	for _, meta := range model.OutputsMeta {
		t, ok := results[meta.Name]
		if !ok {
			return nil, fmt.Errorf("output %s was not computed", meta.Name)
		}
		outputs = append(outputs, TensorTrace{Name: meta.Name, Shape: Shape(safeconv.IntSliceToInt64Slice(t.Shape()))})
	}
	return outputs, nil
}

func newGoTensor(in TensorInput) (tensor.Tensor, error) {
	shape := safeconv.Int64SliceToIntSlice(in.Shape)
	var backing any
	switch onnx.TensorProto_DataType(in.ElemType) {
	case onnx.TensorProto_INT64:
		backing = in.Values
	case onnx.TensorProto_INT32:
		backing = safeconv.Int64SliceToInt32Slice(in.Values)
	case onnx.TensorProto_BOOL:
		values := make([]bool, len(in.Values))
		for i, v := range in.Values {
			values[i] = v != 0
		}
		backing = values
	default:
		return nil, &UnsupportedInputError{Name: in.Name, Reason: fmt.Sprintf("element type %d cannot be fed to the GO backend", in.ElemType)}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}
