package export

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// markDynamicAxes declares axis 0 and 1 of the exported input and output as named parameters.
// Trailing output axes keep their declared size, or the size observed while tracing.
func markDynamicAxes(g *onnx.GraphProto, spec Spec) error {
	g.ValueInfo = removeValueInfo(g.ValueInfo, spec.InputName)
	g.ValueInfo = removeValueInfo(g.ValueInfo, spec.OutputName)

	input := findValueInfo(g.Input, spec.InputName)
	inputShape, err := tensorShape(input)
	if err != nil {
		return err
	}
	if len(inputShape.Dim) != 0 && len(inputShape.Dim) != 2 {
		return fmt.Errorf("input %s has rank %d, expected 2", spec.InputName, len(inputShape.Dim))
	}
	inputShape.Dim = []*onnx.TensorShapeProto_Dimension{
		dimParam(spec.BatchAxis),
		dimParam(spec.SequenceAxis),
	}

	output := findValueInfo(g.Output, spec.OutputName)
	outputShape, err := tensorShape(output)
	if err != nil {
		return err
	}
	rank := len(spec.OutputShape)
	if rank == 0 {
		rank = len(outputShape.Dim)
	}
	if rank < 2 {
		return fmt.Errorf("output %s has rank %d, expected at least 2", spec.OutputName, rank)
	}
	dims := make([]*onnx.TensorShapeProto_Dimension, rank)
	dims[0] = dimParam(spec.BatchAxis)
	dims[1] = dimParam(spec.SequenceAxis)
	for axis := 2; axis < rank; axis++ {
		switch {
		case axis < len(outputShape.Dim) && declared(outputShape.Dim[axis]):
			dims[axis] = outputShape.Dim[axis]
		case axis < len(spec.OutputShape) && spec.OutputShape[axis] >= 0:
			dims[axis] = dimValue(spec.OutputShape[axis])
		default:
			dims[axis] = &onnx.TensorShapeProto_Dimension{}
		}
	}
	outputShape.Dim = dims
	return nil
}

// tensorShape returns the shape message of a tensor value, creating it when absent.
func tensorShape(info *onnx.ValueInfoProto) (*onnx.TensorShapeProto, error) {
	tensorType := info.GetType().GetTensorType()
	if tensorType == nil {
		return nil, fmt.Errorf("value %s is not declared as a tensor", info.GetName())
	}
	if tensorType.Shape == nil {
		tensorType.Shape = &onnx.TensorShapeProto{}
	}
	return tensorType.Shape, nil
}

func declared(d *onnx.TensorShapeProto_Dimension) bool {
	switch v := d.GetValue().(type) {
	case *onnx.TensorShapeProto_Dimension_DimValue:
		return v.DimValue >= 0
	case *onnx.TensorShapeProto_Dimension_DimParam:
		return v.DimParam != ""
	default:
		return false
	}
}

func dimParam(name string) *onnx.TensorShapeProto_Dimension {
	return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: name}}
}

func dimValue(size int64) *onnx.TensorShapeProto_Dimension {
	return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: size}}
}

// Dims renders a declared shape, using -1 for dynamic or unknown axes.
func Dims(info *onnx.ValueInfoProto) ([]int64, []string) {
	shapeDims := info.GetType().GetTensorType().GetShape().GetDim()
	sizes := make([]int64, len(shapeDims))
	params := make([]string, len(shapeDims))
	for i, d := range shapeDims {
		sizes[i] = -1
		switch v := d.GetValue().(type) {
		case *onnx.TensorShapeProto_Dimension_DimValue:
			sizes[i] = v.DimValue
		case *onnx.TensorShapeProto_Dimension_DimParam:
			params[i] = v.DimParam
		}
	}
	return sizes, params
}
