package checker

import (
	"context"
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

// Contract is the interface an exported artifact promises to its consumers.
type Contract struct {
	InputName    string
	OutputName   string
	BatchAxis    string
	SequenceAxis string
}

// CheckContract verifies the named tensors and dynamic axes of an exported model.
func CheckContract(model *onnx.ModelProto, contract Contract) error {
	r := &report{}
	g := model.GetGraph()
	if g == nil {
		r.add("model", "graph is missing")
		return r.err()
	}

	initializers := map[string]bool{}
	for _, t := range g.GetInitializer() {
		initializers[t.GetName()] = true
	}
	var inputs []*onnx.ValueInfoProto
	for _, info := range g.GetInput() {
		if !initializers[info.GetName()] {
			inputs = append(inputs, info)
		}
	}
	if len(inputs) != 1 || inputs[0].GetName() != contract.InputName {
		names := make([]string, len(inputs))
		for i, info := range inputs {
			names[i] = info.GetName()
		}
		r.add("graph.input", "expected the single input %s, found %v", contract.InputName, names)
	} else {
		if elemType := inputs[0].GetType().GetTensorType().GetElemType(); elemType != int32(onnx.TensorProto_INT64) {
			r.add("graph.input", "input %s must be int64, declared element type %d", contract.InputName, elemType)
		}
		checkDynamicAxes(r, "graph.input", inputs[0], contract, 2)
	}

	var output *onnx.ValueInfoProto
	for _, info := range g.GetOutput() {
		if info.GetName() == contract.OutputName {
			output = info
		}
	}
	if output == nil {
		r.add("graph.output", "output %s is missing", contract.OutputName)
	} else {
		checkDynamicAxes(r, "graph.output", output, contract, 0)
	}
	return r.err()
}

// checkDynamicAxes requires axis 0 and 1 to be the named batch and sequence parameters.
// A non-zero rank also pins the exact rank.
func checkDynamicAxes(r *report, path string, info *onnx.ValueInfoProto, contract Contract, rank int) {
	dims := info.GetType().GetTensorType().GetShape().GetDim()
	if rank > 0 && len(dims) != rank {
		r.add(path, "%s has rank %d, expected %d", info.GetName(), len(dims), rank)
		return
	}
	if len(dims) < 2 {
		r.add(path, "%s has rank %d, expected at least 2", info.GetName(), len(dims))
		return
	}
	for axis, want := range []string{contract.BatchAxis, contract.SequenceAxis} {
		if got := dims[axis].GetDimParam(); got != want {
			r.add(path, "%s axis %d must be the dynamic axis %s, found %s", info.GetName(), axis, want, describeDim(dims[axis]))
		}
	}
}

func describeDim(d *onnx.TensorShapeProto_Dimension) string {
	switch v := d.GetValue().(type) {
	case *onnx.TensorShapeProto_Dimension_DimValue:
		return fmt.Sprintf("fixed size %d", v.DimValue)
	case *onnx.TensorShapeProto_Dimension_DimParam:
		return fmt.Sprintf("parameter %q", v.DimParam)
	default:
		return "an unknown size"
	}
}

// Load reads and decodes an ONNX file. Empty files are rejected.
func Load(path string) (*onnx.ModelProto, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s does not exist", path)
	}
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	model := &onnx.ModelProto{}
	if err = proto.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX protobuf from %s: %w", path, err)
	}
	return model, nil
}

// VerifyFile reloads the artifact at path and runs both the structural and the contract checks.
func VerifyFile(ctx context.Context, path string, contract Contract) (*onnx.ModelProto, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model, err := Load(path)
	if err != nil {
		return nil, err
	}
	errs := []error{Check(model), CheckContract(model, contract)}
	errs = append(errs, checkExternalData(model, fileutil.Dir(path)))
	return model, errors.Join(errs...)
}

func checkExternalData(model *onnx.ModelProto, dir string) error {
	r := &report{}
	checked := map[string]bool{}
	for i, t := range model.GetGraph().GetInitializer() {
		if t.GetDataLocation() != onnx.TensorProto_EXTERNAL {
			continue
		}
		for _, entry := range t.GetExternalData() {
			if entry.GetKey() != "location" || checked[entry.GetValue()] {
				continue
			}
			checked[entry.GetValue()] = true
			exists, err := fileutil.FileExists(fileutil.PathJoinSafe(dir, entry.GetValue()))
			if err != nil || !exists {
				r.add(fmt.Sprintf("graph.initializer[%d]", i), "external data file %s is missing", entry.GetValue())
			}
		}
	}
	return r.err()
}
