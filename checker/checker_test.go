package checker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/onnxport/testcases"
)

func validModel() *onnx.ModelProto {
	return testcases.CausalLM(testcases.DefaultCausalLM())
}

// issues runs Check and returns the messages of every reported issue.
func issues(t *testing.T, model *onnx.ModelProto) []string {
	t.Helper()
	err := Check(model)
	if err == nil {
		return nil
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected a *ValidationError, got %T", err)
	}
	messages := make([]string, len(validationErr.Issues))
	for i, issue := range validationErr.Issues {
		messages[i] = issue.String()
	}
	return messages
}

func assertIssue(t *testing.T, model *onnx.ModelProto, substring string) {
	t.Helper()
	found := issues(t, model)
	for _, message := range found {
		if strings.Contains(message, substring) {
			return
		}
	}
	t.Errorf("expected an issue containing %q, got %v", substring, found)
}

func TestCheckValidModel(t *testing.T) {
	assert.Empty(t, issues(t, validModel()))

	o := testcases.DefaultCausalLM()
	o.PositionIDs = true
	o.TokenTypeIDs = true
	assert.Empty(t, issues(t, testcases.CausalLM(o)))
}

func TestCheckModelFields(t *testing.T) {
	assert.Error(t, Check(nil))

	m := validModel()
	m.IrVersion = 0
	assertIssue(t, m, "ir_version must be set")

	m = validModel()
	m.OpsetImport = nil
	assertIssue(t, m, "at least one operator set must be imported")

	m = validModel()
	m.OpsetImport = append(m.OpsetImport, &onnx.OperatorSetIdProto{Domain: "ai.onnx", Version: 13})
	assertIssue(t, m, "imported more than once")

	m = validModel()
	m.OpsetImport[0].Version = 0
	assertIssue(t, m, "invalid version 0")

	m = validModel()
	m.Graph = nil
	assertIssue(t, m, "graph is missing")
}

func TestCheckNames(t *testing.T) {
	m := validModel()
	m.Graph.Name = ""
	assertIssue(t, m, "graph name is empty")

	m = validModel()
	m.Graph.Input = append(m.Graph.Input, testcases.ValueInfo("input_ids", onnx.TensorProto_INT64, 1, 10))
	assertIssue(t, m, "declared more than once")

	m = validModel()
	m.Graph.Initializer = append(m.Graph.Initializer, proto.Clone(m.Graph.Initializer[0]).(*onnx.TensorProto))
	assertIssue(t, m, "initializer wte is declared more than once")

	m = validModel()
	m.Graph.Node[0].Output[0] = "attention_mask"
	assertIssue(t, m, "output attention_mask is already defined")
}

func TestCheckTopologicalOrder(t *testing.T) {
	m := validModel()
	nodes := m.Graph.Node
	nodes[0], nodes[len(nodes)-1] = nodes[len(nodes)-1], nodes[0]
	assertIssue(t, m, "is not defined by a graph input, initializer or preceding node")
}

func TestCheckNodes(t *testing.T) {
	m := validModel()
	m.Graph.Node[0].OpType = ""
	assertIssue(t, m, "op_type is empty")

	m = validModel()
	m.Graph.Node[0].Domain = "com.microsoft"
	assertIssue(t, m, `operator domain "com.microsoft" is not imported`)

	m = validModel()
	m.Graph.Node[0].Attribute = []*onnx.AttributeProto{
		{Name: "axis", Type: onnx.AttributeProto_INT, I: 0},
		{Name: "axis", Type: onnx.AttributeProto_INT, I: 1},
	}
	assertIssue(t, m, "attribute axis is set more than once")
}

func TestCheckOutputs(t *testing.T) {
	m := validModel()
	m.Graph.Output = append(m.Graph.Output, testcases.ValueInfo("present.0", onnx.TensorProto_FLOAT, 1))
	assertIssue(t, m, "graph output present.0 is not produced")
}

func TestCheckTypesAndDims(t *testing.T) {
	m := validModel()
	m.Graph.Output[0].Type.GetTensorType().ElemType = 0
	assertIssue(t, m, "invalid element type 0")

	m = validModel()
	m.Graph.Input[0].Type.GetTensorType().Shape.Dim[1] = &onnx.TensorShapeProto_Dimension{
		Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: -3},
	}
	assertIssue(t, m, "negative size -3 on axis 1")

	m = validModel()
	m.Graph.Input[0].Type.GetTensorType().Shape.Dim[0] = &onnx.TensorShapeProto_Dimension{
		Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: ""},
	}
	assertIssue(t, m, "value input_ids has an empty dim_param on axis 0")

	m = validModel()
	m.Graph.Input[0].Type = nil
	assertIssue(t, m, "value input_ids has no type")
}

func TestCheckTensors(t *testing.T) {
	m := validModel()
	m.Graph.Initializer[0].FloatData = m.Graph.Initializer[0].FloatData[:3]
	assertIssue(t, m, "holds 3 values")

	m = validModel()
	m.Graph.Initializer[0].FloatData = nil
	m.Graph.Initializer[0].RawData = make([]byte, 7)
	assertIssue(t, m, "7 bytes of raw_data")

	m = validModel()
	m.Graph.Initializer[0].DataType = 99
	assertIssue(t, m, "invalid data type 99")

	m = validModel()
	m.Graph.Initializer[0].DataLocation = onnx.TensorProto_EXTERNAL
	assertIssue(t, m, "stored externally without a location")
}

func TestCheckInitializersBelowIRVersion4(t *testing.T) {
	m := validModel()
	m.IrVersion = 3
	assertIssue(t, m, "must also be a graph input below ir_version 4")
}

func TestCheckReportsEveryIssue(t *testing.T) {
	m := validModel()
	m.IrVersion = 0
	m.Graph.Name = ""
	m.Graph.Node[0].OpType = ""
	assert.GreaterOrEqual(t, len(issues(t, m)), 3)
	assert.ErrorContains(t, Check(m), "issue(s)")
}

func exportedModel() *onnx.ModelProto {
	o := testcases.DefaultCausalLM()
	o.AttentionMask = false
	o.BatchSize = 0
	o.SequenceLength = 0
	m := testcases.CausalLM(o)
	m.Graph.Output = m.Graph.Output[:1]
	dynamic := func(info *onnx.ValueInfoProto) {
		dims := info.Type.GetTensorType().Shape.Dim
		dims[0].Value = &onnx.TensorShapeProto_Dimension_DimParam{DimParam: "batch_size"}
		dims[1].Value = &onnx.TensorShapeProto_Dimension_DimParam{DimParam: "sequence"}
	}
	dynamic(m.Graph.Input[0])
	dynamic(m.Graph.Output[0])
	return m
}

var testContract = Contract{InputName: "input_ids", OutputName: "logits", BatchAxis: "batch_size", SequenceAxis: "sequence"}

func TestCheckContract(t *testing.T) {
	checkT(t, CheckContract(exportedModel(), testContract))

	m := exportedModel()
	m.Graph.Input[0].Type.GetTensorType().Shape.Dim[0].Value = &onnx.TensorShapeProto_Dimension_DimValue{DimValue: 1}
	assert.ErrorContains(t, CheckContract(m, testContract), "axis 0 must be the dynamic axis batch_size, found fixed size 1")

	m = exportedModel()
	m.Graph.Output[0].Type.GetTensorType().Shape.Dim[1].Value = &onnx.TensorShapeProto_Dimension_DimParam{DimParam: "seq"}
	assert.ErrorContains(t, CheckContract(m, testContract), `found parameter "seq"`)

	m = exportedModel()
	m.Graph.Input = append(m.Graph.Input, testcases.ValueInfo("attention_mask", onnx.TensorProto_INT64, 1, 10))
	assert.ErrorContains(t, CheckContract(m, testContract), "expected the single input input_ids")

	m = exportedModel()
	m.Graph.Input[0].Type.GetTensorType().ElemType = int32(onnx.TensorProto_INT32)
	assert.ErrorContains(t, CheckContract(m, testContract), "must be int64")

	m = exportedModel()
	m.Graph.Output[0].Name = "lm_logits"
	assert.ErrorContains(t, CheckContract(m, testContract), "output logits is missing")
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, err := VerifyFile(ctx, filepath.Join(dir, "missing.onnx"), testContract)
	assert.ErrorContains(t, err, "does not exist")

	empty := filepath.Join(dir, "empty.onnx")
	checkT(t, os.WriteFile(empty, nil, 0o600))
	_, err = VerifyFile(ctx, empty, testContract)
	assert.ErrorContains(t, err, "is empty")

	garbage := filepath.Join(dir, "garbage.onnx")
	checkT(t, os.WriteFile(garbage, []byte("not a protobuf"), 0o600))
	_, err = VerifyFile(ctx, garbage, testContract)
	assert.Error(t, err)

	valid := filepath.Join(dir, "valid.onnx")
	data, err := proto.Marshal(exportedModel())
	checkT(t, err)
	checkT(t, os.WriteFile(valid, data, 0o600))
	model, err := VerifyFile(ctx, valid, testContract)
	checkT(t, err)
	assert.Equal(t, "causal_lm", model.GetGraph().GetName())

	withExternal := exportedModel()
	withExternal.Graph.Initializer[0] = &onnx.TensorProto{
		Name:         "wte",
		Dims:         []int64{testcases.VocabSize, testcases.VocabSize},
		DataType:     int32(onnx.TensorProto_FLOAT),
		DataLocation: onnx.TensorProto_EXTERNAL,
		ExternalData: []*onnx.StringStringEntryProto{{Key: "location", Value: "weights.bin"}},
	}
	data, err = proto.Marshal(withExternal)
	checkT(t, err)
	external := filepath.Join(dir, "external.onnx")
	checkT(t, os.WriteFile(external, data, 0o600))
	_, err = VerifyFile(ctx, external, testContract)
	assert.ErrorContains(t, err, "external data file weights.bin is missing")

	checkT(t, os.WriteFile(filepath.Join(dir, "weights.bin"), make([]byte, 4*testcases.VocabSize*testcases.VocabSize), 0o600))
	_, err = VerifyFile(ctx, external, testContract)
	checkT(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = VerifyFile(cancelled, valid, testContract)
	assert.ErrorIs(t, err, context.Canceled)
}

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}
