package onnxport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxport/checker"
	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/testcases"
)

var dialogContract = checker.Contract{
	InputName:    options.DefaultInputName,
	OutputName:   options.DefaultOutputName,
	BatchAxis:    options.DefaultBatchAxis,
	SequenceAxis: options.DefaultSequenceAxis,
}

func writeTestModel(t *testing.T) string {
	t.Helper()
	o := testcases.DefaultCausalLM()
	o.PositionIDs = true
	o.BatchSize = 0
	o.SequenceLength = 0
	dir := filepath.Join(t.TempDir(), "causal-lm")
	checkT(t, os.MkdirAll(dir, 0o755))
	checkT(t, testcases.WriteModelFolder(dir, testcases.CausalLM(o)))
	return dir
}

func newTestConverter(t *testing.T, modelDir, outputPath string, opts ...options.WithOption) (*Converter, *bytes.Buffer) {
	t.Helper()
	opts = append([]options.WithOption{
		options.WithModelName(modelDir),
		options.WithModelsDir(t.TempDir()),
		options.WithOutputPath(outputPath),
		options.WithSeed(42),
	}, opts...)
	converter, err := NewConverter(opts...)
	checkT(t, err)
	out := &bytes.Buffer{}
	converter.Out = out
	t.Cleanup(func() {
		checkT(t, converter.Destroy())
	})
	return converter, out
}

func TestConvert(t *testing.T) {
	modelDir := writeTestModel(t)
	outputPath := filepath.Join(t.TempDir(), "dialogpt.onnx")
	converter, out := newTestConverter(t, modelDir, outputPath)
	assert.Equal(t, StatePending, converter.State())

	path, err := converter.Convert(context.Background())
	checkT(t, err)
	assert.Equal(t, outputPath, path)
	assert.Equal(t, StateVerified, converter.State())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Exported " + modelDir + " to " + outputPath,
		"Verified " + outputPath + ": ONNX structure is valid",
	}, lines)

	model, err := checker.VerifyFile(context.Background(), outputPath, dialogContract)
	checkT(t, err)
	assert.Len(t, model.GetGraph().GetInput(), 1)
	assert.Len(t, model.GetGraph().GetOutput(), 1)

	metadata := map[string]string{}
	for _, entry := range model.GetMetadataProps() {
		metadata[entry.GetKey()] = entry.GetValue()
	}
	assert.Equal(t, modelDir, metadata["source_model"])
	assert.Equal(t, "42", metadata["trace_seed"])
	assert.Equal(t, "16", metadata["vocab_size"])
	assert.Equal(t, "[1 10]", metadata["trace_shape"])
	assert.Equal(t, "gpt2", metadata["model_type"])
	assert.Equal(t, "15", metadata["eos_token_id"])
	assert.NotContains(t, metadata, "pad_token_id")

	trace := converter.Trace()
	assert.Equal(t, "logits", trace.PrimaryOutput.Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(converter.Metrics.StepsTotal.WithLabelValues("verify", "success")))
	assert.Positive(t, testutil.ToFloat64(converter.Metrics.ArtifactBytes))

	_, err = converter.Convert(context.Background())
	assert.ErrorContains(t, err, "already verified")
}

func TestConvertOverwritesAndIsReproducible(t *testing.T) {
	modelDir := writeTestModel(t)
	outputPath := filepath.Join(t.TempDir(), "dialogpt.onnx")
	checkT(t, os.WriteFile(outputPath, []byte("stale content"), 0o600))

	first, _ := newTestConverter(t, modelDir, outputPath)
	_, err := first.Convert(context.Background())
	checkT(t, err)
	firstBytes, err := os.ReadFile(outputPath)
	checkT(t, err)

	second, _ := newTestConverter(t, modelDir, outputPath, options.WithInputShape(2, 5))
	_, err = second.Convert(context.Background())
	checkT(t, err)
	secondBytes, err := os.ReadFile(outputPath)
	checkT(t, err)

	assert.NotEqual(t, []byte("stale content"), firstBytes)
	// only the recorded trace shape differs between the two files
	assert.NotEqual(t, firstBytes, secondBytes)
	_, err = checker.VerifyFile(context.Background(), outputPath, dialogContract)
	checkT(t, err)
}

func TestConvertRecordsSpecialTokens(t *testing.T) {
	modelDir := writeTestModel(t)
	config := `{"model_type": "gpt2", "vocab_size": 16, "n_positions": 32, "eos_token_id": [14, 15], "pad_token_id": 0}`
	checkT(t, os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(config), 0o600))
	outputPath := filepath.Join(t.TempDir(), "dialogpt.onnx")
	converter, _ := newTestConverter(t, modelDir, outputPath)

	_, err := converter.Convert(context.Background())
	checkT(t, err)
	model, err := checker.VerifyFile(context.Background(), outputPath, dialogContract)
	checkT(t, err)
	metadata := map[string]string{}
	for _, entry := range model.GetMetadataProps() {
		metadata[entry.GetKey()] = entry.GetValue()
	}
	assert.Equal(t, "14,15", metadata["eos_token_id"])
	assert.Equal(t, "0", metadata["pad_token_id"])
}

func TestConvertInt32Tokens(t *testing.T) {
	o := testcases.DefaultCausalLM()
	o.TokenElemType = onnx.TensorProto_INT32
	o.BatchSize = 0
	o.SequenceLength = 0
	modelDir := filepath.Join(t.TempDir(), "int32-lm")
	checkT(t, os.MkdirAll(modelDir, 0o755))
	checkT(t, testcases.WriteModelFolder(modelDir, testcases.CausalLM(o)))
	outputPath := filepath.Join(t.TempDir(), "dialogpt.onnx")
	converter, _ := newTestConverter(t, modelDir, outputPath)

	_, err := converter.Convert(context.Background())
	checkT(t, err)
	assert.Equal(t, StateVerified, converter.State())
	model, err := checker.VerifyFile(context.Background(), outputPath, dialogContract)
	checkT(t, err)
	assert.Equal(t, int32(onnx.TensorProto_INT64), model.GetGraph().GetInput()[0].GetType().GetTensorType().GetElemType())
}

func TestConvertFailsWithoutVerifying(t *testing.T) {
	modelDir := writeTestModel(t)
	outputPath := filepath.Join(t.TempDir(), "dialogpt.onnx")

	converter, out := newTestConverter(t, modelDir, outputPath, options.WithInputShape(1, testcases.MaxPositions+1))
	_, err := converter.Convert(context.Background())
	assert.ErrorContains(t, err, "synthesize:")
	assert.Equal(t, StatePending, converter.State())
	assert.Empty(t, out.String())

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(converter.Metrics.StepsTotal.WithLabelValues("synthesize", "failure")))
}

func TestConvertHonoursCancellation(t *testing.T) {
	modelDir := writeTestModel(t)
	converter, _ := newTestConverter(t, modelDir, filepath.Join(t.TempDir(), "dialogpt.onnx"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := converter.Convert(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewConverterRejectsInvalidOptions(t *testing.T) {
	_, err := NewConverter(options.WithTensorNames("logits", "logits"))
	assert.Error(t, err)

	_, err = NewConverter(options.WithBackend("CUDA"))
	assert.Error(t, err)

	converter, err := NewConverter(options.WithAuthToken("hf_token"), options.WithOnnxFilePath("onnx/decoder_model.onnx"))
	checkT(t, err)
	assert.Equal(t, "hf_token", converter.Download.AuthToken)
	assert.Equal(t, "onnx/decoder_model.onnx", converter.Download.OnnxFilePath)
	assert.Equal(t, options.DefaultOutputPath, converter.Options().OutputPath)
}

func TestResolveModel(t *testing.T) {
	ctx := context.Background()
	modelsDir := t.TempDir()

	_, err := ResolveModel(ctx, "", modelsDir, NewDownloadOptions())
	assert.Error(t, err)
	_, err = ResolveModel(ctx, "microsoft/DialoGPT-medium:onnx/model.onnx", modelsDir, NewDownloadOptions())
	assert.ErrorContains(t, err, "registry filters are not supported")

	local := writeTestModel(t)
	resolved, err := ResolveModel(ctx, local, modelsDir, NewDownloadOptions())
	checkT(t, err)
	assert.Equal(t, local, resolved)

	cached := LocalModelPath(modelsDir, "microsoft/DialoGPT-medium")
	assert.Equal(t, filepath.Join(modelsDir, "microsoft_DialoGPT-medium"), cached)
	checkT(t, os.MkdirAll(cached, 0o755))
	resolved, err = ResolveModel(ctx, "microsoft/DialoGPT-medium", modelsDir, NewDownloadOptions())
	checkT(t, err)
	assert.Equal(t, cached, resolved)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "exported", StateExported.String())
	assert.Equal(t, "verified", StateVerified.String())
}

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}
