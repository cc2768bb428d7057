package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/onnxport/export"
	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/util/fileutil"
)

// Model is the loaded handle of a pretrained model: its graph, config and tokenizer.
type Model struct {
	ID           string
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	Proto        *onnx.ModelProto
	Config       *ModelConfig
	Tokenizer    *Tokenizer
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	Destroy      func() error
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The ONNX element type, a TensorProto_DataType value
	ElemType int32
	// The input or output's dimensions, -1 where the size is dynamic or unknown
	Dimensions Shape
	// Symbolic names of dynamic dimensions, empty where the size is fixed
	DimParams []string
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// LoadModel loads the model folder at path. path may also point straight at an .onnx file.
func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
	}
	if strings.HasSuffix(path, ".onnx") {
		model.Path = filepath.Dir(path)
		model.OnnxPath = path
	} else if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}

	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model.OnnxBytes = onnxBytes
	model.Proto = &onnx.ModelProto{}
	if err = proto.Unmarshal(onnxBytes, model.Proto); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX protobuf: %w", err)
	}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMeta(model.Proto)

	if err = loadModelConfig(model); err != nil {
		return nil, fmt.Errorf("failed to load config.json: %w", err)
	}
	if err = LoadTokenizer(model, options); err != nil {
		return nil, err
	}

	model.Destroy = func() error {
		var destroyErr error
		if model.Tokenizer != nil {
			destroyErr = model.Tokenizer.Destroy()
		}
		model.OnnxBytes = nil
		model.Proto = nil
		return destroyErr
	}
	return model, nil
}

func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == filepath.Base(model.OnnxFilename) {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	return nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadInputOutputMeta lists the graph inputs that must be fed at run time and the graph outputs.
// Inputs backed by an initializer only carry a default value and are skipped.
func loadInputOutputMeta(model *onnx.ModelProto) ([]InputOutputInfo, []InputOutputInfo) {
	initializers := map[string]bool{}
	for _, t := range model.GetGraph().GetInitializer() {
		initializers[t.GetName()] = true
	}
	var inputs, outputs []InputOutputInfo
	for _, info := range model.GetGraph().GetInput() {
		if initializers[info.GetName()] {
			continue
		}
		inputs = append(inputs, newInputOutputInfo(info))
	}
	for _, info := range model.GetGraph().GetOutput() {
		outputs = append(outputs, newInputOutputInfo(info))
	}
	return inputs, outputs
}

func newInputOutputInfo(info *onnx.ValueInfoProto) InputOutputInfo {
	sizes, params := export.Dims(info)
	return InputOutputInfo{
		Name:       info.GetName(),
		ElemType:   export.ElemType(info),
		Dimensions: sizes,
		DimParams:  params,
	}
}

// VocabBound returns the exclusive upper bound for synthetic token ids. When both the tokenizer and the
// config know a vocabulary size the smaller wins, since added tokens may lie outside the embedding table.
func VocabBound(model *Model) (int, error) {
	bound := 0
	if model.Tokenizer != nil && model.Tokenizer.VocabSize > 0 {
		bound = model.Tokenizer.VocabSize
	}
	if model.Config != nil && model.Config.VocabSize > 0 && (bound == 0 || model.Config.VocabSize < bound) {
		bound = model.Config.VocabSize
	}
	if bound == 0 {
		return 0, errors.New("vocabulary size is unknown: neither tokenizer.json nor config.json provides it")
	}
	return bound, nil
}
