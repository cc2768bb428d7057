package options

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

const (
	DefaultModelName      = "microsoft/DialoGPT-medium"
	DefaultOutputPath     = "dialogpt.onnx"
	DefaultInputName      = "input_ids"
	DefaultOutputName     = "logits"
	DefaultBatchAxis      = "batch_size"
	DefaultSequenceAxis   = "sequence"
	DefaultBatchSize      = 1
	DefaultSequenceLength = 10
)

type Options struct {
	ModelName      string
	OnnxFilePath   string
	ModelsDir      string
	OutputPath     string
	AuthToken      string
	Backend        string
	BatchSize      int
	SequenceLength int
	Seed           uint64
	Export         *ExportOptions
	ORTOptions     *OrtOptions
	Destroy        func() error
}

// ExportOptions control the naming contract of the exported graph.
type ExportOptions struct {
	InputName       string
	OutputName      string
	BatchAxis       string
	SequenceAxis    string
	ProducerName    string
	ProducerVersion string
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ModelName:      DefaultModelName,
		OutputPath:     DefaultOutputPath,
		Backend:        "GO",
		BatchSize:      DefaultBatchSize,
		SequenceLength: DefaultSequenceLength,
		Export: &ExportOptions{
			InputName:       DefaultInputName,
			OutputName:      DefaultOutputName,
			BatchAxis:       DefaultBatchAxis,
			SequenceAxis:    DefaultSequenceAxis,
			ProducerName:    "onnxport",
			ProducerVersion: "0.1.0",
		},
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

// Validate reports every setting that would make a conversion impossible.
func (o *Options) Validate() error {
	var errs []error
	if o.ModelName == "" {
		errs = append(errs, errors.New("a model name is required"))
	}
	if o.OutputPath == "" {
		errs = append(errs, errors.New("an output path is required"))
	}
	switch o.Backend {
	case "GO", "ORT":
	default:
		errs = append(errs, fmt.Errorf("backend %s not recognized, must be GO or ORT", o.Backend))
	}
	if o.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", o.BatchSize))
	}
	if o.SequenceLength <= 0 {
		errs = append(errs, fmt.Errorf("sequence length must be positive, got %d", o.SequenceLength))
	}
	e := o.Export
	if e.InputName == "" || e.OutputName == "" {
		errs = append(errs, errors.New("input and output names must not be empty"))
	} else if e.InputName == e.OutputName {
		errs = append(errs, fmt.Errorf("input and output share the name %s", e.InputName))
	}
	if e.BatchAxis == "" || e.SequenceAxis == "" {
		errs = append(errs, errors.New("dynamic axis names must not be empty"))
	} else if e.BatchAxis == e.SequenceAxis {
		errs = append(errs, fmt.Errorf("batch and sequence axes share the name %s", e.BatchAxis))
	}
	return errors.Join(errs...)
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithModelName sets the registry identifier (or local folder) of the model to export.
func WithModelName(name string) WithOption {
	return func(o *Options) error {
		o.ModelName = name
		return nil
	}
}

// WithOnnxFilePath selects one graph when the registry repository publishes several .onnx files.
func WithOnnxFilePath(onnxFilePath string) WithOption {
	return func(o *Options) error {
		o.OnnxFilePath = onnxFilePath
		return nil
	}
}

// WithModelsDir sets the folder where downloaded models are kept between runs.
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		o.ModelsDir = dir
		return nil
	}
}

// WithOutputPath sets where the exported graph is written. Local paths and s3:// urls are accepted.
func WithOutputPath(outputPath string) WithOption {
	return func(o *Options) error {
		o.OutputPath = outputPath
		return nil
	}
}

// WithAuthToken sets the HuggingFace token used for gated repositories.
func WithAuthToken(token string) WithOption {
	return func(o *Options) error {
		o.AuthToken = token
		return nil
	}
}

// WithBackend selects the runtime used to trace the model: "GO" or "ORT".
func WithBackend(backend string) WithOption {
	return func(o *Options) error {
		switch backend {
		case "GO", "ORT":
			o.Backend = backend
			return nil
		default:
			return fmt.Errorf("backend %s not recognized, must be GO or ORT", backend)
		}
	}
}

// WithInputShape sets the shape of the synthetic token tensor used for tracing.
func WithInputShape(batchSize, sequenceLength int) WithOption {
	return func(o *Options) error {
		if batchSize <= 0 || sequenceLength <= 0 {
			return fmt.Errorf("input shape must be positive, got %dx%d", batchSize, sequenceLength)
		}
		o.BatchSize = batchSize
		o.SequenceLength = sequenceLength
		return nil
	}
}

// WithSeed fixes the seed of the synthetic token generator.
func WithSeed(seed uint64) WithOption {
	return func(o *Options) error {
		o.Seed = seed
		return nil
	}
}

// WithTensorNames overrides the exported input and output names.
func WithTensorNames(inputName, outputName string) WithOption {
	return func(o *Options) error {
		o.Export.InputName = inputName
		o.Export.OutputName = outputName
		return nil
	}
}

// WithDynamicAxes overrides the names given to the dynamic batch and sequence axes.
func WithDynamicAxes(batchAxis, sequenceAxis string) WithOption {
	return func(o *Options) error {
		o.Export.BatchAxis = batchAxis
		o.Export.SequenceAxis = sequenceAxis
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) Use this function to set the folder containing the "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate onnxruntime graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}
