package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/onnxport"
	"github.com/knights-analytics/onnxport/backends"
	"github.com/knights-analytics/onnxport/checker"
	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/util/fileutil"
)

var modelName string
var onnxFilePath string
var modelsDir string
var outputPath string
var backend string
var sharedLibraryPath string
var batchSize int
var sequenceLength int
var seed uint64
var inputName string
var outputName string
var batchAxis string
var sequenceAxis string
var hfToken string
var metricsFile string
var logLevel string

func exportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Registry name of the model, or path to a local model folder or .onnx file",
			Aliases:     []string{"m"},
			Destination: &modelName,
			Value:       options.DefaultModelName,
		},
		&cli.StringFlag{
			Name:        "onnxFilePath",
			Usage:       "Path of the .onnx file inside the model repository, required when it holds several",
			Destination: &onnxFilePath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/onnxport/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path of the exported .onnx file, local or s3://",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       options.DefaultOutputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Backend used to trace the model: GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Folder containing the onnxruntime shared library (ORT backend only)",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Batch size of the synthetic trace input",
			Destination: &batchSize,
			Value:       options.DefaultBatchSize,
		},
		&cli.IntFlag{
			Name:        "sequenceLength",
			Usage:       "Sequence length of the synthetic trace input",
			Destination: &sequenceLength,
			Value:       options.DefaultSequenceLength,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "Seed of the synthetic token ids, 0 draws a random seed",
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "hfToken",
			Usage:       "HuggingFace access token for gated or private models",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &hfToken,
		},
		&cli.StringFlag{
			Name:        "metricsFile",
			Usage:       "Write conversion metrics in the Prometheus text format to this file",
			Destination: &metricsFile,
		},
	}
}

func contractFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "inputName",
			Usage:       "Name of the exported input",
			Destination: &inputName,
			Value:       options.DefaultInputName,
		},
		&cli.StringFlag{
			Name:        "outputName",
			Usage:       "Name of the exported output",
			Destination: &outputName,
			Value:       options.DefaultOutputName,
		},
		&cli.StringFlag{
			Name:        "batchAxis",
			Usage:       "Name of the dynamic batch axis",
			Destination: &batchAxis,
			Value:       options.DefaultBatchAxis,
		},
		&cli.StringFlag{
			Name:        "sequenceAxis",
			Usage:       "Name of the dynamic sequence axis",
			Destination: &sequenceAxis,
			Value:       options.DefaultSequenceAxis,
		},
	}
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Export a HuggingFace model to an ONNX file with dynamic batch and sequence axes",
	Description: `Export resolves the model, traces it once on a synthetic (batch, sequence) input of random token ids,
				writes the rewritten graph to --output and checks the written file.
				The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model
				with this name in --modelFolder. Finally, try to download the model from Huggingface and use it.
				`,
	Flags:  append(exportFlags(), contractFlags()...),
	Action: runExport,
}

var checkCommand = &cli.Command{
	Name:      "check",
	Usage:     "Check the structure and interface of an exported ONNX file",
	ArgsUsage: "<file.onnx>",
	Flags:     contractFlags(),
	Action: func(ctx *cli.Context) error {
		path, err := fileArg(ctx)
		if err != nil {
			return err
		}
		if _, err = checker.VerifyFile(ctx.Context, path, currentContract()); err != nil {
			return err
		}
		_, err = fmt.Fprintf(ctx.App.Writer, "Verified %s: ONNX structure is valid\n", path)
		return err
	},
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Print the versions, inputs and outputs of an ONNX file",
	ArgsUsage: "<file.onnx>",
	Action: func(ctx *cli.Context) error {
		path, err := fileArg(ctx)
		if err != nil {
			return err
		}
		model, err := backends.LoadModel(path, "", options.Defaults())
		if err != nil {
			return err
		}
		return inspectModel(ctx, model)
	},
}

// inspectModel describes the model and releases it, reporting a failed release.
func inspectModel(ctx *cli.Context, model *backends.Model) (err error) {
	defer func() {
		err = errors.Join(err, model.Destroy())
	}()
	return describe(ctx, model)
}

func runExport(ctx *cli.Context) error {
	if modelsDir == "" {
		userDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		modelsDir = fileutil.PathJoinSafe(userDir, "onnxport", "models")
	}

	opts := []options.WithOption{
		options.WithModelName(modelName),
		options.WithModelsDir(modelsDir),
		options.WithOutputPath(outputPath),
		options.WithBackend(strings.ToUpper(backend)),
		options.WithInputShape(batchSize, sequenceLength),
		options.WithSeed(seed),
		options.WithTensorNames(inputName, outputName),
		options.WithDynamicAxes(batchAxis, sequenceAxis),
	}
	if onnxFilePath != "" {
		opts = append(opts, options.WithOnnxFilePath(onnxFilePath))
	}
	if hfToken != "" {
		opts = append(opts, options.WithAuthToken(hfToken))
	}
	if sharedLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}

	converter, err := onnxport.NewConverter(opts...)
	if err != nil {
		return err
	}
	converter.Out = ctx.App.Writer
	converter.Download.Verbose = isatty.IsTerminal(os.Stderr.Fd())

	_, err = converter.Convert(ctx.Context)
	if metricsFile != "" {
		err = errors.Join(err, converter.Metrics.WriteTextfile(metricsFile))
	}
	return errors.Join(err, converter.Destroy())
}

func currentContract() checker.Contract {
	return checker.Contract{
		InputName:    inputName,
		OutputName:   outputName,
		BatchAxis:    batchAxis,
		SequenceAxis: sequenceAxis,
	}
}

func fileArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("%s expects exactly one .onnx file, got %d arguments", ctx.Command.Name, ctx.NArg())
	}
	return ctx.Args().First(), nil
}

func describe(ctx *cli.Context, model *backends.Model) error {
	w := ctx.App.Writer
	m := model.Proto
	fmt.Fprintf(w, "file: %s\n", model.OnnxPath)
	fmt.Fprintf(w, "ir_version: %d\n", m.GetIrVersion())
	fmt.Fprintf(w, "producer: %s %s\n", m.GetProducerName(), m.GetProducerVersion())
	for _, opset := range m.GetOpsetImport() {
		domain := opset.GetDomain()
		if domain == "" {
			domain = "ai.onnx"
		}
		fmt.Fprintf(w, "opset: %s %d\n", domain, opset.GetVersion())
	}
	fmt.Fprintf(w, "nodes: %d, initializers: %d\n", len(m.GetGraph().GetNode()), len(m.GetGraph().GetInitializer()))
	for _, input := range model.InputsMeta {
		fmt.Fprintf(w, "input: %s %s\n", input.Name, formatDims(input))
	}
	for _, output := range model.OutputsMeta {
		fmt.Fprintf(w, "output: %s %s\n", output.Name, formatDims(output))
	}
	for _, entry := range m.GetMetadataProps() {
		fmt.Fprintf(w, "metadata: %s=%s\n", entry.GetKey(), entry.GetValue())
	}
	return nil
}

func formatDims(info backends.InputOutputInfo) string {
	dims := make([]string, len(info.Dimensions))
	for i, size := range info.Dimensions {
		switch {
		case info.DimParams[i] != "":
			dims[i] = info.DimParams[i]
		case size < 0:
			dims[i] = "?"
		default:
			dims[i] = fmt.Sprint(size)
		}
	}
	return "[" + strings.Join(dims, ", ") + "]"
}

func setupLogging(level string) {
	log.DefaultLogger.SetLevel(log.ParseLevel(level))
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	} else {
		log.DefaultLogger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "onnxport",
		Usage: "Export HuggingFace language models to ONNX from the command line",
		Flags: append(append(exportFlags(), contractFlags()...), &cli.StringFlag{
			Name:        "logLevel",
			Usage:       "Log level: trace, debug, info, warn or error",
			Destination: &logLevel,
			Value:       "info",
		}),
		Before: func(_ *cli.Context) error {
			setupLogging(logLevel)
			return nil
		},
		// with no command the app exports the default model
		Action:   runExport,
		Commands: []*cli.Command{exportCommand, checkCommand, inspectCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		panic(err)
	}
}
