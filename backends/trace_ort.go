//go:build ORT || ALL

package backends

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/advancedclimatesystems/gonnx/onnx"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/onnxport/export"
	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/util/fileutil"
	"github.com/knights-analytics/onnxport/util/safeconv"
)

// traceORT executes the graph with onnxruntime.
func traceORT(model *Model, input *TraceInput, opts *options.Options) (outputs []TensorTrace, err error) {
	destroyEnv, err := initialiseORT(opts.ORTOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, destroyEnv())
	}()

	sessionOptions, err := newSessionOptions(opts.ORTOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, sessionOptions.Destroy())
	}()

	inputs := input.All()
	inputNames := make([]string, len(inputs))
	for i, in := range inputs {
		inputNames[i] = in.Name
	}
	outputNames := make([]string, len(model.OutputsMeta))
	for i, meta := range model.OutputsMeta {
		outputNames[i] = meta.Name
	}

	var session *ort.DynamicAdvancedSession
	if len(export.ExternalDataLocations(model.Proto)) == 0 {
		session, err = ort.NewDynamicAdvancedSessionWithONNXData(model.OnnxBytes, inputNames, outputNames, sessionOptions)
	} else {
		session, err = newFileSession(model, inputNames, outputNames, sessionOptions)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, session.Destroy())
	}()

	inputValues := make([]ort.Value, len(inputs))
	defer func() {
		for _, v := range inputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	for i, in := range inputs {
		if inputValues[i], err = newORTTensor(in); err != nil {
			return nil, err
		}
	}

	// nil outputs are allocated by onnxruntime
	outputValues := make([]ort.Value, len(outputNames))
	defer func() {
		for _, v := range outputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	if err = session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}

	outputs = make([]TensorTrace, len(outputNames))
	for i, v := range outputValues {
		outputs[i] = TensorTrace{Name: outputNames[i], Shape: Shape(v.GetShape())}
	}
	return outputs, nil
}

// newFileSession loads the graph from disk so onnxruntime resolves external data against the graph's folder.
func newFileSession(model *Model, inputNames, outputNames []string, sessionOptions *ort.SessionOptions) (*ort.DynamicAdvancedSession, error) {
	if fileutil.GetPathType(model.OnnxPath) != "os" {
		return nil, fmt.Errorf("models with external data must be on the local file system, got %s", model.OnnxPath)
	}
	onnxPath, err := filepath.Abs(model.OnnxPath)
	if err != nil {
		return nil, err
	}
	return ort.NewDynamicAdvancedSession(onnxPath, inputNames, outputNames, sessionOptions)
}

func newORTTensor(in TensorInput) (ort.Value, error) {
	shape := ort.NewShape(in.Shape...)
	switch onnx.TensorProto_DataType(in.ElemType) {
	case onnx.TensorProto_INT64:
		return ort.NewTensor(shape, in.Values)
	case onnx.TensorProto_INT32:
		return ort.NewTensor(shape, safeconv.Int64SliceToInt32Slice(in.Values))
	default:
		return nil, &UnsupportedInputError{Name: in.Name, Reason: fmt.Sprintf("element type %d cannot be fed to the ORT backend", in.ElemType)}
	}
}

// initialiseORT starts the onnxruntime environment unless it is already running.
// The returned function tears down only an environment started here.
func initialiseORT(o *options.OrtOptions) (func() error, error) {
	noop := func() error { return nil }
	if ort.IsInitialized() {
		return noop, nil
	}
	if o.LibraryPath != nil {
		exists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}
	var err error
	if o.Telemetry != nil && *o.Telemetry {
		err = ort.EnableTelemetry()
	} else {
		err = ort.DisableTelemetry()
	}
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}
	return ort.DestroyEnvironment, nil
}

func newSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if o.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	return sessionOptions, nil
}
