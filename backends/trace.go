package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/onnxport/options"
)

// TensorTrace records a tensor observed while running the source graph.
type TensorTrace struct {
	Name  string
	Shape Shape
}

// TraceResult is the record of one execution of the source graph.
type TraceResult struct {
	Backend       string
	Input         *TraceInput
	Outputs       []TensorTrace
	PrimaryOutput TensorTrace
	Duration      time.Duration
}

// Trace runs the source graph once on input with the configured backend and records the output shapes.
func Trace(ctx context.Context, model *Model, input *TraceInput, opts *options.Options) (*TraceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	var outputs []TensorTrace
	var err error
	switch opts.Backend {
	case "GO":
		outputs, err = traceGo(model, input)
	case "ORT":
		outputs, err = traceORT(model, input, opts)
	default:
		return nil, fmt.Errorf("backend %s not recognized", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s backend failed to run %s: %w", opts.Backend, model.OnnxPath, err)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	primary, err := PrimaryOutput(outputs, opts.Export.OutputName)
	if err != nil {
		return nil, err
	}
	if err = checkPrimaryShape(primary, input.Tokens.Shape); err != nil {
		return nil, err
	}
	return &TraceResult{
		Backend:       opts.Backend,
		Input:         input,
		Outputs:       outputs,
		PrimaryOutput: primary,
		Duration:      time.Since(start),
	}, nil
}

// PrimaryOutput picks the output named preferred, else the first output.
func PrimaryOutput(outputs []TensorTrace, preferred string) (TensorTrace, error) {
	if len(outputs) == 0 {
		return TensorTrace{}, errors.New("the model produced no outputs")
	}
	for _, output := range outputs {
		if output.Name == preferred {
			return output, nil
		}
	}
	return outputs[0], nil
}

func checkPrimaryShape(primary TensorTrace, inputShape Shape) error {
	if len(primary.Shape) < 2 {
		return fmt.Errorf("output %s has shape %s, expected at least (batch, sequence)", primary.Name, primary.Shape)
	}
	if primary.Shape[0] != inputShape[0] || primary.Shape[1] != inputShape[1] {
		return fmt.Errorf("output %s has shape %s, expected leading axes %s", primary.Name, primary.Shape, inputShape)
	}
	return nil
}
