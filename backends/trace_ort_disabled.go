//go:build !ORT && !ALL

package backends

import (
	"errors"

	"github.com/knights-analytics/onnxport/options"
)

func traceORT(_ *Model, _ *TraceInput, _ *options.Options) ([]TensorTrace, error) {
	return nil, errors.New("ORT is not enabled, build with the ORT tag")
}
