//go:build ORT || ALL

package export

import (
	"runtime"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/onnxport/testcases"
)

var onnxRuntimeSharedLibrary = map[string]string{
	"linux":  "/usr/lib/libonnxruntime.so",
	"darwin": "/opt/homebrew/lib/libonnxruntime.dylib",
}[runtime.GOOS]

// runORT feeds int64 tensors of the given shape to the model and returns the logits.
func runORT(t *testing.T, model *onnx.ModelProto, shape ort.Shape, inputs map[string][]int64) []float32 {
	t.Helper()
	data, err := Marshal(model)
	checkT(t, err)

	names := make([]string, 0, len(inputs))
	values := make([]ort.Value, 0, len(inputs))
	for name, backing := range inputs {
		value, tensorErr := ort.NewTensor(shape, backing)
		checkT(t, tensorErr)
		names = append(names, name)
		values = append(values, value)
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, names, []string{"logits"}, nil)
	checkT(t, err)
	defer func() {
		checkT(t, session.Destroy())
		for _, v := range values {
			checkT(t, v.Destroy())
		}
	}()

	outputs := []ort.Value{nil}
	checkT(t, session.Run(values, outputs))
	logits, ok := outputs[0].(*ort.Tensor[float32])
	assert.True(t, ok)
	result := append([]float32(nil), logits.GetData()...)
	checkT(t, outputs[0].Destroy())
	return result
}

func TestFoldedPositionsMatchSourceORT(t *testing.T) {
	ort.SetSharedLibraryPath(onnxRuntimeSharedLibrary)
	checkT(t, ort.InitializeEnvironment())
	t.Cleanup(func() {
		checkT(t, ort.DestroyEnvironment())
	})

	o := testcases.DefaultCausalLM()
	o.PositionIDs = true
	o.TokenTypeIDs = true
	o.BatchSize = 0
	o.SequenceLength = 0
	src := testcases.CausalLM(o)
	model, err := Export(src, testSpec("input_ids", "logits", map[string]Role{
		"attention_mask": RoleAttentionMask,
		"position_ids":   RolePositions,
		"token_type_ids": RoleTokenTypes,
	}))
	checkT(t, err)

	ids := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	expected := runORT(t, src, ort.NewShape(2, 4), map[string][]int64{
		"input_ids":      ids,
		"attention_mask": {1, 1, 1, 1, 1, 1, 1, 1},
		"position_ids":   {0, 1, 2, 3, 0, 1, 2, 3},
		"token_type_ids": make([]int64, len(ids)),
	})
	actual := runORT(t, model, ort.NewShape(2, 4), map[string][]int64{"input_ids": ids})

	assert.Len(t, actual, 2*4*testcases.VocabSize)
	assert.InDeltaSlice(t, expected, actual, 1e-6)
}
