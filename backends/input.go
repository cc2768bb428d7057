package backends

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/onnxport/export"
)

// TensorInput is one synthesized graph input, stored row-major.
type TensorInput struct {
	Name     string
	Role     export.Role
	ElemType int32
	Shape    Shape
	Values   []int64
}

// TraceInput is the full set of inputs fed to the source graph for a single trace.
type TraceInput struct {
	Tokens     TensorInput
	Auxiliary  []TensorInput
	VocabBound int
	Seed       uint64
}

// All returns the token input followed by the auxiliary inputs, in graph order of discovery.
func (t *TraceInput) All() []TensorInput {
	return append([]TensorInput{t.Tokens}, t.Auxiliary...)
}

// AuxiliaryRoles maps every auxiliary input name to its role.
func (t *TraceInput) AuxiliaryRoles() map[string]export.Role {
	roles := make(map[string]export.Role, len(t.Auxiliary))
	for _, aux := range t.Auxiliary {
		roles[aux.Name] = aux.Role
	}
	return roles
}

// UnsupportedInputError reports a graph input the converter cannot synthesize.
type UnsupportedInputError struct {
	Name   string
	Reason string
}

func (e *UnsupportedInputError) Error() string {
	return fmt.Sprintf("unsupported model input %s: %s", e.Name, e.Reason)
}

// NewSyntheticInput draws batchSize*sequenceLength token ids uniformly from [0, vocab).
// The same seed always yields the same ids.
func NewSyntheticInput(batchSize, sequenceLength, vocab int, seed uint64) ([]int64, error) {
	if batchSize <= 0 || sequenceLength <= 0 {
		return nil, fmt.Errorf("input shape (%d, %d) must be positive", batchSize, sequenceLength)
	}
	if vocab <= 0 {
		return nil, fmt.Errorf("vocabulary size %d must be positive", vocab)
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	values := make([]int64, batchSize*sequenceLength)
	for i := range values {
		values[i] = r.Int64N(int64(vocab))
	}
	return values, nil
}

// TokenInput returns the graph input carrying the token ids.
func TokenInput(model *Model) (InputOutputInfo, error) {
	var candidates []InputOutputInfo
	for _, meta := range model.InputsMeta {
		if export.RoleOf(meta.Name) == export.RoleTokens {
			candidates = append(candidates, meta)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		// a graph with a single integer input is taken to be token ids whatever its name
		if len(model.InputsMeta) == 1 && isIntegerType(model.InputsMeta[0].ElemType) {
			return model.InputsMeta[0], nil
		}
		return InputOutputInfo{}, errors.New("the model has no token ids input")
	default:
		return InputOutputInfo{}, fmt.Errorf("the model has %d token ids inputs", len(candidates))
	}
}

// NewTraceInput synthesizes the token ids and every auxiliary input the source graph requires.
func NewTraceInput(model *Model, batchSize, sequenceLength int, seed uint64) (*TraceInput, error) {
	if model.Config != nil && model.Config.MaxPosition > 0 && sequenceLength > model.Config.MaxPosition {
		return nil, fmt.Errorf("sequence length %d exceeds the model's %d positions", sequenceLength, model.Config.MaxPosition)
	}
	vocab, err := VocabBound(model)
	if err != nil {
		return nil, err
	}
	tokenMeta, err := TokenInput(model)
	if err != nil {
		return nil, err
	}
	if err = checkInputShape(tokenMeta, batchSize, sequenceLength); err != nil {
		return nil, err
	}
	ids, err := NewSyntheticInput(batchSize, sequenceLength, vocab, seed)
	if err != nil {
		return nil, err
	}

	shape := Shape{int64(batchSize), int64(sequenceLength)}
	input := &TraceInput{
		Tokens:     TensorInput{Name: tokenMeta.Name, Role: export.RoleTokens, ElemType: tokenMeta.ElemType, Shape: shape, Values: ids},
		VocabBound: vocab,
		Seed:       seed,
	}
	for _, meta := range model.InputsMeta {
		if meta.Name == tokenMeta.Name {
			continue
		}
		role := export.RoleOf(meta.Name)
		if !role.Auxiliary() {
			return nil, &UnsupportedInputError{Name: meta.Name, Reason: "only attention_mask, position_ids and token_type_ids can be derived from the token ids"}
		}
		if err = checkInputShape(meta, batchSize, sequenceLength); err != nil {
			return nil, err
		}
		input.Auxiliary = append(input.Auxiliary, TensorInput{
			Name:     meta.Name,
			Role:     role,
			ElemType: meta.ElemType,
			Shape:    shape,
			Values:   auxiliaryValues(role, batchSize, sequenceLength),
		})
	}
	return input, nil
}

func auxiliaryValues(role export.Role, batchSize, sequenceLength int) []int64 {
	values := make([]int64, batchSize*sequenceLength)
	switch role {
	case export.RoleAttentionMask:
		for i := range values {
			values[i] = 1
		}
	case export.RolePositions:
		for i := range values {
			values[i] = int64(i % sequenceLength)
		}
	}
	return values
}

// checkInputShape rejects inputs whose declared shape cannot hold a (batch, sequence) tensor.
func checkInputShape(meta InputOutputInfo, batchSize, sequenceLength int) error {
	if !isIntegerType(meta.ElemType) && meta.ElemType != int32(onnx.TensorProto_BOOL) {
		return &UnsupportedInputError{Name: meta.Name, Reason: fmt.Sprintf("element type %d is not an integer type", meta.ElemType)}
	}
	if len(meta.Dimensions) == 0 {
		return nil
	}
	if len(meta.Dimensions) != 2 {
		return &UnsupportedInputError{Name: meta.Name, Reason: fmt.Sprintf("rank %d, expected 2", len(meta.Dimensions))}
	}
	for axis, want := range []int{batchSize, sequenceLength} {
		if got := meta.Dimensions[axis]; got > 0 && got != int64(want) {
			return fmt.Errorf("input %s has fixed size %d on axis %d, cannot trace with %d", meta.Name, got, axis, want)
		}
	}
	return nil
}

func isIntegerType(elemType int32) bool {
	switch onnx.TensorProto_DataType(elemType) {
	case onnx.TensorProto_INT64, onnx.TensorProto_INT32:
		return true
	default:
		return false
	}
}
