// Package testcases builds small causal language models in ONNX form for the tests of the other packages.
// The models mimic a traced HuggingFace decoder: fixed (batch, sequence) dims, optional auxiliary inputs
// and a second output next to the logits.
package testcases

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

const (
	VocabSize    = 16
	MaxPositions = 32

	HiddenStates = "hidden_states"
)

type CausalLMOptions struct {
	// BatchSize and SequenceLength are the fixed sizes of the token input, 0 makes the axis symbolic.
	BatchSize      int64
	SequenceLength int64
	TokenInput     string
	Output         string
	AttentionMask  bool
	PositionIDs    bool
	TokenTypeIDs   bool
	Opset          int64
	// TokenElemType is the declared type of the token input, 0 means int64.
	TokenElemType onnx.TensorProto_DataType
}

// DefaultCausalLM mirrors a model traced on a (1, 10) input with an attention mask.
func DefaultCausalLM() CausalLMOptions {
	return CausalLMOptions{
		BatchSize:      1,
		SequenceLength: 10,
		TokenInput:     "input_ids",
		Output:         "logits",
		AttentionMask:  true,
		Opset:          13,
	}
}

// CausalLM builds the graph
//
//	hidden = Gather(wte, tokens) [+ Gather(wpe, position_ids)] [+ Gather(tte, token_type_ids)]
//	logits = hidden * (Unsqueeze(Cast(attention_mask)) or 2)
//
// with hidden_states as a second graph output.
func CausalLM(o CausalLMOptions) *onnx.ModelProto {
	dims := []int64{o.BatchSize, o.SequenceLength}
	tokenType := o.TokenElemType
	if tokenType == onnx.TensorProto_UNDEFINED {
		tokenType = onnx.TensorProto_INT64
	}
	g := &onnx.GraphProto{
		Name: "causal_lm",
		Initializer: []*onnx.TensorProto{
			embedding("wte", VocabSize, 1),
		},
		Input: []*onnx.ValueInfoProto{
			ValueInfo(o.TokenInput, tokenType, dims...),
		},
	}
	hidden := "token_embeddings"
	g.Node = append(g.Node, Node("Gather", []string{"wte", o.TokenInput}, []string{hidden}))

	if o.PositionIDs {
		g.Initializer = append(g.Initializer, embedding("wpe", MaxPositions, 2))
		g.Input = append(g.Input, ValueInfo("position_ids", onnx.TensorProto_INT64, dims...))
		g.Node = append(g.Node,
			Node("Gather", []string{"wpe", "position_ids"}, []string{"position_embeddings"}),
			Node("Add", []string{hidden, "position_embeddings"}, []string{"with_positions"}),
		)
		hidden = "with_positions"
	}
	if o.TokenTypeIDs {
		g.Initializer = append(g.Initializer, embedding("tte", 2, 3))
		g.Input = append(g.Input, ValueInfo("token_type_ids", onnx.TensorProto_INT64, dims...))
		g.Node = append(g.Node,
			Node("Gather", []string{"tte", "token_type_ids"}, []string{"type_embeddings"}),
			Node("Add", []string{hidden, "type_embeddings"}, []string{"with_types"}),
		)
		hidden = "with_types"
	}
	// the last embedding node defines hidden_states
	last := g.Node[len(g.Node)-1]
	last.Name = last.OpType + "_" + HiddenStates
	last.Output[0] = HiddenStates

	if o.AttentionMask {
		g.Input = append(g.Input, ValueInfo("attention_mask", onnx.TensorProto_INT64, dims...))
		g.Initializer = append(g.Initializer, &onnx.TensorProto{
			Name:      "mask_axes",
			Dims:      []int64{1},
			DataType:  int32(onnx.TensorProto_INT64),
			Int64Data: []int64{2},
		})
		g.Node = append(g.Node,
			Node("Cast", []string{"attention_mask"}, []string{"mask_float"}, &onnx.AttributeProto{
				Name: "to", Type: onnx.AttributeProto_INT, I: int64(onnx.TensorProto_FLOAT),
			}),
			Node("Unsqueeze", []string{"mask_float", "mask_axes"}, []string{"mask_3d"}),
			Node("Mul", []string{HiddenStates, "mask_3d"}, []string{o.Output}),
		)
	} else {
		g.Initializer = append(g.Initializer, &onnx.TensorProto{
			Name:      "logit_scale",
			Dims:      []int64{1},
			DataType:  int32(onnx.TensorProto_FLOAT),
			FloatData: []float32{2},
		})
		g.Node = append(g.Node, Node("Mul", []string{HiddenStates, "logit_scale"}, []string{o.Output}))
	}

	g.Output = []*onnx.ValueInfoProto{
		ValueInfo(o.Output, onnx.TensorProto_FLOAT, o.BatchSize, o.SequenceLength, VocabSize),
		ValueInfo(HiddenStates, onnx.TensorProto_FLOAT, o.BatchSize, o.SequenceLength, VocabSize),
	}
	return &onnx.ModelProto{
		IrVersion:    7,
		ProducerName: "testcases",
		OpsetImport:  []*onnx.OperatorSetIdProto{{Domain: "", Version: o.Opset}},
		Graph:        g,
	}
}

// Node builds a default domain node named after its first output.
func Node(opType string, inputs, outputs []string, attributes ...*onnx.AttributeProto) *onnx.NodeProto {
	return &onnx.NodeProto{
		Name:      opType + "_" + outputs[0],
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attributes,
	}
}

// ValueInfo declares a tensor value. A zero size declares a symbolic axis named after the value.
func ValueInfo(name string, elemType onnx.TensorProto_DataType, dims ...int64) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for axis, d := range dims {
		dim := &onnx.TensorShapeProto_Dimension{}
		if d > 0 {
			dim.Value = &onnx.TensorShapeProto_Dimension_DimValue{DimValue: d}
		} else {
			dim.Value = &onnx.TensorShapeProto_Dimension_DimParam{DimParam: fmt.Sprintf("%s_dim_%d", name, axis)}
		}
		shape.Dim = append(shape.Dim, dim)
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{Value: &onnx.TypeProto_TensorType{TensorType: &onnx.TypeProto_Tensor{
			ElemType: int32(elemType),
			Shape:    shape,
		}}},
	}
}

// embedding is a rows x VocabSize float table with distinct values per row.
func embedding(name string, rows int64, scale float32) *onnx.TensorProto {
	data := make([]float32, rows*VocabSize)
	for i := range data {
		data[i] = scale * float32(i%VocabSize+int(int64(i)/VocabSize)) / VocabSize
	}
	return &onnx.TensorProto{
		Name:      name,
		Dims:      []int64{rows, VocabSize},
		DataType:  int32(onnx.TensorProto_FLOAT),
		FloatData: data,
	}
}

// ConfigJSON is a GPT-2 style config.json for the generated models.
func ConfigJSON(vocabSize int) []byte {
	return []byte(fmt.Sprintf(`{
  "architectures": ["GPT2LMHeadModel"],
  "model_type": "gpt2",
  "vocab_size": %d,
  "n_positions": %d,
  "n_ctx": %d,
  "bos_token_id": 0,
  "eos_token_id": %d
}`, vocabSize, MaxPositions, MaxPositions, vocabSize-1))
}

// TokenizerJSON is a byte-level BPE tokenizer.json in the GPT-2 layout. Its 15 merged tokens and the
// <|endoftext|> special token cover the VocabSize ids of the generated models.
const TokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 15, "content": "<|endoftext|>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": true, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false, "trim_offsets": true, "use_regex": true},
  "post_processor": {"type": "ByteLevel", "add_prefix_space": true, "trim_offsets": false, "use_regex": true},
  "decoder": {"type": "ByteLevel", "add_prefix_space": true, "trim_offsets": true, "use_regex": true},
  "model": {
    "type": "BPE",
    "dropout": null,
    "unk_token": null,
    "continuing_subword_prefix": "",
    "end_of_word_suffix": "",
    "fuse_unk": false,
    "vocab": {
      "H": 0, "e": 1, "l": 2, "o": 3, "\u0120": 4, "w": 5, "r": 6, "d": 7,
      "He": 8, "ll": 9, "llo": 10, "Hello": 11, "\u0120w": 12, "or": 13, "ld": 14
    },
    "merges": ["H e", "l l", "ll o", "He llo", "\u0120 w", "o r", "l d"]
  }
}`

// WriteModelFolder writes model.onnx, config.json and tokenizer.json to dir, the layout of a downloaded model.
func WriteModelFolder(dir string, model *onnx.ModelProto) error {
	data, err := proto.Marshal(model)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err = fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(dir, "model.onnx"), data); err != nil {
		return err
	}
	if err = fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(dir, "tokenizer.json"), []byte(TokenizerJSON)); err != nil {
		return err
	}
	return fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(dir, "config.json"), ConfigJSON(VocabSize))
}

// ExternalDataFile holds the weights moved out of the graph by WriteExternalDataModelFolder.
const ExternalDataFile = "model.onnx_data"

// WriteExternalDataModelFolder writes the model folder with every float initializer stored in ExternalDataFile,
// the layout exporters use for models over the protobuf size limit.
func WriteExternalDataModelFolder(dir string, model *onnx.ModelProto) error {
	model = proto.Clone(model).(*onnx.ModelProto)
	var weights []byte
	for _, t := range model.GetGraph().GetInitializer() {
		if t.GetDataType() != int32(onnx.TensorProto_FLOAT) || len(t.GetFloatData()) == 0 {
			continue
		}
		offset := len(weights)
		for _, v := range t.GetFloatData() {
			weights = binary.LittleEndian.AppendUint32(weights, math.Float32bits(v))
		}
		t.FloatData = nil
		t.DataLocation = onnx.TensorProto_EXTERNAL
		t.ExternalData = []*onnx.StringStringEntryProto{
			{Key: "location", Value: ExternalDataFile},
			{Key: "offset", Value: fmt.Sprint(offset)},
			{Key: "length", Value: fmt.Sprint(len(weights) - offset)},
		}
	}
	if err := fileutil.WriteFileBytes(context.Background(), fileutil.PathJoinSafe(dir, ExternalDataFile), weights); err != nil {
		return err
	}
	return WriteModelFolder(dir, model)
}
