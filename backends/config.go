package backends

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelConfig holds the fields of a HuggingFace config.json the converter relies on.
type ModelConfig struct {
	ModelType   string
	VocabSize   int
	MaxPosition int
	EosTokenIDs []int64
	PadTokenID  *int64
}

// loadModelConfig reads config.json from the model folder. A missing file leaves model.Config nil.
func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return err
	}
	config, err := ParseModelConfig(configBytes)
	if err != nil {
		return err
	}
	model.Config = config
	return nil
}

// ParseModelConfig decodes the bytes of a config.json file.
func ParseModelConfig(configBytes []byte) (*ModelConfig, error) {
	var configMap map[string]any
	if err := json.Unmarshal(configBytes, &configMap); err != nil {
		return nil, err
	}

	config := &ModelConfig{}
	if v, ok := configMap["model_type"].(string); ok {
		config.ModelType = v
	}
	if v, ok := configMap["vocab_size"].(float64); ok {
		config.VocabSize = int(v)
	}
	if config.VocabSize < 0 {
		return nil, fmt.Errorf("vocab_size %d is negative", config.VocabSize)
	}

	// GPT-2 style models use n_positions, most others max_position_embeddings
	if v, ok := configMap["n_positions"].(float64); ok {
		config.MaxPosition = int(v)
	} else if v, ok := configMap["max_position_embeddings"].(float64); ok {
		config.MaxPosition = int(v)
	} else if v, ok := configMap["n_ctx"].(float64); ok {
		config.MaxPosition = int(v)
	}

	if eosRaw, exists := configMap["eos_token_id"]; exists {
		switch v := eosRaw.(type) {
		case []any:
			for _, item := range v {
				if num, ok := item.(float64); ok {
					config.EosTokenIDs = append(config.EosTokenIDs, int64(num))
				}
			}
		case float64:
			config.EosTokenIDs = append(config.EosTokenIDs, int64(v))
		}
	}
	if v, ok := configMap["pad_token_id"].(float64); ok {
		pad := int64(v)
		config.PadTokenID = &pad
	}
	return config, nil
}
