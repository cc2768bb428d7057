package backends

import (
	"fmt"

	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/util/fileutil"
)

// Tokenizer wraps the tokenizer.json of a model. The converter only needs its vocabulary size.
type Tokenizer struct {
	Destroy   func() error
	Runtime   string
	VocabSize int
}

// LoadTokenizer loads tokenizer.json from the model folder with the tokenizer matching the backend.
// A folder without tokenizer.json leaves model.Tokenizer nil.
func LoadTokenizer(model *Model, s *options.Options) error {
	if exists, err := fileutil.FileExists(fileutil.PathJoinSafe(model.Path, "tokenizer.json")); err == nil {
		if exists {
			tokenizerBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(model.Path, "tokenizer.json"))
			if err != nil {
				return err
			}
			switch s.Backend {
			case "ORT":
				return loadRustTokenizer(tokenizerBytes, model)
			case "GO":
				return loadGoTokenizer(tokenizerBytes, model)
			default:
				return fmt.Errorf("runtime %s not recognized", s.Backend)
			}
		}
	} else {
		return fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	return nil
}
