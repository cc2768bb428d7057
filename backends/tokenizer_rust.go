//go:build ORT || ALL

package backends

import (
	"errors"

	"github.com/daulet/tokenizers"
)

func loadRustTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return tkErr
	}
	vocabSize := int(tk.VocabSize())
	if vocabSize <= 0 {
		return errors.Join(errors.New("tokenizer.json has an empty vocabulary"), tk.Close())
	}
	model.Tokenizer = &Tokenizer{Runtime: "RUST", VocabSize: vocabSize, Destroy: func() error {
		return tk.Close()
	}}
	return nil
}
