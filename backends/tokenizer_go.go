package backends

import (
	"bytes"
	"errors"

	"github.com/sugarme/tokenizer/pretrained"
)

func loadGoTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	vocabSize := tk.GetVocabSize(true)
	if vocabSize <= 0 {
		return errors.New("tokenizer.json has an empty vocabulary")
	}
	model.Tokenizer = &Tokenizer{Runtime: "GO", VocabSize: vocabSize, Destroy: func() error {
		return nil
	}}
	return nil
}
