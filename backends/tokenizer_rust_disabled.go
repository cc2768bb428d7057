//go:build !ORT && !ALL

package backends

import "errors"

func loadRustTokenizer(_ []byte, _ *Model) error {
	return errors.New("rust Tokenizer is not enabled")
}
