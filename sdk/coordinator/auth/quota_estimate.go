package auth

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	estimatorOnce  sync.Once
	estimatorCodec tokenizer.Codec
	estimatorErr   error
)

// EstimateTokens approximates the token count of text with the cl100k_base encoding,
// for sizing Allocate requests before a call.
func EstimateTokens(text string) (int64, error) {
	estimatorOnce.Do(func() {
		estimatorCodec, estimatorErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if estimatorErr != nil {
		return 0, estimatorErr
	}
	if text == "" {
		return 0, nil
	}
	ids, _, err := estimatorCodec.Encode(text)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}
