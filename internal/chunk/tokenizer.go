// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"fmt"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer splits text into token pieces. Concatenating the pieces must
// reproduce the input byte for byte.
type Tokenizer interface {
	Pieces(text string) []string
}

var setLoader sync.Once

// TiktokenTokenizer counts tokens exactly as the OpenAI embedding models do.
// BPE ranks are loaded from the embedded offline loader, so no network
// access is needed.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a tokenizer for the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*TiktokenTokenizer, error) {
	setLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Pieces(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = t.enc.Decode([]int{id})
	}
	return pieces
}

// WordTokenizer treats every word together with the whitespace that follows
// it as one token. Used in tests and when no BPE encoding is configured.
type WordTokenizer struct{}

func (WordTokenizer) Pieces(text string) []string {
	var pieces []string
	start := 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord && i > 0 && hasWord(text[start:i]) {
			pieces = append(pieces, text[start:i])
			start = i
		}
		inWord = !space
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

func hasWord(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
