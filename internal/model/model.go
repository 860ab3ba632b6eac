// Package model defines the contracts shared by the subword models (BPE and
// Unigram) and their trainers, together with the vocabulary table and the
// error taxonomy used across the tokenizer.
package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidVocabulary reports an internal consistency violation, such as a
	// merge rule that references a piece absent from the vocabulary.
	ErrInvalidVocabulary = errors.New("invalid vocabulary")

	// ErrEmptyCorpus is returned by trainers when no document yields a pre-token.
	ErrEmptyCorpus = errors.New("empty corpus")

	// ErrVocabularyTooSmall is returned when the target size cannot hold every
	// symbol required for full coverage.
	ErrVocabularyTooSmall = errors.New("vocabulary too small")

	// ErrUnknownToken is returned when a symbol has no representation and no
	// unknown token or byte fallback is configured.
	ErrUnknownToken = errors.New("unknown token")

	// ErrMalformedState is returned when persisted tables are inconsistent.
	ErrMalformedState = errors.New("malformed persisted state")
)

// Kinds reported by Model.Kind.
const (
	KindBPE     = "BPE"
	KindUnigram = "Unigram"
)

// Token is a single model output. Offsets are byte offsets into the
// pre-token value that was passed to Tokenize.
type Token struct {
	ID      int
	Value   string
	Offsets [2]int
}

// Model encodes one pre-token into vocabulary units.
//
// Implementations must be safe for concurrent Tokenize calls once constructed.
type Model interface {
	Tokenize(sequence string) ([]Token, error)
	TokenToID(token string) (int, bool)
	IDToToken(id int) (string, bool)
	VocabSize() int
	Vocab() map[string]int
	Kind() string
}

// Trainer builds a Model from word frequency statistics. The words map is
// keyed by pre-token value and holds occurrence counts across the corpus.
type Trainer interface {
	Train(ctx context.Context, words map[string]uint64) (Model, error)
	// SpecialTokens lists the tokens the trainer reserved at the lowest ids.
	SpecialTokens() []string
}

// ByteToken returns the byte fallback piece for c, e.g. "<0x0A>".
func ByteToken(c byte) string { return fmt.Sprintf("<0x%02X>", c) }
