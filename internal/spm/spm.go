// Package spm imports SentencePiece model files into a Unigram tokenizer.
//
// Piece ids are kept as they are in the model file. NORMAL and UNUSED pieces
// are scored pieces of the Unigram table; CONTROL and USER_DEFINED pieces are
// also registered as added tokens so they match before normalization. Byte
// pieces (<0x00>..<0xFF>) switch on byte fallback.
package spm

import (
	"errors"
	"fmt"
	"os"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"

	"github.com/example/go-subword/internal/decoder"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/unigram"
	"github.com/example/go-subword/internal/normalizer"
	"github.com/example/go-subword/internal/pretokenizer"
	"github.com/example/go-subword/internal/tokenizer"
)

// ErrEmptyPath is returned when ImportFile is called with an empty path.
var ErrEmptyPath = errors.New("sentencepiece model path must not be empty")

// typeByte is the BYTE piece type of the SentencePiece model format.
const typeByte = gosp.ModelProto_SentencePiece_Type(6)

// Import decodes a serialized SentencePiece ModelProto.
func Import(data []byte, opts ...tokenizer.Option) (*tokenizer.Tokenizer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: sentencepiece model data is empty", model.ErrMalformedState)
	}

	var mp gosp.ModelProto
	if err := proto.Unmarshal(data, &mp); err != nil {
		return nil, fmt.Errorf("%w: decode sentencepiece model: %w", model.ErrMalformedState, err)
	}

	return FromProto(&mp, opts...)
}

// ImportFile reads and imports the SentencePiece model at path.
func ImportFile(path string, opts ...tokenizer.Option) (*tokenizer.Tokenizer, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sentencepiece model %q: %w", path, err)
	}

	t, err := Import(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("import %q: %w", path, err)
	}

	return t, nil
}

// FromProto builds the tokenizer for an already decoded model.
func FromProto(mp *gosp.ModelProto, opts ...tokenizer.Option) (*tokenizer.Tokenizer, error) {
	pieces := mp.GetPieces()
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: sentencepiece model has no pieces", model.ErrMalformedState)
	}

	var (
		table    = make([]unigram.Piece, 0, len(pieces))
		special  []string
		user     []string
		unkID    = -1
		hasBytes bool
	)

	for id, piece := range pieces {
		value := piece.GetPiece()

		switch piece.GetType() {
		case gosp.ModelProto_SentencePiece_UNKNOWN:
			if unkID >= 0 {
				return nil, fmt.Errorf("%w: unknown piece at ids %d and %d", model.ErrMalformedState, unkID, id)
			}

			unkID = id
		case gosp.ModelProto_SentencePiece_CONTROL:
			special = append(special, value)
		case gosp.ModelProto_SentencePiece_USER_DEFINED:
			user = append(user, value)
		case typeByte:
			hasBytes = true
		}

		table = append(table, unigram.Piece{Value: value, Score: float64(piece.GetScore())})
	}

	m, err := unigram.New(table, unkID, unigram.WithByteFallback(hasBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	addPrefix := mp.GetNormalizerSpec().GetAddDummyPrefix()

	dec := decoder.Sequence{
		decoder.Metaspace{AddPrefixSpace: addPrefix},
	}
	if hasBytes {
		dec = decoder.Sequence{decoder.ByteFallback{}, decoder.Fuse{}, decoder.Metaspace{AddPrefixSpace: addPrefix}}
	}

	opts = append([]tokenizer.Option{
		tokenizer.WithNormalizer(normalizer.Sequence{normalizer.Nmt{}, normalizer.NFKC()}),
		tokenizer.WithPreTokenizer(pretokenizer.Metaspace{AddPrefixSpace: addPrefix}),
		tokenizer.WithDecoder(dec),
	}, opts...)

	t, err := tokenizer.New(m, opts...)
	if err != nil {
		return nil, err
	}

	if _, err := t.AddSpecialTokens(special...); err != nil {
		return nil, fmt.Errorf("%w: control pieces: %w", model.ErrMalformedState, err)
	}

	if _, err := t.AddTokens(user...); err != nil {
		return nil, fmt.Errorf("%w: user defined pieces: %w", model.ErrMalformedState, err)
	}

	return t, nil
}
