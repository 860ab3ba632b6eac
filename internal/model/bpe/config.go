package bpe

import (
	"fmt"
	"strings"

	"github.com/example/go-subword/internal/model"
)

// Config is the persisted form of a BPE model. Merges are stored as
// "left right" strings in rank order.
type Config struct {
	Type                    string         `json:"type"`
	Dropout                 float64        `json:"dropout,omitempty"`
	UnkToken                string         `json:"unk_token,omitempty"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix,omitempty"`
	EndOfWordSuffix         string         `json:"end_of_word_suffix,omitempty"`
	FuseUnk                 bool           `json:"fuse_unk,omitempty"`
	ByteFallback            bool           `json:"byte_fallback,omitempty"`
	Vocab                   map[string]int `json:"vocab"`
	Merges                  []string       `json:"merges"`
}

// Config returns the persisted form of b.
func (b *BPE) Config() *Config {
	merges := make([]string, len(b.merges))
	for i, m := range b.merges {
		merges[i] = m.String()
	}

	return &Config{
		Type:                    model.KindBPE,
		Dropout:                 b.dropout,
		UnkToken:                b.unkToken,
		ContinuingSubwordPrefix: b.prefix,
		EndOfWordSuffix:         b.suffix,
		FuseUnk:                 b.fuseUnk,
		ByteFallback:            b.byteFallback,
		Vocab:                   b.vocab.Map(),
		Merges:                  merges,
	}
}

// FromConfig rebuilds a model. Any inconsistency between the vocabulary and
// the merge list fails with model.ErrMalformedState.
func FromConfig(c *Config) (*BPE, error) {
	vocab, err := model.VocabularyFromMap(c.Vocab)
	if err != nil {
		return nil, err
	}

	merges := make([]Merge, len(c.Merges))
	for i, line := range c.Merges {
		left, right, ok := strings.Cut(line, " ")
		if !ok || left == "" || right == "" || strings.Contains(right, " ") {
			return nil, fmt.Errorf("%w: merge %d %q is not a \"left right\" pair", model.ErrMalformedState, i, line)
		}

		merges[i] = Merge{Left: left, Right: right}
	}

	b, err := New(vocab, merges,
		WithDropout(c.Dropout),
		WithUnkToken(c.UnkToken),
		WithContinuingSubwordPrefix(c.ContinuingSubwordPrefix),
		WithEndOfWordSuffix(c.EndOfWordSuffix),
		WithFuseUnk(c.FuseUnk),
		WithByteFallback(c.ByteFallback),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	return b, nil
}
