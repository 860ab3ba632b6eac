package unigram

import (
	"encoding/json"
	"fmt"

	"github.com/example/go-subword/internal/model"
)

// Config is the persisted form of a Unigram model.
type Config struct {
	Type         string  `json:"type"`
	UnkID        *int    `json:"unk_id"`
	ByteFallback bool    `json:"byte_fallback,omitempty"`
	FuseUnk      *bool   `json:"fuse_unk,omitempty"`
	Vocab        []Piece `json:"vocab"`
}

// MarshalJSON writes a piece as a ["value", score] pair.
func (p Piece) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Value, p.Score})
}

// UnmarshalJSON reads a ["value", score] pair.
func (p *Piece) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if len(raw) != 2 {
		return fmt.Errorf("unigram: piece has %d fields, want 2", len(raw))
	}

	if err := json.Unmarshal(raw[0], &p.Value); err != nil {
		return fmt.Errorf("unigram: piece value: %w", err)
	}

	if err := json.Unmarshal(raw[1], &p.Score); err != nil {
		return fmt.Errorf("unigram: piece score: %w", err)
	}

	return nil
}

// Config returns the persisted form of u.
func (u *Unigram) Config() *Config {
	cfg := &Config{
		Type:         model.KindUnigram,
		ByteFallback: u.byteFallback,
		Vocab:        u.Pieces(),
	}

	if u.unkID >= 0 {
		id := u.unkID
		cfg.UnkID = &id
	}

	if !u.fuseUnk {
		fuse := false
		cfg.FuseUnk = &fuse
	}

	return cfg
}

// FromConfig rebuilds a model. An invalid table fails with
// model.ErrMalformedState.
func FromConfig(c *Config) (*Unigram, error) {
	unkID := -1
	if c.UnkID != nil {
		unkID = *c.UnkID
	}

	opts := []Option{WithByteFallback(c.ByteFallback)}
	if c.FuseUnk != nil {
		opts = append(opts, WithFuseUnk(*c.FuseUnk))
	}

	u, err := New(c.Vocab, unkID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	return u, nil
}
