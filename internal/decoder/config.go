package decoder

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the persisted, tagged form of a Decoder.
type Config struct {
	Type           string   `json:"type"`
	Decoders       []Config `json:"decoders,omitempty"`
	Suffix         string   `json:"suffix,omitempty"`
	Prefix         string   `json:"prefix,omitempty"`
	Cleanup        bool     `json:"cleanup,omitempty"`
	Replacement    string   `json:"replacement,omitempty"`
	AddPrefixSpace bool     `json:"add_prefix_space,omitempty"`
}

// ErrUnknownType is returned for a Config whose type tag is not recognised.
var ErrUnknownType = errors.New("unknown decoder type")

// ToConfig returns the persisted form of d. A nil Decoder yields nil.
func ToConfig(d Decoder) (*Config, error) {
	switch v := d.(type) {
	case nil:
		return nil, nil
	case ByteLevel:
		return &Config{Type: "ByteLevel"}, nil
	case BPE:
		return &Config{Type: "BPEDecoder", Suffix: v.Suffix}, nil
	case Metaspace:
		return &Config{Type: "Metaspace", Replacement: v.Replacement, AddPrefixSpace: v.AddPrefixSpace}, nil
	case WordPiece:
		return &Config{Type: "WordPiece", Prefix: v.Prefix, Cleanup: v.Cleanup}, nil
	case ByteFallback:
		return &Config{Type: "ByteFallback"}, nil
	case Fuse:
		return &Config{Type: "Fuse"}, nil
	case Sequence:
		cfg := &Config{Type: "Sequence", Decoders: make([]Config, 0, len(v))}
		for _, child := range v {
			c, err := ToConfig(child)
			if err != nil {
				return nil, err
			}

			if c != nil {
				cfg.Decoders = append(cfg.Decoders, *c)
			}
		}

		return cfg, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, d)
	}
}

// FromConfig rebuilds a Decoder. A nil config yields nil.
func FromConfig(c *Config) (Decoder, error) {
	if c == nil {
		return nil, nil
	}

	switch c.Type {
	case "ByteLevel":
		return ByteLevel{}, nil
	case "BPEDecoder":
		return BPE{Suffix: c.Suffix}, nil
	case "Metaspace":
		return Metaspace{Replacement: c.Replacement, AddPrefixSpace: c.AddPrefixSpace}, nil
	case "WordPiece":
		return WordPiece{Prefix: c.Prefix, Cleanup: c.Cleanup}, nil
	case "ByteFallback":
		return ByteFallback{}, nil
	case "Fuse":
		return Fuse{}, nil
	case "Sequence":
		seq := make(Sequence, 0, len(c.Decoders))
		for i := range c.Decoders {
			child, err := FromConfig(&c.Decoders[i])
			if err != nil {
				return nil, err
			}

			seq = append(seq, child)
		}

		return seq, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
}

// Parse builds a decoder from a comma separated list of names. An empty list
// yields nil.
func Parse(list string, addPrefixSpace bool) (Decoder, error) {
	var seq Sequence

	for _, raw := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "":
			continue
		case "byte-level", "byte_level", "bytelevel":
			seq = append(seq, ByteLevel{})
		case "bpe":
			seq = append(seq, BPE{})
		case "metaspace":
			seq = append(seq, Metaspace{AddPrefixSpace: addPrefixSpace})
		case "wordpiece":
			seq = append(seq, WordPiece{Cleanup: true})
		case "byte-fallback", "byte_fallback":
			seq = append(seq, ByteFallback{})
		case "fuse":
			seq = append(seq, Fuse{})
		default:
			return nil, fmt.Errorf("%w: %q (expected byte-level|bpe|metaspace|wordpiece|byte-fallback|fuse)", ErrUnknownType, raw)
		}
	}

	switch len(seq) {
	case 0:
		return nil, nil
	case 1:
		return seq[0], nil
	default:
		return seq, nil
	}
}
