package pretokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the persisted, tagged form of a PreTokenizer.
type Config struct {
	Type           string   `json:"type"`
	PreTokenizers  []Config `json:"pretokenizers,omitempty"`
	AddPrefixSpace bool     `json:"add_prefix_space,omitempty"`
	Replacement    string   `json:"replacement,omitempty"`
}

// ErrUnknownType is returned for a Config whose type tag is not recognised.
var ErrUnknownType = errors.New("unknown pre-tokenizer type")

// ToConfig returns the persisted form of p. A nil PreTokenizer yields nil.
func ToConfig(p PreTokenizer) (*Config, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case Whitespace:
		return &Config{Type: "Whitespace"}, nil
	case WhitespaceSplit:
		return &Config{Type: "WhitespaceSplit"}, nil
	case Punctuation:
		return &Config{Type: "Punctuation"}, nil
	case ByteLevel:
		return &Config{Type: "ByteLevel", AddPrefixSpace: v.AddPrefixSpace}, nil
	case Metaspace:
		return &Config{Type: "Metaspace", AddPrefixSpace: v.AddPrefixSpace, Replacement: v.replacement()}, nil
	case Sequence:
		cfg := &Config{Type: "Sequence", PreTokenizers: make([]Config, 0, len(v))}
		for _, child := range v {
			c, err := ToConfig(child)
			if err != nil {
				return nil, err
			}

			if c != nil {
				cfg.PreTokenizers = append(cfg.PreTokenizers, *c)
			}
		}

		return cfg, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
}

// FromConfig rebuilds a PreTokenizer. A nil config yields nil.
func FromConfig(c *Config) (PreTokenizer, error) {
	if c == nil {
		return nil, nil
	}

	switch c.Type {
	case "Whitespace":
		return Whitespace{}, nil
	case "WhitespaceSplit":
		return WhitespaceSplit{}, nil
	case "Punctuation":
		return Punctuation{}, nil
	case "ByteLevel":
		return ByteLevel{AddPrefixSpace: c.AddPrefixSpace}, nil
	case "Metaspace":
		return Metaspace{Replacement: c.Replacement, AddPrefixSpace: c.AddPrefixSpace}, nil
	case "Sequence":
		seq := make(Sequence, 0, len(c.PreTokenizers))
		for i := range c.PreTokenizers {
			child, err := FromConfig(&c.PreTokenizers[i])
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

// Parse builds a pre-tokenizer from a comma separated list of names, e.g.
// "whitespace,punctuation". addPrefixSpace applies to byte-level and
// metaspace. An empty list yields nil.
func Parse(list string, addPrefixSpace bool) (PreTokenizer, error) {
	var seq Sequence

	for _, raw := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "":
			continue
		case "whitespace":
			seq = append(seq, Whitespace{})
		case "whitespace-split", "whitespace_split":
			seq = append(seq, WhitespaceSplit{})
		case "punctuation":
			seq = append(seq, Punctuation{})
		case "byte-level", "byte_level", "bytelevel":
			seq = append(seq, ByteLevel{AddPrefixSpace: addPrefixSpace})
		case "metaspace":
			seq = append(seq, Metaspace{AddPrefixSpace: addPrefixSpace})
		default:
			return nil, fmt.Errorf("%w: %q (expected whitespace|whitespace-split|punctuation|byte-level|metaspace)", ErrUnknownType, raw)
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
