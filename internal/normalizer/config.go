package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Config is the persisted, tagged form of a Normalizer.
type Config struct {
	Type        string   `json:"type"`
	Normalizers []Config `json:"normalizers,omitempty"`
	Left        bool     `json:"left,omitempty"`
	Right       bool     `json:"right,omitempty"`
	Prepend     string   `json:"prepend,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Content     string   `json:"content,omitempty"`
}

// ErrUnknownType is returned for a Config whose type tag is not recognised.
var ErrUnknownType = errors.New("unknown normalizer type")

// ToConfig returns the persisted form of n. A nil Normalizer yields nil.
func ToConfig(n Normalizer) (*Config, error) {
	switch v := n.(type) {
	case nil:
		return nil, nil
	case Unicode:
		name, err := formName(v.Form)
		if err != nil {
			return nil, err
		}

		return &Config{Type: name}, nil
	case Lowercase:
		return &Config{Type: "Lowercase"}, nil
	case Nmt:
		return &Config{Type: "Nmt"}, nil
	case StripAccents:
		return &Config{Type: "StripAccents"}, nil
	case Strip:
		return &Config{Type: "Strip", Left: v.Left, Right: v.Right}, nil
	case Prepend:
		return &Config{Type: "Prepend", Prepend: v.Prefix}, nil
	case Replace:
		return &Config{Type: "Replace", Pattern: v.Pattern, Content: v.Content}, nil
	case Sequence:
		cfg := &Config{Type: "Sequence", Normalizers: make([]Config, 0, len(v))}
		for _, child := range v {
			c, err := ToConfig(child)
			if err != nil {
				return nil, err
			}

			if c != nil {
				cfg.Normalizers = append(cfg.Normalizers, *c)
			}
		}

		return cfg, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, n)
	}
}

// FromConfig rebuilds a Normalizer. A nil config yields a nil Normalizer.
func FromConfig(c *Config) (Normalizer, error) {
	if c == nil {
		return nil, nil
	}

	switch c.Type {
	case "NFC":
		return NFC(), nil
	case "NFD":
		return NFD(), nil
	case "NFKC":
		return NFKC(), nil
	case "NFKD":
		return NFKD(), nil
	case "Lowercase":
		return Lowercase{}, nil
	case "Nmt":
		return Nmt{}, nil
	case "StripAccents":
		return StripAccents{}, nil
	case "Strip":
		return Strip{Left: c.Left, Right: c.Right}, nil
	case "Prepend":
		return Prepend{Prefix: c.Prepend}, nil
	case "Replace":
		return Replace{Pattern: c.Pattern, Content: c.Content}, nil
	case "Sequence":
		seq := make(Sequence, 0, len(c.Normalizers))
		for i := range c.Normalizers {
			child, err := FromConfig(&c.Normalizers[i])
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

// Parse builds a normalizer from a comma separated list of names, e.g.
// "nfkc,lowercase". An empty list yields nil.
func Parse(list string) (Normalizer, error) {
	var seq Sequence

	for _, raw := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "nfc":
			seq = append(seq, NFC())
		case "nfd":
			seq = append(seq, NFD())
		case "nfkc":
			seq = append(seq, NFKC())
		case "nfkd":
			seq = append(seq, NFKD())
		case "lowercase", "lower":
			seq = append(seq, Lowercase{})
		case "nmt":
			seq = append(seq, Nmt{})
		case "strip-accents", "strip_accents":
			seq = append(seq, StripAccents{})
		case "strip":
			seq = append(seq, Strip{Left: true, Right: true})
		default:
			return nil, fmt.Errorf("%w: %q (expected nfc|nfd|nfkc|nfkd|lowercase|nmt|strip-accents|strip)", ErrUnknownType, raw)
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

func formName(f norm.Form) (string, error) {
	switch f {
	case norm.NFC:
		return "NFC", nil
	case norm.NFD:
		return "NFD", nil
	case norm.NFKC:
		return "NFKC", nil
	case norm.NFKD:
		return "NFKD", nil
	default:
		return "", fmt.Errorf("%w: form %v", ErrUnknownType, f)
	}
}
