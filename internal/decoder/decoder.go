// Package decoder turns model tokens back into text. Decoders form a chain:
// each one rewrites the token list and the result is concatenated.
package decoder

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/example/go-subword/internal/bytelevel"
)

// Decoder rewrites a list of token strings.
type Decoder interface {
	DecodeChain(tokens []string) ([]string, error)
}

// Decode runs d over tokens and concatenates the output.
func Decode(d Decoder, tokens []string) (string, error) {
	parts, err := d.DecodeChain(tokens)
	if err != nil {
		return "", err
	}

	return strings.Join(parts, ""), nil
}

// ByteLevel maps printable stand-ins back to raw bytes. Invalid UTF-8 in
// the result is replaced by U+FFFD.
type ByteLevel struct{}

func (ByteLevel) DecodeChain(tokens []string) ([]string, error) {
	var buf []byte
	for _, tok := range tokens {
		buf = append(buf, bytelevel.Decode(tok)...)
	}

	return []string{strings.ToValidUTF8(string(buf), "�")}, nil
}

// BPE turns the end-of-word suffix into a space. A trailing suffix on the
// last token is dropped.
type BPE struct {
	Suffix string
}

func (b BPE) DecodeChain(tokens []string) ([]string, error) {
	suffix := b.Suffix
	if suffix == "" {
		suffix = "</w>"
	}

	out := make([]string, len(tokens))
	for i, tok := range tokens {
		repl := " "
		if i == len(tokens)-1 {
			repl = ""
		}

		out[i] = strings.ReplaceAll(tok, suffix, repl)
	}

	return out, nil
}

// Metaspace turns the replacement character back into a space and drops
// the space added in front of the first token.
type Metaspace struct {
	Replacement    string
	AddPrefixSpace bool
}

func (m Metaspace) DecodeChain(tokens []string) ([]string, error) {
	repl := m.Replacement
	if repl == "" {
		repl = "▁"
	}

	out := make([]string, len(tokens))
	for i, tok := range tokens {
		s := strings.ReplaceAll(tok, repl, " ")
		if i == 0 && m.AddPrefixSpace {
			s = strings.TrimPrefix(s, " ")
		}

		out[i] = s
	}

	return out, nil
}

// WordPiece glues continuation tokens (marked by Prefix) to the previous
// token and separates all others with a space.
type WordPiece struct {
	Prefix  string
	Cleanup bool
}

func (w WordPiece) DecodeChain(tokens []string) ([]string, error) {
	prefix := w.Prefix
	if prefix == "" {
		prefix = "##"
	}

	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if i > 0 {
			if rest, ok := strings.CutPrefix(tok, prefix); ok {
				tok = rest
			} else {
				tok = " " + tok
			}
		}

		if w.Cleanup {
			tok = cleanup(tok)
		}

		out[i] = tok
	}

	return out, nil
}

var cleanupReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" do not", " don't",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// cleanup removes the spaces tokenization put in front of punctuation and
// English contractions.
func cleanup(s string) string {
	return cleanupReplacer.Replace(s)
}

// ByteFallback turns runs of <0xXX> tokens back into the bytes they stand
// for. Runs that are not valid UTF-8 yield one U+FFFD per byte.
type ByteFallback struct{}

func (ByteFallback) DecodeChain(tokens []string) ([]string, error) {
	out := make([]string, 0, len(tokens))

	var pending []byte

	flush := func() {
		if len(pending) == 0 {
			return
		}

		if utf8.Valid(pending) {
			out = append(out, string(pending))
		} else {
			for range pending {
				out = append(out, "�")
			}
		}

		pending = pending[:0]
	}

	for _, tok := range tokens {
		if b, ok := parseByteToken(tok); ok {
			pending = append(pending, b)
			continue
		}

		flush()
		out = append(out, tok)
	}

	flush()

	return out, nil
}

// parseByteToken parses a "<0xXX>" byte fallback token.
func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}

	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}

	return byte(v), true
}

// Fuse concatenates all tokens into one.
type Fuse struct{}

func (Fuse) DecodeChain(tokens []string) ([]string, error) {
	return []string{strings.Join(tokens, "")}, nil
}

// Sequence applies decoders in order.
type Sequence []Decoder

func (seq Sequence) DecodeChain(tokens []string) ([]string, error) {
	var err error
	for _, d := range seq {
		tokens, err = d.DecodeChain(tokens)
		if err != nil {
			return nil, err
		}
	}

	return tokens, nil
}
