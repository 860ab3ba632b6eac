package pretokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/example/go-subword/internal/bytelevel"
)

// PreTokenizer refines a list of pre-tokens. Splitters only cut tokens
// further; they never merge across token boundaries.
type PreTokenizer interface {
	PreTokenize(tokens []PreToken) ([]PreToken, error)
}

// GPT2Pattern is the word split used by byte-level BPE models.
const GPT2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// wordPattern is `\w+|[^\w\s]+` spelled with explicit unicode classes.
const wordPattern = `[\p{L}\p{M}\p{Nd}\p{Pc}]+|[^\p{L}\p{M}\p{Nd}\p{Pc}\s]+`

var (
	gpt2Regexp = regexp2.MustCompile(GPT2Pattern, regexp2.Unicode|regexp2.RE2)
	wordRegexp = regexp2.MustCompile(wordPattern, regexp2.Unicode|regexp2.RE2)
)

// MetaspaceReplacement is the default stand-in for a space.
const MetaspaceReplacement = "▁"

// splitEach applies fn to every token and concatenates the results.
func splitEach(tokens []PreToken, fn func(PreToken) ([]PreToken, error)) ([]PreToken, error) {
	out := make([]PreToken, 0, len(tokens))
	for _, tok := range tokens {
		parts, err := fn(tok)
		if err != nil {
			return nil, err
		}

		out = append(out, parts...)
	}

	return out, nil
}

// matchRanges returns the byte ranges of all matches of re in s.
func matchRanges(re *regexp2.Regexp, s string) ([][2]int, error) {
	offs := runeOffsets(s)

	var ranges [][2]int

	m, err := re.FindStringMatch(s)
	for m != nil && err == nil {
		ranges = append(ranges, [2]int{offs[m.Index], offs[m.Index+m.Length]})
		m, err = re.FindNextMatch(m)
	}

	if err != nil {
		return nil, fmt.Errorf("pretokenizer: match: %w", err)
	}

	return ranges, nil
}

func regexSplit(re *regexp2.Regexp) func(PreToken) ([]PreToken, error) {
	return func(tok PreToken) ([]PreToken, error) {
		ranges, err := matchRanges(re, tok.Value)
		if err != nil {
			return nil, err
		}

		return tok.splitRanges(ranges), nil
	}
}

// Whitespace splits into runs of word characters and runs of other
// non-space characters.
type Whitespace struct{}

func (Whitespace) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	return splitEach(tokens, regexSplit(wordRegexp))
}

// WhitespaceSplit splits on white space only.
type WhitespaceSplit struct{}

func (WhitespaceSplit) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	return splitEach(tokens, func(tok PreToken) ([]PreToken, error) {
		var ranges [][2]int

		start := -1
		for i, r := range tok.Value {
			switch {
			case unicode.IsSpace(r):
				if start >= 0 {
					ranges = append(ranges, [2]int{start, i})
					start = -1
				}
			case start < 0:
				start = i
			}
		}

		if start >= 0 {
			ranges = append(ranges, [2]int{start, len(tok.Value)})
		}

		return tok.splitRanges(ranges), nil
	})
}

// Punctuation isolates every punctuation character into its own token.
type Punctuation struct{}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || (r < utf8.RuneSelf && unicode.IsSymbol(r))
}

func (Punctuation) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	return splitEach(tokens, func(tok PreToken) ([]PreToken, error) {
		var ranges [][2]int

		start := 0
		for i, r := range tok.Value {
			if !isPunct(r) {
				continue
			}

			size := utf8.RuneLen(r)
			if size < 0 {
				size = 1
			}

			ranges = append(ranges, [2]int{start, i}, [2]int{i, i + size})
			start = i + size
		}

		ranges = append(ranges, [2]int{start, len(tok.Value)})

		return tok.splitRanges(ranges), nil
	})
}

// ByteLevel splits with the GPT-2 pattern and maps every byte to its
// printable stand-in. With AddPrefixSpace a space is inserted in front of
// tokens that do not already start with one.
type ByteLevel struct {
	AddPrefixSpace bool
}

func (b ByteLevel) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	return splitEach(tokens, func(tok PreToken) ([]PreToken, error) {
		if b.AddPrefixSpace && tok.Value != "" && !strings.HasPrefix(tok.Value, " ") {
			w := newBuilder(tok)
			w.emit(" ", 0, 0)

			for i := range len(tok.Value) {
				w.emit(tok.Value[i:i+1], i, i+1)
			}

			tok = w.token()
		}

		words, err := regexSplit(gpt2Regexp)(tok)
		if err != nil {
			return nil, err
		}

		for i, word := range words {
			w := newBuilder(word)
			for j := range len(word.Value) {
				w.emit(string(bytelevel.Rune(word.Value[j])), j, j+1)
			}

			words[i] = w.token()
		}

		return words, nil
	})
}

// Metaspace replaces spaces by Replacement and starts a new token in front
// of every replacement. With AddPrefixSpace a replacement is inserted in
// front of tokens that do not already start with one.
type Metaspace struct {
	Replacement    string
	AddPrefixSpace bool
}

func (m Metaspace) replacement() string {
	if m.Replacement == "" {
		return MetaspaceReplacement
	}

	return m.Replacement
}

func (m Metaspace) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	repl := m.replacement()

	return splitEach(tokens, func(tok PreToken) ([]PreToken, error) {
		if tok.Value == "" {
			return nil, nil
		}

		w := newBuilder(tok)
		if m.AddPrefixSpace && !strings.HasPrefix(tok.Value, " ") && !strings.HasPrefix(tok.Value, repl) {
			w.emit(repl, 0, 0)
		}

		for i := 0; i < len(tok.Value); i++ {
			if tok.Value[i] == ' ' {
				w.emit(repl, i, i+1)
			} else {
				w.emit(tok.Value[i:i+1], i, i+1)
			}
		}

		spaced := w.token()

		var ranges [][2]int

		start := 0
		for i := 0; i < len(spaced.Value); {
			if i > start && strings.HasPrefix(spaced.Value[i:], repl) {
				ranges = append(ranges, [2]int{start, i})
				start = i
			}

			if strings.HasPrefix(spaced.Value[i:], repl) {
				i += len(repl)
			} else {
				i++
			}
		}

		ranges = append(ranges, [2]int{start, len(spaced.Value)})

		return spaced.splitRanges(ranges), nil
	})
}

// Sequence applies pre-tokenizers in order, each to the output of the
// previous one.
type Sequence []PreTokenizer

func (seq Sequence) PreTokenize(tokens []PreToken) ([]PreToken, error) {
	var err error
	for _, p := range seq {
		tokens, err = p.PreTokenize(tokens)
		if err != nil {
			return nil, err
		}
	}

	return tokens, nil
}
