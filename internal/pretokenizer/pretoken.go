// Package pretokenizer splits normalized text into the words handed to a
// model. Splitters may also rewrite the text of a word (byte-level mapping,
// metaspace replacement), so each PreToken carries its own alignment back to
// normalized coordinates.
package pretokenizer

import (
	"unicode/utf8"

	"github.com/example/go-subword/internal/normalizer"
)

// PreToken is one word of normalized text.
type PreToken struct {
	// Value is the text handed to the model.
	Value string
	// Span is the range of normalized text the token was taken from.
	Span normalizer.Span
	// Align maps each byte of Value to a normalized span. A nil Align means
	// Value is the normalized text of Span byte for byte.
	Align []normalizer.Span
}

// New returns a single pre-token covering the whole of s.
func New(s string) PreToken {
	return PreToken{Value: s, Span: normalizer.Span{Start: 0, End: len(s)}}
}

// NormalizedSpan maps the Value byte range [start, end) to normalized
// coordinates.
func (p PreToken) NormalizedSpan(start, end int) normalizer.Span {
	start = max(start, 0)
	end = min(end, len(p.Value))

	if p.Align == nil {
		if start >= end {
			return normalizer.Span{Start: p.Span.Start + start, End: p.Span.Start + start}
		}

		return normalizer.Span{Start: p.Span.Start + start, End: p.Span.Start + end}
	}

	if start >= end {
		pos := p.Span.End
		if start < len(p.Align) {
			pos = p.Align[start].Start
		}

		return normalizer.Span{Start: pos, End: pos}
	}

	out := p.Align[start]
	for _, s := range p.Align[start+1 : end] {
		out.Start = min(out.Start, s.Start)
		out.End = max(out.End, s.End)
	}

	return out
}

// slice returns the sub-token for the Value byte range [start, end).
func (p PreToken) slice(start, end int) PreToken {
	out := PreToken{Value: p.Value[start:end], Span: p.NormalizedSpan(start, end)}
	if p.Align != nil {
		out.Align = p.Align[start:end]
	}

	return out
}

// splitRanges cuts p into the given non-overlapping, ordered Value ranges.
// Empty ranges are dropped.
func (p PreToken) splitRanges(ranges [][2]int) []PreToken {
	out := make([]PreToken, 0, len(ranges))
	for _, r := range ranges {
		if r[0] < r[1] {
			out = append(out, p.slice(r[0], r[1]))
		}
	}

	return out
}

// builder assembles a rewritten Value whose bytes keep pointing at the
// normalized text of the source token.
type builder struct {
	src   PreToken
	buf   []byte
	align []normalizer.Span
}

func newBuilder(src PreToken) *builder {
	return &builder{
		src:   src,
		buf:   make([]byte, 0, len(src.Value)+4),
		align: make([]normalizer.Span, 0, len(src.Value)+4),
	}
}

// emit appends out, derived from the source Value range [srcStart, srcEnd).
func (b *builder) emit(out string, srcStart, srcEnd int) {
	span := b.src.NormalizedSpan(srcStart, srcEnd)

	b.buf = append(b.buf, out...)
	for range len(out) {
		b.align = append(b.align, span)
	}
}

func (b *builder) token() PreToken {
	return PreToken{Value: string(b.buf), Span: b.src.Span, Align: b.align}
}

// runeOffsets returns the byte offset of every rune of s plus len(s), the
// indexing regexp2 match positions are expressed in.
func runeOffsets(s string) []int {
	offs := make([]int, 0, len(s)+1)
	for i := 0; i < len(s); {
		offs = append(offs, i)
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}

	return append(offs, len(s))
}
