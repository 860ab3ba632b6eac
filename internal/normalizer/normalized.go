package normalizer

import "unicode/utf8"

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int
	End   int
}

// NormalizedString tracks a normalized text together with, for every
// normalized byte, the span of the original text it was derived from.
// Transforms never reorder text, so the alignments are non-decreasing.
type NormalizedString struct {
	original   string
	normalized string
	align      []Span
}

// NewNormalizedString returns an identity-normalized view of s. Each byte is
// aligned to the span of the rune that contains it.
func NewNormalizedString(s string) *NormalizedString {
	align := make([]Span, len(s))
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		for k := i; k < i+size; k++ {
			align[k] = Span{Start: i, End: i + size}
		}

		i += size
	}

	return &NormalizedString{original: s, normalized: s, align: align}
}

// Original returns the text before normalization.
func (n *NormalizedString) Original() string { return n.original }

// Normalized returns the current normalized text.
func (n *NormalizedString) Normalized() string { return n.normalized }

// Len returns the byte length of the normalized text.
func (n *NormalizedString) Len() int { return len(n.normalized) }

// OriginalSpan maps the normalized byte range [start, end) to the original
// text. Empty ranges map to a zero-width span at the corresponding position.
func (n *NormalizedString) OriginalSpan(start, end int) Span {
	if start < 0 {
		start = 0
	}

	if end > len(n.align) {
		end = len(n.align)
	}

	if start >= end {
		p := n.point(start)
		return Span{Start: p, End: p}
	}

	return union(n.align[start:end])
}

// point maps a normalized byte position to an original byte position.
func (n *NormalizedString) point(pos int) int {
	switch {
	case len(n.align) == 0:
		if pos <= 0 {
			return 0
		}

		return len(n.original)
	case pos < len(n.align):
		return n.align[pos].Start
	default:
		return n.align[len(n.align)-1].End
	}
}

func union(spans []Span) Span {
	out := spans[0]
	for _, s := range spans[1:] {
		out.Start = min(out.Start, s.Start)
		out.End = max(out.End, s.End)
	}

	return out
}

// rewriter builds a new normalized text from chunks that each derive from a
// range of the current normalized text.
type rewriter struct {
	src   *NormalizedString
	buf   []byte
	align []Span
}

// emit appends out, derived from the current normalized range [srcStart, srcEnd).
// An empty source range marks an insertion; an empty out marks a deletion.
func (w *rewriter) emit(out string, srcStart, srcEnd int) {
	if out == "" {
		return
	}

	span := w.src.OriginalSpan(srcStart, srcEnd)

	w.buf = append(w.buf, out...)
	for range len(out) {
		w.align = append(w.align, span)
	}
}

// keep copies the current normalized range [start, end) unchanged, preserving
// its per-byte alignment.
func (w *rewriter) keep(start, end int) {
	w.buf = append(w.buf, w.src.normalized[start:end]...)
	w.align = append(w.align, w.src.align[start:end]...)
}

// rewrite replaces the normalized text with the output of fn.
func (n *NormalizedString) rewrite(fn func(w *rewriter)) {
	w := &rewriter{
		src:   n,
		buf:   make([]byte, 0, len(n.normalized)),
		align: make([]Span, 0, len(n.normalized)),
	}

	fn(w)

	n.normalized = string(w.buf)
	n.align = w.align
}

// mapRunes rewrites the text rune by rune; fn returns the replacement for r.
func (n *NormalizedString) mapRunes(fn func(r rune) string) {
	n.rewrite(func(w *rewriter) {
		s := n.normalized
		for i := 0; i < len(s); {
			r, size := utf8.DecodeRuneInString(s[i:])

			out := fn(r)
			if out == s[i:i+size] {
				w.keep(i, i+size)
			} else {
				w.emit(out, i, i+size)
			}

			i += size
		}
	})
}
