// Package normalizer implements the text->text transforms applied before
// pre-tokenization. Every transform keeps the alignment from normalized bytes
// back to the original input, so offsets survive insertions, deletions and
// replacements.
package normalizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer rewrites a NormalizedString in place.
type Normalizer interface {
	Normalize(n *NormalizedString) error
}

// Unicode applies one of the unicode normalization forms. Each normalization
// segment is rewritten as a unit, so offsets inside a changed segment degrade
// to the span of the segment.
type Unicode struct {
	Form norm.Form
}

// NFC, NFD, NFKC and NFKD return the corresponding Unicode normalizer.
func NFC() Unicode  { return Unicode{Form: norm.NFC} }
func NFD() Unicode  { return Unicode{Form: norm.NFD} }
func NFKC() Unicode { return Unicode{Form: norm.NFKC} }
func NFKD() Unicode { return Unicode{Form: norm.NFKD} }

func (u Unicode) Normalize(n *NormalizedString) error {
	rewriteSegments(n, u.Form, u.Form.String)
	return nil
}

// rewriteSegments splits the normalized text on form boundaries and replaces
// every segment by fn(segment).
func rewriteSegments(n *NormalizedString, form norm.Form, fn func(string) string) {
	n.rewrite(func(w *rewriter) {
		s := n.normalized
		for i := 0; i < len(s); {
			size := form.NextBoundaryInString(s[i:], true)
			if size <= 0 {
				_, size = utf8.DecodeRuneInString(s[i:])
			}

			seg := s[i : i+size]
			if out := fn(seg); out == seg {
				w.keep(i, i+size)
			} else {
				w.emit(out, i, i+size)
			}

			i += size
		}
	})
}

// Lowercase maps every rune to lower case.
type Lowercase struct{}

func (Lowercase) Normalize(n *NormalizedString) error {
	n.mapRunes(func(r rune) string { return string(unicode.ToLower(r)) })
	return nil
}

// Nmt drops control characters and maps every white space rune to a plain
// space, as SentencePiece does before NFKC.
type Nmt struct{}

func (Nmt) Normalize(n *NormalizedString) error {
	n.mapRunes(func(r rune) string {
		switch {
		case unicode.IsSpace(r):
			return " "
		case r == 0 || unicode.IsControl(r):
			return ""
		default:
			return string(r)
		}
	})

	return nil
}

// StripAccents removes combining marks. Segments are decomposed, stripped of
// unicode.Mn runes and recomposed.
type StripAccents struct{}

func (StripAccents) Normalize(n *NormalizedString) error {
	rewriteSegments(n, norm.NFD, func(seg string) string {
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

		out, _, err := transform.String(t, seg)
		if err != nil {
			return seg
		}

		return out
	})

	return nil
}

// Strip removes leading and/or trailing white space.
type Strip struct {
	Left  bool
	Right bool
}

func (s Strip) Normalize(n *NormalizedString) error {
	text := n.normalized

	start, end := 0, len(text)
	if s.Left {
		start = len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
	}

	if s.Right {
		end = len(strings.TrimRightFunc(text, unicode.IsSpace))
	}

	if start >= end {
		start, end = 0, 0
	}

	n.rewrite(func(w *rewriter) { w.keep(start, end) })

	return nil
}

// Prepend inserts a prefix in front of non-empty text.
type Prepend struct {
	Prefix string
}

func (p Prepend) Normalize(n *NormalizedString) error {
	if n.Len() == 0 || p.Prefix == "" {
		return nil
	}

	n.rewrite(func(w *rewriter) {
		w.emit(p.Prefix, 0, 0)
		w.keep(0, n.Len())
	})

	return nil
}

// Replace substitutes every literal occurrence of Pattern by Content.
type Replace struct {
	Pattern string
	Content string
}

func (r Replace) Normalize(n *NormalizedString) error {
	if r.Pattern == "" {
		return nil
	}

	n.rewrite(func(w *rewriter) {
		s := n.normalized

		i := 0
		for {
			j := strings.Index(s[i:], r.Pattern)
			if j < 0 {
				w.keep(i, len(s))
				return
			}

			w.keep(i, i+j)
			w.emit(r.Content, i+j, i+j+len(r.Pattern))
			i += j + len(r.Pattern)
		}
	})

	return nil
}

// Sequence applies normalizers in order.
type Sequence []Normalizer

func (seq Sequence) Normalize(n *NormalizedString) error {
	for _, nz := range seq {
		if err := nz.Normalize(n); err != nil {
			return err
		}
	}

	return nil
}
