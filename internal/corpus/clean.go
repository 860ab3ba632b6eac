package corpus

import (
	"errors"
	"strings"
)

// ErrEmptyText is returned when a document is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Clean normalizes line endings to \n and trims surrounding white space.
// Empty or whitespace-only input is rejected.
func Clean(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}

// Sentences groups the sentences of text (ended by ., ! or ?) into chunks of
// at most maxBytes. A sentence longer than maxBytes is kept whole. maxBytes
// <= 0 returns text unchanged.
func Sentences(text string, maxBytes int) []string {
	if maxBytes <= 0 {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
	)

	for _, s := range sentences {
		switch {
		case current.Len() == 0:
			current.WriteString(s)
		case current.Len()+1+len(s) > maxBytes:
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(s)
		default:
			current.WriteByte(' ')
			current.WriteString(s)
		}
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// splitSentences cuts after each terminator and drops blank pieces.
func splitSentences(text string) []string {
	var out []string

	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}

		start = i + 1
	}

	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}

	return out
}
