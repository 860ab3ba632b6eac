package tokenizer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/example/go-subword/internal/model"
)

// AddedToken is a token matched verbatim in the input before normalization.
// It is never split by the model.
type AddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// addedVocabulary holds the added tokens and the pattern that finds them.
// It is rebuilt, never mutated, once published in a pipeline.
type addedVocabulary struct {
	tokens    []AddedToken
	byContent map[string]int
	byID      map[int]int
	pattern   *regexp2.Regexp
}

func newAddedVocabulary(tokens []AddedToken) (*addedVocabulary, error) {
	a := &addedVocabulary{
		tokens:    slices.Clone(tokens),
		byContent: make(map[string]int, len(tokens)),
		byID:      make(map[int]int, len(tokens)),
	}

	for i, tok := range a.tokens {
		if tok.Content == "" || !utf8.ValidString(tok.Content) {
			return nil, fmt.Errorf("%w: added token %q at id %d is empty or not UTF-8", model.ErrMalformedState, tok.Content, tok.ID)
		}

		if _, dup := a.byContent[tok.Content]; dup {
			return nil, fmt.Errorf("%w: added token %q listed twice", model.ErrMalformedState, tok.Content)
		}

		if prev, dup := a.byID[tok.ID]; dup {
			return nil, fmt.Errorf("%w: id %d assigned to added tokens %q and %q",
				model.ErrMalformedState, tok.ID, a.tokens[prev].Content, tok.Content)
		}

		a.byContent[tok.Content] = i
		a.byID[tok.ID] = i
	}

	if len(a.tokens) == 0 {
		return a, nil
	}

	// longest first so that the leftmost match prefers the longer token
	contents := make([]string, len(a.tokens))
	for i, tok := range a.tokens {
		contents[i] = tok.Content
	}

	slices.SortFunc(contents, func(x, y string) int {
		if c := cmp.Compare(len(y), len(x)); c != 0 {
			return c
		}

		return strings.Compare(x, y)
	})

	alts := make([]string, len(contents))
	for i, c := range contents {
		alts[i] = regexp2.Escape(c)
	}

	pattern, err := regexp2.Compile(strings.Join(alts, "|"), regexp2.Unicode|regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compile added tokens: %w", err)
	}

	a.pattern = pattern

	return a, nil
}

// withTokens returns a copy of a extended by contents. A content already
// known keeps its id; a content in the model vocabulary reuses the model id;
// anything else is appended after both.
func (a *addedVocabulary) withTokens(m model.Model, contents []string, special bool) (*addedVocabulary, error) {
	tokens := slices.Clone(a.tokens)
	next := a.nextID(m)

	for _, c := range contents {
		if c == "" {
			continue
		}

		if i, ok := a.byContent[c]; ok {
			tokens[i].Special = tokens[i].Special || special
			continue
		}

		if slices.ContainsFunc(tokens[len(a.tokens):], func(t AddedToken) bool { return t.Content == c }) {
			continue
		}

		id, ok := -1, false
		if m != nil {
			id, ok = m.TokenToID(c)
		}

		if !ok {
			id = next
			next++
		}

		tokens = append(tokens, AddedToken{ID: id, Content: c, Special: special})
	}

	return newAddedVocabulary(tokens)
}

// refresh reassigns ids against a new model: tokens the model knows take the
// model id and the rest are packed after the model vocabulary.
func (a *addedVocabulary) refresh(m model.Model) (*addedVocabulary, error) {
	tokens := slices.Clone(a.tokens)
	next := m.VocabSize()

	for i := range tokens {
		if id, ok := m.TokenToID(tokens[i].Content); ok {
			tokens[i].ID = id
			continue
		}

		tokens[i].ID = next
		next++
	}

	return newAddedVocabulary(tokens)
}

// validate checks persisted ids against the model they were saved with.
func (a *addedVocabulary) validate(m model.Model) error {
	for _, tok := range a.tokens {
		id, known := m.TokenToID(tok.Content)

		switch {
		case known && id != tok.ID:
			return fmt.Errorf("%w: added token %q has id %d, model says %d", model.ErrMalformedState, tok.Content, tok.ID, id)
		case !known && tok.ID < m.VocabSize():
			if other, ok := m.IDToToken(tok.ID); ok {
				return fmt.Errorf("%w: added token %q reuses id %d of %q", model.ErrMalformedState, tok.Content, tok.ID, other)
			}
		}

		if tok.ID < 0 {
			return fmt.Errorf("%w: added token %q has negative id", model.ErrMalformedState, tok.Content)
		}
	}

	return nil
}

func (a *addedVocabulary) nextID(m model.Model) int {
	next := 0
	if m != nil {
		next = m.VocabSize()
	}

	for _, tok := range a.tokens {
		next = max(next, tok.ID+1)
	}

	return next
}

func (a *addedVocabulary) content(id int) (AddedToken, bool) {
	i, ok := a.byID[id]
	if !ok {
		return AddedToken{}, false
	}

	return a.tokens[i], true
}

func (a *addedVocabulary) lookup(content string) (AddedToken, bool) {
	i, ok := a.byContent[content]
	if !ok {
		return AddedToken{}, false
	}

	return a.tokens[i], true
}

// segment is a piece of input text, either an added token or plain text
// to run through the pipeline.
type segment struct {
	start, end int
	added      *AddedToken
}

// split cuts text around the leftmost, longest occurrences of added tokens.
func (a *addedVocabulary) split(text string) ([]segment, error) {
	if a.pattern == nil || text == "" {
		if text == "" {
			return nil, nil
		}

		return []segment{{start: 0, end: len(text)}}, nil
	}

	// regexp2 reports positions in runes
	offs := make([]int, 0, len(text)+1)
	for i := range text {
		offs = append(offs, i)
	}

	offs = append(offs, len(text))

	var (
		out  []segment
		prev int
	)

	m, err := a.pattern.FindStringMatch(text)
	for m != nil && err == nil {
		start, end := offs[m.Index], offs[m.Index+m.Length]

		// invalid UTF-8 in text can match a literal U+FFFD
		if tok, ok := a.lookup(text[start:end]); ok {
			if start > prev {
				out = append(out, segment{start: prev, end: start})
			}

			out = append(out, segment{start: start, end: end, added: &tok})
			prev = end
		}

		m, err = a.pattern.FindNextMatch(m)
	}

	if err != nil {
		return nil, fmt.Errorf("match added tokens: %w", err)
	}

	if prev < len(text) {
		out = append(out, segment{start: prev, end: len(text)})
	}

	return out, nil
}
