package model

import (
	"fmt"
	"sort"
)

// Vocabulary is a dense bijection between token strings and ids. Ids are
// assigned in insertion order starting at 0.
//
// A Vocabulary is mutated only while it is being built; models treat it as
// read-only afterwards, so concurrent lookups need no locking.
type Vocabulary struct {
	tokens []string
	ids    map[string]int
}

// NewVocabulary returns an empty vocabulary.
func NewVocabulary() *Vocabulary {
	return &Vocabulary{ids: make(map[string]int)}
}

// VocabularyFromTokens builds a vocabulary where tokens[i] gets id i.
func VocabularyFromTokens(tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens: make([]string, 0, len(tokens)),
		ids:    make(map[string]int, len(tokens)),
	}

	for i, tok := range tokens {
		if prev, exists := v.ids[tok]; exists {
			return nil, fmt.Errorf("%w: duplicate token %q at ids %d and %d", ErrMalformedState, tok, prev, i)
		}

		v.ids[tok] = i
		v.tokens = append(v.tokens, tok)
	}

	return v, nil
}

// VocabularyFromMap validates a token->id table and builds a vocabulary from
// it. Ids must be dense in [0, len(m)) and unique.
func VocabularyFromMap(m map[string]int) (*Vocabulary, error) {
	tokens := make([]string, len(m))
	seen := make([]bool, len(m))

	for tok, id := range m {
		if id < 0 || id >= len(m) {
			return nil, fmt.Errorf("%w: token %q has id %d outside [0, %d)", ErrMalformedState, tok, id, len(m))
		}

		if seen[id] {
			return nil, fmt.Errorf("%w: id %d assigned to %q and %q", ErrMalformedState, id, tokens[id], tok)
		}

		seen[id] = true
		tokens[id] = tok
	}

	// with len(m) distinct ids in [0, len(m)) every slot is filled
	return VocabularyFromTokens(tokens)
}

// Add inserts token if absent and returns its id.
func (v *Vocabulary) Add(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}

	id := len(v.tokens)
	v.tokens = append(v.tokens, token)
	v.ids[token] = id

	return id
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the token for id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}

	return v.tokens[id], true
}

// Len returns the number of tokens.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// Tokens returns a copy of the tokens ordered by id.
func (v *Vocabulary) Tokens() []string { return append([]string(nil), v.tokens...) }

// Map returns a copy of the token->id table.
func (v *Vocabulary) Map() map[string]int {
	out := make(map[string]int, len(v.ids))
	for tok, id := range v.ids {
		out[tok] = id
	}

	return out
}

// SortedByID returns the entries of m ordered by ascending id. It is used when
// writing tables whose order must be reproducible.
func SortedByID(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for tok := range m {
		out = append(out, tok)
	}

	sort.Slice(out, func(i, j int) bool { return m[out[i]] < m[out[j]] })

	return out
}
