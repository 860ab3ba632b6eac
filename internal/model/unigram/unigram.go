// Package unigram implements the Unigram language model tokenizer: Viterbi
// segmentation over a table of log-probability scored pieces, and an EM
// trainer that prunes a large seed vocabulary down to a target size.
package unigram

import (
	"fmt"
	"math"
	"slices"
	"unicode/utf8"

	"github.com/example/go-subword/internal/model"
)

// UnkPenalty is subtracted from the lowest piece score to score the unknown
// node inserted where no single-character piece exists.
const UnkPenalty = 10.0

// Piece is a vocabulary unit with its log-probability.
type Piece struct {
	Value string
	Score float64
}

// Unigram is an immutable Unigram model. It is safe for concurrent use.
type Unigram struct {
	pieces   []Piece
	vocab    *model.Vocabulary
	trie     *trie
	minScore float64
	unkID    int

	fuseUnk      bool
	byteFallback bool
}

// Option configures a Unigram model.
type Option func(*Unigram)

// WithFuseUnk controls whether runs of unknown characters collapse into one
// token. It is on by default.
func WithFuseUnk(fuse bool) Option {
	return func(u *Unigram) { u.fuseUnk = fuse }
}

// WithByteFallback encodes unknown characters as <0xXX> byte pieces when the
// table holds them.
func WithByteFallback(enabled bool) Option {
	return func(u *Unigram) { u.byteFallback = enabled }
}

// New builds a model from a piece table; pieces[i] gets id i. unkID is the
// id of the unknown piece, or -1 if there is none.
func New(pieces []Piece, unkID int, opts ...Option) (*Unigram, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: empty piece table", model.ErrInvalidVocabulary)
	}

	if unkID < -1 || unkID >= len(pieces) {
		return nil, fmt.Errorf("%w: unknown id %d outside [0, %d)", model.ErrInvalidVocabulary, unkID, len(pieces))
	}

	u := &Unigram{
		pieces:   slices.Clone(pieces),
		vocab:    model.NewVocabulary(),
		trie:     newTrie(),
		minScore: math.Inf(1),
		unkID:    unkID,
		fuseUnk:  true,
	}

	for _, opt := range opts {
		opt(u)
	}

	for id, p := range pieces {
		if p.Value == "" {
			return nil, fmt.Errorf("%w: empty piece at id %d", model.ErrInvalidVocabulary, id)
		}

		if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) {
			return nil, fmt.Errorf("%w: piece %q has score %v", model.ErrInvalidVocabulary, p.Value, p.Score)
		}

		if prev, dup := u.vocab.ID(p.Value); dup {
			return nil, fmt.Errorf("%w: piece %q at ids %d and %d", model.ErrInvalidVocabulary, p.Value, prev, id)
		}

		u.vocab.Add(p.Value)
		u.trie.insert(p.Value, id)
		u.minScore = min(u.minScore, p.Score)
	}

	return u, nil
}

func (u *Unigram) Kind() string { return model.KindUnigram }

func (u *Unigram) VocabSize() int { return u.vocab.Len() }

func (u *Unigram) Vocab() map[string]int { return u.vocab.Map() }

func (u *Unigram) TokenToID(token string) (int, bool) { return u.vocab.ID(token) }

func (u *Unigram) IDToToken(id int) (string, bool) { return u.vocab.Token(id) }

// Pieces returns the piece table ordered by id.
func (u *Unigram) Pieces() []Piece { return slices.Clone(u.pieces) }

// UnkID returns the unknown piece id, or -1.
func (u *Unigram) UnkID() int { return u.unkID }

// populate inserts every piece occurring in the lattice sentence, except
// exclude, plus an unknown node wherever no single-character piece starts.
func (u *Unigram) populate(l *lattice, exclude int) {
	unkScore := u.minScore - UnkPenalty

	s := l.sentence
	for pos := 0; pos < len(s); {
		_, size := utf8.DecodeRuneInString(s[pos:])

		single := false
		u.trie.prefixes(s[pos:], func(length, id int) {
			if id == exclude {
				return
			}

			l.insert(pos, length, u.pieces[id].Score, id)
			if length == size {
				single = true
			}
		})

		if !single {
			l.insert(pos, size, unkScore, u.unkID).unk = true
		}

		pos += size
	}
}

// Tokenize encodes one pre-token with the most likely segmentation.
func (u *Unigram) Tokenize(sequence string) ([]model.Token, error) {
	if sequence == "" {
		return nil, nil
	}

	l := newLattice(sequence)
	u.populate(l, -1)

	path := l.viterbi()
	tokens := make([]model.Token, 0, len(path))

	lastUnk := false
	for _, nd := range path {
		start, end := nd.pos, nd.pos+nd.length

		if !nd.unk {
			tokens = append(tokens, model.Token{ID: nd.id, Value: u.pieces[nd.id].Value, Offsets: [2]int{start, end}})
			lastUnk = false

			continue
		}

		if ids, ok := u.byteTokens(sequence[start:end]); ok {
			for k, id := range ids {
				tokens = append(tokens, model.Token{ID: id, Value: u.pieces[id].Value, Offsets: [2]int{start + k, start + k + 1}})
			}

			lastUnk = false

			continue
		}

		if u.unkID < 0 {
			return nil, fmt.Errorf("%w: %q has no piece", model.ErrUnknownToken, sequence[start:end])
		}

		if lastUnk && u.fuseUnk {
			tokens[len(tokens)-1].Offsets[1] = end
			continue
		}

		tokens = append(tokens, model.Token{ID: u.unkID, Value: u.pieces[u.unkID].Value, Offsets: [2]int{start, end}})
		lastUnk = true
	}

	model.Trace("unigram encoded", "sequence", sequence, "tokens", len(tokens))

	return tokens, nil
}

func (u *Unigram) byteTokens(s string) ([]int, bool) {
	if !u.byteFallback {
		return nil, false
	}

	ids := make([]int, len(s))
	for k := range len(s) {
		id, ok := u.vocab.ID(model.ByteToken(s[k]))
		if !ok {
			return nil, false
		}

		ids[k] = id
	}

	return ids, true
}
