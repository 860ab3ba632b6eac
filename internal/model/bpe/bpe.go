// Package bpe implements the byte-pair-encoding model and its trainer.
package bpe

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode/utf8"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/example/go-subword/internal/model"
)

// Merge is a learned rule joining two adjacent pieces. Its rank is its
// position in the merge list.
type Merge struct {
	Left  string
	Right string
}

func (m Merge) String() string { return m.Left + " " + m.Right }

type pairKey struct {
	left, right int
}

type mergeRule struct {
	rank  int
	newID int
}

// BPE is an immutable byte-pair-encoding model. It is safe for concurrent
// use.
type BPE struct {
	vocab  *model.Vocabulary
	merges []Merge
	rules  map[pairKey]mergeRule

	unkToken     string
	unkID        int
	fuseUnk      bool
	prefix       string
	suffix       string
	byteFallback bool
	dropout      float64

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a BPE model.
type Option func(*BPE)

// WithUnkToken sets the token that stands in for unknown symbols.
func WithUnkToken(tok string) Option {
	return func(b *BPE) { b.unkToken = tok }
}

// WithFuseUnk collapses runs of unknown symbols into a single token.
func WithFuseUnk(fuse bool) Option {
	return func(b *BPE) { b.fuseUnk = fuse }
}

// WithContinuingSubwordPrefix marks every symbol that does not start a word,
// e.g. "##".
func WithContinuingSubwordPrefix(prefix string) Option {
	return func(b *BPE) { b.prefix = prefix }
}

// WithEndOfWordSuffix marks the last symbol of a word, e.g. "</w>".
func WithEndOfWordSuffix(suffix string) Option {
	return func(b *BPE) { b.suffix = suffix }
}

// WithByteFallback encodes unknown characters as <0xXX> byte tokens when the
// vocabulary holds them.
func WithByteFallback(enabled bool) Option {
	return func(b *BPE) { b.byteFallback = enabled }
}

// WithDropout skips each candidate merge with probability p during encoding.
func WithDropout(p float64) Option {
	return func(b *BPE) { b.dropout = p }
}

// WithSeed makes dropout reproducible.
func WithSeed(seed uint64) Option {
	return func(b *BPE) { b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// New builds a model from a vocabulary and an ordered merge list. Every piece
// a merge references or produces must be in the vocabulary.
func New(vocab *model.Vocabulary, merges []Merge, opts ...Option) (*BPE, error) {
	b := &BPE{
		vocab:  vocab,
		merges: merges,
		rules:  make(map[pairKey]mergeRule, len(merges)),
		unkID:  -1,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.dropout < 0 || b.dropout > 1 {
		return nil, fmt.Errorf("bpe: dropout %v outside [0, 1]", b.dropout)
	}

	if b.unkToken != "" {
		id, ok := vocab.ID(b.unkToken)
		if !ok {
			return nil, fmt.Errorf("%w: unknown token %q not in vocabulary", model.ErrInvalidVocabulary, b.unkToken)
		}

		b.unkID = id
	}

	for rank, m := range merges {
		left, ok := vocab.ID(m.Left)
		if !ok {
			return nil, fmt.Errorf("%w: merge %d %q references missing piece %q", model.ErrInvalidVocabulary, rank, m, m.Left)
		}

		right, ok := vocab.ID(m.Right)
		if !ok {
			return nil, fmt.Errorf("%w: merge %d %q references missing piece %q", model.ErrInvalidVocabulary, rank, m, m.Right)
		}

		merged := joinPieces(m.Left, m.Right, b.prefix)

		newID, ok := vocab.ID(merged)
		if !ok {
			return nil, fmt.Errorf("%w: merge %d %q produces missing piece %q", model.ErrInvalidVocabulary, rank, m, merged)
		}

		key := pairKey{left, right}
		if _, dup := b.rules[key]; dup {
			return nil, fmt.Errorf("%w: duplicate merge %q at rank %d", model.ErrInvalidVocabulary, m, rank)
		}

		b.rules[key] = mergeRule{rank: rank, newID: newID}
	}

	return b, nil
}

// joinPieces returns the piece produced by merging left and right. The
// continuation prefix of right is dropped.
func joinPieces(left, right, prefix string) string {
	if prefix != "" {
		right = strings.TrimPrefix(right, prefix)
	}

	return left + right
}

func (b *BPE) Kind() string { return model.KindBPE }

func (b *BPE) VocabSize() int { return b.vocab.Len() }

func (b *BPE) Vocab() map[string]int { return b.vocab.Map() }

func (b *BPE) TokenToID(token string) (int, bool) { return b.vocab.ID(token) }

func (b *BPE) IDToToken(id int) (string, bool) { return b.vocab.Token(id) }

// Merges returns the merge list ordered by rank.
func (b *BPE) Merges() []Merge { return append([]Merge(nil), b.merges...) }

// Dropout returns the merge dropout probability.
func (b *BPE) Dropout() float64 { return b.dropout }

// symbol is one node of the doubly linked list a word is merged in.
type symbol struct {
	id         int
	start, end int
	prev, next int
	unk        bool
}

// candidate is a mergeable adjacent pair starting at symbol pos.
type candidate struct {
	pos   int
	rank  int
	newID int
}

// Tokenize encodes one pre-token.
func (b *BPE) Tokenize(sequence string) ([]model.Token, error) {
	if sequence == "" {
		return nil, nil
	}

	symbols, err := b.symbols(sequence)
	if err != nil {
		return nil, err
	}

	b.merge(symbols)

	tokens := make([]model.Token, 0, len(symbols))
	for i := 0; i >= 0 && i < len(symbols); i = symbols[i].next {
		s := symbols[i]
		value, _ := b.vocab.Token(s.id)
		tokens = append(tokens, model.Token{ID: s.id, Value: value, Offsets: [2]int{s.start, s.end}})
	}

	model.Trace("bpe encoded", "sequence", sequence, "tokens", len(tokens))

	return tokens, nil
}

// symbols splits sequence into its initial symbols, resolving decorations,
// byte fallback and unknowns.
func (b *BPE) symbols(sequence string) ([]symbol, error) {
	symbols := make([]symbol, 0, len(sequence))

	push := func(s symbol) {
		s.prev = len(symbols) - 1
		s.next = len(symbols) + 1
		symbols = append(symbols, s)
	}

	for i := 0; i < len(sequence); {
		_, size := utf8.DecodeRuneInString(sequence[i:])
		end := i + size

		piece := sequence[i:end]
		if i > 0 && b.prefix != "" {
			piece = b.prefix + piece
		}

		if end == len(sequence) && b.suffix != "" {
			piece += b.suffix
		}

		if id, ok := b.vocab.ID(piece); ok {
			push(symbol{id: id, start: i, end: end})
			i = end

			continue
		}

		if ids, ok := b.byteTokens(sequence[i:end]); ok {
			for k, id := range ids {
				push(symbol{id: id, start: i + k, end: i + k + 1})
			}

			i = end

			continue
		}

		if b.unkID < 0 {
			return nil, fmt.Errorf("%w: %q has no vocabulary entry", model.ErrUnknownToken, sequence[i:end])
		}

		if n := len(symbols); b.fuseUnk && n > 0 && symbols[n-1].unk {
			symbols[n-1].end = end
		} else {
			push(symbol{id: b.unkID, start: i, end: end, unk: true})
		}

		i = end
	}

	if n := len(symbols); n > 0 {
		symbols[n-1].next = -1
	}

	return symbols, nil
}

// byteTokens maps the bytes of s to <0xXX> tokens when byte fallback is on
// and every byte token exists.
func (b *BPE) byteTokens(s string) ([]int, bool) {
	if !b.byteFallback {
		return nil, false
	}

	ids := make([]int, len(s))
	for k := range len(s) {
		id, ok := b.vocab.ID(model.ByteToken(s[k]))
		if !ok {
			return nil, false
		}

		ids[k] = id
	}

	return ids, true
}

// merge repeatedly applies the lowest ranked merge, leftmost first, until no
// adjacent pair has a rule.
func (b *BPE) merge(symbols []symbol) {
	queue := heap.NewWith(func(x, y candidate) int {
		if c := cmp.Compare(x.rank, y.rank); c != 0 {
			return c
		}

		return cmp.Compare(x.pos, y.pos)
	})

	push := func(pos int) {
		if pos < 0 || symbols[pos].next < 0 {
			return
		}

		rule, ok := b.rules[pairKey{symbols[pos].id, symbols[symbols[pos].next].id}]
		if !ok {
			return
		}

		queue.Push(candidate{pos: pos, rank: rule.rank, newID: rule.newID})
	}

	for i := range symbols {
		push(i)
	}

	var skipped []candidate

	for !queue.Empty() {
		top, _ := queue.Pop()

		if b.skip() {
			skipped = append(skipped, top)
			continue
		}

		for _, c := range skipped {
			queue.Push(c)
		}

		skipped = skipped[:0]

		left := &symbols[top.pos]
		if left.end == left.start || left.next < 0 {
			continue
		}

		rule, ok := b.rules[pairKey{left.id, symbols[left.next].id}]
		if !ok || rule.rank != top.rank {
			continue
		}

		right := &symbols[left.next]
		left.id = top.newID
		left.end = right.end
		left.unk = false
		left.next = right.next
		right.start, right.end = 0, 0

		if left.next >= 0 {
			symbols[left.next].prev = top.pos
		}

		push(left.prev)
		push(top.pos)
	}
}

// skip reports whether dropout discards the next candidate.
func (b *BPE) skip() bool {
	if b.dropout <= 0 {
		return false
	}

	if b.rng == nil {
		return rand.Float64() < b.dropout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.rng.Float64() < b.dropout
}
