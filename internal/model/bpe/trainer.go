package bpe

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"unicode/utf8"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-subword/internal/model"
)

const (
	// DefaultVocabSize is the target vocabulary size when none is configured.
	DefaultVocabSize = 30000
	DefaultUnkToken  = "<unk>"
)

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	// VocabSize is the target size, specials and alphabet included.
	VocabSize int
	// MinFrequency stops training once the best pair occurs less often.
	MinFrequency uint64
	// LimitAlphabet keeps only the most frequent characters. 0 keeps all.
	LimitAlphabet int
	// InitialAlphabet characters are always included.
	InitialAlphabet []rune
	// SpecialTokens take the lowest ids, in order.
	SpecialTokens []string
	// UnkToken defaults to DefaultUnkToken unless NoUnk is set. Byte-level
	// training covers every input and sets NoUnk.
	UnkToken                string
	NoUnk                   bool
	ContinuingSubwordPrefix string
	EndOfWordSuffix         string
	// Workers bounds pair-count sharding. 0 uses GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Trainer learns a merge table from word counts.
type Trainer struct {
	cfg TrainerConfig
}

// NewTrainer returns a trainer with defaults applied to cfg.
func NewTrainer(cfg TrainerConfig) *Trainer {
	if cfg.VocabSize <= 0 {
		cfg.VocabSize = DefaultVocabSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch {
	case cfg.NoUnk:
		cfg.UnkToken = ""
	case cfg.UnkToken == "":
		cfg.UnkToken = DefaultUnkToken
	}

	if cfg.UnkToken != "" && !slices.Contains(cfg.SpecialTokens, cfg.UnkToken) {
		cfg.SpecialTokens = append([]string{cfg.UnkToken}, cfg.SpecialTokens...)
	}

	return &Trainer{cfg: cfg}
}

// SpecialTokens returns the tokens reserved at the lowest ids.
func (t *Trainer) SpecialTokens() []string { return slices.Clone(t.cfg.SpecialTokens) }

// word is a distinct training word as its current symbol sequence.
type word struct {
	symbols []int
	count   uint64
}

type pair struct {
	left, right int
}

// pairStats holds weighted pair counts and the words each pair occurs in.
// Word indexes in where are ascending and unique.
type pairStats struct {
	counts map[pair]int64
	where  map[pair][]int
}

type queued struct {
	pair  pair
	count int64
}

// Train implements model.Trainer.
func (t *Trainer) Train(ctx context.Context, counts map[string]uint64) (model.Model, error) {
	logger := t.cfg.Logger

	texts := make([]string, 0, len(counts))
	for w, c := range counts {
		if w != "" && c > 0 {
			texts = append(texts, w)
		}
	}

	if len(texts) == 0 {
		return nil, model.ErrEmptyCorpus
	}

	slices.Sort(texts)

	vocab := model.NewVocabulary()
	for _, tok := range t.cfg.SpecialTokens {
		vocab.Add(tok)
	}

	for _, r := range t.alphabet(texts, counts) {
		vocab.Add(string(r))
	}

	words := t.words(texts, counts, vocab)

	stats, err := t.countPairs(ctx, words)
	if err != nil {
		return nil, err
	}

	logger.Info("bpe training started",
		"words", len(words),
		"alphabet", vocab.Len()-len(t.cfg.SpecialTokens),
		"target", t.cfg.VocabSize)

	token := func(id int) string {
		s, _ := vocab.Token(id)
		return s
	}

	queue := heap.NewWith(func(x, y queued) int {
		if c := cmp.Compare(y.count, x.count); c != 0 {
			return c
		}

		if c := cmp.Compare(token(x.pair.left), token(y.pair.left)); c != 0 {
			return c
		}

		return cmp.Compare(token(x.pair.right), token(y.pair.right))
	})

	for p, c := range stats.counts {
		if c > 0 {
			queue.Push(queued{pair: p, count: c})
		}
	}

	var merges []Merge

	for vocab.Len() < t.cfg.VocabSize && !queue.Empty() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top, _ := queue.Pop()

		if current := stats.counts[top.pair]; current != top.count {
			if current > 0 {
				queue.Push(queued{pair: top.pair, count: current})
			}

			continue
		}

		if top.count < 1 || uint64(top.count) < t.cfg.MinFrequency {
			break
		}

		left, right := token(top.pair.left), token(top.pair.right)
		newID := vocab.Add(joinPieces(left, right, t.cfg.ContinuingSubwordPrefix))
		merges = append(merges, Merge{Left: left, Right: right})

		changed := make(map[pair]struct{})
		for _, wi := range stats.where[top.pair] {
			w := &words[wi]
			for _, ch := range mergeWord(w, top.pair, newID) {
				stats.counts[ch.pair] += ch.delta * int64(w.count)
				if ch.delta > 0 {
					stats.addWhere(ch.pair, wi)
					changed[ch.pair] = struct{}{}
				}
			}
		}

		delete(stats.counts, top.pair)
		delete(stats.where, top.pair)

		for p := range changed {
			if c := stats.counts[p]; c > 0 {
				queue.Push(queued{pair: p, count: c})
			}
		}

		if len(merges)%1000 == 0 {
			logger.Debug("bpe training progress", "merges", len(merges), "vocab", vocab.Len())
		}
	}

	logger.Info("bpe training finished", "merges", len(merges), "vocab", vocab.Len())

	return New(vocab, merges,
		WithUnkToken(t.cfg.UnkToken),
		WithContinuingSubwordPrefix(t.cfg.ContinuingSubwordPrefix),
		WithEndOfWordSuffix(t.cfg.EndOfWordSuffix),
	)
}

// alphabet returns the initial characters in codepoint order: every observed
// character, limited to the most frequent LimitAlphabet, plus InitialAlphabet.
func (t *Trainer) alphabet(texts []string, counts map[string]uint64) []rune {
	freq := make(map[rune]uint64)
	for _, w := range texts {
		for _, r := range w {
			freq[r] += counts[w]
		}
	}

	for _, r := range t.cfg.InitialAlphabet {
		freq[r] = math.MaxUint64
	}

	chars := make([]rune, 0, len(freq))
	for r := range freq {
		chars = append(chars, r)
	}

	if limit := t.cfg.LimitAlphabet; limit > 0 && len(chars) > limit {
		slices.SortFunc(chars, func(a, b rune) int {
			if c := cmp.Compare(freq[b], freq[a]); c != 0 {
				return c
			}

			return cmp.Compare(a, b)
		})

		chars = chars[:max(limit, len(t.cfg.InitialAlphabet))]
	}

	slices.Sort(chars)

	return chars
}

// words converts each text to its initial symbols. Characters dropped from
// the alphabet are skipped; decorated characters are added to vocab.
func (t *Trainer) words(texts []string, counts map[string]uint64, vocab *model.Vocabulary) []word {
	prefix, suffix := t.cfg.ContinuingSubwordPrefix, t.cfg.EndOfWordSuffix

	words := make([]word, 0, len(texts))
	for _, text := range texts {
		w := word{count: counts[text], symbols: make([]int, 0, utf8.RuneCountInString(text))}

		for i, r := range text {
			s := string(r)
			if _, ok := vocab.ID(s); !ok {
				continue
			}

			if i > 0 && prefix != "" {
				s = prefix + s
			}

			if i+utf8.RuneLen(r) == len(text) && suffix != "" {
				s += suffix
			}

			w.symbols = append(w.symbols, vocab.Add(s))
		}

		words = append(words, w)
	}

	return words
}

// countPairs counts adjacent pairs over contiguous word shards in parallel
// and reduces the shards in order.
func (t *Trainer) countPairs(ctx context.Context, words []word) (*pairStats, error) {
	shards := min(t.cfg.Workers, len(words))
	size := (len(words) + shards - 1) / shards
	partial := make([]*pairStats, shards)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)

	for s := range shards {
		lo, hi := s*size, min((s+1)*size, len(words))

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			st := newPairStats()
			for wi := lo; wi < hi; wi++ {
				w := words[wi]
				for k := 0; k+1 < len(w.symbols); k++ {
					p := pair{w.symbols[k], w.symbols[k+1]}
					st.counts[p] += int64(w.count)
					st.addWhere(p, wi)
				}
			}

			partial[s] = st

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bpe: count pairs: %w", err)
	}

	total := newPairStats()
	for _, st := range partial {
		if st == nil {
			continue
		}

		for p, c := range st.counts {
			total.counts[p] += c
		}

		for p, ws := range st.where {
			total.where[p] = append(total.where[p], ws...)
		}
	}

	return total, nil
}

func newPairStats() *pairStats {
	return &pairStats{counts: make(map[pair]int64), where: make(map[pair][]int)}
}

func (s *pairStats) addWhere(p pair, wi int) {
	ws := s.where[p]
	if n := len(ws); n > 0 && ws[n-1] == wi {
		return
	}

	// words are visited in ascending order except when a merge revisits an
	// earlier word, so fall back to a search
	if i, found := slices.BinarySearch(ws, wi); !found {
		s.where[p] = slices.Insert(ws, i, wi)
	}
}

type pairChange struct {
	pair  pair
	delta int64
}

// mergeWord replaces every occurrence of p in w by newID, left to right, and
// reports how the counts of neighbouring pairs change.
func mergeWord(w *word, p pair, newID int) []pairChange {
	var changes []pairChange

	syms := w.symbols
	out := syms[:0]

	for i := 0; i < len(syms); {
		if i+1 < len(syms) && syms[i] == p.left && syms[i+1] == p.right {
			if n := len(out); n > 0 {
				prev := out[n-1]
				changes = append(changes, pairChange{pair{prev, p.left}, -1}, pairChange{pair{prev, newID}, 1})
			}

			if i+2 < len(syms) {
				next := syms[i+2]
				changes = append(changes, pairChange{pair{p.right, next}, -1}, pairChange{pair{newID, next}, 1})
			}

			out = append(out, newID)
			i += 2

			continue
		}

		out = append(out, syms[i])
		i++
	}

	w.symbols = out

	return changes
}
