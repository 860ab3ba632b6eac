package unigram

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"

	"github.com/example/go-subword/internal/model"
)

// Trainer defaults.
const (
	DefaultVocabSize       = 8000
	DefaultShrinkingFactor = 0.75
	DefaultNSubIterations  = 2
	DefaultMaxPieceLength  = 16
	DefaultSeedSize        = 1_000_000
	DefaultUnkToken        = "<unk>"
)

// expectedThreshold drops pieces whose expected count falls below it.
const expectedThreshold = 0.5

// TrainerConfig configures a Trainer. Zero values select the defaults.
type TrainerConfig struct {
	VocabSize       int
	ShrinkingFactor float64
	NSubIterations  int
	MaxPieceLength  int
	SeedSize        int
	// UnkToken is placed first unless listed in SpecialTokens. Set NoUnk to
	// train without one.
	UnkToken        string
	NoUnk           bool
	SpecialTokens   []string
	InitialAlphabet []rune
	Workers         int
	Logger          *slog.Logger
}

// Trainer learns a piece table by EM with pruning.
type Trainer struct {
	cfg TrainerConfig
}

// NewTrainer returns a trainer with defaults applied to cfg.
func NewTrainer(cfg TrainerConfig) *Trainer {
	if cfg.VocabSize <= 0 {
		cfg.VocabSize = DefaultVocabSize
	}

	if cfg.ShrinkingFactor <= 0 || cfg.ShrinkingFactor >= 1 {
		cfg.ShrinkingFactor = DefaultShrinkingFactor
	}

	if cfg.NSubIterations <= 0 {
		cfg.NSubIterations = DefaultNSubIterations
	}

	if cfg.MaxPieceLength <= 0 {
		cfg.MaxPieceLength = DefaultMaxPieceLength
	}

	if cfg.SeedSize <= 0 {
		cfg.SeedSize = DefaultSeedSize
	}

	if cfg.UnkToken == "" && !cfg.NoUnk {
		cfg.UnkToken = DefaultUnkToken
	}

	if cfg.NoUnk {
		cfg.UnkToken = ""
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Trainer{cfg: cfg}
}

// SpecialTokens returns the tokens reserved at the lowest ids, unknown first
// when it is not listed explicitly.
func (t *Trainer) SpecialTokens() []string {
	specials := slices.Clone(t.cfg.SpecialTokens)
	if t.cfg.UnkToken != "" && !slices.Contains(specials, t.cfg.UnkToken) {
		specials = append([]string{t.cfg.UnkToken}, specials...)
	}

	return specials
}

type sentence struct {
	text  string
	count uint64
}

// Train implements model.Trainer.
func (t *Trainer) Train(ctx context.Context, counts map[string]uint64) (model.Model, error) {
	logger := t.cfg.Logger

	sentences := make([]sentence, 0, len(counts))
	for w, c := range counts {
		if w != "" && c > 0 {
			sentences = append(sentences, sentence{text: w, count: c})
		}
	}

	if len(sentences) == 0 {
		return nil, model.ErrEmptyCorpus
	}

	slices.SortFunc(sentences, func(a, b sentence) int { return strings.Compare(a.text, b.text) })

	specials := t.SpecialTokens()
	required := t.requiredChars(sentences)

	if need := len(required) + len(specials); t.cfg.VocabSize < need {
		return nil, fmt.Errorf("%w: %d characters and %d special tokens need %d entries, target is %d",
			model.ErrVocabularyTooSmall, len(required), len(specials), need, t.cfg.VocabSize)
	}

	requiredSet := make(map[string]bool, len(required))
	for _, r := range required {
		requiredSet[string(r)] = true
	}

	pieces := t.seed(sentences, required)
	desired := max(t.cfg.VocabSize*11/10-len(specials), len(required))

	logger.Info("unigram training started",
		"sentences", len(sentences),
		"seed", len(pieces),
		"required", len(required),
		"target", t.cfg.VocabSize)

	for round := 0; ; round++ {
		for range t.cfg.NSubIterations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			m, err := New(pieces, -1)
			if err != nil {
				return nil, err
			}

			expected, objective, err := t.expectation(ctx, m, sentences)
			if err != nil {
				return nil, err
			}

			pieces = maximization(pieces, expected, requiredSet)

			logger.Debug("unigram em step", "round", round, "pieces", len(pieces), "objective", objective)
		}

		if len(pieces) <= desired {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := New(pieces, -1)
		if err != nil {
			return nil, err
		}

		pruned, err := t.prune(ctx, m, sentences, requiredSet, desired)
		if err != nil {
			return nil, err
		}

		if len(pruned) >= len(pieces) {
			break
		}

		pieces = pruned
	}

	u, err := t.finalize(pieces, required, specials)
	if err != nil {
		return nil, err
	}

	logger.Info("unigram training finished", "vocab", u.VocabSize())

	return u, nil
}

// requiredChars returns every character of the corpus and the initial
// alphabet, most frequent first.
func (t *Trainer) requiredChars(sentences []sentence) []rune {
	freq := make(map[rune]uint64)
	for _, s := range sentences {
		for _, r := range s.text {
			freq[r] += s.count
		}
	}

	for _, r := range t.cfg.InitialAlphabet {
		if _, ok := freq[r]; !ok {
			freq[r] = 0
		}
	}

	chars := make([]rune, 0, len(freq))
	for r := range freq {
		chars = append(chars, r)
	}

	slices.SortFunc(chars, func(a, b rune) int {
		if c := cmp.Compare(freq[b], freq[a]); c != 0 {
			return c
		}

		return cmp.Compare(a, b)
	})

	return chars
}

// seed builds the initial pieces: all required characters scored by
// frequency, then the top substrings scored by frequency times length.
// Scores are returned as log-probabilities.
func (t *Trainer) seed(sentences []sentence, required []rune) []Piece {
	charFreq := make(map[rune]float64, len(required))
	substrings := make(map[string]uint64)

	for _, s := range sentences {
		offs := make([]int, 0, len(s.text)+1)
		for i, r := range s.text {
			offs = append(offs, i)
			charFreq[r] += float64(s.count)
		}

		offs = append(offs, len(s.text))
		runes := len(offs) - 1

		for i := range runes {
			for n := 2; n <= t.cfg.MaxPieceLength && i+n <= runes; n++ {
				sub := s.text[offs[i]:offs[i+n]]
				if !validPiece(sub) {
					break
				}

				substrings[sub] += s.count
			}
		}
	}

	type candidate struct {
		value string
		score float64
	}

	candidates := make([]candidate, 0, len(substrings))
	for sub, f := range substrings {
		if f < 2 {
			continue
		}

		candidates = append(candidates, candidate{sub, float64(f) * float64(utf8.RuneCountInString(sub))})
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}

		return strings.Compare(a.value, b.value)
	})

	if limit := max(t.cfg.SeedSize-len(required), 0); len(candidates) > limit {
		candidates = candidates[:limit]
	}

	pieces := make([]Piece, 0, len(required)+len(candidates))
	for _, r := range required {
		// initial alphabet characters absent from the corpus get a token count
		pieces = append(pieces, Piece{Value: string(r), Score: max(charFreq[r], 1)})
	}

	for _, c := range candidates {
		pieces = append(pieces, Piece{Value: c.value, Score: c.score})
	}

	toLogProb(pieces)

	return pieces
}

// validPiece rejects substrings containing white space or a metaspace
// marker anywhere but the start.
func validPiece(s string) bool {
	for i, r := range s {
		if unicode.IsSpace(r) || (r == '▁' && i > 0) {
			return false
		}
	}

	return true
}

// toLogProb turns linear scores into log-probabilities.
func toLogProb(pieces []Piece) {
	sum := 0.0
	for _, p := range pieces {
		sum += p.Score
	}

	logSum := math.Log(sum)
	for i := range pieces {
		pieces[i].Score = math.Log(pieces[i].Score) - logSum
	}
}

// shards splits [0, n) into at most workers contiguous ranges.
func shards(n, workers int) [][2]int {
	k := max(min(workers, n), 1)
	size := (n + k - 1) / k

	out := make([][2]int, 0, k)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}

	return out
}

// expectation computes the expected usage count of every piece over the
// corpus. Shards are reduced in order so the sums are reproducible.
func (t *Trainer) expectation(ctx context.Context, m *Unigram, sentences []sentence) ([]float64, float64, error) {
	ranges := shards(len(sentences), t.cfg.Workers)
	partial := make([][]float64, len(ranges))
	objectives := make([]float64, len(ranges))

	total := 0.0
	for _, s := range sentences {
		total += float64(s.count)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)

	for k, r := range ranges {
		g.Go(func() error {
			expected := make([]float64, m.VocabSize())
			for _, s := range sentences[r[0]:r[1]] {
				if err := ctx.Err(); err != nil {
					return err
				}

				l := newLattice(s.text)
				m.populate(l, -1)
				objectives[k] -= l.marginals(float64(s.count), expected) / total
			}

			partial[k] = expected

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("unigram: e-step: %w", err)
	}

	expected := make([]float64, m.VocabSize())
	objective := 0.0

	for k := range ranges {
		floats.Add(expected, partial[k])
		objective += objectives[k]
	}

	return expected, objective, nil
}

// maximization re-estimates log-probabilities from expected counts with the
// digamma based Bayesian update. Rare pieces are dropped unless required.
func maximization(pieces []Piece, expected []float64, required map[string]bool) []Piece {
	out := make([]Piece, 0, len(pieces))
	sum := 0.0

	for id, p := range pieces {
		freq := expected[id]
		if freq < expectedThreshold {
			if !required[p.Value] {
				continue
			}

			freq = expectedThreshold
		}

		out = append(out, Piece{Value: p.Value, Score: freq})
		sum += freq
	}

	logSum := mathext.Digamma(sum)
	for i := range out {
		out[i].Score = mathext.Digamma(out[i].Score) - logSum
	}

	return out
}

type usage struct {
	freq     []float64
	inverted [][]int
}

// prune drops the pieces whose removal costs the least likelihood, keeping
// required characters, until max(desired, ShrinkingFactor*size) remain.
func (t *Trainer) prune(ctx context.Context, m *Unigram, sentences []sentence, required map[string]bool, desired int) ([]Piece, error) {
	pieces := m.pieces

	// best segmentation of every piece once the piece itself is unavailable
	alternatives := make([][]int, len(pieces))
	for id, p := range pieces {
		if required[p.Value] {
			continue
		}

		l := newLattice(p.Value)
		m.populate(l, id)

		for _, nd := range l.viterbi() {
			if nd.unk {
				alternatives[id] = nil
				break
			}

			alternatives[id] = append(alternatives[id], nd.id)
		}
	}

	u, err := t.usage(ctx, m, sentences)
	if err != nil {
		return nil, err
	}

	sum, vsum := 0.0, 0.0
	for _, f := range u.freq {
		sum += f
	}

	for _, s := range sentences {
		vsum += float64(s.count)
	}

	logSum := math.Log(sum)

	type candidate struct {
		id   int
		loss float64
	}

	var (
		keep       []int
		candidates []candidate
	)

	for id, p := range pieces {
		switch {
		case required[p.Value]:
			keep = append(keep, id)
		case u.freq[id] == 0:
			// unused by any best segmentation
		case len(alternatives[id]) == 0:
			keep = append(keep, id)
		default:
			f := 0.0
			for _, n := range u.inverted[id] {
				f += float64(sentences[n].count)
			}

			f /= vsum

			logProbPiece := math.Log(u.freq[id]) - logSum
			logSumAlt := math.Log(sum + u.freq[id]*float64(len(alternatives[id])-1))

			logProbAlt := 0.0
			for _, alt := range alternatives[id] {
				logProbAlt += math.Log(u.freq[alt]+u.freq[id]) - logSumAlt
			}

			candidates = append(candidates, candidate{id: id, loss: f * (logProbPiece - logProbAlt)})
		}
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.loss, a.loss); c != 0 {
			return c
		}

		return cmp.Compare(a.id, b.id)
	})

	target := max(desired, int(t.cfg.ShrinkingFactor*float64(len(pieces))))
	for _, c := range candidates {
		if len(keep) >= target {
			break
		}

		keep = append(keep, c.id)
	}

	slices.Sort(keep)

	out := make([]Piece, len(keep))
	for i, id := range keep {
		out[i] = pieces[id]
	}

	t.cfg.Logger.Debug("unigram prune", "before", len(pieces), "after", len(out))

	return out, nil
}

// usage counts how often each piece appears in the best segmentation of the
// corpus and which sentences use it.
func (t *Trainer) usage(ctx context.Context, m *Unigram, sentences []sentence) (*usage, error) {
	ranges := shards(len(sentences), t.cfg.Workers)
	partial := make([]*usage, len(ranges))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)

	for k, r := range ranges {
		g.Go(func() error {
			local := &usage{freq: make([]float64, m.VocabSize()), inverted: make([][]int, m.VocabSize())}

			for n := r[0]; n < r[1]; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				l := newLattice(sentences[n].text)
				m.populate(l, -1)

				for _, nd := range l.viterbi() {
					if nd.id < 0 {
						continue
					}

					local.freq[nd.id] += float64(sentences[n].count)
					if inv := local.inverted[nd.id]; len(inv) == 0 || inv[len(inv)-1] != n {
						local.inverted[nd.id] = append(inv, n)
					}
				}
			}

			partial[k] = local

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("unigram: usage: %w", err)
	}

	total := &usage{freq: make([]float64, m.VocabSize()), inverted: make([][]int, m.VocabSize())}
	for _, p := range partial {
		floats.Add(total.freq, p.freq)

		for id, inv := range p.inverted {
			total.inverted[id] = append(total.inverted[id], inv...)
		}
	}

	return total, nil
}

// finalize orders the surviving pieces, guarantees every required character,
// places the special tokens first and renormalizes so the probabilities sum
// to one.
func (t *Trainer) finalize(pieces []Piece, required []rune, specials []string) (*Unigram, error) {
	inserted := make(map[string]bool, t.cfg.VocabSize)
	for _, s := range specials {
		inserted[s] = true
	}

	scores := make(map[string]float64, len(pieces))
	minScore := math.Inf(1)

	for _, p := range pieces {
		scores[p.Value] = p.Score
		minScore = min(minScore, p.Score)
	}

	budget := t.cfg.VocabSize - len(specials)
	final := make([]Piece, 0, budget)

	penalty := 0.0
	for _, r := range required {
		s := string(r)
		if inserted[s] {
			continue
		}

		score, ok := scores[s]
		if !ok {
			score = minScore - penalty
			penalty += 1e-4
		}

		inserted[s] = true
		final = append(final, Piece{Value: s, Score: score})
	}

	rest := slices.Clone(pieces)
	slices.SortFunc(rest, byScore)

	for _, p := range rest {
		if len(final) >= budget {
			break
		}

		if inserted[p.Value] {
			continue
		}

		inserted[p.Value] = true
		final = append(final, p)
	}

	slices.SortFunc(final, byScore)

	lowest := final[len(final)-1].Score

	all := make([]Piece, 0, len(specials)+len(final))
	for _, s := range specials {
		all = append(all, Piece{Value: s, Score: lowest})
	}

	all = append(all, final...)

	logs := make([]float64, len(all))
	for i, p := range all {
		logs[i] = p.Score
	}

	logZ := floats.LogSumExp(logs)
	for i := range all {
		all[i].Score -= logZ
	}

	unkID := -1
	if t.cfg.UnkToken != "" {
		unkID = slices.Index(specials, t.cfg.UnkToken)
	}

	return New(all, unkID)
}

func byScore(a, b Piece) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}

	return strings.Compare(a.Value, b.Value)
}
