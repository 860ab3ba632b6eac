// Package tokenizer composes normalization, pre-tokenization, a subword
// model and decoding into one reversible pipeline that tracks the original
// byte offsets of every token.
package tokenizer

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/go-subword/internal/decoder"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/bpe"
	"github.com/example/go-subword/internal/normalizer"
	"github.com/example/go-subword/internal/pretokenizer"
)

// DefaultCacheSize bounds the per-tokenizer pre-token cache.
const DefaultCacheSize = 10000

// ErrNoModel is returned by operations that need a model before one is
// installed.
var ErrNoModel = errors.New("tokenizer has no model")

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	normalizer    normalizer.Normalizer
	preTokenizer  pretokenizer.PreTokenizer
	decoder       decoder.Decoder
	postProcessor *PostProcessor
	truncation    *Truncation
	padding       *Padding
	cacheSize     int
	workers       int
	logger        *slog.Logger
}

func defaultOptions() options {
	return options{
		cacheSize: DefaultCacheSize,
		workers:   runtime.GOMAXPROCS(0),
		logger:    slog.Default(),
	}
}

// Option configures a Tokenizer.
type Option func(*options)

// WithNormalizer sets the normalizer chain. nil means identity.
func WithNormalizer(n normalizer.Normalizer) Option {
	return func(o *options) { o.normalizer = n }
}

// WithPreTokenizer sets the pre-tokenizer chain. nil keeps each text segment
// whole.
func WithPreTokenizer(p pretokenizer.PreTokenizer) Option {
	return func(o *options) { o.preTokenizer = p }
}

// WithDecoder sets the decoder chain. nil joins tokens with spaces.
func WithDecoder(d decoder.Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithPostProcessor sets the tokens added by Encode when addSpecial is true.
func WithPostProcessor(p *PostProcessor) Option {
	return func(o *options) { o.postProcessor = p }
}

// WithTruncation caps encoding lengths. nil disables truncation.
func WithTruncation(tr *Truncation) Option {
	return func(o *options) { o.truncation = tr.clone() }
}

// WithPadding pads encodings. nil disables padding.
func WithPadding(pd *Padding) Option {
	return func(o *options) { o.padding = pd.clone() }
}

// WithCacheSize bounds the pre-token cache. 0 disables it.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithWorkers bounds EncodeBatch and training word counting.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLogger sets the logger used for training progress.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

// pipeline is an immutable snapshot of the installed components. Encoding
// works on a snapshot, so a concurrent swap never affects a running call.
type pipeline struct {
	model         model.Model
	normalizer    normalizer.Normalizer
	preTokenizer  pretokenizer.PreTokenizer
	decoder       decoder.Decoder
	postProcessor *PostProcessor
	truncation    *Truncation
	padding       *Padding
	added         *addedVocabulary
	cache         *lru.Cache[string, []model.Token]
}

// Tokenizer is safe for concurrent use. Components may be swapped at any time;
// calls already running keep the components they started with.
type Tokenizer struct {
	mu        sync.RWMutex
	p         *pipeline
	cacheSize int
	workers   int
	logger    *slog.Logger
}

// New returns a tokenizer around m, which may be nil until Train installs one.
func New(m model.Model, optFns ...Option) (*Tokenizer, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.workers <= 0 {
		opts.workers = 1
	}

	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	if err := opts.truncation.validate(); err != nil {
		return nil, err
	}

	if err := opts.padding.validate(); err != nil {
		return nil, err
	}

	added, err := newAddedVocabulary(nil)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		cacheSize: opts.cacheSize,
		workers:   opts.workers,
		logger:    opts.logger,
	}

	p := &pipeline{
		model:         m,
		normalizer:    opts.normalizer,
		preTokenizer:  opts.preTokenizer,
		decoder:       opts.decoder,
		postProcessor: opts.postProcessor.clone(),
		truncation:    opts.truncation,
		padding:       opts.padding,
		added:         added,
	}

	p.cache, err = t.newCache(m)
	if err != nil {
		return nil, err
	}

	t.p = p

	return t, nil
}

// newCache returns the pre-token cache for m, or nil when caching is off or
// m encodes nondeterministically.
func (t *Tokenizer) newCache(m model.Model) (*lru.Cache[string, []model.Token], error) {
	if t.cacheSize <= 0 || m == nil {
		return nil, nil
	}

	if b, ok := m.(*bpe.BPE); ok && b.Dropout() > 0 {
		return nil, nil
	}

	c, err := lru.New[string, []model.Token](t.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return c, nil
}

func (t *Tokenizer) snapshot() *pipeline {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.p
}

// update applies fn to a copy of the current pipeline and installs the result
// only if fn succeeds.
func (t *Tokenizer) update(fn func(p *pipeline) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := *t.p
	if err := fn(&next); err != nil {
		return err
	}

	t.p = &next

	return nil
}

// Model returns the installed model.
func (t *Tokenizer) Model() model.Model { return t.snapshot().model }

// Normalizer returns the installed normalizer chain.
func (t *Tokenizer) Normalizer() normalizer.Normalizer { return t.snapshot().normalizer }

// PreTokenizer returns the installed pre-tokenizer chain.
func (t *Tokenizer) PreTokenizer() pretokenizer.PreTokenizer { return t.snapshot().preTokenizer }

// Decoder returns the installed decoder chain.
func (t *Tokenizer) Decoder() decoder.Decoder { return t.snapshot().decoder }

// SetModel installs m. Added token ids are reassigned against it.
func (t *Tokenizer) SetModel(m model.Model) error {
	if m == nil {
		return ErrNoModel
	}

	return t.update(func(p *pipeline) error {
		added, err := p.added.refresh(m)
		if err != nil {
			return err
		}

		cache, err := t.newCache(m)
		if err != nil {
			return err
		}

		p.model, p.added, p.cache = m, added, cache

		return nil
	})
}

// SetNormalizer replaces the normalizer chain.
func (t *Tokenizer) SetNormalizer(n normalizer.Normalizer) {
	_ = t.update(func(p *pipeline) error {
		p.normalizer = n
		p.cache = resetCache(p.cache, t.cacheSize)

		return nil
	})
}

// SetPreTokenizer replaces the pre-tokenizer chain.
func (t *Tokenizer) SetPreTokenizer(pt pretokenizer.PreTokenizer) {
	_ = t.update(func(p *pipeline) error {
		p.preTokenizer = pt
		p.cache = resetCache(p.cache, t.cacheSize)

		return nil
	})
}

// SetDecoder replaces the decoder chain.
func (t *Tokenizer) SetDecoder(d decoder.Decoder) {
	_ = t.update(func(p *pipeline) error {
		p.decoder = d
		return nil
	})
}

// SetPostProcessor replaces the templates applied by Encode with addSpecial
// set. nil restores the plain layout.
func (t *Tokenizer) SetPostProcessor(pp *PostProcessor) error {
	return t.update(func(p *pipeline) error {
		if err := checkPostProcessor(pp, p.added); err != nil {
			return err
		}

		p.postProcessor = pp.clone()

		return nil
	})
}

// PostProcessor returns a copy of the installed post-processor, or nil.
func (t *Tokenizer) PostProcessor() *PostProcessor { return t.snapshot().postProcessor.clone() }

// SetTruncation caps the length of every encoding. nil disables truncation.
func (t *Tokenizer) SetTruncation(tr *Truncation) error {
	if err := tr.validate(); err != nil {
		return err
	}

	return t.update(func(p *pipeline) error {
		p.truncation = tr.clone()
		return nil
	})
}

// Truncation returns a copy of the truncation settings, or nil.
func (t *Tokenizer) Truncation() *Truncation { return t.snapshot().truncation.clone() }

// SetPadding pads every encoding. nil disables padding.
func (t *Tokenizer) SetPadding(pd *Padding) error {
	if err := pd.validate(); err != nil {
		return err
	}

	return t.update(func(p *pipeline) error {
		p.padding = pd.clone()
		return nil
	})
}

// Padding returns a copy of the padding settings, or nil.
func (t *Tokenizer) Padding() *Padding { return t.snapshot().padding.clone() }

// resetCache returns an empty cache of the same kind, so entries computed by
// an older pipeline are never shared with the new one.
func resetCache(c *lru.Cache[string, []model.Token], size int) *lru.Cache[string, []model.Token] {
	if c == nil {
		return nil
	}

	fresh, err := lru.New[string, []model.Token](size)
	if err != nil {
		return nil
	}

	return fresh
}

func checkPostProcessor(pp *PostProcessor, added *addedVocabulary) error {
	if pp == nil {
		return nil
	}

	if err := pp.validate(); err != nil {
		return err
	}

	for _, tpl := range []Template{pp.Single, pp.Pair} {
		for _, piece := range tpl {
			if piece.Sequence != "" {
				continue
			}

			if _, ok := added.lookup(piece.Token); !ok {
				return fmt.Errorf("post-processor token %q is not an added token", piece.Token)
			}
		}
	}

	return nil
}

// AddSpecialTokens registers tokens that are matched verbatim, never split,
// and skipped by Decode when asked to. It returns the number of new tokens.
func (t *Tokenizer) AddSpecialTokens(tokens ...string) (int, error) {
	return t.addTokens(tokens, true)
}

// AddTokens registers plain added tokens.
func (t *Tokenizer) AddTokens(tokens ...string) (int, error) {
	return t.addTokens(tokens, false)
}

func (t *Tokenizer) addTokens(tokens []string, special bool) (int, error) {
	added := 0

	err := t.update(func(p *pipeline) error {
		next, err := p.added.withTokens(p.model, tokens, special)
		if err != nil {
			return err
		}

		added = len(next.tokens) - len(p.added.tokens)
		p.added = next

		return nil
	})

	return added, err
}

// AddedTokens returns the added tokens in registration order.
func (t *Tokenizer) AddedTokens() []AddedToken {
	p := t.snapshot()
	return append([]AddedToken(nil), p.added.tokens...)
}

// TokenToID resolves a token against the added tokens, then the model.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	p := t.snapshot()
	if tok, ok := p.added.lookup(token); ok {
		return tok.ID, true
	}

	if p.model == nil {
		return 0, false
	}

	return p.model.TokenToID(token)
}

// IDToToken resolves an id against the added tokens, then the model.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	return t.snapshot().idToToken(id)
}

func (p *pipeline) idToToken(id int) (string, bool) {
	if tok, ok := p.added.content(id); ok {
		return tok.Content, true
	}

	if p.model == nil {
		return "", false
	}

	return p.model.IDToToken(id)
}

// VocabSize counts model tokens plus added tokens the model does not hold.
func (t *Tokenizer) VocabSize() int {
	p := t.snapshot()

	n := 0
	if p.model != nil {
		n = p.model.VocabSize()
	}

	for _, tok := range p.added.tokens {
		if p.model == nil {
			n++
			continue
		}

		if _, ok := p.model.TokenToID(tok.Content); !ok {
			n++
		}
	}

	return n
}
