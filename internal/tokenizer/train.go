package tokenizer

import (
	"context"
	"fmt"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-subword/internal/model"
)

// Train counts the words of corpus with the installed normalizer and
// pre-tokenizer, trains a model with trainer and installs it together with
// the trainer's special tokens. On error the tokenizer is left unchanged.
func (t *Tokenizer) Train(ctx context.Context, trainer model.Trainer, corpus iter.Seq2[string, error]) error {
	start := time.Now()
	p := t.snapshot()

	words, docs, err := t.countWords(ctx, p, corpus)
	if err != nil {
		return err
	}

	t.logger.Info("corpus counted", "documents", docs, "words", len(words), "elapsed", time.Since(start))

	m, err := trainer.Train(ctx, words)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	err = t.update(func(p *pipeline) error {
		added, err := p.added.refresh(m)
		if err != nil {
			return err
		}

		if added, err = added.withTokens(m, trainer.SpecialTokens(), true); err != nil {
			return err
		}

		cache, err := t.newCache(m)
		if err != nil {
			return err
		}

		p.model, p.added, p.cache = m, added, cache

		return nil
	})
	if err != nil {
		return err
	}

	t.logger.Info("model installed", "kind", m.Kind(), "vocab", m.VocabSize(), "elapsed", time.Since(start))

	return nil
}

// countWords fans documents out to the workers, each counting pre-tokens in
// a local table, and merges the tables once the corpus is exhausted.
func (t *Tokenizer) countWords(ctx context.Context, p *pipeline, corpus iter.Seq2[string, error]) (map[string]uint64, int, error) {
	g, ctx := errgroup.WithContext(ctx)
	docs := make(chan string, t.workers)
	local := make([]map[string]uint64, t.workers)
	read := 0

	g.Go(func() error {
		defer close(docs)

		for doc, err := range corpus {
			if err != nil {
				return fmt.Errorf("read corpus: %w", err)
			}

			select {
			case docs <- doc:
				read++
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	for k := range t.workers {
		counts := make(map[string]uint64)
		local[k] = counts

		g.Go(func() error {
			for doc := range docs {
				if err := p.countDocument(doc, counts); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	words := local[0]
	for _, counts := range local[1:] {
		for w, c := range counts {
			words[w] += c
		}
	}

	return words, read, nil
}

// countDocument skips added tokens, exactly as encoding does, and counts the
// remaining pre-tokens.
func (p *pipeline) countDocument(doc string, counts map[string]uint64) error {
	segments, err := p.added.split(doc)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if seg.added != nil {
			continue
		}

		_, pretokens, err := p.preTokenize(doc[seg.start:seg.end])
		if err != nil {
			return err
		}

		for _, pt := range pretokens {
			if pt.Value != "" {
				counts[pt.Value]++
			}
		}
	}

	return nil
}
