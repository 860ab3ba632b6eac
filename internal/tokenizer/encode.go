package tokenizer

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-subword/internal/decoder"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/normalizer"
	"github.com/example/go-subword/internal/pretokenizer"
)

// Encoding is the result of encoding one text or text pair. Offsets are
// byte ranges of the original text of their sequence. Words holds the
// pre-token index of each token within its sequence, -1 for added,
// post-processor and pad tokens. AttentionMask is 0 for pad tokens only.
// Overflowing holds the windows cut off by truncation.
type Encoding struct {
	IDs           []int       `json:"ids"`
	Tokens        []string    `json:"tokens"`
	Offsets       [][2]int    `json:"offsets"`
	Words         []int       `json:"words"`
	TypeIDs       []int       `json:"type_ids"`
	SpecialMask   []int       `json:"special_tokens_mask"`
	AttentionMask []int       `json:"attention_mask"`
	Overflowing   []*Encoding `json:"overflowing,omitempty"`
}

// Len returns the number of tokens.
func (e *Encoding) Len() int { return len(e.IDs) }

func (e *Encoding) push(id int, value string, offsets [2]int, word int, special bool) {
	e.IDs = append(e.IDs, id)
	e.Tokens = append(e.Tokens, value)
	e.Offsets = append(e.Offsets, offsets)
	e.Words = append(e.Words, word)
	e.TypeIDs = append(e.TypeIDs, 0)
	e.AttentionMask = append(e.AttentionMask, 1)

	mask := 0
	if special {
		mask = 1
	}

	e.SpecialMask = append(e.SpecialMask, mask)
}

// extend appends the tokens of src with typeID, or with their own type ids
// when typeID is negative.
func (e *Encoding) extend(src *Encoding, typeID int) {
	e.IDs = append(e.IDs, src.IDs...)
	e.Tokens = append(e.Tokens, src.Tokens...)
	e.Offsets = append(e.Offsets, src.Offsets...)
	e.Words = append(e.Words, src.Words...)
	e.SpecialMask = append(e.SpecialMask, src.SpecialMask...)
	e.AttentionMask = append(e.AttentionMask, src.AttentionMask...)

	if typeID < 0 {
		e.TypeIDs = append(e.TypeIDs, src.TypeIDs...)
		return
	}

	for range src.Len() {
		e.TypeIDs = append(e.TypeIDs, typeID)
	}
}

// slice copies tokens [start, end) without the overflowing windows.
func (e *Encoding) slice(start, end int) *Encoding {
	return &Encoding{
		IDs:           slices.Clone(e.IDs[start:end]),
		Tokens:        slices.Clone(e.Tokens[start:end]),
		Offsets:       slices.Clone(e.Offsets[start:end]),
		Words:         slices.Clone(e.Words[start:end]),
		TypeIDs:       slices.Clone(e.TypeIDs[start:end]),
		SpecialMask:   slices.Clone(e.SpecialMask[start:end]),
		AttentionMask: slices.Clone(e.AttentionMask[start:end]),
	}
}

// Encode tokenizes text. With addSpecial set, the post-processor tokens are
// added around the result. Truncation and padding apply when configured.
func (t *Tokenizer) Encode(text string, addSpecial bool) (*Encoding, error) {
	return t.encodeOne(text, nil, addSpecial)
}

// EncodePair tokenizes a sequence pair into one encoding laid out by the
// pair template.
func (t *Tokenizer) EncodePair(first, second string, addSpecial bool) (*Encoding, error) {
	return t.encodeOne(first, &second, addSpecial)
}

func (t *Tokenizer) encodeOne(text string, pair *string, addSpecial bool) (*Encoding, error) {
	p := t.snapshot()

	enc, err := p.encode(text, pair, addSpecial)
	if err != nil {
		return nil, err
	}

	if p.padding != nil {
		p.padding.apply([]*Encoding{enc})
	}

	return enc, nil
}

// EncodeBatch encodes texts concurrently, bounded by the configured workers.
// Results keep the input order. Padding without a fixed length pads to the
// longest encoding of the batch.
func (t *Tokenizer) EncodeBatch(ctx context.Context, texts []string, addSpecial bool) ([]*Encoding, error) {
	return t.encodeBatch(ctx, len(texts), func(p *pipeline, i int) (*Encoding, error) {
		return p.encode(texts[i], nil, addSpecial)
	})
}

// EncodePairBatch encodes firsts[i] paired with seconds[i].
func (t *Tokenizer) EncodePairBatch(ctx context.Context, firsts, seconds []string, addSpecial bool) ([]*Encoding, error) {
	if len(firsts) != len(seconds) {
		return nil, fmt.Errorf("pair batch: %d first sequences but %d second", len(firsts), len(seconds))
	}

	return t.encodeBatch(ctx, len(firsts), func(p *pipeline, i int) (*Encoding, error) {
		return p.encode(firsts[i], &seconds[i], addSpecial)
	})
}

func (t *Tokenizer) encodeBatch(ctx context.Context, n int, encode func(p *pipeline, i int) (*Encoding, error)) ([]*Encoding, error) {
	p := t.snapshot()
	out := make([]*Encoding, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			enc, err := encode(p, i)
			if err != nil {
				return fmt.Errorf("encode text %d: %w", i, err)
			}

			out[i] = enc

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if p.padding != nil {
		p.padding.apply(out)
	}

	return out, nil
}

// encode runs both sequences through the pipeline, truncates them and lays
// them out with the post-processor. Overflowing windows are laid out the same
// way, each paired with the other sequence.
func (p *pipeline) encode(text string, pair *string, addSpecial bool) (*Encoding, error) {
	if p.model == nil {
		return nil, ErrNoModel
	}

	first, err := p.encodeSequence(text)
	if err != nil {
		return nil, err
	}

	var second *Encoding
	if pair != nil {
		if second, err = p.encodeSequence(*pair); err != nil {
			return nil, err
		}
	}

	if p.truncation != nil {
		reserved := 0
		if addSpecial {
			reserved = p.postProcessor.added(second != nil)
		}

		if err := p.truncation.apply(first, second, reserved); err != nil {
			return nil, err
		}
	}

	out, err := p.postProcess(first, second, addSpecial)
	if err != nil {
		return nil, err
	}

	for _, o := range first.Overflowing {
		enc, err := p.postProcess(o, second, addSpecial)
		if err != nil {
			return nil, err
		}

		out.Overflowing = append(out.Overflowing, enc)
	}

	if second != nil {
		for _, o := range second.Overflowing {
			enc, err := p.postProcess(first, o, addSpecial)
			if err != nil {
				return nil, err
			}

			out.Overflowing = append(out.Overflowing, enc)
		}
	}

	return out, nil
}

// encodeSequence encodes one text: added tokens verbatim, the rest through
// the normalizer, pre-tokenizer and model.
func (p *pipeline) encodeSequence(text string) (*Encoding, error) {
	segments, err := p.added.split(text)
	if err != nil {
		return nil, err
	}

	enc := &Encoding{}

	word := 0
	for _, seg := range segments {
		if seg.added != nil {
			enc.push(seg.added.ID, seg.added.Content, [2]int{seg.start, seg.end}, -1, seg.added.Special)
			continue
		}

		if word, err = p.encodeSegment(enc, text[seg.start:seg.end], seg.start, word); err != nil {
			return nil, err
		}
	}

	return enc, nil
}

// Normalize returns text after the normalizer chain.
func (t *Tokenizer) Normalize(text string) (string, error) {
	p := t.snapshot()
	if p.normalizer == nil {
		return text, nil
	}

	ns := normalizer.NewNormalizedString(text)
	if err := p.normalizer.Normalize(ns); err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}

	return ns.Normalized(), nil
}

// encodeSegment runs plain text through the pipeline. base is the offset of
// the segment in the original text; word is the next pre-token index.
func (p *pipeline) encodeSegment(enc *Encoding, text string, base, word int) (int, error) {
	ns, pretokens, err := p.preTokenize(text)
	if err != nil {
		return word, err
	}

	for _, pt := range pretokens {
		if pt.Value == "" {
			continue
		}

		tokens, err := p.tokenize(pt.Value)
		if err != nil {
			return word, err
		}

		for _, tok := range tokens {
			span := pt.NormalizedSpan(tok.Offsets[0], tok.Offsets[1])
			orig := ns.OriginalSpan(span.Start, span.End)

			enc.push(tok.ID, tok.Value, [2]int{base + orig.Start, base + orig.End}, word, false)
		}

		word++
	}

	return word, nil
}

// preTokenize normalizes text and splits it into pre-tokens.
func (p *pipeline) preTokenize(text string) (*normalizer.NormalizedString, []pretokenizer.PreToken, error) {
	ns := normalizer.NewNormalizedString(text)
	if p.normalizer != nil {
		if err := p.normalizer.Normalize(ns); err != nil {
			return nil, nil, fmt.Errorf("normalize: %w", err)
		}
	}

	pretokens := []pretokenizer.PreToken{pretokenizer.New(ns.Normalized())}
	if p.preTokenizer != nil {
		var err error
		if pretokens, err = p.preTokenizer.PreTokenize(pretokens); err != nil {
			return nil, nil, fmt.Errorf("pre-tokenize: %w", err)
		}
	}

	return ns, pretokens, nil
}

// tokenize encodes one pre-token through the cache.
func (p *pipeline) tokenize(value string) ([]model.Token, error) {
	if p.cache != nil {
		if tokens, ok := p.cache.Get(value); ok {
			return tokens, nil
		}
	}

	tokens, err := p.model.Tokenize(value)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", value, err)
	}

	if p.cache != nil {
		p.cache.Add(value, slices.Clip(tokens))
	}

	return tokens, nil
}

// Decode turns ids back into text. Ids that resolve to no token fail with
// model.ErrUnknownToken.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	return t.snapshot().decode(ids, skipSpecial)
}

// DecodeBatch decodes every id list with the same pipeline.
func (t *Tokenizer) DecodeBatch(ctx context.Context, batch [][]int, skipSpecial bool) ([]string, error) {
	p := t.snapshot()
	out := make([]string, len(batch))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for i, ids := range batch {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			s, err := p.decode(ids, skipSpecial)
			if err != nil {
				return fmt.Errorf("decode sequence %d: %w", i, err)
			}

			out[i] = s

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (p *pipeline) decode(ids []int, skipSpecial bool) (string, error) {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if tok, ok := p.added.content(id); ok {
			if skipSpecial && tok.Special {
				continue
			}

			tokens = append(tokens, tok.Content)

			continue
		}

		s, ok := p.idToToken(id)
		if !ok {
			return "", fmt.Errorf("%w: id %d", model.ErrUnknownToken, id)
		}

		tokens = append(tokens, s)
	}

	if p.decoder == nil {
		return strings.Join(tokens, " "), nil
	}

	return decoder.Decode(p.decoder, tokens)
}
