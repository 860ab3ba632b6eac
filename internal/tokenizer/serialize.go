package tokenizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/go-subword/internal/decoder"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/bpe"
	"github.com/example/go-subword/internal/model/unigram"
	"github.com/example/go-subword/internal/normalizer"
	"github.com/example/go-subword/internal/pretokenizer"
)

// StateVersion is written to, and required in, every persisted tokenizer.
const StateVersion = "1.0"

// state is the persisted layout of a tokenizer.
type state struct {
	Version       string               `json:"version"`
	Truncation    *Truncation          `json:"truncation"`
	Padding       *Padding             `json:"padding"`
	AddedTokens   []AddedToken         `json:"added_tokens"`
	Normalizer    *normalizer.Config   `json:"normalizer"`
	PreTokenizer  *pretokenizer.Config `json:"pre_tokenizer"`
	PostProcessor *PostProcessor       `json:"post_processor"`
	Decoder       *decoder.Config      `json:"decoder"`
	Model         json.RawMessage      `json:"model"`
}

// MarshalJSON writes the complete pipeline.
func (t *Tokenizer) MarshalJSON() ([]byte, error) {
	p := t.snapshot()
	if p.model == nil {
		return nil, ErrNoModel
	}

	st := state{
		Version:       StateVersion,
		Truncation:    p.truncation,
		Padding:       p.padding,
		AddedTokens:   p.added.tokens,
		PostProcessor: p.postProcessor,
	}

	if st.AddedTokens == nil {
		st.AddedTokens = []AddedToken{}
	}

	var err error
	if st.Normalizer, err = normalizer.ToConfig(p.normalizer); err != nil {
		return nil, err
	}

	if st.PreTokenizer, err = pretokenizer.ToConfig(p.preTokenizer); err != nil {
		return nil, err
	}

	if st.Decoder, err = decoder.ToConfig(p.decoder); err != nil {
		return nil, err
	}

	if st.Model, err = marshalModel(p.model); err != nil {
		return nil, err
	}

	return json.Marshal(st)
}

func marshalModel(m model.Model) (json.RawMessage, error) {
	switch v := m.(type) {
	case *bpe.BPE:
		return json.Marshal(v.Config())
	case *unigram.Unigram:
		return json.Marshal(v.Config())
	default:
		return nil, fmt.Errorf("cannot persist model of type %T", m)
	}
}

// FromJSON rebuilds a tokenizer from its persisted form. Any inconsistency
// fails the whole load with model.ErrMalformedState.
func FromJSON(data []byte, optFns ...Option) (*Tokenizer, error) {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	if st.Version != StateVersion {
		return nil, fmt.Errorf("%w: version %q, want %q", model.ErrMalformedState, st.Version, StateVersion)
	}

	m, err := unmarshalModel(st.Model)
	if err != nil {
		return nil, err
	}

	norm, err := normalizer.FromConfig(st.Normalizer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	pre, err := pretokenizer.FromConfig(st.PreTokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	dec, err := decoder.FromConfig(st.Decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	added, err := newAddedVocabulary(st.AddedTokens)
	if err != nil {
		return nil, err
	}

	if err := added.validate(m); err != nil {
		return nil, err
	}

	if err := checkPostProcessor(st.PostProcessor, added); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	if err := st.Truncation.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	if err := st.Padding.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMalformedState, err)
	}

	opts := append([]Option{
		WithNormalizer(norm),
		WithPreTokenizer(pre),
		WithDecoder(dec),
		WithPostProcessor(st.PostProcessor),
		WithTruncation(st.Truncation),
		WithPadding(st.Padding),
	}, optFns...)

	t, err := New(m, opts...)
	if err != nil {
		return nil, err
	}

	t.p.added = added

	return t, nil
}

func unmarshalModel(raw json.RawMessage) (model.Model, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing model", model.ErrMalformedState)
	}

	var head struct {
		Type   string          `json:"type"`
		Merges json.RawMessage `json:"merges"`
	}

	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: model: %w", model.ErrMalformedState, err)
	}

	// files written by other tools may omit the BPE tag
	if head.Type == "" && head.Merges != nil {
		head.Type = model.KindBPE
	}

	switch head.Type {
	case model.KindBPE:
		var cfg bpe.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: bpe model: %w", model.ErrMalformedState, err)
		}

		b, err := bpe.FromConfig(&cfg)
		if err != nil {
			return nil, err
		}

		return b, nil
	case model.KindUnigram:
		var cfg unigram.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: unigram model: %w", model.ErrMalformedState, err)
		}

		u, err := unigram.FromConfig(&cfg)
		if err != nil {
			return nil, err
		}

		return u, nil
	default:
		return nil, fmt.Errorf("%w: unknown model type %q", model.ErrMalformedState, head.Type)
	}
}

// Save writes the tokenizer to path.
func (t *Tokenizer) Save(path string) error {
	data, err := t.MarshalJSON()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format tokenizer: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write tokenizer %q: %w", path, err)
	}

	return nil
}

// Load reads a tokenizer written by Save.
func Load(path string, optFns ...Option) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer %q: %w", path, err)
	}

	t, err := FromJSON(data, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", path, err)
	}

	return t, nil
}
