package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/example/go-subword/internal/bytelevel"
	"github.com/example/go-subword/internal/config"
	"github.com/example/go-subword/internal/decoder"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/bpe"
	"github.com/example/go-subword/internal/model/unigram"
	"github.com/example/go-subword/internal/normalizer"
	"github.com/example/go-subword/internal/pretokenizer"
	"github.com/example/go-subword/internal/tokenizer"
)

// runtimeOptions are the tokenizer options that do not persist.
func runtimeOptions(cfg config.Config) []tokenizer.Option {
	return []tokenizer.Option{
		tokenizer.WithWorkers(cfg.Encode.Workers),
		tokenizer.WithCacheSize(cfg.Encode.CacheSize),
		tokenizer.WithLogger(slog.Default()),
	}
}

// pipelineOptions builds the normalizer, pre-tokenizer and decoder of a
// tokenizer about to be trained.
func pipelineOptions(cfg config.Config) ([]tokenizer.Option, error) {
	norm, err := normalizer.Parse(cfg.Pipeline.Normalizers)
	if err != nil {
		return nil, err
	}

	pre, err := pretokenizer.Parse(cfg.Pipeline.PreTokenizer, cfg.Pipeline.AddPrefixSpace)
	if err != nil {
		return nil, err
	}

	dec, err := decoder.Parse(cfg.Pipeline.Decoder, cfg.Pipeline.AddPrefixSpace)
	if err != nil {
		return nil, err
	}

	if cfg.Train.ByteLevel {
		pre = pretokenizer.ByteLevel{AddPrefixSpace: cfg.Pipeline.AddPrefixSpace}
		dec = decoder.ByteLevel{}
	}

	opts := []tokenizer.Option{
		tokenizer.WithNormalizer(norm),
		tokenizer.WithPreTokenizer(pre),
		tokenizer.WithDecoder(dec),
	}

	return append(opts, runtimeOptions(cfg)...), nil
}

// newTrainer returns the trainer selected by cfg.Train.Model.
func newTrainer(cfg config.Config) (model.Trainer, error) {
	tc := cfg.Train

	var alphabet []rune
	if tc.ByteLevel {
		for _, s := range bytelevel.Alphabet() {
			alphabet = append(alphabet, []rune(s)...)
		}
	}

	switch strings.ToLower(tc.Model) {
	case config.ModelBPE:
		return bpe.NewTrainer(bpe.TrainerConfig{
			VocabSize:               tc.VocabSize,
			MinFrequency:            uint64(max(tc.MinFrequency, 0)),
			LimitAlphabet:           tc.LimitAlphabet,
			InitialAlphabet:         alphabet,
			SpecialTokens:           tc.SpecialTokens,
			UnkToken:                tc.UnkToken,
			NoUnk:                   tc.ByteLevel && tc.UnkToken == "",
			ContinuingSubwordPrefix: tc.Prefix,
			EndOfWordSuffix:         tc.Suffix,
			Workers:                 cfg.Encode.Workers,
			Logger:                  slog.Default(),
		}), nil
	case config.ModelUnigram:
		return unigram.NewTrainer(unigram.TrainerConfig{
			VocabSize:       tc.VocabSize,
			ShrinkingFactor: tc.ShrinkingFactor,
			NSubIterations:  tc.SubIterations,
			MaxPieceLength:  tc.MaxPieceLength,
			SeedSize:        tc.SeedSize,
			UnkToken:        tc.UnkToken,
			SpecialTokens:   tc.SpecialTokens,
			InitialAlphabet: alphabet,
			Workers:         cfg.Encode.Workers,
			Logger:          slog.Default(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported model %q", tc.Model)
	}
}

// loadTokenizer loads cfg.Paths.Tokenizer and applies the encode settings.
func loadTokenizer(cfg config.Config) (*tokenizer.Tokenizer, error) {
	tk, err := tokenizer.Load(cfg.Paths.Tokenizer, runtimeOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	if cfg.Encode.Dropout > 0 {
		if err := applyDropout(tk, cfg.Encode.Dropout); err != nil {
			return nil, err
		}
	}

	if err := applyEncodeSettings(tk, cfg); err != nil {
		return nil, err
	}

	return tk, nil
}

// applyEncodeSettings installs the configured truncation and padding. Unset
// settings keep what the tokenizer file holds.
func applyEncodeSettings(tk *tokenizer.Tokenizer, cfg config.Config) error {
	ec := cfg.Encode

	if ec.MaxLength > 0 {
		err := tk.SetTruncation(&tokenizer.Truncation{
			MaxLength: ec.MaxLength,
			Stride:    ec.Stride,
			Strategy:  tokenizer.TruncationStrategy(ec.TruncationStrategy),
		})
		if err != nil {
			return fmt.Errorf("truncation: %w", err)
		}
	}

	if !ec.Pad {
		return nil
	}

	id, ok := tk.TokenToID(ec.PadToken)
	if !ok {
		return fmt.Errorf("padding: pad token %q is not in the vocabulary", ec.PadToken)
	}

	err := tk.SetPadding(&tokenizer.Padding{
		Length:          ec.PadLength,
		PadToMultipleOf: ec.PadToMultipleOf,
		Direction:       tokenizer.PaddingDirection(ec.PadDirection),
		PadID:           id,
		PadToken:        ec.PadToken,
	})
	if err != nil {
		return fmt.Errorf("padding: %w", err)
	}

	return nil
}

// applyDropout reinstalls a BPE model with merge dropout p.
func applyDropout(tk *tokenizer.Tokenizer, p float64) error {
	b, ok := tk.Model().(*bpe.BPE)
	if !ok {
		slog.Warn("dropout ignored", "model", tk.Model().Kind())
		return nil
	}

	c := b.Config()
	c.Dropout = p

	m, err := bpe.FromConfig(c)
	if err != nil {
		return err
	}

	return tk.SetModel(m)
}

// Output formats shared by the commands that print encodings.
const (
	formatAuto  = "auto"
	formatJSON  = "json"
	formatTable = "table"
	formatIDs   = "ids"
)

// resolveFormat maps auto to table on a terminal and json otherwise.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case formatAuto:
		if isTerminal(w) {
			return formatTable, nil
		}
		return formatJSON, nil
	case formatJSON, formatTable, formatIDs:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be one of auto|json|table|ids")
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
