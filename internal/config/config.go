// Package config loads subword settings from defaults, flags, environment
// (SUBWORD_*) and an optional subword.{yaml,toml,json} file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Train    TrainConfig    `mapstructure:"train"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Encode   EncodeConfig   `mapstructure:"encode"`
	Server   ServerConfig   `mapstructure:"server"`
	LogLevel string         `mapstructure:"log_level"`
}

type PathsConfig struct {
	Tokenizer  string `mapstructure:"tokenizer"`
	CorpusMode string `mapstructure:"corpus_mode"`
}

type TrainConfig struct {
	Model           string   `mapstructure:"model"`
	VocabSize       int      `mapstructure:"vocab_size"`
	MinFrequency    int      `mapstructure:"min_frequency"`
	LimitAlphabet   int      `mapstructure:"limit_alphabet"`
	SpecialTokens   []string `mapstructure:"special_tokens"`
	UnkToken        string   `mapstructure:"unk_token"`
	Prefix          string   `mapstructure:"prefix"`
	Suffix          string   `mapstructure:"suffix"`
	ShrinkingFactor float64  `mapstructure:"shrinking_factor"`
	SubIterations   int      `mapstructure:"sub_iterations"`
	MaxPieceLength  int      `mapstructure:"max_piece_length"`
	SeedSize        int      `mapstructure:"seed_size"`
	ByteLevel       bool     `mapstructure:"byte_level"`
}

type PipelineConfig struct {
	Normalizers    string `mapstructure:"normalizers"`
	PreTokenizer   string `mapstructure:"pre_tokenizer"`
	Decoder        string `mapstructure:"decoder"`
	AddPrefixSpace bool   `mapstructure:"add_prefix_space"`
}

type EncodeConfig struct {
	Workers   int     `mapstructure:"workers"`
	CacheSize int     `mapstructure:"cache_size"`
	Dropout   float64 `mapstructure:"dropout"`
	// MaxLength enables truncation when positive.
	MaxLength          int    `mapstructure:"max_length"`
	Stride             int    `mapstructure:"stride"`
	TruncationStrategy string `mapstructure:"truncation_strategy"`
	Pad                bool   `mapstructure:"pad"`
	PadToken           string `mapstructure:"pad_token"`
	// PadLength of 0 pads to the longest encoding of each batch.
	PadLength       int    `mapstructure:"pad_length"`
	PadToMultipleOf int    `mapstructure:"pad_to_multiple_of"`
	PadDirection    string `mapstructure:"pad_direction"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

// Trainer model names.
const (
	ModelBPE     = "bpe"
	ModelUnigram = "unigram"
)

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Tokenizer:  "tokenizer.json",
			CorpusMode: "line",
		},
		Train: TrainConfig{
			Model:           ModelBPE,
			VocabSize:       30000,
			UnkToken:        "",
			ShrinkingFactor: 0.75,
			SubIterations:   2,
			MaxPieceLength:  16,
			SeedSize:        1_000_000,
		},
		Pipeline: PipelineConfig{
			PreTokenizer:   "whitespace",
			AddPrefixSpace: true,
		},
		Encode: EncodeConfig{
			Workers:            4,
			CacheSize:          10000,
			TruncationStrategy: "longest_first",
			PadToken:           "[PAD]",
			PadDirection:       "right",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         4,
			MaxTextBytes:    1 << 20,
			RequestTimeout:  30,
			ShutdownTimeout: 30,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("tokenizer", defaults.Paths.Tokenizer, "Path to tokenizer.json")
	fs.String("corpus-mode", defaults.Paths.CorpusMode, "How corpus files are cut into documents (line|document|sentence)")
	fs.String("model", defaults.Train.Model, "Model to train (bpe|unigram)")
	fs.Int("vocab-size", defaults.Train.VocabSize, "Target vocabulary size")
	fs.Int("min-frequency", defaults.Train.MinFrequency, "Minimum pair frequency for a BPE merge")
	fs.Int("limit-alphabet", defaults.Train.LimitAlphabet, "Maximum initial alphabet size (0 = unlimited)")
	fs.StringSlice("special-tokens", defaults.Train.SpecialTokens, "Special tokens reserved at the lowest ids")
	fs.String("unk-token", defaults.Train.UnkToken, "Unknown token")
	fs.String("prefix", defaults.Train.Prefix, "Continuing subword prefix, e.g. ##")
	fs.String("suffix", defaults.Train.Suffix, "End of word suffix, e.g. </w>")
	fs.Float64("shrinking-factor", defaults.Train.ShrinkingFactor, "Unigram pruning shrinking factor")
	fs.Int("sub-iterations", defaults.Train.SubIterations, "Unigram EM iterations per pruning round")
	fs.Int("max-piece-length", defaults.Train.MaxPieceLength, "Longest Unigram piece in characters")
	fs.Int("seed-size", defaults.Train.SeedSize, "Unigram seed vocabulary size")
	fs.Bool("byte-level", defaults.Train.ByteLevel, "Train a byte-level BPE (sets pre-tokenizer and decoder)")
	fs.String("normalizers", defaults.Pipeline.Normalizers, "Comma separated normalizers, e.g. nfkc,lowercase")
	fs.String("pre-tokenizer", defaults.Pipeline.PreTokenizer, "Comma separated pre-tokenizers")
	fs.String("decoder", defaults.Pipeline.Decoder, "Decoder (bytelevel|metaspace|bpe|wordpiece|fuse)")
	fs.Bool("add-prefix-space", defaults.Pipeline.AddPrefixSpace, "Add a prefix space in byte-level and metaspace stages")
	fs.Int("workers", defaults.Encode.Workers, "Encode and training worker count")
	fs.Int("cache-size", defaults.Encode.CacheSize, "Encode cache entries (0 disables)")
	fs.Float64("dropout", defaults.Encode.Dropout, "BPE merge dropout in [0,1]")
	fs.Int("max-length", defaults.Encode.MaxLength, "Truncate encodings to this many tokens (0 disables)")
	fs.Int("stride", defaults.Encode.Stride, "Tokens repeated between overflowing windows")
	fs.String("truncation-strategy", defaults.Encode.TruncationStrategy, "Pair truncation (longest_first|only_first|only_second)")
	fs.Bool("pad", defaults.Encode.Pad, "Pad encodings to a common length")
	fs.String("pad-token", defaults.Encode.PadToken, "Pad token, must be in the vocabulary")
	fs.Int("pad-length", defaults.Encode.PadLength, "Fixed pad length (0 pads to the longest in the batch)")
	fs.Int("pad-to-multiple-of", defaults.Encode.PadToMultipleOf, "Round the pad length up to a multiple of this")
	fs.String("pad-direction", defaults.Encode.PadDirection, "Side to pad on (right|left)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent inflight requests")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Max request text size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level (trace|debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("SUBWORD")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("subword")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Train.Model) {
	case ModelBPE, ModelUnigram:
	default:
		return fmt.Errorf("invalid model %q (expected %s|%s)", c.Train.Model, ModelBPE, ModelUnigram)
	}

	if c.Encode.Dropout < 0 || c.Encode.Dropout > 1 {
		return fmt.Errorf("dropout %v outside [0,1]", c.Encode.Dropout)
	}

	if err := c.Encode.validate(); err != nil {
		return err
	}

	if c.Train.ShrinkingFactor <= 0 || c.Train.ShrinkingFactor >= 1 {
		return fmt.Errorf("shrinking factor %v outside (0,1)", c.Train.ShrinkingFactor)
	}

	return nil
}

func (e EncodeConfig) validate() error {
	switch {
	case e.MaxLength < 0:
		return fmt.Errorf("max length %d is negative", e.MaxLength)
	case e.MaxLength > 0 && (e.Stride < 0 || e.Stride >= e.MaxLength):
		return fmt.Errorf("stride %d outside [0,%d)", e.Stride, e.MaxLength)
	case e.PadLength < 0 || e.PadToMultipleOf < 0:
		return fmt.Errorf("pad length %d and multiple %d must not be negative", e.PadLength, e.PadToMultipleOf)
	}

	switch e.TruncationStrategy {
	case "longest_first", "only_first", "only_second":
	default:
		return fmt.Errorf("invalid truncation strategy %q (expected longest_first|only_first|only_second)", e.TruncationStrategy)
	}

	switch e.PadDirection {
	case "right", "left":
	default:
		return fmt.Errorf("invalid pad direction %q (expected right|left)", e.PadDirection)
	}

	if e.Pad && e.PadToken == "" {
		return errors.New("padding needs a pad token")
	}

	return nil
}

// flagKeys maps every registered flag to its config key.
var flagKeys = map[string]string{
	"tokenizer":           "paths.tokenizer",
	"corpus-mode":         "paths.corpus_mode",
	"model":               "train.model",
	"vocab-size":          "train.vocab_size",
	"min-frequency":       "train.min_frequency",
	"limit-alphabet":      "train.limit_alphabet",
	"special-tokens":      "train.special_tokens",
	"unk-token":           "train.unk_token",
	"prefix":              "train.prefix",
	"suffix":              "train.suffix",
	"shrinking-factor":    "train.shrinking_factor",
	"sub-iterations":      "train.sub_iterations",
	"max-piece-length":    "train.max_piece_length",
	"seed-size":           "train.seed_size",
	"byte-level":          "train.byte_level",
	"normalizers":         "pipeline.normalizers",
	"pre-tokenizer":       "pipeline.pre_tokenizer",
	"decoder":             "pipeline.decoder",
	"add-prefix-space":    "pipeline.add_prefix_space",
	"workers":             "encode.workers",
	"cache-size":          "encode.cache_size",
	"dropout":             "encode.dropout",
	"max-length":          "encode.max_length",
	"stride":              "encode.stride",
	"truncation-strategy": "encode.truncation_strategy",
	"pad":                 "encode.pad",
	"pad-token":           "encode.pad_token",
	"pad-length":          "encode.pad_length",
	"pad-to-multiple-of":  "encode.pad_to_multiple_of",
	"pad-direction":       "encode.pad_direction",
	"server-listen-addr":  "server.listen_addr",
	"server-workers":      "server.workers",
	"max-text-bytes":      "server.max_text_bytes",
	"request-timeout":     "server.request_timeout",
	"shutdown-timeout":    "server.shutdown_timeout",
	"log-level":           "log_level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error

	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}

		if e := v.BindPFlag(key, f); e != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, e)
		}
	})

	return err
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.tokenizer", c.Paths.Tokenizer)
	v.SetDefault("paths.corpus_mode", c.Paths.CorpusMode)
	v.SetDefault("train.model", c.Train.Model)
	v.SetDefault("train.vocab_size", c.Train.VocabSize)
	v.SetDefault("train.min_frequency", c.Train.MinFrequency)
	v.SetDefault("train.limit_alphabet", c.Train.LimitAlphabet)
	v.SetDefault("train.special_tokens", c.Train.SpecialTokens)
	v.SetDefault("train.unk_token", c.Train.UnkToken)
	v.SetDefault("train.prefix", c.Train.Prefix)
	v.SetDefault("train.suffix", c.Train.Suffix)
	v.SetDefault("train.shrinking_factor", c.Train.ShrinkingFactor)
	v.SetDefault("train.sub_iterations", c.Train.SubIterations)
	v.SetDefault("train.max_piece_length", c.Train.MaxPieceLength)
	v.SetDefault("train.seed_size", c.Train.SeedSize)
	v.SetDefault("train.byte_level", c.Train.ByteLevel)
	v.SetDefault("pipeline.normalizers", c.Pipeline.Normalizers)
	v.SetDefault("pipeline.pre_tokenizer", c.Pipeline.PreTokenizer)
	v.SetDefault("pipeline.decoder", c.Pipeline.Decoder)
	v.SetDefault("pipeline.add_prefix_space", c.Pipeline.AddPrefixSpace)
	v.SetDefault("encode.workers", c.Encode.Workers)
	v.SetDefault("encode.cache_size", c.Encode.CacheSize)
	v.SetDefault("encode.dropout", c.Encode.Dropout)
	v.SetDefault("encode.max_length", c.Encode.MaxLength)
	v.SetDefault("encode.stride", c.Encode.Stride)
	v.SetDefault("encode.truncation_strategy", c.Encode.TruncationStrategy)
	v.SetDefault("encode.pad", c.Encode.Pad)
	v.SetDefault("encode.pad_token", c.Encode.PadToken)
	v.SetDefault("encode.pad_length", c.Encode.PadLength)
	v.SetDefault("encode.pad_to_multiple_of", c.Encode.PadToMultipleOf)
	v.SetDefault("encode.pad_direction", c.Encode.PadDirection)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("log_level", c.LogLevel)
}
