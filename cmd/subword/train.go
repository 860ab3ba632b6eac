package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/corpus"
	"github.com/example/go-subword/internal/tokenizer"
)

func newTrainCmd() *cobra.Command {
	var (
		out    string
		bos    string
		eos    string
		single string
		pair   string
		chunks int
	)

	cmd := &cobra.Command{
		Use:   "train [corpus files...]",
		Short: "Train a tokenizer on corpus files (stdin when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mode, err := corpus.ParseMode(cfg.Paths.CorpusMode)
			if err != nil {
				return err
			}
			copts := corpus.Options{Mode: mode, MaxChunkBytes: chunks}

			src := corpus.Reader(cmd.InOrStdin(), copts)
			if len(args) > 0 {
				src = corpus.Files(args, copts)
			}

			trainer, err := newTrainer(cfg)
			if err != nil {
				return err
			}

			opts, err := pipelineOptions(cfg)
			if err != nil {
				return err
			}

			tk, err := tokenizer.New(nil, opts...)
			if err != nil {
				return err
			}

			if err := tk.Train(cmd.Context(), trainer, src); err != nil {
				return err
			}

			pp, err := postProcessor(bos, eos, single, pair)
			if err != nil {
				return err
			}

			if pp != nil {
				if err := tk.SetPostProcessor(pp); err != nil {
					return fmt.Errorf("post-processor: %w", err)
				}
			}

			if err := applyEncodeSettings(tk, cfg); err != nil {
				return err
			}

			if out == "" {
				out = cfg.Paths.Tokenizer
			}
			if err := tk.Save(out); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d tokens)\n", out, tk.Model().Kind(), tk.VocabSize())
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (defaults to --tokenizer)")
	cmd.Flags().StringVar(&bos, "bos", "", "Special token prepended when encoding with special tokens")
	cmd.Flags().StringVar(&eos, "eos", "", "Special token appended when encoding with special tokens")
	cmd.Flags().StringVar(&single, "template", "", `Post-processor template for single texts, e.g. "[CLS] $A [SEP]"`)
	cmd.Flags().StringVar(&pair, "pair-template", "", `Post-processor template for pairs, e.g. "[CLS] $A [SEP] $B:1 [SEP]:1"`)
	cmd.Flags().IntVar(&chunks, "max-chunk-bytes", 0, "Sentence chunk size in sentence corpus mode (0 keeps paragraphs whole)")

	cmd.MarkFlagsMutuallyExclusive("template", "bos")
	cmd.MarkFlagsMutuallyExclusive("template", "eos")

	return cmd
}

// postProcessor builds the post-processor from either the bos/eos tokens or
// explicit templates. It returns nil when none are set.
func postProcessor(bos, eos, single, pair string) (*tokenizer.PostProcessor, error) {
	if single != "" || pair != "" {
		if single == "" {
			single = "$A"
		}

		pp, err := tokenizer.NewTemplateProcessor(single, pair)
		if err != nil {
			return nil, fmt.Errorf("post-processor: %w", err)
		}

		return pp, nil
	}

	if bos == "" && eos == "" {
		return nil, nil
	}

	var prefix, suffix []string
	if bos != "" {
		prefix = []string{bos}
	}
	if eos != "" {
		suffix = []string{eos}
	}

	return tokenizer.Wrap(prefix, suffix), nil
}
