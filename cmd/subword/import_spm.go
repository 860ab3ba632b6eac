package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/spm"
)

func newImportSPMCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "import-spm MODEL",
		Short: "Convert a SentencePiece .model file into a tokenizer.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			tk, err := spm.ImportFile(args[0], runtimeOptions(cfg)...)
			if err != nil {
				return err
			}

			if out == "" {
				out = cfg.Paths.Tokenizer
			}
			if err := tk.Save(out); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d pieces, %d added tokens)\n", out, tk.VocabSize(), len(tk.AddedTokens()))
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (defaults to --tokenizer)")

	return cmd
}
