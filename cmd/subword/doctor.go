package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/doctor"
	"github.com/example/go-subword/internal/tokenizer"
)

func newDoctorCmd() *cobra.Command {
	var samples []string

	cmd := &cobra.Command{
		Use:   "doctor [corpus files...]",
		Short: "Check the configured tokenizer and corpus files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			result := doctor.Run(doctor.Config{
				TokenizerPath: cfg.Paths.Tokenizer,
				Load: func(path string) (*tokenizer.Tokenizer, error) {
					c := cfg
					c.Paths.Tokenizer = path
					return loadTokenizer(c)
				},
				SampleTexts: samples,
				CorpusFiles: args,
			}, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&samples, "sample", []string{"Hello, world!"}, "Text to round-trip through the tokenizer (repeatable)")

	return cmd
}
