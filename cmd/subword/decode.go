package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var skipSpecial bool

	cmd := &cobra.Command{
		Use:   "decode [ids...]",
		Short: "Decode ids (one space separated sequence per stdin line when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			lines := []string{strings.Join(args, " ")}
			if len(args) == 0 {
				if lines, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			batch := make([][]int, len(lines))
			for i, line := range lines {
				if batch[i], err = parseIDs(line); err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
			}

			tk, err := loadTokenizer(cfg)
			if err != nil {
				return err
			}

			texts, err := tk.DecodeBatch(cmd.Context(), batch, skipSpecial)
			if err != nil {
				return err
			}

			for _, text := range texts {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), text); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipSpecial, "skip-special-tokens", true, "Drop special tokens from the output")

	return cmd
}

// parseIDs reads space or comma separated ids.
func parseIDs(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })

	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", f)
		}
		ids[i] = id
	}

	return ids, nil
}
