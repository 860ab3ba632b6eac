package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/tokenizer"
)

func newEncodeCmd() *cobra.Command {
	var (
		addSpecial bool
		pairs      bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "encode [text...]",
		Short: "Encode texts (one per stdin line when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			resolved, err := resolveFormat(format, out)
			if err != nil {
				return err
			}

			texts := args
			if len(texts) == 0 {
				if texts, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			tk, err := loadTokenizer(cfg)
			if err != nil {
				return err
			}

			var encs []*tokenizer.Encoding
			if pairs {
				firsts, seconds, err := splitPairs(texts)
				if err != nil {
					return err
				}

				encs, err = tk.EncodePairBatch(cmd.Context(), firsts, seconds, addSpecial)
				if err != nil {
					return err
				}
			} else if encs, err = tk.EncodeBatch(cmd.Context(), texts, addSpecial); err != nil {
				return err
			}

			return writeEncodings(out, resolved, encs)
		},
	}

	cmd.Flags().BoolVar(&addSpecial, "add-special-tokens", false, "Wrap encodings with the post-processor tokens")
	cmd.Flags().BoolVar(&pairs, "pairs", false, "Encode each input as a pair split at its first tab")
	cmd.Flags().StringVar(&format, "format", formatAuto, "Output format: auto|json|table|ids")

	return cmd
}

// splitPairs cuts every text at its first tab.
func splitPairs(texts []string) (firsts, seconds []string, err error) {
	for i, text := range texts {
		first, second, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, nil, fmt.Errorf("input %d: pair needs a tab between the sequences", i+1)
		}

		firsts = append(firsts, first)
		seconds = append(seconds, second)
	}

	return firsts, seconds, nil
}

// readLines returns the lines of r without their terminators.
func readLines(r io.Reader) ([]string, error) {
	var lines []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	return lines, nil
}

func writeEncodings(w io.Writer, format string, encs []*tokenizer.Encoding) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		for _, e := range encs {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	case formatIDs:
		for _, e := range encs {
			ids := make([]string, len(e.IDs))
			for i, id := range e.IDs {
				ids[i] = strconv.Itoa(id)
			}
			if _, err := fmt.Fprintln(w, strings.Join(ids, " ")); err != nil {
				return err
			}
		}
	default:
		for _, e := range encs {
			table := tablewriter.NewWriter(w)
			table.SetHeader([]string{"ID", "Token", "Start", "End", "Type", "Mask", "Special"})
			for i := range e.IDs {
				special := ""
				if e.SpecialMask[i] == 1 {
					special = "yes"
				}
				table.Append([]string{
					strconv.Itoa(e.IDs[i]),
					strconv.Quote(e.Tokens[i]),
					strconv.Itoa(e.Offsets[i][0]),
					strconv.Itoa(e.Offsets[i][1]),
					strconv.Itoa(e.TypeIDs[i]),
					strconv.Itoa(e.AttentionMask[i]),
					special,
				})
			}
			table.Render()
		}
	}

	return nil
}
