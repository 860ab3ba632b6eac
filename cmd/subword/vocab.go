package main

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newVocabCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "List the vocabulary by id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			tk, err := loadTokenizer(cfg)
			if err != nil {
				return err
			}

			kind := map[int]string{}
			for _, at := range tk.AddedTokens() {
				kind[at.ID] = "added"
				if at.Special {
					kind[at.ID] = "special"
				}
			}

			n := tk.VocabSize()
			if limit > 0 {
				n = min(n, limit)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Token", "Kind"})
			for id := range n {
				tok, ok := tk.IDToToken(id)
				if !ok {
					continue
				}
				table.Append([]string{strconv.Itoa(id), strconv.Quote(tok), kind[id]})
			}
			table.Render()

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many ids (0 = all)")

	return cmd
}
