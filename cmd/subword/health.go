package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/server"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server and report its tokenizer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			if format != formatTable && format != formatJSON {
				return fmt.Errorf("--format must be table or json")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			health, err := server.FetchHealth(ctx, addr)
			if err != nil {
				return fmt.Errorf("health %s: %w", addr, err)
			}

			out := cmd.OutOrStdout()
			if format == formatJSON {
				return json.NewEncoder(out).Encode(health)
			}

			_, err = fmt.Fprintf(out, "ok: %s serves %d tokens (version %s)\n", addr, health.VocabSize, health.Version)

			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address to check (default: --server-listen-addr)")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up after this long")

	return cmd
}
