package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/example/go-subword/internal/bench"
	"github.com/example/go-subword/internal/corpus"
)

func newBenchCmd() *cobra.Command {
	var (
		texts         []string
		runs          int
		format        string
		minThroughput float64
		cpuProfile    string
	)

	cmd := &cobra.Command{
		Use:   "bench [corpus files...]",
		Short: "Benchmark encode throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			inputs, err := benchInputs(cfg.Paths.CorpusMode, texts, args)
			if err != nil {
				return err
			}

			tk, err := loadTokenizer(cfg)
			if err != nil {
				return err
			}

			results, err := runProfiled(cmd.Context(), cpuProfile, func(ctx context.Context) ([]bench.RunResult, error) {
				return bench.Run(ctx, tk, inputs, runs)
			})
			if err != nil {
				return err
			}

			stats := bench.Summarize(results)

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, out); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, out)
			}

			return bench.CheckThroughput(stats.TokensPerSecond, minThroughput)
		},
	}

	cmd.Flags().StringArrayVar(&texts, "text", nil, "Text to encode in every run (repeatable)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of encode runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&minThroughput, "min-throughput", 0, "Exit non-zero if warm tokens/s falls below this value (0 = disabled)")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the runs to this file")

	return cmd
}

// benchInputs returns the --text values, or the documents of files.
func benchInputs(mode string, texts, files []string) ([]string, error) {
	if len(texts) > 0 {
		return texts, nil
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("--text or corpus files are required for bench")
	}

	m, err := corpus.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	var docs []string
	for doc, err := range corpus.Files(files, corpus.Options{Mode: m}) {
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// runProfiled runs fn, under the CPU profiler when path is set.
func runProfiled(ctx context.Context, path string, fn func(context.Context) ([]bench.RunResult, error)) ([]bench.RunResult, error) {
	if path == "" {
		return fn(ctx)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpu profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := pprof.StartCPUProfile(f); err != nil {
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}
	defer pprof.StopCPUProfile()

	return fn(ctx)
}
