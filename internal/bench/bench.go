// Package bench provides benchmarking primitives for the subword bench command.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/stat"

	"github.com/example/go-subword/internal/tokenizer"
)

// Encoder is what a bench run drives.
type Encoder interface {
	EncodeBatch(ctx context.Context, texts []string, addSpecial bool) ([]*tokenizer.Encoding, error)
}

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and volume of a single pass over the texts.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (empty cache)
	Duration time.Duration
	Bytes    int
	Tokens   int
}

// TokensPerSecond is the encode throughput of the run.
func (r RunResult) TokensPerSecond() float64 { return perSecond(r.Tokens, r.Duration) }

// BytesPerSecond is the input throughput of the run.
func (r RunResult) BytesPerSecond() float64 { return perSecond(r.Bytes, r.Duration) }

func perSecond(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(n) / d.Seconds()
}

// Run encodes texts runs times. The first run is marked cold.
func Run(ctx context.Context, enc Encoder, texts []string, runs int) ([]RunResult, error) {
	if runs <= 0 {
		return nil, errors.New("runs must be positive")
	}

	if len(texts) == 0 {
		return nil, errors.New("no input texts")
	}

	size := 0
	for _, s := range texts {
		size += len(s)
	}

	results := make([]RunResult, 0, runs)

	for i := range runs {
		start := time.Now()

		encs, err := enc.EncodeBatch(ctx, texts, false)
		if err != nil {
			return results, fmt.Errorf("run %d: %w", i+1, err)
		}

		tokens := 0
		for _, e := range encs {
			tokens += e.Len()
		}

		results = append(results, RunResult{
			Index:    i,
			Cold:     i == 0,
			Duration: time.Since(start),
			Bytes:    size,
			Tokens:   tokens,
		})
	}

	return results, nil
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P95    time.Duration
	// TokensPerSecond is the mean throughput over the warm runs, or over
	// the single run when there is only one.
	TokensPerSecond float64
}

// ComputeStats calculates min, max, mean, deviation and percentiles over a
// slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	xs := make([]float64, len(durations))
	for i, d := range durations {
		xs[i] = float64(d)
	}

	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	st := Stats{
		Min:  time.Duration(sorted[0]),
		Max:  time.Duration(sorted[len(sorted)-1]),
		Mean: time.Duration(stat.Mean(xs, nil)),
		P50:  time.Duration(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		P95:  time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
	}

	if len(xs) > 1 {
		st.StdDev = time.Duration(stat.StdDev(xs, nil))
	}

	return st
}

// Summarize computes Stats for runs, including warm throughput.
func Summarize(runs []RunResult) Stats {
	durations := make([]time.Duration, len(runs))
	for i, r := range runs {
		durations[i] = r.Duration
	}

	st := ComputeStats(durations)

	warm := runs
	if len(runs) > 1 {
		warm = runs[1:]
	}

	var rates []float64
	for _, r := range warm {
		rates = append(rates, r.TokensPerSecond())
	}

	if len(rates) > 0 {
		st.TokensPerSecond = stat.Mean(rates, nil)
	}

	return st
}

// ---------------------------------------------------------------------------
// Throughput threshold gate
// ---------------------------------------------------------------------------

// CheckThroughput returns an error if tokensPerSecond < minimum.
// A minimum of 0 disables the gate.
func CheckThroughput(tokensPerSecond, minimum float64) error {
	if minimum <= 0 {
		return nil
	}

	if tokensPerSecond < minimum {
		return fmt.Errorf("throughput %.0f tokens/s below minimum %.0f", tokensPerSecond, minimum)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64)
}

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Cold", "MS", "Tokens", "Tokens/s", "MB/s"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}

		table.Append([]string{
			strconv.Itoa(r.Index + 1),
			cold,
			ms(r.Duration),
			strconv.Itoa(r.Tokens),
			strconv.FormatFloat(r.TokensPerSecond(), 'f', 0, 64),
			strconv.FormatFloat(r.BytesPerSecond()/1e6, 'f', 2, 64),
		})
	}

	table.Render()

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Min", "P50", "Mean", "P95", "Max", "StdDev", "Warm tokens/s"})
	summary.Append([]string{
		ms(stats.Min), ms(stats.P50), ms(stats.Mean), ms(stats.P95), ms(stats.Max), ms(stats.StdDev),
		strconv.FormatFloat(stats.TokensPerSecond, 'f', 0, 64),
	})
	summary.Render()
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index           int     `json:"index"`
	Cold            bool    `json:"cold"`
	DurationMS      float64 `json:"duration_ms"`
	Bytes           int     `json:"bytes"`
	Tokens          int     `json:"tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type jsonStats struct {
	MinMS           float64 `json:"min_ms"`
	P50MS           float64 `json:"p50_ms"`
	MeanMS          float64 `json:"mean_ms"`
	P95MS           float64 `json:"p95_ms"`
	MaxMS           float64 `json:"max_ms"`
	StdDevMS        float64 `json:"stddev_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

func msFloat(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:           msFloat(stats.Min),
			P50MS:           msFloat(stats.P50),
			MeanMS:          msFloat(stats.Mean),
			P95MS:           msFloat(stats.P95),
			MaxMS:           msFloat(stats.Max),
			StdDevMS:        msFloat(stats.StdDev),
			TokensPerSecond: stats.TokensPerSecond,
		},
	}

	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:           r.Index,
			Cold:            r.Cold,
			DurationMS:      msFloat(r.Duration),
			Bytes:           r.Bytes,
			Tokens:          r.Tokens,
			TokensPerSecond: r.TokensPerSecond(),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}
