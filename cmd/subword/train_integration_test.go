package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-subword/internal/testutil"
)

// TestTrain_CorpusScale trains both models on the corpus named by
// SUBWORD_CORPUS and runs the doctor checks against each result.
func TestTrain_CorpusScale(t *testing.T) {
	corpusPath := testutil.RequireCorpus(t)
	t.Chdir(t.TempDir())

	for _, m := range []string{"bpe", "unigram"} {
		t.Run(m, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), m+".json")

			if _, err := execute(t, "", "train", corpusPath,
				"--model", m,
				"--vocab-size", "2000",
				"--unk-token", "<unk>",
				"--normalizers", "nfkc",
				"--out", out,
			); err != nil {
				t.Fatalf("train: %v", err)
			}

			report, err := execute(t, "", "doctor", "--tokenizer", out,
				"--sample", "The quick brown fox jumps over the lazy dog.",
				"--sample", "naïve café, 東京",
				corpusPath,
			)
			if err != nil {
				t.Fatalf("doctor: %v\n%s", err, report)
			}

			if !strings.Contains(report, "doctor checks passed") {
				t.Errorf("unexpected doctor output:\n%s", report)
			}
		})
	}
}
