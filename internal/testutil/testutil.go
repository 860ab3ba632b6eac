// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls Skipf with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    path := testutil.RequireSPModel(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SPModelEnv and CorpusEnv name the variables that point at local fixtures.
const (
	SPModelEnv = "SUBWORD_SPM_MODEL"
	CorpusEnv  = "SUBWORD_CORPUS"
)

// SPModelPath is where RequireSPModel looks, relative to any parent of the
// working directory.
var SPModelPath = filepath.Join("models", "tokenizer.model")

// RequireSPModel returns the path of a real SentencePiece model. It checks
// SUBWORD_SPM_MODEL, then models/tokenizer.model in the working directory and
// its parents, and skips the test when neither exists.
func RequireSPModel(tb testing.TB) string {
	tb.Helper()

	if p := os.Getenv(SPModelEnv); p != "" {
		if _, err := os.Stat(p); err != nil {
			tb.Skipf("SentencePiece model not found at %s=%q", SPModelEnv, p)
			return ""
		}

		return p
	}

	if p, ok := FindUp(SPModelPath); ok {
		return p
	}

	tb.Skipf("%s not found; set %s to run real model tests", SPModelPath, SPModelEnv)

	return ""
}

// RequireCorpus returns the corpus file named by SUBWORD_CORPUS, skipping the
// test when it is unset or missing.
func RequireCorpus(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv(CorpusEnv)
	if p == "" {
		tb.Skipf("%s not set; skipping corpus-scale test", CorpusEnv)
		return ""
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("corpus not found at %s=%q", CorpusEnv, p)
		return ""
	}

	return p
}

// FindUp looks for rel in the working directory and each of its parents.
func FindUp(rel string) (string, bool) {
	dir, err := filepath.Abs(".")
	if err != nil {
		return "", false
	}

	for {
		candidate := filepath.Join(dir, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}

		dir = parent
	}
}
