// Package doctor provides preflight checks for a persisted tokenizer.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-subword/internal/tokenizer"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// LoadFunc loads the tokenizer at path.
type LoadFunc func(path string) (*tokenizer.Tokenizer, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// TokenizerPath is the tokenizer.json to verify.
	TokenizerPath string
	// Load defaults to tokenizer.Load.
	Load LoadFunc
	// SampleTexts are encoded and decoded once the tokenizer loads.
	SampleTexts []string
	// CorpusFiles is the list of corpus paths to verify on disk.
	CorpusFiles []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	if tk := checkTokenizer(cfg, w, &res); tk != nil {
		checkVocabulary(tk, w, &res)
		checkSamples(tk, cfg.SampleTexts, w, &res)
	}

	// ---- corpus files -----------------------------------------------------
	for _, path := range cfg.CorpusFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("corpus file %q: %v", path, err))
			fmt.Fprintf(w, "%s corpus file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s corpus file: %s\n", PassMark, path)
		}
	}

	return res
}

// checkTokenizer verifies the file, its state version and that it loads.
func checkTokenizer(cfg Config, w io.Writer, res *Result) *tokenizer.Tokenizer {
	path := cfg.TokenizerPath
	if path == "" {
		fmt.Fprintf(w, "%s tokenizer: skipped\n", PassMark)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		res.fail(fmt.Sprintf("tokenizer %q: %v", path, err))
		fmt.Fprintf(w, "%s tokenizer %s: not readable\n", FailMark, path)

		return nil
	}

	var head struct {
		Version string `json:"version"`
	}

	if err := json.Unmarshal(data, &head); err != nil {
		res.fail(fmt.Sprintf("tokenizer %q: not JSON: %v", path, err))
		fmt.Fprintf(w, "%s tokenizer %s: not JSON\n", FailMark, path)

		return nil
	}

	if err := checkStateVersion(head.Version); err != nil {
		res.fail(fmt.Sprintf("tokenizer version: %v", err))
		fmt.Fprintf(w, "%s tokenizer version %q: %v\n", FailMark, head.Version, err)

		return nil
	}

	fmt.Fprintf(w, "%s tokenizer version: %s\n", PassMark, head.Version)

	load := cfg.Load
	if load == nil {
		load = func(p string) (*tokenizer.Tokenizer, error) { return tokenizer.Load(p) }
	}

	tk, err := load(path)
	if err != nil {
		res.fail(fmt.Sprintf("tokenizer load: %v", err))
		fmt.Fprintf(w, "%s tokenizer load: %v\n", FailMark, err)

		return nil
	}

	fmt.Fprintf(w, "%s tokenizer: %s model, %d tokens\n", PassMark, tk.Model().Kind(), tk.VocabSize())

	return tk
}

// checkVocabulary verifies that every id resolves and maps back to itself.
func checkVocabulary(tk *tokenizer.Tokenizer, w io.Writer, res *Result) {
	var broken []string

	for id := range tk.VocabSize() {
		tok, ok := tk.IDToToken(id)
		if !ok {
			broken = append(broken, fmt.Sprintf("id %d has no token", id))
			continue
		}

		if back, ok := tk.TokenToID(tok); !ok || back != id {
			broken = append(broken, fmt.Sprintf("token %q maps to %d, not %d", tok, back, id))
		}
	}

	if len(broken) > 0 {
		res.fail("vocabulary: " + strings.Join(broken, "; "))
		fmt.Fprintf(w, "%s vocabulary: %d inconsistent entries\n", FailMark, len(broken))

		return
	}

	fmt.Fprintf(w, "%s vocabulary: %d ids resolve both ways\n", PassMark, tk.VocabSize())
}

// checkSamples encodes and decodes every sample and checks the offsets.
func checkSamples(tk *tokenizer.Tokenizer, samples []string, w io.Writer, res *Result) {
	for _, text := range samples {
		enc, err := tk.Encode(text, false)
		if err != nil {
			res.fail(fmt.Sprintf("encode %q: %v", text, err))
			fmt.Fprintf(w, "%s encode %q: %v\n", FailMark, text, err)

			continue
		}

		if err := checkOffsets(text, enc); err != nil {
			res.fail(fmt.Sprintf("offsets %q: %v", text, err))
			fmt.Fprintf(w, "%s offsets %q: %v\n", FailMark, text, err)

			continue
		}

		decoded, err := tk.Decode(enc.IDs, true)
		if err != nil {
			res.fail(fmt.Sprintf("decode %q: %v", text, err))
			fmt.Fprintf(w, "%s decode %q: %v\n", FailMark, text, err)

			continue
		}

		fmt.Fprintf(w, "%s sample %q: %d tokens, decodes to %q\n", PassMark, text, enc.Len(), decoded)
	}
}

func checkOffsets(text string, enc *tokenizer.Encoding) error {
	prev := 0

	for i, off := range enc.Offsets {
		if i < len(enc.AttentionMask) && enc.AttentionMask[i] == 0 {
			continue // padding
		}

		if off[0] < 0 || off[1] > len(text) || off[0] > off[1] {
			return fmt.Errorf("token %d span %v outside [0,%d]", i, off, len(text))
		}

		if off[0] < prev {
			return fmt.Errorf("token %d starts at %d before %d", i, off[0], prev)
		}

		prev = off[0]
	}

	return nil
}

// checkStateVersion returns an error unless ver has the major version of
// tokenizer.StateVersion and a minor version no newer than it.
func checkStateVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	wantMajor, wantMinor, err := parseMajorMinor(tokenizer.StateVersion)
	if err != nil {
		return err
	}

	if major != wantMajor {
		return fmt.Errorf("requires state version %d.x, got %d", wantMajor, major)
	}

	if minor > wantMinor {
		return fmt.Errorf("requires state version <=%d.%d, got %d.%d", wantMajor, wantMinor, major, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}
