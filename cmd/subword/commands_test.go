package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-subword/internal/config"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/server"
	"github.com/example/go-subword/internal/tokenizer"
)

const sampleCorpus = "low low low lower lower\nnewest newest widest\nlow newest\n"

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--log-level=error"))

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

// trained writes the sample corpus, trains a BPE tokenizer on it and returns
// the tokenizer path.
func trained(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)

	corpusPath := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(corpusPath, []byte(sampleCorpus), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tkPath := filepath.Join(dir, "tk.json")

	out, err := execute(t, "", "train", corpusPath,
		"--tokenizer", tkPath,
		"--vocab-size", "200",
		"--unk-token", "<unk>",
		"--special-tokens", "<s>,</s>",
		"--bos", "<s>",
		"--eos", "</s>",
	)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	if !strings.Contains(out, "wrote "+tkPath+" (BPE,") {
		t.Fatalf("unexpected train output: %q", out)
	}

	return tkPath
}

// ---------------------------------------------------------------------------
// train / encode / decode
// ---------------------------------------------------------------------------

func TestTrain_WritesLoadableTokenizer(t *testing.T) {
	path := trained(t)

	tk, err := tokenizer.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, tok := range []string{"<unk>", "<s>", "</s>", "low", "newest"} {
		if _, ok := tk.TokenToID(tok); !ok {
			t.Errorf("token %q missing from trained vocabulary", tok)
		}
	}

	if id, _ := tk.TokenToID("<unk>"); id != 0 {
		t.Errorf("<unk> id = %d; want 0", id)
	}
}

func TestTrain_DefaultConfigEncodesUnseenCharacters(t *testing.T) {
	cfg := config.DefaultConfig()

	opts, err := pipelineOptions(cfg)
	if err != nil {
		t.Fatalf("pipelineOptions: %v", err)
	}

	trainer, err := newTrainer(cfg)
	if err != nil {
		t.Fatalf("newTrainer: %v", err)
	}

	tk, err := tokenizer.New(nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	docs := func(yield func(string, error) bool) {
		yield("low lower lowest newer wider", nil)
	}

	if err := tk.Train(context.Background(), trainer, docs); err != nil {
		t.Fatalf("Train: %v", err)
	}

	enc, err := tk.Encode("lowz", false)
	if err != nil {
		t.Fatalf("Encode(lowz): %v", err)
	}

	if last := enc.Tokens[len(enc.Tokens)-1]; last != "<unk>" {
		t.Errorf("tokens = %q; want a trailing <unk>", enc.Tokens)
	}
}

func TestTrain_UnigramFromStdin(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, sampleCorpus, "train", "--model", "unigram", "--vocab-size", "40", "--out", "uni.json")
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	if !strings.Contains(out, "wrote uni.json (Unigram,") {
		t.Errorf("unexpected train output: %q", out)
	}
}

func TestTrain_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name  string
		stdin string
		args  []string
		want  error
	}{
		{"empty corpus", "", []string{"train"}, model.ErrEmptyCorpus},
		{"vocab too small", sampleCorpus, []string{"train", "--model", "unigram", "--vocab-size", "3"}, model.ErrVocabularyTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.stdin, tt.args...)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v; want %v", err, tt.want)
			}
		})
	}

	if _, err := execute(t, sampleCorpus, "train", "--corpus-mode", "paragraph"); err == nil {
		t.Error("expected error for an unknown corpus mode")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	path := trained(t)

	ids, err := execute(t, "", "encode", "--tokenizer", path, "--format", "ids", "low lower")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if n := len(strings.Fields(ids)); n != 2 {
		t.Fatalf("encode printed %q; want 2 ids", ids)
	}

	text, err := execute(t, "", append([]string{"decode", "--tokenizer", path}, strings.Fields(ids)...)...)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if strings.TrimSpace(text) != "low lower" {
		t.Errorf("decode = %q; want %q", text, "low lower")
	}
}

func TestEncode_JSONWithSpecialTokens(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "newest\nlow\n", "encode", "--tokenizer", path, "--format", "json", "--add-special-tokens")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := json.NewDecoder(strings.NewReader(out))

	var got [][]string
	for dec.More() {
		var enc tokenizer.Encoding
		if err := dec.Decode(&enc); err != nil {
			t.Fatalf("decode JSON: %v\n%s", err, out)
		}

		got = append(got, enc.Tokens)
	}

	want := [][]string{{"<s>", "newest", "</s>"}, {"<s>", "low", "</s>"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Table(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "", "encode", "--tokenizer", path, "--format", "table", "low")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, want := range []string{"ID", "TOKEN", "START", "TYPE", "MASK", `"low"`} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

// encodings decodes the JSON lines printed by encode.
func encodings(t *testing.T, out string) []tokenizer.Encoding {
	t.Helper()

	var encs []tokenizer.Encoding

	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var enc tokenizer.Encoding
		if err := dec.Decode(&enc); err != nil {
			t.Fatalf("decode JSON: %v\n%s", err, out)
		}

		encs = append(encs, enc)
	}

	return encs
}

func TestEncode_Pairs(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "low\tnewest\n", "encode", "--tokenizer", path, "--format", "json", "--pairs", "--add-special-tokens")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	encs := encodings(t, out)
	if len(encs) != 1 {
		t.Fatalf("got %d encodings; want 1", len(encs))
	}

	if diff := cmp.Diff([]string{"<s>", "low", "</s>", "newest", "</s>"}, encs[0].Tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{0, 0, 0, 1, 1}, encs[0].TypeIDs); diff != "" {
		t.Errorf("type ids mismatch (-want +got):\n%s", diff)
	}

	if _, err := execute(t, "", "encode", "--tokenizer", path, "--pairs", "no tab here"); err == nil {
		t.Error("expected error for a pair without a tab")
	}
}

func TestEncode_TruncationAndPadding(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "", "encode", "--tokenizer", path, "--format", "json",
		"--max-length", "2", "--pad", "--pad-token", "</s>",
		"low lower newest", "low")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	encs := encodings(t, out)
	if len(encs) != 2 {
		t.Fatalf("got %d encodings; want 2", len(encs))
	}

	if diff := cmp.Diff([]string{"low", "lower"}, encs[0].Tokens); diff != "" {
		t.Errorf("truncated tokens mismatch (-want +got):\n%s", diff)
	}

	if len(encs[0].Overflowing) != 1 {
		t.Fatalf("overflowing = %d windows; want 1", len(encs[0].Overflowing))
	}

	if diff := cmp.Diff([]string{"newest", "</s>"}, encs[0].Overflowing[0].Tokens); diff != "" {
		t.Errorf("overflowing tokens mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{1, 0}, encs[1].AttentionMask); diff != "" {
		t.Errorf("attention mask mismatch (-want +got):\n%s", diff)
	}

	if _, err := execute(t, "", "encode", "--tokenizer", path, "--pad", "--pad-token", "[PAD]", "low"); err == nil {
		t.Error("expected error for a pad token outside the vocabulary")
	}
}

func TestTrain_Templates(t *testing.T) {
	path := trained(t)

	out := filepath.Join(filepath.Dir(path), "tpl.json")
	_, err := execute(t, sampleCorpus, "train", "--out", out,
		"--vocab-size", "200",
		"--special-tokens", "<s>,</s>",
		"--template", "<s> $A </s>",
		"--pair-template", "<s> $A </s> $B:1 </s>:1",
		"--max-length", "16",
	)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	tk, err := tokenizer.Load(out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := tk.PostProcessor().Pair.String(); got != "<s> $A </s> $B:1 </s>:1" {
		t.Errorf("pair template = %q", got)
	}

	if tr := tk.Truncation(); tr == nil || tr.MaxLength != 16 || tr.Strategy != tokenizer.LongestFirst {
		t.Errorf("truncation = %+v; want max length 16, longest_first", tr)
	}

	if _, err := execute(t, sampleCorpus, "train", "--out", out, "--template", "$B"); err == nil {
		t.Error("expected error for a template without $A")
	}
}

func TestEncode_Errors(t *testing.T) {
	path := trained(t)

	if _, err := execute(t, "", "encode", "--tokenizer", path, "--format", "xml", "low"); err == nil {
		t.Error("expected error for an unknown format")
	}

	if _, err := execute(t, "", "encode", "--tokenizer", "absent.json", "low"); err == nil {
		t.Error("expected error for a missing tokenizer")
	}
}

func TestDecode_Errors(t *testing.T) {
	path := trained(t)

	if _, err := execute(t, "", "decode", "--tokenizer", path, "1", "x"); err == nil {
		t.Error("expected error for a non-numeric id")
	}

	if _, err := execute(t, "", "decode", "--tokenizer", path, "99999"); !errors.Is(err, model.ErrUnknownToken) {
		t.Errorf("err = %v; want ErrUnknownToken", err)
	}
}

func TestParseIDs(t *testing.T) {
	got, err := parseIDs("1, 2\t3 4")
	if err != nil {
		t.Fatalf("parseIDs: %v", err)
	}

	if diff := cmp.Diff([]int{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("parseIDs mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// vocab / doctor / bench
// ---------------------------------------------------------------------------

func TestVocab_ListsSpecialTokens(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "", "vocab", "--tokenizer", path, "--limit", "3")
	if err != nil {
		t.Fatalf("vocab: %v", err)
	}

	for _, want := range []string{`"<unk>"`, `"<s>"`, `"</s>"`, "special"} {
		if !strings.Contains(out, want) {
			t.Errorf("vocab output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctor(t *testing.T) {
	path := trained(t)

	out, err := execute(t, "", "doctor", "--tokenizer", path, "--sample", "low newest", "corpus.txt")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}

	if !strings.Contains(out, "doctor checks passed") {
		t.Errorf("unexpected doctor output:\n%s", out)
	}

	if _, err := execute(t, "", "doctor", "--tokenizer", path, "missing.txt"); err == nil {
		t.Error("expected doctor to fail on a missing corpus file")
	}
}

func TestBench_JSON(t *testing.T) {
	path := trained(t)
	profile := filepath.Join(t.TempDir(), "cpu.out")

	out, err := execute(t, "", "bench", "--tokenizer", path, "--runs", "2", "--format", "json", "--cpuprofile", profile, "corpus.txt")
	if err != nil {
		t.Fatalf("bench: %v", err)
	}

	var report struct {
		Runs []struct {
			Tokens int `json:"tokens"`
		} `json:"runs"`
	}

	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("bench JSON: %v\n%s", err, out)
	}

	if len(report.Runs) != 2 || report.Runs[0].Tokens == 0 {
		t.Errorf("unexpected runs: %+v", report.Runs)
	}

	if st, err := os.Stat(profile); err != nil || st.Size() == 0 {
		t.Errorf("cpu profile not written: %v", err)
	}
}

func TestBench_Errors(t *testing.T) {
	path := trained(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no input", []string{"bench", "--tokenizer", path}},
		{"zero runs", []string{"bench", "--tokenizer", path, "--runs", "0", "--text", "low"}},
		{"bad format", []string{"bench", "--tokenizer", path, "--format", "csv", "--text", "low"}},
		{"below minimum", []string{"bench", "--tokenizer", path, "--text", "low", "--min-throughput", "1e15"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, "", tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer

	got, err := resolveFormat(formatAuto, &buf)
	if err != nil || got != formatJSON {
		t.Errorf("resolveFormat(auto, buffer) = %q, %v; want json", got, err)
	}

	if _, err := resolveFormat("yaml", &buf); err == nil {
		t.Error("expected error for yaml")
	}
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	path := trained(t)

	tk, err := tokenizer.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ts := httptest.NewServer(server.NewHandler(tk))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")

	out, err := execute(t, "", "health", "--addr", addr)
	if err != nil {
		t.Fatalf("health: %v", err)
	}

	want := fmt.Sprintf("ok: %s serves %d tokens", addr, tk.VocabSize())
	if !strings.Contains(out, want) {
		t.Errorf("health output = %q; want it to contain %q", out, want)
	}

	out, err = execute(t, "", "health", "--addr", addr, "--format", "json")
	if err != nil {
		t.Fatalf("health --format json: %v", err)
	}

	var got server.Health
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("health json: %v\n%s", err, out)
	}

	if got.Status != "ok" || got.VocabSize != tk.VocabSize() {
		t.Errorf("health = %+v; want ok with %d tokens", got, tk.VocabSize())
	}

	if _, err := execute(t, "", "health", "--addr", addr, "--format", "ids"); err == nil {
		t.Error("expected error for an unsupported format")
	}
}
