package unigram

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/go-subword/internal/model"
)

func mustNew(t *testing.T, pieces []Piece, unkID int, opts ...Option) *Unigram {
	t.Helper()

	u, err := New(pieces, unkID, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return u
}

func encode(t *testing.T, u *Unigram, s string) ([]string, [][2]int) {
	t.Helper()

	tokens, err := u.Tokenize(s)
	if err != nil {
		t.Fatalf("Tokenize(%q): %v", s, err)
	}

	values := make([]string, len(tokens))
	offsets := make([][2]int, len(tokens))

	for i, tok := range tokens {
		values[i] = tok.Value
		offsets[i] = tok.Offsets

		if id, _ := u.TokenToID(tok.Value); id != tok.ID {
			t.Errorf("token %q has id %d; vocabulary says %d", tok.Value, tok.ID, id)
		}
	}

	return values, offsets
}

func TestTokenize_SumOfPartsBeatsWhole(t *testing.T) {
	u := mustNew(t, []Piece{{"un", -1.0}, {"aff", -1.2}, {"able", -0.5}, {"un-affable", -5.0}}, -1)

	values, offsets := encode(t, u, "unaffable")

	if diff := cmp.Diff([]string{"un", "aff", "able"}, values); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][2]int{{0, 2}, {2, 5}, {5, 9}}, offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenize_HighScoringWhole(t *testing.T) {
	u := mustNew(t, []Piece{
		{"a", 0}, {"b", 0}, {"c", 0}, {"d", 0},
		{"cd", 1}, {"ab", 2}, {"abc", 5}, {"abcd", 10},
	}, -1)

	values, _ := encode(t, u, "abcd")
	if diff := cmp.Diff([]string{"abcd"}, values); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func scoredPieces() []Piece {
	return []Piece{
		{"<unk>", 0},
		{"ab", 0}, {"cd", -0.1}, {"abc", -0.2},
		{"a", -0.3}, {"b", -0.4}, {"c", -0.5},
		{"ABC", -0.5}, {"qr", -0.5},
	}
}

func TestTokenize_Segmentations(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		in          string
		wantTokens  []string
		wantOffsets [][2]int
	}{
		{"whole piece", nil, "abc", []string{"abc"}, [][2]int{{0, 3}}},
		{"pair beats unknown", nil, "abcd", []string{"ab", "cd"}, [][2]int{{0, 2}, {2, 4}}},
		{"trailing char", nil, "abcc", []string{"abc", "c"}, [][2]int{{0, 3}, {3, 4}}},
		{"upper case piece", nil, "ABC", []string{"ABC"}, [][2]int{{0, 3}}},
		{
			"mixed unknowns", nil, "xabcabaabcdd",
			[]string{"<unk>", "abc", "ab", "a", "ab", "cd", "<unk>"},
			[][2]int{{0, 1}, {1, 4}, {4, 6}, {6, 7}, {7, 9}, {9, 11}, {11, 12}},
		},
		{"fused unknowns", nil, "xyz東京", []string{"<unk>"}, [][2]int{{0, 9}}},
		{"fused partial piece", nil, "AB", []string{"<unk>"}, [][2]int{{0, 2}}},
		{
			"unfused unknowns", []Option{WithFuseUnk(false)}, "xyz東京",
			[]string{"<unk>", "<unk>", "<unk>", "<unk>", "<unk>"},
			[][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 6}, {6, 9}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, offsets := encode(t, mustNew(t, scoredPieces(), 0, tt.opts...), tt.in)

			if diff := cmp.Diff(tt.wantTokens, values); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.wantOffsets, offsets); diff != "" {
				t.Errorf("offsets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTokenize_UnknownWithoutUnkPiece(t *testing.T) {
	u := mustNew(t, []Piece{{"a", -1}}, -1)

	if _, err := u.Tokenize("ab"); !errors.Is(err, model.ErrUnknownToken) {
		t.Fatalf("error = %v; want ErrUnknownToken", err)
	}
}

func TestTokenize_ByteFallback(t *testing.T) {
	pieces := []Piece{{"<unk>", 0}, {"a", -1}, {"<0xE6>", -5}, {"<0x9D>", -5}, {"<0xB1>", -5}}
	u := mustNew(t, pieces, 0, WithByteFallback(true))

	values, offsets := encode(t, u, "a東")

	if diff := cmp.Diff([]string{"a", "<0xE6>", "<0x9D>", "<0xB1>"}, values); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}}, offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}

	// 京 is E4 BA AC, none of which are pieces
	values, _ = encode(t, u, "京")
	if diff := cmp.Diff([]string{"<unk>"}, values); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		pieces []Piece
		unkID  int
	}{
		{"empty", nil, -1},
		{"nan score", []Piece{{"a", math.NaN()}}, -1},
		{"infinite score", []Piece{{"a", math.Inf(-1)}}, -1},
		{"duplicate", []Piece{{"a", -1}, {"a", -2}}, -1},
		{"empty piece", []Piece{{"", -1}}, -1},
		{"unk out of range", []Piece{{"a", -1}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.pieces, tt.unkID); !errors.Is(err, model.ErrInvalidVocabulary) {
				t.Fatalf("error = %v; want ErrInvalidVocabulary", err)
			}
		})
	}
}

func TestNew_ScoresAreNotNormalized(t *testing.T) {
	// imported SentencePiece models score control pieces 0
	u := mustNew(t, []Piece{{"<unk>", 0}, {"<s>", 0}, {"a", -1}, {"b", -1}}, 0)

	values, _ := encode(t, u, "ab")
	if diff := cmp.Diff([]string{"a", "b"}, values); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestLatticeMarginals(t *testing.T) {
	u := mustNew(t, []Piece{{"a", math.Log(0.5)}, {"b", math.Log(0.5)}, {"ab", math.Log(0.25)}}, -1)

	l := newLattice("ab")
	u.populate(l, -1)

	expected := make([]float64, 3)
	z := l.marginals(2, expected)

	want := []float64{1, 1, 1}
	if diff := cmp.Diff(want, expected, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("expected counts mismatch (-want +got):\n%s", diff)
	}

	if math.Abs(z-2*math.Log(0.5)) > 1e-9 {
		t.Errorf("marginals() = %v; want %v", z, 2*math.Log(0.5))
	}
}

func TestLatticeViterbiWithExclusion(t *testing.T) {
	u := mustNew(t, []Piece{{"a", -1}, {"b", -1}, {"ab", -0.5}}, -1)

	l := newLattice("ab")
	u.populate(l, 2)

	var got []int
	for _, nd := range l.viterbi() {
		got = append(got, nd.id)
	}

	if diff := cmp.Diff([]int{0, 1}, got); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	u := mustNew(t, scoredPieces(), 0, WithFuseUnk(false))

	data, err := json.Marshal(u.Config())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	restored, err := FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if diff := cmp.Diff(u.Pieces(), restored.Pieces()); diff != "" {
		t.Errorf("pieces mismatch (-want +got):\n%s", diff)
	}

	a, _ := encode(t, u, "xyzabc")
	b, _ := encode(t, restored, "xyzabc")

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestFromConfig_Malformed(t *testing.T) {
	bad := 7

	_, err := FromConfig(&Config{UnkID: &bad, Vocab: []Piece{{"a", -1}}})
	if !errors.Is(err, model.ErrMalformedState) {
		t.Fatalf("error = %v; want ErrMalformedState", err)
	}

	var p Piece
	if err := json.Unmarshal([]byte(`["a"]`), &p); err == nil {
		t.Error("expected error for a one-element piece")
	}
}
