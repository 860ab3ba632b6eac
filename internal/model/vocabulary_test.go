package model

import (
	"errors"
	"testing"
)

func TestVocabulary_AddAssignsDenseIDs(t *testing.T) {
	v := NewVocabulary()

	for i, tok := range []string{"<unk>", "a", "b", "ab"} {
		if got := v.Add(tok); got != i {
			t.Errorf("Add(%q) = %d; want %d", tok, got, i)
		}
	}

	if got := v.Add("a"); got != 1 {
		t.Errorf("re-Add(%q) = %d; want 1", "a", got)
	}

	if v.Len() != 4 {
		t.Fatalf("Len() = %d; want 4", v.Len())
	}

	for id, tok := range v.Tokens() {
		back, ok := v.ID(tok)
		if !ok || back != id {
			t.Errorf("ID(Token(%d)) = %d, %v; want %d", id, back, ok, id)
		}
	}
}

func TestVocabulary_TokenOutOfRange(t *testing.T) {
	v := NewVocabulary()
	v.Add("x")

	if _, ok := v.Token(-1); ok {
		t.Error("Token(-1) reported ok")
	}

	if _, ok := v.Token(1); ok {
		t.Error("Token(1) reported ok")
	}
}

func TestVocabularyFromMap(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]int
		wantErr bool
	}{
		{"dense", map[string]int{"a": 0, "b": 1, "c": 2}, false},
		{"empty", map[string]int{}, false},
		{"gap", map[string]int{"a": 0, "b": 2}, true},
		{"negative", map[string]int{"a": -1}, true},
		{"duplicate id", map[string]int{"a": 0, "b": 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := VocabularyFromMap(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedState) {
					t.Fatalf("VocabularyFromMap error = %v; want ErrMalformedState", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("VocabularyFromMap: %v", err)
			}

			for tok, id := range tt.in {
				got, ok := v.Token(id)
				if !ok || got != tok {
					t.Errorf("Token(%d) = %q; want %q", id, got, tok)
				}
			}
		})
	}
}

func TestVocabularyFromTokens_Duplicate(t *testing.T) {
	_, err := VocabularyFromTokens([]string{"a", "b", "a"})
	if !errors.Is(err, ErrMalformedState) {
		t.Fatalf("error = %v; want ErrMalformedState", err)
	}
}

func TestSortedByID(t *testing.T) {
	got := SortedByID(map[string]int{"c": 2, "a": 0, "b": 1})

	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedByID = %v; want %v", got, want)
		}
	}
}
