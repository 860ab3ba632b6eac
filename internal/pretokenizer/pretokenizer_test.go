package pretokenizer

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-subword/internal/normalizer"
)

func run(t *testing.T, p PreTokenizer, in string) []PreToken {
	t.Helper()

	out, err := p.PreTokenize([]PreToken{New(in)})
	if err != nil {
		t.Fatalf("PreTokenize(%q): %v", in, err)
	}

	return out
}

func values(tokens []PreToken) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Value
	}

	return out
}

func spans(tokens []PreToken) []normalizer.Span {
	out := make([]normalizer.Span, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.NormalizedSpan(0, len(tok.Value))
	}

	return out
}

func TestSplitters(t *testing.T) {
	tests := []struct {
		name string
		p    PreTokenizer
		in   string
		want []string
	}{
		{"whitespace", Whitespace{}, "Hey friend!  How are you?!?", []string{"Hey", "friend", "!", "How", "are", "you", "?!?"}},
		{"whitespace unicode", Whitespace{}, "naïve café", []string{"naïve", "café"}},
		{"whitespace split", WhitespaceSplit{}, "Hey friend!  How", []string{"Hey", "friend!", "How"}},
		{"punctuation", Punctuation{}, "Hey friend!How?", []string{"Hey friend", "!", "How", "?"}},
		{"byte level", ByteLevel{}, "Hello world", []string{"Hello", "Ġworld"}},
		{"byte level prefix", ByteLevel{AddPrefixSpace: true}, "Hello world", []string{"ĠHello", "Ġworld"}},
		{"byte level contraction", ByteLevel{}, "it's", []string{"it", "'s"}},
		{"byte level trailing spaces", ByteLevel{}, "a  b", []string{"a", "Ġ", "Ġb"}},
		{"metaspace", Metaspace{AddPrefixSpace: true}, "Hey friend", []string{"▁Hey", "▁friend"}},
		{"metaspace double space", Metaspace{AddPrefixSpace: true}, "Hey  friend", []string{"▁Hey", "▁", "▁friend"}},
		{"metaspace no prefix", Metaspace{}, "Hey friend", []string{"Hey", "▁friend"}},
		{"empty", Whitespace{}, "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := values(run(t, tt.p, tt.in))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSequenceOffsets(t *testing.T) {
	toks := run(t, Sequence{WhitespaceSplit{}, Punctuation{}}, "ab cd!")

	if diff := cmp.Diff([]string{"ab", "cd", "!"}, values(toks)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}

	want := []normalizer.Span{{Start: 0, End: 2}, {Start: 3, End: 5}, {Start: 5, End: 6}}
	if diff := cmp.Diff(want, spans(toks)); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
}

func TestByteLevelOffsets(t *testing.T) {
	toks := run(t, ByteLevel{AddPrefixSpace: true}, "Hello world")

	want := []normalizer.Span{{Start: 0, End: 5}, {Start: 5, End: 11}}
	if diff := cmp.Diff(want, spans(toks)); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}

	// the inserted prefix space covers no input
	if got := toks[0].NormalizedSpan(0, 2); got != (normalizer.Span{}) {
		t.Errorf("prefix span = %v; want zero-width at 0", got)
	}

	// "é" becomes two stand-in runes, each tied to one input byte
	toks = run(t, ByteLevel{}, "héllo")
	if toks[0].Value != "hÃ©llo" {
		t.Fatalf("Value = %q; want %q", toks[0].Value, "hÃ©llo")
	}

	if got := toks[0].NormalizedSpan(1, 5); got != (normalizer.Span{Start: 1, End: 3}) {
		t.Errorf("NormalizedSpan(1,5) = %v; want {1 3}", got)
	}
}

func TestMetaspaceOffsets(t *testing.T) {
	toks := run(t, Metaspace{AddPrefixSpace: true}, "Hey friend")

	want := []normalizer.Span{{Start: 0, End: 3}, {Start: 3, End: 10}}
	if diff := cmp.Diff(want, spans(toks)); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	in := Sequence{Whitespace{}, WhitespaceSplit{}, Punctuation{}, ByteLevel{AddPrefixSpace: true}, Metaspace{Replacement: "_", AddPrefixSpace: true}}

	cfg, err := ToConfig(in)
	if err != nil {
		t.Fatalf("ToConfig: %v", err)
	}

	out, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if diff := cmp.Diff(PreTokenizer(in), out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("whitespace-split, punctuation", false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(PreTokenizer(Sequence{WhitespaceSplit{}, Punctuation{}}), p); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}

	p, err = Parse("metaspace", true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(PreTokenizer(Metaspace{AddPrefixSpace: true}), p); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}

	if _, err := Parse("sentences", false); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Parse(sentences) error = %v; want ErrUnknownType", err)
	}
}
