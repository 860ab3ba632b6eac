package tokenizer

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// ErrTruncation is returned when an encoding cannot be cut to the configured
// maximum length.
var ErrTruncation = errors.New("truncation")

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Sequence placeholders of a template.
const (
	SequenceA = "A"
	SequenceB = "B"
)

// TemplatePiece is either a sequence placeholder or a special token.
type TemplatePiece struct {
	Sequence string
	Token    string
	TypeID   int
}

// Template lays out special tokens around the encoded sequences. Its text
// form is space separated, e.g. "[CLS] $A [SEP] $B:1 [SEP]:1", where a ":n"
// suffix sets the type id.
type Template []TemplatePiece

// ParseTemplate parses the text form of a template.
func ParseTemplate(s string) (Template, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}

	tpl := make(Template, 0, len(fields))
	for _, f := range fields {
		piece, err := parsePiece(f)
		if err != nil {
			return nil, err
		}

		tpl = append(tpl, piece)
	}

	return tpl, nil
}

func parsePiece(f string) (TemplatePiece, error) {
	value, typeID := f, 0
	if i := strings.LastIndexByte(f, ':'); i > 0 && i < len(f)-1 {
		if n, err := strconv.Atoi(f[i+1:]); err == nil {
			if n < 0 {
				return TemplatePiece{}, fmt.Errorf("template piece %q: negative type id", f)
			}

			value, typeID = f[:i], n
		}
	}

	switch value {
	case "$" + SequenceA:
		return TemplatePiece{Sequence: SequenceA, TypeID: typeID}, nil
	case "$" + SequenceB:
		return TemplatePiece{Sequence: SequenceB, TypeID: typeID}, nil
	}

	if strings.HasPrefix(value, "$") {
		return TemplatePiece{}, fmt.Errorf("template piece %q: unknown sequence (want $A or $B)", f)
	}

	return TemplatePiece{Token: value, TypeID: typeID}, nil
}

func (t Template) String() string {
	parts := make([]string, len(t))
	for i, p := range t {
		s := p.Token
		if p.Sequence != "" {
			s = "$" + p.Sequence
		}

		if p.TypeID != 0 {
			s += ":" + strconv.Itoa(p.TypeID)
		}

		parts[i] = s
	}

	return strings.Join(parts, " ")
}

func (t Template) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Template) UnmarshalText(b []byte) error {
	tpl, err := ParseTemplate(string(b))
	if err != nil {
		return err
	}

	*t = tpl

	return nil
}

// validate checks that every sequence in want occurs exactly once and no
// other sequence occurs.
func (t Template) validate(want ...string) error {
	seen := map[string]int{}

	for _, p := range t {
		switch {
		case p.Sequence != "":
			if !slices.Contains(want, p.Sequence) {
				return fmt.Errorf("unexpected sequence $%s", p.Sequence)
			}

			seen[p.Sequence]++
		case p.Token == "" || strings.IndexFunc(p.Token, unicode.IsSpace) >= 0:
			return fmt.Errorf("invalid template token %q", p.Token)
		}

		if p.TypeID < 0 {
			return fmt.Errorf("negative type id in %q", t.String())
		}
	}

	for _, seq := range want {
		if seen[seq] != 1 {
			return fmt.Errorf("template %q must hold $%s exactly once", t.String(), seq)
		}
	}

	return nil
}

// specials counts the special tokens of t.
func (t Template) specials() int {
	n := 0
	for _, p := range t {
		if p.Sequence == "" {
			n++
		}
	}

	return n
}

var (
	plainSingle = Template{{Sequence: SequenceA}}
	plainPair   = Template{{Sequence: SequenceA}, {Sequence: SequenceB, TypeID: 1}}
)

// ---------------------------------------------------------------------------
// Post-processor
// ---------------------------------------------------------------------------

// PostProcessor wraps encodings in special tokens when the caller asks for
// them. Every template token must be an added token.
type PostProcessor struct {
	Single Template `json:"single"`
	// Pair lays out sequence pairs. Empty places B, with type id 1, right
	// after A.
	Pair Template `json:"pair,omitempty"`
}

// NewTemplateProcessor parses the single and pair templates. pair may be
// empty.
func NewTemplateProcessor(single, pair string) (*PostProcessor, error) {
	s, err := ParseTemplate(single)
	if err != nil {
		return nil, err
	}

	p, err := ParseTemplate(pair)
	if err != nil {
		return nil, err
	}

	pp := &PostProcessor{Single: s, Pair: p}
	if err := pp.validate(); err != nil {
		return nil, err
	}

	return pp, nil
}

// Wrap puts prefix before the first sequence and suffix after each one. The
// second sequence of a pair and its suffix get type id 1.
func Wrap(prefix, suffix []string) *PostProcessor {
	tokens := func(tpl Template, list []string, typeID int) Template {
		for _, tok := range list {
			tpl = append(tpl, TemplatePiece{Token: tok, TypeID: typeID})
		}

		return tpl
	}

	single := tokens(nil, prefix, 0)
	single = append(single, TemplatePiece{Sequence: SequenceA})
	single = tokens(single, suffix, 0)

	pair := slices.Clone(single)
	pair = append(pair, TemplatePiece{Sequence: SequenceB, TypeID: 1})
	pair = tokens(pair, suffix, 1)

	return &PostProcessor{Single: single, Pair: pair}
}

func (pp *PostProcessor) validate() error {
	if err := pp.Single.validate(SequenceA); err != nil {
		return fmt.Errorf("single template: %w", err)
	}

	if len(pp.Pair) == 0 {
		return nil
	}

	if err := pp.Pair.validate(SequenceA, SequenceB); err != nil {
		return fmt.Errorf("pair template: %w", err)
	}

	return nil
}

func (pp *PostProcessor) template(pair bool) Template {
	switch {
	case pp == nil && pair:
		return plainPair
	case pp == nil:
		return plainSingle
	case pair && len(pp.Pair) == 0:
		return plainPair
	case pair:
		return pp.Pair
	default:
		return pp.Single
	}
}

// added counts the tokens the processor adds to a single or pair encoding.
func (pp *PostProcessor) added(pair bool) int { return pp.template(pair).specials() }

func (pp *PostProcessor) clone() *PostProcessor {
	if pp == nil {
		return nil
	}

	return &PostProcessor{Single: slices.Clone(pp.Single), Pair: slices.Clone(pp.Pair)}
}

// postProcess merges a and the optional b along the template. Without
// addSpecial only the type ids of the plain layout are applied. Special
// tokens are zero width at the end of the sequence before them.
func (p *pipeline) postProcess(a, b *Encoding, addSpecial bool) (*Encoding, error) {
	tpl := plainSingle
	if b != nil {
		tpl = plainPair
	}

	if addSpecial {
		tpl = p.postProcessor.template(b != nil)
	}

	out := &Encoding{}
	pos := 0

	for _, piece := range tpl {
		switch piece.Sequence {
		case SequenceA, SequenceB:
			src := a
			if piece.Sequence == SequenceB {
				src = b
			}

			out.extend(src, piece.TypeID)

			if n := src.Len(); n > 0 {
				pos = src.Offsets[n-1][1]
			}
		default:
			tok, ok := p.added.lookup(piece.Token)
			if !ok {
				return nil, fmt.Errorf("post-processor token %q is not an added token", piece.Token)
			}

			out.push(tok.ID, tok.Content, [2]int{pos, pos}, -1, true)
			out.TypeIDs[len(out.TypeIDs)-1] = piece.TypeID
		}
	}

	return out, nil
}

// ---------------------------------------------------------------------------
// Truncation
// ---------------------------------------------------------------------------

// TruncationStrategy selects which sequence of a pair loses tokens.
type TruncationStrategy string

const (
	// LongestFirst shortens the longer sequence until both fit.
	LongestFirst TruncationStrategy = "longest_first"
	OnlyFirst    TruncationStrategy = "only_first"
	OnlySecond   TruncationStrategy = "only_second"
)

// Truncation caps the length of an encoding, special tokens included. The
// dropped tokens are kept as overflowing windows that repeat the last Stride
// tokens of the window before them.
type Truncation struct {
	MaxLength int                `json:"max_length"`
	Stride    int                `json:"stride"`
	Strategy  TruncationStrategy `json:"strategy"`
}

func (tr *Truncation) validate() error {
	if tr == nil {
		return nil
	}

	switch tr.Strategy {
	case LongestFirst, OnlyFirst, OnlySecond:
	default:
		return fmt.Errorf("unknown truncation strategy %q", tr.Strategy)
	}

	if tr.MaxLength <= 0 {
		return fmt.Errorf("truncation max length %d must be positive", tr.MaxLength)
	}

	if tr.Stride < 0 || tr.Stride >= tr.MaxLength {
		return fmt.Errorf("truncation stride %d outside [0,%d)", tr.Stride, tr.MaxLength)
	}

	return nil
}

func (tr *Truncation) clone() *Truncation {
	if tr == nil {
		return nil
	}

	c := *tr

	return &c
}

// apply truncates a and b so they fit MaxLength with reserved special tokens.
func (tr *Truncation) apply(a, b *Encoding, reserved int) error {
	if tr.MaxLength < reserved {
		return fmt.Errorf("%w: max length %d leaves no room for %d special tokens", ErrTruncation, tr.MaxLength, reserved)
	}

	limit := tr.MaxLength - reserved

	total := a.Len()
	if b != nil {
		total += b.Len()
	}

	if total <= limit {
		return nil
	}

	switch tr.Strategy {
	case OnlyFirst, OnlySecond:
		target := a
		if tr.Strategy == OnlySecond {
			if b == nil {
				return fmt.Errorf("%w: %s needs a sequence pair", ErrTruncation, OnlySecond)
			}

			target = b
		}

		remove := total - limit
		if target.Len() <= remove {
			return fmt.Errorf("%w: sequence of %d tokens cannot drop %d", ErrTruncation, target.Len(), remove)
		}

		return target.truncate(target.Len()-remove, tr.Stride)
	default:
		if b == nil {
			return a.truncate(limit, tr.Stride)
		}

		n1, n2 := a.Len(), b.Len()

		swap := n1 > n2
		if swap {
			n1, n2 = n2, n1
		}

		if n1 > limit {
			n2 = n1
		} else {
			n2 = max(n1, limit-n1)
		}

		if n1+n2 > limit {
			n1 = limit / 2
			n2 = n1 + limit%2
		}

		if swap {
			n1, n2 = n2, n1
		}

		if err := a.truncate(n1, tr.Stride); err != nil {
			return err
		}

		return b.truncate(n2, tr.Stride)
	}
}

// truncate keeps the first maxLen tokens and moves the rest into
// overflowing windows of at most maxLen tokens overlapping by stride.
func (e *Encoding) truncate(maxLen, stride int) error {
	n := e.Len()
	if n <= maxLen {
		return nil
	}

	if maxLen == 0 {
		rest := e.slice(0, n)
		*e = Encoding{Overflowing: []*Encoding{rest}}

		return nil
	}

	if stride >= maxLen {
		return fmt.Errorf("%w: stride %d must be below the truncated length %d", ErrTruncation, stride, maxLen)
	}

	var parts []*Encoding
	for start := 0; ; start += maxLen - stride {
		end := min(start+maxLen, n)
		parts = append(parts, e.slice(start, end))

		if end == n {
			break
		}
	}

	*e = *parts[0]
	e.Overflowing = parts[1:]

	return nil
}

// ---------------------------------------------------------------------------
// Padding
// ---------------------------------------------------------------------------

// PaddingDirection is the side pad tokens are added on.
type PaddingDirection string

const (
	PadRight PaddingDirection = "right"
	PadLeft  PaddingDirection = "left"
)

// Padding extends encodings with pad tokens. A zero Length pads every
// encoding of a batch to the longest one.
type Padding struct {
	Length          int              `json:"length,omitempty"`
	PadToMultipleOf int              `json:"pad_to_multiple_of,omitempty"`
	Direction       PaddingDirection `json:"direction"`
	PadID           int              `json:"pad_id"`
	PadTypeID       int              `json:"pad_type_id"`
	PadToken        string           `json:"pad_token"`
}

func (pd *Padding) validate() error {
	if pd == nil {
		return nil
	}

	switch pd.Direction {
	case PadRight, PadLeft:
	default:
		return fmt.Errorf("unknown padding direction %q", pd.Direction)
	}

	switch {
	case pd.Length < 0:
		return fmt.Errorf("padding length %d is negative", pd.Length)
	case pd.PadToMultipleOf < 0:
		return fmt.Errorf("pad to multiple of %d is negative", pd.PadToMultipleOf)
	case pd.PadID < 0 || pd.PadTypeID < 0:
		return fmt.Errorf("pad id %d and type id %d must not be negative", pd.PadID, pd.PadTypeID)
	case pd.PadToken == "":
		return errors.New("pad token is empty")
	}

	return nil
}

func (pd *Padding) clone() *Padding {
	if pd == nil {
		return nil
	}

	c := *pd

	return &c
}

// apply pads encs, and their overflowing windows, to one target length.
func (pd *Padding) apply(encs []*Encoding) {
	target := pd.Length
	if target == 0 {
		for _, e := range encs {
			target = max(target, e.Len())
		}
	}

	if m := pd.PadToMultipleOf; m > 0 && target%m != 0 {
		target += m - target%m
	}

	for _, e := range encs {
		e.pad(target, pd)
	}
}

func (e *Encoding) pad(target int, pd *Padding) {
	for _, o := range e.Overflowing {
		o.pad(target, pd)
	}

	n := target - e.Len()
	if n <= 0 {
		return
	}

	fill := func(dst *Encoding) {
		for range n {
			dst.push(pd.PadID, pd.PadToken, [2]int{}, -1, true)
			dst.TypeIDs[len(dst.TypeIDs)-1] = pd.PadTypeID
			dst.AttentionMask[len(dst.AttentionMask)-1] = 0
		}
	}

	if pd.Direction == PadLeft {
		padded := &Encoding{}
		fill(padded)
		padded.extend(e, -1)
		padded.Overflowing = e.Overflowing
		*e = *padded

		return
	}

	fill(e)
}
