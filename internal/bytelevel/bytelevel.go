// Package bytelevel holds the reversible GPT-2 mapping between the 256 byte
// values and a set of printable codepoints, so any byte string can be
// represented by vocabulary units without an unknown token.
package bytelevel

import "unicode/utf8"

var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	// printable bytes keep their own codepoint
	keep := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}

	// the remaining bytes get stand-ins 256, 257, ... in byte order
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !keep(b) {
			r = next
			next++
		}

		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

// Rune returns the printable codepoint standing in for b.
func Rune(b byte) rune { return byteToRune[b] }

// Byte returns the byte represented by r.
func Byte(r rune) (byte, bool) {
	b, ok := runeToByte[r]
	return b, ok
}

// Alphabet returns the 256 stand-in codepoints as strings, in byte order.
func Alphabet() []string {
	out := make([]string, 256)
	for b := range out {
		out[b] = string(byteToRune[b])
	}

	return out
}

// Encode maps every byte of s to its stand-in codepoint.
func Encode(s string) string {
	buf := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		buf = utf8.AppendRune(buf, byteToRune[s[i]])
	}

	return string(buf)
}

// Decode reverses Encode. Runes outside the table are copied through as UTF-8.
func Decode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := runeToByte[r]; ok {
			out = append(out, b)
			continue
		}

		out = utf8.AppendRune(out, r)
	}

	return out
}
