// Package corpus reads training text as a stream of documents.
package corpus

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// Mode selects what a document is.
type Mode string

const (
	// ModeLine yields every non-blank line.
	ModeLine Mode = "line"
	// ModeDocument yields every file whole.
	ModeDocument Mode = "document"
	// ModeSentence yields sentence chunks of every paragraph.
	ModeSentence Mode = "sentence"
)

// MaxLineBytes bounds a single line in ModeLine.
const MaxLineBytes = 16 << 20

// Options controls how sources are cut into documents.
type Options struct {
	Mode Mode
	// MaxChunkBytes is the sentence chunk size in ModeSentence.
	MaxChunkBytes int
}

// ParseMode validates a mode name. An empty name selects ModeLine.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeLine, nil
	case ModeLine, ModeDocument, ModeSentence:
		return m, nil
	default:
		return "", fmt.Errorf("unknown corpus mode %q (want line|document|sentence)", s)
	}
}

// Strings yields each non-blank text, cleaned.
func Strings(texts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, s := range texts {
			clean, err := Clean(s)
			if errors.Is(err, ErrEmptyText) {
				continue
			}

			if !yield(clean, nil) {
				return
			}
		}
	}
}

// Reader yields the documents of r.
func Reader(r io.Reader, opts Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		readDocuments(r, opts, yield)
	}
}

// Files yields the documents of every file in order. Files ending in .gz are
// decompressed.
func Files(paths []string, opts Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, path := range paths {
			if !readFile(path, opts, yield) {
				return
			}
		}
	}
}

// readFile returns false once yield asked to stop or an error was yielded.
func readFile(path string, opts Options, yield func(string, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield("", fmt.Errorf("open corpus file: %w", err))
		return false
	}

	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			yield("", fmt.Errorf("open gzip corpus %q: %w", path, err))
			return false
		}

		defer func() { _ = gz.Close() }()

		r = gz
	}

	ok := true

	readDocuments(r, opts, func(doc string, err error) bool {
		if err != nil {
			err = fmt.Errorf("read %q: %w", path, err)
		}

		ok = yield(doc, err) && err == nil

		return ok
	})

	return ok
}

func readDocuments(r io.Reader, opts Options, yield func(string, error) bool) {
	switch opts.Mode {
	case ModeDocument:
		data, err := io.ReadAll(r)
		if err != nil {
			yield("", err)
			return
		}

		if doc, err := Clean(string(data)); err == nil {
			yield(doc, nil)
		}
	case ModeSentence:
		paragraphs(r, func(p string) bool {
			for _, chunk := range Sentences(p, opts.MaxChunkBytes) {
				if !yield(chunk, nil) {
					return false
				}
			}

			return true
		}, yield)
	default:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

		for sc.Scan() {
			line, err := Clean(sc.Text())
			if err != nil {
				continue
			}

			if !yield(line, nil) {
				return
			}
		}

		if err := sc.Err(); err != nil {
			yield("", err)
		}
	}
}

// paragraphs calls fn with every blank-line separated paragraph, its lines
// joined by spaces. Read errors go to yield.
func paragraphs(r io.Reader, fn func(string) bool, yield func(string, error) bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	var lines []string

	flush := func() bool {
		if len(lines) == 0 {
			return true
		}

		p := strings.Join(lines, " ")
		lines = lines[:0]

		return fn(p)
	}

	for sc.Scan() {
		line, err := Clean(sc.Text())
		if err != nil {
			if !flush() {
				return
			}

			continue
		}

		lines = append(lines, line)
	}

	if err := sc.Err(); err != nil {
		yield("", err)
		return
	}

	flush()
}
