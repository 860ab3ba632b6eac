package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/bpe"
	"github.com/example/go-subword/internal/pretokenizer"
	"github.com/example/go-subword/internal/tokenizer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// newEngine returns a small BPE tokenizer: "lower" -> [low, er].
func newEngine(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()

	vocab, err := model.VocabularyFromTokens([]string{"<unk>", "l", "o", "w", "e", "r", "lo", "low", "er"})
	if err != nil {
		t.Fatalf("VocabularyFromTokens: %v", err)
	}

	m, err := bpe.New(vocab, []bpe.Merge{{Left: "l", Right: "o"}, {Left: "lo", Right: "w"}, {Left: "e", Right: "r"}}, bpe.WithUnkToken("<unk>"))
	if err != nil {
		t.Fatalf("bpe.New: %v", err)
	}

	tk, err := tokenizer.New(m,
		tokenizer.WithPreTokenizer(pretokenizer.Whitespace{}),
		tokenizer.WithLogger(quiet),
	)
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}

	if _, err := tk.AddSpecialTokens("<s>"); err != nil {
		t.Fatalf("AddSpecialTokens: %v", err)
	}

	return tk
}

// do sends body (JSON encoded unless nil) to h and returns the recorder.
func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}

			r = bytes.NewReader(data)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

// blockingEngine blocks EncodeBatch until release is closed.
type blockingEngine struct {
	*tokenizer.Tokenizer

	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) EncodeBatch(ctx context.Context, texts []string, addSpecial bool) ([]*tokenizer.Encoding, error) {
	b.entered <- struct{}{}

	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return b.Tokenizer.EncodeBatch(ctx, texts, addSpecial)
}

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(name string) slog.Handler       { return c }

func (c *capturingHandler) attrMap(idx int) map[string]any {
	m := make(map[string]any)
	c.records[idx].Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})

	return m
}
