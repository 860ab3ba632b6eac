package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-subword/internal/server"
	"github.com/example/go-subword/internal/tokenizer"
)

type encodeBody struct {
	Encodings []tokenizer.Encoding `json:"encodings"`
}

type decodeBody struct {
	Texts []string `json:"texts"`
}

// ---------------------------------------------------------------------------
// GET /health
// ---------------------------------------------------------------------------

func TestHealth_Returns200WithStatusOK(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeJSON(t, rec, &body)

	if body["status"] != "ok" {
		t.Errorf("want status=ok, got %v", body["status"])
	}

	if _, ok := body["version"]; !ok {
		t.Error("want version field in response")
	}

	if body["vocab_size"] != float64(10) {
		t.Errorf("vocab_size = %v; want 10", body["vocab_size"])
	}
}

func TestRequestID(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodGet, "/health", nil)
	if id := rec.Header().Get(server.RequestIDHeader); len(id) != 36 {
		t.Errorf("generated request id = %q; want a uuid", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(server.RequestIDHeader, "abc-123")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if id := rec.Header().Get(server.RequestIDHeader); id != "abc-123" {
		t.Errorf("request id = %q; want caller supplied abc-123", id)
	}
}

// ---------------------------------------------------------------------------
// POST /encode
// ---------------------------------------------------------------------------

func TestEncode_Single(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": "lower low"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	var body encodeBody
	decodeJSON(t, rec, &body)

	if len(body.Encodings) != 1 {
		t.Fatalf("got %d encodings; want 1", len(body.Encodings))
	}

	enc := body.Encodings[0]
	if diff := cmp.Diff([]int{7, 8, 7}, enc.IDs); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][2]int{{0, 3}, {3, 5}, {6, 9}}, enc.Offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_BatchKeepsOrder(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{
		"texts": []string{"low", "er", "lower"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	var body encodeBody
	decodeJSON(t, rec, &body)

	var got [][]string
	for _, enc := range body.Encodings {
		got = append(got, enc.Tokens)
	}

	want := [][]string{{"low"}, {"er"}, {"low", "er"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_SpecialTokens(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": "low<s>er"})

	var body encodeBody
	decodeJSON(t, rec, &body)

	enc := body.Encodings[0]
	if diff := cmp.Diff([]int{7, 9, 8}, enc.IDs); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{0, 1, 0}, enc.SpecialMask); diff != "" {
		t.Errorf("special mask mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Pairs(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{
		"texts": []string{"low", "er"},
		"pairs": []string{"er", "lower"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	var body encodeBody
	decodeJSON(t, rec, &body)

	if len(body.Encodings) != 2 {
		t.Fatalf("got %d encodings; want 2", len(body.Encodings))
	}

	if diff := cmp.Diff([]int{8, 7, 8}, body.Encodings[1].IDs); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{0, 1, 1}, body.Encodings[1].TypeIDs); diff != "" {
		t.Errorf("type ids mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_TruncationRejected(t *testing.T) {
	tk := newEngine(t)
	if err := tk.SetTruncation(&tokenizer.Truncation{MaxLength: 1, Strategy: tokenizer.OnlySecond}); err != nil {
		t.Fatalf("SetTruncation: %v", err)
	}

	rec := do(t, server.NewHandler(tk), http.MethodPost, "/encode", map[string]any{"text": "lower"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d: %s", rec.Code, rec.Body)
	}
}

func TestEncode_Validation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   any
		want   int
	}{
		{"get not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{not json", http.StatusBadRequest},
		{"missing text", http.MethodPost, map[string]any{}, http.StatusBadRequest},
		{"empty texts", http.MethodPost, map[string]any{"texts": []string{}}, http.StatusBadRequest},
		{"pair count mismatch", http.MethodPost, map[string]any{"texts": []string{"low", "er"}, "pair": "er"}, http.StatusBadRequest},
	}

	h := server.NewHandler(newEngine(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, "/encode", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("want %d, got %d", tt.want, rec.Code)
			}

			var errBody map[string]string
			decodeJSON(t, rec, &errBody)

			if errBody["error"] == "" {
				t.Error("want non-empty error field")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// POST /decode
// ---------------------------------------------------------------------------

func TestDecode(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/decode", map[string]any{
		"ids":                 []int{9, 7, 8},
		"batch":               [][]int{{7}},
		"skip_special_tokens": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	var body decodeBody
	decodeJSON(t, rec, &body)

	if diff := cmp.Diff([]string{"low er", "low"}, body.Texts); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_UnknownID(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/decode", map[string]any{"ids": []int{1000}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rec.Code)
	}
}

func TestDecode_MissingIDs(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/decode", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// GET /token
// ---------------------------------------------------------------------------

func TestToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   int
		id     int
		token  string
	}{
		{"by token", "/token?token=low", http.StatusOK, 7, "low"},
		{"by id", "/token?id=8", http.StatusOK, 8, "er"},
		{"added token", "/token?token=%3Cs%3E", http.StatusOK, 9, "<s>"},
		{"unknown token", "/token?token=xyz", http.StatusNotFound, 0, ""},
		{"unknown id", "/token?id=99", http.StatusNotFound, 0, ""},
		{"bad id", "/token?id=x", http.StatusBadRequest, 0, ""},
		{"no query", "/token", http.StatusBadRequest, 0, ""},
	}

	h := server.NewHandler(newEngine(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, nil)
			if rec.Code != tt.code {
				t.Fatalf("want %d, got %d", tt.code, rec.Code)
			}

			if tt.code != http.StatusOK {
				return
			}

			var body struct {
				ID    int    `json:"id"`
				Token string `json:"token"`
			}
			decodeJSON(t, rec, &body)

			if body.ID != tt.id || body.Token != tt.token {
				t.Errorf("got {%d %q}; want {%d %q}", body.ID, body.Token, tt.id, tt.token)
			}
		})
	}
}

func TestToken_PostNotAllowed(t *testing.T) {
	h := server.NewHandler(newEngine(t))

	rec := do(t, h, http.MethodPost, "/token?id=1", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// ParseLogLevel
// ---------------------------------------------------------------------------

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"", "trace", "DEBUG", "info", "warn", "warning", "error"} {
		if _, err := server.ParseLogLevel(s); err != nil {
			t.Errorf("ParseLogLevel(%q): %v", s, err)
		}
	}

	if _, err := server.ParseLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
