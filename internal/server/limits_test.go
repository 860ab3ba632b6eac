package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/go-subword/internal/server"
)

// ---------------------------------------------------------------------------
// request validation and limits
// ---------------------------------------------------------------------------

func TestEncode_OversizedTextRejectedAs413(t *testing.T) {
	h := server.NewHandler(newEngine(t), server.WithMaxTextBytes(10))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": strings.Repeat("l", 11)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	var errBody map[string]string
	decodeJSON(t, rec, &errBody)

	if errBody["error"] == "" {
		t.Error("want non-empty error field")
	}
}

func TestEncode_LimitCountsWholeBatch(t *testing.T) {
	h := server.NewHandler(newEngine(t), server.WithMaxTextBytes(8))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"texts": []string{"lower", "lower"}})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}

func TestEncode_LimitCountsPairs(t *testing.T) {
	h := server.NewHandler(newEngine(t), server.WithMaxTextBytes(8))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": "lower", "pair": "lower"})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}

func TestEncode_TextAtExactLimitIsAccepted(t *testing.T) {
	h := server.NewHandler(newEngine(t), server.WithMaxTextBytes(5))

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": "lower"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestEncode_TimeoutReturns504(t *testing.T) {
	engine := &blockingEngine{
		Tokenizer: newEngine(t),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}

	h := server.NewHandler(engine,
		server.WithRequestTimeout(20*time.Millisecond),
		server.WithLogger(quiet),
	)

	rec := do(t, h, http.MethodPost, "/encode", map[string]any{"text": "low"})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}
}

func TestEncode_WorkerLimitQueuesRequests(t *testing.T) {
	engine := &blockingEngine{
		Tokenizer: newEngine(t),
		entered:   make(chan struct{}, 2),
		release:   make(chan struct{}),
	}

	h := server.NewHandler(engine, server.WithWorkers(1), server.WithLogger(quiet))

	codes := make([]int, 2)

	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/encode", bytes.NewBufferString(`{"text":"low"}`))
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}

	<-engine.entered

	// the second request is still waiting for the only slot
	select {
	case <-engine.entered:
		t.Fatal("second request entered the engine while the first held the slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.release)
	<-engine.entered
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, code)
		}
	}
}

func TestEncode_CancelledWhileWaitingReturns503(t *testing.T) {
	engine := &blockingEngine{
		Tokenizer: newEngine(t),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}

	h := server.NewHandler(engine, server.WithWorkers(1), server.WithLogger(quiet))

	done := make(chan struct{})

	go func() {
		defer close(done)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/encode", bytes.NewBufferString(`{"text":"low"}`))
		h.ServeHTTP(rec, req)
	}()

	<-engine.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/encode", bytes.NewBufferString(`{"text":"low"}`)).WithContext(ctx)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want 503, got %d", rec.Code)
	}

	close(engine.release)
	<-done
}
