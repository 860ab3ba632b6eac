package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/go-subword/internal/config"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/model/unigram"
	"github.com/example/go-subword/internal/tokenizer"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()
	ln.Close() // free it for the server

	return addr
}

// savedTokenizer writes a tiny Unigram tokenizer and returns its path.
func savedTokenizer(t *testing.T) string {
	t.Helper()

	m, err := unigram.New([]unigram.Piece{
		{Value: "<unk>", Score: 0},
		{Value: "a", Score: -1},
		{Value: "b", Score: -2},
		{Value: "ab", Score: -0.5},
	}, 0)
	if err != nil {
		t.Fatalf("unigram.New: %v", err)
	}

	tk, err := tokenizer.New(m)
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := tk.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	return path
}

func TestStart_LifecycleHealthAndShutdown(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = addr
	cfg.Paths.Tokenizer = savedTokenizer(t)

	s := New(cfg, nil).
		WithShutdownTimeout(2 * time.Second).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Start(ctx)
	}()

	client := &http.Client{Timeout: 2 * time.Second}

	var (
		resp *http.Response
		err  error
	)

	for range 50 {
		resp, err = client.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	if err != nil {
		t.Fatalf("server never became ready: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d; want 200", resp.StatusCode)
	}

	var body Health
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /health: %v", err)
	}

	if body.Status != "ok" || body.VocabSize != 4 {
		t.Errorf("health = %+v; want status ok and vocab_size 4", body)
	}

	health, err := FetchHealth(context.Background(), addr)
	if err != nil {
		t.Errorf("FetchHealth: %v", err)
	}

	if health.VocabSize != 4 {
		t.Errorf("FetchHealth vocab_size = %d; want 4", health.VocabSize)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5s of context cancel")
	}
}

func TestStart_MissingTokenizer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = freeAddr(t)
	cfg.Paths.Tokenizer = filepath.Join(t.TempDir(), "absent.json")

	if err := New(cfg, nil).Start(context.Background()); err == nil {
		t.Fatal("Start() = nil; want error for missing tokenizer")
	}
}

func TestStart_MalformedTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(`{"version":"0.1"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = freeAddr(t)
	cfg.Paths.Tokenizer = path

	err := New(cfg, nil).Start(context.Background())
	if !errors.Is(err, model.ErrMalformedState) {
		t.Fatalf("Start() = %v; want ErrMalformedState", err)
	}
}

func TestNew_ShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ShutdownTimeout = 0

	if s := New(cfg, nil); s.shutdownTimeout != 30*time.Second {
		t.Errorf("shutdownTimeout = %v; want 30s fallback", s.shutdownTimeout)
	}

	cfg.Server.ShutdownTimeout = 7

	s := New(cfg, nil)
	if s.shutdownTimeout != 7*time.Second {
		t.Errorf("shutdownTimeout = %v; want 7s", s.shutdownTimeout)
	}

	if s.WithShutdownTimeout(time.Second) != s {
		t.Error("WithShutdownTimeout should return the same *Server")
	}
}

func TestFetchHealth_Unreachable(t *testing.T) {
	if _, err := FetchHealth(context.Background(), freeAddr(t)); err == nil {
		t.Error("FetchHealth() = nil; want error for closed port")
	}
}
