package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/go-subword/internal/config"
	"github.com/example/go-subword/internal/model"
	"github.com/example/go-subword/internal/tokenizer"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return model.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want trace|debug|info|warn|error)", s)
	}
}

// Engine is the tokenizer surface served over HTTP.
type Engine interface {
	EncodeBatch(ctx context.Context, texts []string, addSpecial bool) ([]*tokenizer.Encoding, error)
	EncodePairBatch(ctx context.Context, firsts, seconds []string, addSpecial bool) ([]*tokenizer.Encoding, error)
	DecodeBatch(ctx context.Context, batch [][]int, skipSpecial bool) ([]string, error)
	TokenToID(token string) (int, bool)
	IDToToken(id int) (string, bool)
	VocabSize() int
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:   1 << 20,
		workers:        4,
		requestTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum total text size in bytes for POST /encode.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithWorkers sets the maximum number of requests tokenized at once.
// Zero disables the limit.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	engine Engine
	opts   options
	sem    chan struct{} // semaphore for worker pool
	log    *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /token and
// POST /encode and /decode.
func NewHandler(engine Engine, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		engine: engine,
		opts:   opts,
		log:    opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/token", h.handleToken)
	mux.HandleFunc("/encode", h.handleEncode)
	mux.HandleFunc("/decode", h.handleDecode)

	return withRequestID(mux)
}

type requestIDKey struct{}

// withRequestID keeps a caller supplied request id or assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	VocabSize int    `json:"vocab_size"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:    "ok",
		Version:   buildVersion(),
		VocabSize: h.engine.VocabSize(),
	})
}

type tokenResponse struct {
	ID    int    `json:"id"`
	Token string `json:"token"`
}

// handleToken resolves ?token=<string> or ?id=<int>.
func (h *handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()

	switch {
	case q.Has("token"):
		tok := q.Get("token")

		id, ok := h.engine.TokenToID(tok)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("token %q is not in the vocabulary", tok))
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{ID: id, Token: tok})
	case q.Has("id"):
		id, err := strconv.Atoi(q.Get("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "id must be an integer")
			return
		}

		tok, ok := h.engine.IDToToken(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("id %d is not in the vocabulary", id))
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{ID: id, Token: tok})
	default:
		writeError(w, http.StatusBadRequest, "token or id query parameter is required")
	}
}

// encodeRequest pairs Pair with Text and Pairs[i] with Texts[i] when
// either is set.
type encodeRequest struct {
	Text             string   `json:"text"`
	Texts            []string `json:"texts"`
	Pair             string   `json:"pair"`
	Pairs            []string `json:"pairs"`
	AddSpecialTokens bool     `json:"add_special_tokens"`
}

type encodeResponse struct {
	Encodings []*tokenizer.Encoding `json:"encodings"`
}

func (h *handler) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req encodeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	texts := req.Texts
	if req.Text != "" {
		texts = append([]string{req.Text}, texts...)
	}

	pairs := req.Pairs
	if req.Pair != "" {
		pairs = append([]string{req.Pair}, pairs...)
	}

	if len(texts) == 0 {
		writeError(w, http.StatusBadRequest, "text or texts field is required")
		return
	}

	if len(pairs) > 0 && len(pairs) != len(texts) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("got %d pair sequences for %d texts", len(pairs), len(texts)))
		return
	}

	size := 0
	for _, s := range slices.Concat(texts, pairs) {
		size += len(s)
	}

	if size > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}

	ctx, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	start := time.Now()

	var (
		encs []*tokenizer.Encoding
		err  error
	)

	if len(pairs) > 0 {
		encs, err = h.engine.EncodePairBatch(ctx, texts, pairs, req.AddSpecialTokens)
	} else {
		encs, err = h.engine.EncodeBatch(ctx, texts, req.AddSpecialTokens)
	}

	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		h.fail(w, r, "encode", err,
			slog.Int("texts", len(texts)),
			slog.Int("pairs", len(pairs)),
			slog.Int("text_len", size),
			slog.Int64("duration_ms", durationMS),
		)

		return
	}

	tokens := 0
	for _, enc := range encs {
		tokens += enc.Len()
	}

	h.log.InfoContext(r.Context(), "encode complete",
		slog.String("request_id", requestID(r.Context())),
		slog.Int("texts", len(texts)),
		slog.Int("text_len", size),
		slog.Int("tokens", tokens),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, encodeResponse{Encodings: encs})
}

type decodeRequest struct {
	IDs               []int   `json:"ids"`
	Batch             [][]int `json:"batch"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`
}

type decodeResponse struct {
	Texts []string `json:"texts"`
}

func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	batch := req.Batch
	if req.IDs != nil {
		batch = append([][]int{req.IDs}, batch...)
	}

	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "ids or batch field is required")
		return
	}

	ctx, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	texts, err := h.engine.DecodeBatch(ctx, batch, req.SkipSpecialTokens)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		h.fail(w, r, "decode", err,
			slog.Int("sequences", len(batch)),
			slog.Int64("duration_ms", durationMS),
		)

		return
	}

	h.log.InfoContext(r.Context(), "decode complete",
		slog.String("request_id", requestID(r.Context())),
		slog.Int("sequences", len(batch)),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, decodeResponse{Texts: texts})
}

// decodeBody enforces POST and parses a JSON body into v.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}

	return true
}

// acquire takes a worker slot, honouring cancellation while waiting, and
// applies the per-request timeout.
func (h *handler) acquire(w http.ResponseWriter, r *http.Request) (context.Context, func(), bool) {
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return nil, nil, false
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)

	return ctx, func() {
		cancel()

		if h.sem != nil {
			<-h.sem
		}
	}, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("request_id", requestID(r.Context())),
		slog.String("error", err.Error()),
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		h.log.LogAttrs(r.Context(), slog.LevelWarn, op+" timed out", attrs...)
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	case errors.Is(err, model.ErrUnknownToken) || errors.Is(err, tokenizer.ErrTruncation):
		h.log.LogAttrs(r.Context(), slog.LevelWarn, op+" rejected", attrs...)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.LogAttrs(r.Context(), slog.LevelError, op+" failed", attrs...)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	engine          Engine
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New returns a server for engine. A nil engine is loaded from
// cfg.Paths.Tokenizer on Start.
func New(cfg config.Config, engine Engine) *Server {
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{
		cfg:             cfg,
		engine:          engine,
		logger:          slog.Default(),
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithLogger sets the logger passed to the handler.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

func (s *Server) Start(ctx context.Context) error {
	engine := s.engine
	if engine == nil {
		tk, err := tokenizer.Load(s.cfg.Paths.Tokenizer,
			tokenizer.WithWorkers(s.cfg.Encode.Workers),
			tokenizer.WithCacheSize(s.cfg.Encode.CacheSize),
			tokenizer.WithLogger(s.logger),
		)
		if err != nil {
			return fmt.Errorf("initialize tokenizer: %w", err)
		}

		engine = tk
	}

	h := NewHandler(engine,
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithLogger(s.logger),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.logger.Info("server listening", slog.String("addr", s.cfg.Server.ListenAddr), slog.Int("vocab_size", engine.VocabSize()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// FetchHealth fetches GET /health from addr and returns the decoded body.
func FetchHealth(ctx context.Context, addr string) (Health, error) {
	var health Health

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return health, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decode health: %w", err)
	}

	if health.Status != "ok" {
		return health, fmt.Errorf("server reports status %q", health.Status)
	}

	return health, nil
}
