// Package proxy implements the credential-swapping API proxy. Sandboxes
// authenticate with a per-container bearer token; the proxy validates it
// against the live registry on every request, applies a per-token rate
// window, and forwards to the upstream provider with the real key. Real
// keys never enter a container.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vap-net/dispatcher/internal/logging"
	"github.com/vap-net/dispatcher/internal/metrics"
)

// maxBodyBytes caps request bodies relayed upstream.
const maxBodyBytes = 100 << 10 // 100 KiB

// rateWindow is the sliding window for per-token upstream limits.
const rateWindow = time.Minute

// Upstream is one provider behind the proxy.
type Upstream struct {
	BaseURL string
	APIKey  string
}

// Config holds the proxy's listen and upstream settings.
type Config struct {
	Port       int
	RateLimit  int // per-token requests per rateWindow
	LLM        Upstream
	Embeddings Upstream
}

type tokenInfo struct {
	jobID     string
	createdAt time.Time
}

type rateState struct {
	count       int
	windowStart time.Time
}

// Server is the loopback credential proxy.
type Server struct {
	cfg Config
	log *logging.Logger

	mu     sync.Mutex
	tokens map[string]tokenInfo
	rates  map[string]*rateState

	httpSrv  *http.Server
	upstream *http.Client
}

// NewServer creates a Server; call Start to begin listening.
func NewServer(cfg Config, log *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		tokens:   make(map[string]tokenInfo),
		rates:    make(map[string]*rateState),
		upstream: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Register binds a bearer token to a job. Must happen before the container
// that holds the token is health-probed.
func (s *Server) Register(token, jobID string) {
	s.mu.Lock()
	s.tokens[token] = tokenInfo{jobID: jobID, createdAt: time.Now()}
	n := len(s.tokens)
	s.mu.Unlock()
	metrics.ProxyTokens.Set(float64(n))
	s.log.Info("proxy token registered", "jobId", jobID)
}

// Revoke removes a token and its rate state. Synchronous: once Revoke
// returns, no request bearing the token will be forwarded.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	info, had := s.tokens[token]
	delete(s.tokens, token)
	delete(s.rates, token)
	n := len(s.tokens)
	s.mu.Unlock()
	metrics.ProxyTokens.Set(float64(n))
	if had {
		s.log.Info("proxy token revoked", "jobId", info.jobID)
	}
}

// TokenCount returns the number of live tokens.
func (s *Server) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Start begins serving on the loopback interface. Non-blocking.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("proxy server error", "error", err)
		}
	}()
	s.log.Info("credential proxy listening", "addr", addr)
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "tokens": s.TokenCount()})
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		metrics.ProxyRequests.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	// Registration is re-checked on every call; a revoked token fails here
	// even if the container still holds it.
	s.mu.Lock()
	_, known := s.tokens[token]
	if !known {
		s.mu.Unlock()
		metrics.ProxyRequests.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "unknown token")
		return
	}
	if !s.allowLocked(token) {
		s.mu.Unlock()
		metrics.ProxyRequests.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "token rate limit exceeded")
		return
	}
	s.mu.Unlock()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	up, path := s.route(r.URL.Path)
	status, respBody, err := s.forward(r.Context(), r.Method, up, path, body)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		s.log.Warn("proxy upstream failure", "path", path, "error", err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	metrics.ProxyRequests.WithLabelValues("forwarded").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// allowLocked applies the per-token sliding rate window. Caller holds s.mu.
func (s *Server) allowLocked(token string) bool {
	now := time.Now()
	st, ok := s.rates[token]
	if !ok || now.Sub(st.windowStart) >= rateWindow {
		s.rates[token] = &rateState{count: 1, windowStart: now}
		return true
	}
	if st.count >= s.cfg.RateLimit {
		return false
	}
	st.count++
	return true
}

// route picks the upstream by path. An /embeddings/ segment anywhere in the
// path selects the embeddings provider, with the segment stripped.
func (s *Server) route(path string) (Upstream, string) {
	if i := strings.Index(path, "/embeddings/"); i >= 0 && s.cfg.Embeddings.BaseURL != "" {
		stripped := path[:i] + "/" + path[i+len("/embeddings/"):]
		return s.cfg.Embeddings, stripped
	}
	return s.cfg.LLM, path
}

func (s *Server) forward(ctx context.Context, method string, up Upstream, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(up.BaseURL, "/")+path, strings.NewReader(string(body)))
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+up.APIKey)

	resp, err := s.upstream.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
