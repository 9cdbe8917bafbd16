package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vap-net/dispatcher/internal/logging"
)

// testServer wires a proxy Server (without its own listener) to fake
// upstreams and exercises its handler directly.
func testServer(t *testing.T, rateLimit int) (*Server, *httptest.Server, *httptest.Server) {
	t.Helper()

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer real-llm-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"provider":"llm","path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(llm.Close)

	emb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer real-emb-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"provider":"embeddings","path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(emb.Close)

	s := NewServer(Config{
		Port:      0,
		RateLimit: rateLimit,
		LLM:       Upstream{BaseURL: llm.URL, APIKey: "real-llm-key"},
		Embeddings: Upstream{BaseURL: emb.URL, APIKey: "real-emb-key"},
	}, logging.New(false))
	return s, llm, emb
}

func doReq(t *testing.T, s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("tok-1", "j1")

	rec := doReq(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var out struct {
		OK     bool `json:"ok"`
		Tokens int  `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK || out.Tokens != 1 {
		t.Errorf("health body = %+v", out)
	}
}

func TestOptionsAlwaysOK(t *testing.T) {
	s, _, _ := testServer(t, 10)
	rec := doReq(t, s, http.MethodOptions, "/v1/chat/completions", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS = %d, want 200", rec.Code)
	}
}

func TestTokenIsolation(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("tok-1", "j1")

	// Own token passes through to the LLM upstream with the real key.
	rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("own token = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"provider":"llm"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	// Any other token is rejected before touching the upstream.
	rec = doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-other", []byte(`{}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign token = %d, want 401", rec.Code)
	}

	// No token at all.
	rec = doReq(t, s, http.MethodPost, "/v1/chat/completions", "", []byte(`{}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
}

func TestRevokeIsImmediate(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("tok-1", "j1")

	if rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`)); rec.Code != http.StatusOK {
		t.Fatalf("pre-revoke = %d", rec.Code)
	}
	s.Revoke("tok-1")
	if rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`)); rec.Code != http.StatusUnauthorized {
		t.Errorf("post-revoke = %d, want 401", rec.Code)
	}
	if s.TokenCount() != 0 {
		t.Errorf("TokenCount = %d after revoke", s.TokenCount())
	}
}

func TestPerTokenRateLimit(t *testing.T) {
	s, _, _ := testServer(t, 3)
	s.Register("tok-1", "j1")
	s.Register("tok-2", "j2")

	for i := 0; i < 3; i++ {
		if rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`)); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}
	if rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`)); rec.Code != http.StatusTooManyRequests {
		t.Errorf("4th request = %d, want 429", rec.Code)
	}

	// A different token has its own window.
	if rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-2", []byte(`{}`)); rec.Code != http.StatusOK {
		t.Errorf("tok-2 = %d, want 200", rec.Code)
	}
}

func TestBodySizeCap(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("tok-1", "j1")

	big := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize body = %d, want 413", rec.Code)
	}
}

func TestEmbeddingsRouting(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("tok-1", "j1")

	rec := doReq(t, s, http.MethodPost, "/v1/embeddings/embed", "tok-1", []byte(`{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("embeddings = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `"provider":"embeddings"`) {
		t.Errorf("routed to wrong upstream: %s", body)
	}
	if !strings.Contains(string(body), `"path":"/v1/embed"`) {
		t.Errorf("prefix not stripped: %s", body)
	}
}

func TestUpstreamFailureIs502(t *testing.T) {
	s, llm, _ := testServer(t, 10)
	s.Register("tok-1", "j1")
	llm.Close() // upstream gone

	rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "tok-1", []byte(`{}`))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("dead upstream = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Errorf("body = %s, want JSON error", rec.Body.String())
	}
}

func TestUpstreamStatusRelayedVerbatim(t *testing.T) {
	s, _, _ := testServer(t, 10)
	s.Register("bad-key-token", "j1")
	// Break the configured key so the upstream answers 401; the proxy must
	// relay that status rather than translating it.
	s.cfg.LLM.APIKey = "wrong"
	rec := doReq(t, s, http.MethodPost, "/v1/chat/completions", "bad-key-token", []byte(`{}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("relayed status = %d, want upstream 401", rec.Code)
	}
}
