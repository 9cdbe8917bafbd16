package market

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vap-net/dispatcher/internal/identity"
)

func testSigner(t *testing.T) identity.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	id := &identity.Identity{
		AgentID:       "agent-a",
		IdentityName:  "agent-a.vap@",
		Address:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
	}
	s, err := identity.NewSigner(id)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func writeData(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestAcceptMessageFormat(t *testing.T) {
	got := AcceptMessage("hash123", "buyer@", 5, "VRSC", 1700000000)
	want := "VAP-ACCEPT|Job:hash123|Buyer:buyer@|Amt:5 VRSC|Ts:1700000000|I accept this job and commit to delivering the work."
	if got != want {
		t.Errorf("AcceptMessage =\n%q\nwant\n%q", got, want)
	}

	got = AcceptMessage("h", "b@", 2.5, "USD", 1)
	want = "VAP-ACCEPT|Job:h|Buyer:b@|Amt:2.5 USD|Ts:1|I accept this job and commit to delivering the work."
	if got != want {
		t.Errorf("AcceptMessage = %q, want %q", got, want)
	}
}

func TestLoginAndListJobs(t *testing.T) {
	signer := testSigner(t)
	var loggedIn atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{"challenge": "prove-it", "challengeId": "ch-1"})
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChallengeID string `json:"challengeId"`
			VerusID     string `json:"verusId"`
			Signature   string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ok, err := identity.Verify(signer.Identity(), "prove-it", body.Signature)
		if err != nil || !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		loggedIn.Store(true)
		http.SetCookie(w, &http.Cookie{Name: "verus_session", Value: "sess-1", Path: "/"})
		writeData(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /v1/me/jobs", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("verus_session"); err != nil || c.Value != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeData(w, []Job{{JobID: "j1", Status: "requested"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, signer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !loggedIn.Load() {
		t.Fatal("server did not observe a login")
	}

	jobs, err := c.ListJobs(context.Background(), "requested")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != "j1" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestReauthOn401(t *testing.T) {
	signer := testSigner(t)
	var logins, listCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{"challenge": "c", "challengeId": "ch"})
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "verus_session", Value: "fresh", Path: "/"})
		writeData(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /v1/me/jobs", func(w http.ResponseWriter, r *http.Request) {
		// First call is unauthenticated; after re-login the cookie is present.
		listCalls.Add(1)
		if c, err := r.Cookie("verus_session"); err != nil || c.Value != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeData(w, []Job{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, signer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.ListJobs(context.Background(), "requested"); err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if logins.Load() != 1 {
		t.Errorf("logins = %d, want exactly 1", logins.Load())
	}
	if listCalls.Load() != 2 {
		t.Errorf("list calls = %d, want 2 (401 then retry)", listCalls.Load())
	}
}

func TestAcceptJobSignatureVerifies(t *testing.T) {
	signer := testSigner(t)
	job := Job{JobID: "j1", JobHash: "hash123", BuyerVerusID: "buyer@", Amount: 5, Currency: "VRSC"}
	var ts int64 = 1700000000

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs/j1/accept", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Timestamp int64  `json:"timestamp"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg := AcceptMessage(job.JobHash, job.BuyerVerusID, job.Amount, job.Currency, body.Timestamp)
		ok, err := identity.Verify(signer.Identity(), msg, body.Signature)
		if err != nil || !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, signer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AcceptJob(context.Background(), job, ts); err != nil {
		t.Fatalf("AcceptJob: %v", err)
	}
}
