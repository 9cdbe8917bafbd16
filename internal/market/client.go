// Package market implements the marketplace HTTP client. Each client is
// bound to one identity: authentication is a signed challenge exchanged for
// a verus_session cookie held in the client's jar. Authenticated calls that
// come back 401 are retried exactly once after a fresh login.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/vap-net/dispatcher/internal/identity"
)

// Job is a marketplace job as observed through the API.
type Job struct {
	JobID        string  `json:"jobId"`
	JobHash      string  `json:"jobHash"`
	BuyerVerusID string  `json:"buyerVerusId"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Description  string  `json:"description"`
	Status       string  `json:"status"`
	PrivacyTier  string  `json:"privacyTier,omitempty"`
}

// Client talks to the marketplace on behalf of one identity.
type Client struct {
	base   *url.URL
	signer identity.Signer
	http   *http.Client
}

// New creates a Client for the given marketplace origin and identity.
func New(apiBase string, signer identity.Signer) (*Client, error) {
	base, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("parse VAP_API %q: %w", apiBase, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		base:   base,
		signer: signer,
		http:   &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}, nil
}

// Identity returns the identity this client authenticates as.
func (c *Client) Identity() *identity.Identity { return c.signer.Identity() }

// Origin returns the marketplace origin URL (scheme://host).
func (c *Client) Origin() *url.URL { return c.base }

// Cookies returns the session cookies for the marketplace origin, for reuse
// by the chat transport handshake.
func (c *Client) Cookies() []*http.Cookie {
	return c.http.Jar.Cookies(c.base)
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Login performs the challenge/response authentication and stores the
// session cookie in the jar.
func (c *Client) Login(ctx context.Context) error {
	var challenge struct {
		Challenge   string `json:"challenge"`
		ChallengeID string `json:"challengeId"`
	}
	if err := c.get(ctx, "/auth/challenge", &challenge); err != nil {
		return fmt.Errorf("auth challenge: %w", err)
	}

	sig, err := c.signer.SignMessage(challenge.Challenge)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	body := map[string]string{
		"challengeId": challenge.ChallengeID,
		"verusId":     c.signer.Identity().IdentityName,
		"signature":   sig,
	}
	if err := c.post(ctx, "/auth/login", body, nil); err != nil {
		return fmt.Errorf("auth login: %w", err)
	}
	return nil
}

// ListJobs returns the identity's jobs with the given status in the seller role.
func (c *Client) ListJobs(ctx context.Context, status string) ([]Job, error) {
	var jobs []Job
	path := "/v1/me/jobs?status=" + url.QueryEscape(status) + "&role=seller"
	if err := c.withReauth(ctx, func() error {
		return c.get(ctx, path, &jobs)
	}); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.withReauth(ctx, func() error {
		return c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID), &job)
	}); err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// AcceptJob signs the acceptance message for job and posts it. The signature
// covers the exact message built by AcceptMessage with the given timestamp.
func (c *Client) AcceptJob(ctx context.Context, job Job, ts int64) error {
	msg := AcceptMessage(job.JobHash, job.BuyerVerusID, job.Amount, job.Currency, ts)
	sig, err := c.signer.SignMessage(msg)
	if err != nil {
		return fmt.Errorf("sign acceptance: %w", err)
	}
	body := map[string]any{"timestamp": ts, "signature": sig}
	if err := c.withReauth(ctx, func() error {
		return c.post(ctx, "/v1/jobs/"+url.PathEscape(job.JobID)+"/accept", body, nil)
	}); err != nil {
		return fmt.Errorf("accept job %s: %w", job.JobID, err)
	}
	return nil
}

// Deliver signs and posts the delivery message for a completed job.
// resultHash is the hex SHA-256 of the delivered transcript.
func (c *Client) Deliver(ctx context.Context, jobID, resultHash string) error {
	msg := DeliverMessage(jobID, resultHash)
	sig, err := c.signer.SignMessage(msg)
	if err != nil {
		return fmt.Errorf("sign delivery: %w", err)
	}
	body := map[string]string{"resultHash": resultHash, "signature": sig}
	if err := c.withReauth(ctx, func() error {
		return c.post(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/deliver", body, nil)
	}); err != nil {
		return fmt.Errorf("deliver job %s: %w", jobID, err)
	}
	return nil
}

// SubmitAttestation uploads a signed attestation document. Submission is
// best-effort for callers: failures are logged, never fatal.
func (c *Client) SubmitAttestation(ctx context.Context, jobID string, doc json.RawMessage) error {
	if err := c.withReauth(ctx, func() error {
		return c.post(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/attestations", doc, nil)
	}); err != nil {
		return fmt.Errorf("submit attestation for %s: %w", jobID, err)
	}
	return nil
}

// ChatToken fetches a short-lived token for the chat transport handshake.
func (c *Client) ChatToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.withReauth(ctx, func() error {
		return c.get(ctx, "/v1/chat/token", &out)
	}); err != nil {
		return "", fmt.Errorf("chat token: %w", err)
	}
	return out.Token, nil
}

// errUnauthorized marks a 401 so withReauth can re-login once.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("marketplace returned %d: %s", e.code, e.body)
}

// withReauth runs fn, and on a 401 logs in again and re-issues fn exactly once.
func (c *Client) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	var se *statusError
	if err == nil || !isStatus(err, http.StatusUnauthorized, &se) {
		return err
	}
	if err := c.Login(ctx); err != nil {
		return fmt.Errorf("re-login after 401: %w", err)
	}
	return fn()
}

func isStatus(err error, code int, out **statusError) bool {
	se, ok := err.(*statusError)
	if ok && se.code == code {
		*out = se
		return true
	}
	return false
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	u := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
