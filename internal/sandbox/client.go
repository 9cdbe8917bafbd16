package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	healthProbeInterval = 2 * time.Second
	healthProbeTimeout  = 5 * time.Second
	healthProbes        = 15 // 30s total at the probe interval
	requestTimeout      = 5 * time.Minute
)

// chatRequest is the OpenAI-style completion body the sandbox runtime
// accepts on /v1/chat/completions.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Manager) baseURL(h *Handle) string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.Port)
}

// WaitForHealth blocks until the sandbox answers an authenticated trivial
// completion, probing every two seconds for up to thirty seconds. A sandbox
// that boots but cannot complete a request is as dead as one that never
// bound its port, so the probe goes through the full request path rather
// than a bare TCP dial.
func (m *Manager) WaitForHealth(ctx context.Context, h *Handle) error {
	var lastErr error
	for attempt := 0; attempt < healthProbes; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clk.After(healthProbeInterval):
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		_, err := m.post(probeCtx, h, chatRequest{
			Model:    m.opts.Model,
			Messages: []chatMessage{{Role: "user", Content: "ping"}},
		})
		cancel()
		if err == nil {
			m.log.Info("sandbox healthy", "jobId", h.JobID, "port", h.Port)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("sandbox for %s not healthy after %d probes: %w", h.JobID, healthProbes, lastErr)
}

// SendRequest forwards one buyer turn into the sandbox and returns the
// assistant reply text.
func (m *Manager) SendRequest(ctx context.Context, h *Handle, history []Turn) (string, error) {
	msgs := make([]chatMessage, 0, len(history))
	for _, t := range history {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := m.post(reqCtx, h, chatRequest{Model: m.opts.Model, Messages: msgs})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("sandbox error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("sandbox returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Turn is one entry of the conversation history fed to the sandbox.
type Turn struct {
	Role    string
	Content string
}

func (m *Manager) post(ctx context.Context, h *Handle, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL(h)+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, truncateErr(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	return &out, nil
}

func truncateErr(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
