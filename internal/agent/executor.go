// Package agent wraps the external completion service ("agent executor")
// behind a small interface. The relay treats it as a black box that returns
// text or fails; the interesting part is telling transient channel
// unavailability apart from permanent failure.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Executor produces a completion for a user request.
type Executor interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// Ready reports whether the downstream channel can accept requests.
	// The outbound queue's drain cycle no-ops while this is false.
	Ready(ctx context.Context) bool
}

// ErrNotConnected marks the downstream channel as transiently unavailable.
// Requests failing with it are queued for retry rather than failed.
var ErrNotConnected = errors.New("agent channel not connected")

// transientPatterns match error texts that indicate the downstream bridge is
// between connections. The set is fixed; anything else is permanent.
var transientPatterns = []string{
	"not connected",
	"reconnecting",
	"connecting",
	"connection refused",
	"channel unavailable",
}

// IsTransient reports whether the error is a transient-unavailability
// failure that the retry queue should absorb.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// HTTPExecutor calls the agent executor's HTTP endpoint.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPExecutor creates an executor client. timeout caps a single
// completion call end to end.
func NewHTTPExecutor(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Complete posts the prompt and returns the reply text. A 503 from the
// executor means the bridge is between connections and maps to
// ErrNotConnected; other failures are permanent.
func (e *HTTPExecutor) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completeRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call agent executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		e.logger.Debug("agent executor unavailable", "detail", strings.TrimSpace(string(detail)))
		return "", ErrNotConnected
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent executor status %d", resp.StatusCode)
	}

	var out completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("agent executor: %s", out.Error)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("agent executor returned empty response")
	}
	return out.Text, nil
}

// Ready probes the executor's status endpoint. Any failure reads as not
// ready (safe default).
func (e *HTTPExecutor) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var status struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Connected
}
