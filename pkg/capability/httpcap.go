package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cortexops/writegate/pkg/contracts"
)

// breakerState is the circuit breaker state machine.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker trips after threshold consecutive failures and probes
// again after resetTimeout.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

// HTTPCapability performs an outbound HTTP write on behalf of a command.
// It deliberately does NOT retry: the commit pipeline owns the retry
// budget, and a second request from here would double-apply the side
// effect. A circuit breaker per capability keeps a failing target from
// absorbing every attempt.
type HTTPCapability struct {
	client       *http.Client
	breaker      *circuitBreaker
	allowedHosts map[string]bool
	poll         PollConfig
}

// HTTPOption configures an HTTPCapability.
type HTTPOption func(*HTTPCapability)

// WithHTTPClient overrides the underlying client, primarily for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPCapability) { h.client = c }
}

// WithPollConfig bounds the status polling of asynchronous targets.
func WithPollConfig(cfg PollConfig) HTTPOption {
	return func(h *HTTPCapability) { h.poll = cfg }
}

// NewHTTPCapability builds the capability. allowedHosts is the closed set
// of hosts commands may target; an empty set refuses everything.
func NewHTTPCapability(allowedHosts []string, opts ...HTTPOption) *HTTPCapability {
	h := &HTTPCapability{
		client:       &http.Client{Timeout: 30 * time.Second},
		breaker:      newCircuitBreaker(5, 10*time.Second),
		allowedHosts: make(map[string]bool, len(allowedHosts)),
	}
	for _, host := range allowedHosts {
		h.allowedHosts[host] = true
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke sends the request described by the command parameters:
// url (required), method (default POST) and body (JSON-encoded when
// present). The response must be 2xx; anything else is a failure. A
// 202 Accepted carrying a status_url hands off to the polling loop,
// which drives the remote job to done, failed or TIMEOUT.
func (h *HTTPCapability) Invoke(ctx context.Context, cmd *contracts.Command) (map[string]any, error) {
	rawURL, _ := cmd.Parameters["url"].(string)
	if rawURL == "" {
		return nil, contracts.NewError(contracts.CodeInvalidCommand, "http capability requires a url parameter")
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, contracts.NewError(contracts.CodeInvalidCommand, "invalid target url %q", rawURL)
	}
	if !h.allowedHosts[target.Hostname()] {
		return nil, contracts.NewError(contracts.CodePolicyDenied, "host %s is not in the allowed set", target.Hostname())
	}

	if !h.breaker.allow() {
		return nil, contracts.NewError(contracts.CodeExecutorFailure, "circuit open for outbound http")
	}

	method := http.MethodPost
	if m, ok := cmd.Parameters["method"].(string); ok && m != "" {
		method = m
	}

	var body io.Reader
	if payload, ok := cmd.Parameters["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, contracts.NewError(contracts.CodeInvalidCommand, "encode body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeInvalidCommand, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execution-Id", cmd.ExecutionID)

	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.failure()
		return nil, contracts.NewError(contracts.CodeExecutorFailure, "http request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		h.breaker.failure()
		return nil, contracts.NewError(contracts.CodeExecutorFailure, "read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.breaker.failure()
		return nil, contracts.NewError(contracts.CodeExecutorFailure,
			"target returned %s", resp.Status)
	}
	h.breaker.success()

	if resp.StatusCode == http.StatusAccepted {
		var accepted struct {
			StatusURL string `json:"status_url"`
		}
		if json.Unmarshal(respBody, &accepted) == nil && accepted.StatusURL != "" {
			return h.awaitRemote(ctx, accepted.StatusURL)
		}
	}

	out := map[string]any{"status_code": resp.StatusCode}
	var decoded any
	if json.Unmarshal(respBody, &decoded) == nil {
		out["response"] = decoded
	}
	return out, nil
}

// awaitRemote polls an accepted job's status endpoint until the job
// settles. The status host obeys the same allowlist as the target itself.
func (h *HTTPCapability) awaitRemote(ctx context.Context, statusURL string) (map[string]any, error) {
	target, err := url.Parse(statusURL)
	if err != nil || target.Host == "" {
		return nil, contracts.NewError(contracts.CodeExecutorFailure, "invalid status url %q", statusURL)
	}
	if !h.allowedHosts[target.Hostname()] {
		return nil, contracts.NewError(contracts.CodePolicyDenied, "status host %s is not in the allowed set", target.Hostname())
	}

	return Poll(ctx, h.poll, func(ctx context.Context) (Observation, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return Observation{}, err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return Observation{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Observation{}, err
		}
		var status struct {
			State  string         `json:"state"`
			Output map[string]any `json:"output"`
			Error  string         `json:"error"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return Observation{}, fmt.Errorf("decode job status: %w", err)
		}

		switch status.State {
		case "done":
			return Observation{Status: JobDone, Output: status.Output}, nil
		case "failed":
			var cause error
			if status.Error != "" {
				cause = errors.New(status.Error)
			}
			return Observation{Status: JobFailed, Err: cause}, nil
		default:
			return Observation{Status: JobPending}, nil
		}
	})
}

var _ Capability = (*HTTPCapability)(nil)
