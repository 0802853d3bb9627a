package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexops/writegate/pkg/contracts"
)

func httpCommand(target string, params map[string]any) *contracts.Command {
	if params == nil {
		params = map[string]any{}
	}
	params["url"] = target
	return &contracts.Command{
		CommandID:   "c1",
		ExecutionID: "e1",
		Kind:        "http.request",
		Initiator:   "svc",
		Parameters:  params,
	}
}

func allowedHost(t *testing.T, server *httptest.Server) []string {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return []string{u.Hostname()}
}

func TestHTTPCapability_Post(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Execution-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"r1"}`))
	}))
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server))
	out, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, map[string]any{
		"body": map[string]any{"title": "t"},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["status_code"])
	assert.Equal(t, map[string]any{"id": "r1"}, out["response"])
	assert.Equal(t, "t", gotBody["title"])
	assert.Equal(t, "e1", gotHeader)
}

func TestHTTPCapability_HostNotAllowed(t *testing.T) {
	httpCap := NewHTTPCapability([]string{"api.example.com"})
	_, err := httpCap.Invoke(context.Background(), httpCommand("http://evil.example.net/hook", nil))
	require.Error(t, err)
	assert.Equal(t, contracts.CodePolicyDenied, contracts.CodeOf(err))
}

func TestHTTPCapability_MissingURL(t *testing.T) {
	httpCap := NewHTTPCapability(nil)
	_, err := httpCap.Invoke(context.Background(), &contracts.Command{
		ExecutionID: "e1", Kind: "http.request", Initiator: "svc",
		Parameters: map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidCommand, contracts.CodeOf(err))
}

func TestHTTPCapability_ServerErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server))
	_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeExecutorFailure, contracts.CodeOf(err))
}

// After the failure threshold the breaker opens and requests are refused
// without reaching the target; it probes again after the reset timeout.
func TestHTTPCapability_CircuitOpens(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server))
	for i := 0; i < 5; i++ {
		_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
		require.Error(t, err)
	}
	require.Equal(t, 5, hits)

	_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.Error(t, err)
	assert.Equal(t, 5, hits, "open circuit must not reach the target")
	assert.Contains(t, err.Error(), "circuit open")
}

// asyncJobServer accepts the write with 202 and serves /status from the
// queued observations.
func asyncJobServer(t *testing.T, statuses []string) *httptest.Server {
	t.Helper()
	var mux http.ServeMux
	polls := 0
	server := httptest.NewServer(&mux)
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status_url": server.URL + "/status"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		state := statuses[len(statuses)-1]
		if polls < len(statuses) {
			state = statuses[polls]
		}
		polls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":  state,
			"output": map[string]any{"job": "j1"},
			"error":  "remote job exploded",
		})
	})
	return server
}

func TestHTTPCapability_AsyncJobPolledToDone(t *testing.T) {
	server := asyncJobServer(t, []string{"pending", "pending", "done"})
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server),
		WithPollConfig(PollConfig{Interval: time.Millisecond, MaxAttempts: 10}))
	out, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"job": "j1"}, out)
}

func TestHTTPCapability_AsyncJobFails(t *testing.T) {
	server := asyncJobServer(t, []string{"pending", "failed"})
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server),
		WithPollConfig(PollConfig{Interval: time.Millisecond, MaxAttempts: 10}))
	_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeExecutorFailure, contracts.CodeOf(err))
	assert.Contains(t, err.Error(), "remote job exploded")
}

func TestHTTPCapability_AsyncJobTimesOut(t *testing.T) {
	server := asyncJobServer(t, []string{"pending"})
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server),
		WithPollConfig(PollConfig{Interval: time.Millisecond, MaxAttempts: 3}))
	_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeTimeout, contracts.CodeOf(err))
}

func TestHTTPCapability_AsyncStatusHostNotAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status_url": "http://evil.example.net/status"})
	}))
	defer server.Close()

	httpCap := NewHTTPCapability(allowedHost(t, server),
		WithPollConfig(PollConfig{Interval: time.Millisecond, MaxAttempts: 3}))
	_, err := httpCap.Invoke(context.Background(), httpCommand(server.URL, nil))
	require.Error(t, err)
	assert.Equal(t, contracts.CodePolicyDenied, contracts.CodeOf(err))
}
