package zulip

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

const (
	testEmail  = "nightly-bot@zulipchat.com"
	testAPIKey = "secret"
	testStream = "nightly-testing"
	testTopic  = "Mathlib status updates"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(srv.URL, testEmail, testAPIKey, WithHTTPClient(srv.Client()), WithRequestsPerSecond(0))
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()

	user, pass, ok := r.BasicAuth()
	require.True(t, ok, "request has no basic auth header")
	assert.Equal(t, testEmail, user)
	assert.Equal(t, testAPIKey, pass)
}

func TestLastMessage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/messages", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "newest", q.Get("anchor"))
		assert.Equal(t, "0", q.Get("num_after"))
		assert.Equal(t, "false", q.Get("apply_markdown"))

		var narrow []narrowElem
		require.NoError(t, json.Unmarshal([]byte(q.Get("narrow")), &narrow))
		assert.Equal(t, []narrowElem{
			{Operator: "stream", Operand: testStream},
			{Operator: "topic", Operand: testTopic},
		}, narrow)

		_, _ = io.WriteString(w, `{"result":"success","messages":[
			{"id": 2, "content": "✅ The latest CI for branch#nightly-testing has succeeded!"},
			{"id": 1, "content": "❌ failed"}
		]}`)
	})

	content, found, err := clt.LastMessage(context.Background(), testStream, testTopic)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "✅ The latest CI for branch#nightly-testing has succeeded!", content)
}

func TestLastMessageEmptyTopic(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"success","messages":[]}`)
	})

	content, found, err := clt.LastMessage(context.Background(), testStream, testTopic)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, content)
}

func TestPostMessage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var posted bool

	clt := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "stream", r.PostForm.Get("type"))
		assert.Equal(t, testStream, r.PostForm.Get("to"))
		assert.Equal(t, testTopic, r.PostForm.Get("topic"))
		assert.Equal(t, "hello", r.PostForm.Get("content"))

		posted = true
		_, _ = io.WriteString(w, `{"result":"success","msg":"","id":42}`)
	})

	require.NoError(t, clt.PostMessage(context.Background(), testStream, testTopic, "hello"))
	assert.True(t, posted)
}

func TestErrorResponses(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	testcases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"result":"error","msg":"Invalid API key","code":"INVALID_API_KEY"}`, false},
		{"bad_request", http.StatusBadRequest, `{"result":"error","msg":"Stream does not exist"}`, false},
		{"server_error", http.StatusBadGateway, `bad gateway`, true},
		{"rate_limited", http.StatusTooManyRequests, `{"result":"error","msg":"API usage exceeded rate limit"}`, true},
		{"error_result", http.StatusOK, `{"result":"error","msg":"weird"}`, false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			clt := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			err := clt.PostMessage(context.Background(), testStream, testTopic, "hello")
			require.Error(t, err)
			assert.Equal(t, tc.retryable, syncerr.IsRetryable(err), "err: %s", err)
		})
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, _, err := clt.LastMessage(context.Background(), testStream, testTopic)
	require.Error(t, err)

	var retryErr *syncerr.RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), retryErr.After, 5*time.Second)
}

func TestRequestsAreRateLimited(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"success","id":1}`)
	}))
	t.Cleanup(srv.Close)

	clt := New(srv.URL, testEmail, testAPIKey, WithHTTPClient(srv.Client()), WithRequestsPerSecond(10))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, clt.PostMessage(context.Background(), testStream, testTopic, "hello"))
	}

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
