package githubclt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	restClt := github.NewClient(srv.Client())
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = u

	return &Client{
		logger:     zap.L(),
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL+"/graphql", srv.Client()),
	}
}

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	exists, err := clt.TagExists(context.Background(), "test", "test", "nightly-testing-1")
	require.Error(t, err)
	assert.False(t, exists)

	var retryableErr *syncerr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func graphQLHandler(t *testing.T, refExists bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "refs/tags/nightly-testing-2024-01-15", req.Variables["qualifiedName"])
		assert.Equal(t, "leanprover-community", req.Variables["owner"])

		w.Header().Set("Content-Type", "application/json")
		if refExists {
			_, _ = io.WriteString(w, `{"data":{"repository":{"ref":{"name":"nightly-testing-2024-01-15"}}}}`)
			return
		}

		_, _ = io.WriteString(w, `{"data":{"repository":{"ref":null}}}`)
	}
}

func TestTagExists(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	for _, exists := range []bool{true, false} {
		mux := http.NewServeMux()
		mux.HandleFunc("/graphql", graphQLHandler(t, exists))
		clt := newTestClient(t, mux)

		result, err := clt.TagExists(context.Background(), "leanprover-community", "mathlib4", "nightly-testing-2024-01-15")
		require.NoError(t, err)
		assert.Equal(t, exists, result)
	}
}

func TestCreateTag(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var created map[string]string

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/git/refs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ref":"refs/tags/nightly-testing-1","object":{"sha":"abc"}}`)
	})

	clt := newTestClient(t, mux)

	err := clt.CreateTag(context.Background(), "o", "r", "nightly-testing-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "refs/tags/nightly-testing-1", created["ref"])
	assert.Equal(t, "abc", created["sha"])
}

func TestCreateTagAlreadyExists(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/git/refs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"Reference already exists"}`)
	})

	clt := newTestClient(t, mux)

	err := clt.CreateTag(context.Background(), "o", "r", "nightly-testing-1", "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefAlreadyExists)
}

func TestCreateTagServerErrorIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/git/refs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	clt := newTestClient(t, mux)

	err := clt.CreateTag(context.Background(), "o", "r", "nightly-testing-1", "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefAlreadyExists)
	assert.True(t, syncerr.IsRetryable(err))
}

func TestBranchHead(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/git/ref/heads/nightly-testing", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ref":"refs/heads/nightly-testing","object":{"sha":"0123abcd","type":"commit"}}`)
	})

	clt := newTestClient(t, mux)

	sha, err := clt.BranchHead(context.Background(), "o", "r", "nightly-testing")
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", sha)
}

func TestFileContent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/contents/lean-toolchain", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("ref"))

		content := base64.StdEncoding.EncodeToString([]byte("leanprover/lean4:nightly-2024-01-15\n"))
		_, _ = io.WriteString(w, `{"type":"file","encoding":"base64","name":"lean-toolchain","content":"`+content+`"}`)
	})

	clt := newTestClient(t, mux)

	content, err := clt.FileContent(context.Background(), "o", "r", "lean-toolchain", "abc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, "leanprover/lean4:nightly-2024-01-15"))
}

func TestWorkflowRun(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/actions/runs/42", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{
			"id": 42,
			"head_branch": "nightly-testing",
			"head_sha": "abc",
			"status": "completed",
			"conclusion": "failure",
			"html_url": "https://github.com/o/r/actions/runs/42",
			"repository": {"full_name": "o/r"}
		}`)
	})

	clt := newTestClient(t, mux)

	run, err := clt.WorkflowRun(context.Background(), "o", "r", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, "o/r", run.Repository)
	assert.Equal(t, "nightly-testing", run.HeadBranch)
	assert.Equal(t, "abc", run.HeadSHA)
	assert.Equal(t, CIStatusFailure, run.Status)
}

func TestRunStatusToCIStatus(t *testing.T) {
	testcases := []struct {
		status, conclusion string
		expected           CIStatus
	}{
		{"completed", "success", CIStatusSuccess},
		{"completed", "failure", CIStatusFailure},
		{"completed", "timed_out", CIStatusFailure},
		{"completed", "cancelled", CIStatusIgnored},
		{"completed", "skipped", CIStatusIgnored},
		{"in_progress", "", CIStatusPending},
	}

	for _, tc := range testcases {
		status, err := RunStatusToCIStatus(tc.status, tc.conclusion)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, status, "status: %s, conclusion: %s", tc.status, tc.conclusion)
	}

	_, err := RunStatusToCIStatus("completed", "unknown")
	assert.Error(t, err)
}
