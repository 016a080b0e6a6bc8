// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// ErrRefAlreadyExists is returned by CreateTag when the ref exists already.
var ErrRefAlreadyExists = errors.New("reference already exists")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

// NewEnterprise returns a github api client for a GitHub Enterprise server.
// baseURL is the URL of the REST API, graphQLURL the one of the GraphQL
// endpoint.
func NewEnterprise(oauthAPItoken, baseURL, graphQLURL string) (*Client, error) {
	httpClient := newHTTPClient(oauthAPItoken)

	restClt := github.NewClient(httpClient)

	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing base url failed: %w", err)
	}
	restClt.BaseURL = u

	return &Client{
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(graphQLURL, httpClient),
		logger:     zap.L().Named(loggerName),
	}, nil
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a syncerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// TagExists returns true if the tag exists in the repository.
// It only queries the repository and never modifies it.
func (clt *Client) TagExists(ctx context.Context, owner, repo, tag string) (bool, error) {
	var q struct {
		Repository struct {
			Ref *struct {
				Name string
			} `graphql:"ref(qualifiedName: $qualifiedName)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"qualifiedName": githubv4.String("refs/tags/" + tag),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return false, clt.wrapGraphQLRetryableErrors(err)
	}

	return q.Repository.Ref != nil, nil
}

// CreateTag creates the ref refs/tags/<tag> pointing to commit.
// Creating a ref is atomic on GitHub, if the ref already exists
// ErrRefAlreadyExists is returned and the existing ref is not modified.
func (clt *Client) CreateTag(ctx context.Context, owner, repo, tag, commit string) error {
	ref := "refs/tags/" + tag

	_, _, err := clt.restClt.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &commit},
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) &&
			respErr.Response != nil &&
			respErr.Response.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(respErr.Message), "already exists") {
			clt.logger.Debug(
				"creating ref failed, ref already exists",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.Tag(tag),
				logfields.Event("github_create_ref_already_exists"),
			)

			return fmt.Errorf("%s: %w", ref, ErrRefAlreadyExists)
		}

		return clt.wrapRetryableErrors(err)
	}

	clt.logger.Debug(
		"ref created",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Tag(tag),
		logfields.Commit(commit),
		logfields.Event("github_ref_created"),
	)

	return nil
}

// BranchHead returns the commit id of the HEAD of a branch.
func (clt *Client) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	sha := ref.GetObject().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("github returned an empty commit id for branch %q", branch)
	}

	return sha, nil
}

// FileContent returns the content of the file at path in the given
// revision.
func (clt *Client) FileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	file, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	if file == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding content of %s failed: %w", path, err)
	}

	return content, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return syncerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response != nil && v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return syncerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return syncerr.NewRetryableAnytimeError(err)
	}

	return err
}
