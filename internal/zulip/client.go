// Package zulip provides a client for the parts of the Zulip REST API that
// are needed to read and post stream messages.
package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

const loggerName = "zulip_client"

const DefaultHTTPClientTimeout = time.Minute

// DefaultRequestsPerSecond is the default client-side request rate limit.
const DefaultRequestsPerSecond = 2

// Client is a Zulip API client authenticating as a bot.
// All methods return a syncerr.RetryableError when the request can be
// retried.
type Client struct {
	baseURL string
	email   string
	apiKey  string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(clt *http.Client) Option {
	return func(c *Client) {
		c.httpClient = clt
	}
}

// WithRequestsPerSecond limits the rate of requests sent to the server.
// A value <=0 disables the limit.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}

		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// New returns a client for the Zulip server at site, e.g.
// https://leanprover.zulipchat.com.
func New(site, email, apiKey string, opts ...Option) *Client {
	c := Client{
		baseURL: strings.TrimSuffix(site, "/") + "/api/v1",
		email:   email,
		apiKey:  apiKey,
		limiter: rate.NewLimiter(DefaultRequestsPerSecond, 1),
	}

	for _, o := range opts {
		o(&c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultHTTPClientTimeout}
	}

	if c.logger == nil {
		c.logger = zap.L().Named(loggerName)
	}

	return &c
}

// Message is a message in a stream.
type Message struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	Subject string `json:"subject"`
	Sender  string `json:"sender_email"`
}

type response struct {
	Result   string    `json:"result"`
	Msg      string    `json:"msg"`
	Code     string    `json:"code"`
	ID       int64     `json:"id"`
	Messages []Message `json:"messages"`
}

type narrowElem struct {
	Operator string `json:"operator"`
	Operand  string `json:"operand"`
}

// LastMessage returns the newest message in the topic of the stream.
// If the topic contains no messages, found is false.
// The content is returned in its raw markdown source form.
func (c *Client) LastMessage(ctx context.Context, stream, topic string) (content string, found bool, err error) {
	narrow, err := json.Marshal([]narrowElem{
		{Operator: "stream", Operand: stream},
		{Operator: "topic", Operand: topic},
	})
	if err != nil {
		return "", false, err
	}

	params := url.Values{}
	params.Set("anchor", "newest")
	params.Set("num_before", "1")
	params.Set("num_after", "0")
	params.Set("narrow", string(narrow))
	params.Set("apply_markdown", "false")

	resp, err := c.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil)
	if err != nil {
		return "", false, err
	}

	if len(resp.Messages) == 0 {
		c.logger.Debug(
			"topic has no messages",
			logfields.Event("zulip_topic_empty"),
			logfields.Stream(stream),
			logfields.Topic(topic),
		)

		return "", false, nil
	}

	sort.Slice(resp.Messages, func(i, j int) bool {
		return resp.Messages[i].ID < resp.Messages[j].ID
	})

	return resp.Messages[len(resp.Messages)-1].Content, true, nil
}

// PostMessage sends a message to the topic of the stream.
func (c *Client) PostMessage(ctx context.Context, stream, topic, content string) error {
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)

	resp, err := c.do(ctx, http.MethodPost, "/messages", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	c.logger.Debug(
		"message posted",
		logfields.Event("zulip_message_posted"),
		logfields.Stream(stream),
		logfields.Topic(topic),
		zap.Int64("zulip.message_id", resp.ID),
	)

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.email, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.NewRetryableAnytimeError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, syncerr.NewRetryableAnytimeError(fmt.Errorf("reading response body failed: %w", err))
	}

	var resp response
	// error responses are also json, the body is only parsed on a best
	// effort basis to extract the error message
	jsonErr := json.Unmarshal(respBody, &resp)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, c.statusError(httpResp, &resp)
	}

	if jsonErr != nil {
		return nil, fmt.Errorf("parsing response failed: %w", jsonErr)
	}

	if resp.Result != "success" {
		return nil, fmt.Errorf("server returned result %q: %s", resp.Result, resp.Msg)
	}

	return &resp, nil
}

func (c *Client) statusError(httpResp *http.Response, resp *response) error {
	err := fmt.Errorf("server returned status %s: %s", httpResp.Status, resp.Msg)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		retryAfter := retryAfterTime(httpResp.Header.Get("Retry-After"))

		c.logger.Info(
			"rate limit exceeded",
			logfields.Event("zulip_api_rate_limit_exceeded"),
			zap.Time("zulip_api_rate_limit_reset_time", retryAfter),
		)

		return syncerr.NewRetryableError(err, retryAfter)

	case httpResp.StatusCode >= 500:
		return syncerr.NewRetryableAnytimeError(err)
	}

	return err
}

func retryAfterTime(hdrVal string) time.Time {
	secs, err := strconv.ParseFloat(hdrVal, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}

	return time.Now().Add(time.Duration(secs * float64(time.Second)))
}
