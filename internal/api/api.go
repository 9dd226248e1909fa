// Package api is the plain request/response side of the chat backend: /ask,
// /chat, /negotiate and citation links.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const unknownError = "Unknown error"

// DefaultTimeout bounds Ask and Negotiate, which read their whole answer.
const DefaultTimeout = 30 * time.Second

// Error is a non-successful backend answer. Error returns the backend's
// message so it can be shown to users as-is.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// Headers returns the headers sent with every chat call. The bearer token is
// only attached when login is enabled and a token is present.
func Headers(idToken string, useLogin bool) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if useLogin && idToken != "" {
		headers["Authorization"] = "Bearer " + idToken
	}
	return headers
}

// Client calls the chat backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	useLogin   bool
	timeout    time.Duration
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout changes the deadline applied to Ask and Negotiate. Zero or
// less leaves them bounded by the caller's context only. Chat responses are
// streamed and never get this deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogin enables bearer authentication.
func WithLogin(useLogin bool) Option {
	return func(c *Client) {
		c.useLogin = useLogin
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "api").Logger()
	}
}

// New creates a Client for the backend at baseURL. An empty baseURL yields
// relative paths, which only suits CitationURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask posts req to /ask and returns the decoded answer unchanged.
func (c *Client) Ask(ctx context.Context, req protocol.ChatRequest, idToken string) (protocol.ChatAppResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.post(ctx, "/ask", req, idToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read /ask response")
	}

	var parsed map[string]any
	parseErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode > 299 {
		msg := unknownError
		if parseErr == nil {
			if s, ok := parsed["error"].(string); ok && s != "" {
				msg = s
			}
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("error", msg).Msg("ask failed")
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if parseErr != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "invalid response body: " + parseErr.Error()}
	}
	return protocol.ChatAppResponse(parsed), nil
}

// Chat posts req to /chat and returns the raw response. The caller owns the
// body, which stays readable until ctx ends.
func (c *Client) Chat(ctx context.Context, req protocol.ChatRequest, idToken string) (*http.Response, error) {
	return c.post(ctx, "/chat", req, idToken)
}

// Negotiate fetches a client access URL for the pub/sub connection.
func (c *Client) Negotiate(ctx context.Context) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/negotiate", nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build negotiate request")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "negotiate request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return "", &Error{StatusCode: resp.StatusCode, Message: "negotiate failed: " + resp.Status}
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "failed to decode negotiate response")
	}
	if body.URL == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: "negotiate response has no url"}
	}
	return body.URL, nil
}

// CitationURL returns the link to a cited source document.
func (c *Client) CitationURL(citation string) string {
	return c.baseURL + "/content/" + citation
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) post(ctx context.Context, path string, req protocol.ChatRequest, idToken string) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s request", path)
	}
	for k, v := range Headers(idToken, c.useLogin) {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug().Str("path", path).Int("messages", len(req.Messages)).Msg("posting request")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", path)
	}
	return resp, nil
}
