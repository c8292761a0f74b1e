// Package transport talks to the chat service: the /chats REST surface and the
// streaming send endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/session"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8088"
	DefaultTimeout = 30 * time.Second

	chatsPath   = "/chats"
	processPath = "/agent/process"

	maxErrorBody = 4 << 10
)

// ListFilter narrows GET /chats.
type ListFilter struct {
	UserID  string
	Channel string
}

// SendRequest is one user turn submitted to the streaming endpoint.
type SendRequest struct {
	Text      string
	SessionID string
	UserID    string
	Channel   string
}

type processRequest struct {
	Input     []processInput `json:"input"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel"`
	Stream    bool           `json:"stream"`
}

type processInput struct {
	Role    string           `json:"role"`
	Type    string           `json:"type"`
	Content []processContent `json:"content"`
}

type processContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Client is the HTTP transport. REST calls use a client with a timeout; the
// streaming call uses a client without one and is bounded by its context.
type Client struct {
	baseURL   string
	rest      *http.Client
	streaming *http.Client
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.rest = c
		}
	}
}

func WithStreamingHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.streaming = c
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.rest = &http.Client{Timeout: d}
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Wrapf(err, "transport: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:   baseURL,
		rest:      &http.Client{Timeout: DefaultTimeout},
		streaming: &http.Client{},
		userAgent: "chatsync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) ListChats(ctx context.Context, filter ListFilter) ([]session.ChatSpec, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.Channel != "" {
		q.Set("channel", filter.Channel)
	}
	path := chatsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []session.ChatSpec
	if err := c.doJSON(ctx, "list chats", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []session.ChatSpec{}
	}
	return out, nil
}

func (c *Client) GetChat(ctx context.Context, id string) (session.ChatHistory, error) {
	if session.IsLocalID(id) {
		return session.ChatHistory{}, ErrLocalID
	}
	var out session.ChatHistory
	err := c.doJSON(ctx, "get chat", http.MethodGet, chatsPath+"/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateChat(ctx context.Context, spec session.ChatSpec) (session.ChatSpec, error) {
	if session.IsLocalID(spec.ID) {
		spec.ID = ""
	}
	var out session.ChatSpec
	err := c.doJSON(ctx, "create chat", http.MethodPost, chatsPath, spec, &out)
	return out, err
}

func (c *Client) UpdateChat(ctx context.Context, spec session.ChatSpec) (session.ChatSpec, error) {
	if session.IsLocalID(spec.ID) {
		return session.ChatSpec{}, ErrLocalID
	}
	var out session.ChatSpec
	err := c.doJSON(ctx, "update chat", http.MethodPut, chatsPath+"/"+url.PathEscape(spec.ID), spec, &out)
	return out, err
}

func (c *Client) DeleteChat(ctx context.Context, id string) error {
	if session.IsLocalID(id) {
		return ErrLocalID
	}
	return c.doJSON(ctx, "delete chat", http.MethodDelete, chatsPath+"/"+url.PathEscape(id), nil, nil)
}

// SendMessage posts a user turn and returns the streaming response body. The
// caller must close it; cancelling ctx aborts the read.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	body := processRequest{
		Input: []processInput{{
			Role:    session.RoleUser,
			Type:    "message",
			Content: []processContent{{Type: "text", Text: req.Text}},
		}},
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Stream:    true,
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, processPath, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "send message", Method: http.MethodPost, URL: httpReq.URL.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError("send message", httpReq, resp)
	}
	log.Debug().Str("component", "transport").Str("session_id", req.SessionID).Msg("stream opened")
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "transport: encode request body")
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.rest.Do(req)
	if err != nil {
		return &TransportError{Op: op, Method: method, URL: req.URL.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Method: method, URL: req.URL.String(), Status: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func statusError(op string, req *http.Request, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Op:     op,
		Method: req.Method,
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(b)),
	}
}
