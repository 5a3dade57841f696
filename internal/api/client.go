// Package api is a typed client for the chat backend's HTTP surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorBody = 512

type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a client for baseURL. token is consulted on every authenticated
// request so logins and logouts take effect without rebuilding the client.
func New(baseURL string, token func() string, opts ...Option) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{},
		token:   token,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	var out TokenResponse
	if err := c.do(ctx, "register", http.MethodPost, "/register", false, Credentials{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &Error{Op: "register", Kind: ErrNetwork, Err: fmt.Errorf("empty access_token")}
	}
	return out.AccessToken, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out TokenResponse
	if err := c.do(ctx, "login", http.MethodPost, "/login", false, Credentials{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &Error{Op: "login", Kind: ErrNetwork, Err: fmt.Errorf("empty access_token")}
	}
	return out.AccessToken, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionDTO, error) {
	var out HistoryResponse
	if err := c.do(ctx, "list sessions", http.MethodGet, "/chat_history", true, nil, &out); err != nil {
		return nil, err
	}
	if out.ChatSessions == nil {
		return []SessionDTO{}, nil
	}
	return out.ChatSessions, nil
}

func (c *Client) GetSession(ctx context.Context, id string) ([]MessageDTO, error) {
	var out SessionResponse
	if err := c.do(ctx, "get session", http.MethodGet, "/chat_session/"+url.PathEscape(id), true, nil, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		return []MessageDTO{}, nil
	}
	return out.Messages, nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var out NewChatResponse
	if err := c.do(ctx, "create session", http.MethodPost, "/new_chat", true, TitleRequest{Title: title}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ChatSessionID) == "" {
		return "", &Error{Op: "create session", Kind: ErrNetwork, Err: fmt.Errorf("empty chat_session_id")}
	}
	return out.ChatSessionID, nil
}

func (c *Client) RenameSession(ctx context.Context, id, title string) error {
	return c.do(ctx, "rename session", http.MethodPut, "/rename_chat/"+url.PathEscape(id), true, TitleRequest{Title: title}, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, "delete session", http.MethodDelete, "/delete_chat/"+url.PathEscape(id), true, nil, nil)
}

func (c *Client) Chat(ctx context.Context, sessionID, message string) (string, error) {
	var out ChatResponse
	if err := c.do(ctx, "chat", http.MethodPost, "/chat", true, ChatRequest{ChatSessionID: sessionID, Message: message}, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) StopGeneration(ctx context.Context) error {
	return c.do(ctx, "stop generation", http.MethodPost, "/stop_generation", true, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, authed bool, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Kind: ErrNetwork, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Kind: ErrNetwork, Err: fmt.Errorf("build request: %w", err)}
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		tok := c.token()
		if tok == "" {
			return &Error{Op: op, Kind: ErrAuth, Err: fmt.Errorf("no bearer token")}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		classified := transportError(ctx, op, err)
		c.logger.Debug("backend request did not complete",
			zap.String("op", op),
			zap.String("request_id", requestID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(classified),
		)
		return classified
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)), !authed)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(ctx, op, err)
		}
		return &Error{Op: op, Status: resp.StatusCode, Kind: ErrNetwork, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
