// Package client talks to the community backend over HTTP and websockets
// and exposes it through the store interfaces the core components use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-community/internal/session"
	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

const (
	requestTimeout   = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

// Unwrap lets callers test for the store and session sentinels.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return session.ErrNotSignedIn
	case http.StatusNotFound:
		return store.ErrNotFound
	}
	return nil
}

type Client struct {
	log    *log.Logger
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// New returns a client for the backend at baseURL. The cookie jar carries
// the session across HTTP calls and websocket handshakes.
func New(logger *log.Logger, baseURL string) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		log:  logger,
		base: base,
		http: &http.Client{
			Jar:       jar,
			Timeout:   requestTimeout,
			Transport: transport,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Jar:              jar,
		},
	}, nil
}

func (c *Client) url(p string, query url.Values) string {
	u := c.base.JoinPath(p)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a request and decodes a JSON response into out, which may be
// nil. in may be an io.Reader for raw bodies.
func (c *Client) do(ctx context.Context, method, p string, query url.Values, in, out any) error {
	var (
		body        io.Reader
		contentType string
	)
	switch v := in.(type) {
	case nil:
	case io.Reader:
		body = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(p, query), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.ToLower(http.StatusText(resp.StatusCode))}
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Message != "" {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

// Session returns the signed-in user, or an error wrapping
// session.ErrNotSignedIn.
func (c *Client) Session(ctx context.Context) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, nil, &u)
	return u, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil)
}
