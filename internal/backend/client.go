// Package backend is the HTTP client for the remote-management backend's
// VFS API, with retry, online tracking and bearer auth.
package backend

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/retry"
	"go.uber.org/zap"
)

// APIError is a non-success response that is not a missing path.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// ErrRefreshFailed is returned when the backend reports a failed refresh.
var ErrRefreshFailed = errors.New("refresh operation failed")

// Config holds client configuration.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	RetryConfig  retry.Config
	AuthToken    string
}

// Client talks to the backend's VFS endpoints.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	retryConfig  retry.Config
	pollInterval time.Duration

	mu        sync.RWMutex
	online    bool
	authToken string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig:  cfg.RetryConfig,
		pollInterval: cfg.PollInterval,
		online:       true,
		authToken:    cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline reports whether the last request reached the backend.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("backend is back online", zap.String("url", c.baseURL))
		} else {
			logging.Warn("backend is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// ListDirectory returns the collected children of path on a client.
func (c *Client) ListDirectory(ctx context.Context, clientID, path string) ([]File, error) {
	var resp ListResponse
	if err := c.getJSON(ctx, clientPath(clientID, "vfs-index", path), &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// FileDetails returns the collected stat of a single path on a client.
func (c *Client) FileDetails(ctx context.Context, clientID, path string) (File, error) {
	var resp DetailsResponse
	if err := c.getJSON(ctx, clientPath(clientID, "vfs-details", path), &resp); err != nil {
		return File{}, err
	}
	return resp.File, nil
}

// FileBlob downloads collected file content.
func (c *Client) FileBlob(ctx context.Context, clientID, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, clientPath(clientID, "vfs-blob", path), nil)
}

// StartRefresh asks the backend to re-collect path on a client.
func (c *Client) StartRefresh(ctx context.Context, clientID, path string, maxDepth int) (string, error) {
	body, err := json.Marshal(RefreshRequest{FilePath: mfs.Clean(path), MaxDepth: maxDepth})
	if err != nil {
		return "", err
	}
	data, err := c.do(ctx, http.MethodPost, "/api/v2/clients/"+url.PathEscape(clientID)+"/vfs-refresh-operations", body)
	if err != nil {
		return "", err
	}
	var op RefreshOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return "", fmt.Errorf("decode refresh operation: %w", err)
	}
	if op.OperationID == "" {
		return "", fmt.Errorf("backend returned no operation id")
	}
	return op.OperationID, nil
}

// RefreshState fetches the state of a refresh operation.
func (c *Client) RefreshState(ctx context.Context, clientID, operationID string) (RefreshStatus, error) {
	var status RefreshStatus
	p := "/api/v2/clients/" + url.PathEscape(clientID) + "/vfs-refresh-operations/" + url.PathEscape(operationID)
	err := c.getJSON(ctx, p, &status)
	return status, err
}

// WaitForRefresh polls a refresh operation until it leaves the running state.
func (c *Client) WaitForRefresh(ctx context.Context, clientID, operationID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.RefreshState(ctx, clientID, operationID)
		if err != nil {
			return err
		}
		switch status.State {
		case StateFinished:
			return nil
		case StateError:
			if status.Error != "" {
				return fmt.Errorf("%w: %s", ErrRefreshFailed, status.Error)
			}
			return ErrRefreshFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs a request with retries and returns the decoded body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept-Encoding", "gzip")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		var rd io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, err
			}
			defer gr.Close()
			rd = gr
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, retry.Retryable(err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.setOnline(true)
			return data, nil
		case resp.StatusCode == http.StatusNotFound:
			c.setOnline(true)
			return nil, mfs.ErrNotExist
		case resp.StatusCode >= 500:
			c.setOnline(false)
			return nil, retry.Retryable(apiError(resp.StatusCode, data))
		default:
			c.setOnline(true)
			return nil, apiError(resp.StatusCode, data)
		}
	})
}

func apiError(status int, body []byte) *APIError {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Message == "" {
		er.Message = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: status, Message: er.Message}
}

// clientPath builds /api/v2/clients/{id}/{kind}/{path} with each path
// segment escaped.
func clientPath(clientID, kind, path string) string {
	var b strings.Builder
	b.WriteString("/api/v2/clients/")
	b.WriteString(url.PathEscape(clientID))
	b.WriteString("/")
	b.WriteString(kind)
	for _, seg := range strings.Split(mfs.Relative(path), "/") {
		if seg == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}
