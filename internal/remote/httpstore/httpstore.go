// Package httpstore is a remote.Store that talks JSON over HTTP to the
// reference server.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/remote/server"
)

const maxResponseSize = 4 << 20 // 4MB

// Client implements remote.Store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ remote.Store = (*Client)(nil)

// New returns a client for the server at baseURL. A nil httpClient gets a
// client with the given timeout.
func New(baseURL string, timeout time.Duration, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}, nil
}

func (c *Client) Create(ctx context.Context, r record.Record) (record.Record, error) {
	var out record.Record
	err := c.do(ctx, "create", r.ID, http.MethodPost, "/records", r, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, id string, partial record.Record, expectedUpdatedAt time.Time) (record.Record, error) {
	var out record.Record
	body := server.UpdateRequest{Record: partial, ExpectedUpdatedAt: expectedUpdatedAt}
	err := c.do(ctx, "update", id, http.MethodPatch, "/records/"+url.PathEscape(id), body, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, "delete", id, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Get(ctx context.Context, id string) (record.Record, error) {
	var out record.Record
	err := c.do(ctx, "get", id, http.MethodGet, "/records/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListUpdatedSince(ctx context.Context, since time.Time) ([]record.Record, error) {
	path := "/records"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out server.ListResponse
	if err := c.do(ctx, "list", "", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", http.MethodGet, "/healthz", nil, nil)
}

// do performs one request and maps the response onto the remote error
// taxonomy: 409 is a conflict, 404 is ErrNotFound, 5xx and transport
// failures are transient, other statuses are returned as plain errors.
func (c *Client) do(ctx context.Context, op, id, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &remote.TransientError{Op: op, ID: id, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &remote.TransientError{Op: op, ID: id, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		var er server.ErrorResponse
		if err := json.Unmarshal(data, &er); err != nil || er.Record == nil {
			return fmt.Errorf("%s %s: conflict response without record", op, id)
		}
		return &remote.ConflictError{ID: id, Remote: *er.Record}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, id, remote.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &remote.TransientError{Op: op, ID: id, Err: statusError(resp.StatusCode, data)}
	default:
		return fmt.Errorf("%s %s: %w", op, id, statusError(resp.StatusCode, data))
	}
}

func statusError(code int, data []byte) error {
	var er server.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return fmt.Errorf("status %d: %s", code, er.Error)
	}
	return fmt.Errorf("status %d", code)
}
