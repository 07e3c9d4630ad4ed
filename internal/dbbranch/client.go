// Package dbbranch is a thin client over a database-branching API. Each
// tenant gets an isolated branch of a shared template project's database.
package dbbranch

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
)

const defaultBaseURL = "https://api.strata-db.dev"

// Config holds the branching API settings. ProjectID identifies the template
// project whose database new branches are created from.
type Config struct {
	APIKey         string
	ProjectID      string
	ParentBranchID string // optional; the project default branch when empty
	DatabaseName   string
	RoleName       string
	BaseURL        string // override for tests; defaults to the public API
}

// Client talks to the database-branching API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a branching API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DatabaseName == "" {
		cfg.DatabaseName = "app"
	}
	if cfg.RoleName == "" {
		cfg.RoleName = "app_owner"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the branching API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("db branch api error (HTTP %d): %s", e.StatusCode, e.Message)
}

func isStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == status
}

// Branch is an isolated copy of the template database.
type Branch struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type createBranchRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

type connectionURIResponse struct {
	URI string `json:"uri"`
}

// CreateBranch creates a branch named after the tenant, optionally from the
// configured parent branch. An existing branch with the same name resolves to
// that branch.
func (c *Client) CreateBranch(ctx context.Context, name string) (*Branch, error) {
	path := "/v2/projects/" + url.PathEscape(c.cfg.ProjectID) + "/branches"

	var created Branch
	err := c.do(ctx, http.MethodPost, path, createBranchRequest{
		Name:     name,
		ParentID: c.cfg.ParentBranchID,
	}, &created)
	if err == nil {
		return &created, nil
	}
	if !isStatus(err, http.StatusConflict) {
		return nil, fmt.Errorf("create branch %q: %w", name, err)
	}

	var existing Branch
	if err := c.do(ctx, http.MethodGet, path+"/"+url.PathEscape(name), nil, &existing); err != nil {
		return nil, fmt.Errorf("fetch existing branch %q: %w", name, err)
	}
	return &existing, nil
}

// ConnectionString fetches the postgres connection URI for a branch, using
// the configured database and role names.
func (c *Client) ConnectionString(ctx context.Context, branchID string) (string, error) {
	path := "/v2/projects/" + url.PathEscape(c.cfg.ProjectID) +
		"/branches/" + url.PathEscape(branchID) +
		"/connection_uri?database=" + url.QueryEscape(c.cfg.DatabaseName) +
		"&role=" + url.QueryEscape(c.cfg.RoleName)

	var resp connectionURIResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fetch connection string for branch %s: %w", branchID, err)
	}
	if resp.URI == "" {
		return "", fmt.Errorf("connection string for branch %s is empty", branchID)
	}
	return resp.URI, nil
}

// DeleteBranch removes a branch. A 404 means it is already gone and counts
// as success.
func (c *Client) DeleteBranch(ctx context.Context, branchID string) error {
	path := "/v2/projects/" + url.PathEscape(c.cfg.ProjectID) + "/branches/" + url.PathEscape(branchID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("delete branch %s: %w", branchID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("db branch api request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &decoded) == nil {
			apiErr.Message = decoded.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode db branch api response: %w", err)
		}
	}
	return nil
}
