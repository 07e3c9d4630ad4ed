// Package hosting is a thin client over the Strata hosting platform API:
// projects, stores, environment variables, domains, and deployments.
//
// Every create call is idempotent-by-construction: "already exists" responses
// resolve to the existing resource instead of an error, so provisioning
// retries never need compensating deletes.
package hosting

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

const defaultBaseURL = "https://api.strata-hosting.dev"

// Client talks to the hosting platform API.
type Client struct {
	baseURL    string
	token      string
	teamID     string // optional team scope, appended as a query param
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a hosting platform client. teamID may be empty for
// personal-scope tokens.
func NewClient(token, teamID string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   strings.TrimSpace(token),
		teamID:  strings.TrimSpace(teamID),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the hosting platform.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosting api error (HTTP %d): code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsConflict reports whether err is an "already exists" style response.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && (apiErr.StatusCode == http.StatusConflict || apiErr.Code == "already_exists" || apiErr.Code == "domain_already_in_use")
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Project is a hosted site project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store is a managed storage resource attached to a project.
type Store struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Deployment is a triggered build of a project.
type Deployment struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

type createProjectRequest struct {
	Name         string `json:"name"`
	TemplateRepo string `json:"template_repo,omitempty"`
}

type createStoreRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type linkStoreRequest struct {
	StoreID string `json:"store_id"`
}

type setEnvRequest struct {
	Variables map[string]string `json:"variables"`
	Target    []string          `json:"target"`
}

type addDomainRequest struct {
	Domain string `json:"domain"`
}

type createDeploymentRequest struct {
	Target string `json:"target"`
}

// EnsureProject creates a project, or fetches it when one with the same name
// already exists. templateRepo optionally links a shared source template.
func (c *Client) EnsureProject(ctx context.Context, name, templateRepo string) (*Project, error) {
	var created Project
	err := c.do(ctx, http.MethodPost, "/v1/projects", createProjectRequest{
		Name:         name,
		TemplateRepo: templateRepo,
	}, &created)
	if err == nil {
		return &created, nil
	}
	if !IsConflict(err) {
		return nil, fmt.Errorf("create project %q: %w", name, err)
	}

	var existing Project
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(name), nil, &existing); err != nil {
		return nil, fmt.Errorf("fetch existing project %q: %w", name, err)
	}
	return &existing, nil
}

// EnsureBlobStore creates a managed blob store, or fetches the existing one.
func (c *Client) EnsureBlobStore(ctx context.Context, name string) (*Store, error) {
	return c.ensureStore(ctx, name, "blob")
}

// EnsurePostgresStore creates a managed relational store, or fetches the
// existing one. Used when the database-branch API is not configured.
func (c *Client) EnsurePostgresStore(ctx context.Context, name string) (*Store, error) {
	return c.ensureStore(ctx, name, "postgres")
}

func (c *Client) ensureStore(ctx context.Context, name, storeType string) (*Store, error) {
	var created Store
	err := c.do(ctx, http.MethodPost, "/v1/stores", createStoreRequest{Name: name, Type: storeType}, &created)
	if err == nil {
		return &created, nil
	}
	if !IsConflict(err) {
		return nil, fmt.Errorf("create %s store %q: %w", storeType, name, err)
	}

	var existing Store
	if err := c.do(ctx, http.MethodGet, "/v1/stores/"+url.PathEscape(name), nil, &existing); err != nil {
		return nil, fmt.Errorf("fetch existing store %q: %w", name, err)
	}
	return &existing, nil
}

// LinkStore attaches a store to a project. The platform injects the store's
// connection secrets into the project environment. Already-linked is success.
func (c *Client) LinkStore(ctx context.Context, projectID, storeID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/links", linkStoreRequest{StoreID: storeID}, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("link store %s to project %s: %w", storeID, projectID, err)
	}
	return nil
}

// SetEnvVars bulk-upserts production environment variables on a project.
func (c *Client) SetEnvVars(ctx context.Context, projectID string, vars map[string]string) error {
	err := c.do(ctx, http.MethodPatch, "/v1/projects/"+url.PathEscape(projectID)+"/env", setEnvRequest{
		Variables: vars,
		Target:    []string{"production"},
	}, nil)
	if err != nil {
		return fmt.Errorf("set env vars on project %s: %w", projectID, err)
	}
	return nil
}

// AddDomain attaches a custom domain to a project. "Domain already in use" is
// treated as success so retries stay idempotent.
func (c *Client) AddDomain(ctx context.Context, projectID, domain string) error {
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/domains", addDomainRequest{Domain: domain}, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("add domain %s to project %s: %w", domain, projectID, err)
	}
	return nil
}

// TriggerDeployment starts a production deployment of a project.
func (c *Client) TriggerDeployment(ctx context.Context, projectID string) (*Deployment, error) {
	var dep Deployment
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/deployments", createDeploymentRequest{Target: "production"}, &dep)
	if err != nil {
		return nil, fmt.Errorf("trigger deployment for project %s: %w", projectID, err)
	}
	return &dep, nil
}

// DeleteProject removes a project and everything attached to it. A 404 means
// the project is already gone and counts as success.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(projectID), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete project %s: %w", projectID, err)
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

	endpoint := c.baseURL + path
	if c.teamID != "" {
		endpoint += "?team_id=" + url.QueryEscape(c.teamID)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hosting api request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &decoded) == nil {
			apiErr.Code = decoded.Error.Code
			apiErr.Message = decoded.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode hosting api response: %w", err)
		}
	}
	return nil
}
