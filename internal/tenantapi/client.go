// Package tenantapi calls into a tenant's own deployed site instance,
// authenticated with the tenant's API key.
package tenantapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client invokes endpoints exposed by deployed tenant sites.
type Client struct {
	baseDomain string
	httpClient *http.Client

	// endpointFor builds the cleanup URL for a subdomain. Overridable in
	// tests; defaults to the tenant's production domain.
	endpointFor func(subdomain string) string
}

// NewClient creates a tenant instance client for sites hosted under
// baseDomain (e.g. "stratasites.app").
func NewClient(baseDomain string) *Client {
	c := &Client{
		baseDomain: baseDomain,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	c.endpointFor = func(subdomain string) string {
		return fmt.Sprintf("https://%s.%s/api/internal/retention-cleanup", subdomain, c.baseDomain)
	}
	return c
}

type cleanupRequest struct {
	Plan string `json:"plan"`
}

// RetentionCleanup asks the tenant site to remove content its new plan no
// longer allows. Called on downgrade, authenticated with the tenant's own
// API key.
func (c *Client) RetentionCleanup(ctx context.Context, subdomain, apiKey, plan string) error {
	body, err := json.Marshal(cleanupRequest{Plan: plan})
	if err != nil {
		return fmt.Errorf("marshal cleanup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointFor(subdomain), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create cleanup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cleanup request to %s failed: %w", subdomain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cleanup on %s returned HTTP %d: %s", subdomain, resp.StatusCode, string(respBody))
	}
	return nil
}
