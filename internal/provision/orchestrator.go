// Package provision materializes tenant sites on the hosting platform and
// tears them back down. Provisioning runs as a retryable background job;
// every external call tolerates "already exists" so retries reconcile
// partially-created resources instead of compensating for them.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/controlplane/cpmetrics"
	"github.com/stratalane/strata-control-plane/internal/dbbranch"
	"github.com/stratalane/strata-control-plane/internal/hosting"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

// Orchestrator drives a tenant record from pending to active by creating the
// cloud resources its site needs.
type Orchestrator struct {
	store        *registry.Store
	hosting      *hosting.Client
	branches     *dbbranch.Client // nil when the branching API is not configured
	baseDomain   string
	templateRepo string
	emailDomain  string // optional; defaults to the tenant's own domain
}

// NewOrchestrator creates a provisioning orchestrator. branches may be nil,
// in which case relational storage is provisioned through the hosting
// platform instead of the branching API.
func NewOrchestrator(store *registry.Store, hostingClient *hosting.Client, branches *dbbranch.Client, baseDomain, templateRepo string) *Orchestrator {
	return &Orchestrator{
		store:        store,
		hosting:      hostingClient,
		branches:     branches,
		baseDomain:   baseDomain,
		templateRepo: templateRepo,
	}
}

// Provision creates the hosting project, storage, environment, domain, and
// first deployment for a tenant, then marks it active. Resource ids are
// persisted as soon as each resource exists, so a failure partway through
// leaves everything already created referenced by the record.
func (o *Orchestrator) Provision(ctx context.Context, tenantID string) (err error) {
	cpmetrics.ProvisioningTotal.WithLabelValues("attempt").Inc()
	skippedActive := false
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		} else if skippedActive {
			outcome = "skipped_active"
		}
		cpmetrics.ProvisioningTotal.WithLabelValues(outcome).Inc()
	}()

	tenant, err := o.store.Get(tenantID)
	if err != nil {
		return fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}
	if tenant == nil {
		log.Warn().Str("tenant_id", tenantID).Msg("Provisioning job for deleted tenant, skipping")
		return nil
	}
	if tenant.Status == registry.StatusActive {
		log.Info().Str("tenant_id", tenantID).Msg("Tenant already active, skipping provisioning")
		skippedActive = true
		return nil
	}

	from := []registry.Status{registry.StatusPending, registry.StatusFailed, registry.StatusProvisioning}
	tenant, err = o.store.Transition(tenantID, from, registry.StatusProvisioning, func(t *registry.Tenant) {
		t.ProvisioningError = ""
	})
	if err != nil {
		var conflict *registry.StatusConflictError
		if errors.As(err, &conflict) {
			log.Warn().
				Str("tenant_id", tenantID).
				Str("status", string(conflict.Actual)).
				Msg("Tenant not in a provisionable status, skipping")
			return nil
		}
		return fmt.Errorf("transition tenant %s to provisioning: %w", tenantID, err)
	}

	if err := o.runSteps(ctx, tenant); err != nil {
		o.persistFailure(tenantID, err)
		return err
	}

	if _, err := o.store.Transition(tenantID, []registry.Status{registry.StatusProvisioning}, registry.StatusActive, func(t *registry.Tenant) {
		now := time.Now().UTC()
		t.ProvisionedAt = &now
	}); err != nil {
		return fmt.Errorf("transition tenant %s to active: %w", tenantID, err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("subdomain", tenant.Subdomain).
		Msg("Tenant provisioned")
	return nil
}

func (o *Orchestrator) runSteps(ctx context.Context, tenant *registry.Tenant) error {
	sub := tenant.Subdomain

	project, err := o.hosting.EnsureProject(ctx, "strata-"+sub, o.templateRepo)
	if err != nil {
		return fmt.Errorf("ensure hosting project: %w", err)
	}
	if err := o.persistResourceIDs(tenant.ID, func(t *registry.Tenant) {
		t.HostingProjectID = project.ID
	}); err != nil {
		return err
	}

	databaseURL := ""
	if o.branches != nil {
		branch, err := o.branches.CreateBranch(ctx, sub)
		if err != nil {
			return fmt.Errorf("create database branch: %w", err)
		}
		if err := o.persistResourceIDs(tenant.ID, func(t *registry.Tenant) {
			t.DatabaseBranchID = branch.ID
		}); err != nil {
			return err
		}
		databaseURL, err = o.branches.ConnectionString(ctx, branch.ID)
		if err != nil {
			return fmt.Errorf("fetch branch connection string: %w", err)
		}
	} else {
		// No branching API: managed Postgres from the hosting platform, with
		// connection secrets injected by the link below.
		pg, err := o.hosting.EnsurePostgresStore(ctx, sub+"-db")
		if err != nil {
			return fmt.Errorf("ensure postgres store: %w", err)
		}
		if err := o.hosting.LinkStore(ctx, project.ID, pg.ID); err != nil {
			return fmt.Errorf("link postgres store: %w", err)
		}
	}

	blob, err := o.hosting.EnsureBlobStore(ctx, sub+"-blob")
	if err != nil {
		return fmt.Errorf("ensure blob store: %w", err)
	}
	if err := o.hosting.LinkStore(ctx, project.ID, blob.ID); err != nil {
		return fmt.Errorf("link blob store: %w", err)
	}
	if err := o.persistResourceIDs(tenant.ID, func(t *registry.Tenant) {
		t.BlobStoreID = blob.ID
	}); err != nil {
		return err
	}

	sessionSecret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("generate session secret: %w", err)
	}
	signingSecret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("generate signing secret: %w", err)
	}
	domain := sub + "." + o.baseDomain
	vars := map[string]string{
		"SESSION_SECRET":   sessionSecret,
		"SIGNING_SECRET":   signingSecret,
		"TENANT_API_KEY":   tenant.APIKey,
		"SITE_NAME":        tenant.SiteName,
		"SITE_DESCRIPTION": tenant.SiteDescription,
		"PUBLIC_URL":       "https://" + domain,
		"EMAIL_FROM":       "noreply@" + domain,
		"PLAN":             string(tenant.Plan),
	}
	if databaseURL != "" {
		vars["DATABASE_URL"] = databaseURL
	}
	if err := o.hosting.SetEnvVars(ctx, project.ID, vars); err != nil {
		return fmt.Errorf("set environment variables: %w", err)
	}

	if err := o.hosting.AddDomain(ctx, project.ID, domain); err != nil {
		return fmt.Errorf("attach domain %s: %w", domain, err)
	}

	if _, err := o.hosting.TriggerDeployment(ctx, project.ID); err != nil {
		return fmt.Errorf("trigger deployment: %w", err)
	}
	return nil
}

// persistResourceIDs writes newly created resource ids through a short
// version-retry loop, so concurrent billing writes cannot discard them.
func (o *Orchestrator) persistResourceIDs(tenantID string, mutate func(*registry.Tenant)) error {
	for attempt := 0; attempt < 3; attempt++ {
		tenant, err := o.store.Get(tenantID)
		if err != nil {
			return fmt.Errorf("reload tenant %s: %w", tenantID, err)
		}
		if tenant == nil {
			return fmt.Errorf("tenant %s disappeared during provisioning", tenantID)
		}
		mutate(tenant)
		err = o.store.Update(tenant)
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrVersionConflict) {
			return fmt.Errorf("persist resource ids for tenant %s: %w", tenantID, err)
		}
	}
	return fmt.Errorf("persist resource ids for tenant %s: %w", tenantID, registry.ErrVersionConflict)
}

func (o *Orchestrator) persistFailure(tenantID string, cause error) {
	_, err := o.store.Transition(tenantID, []registry.Status{registry.StatusProvisioning}, registry.StatusFailed, func(t *registry.Tenant) {
		t.ProvisioningError = cause.Error()
	})
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Msg("Failed to record provisioning failure")
		return
	}
	log.Error().Err(cause).
		Str("tenant_id", tenantID).
		Msg("Provisioning failed")
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
