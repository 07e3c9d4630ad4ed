package provision

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/controlplane/cpmetrics"
	"github.com/stratalane/strata-control-plane/internal/dbbranch"
	"github.com/stratalane/strata-control-plane/internal/hosting"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

// Teardown releases a deleted tenant's cloud resources. Both deletions are
// best-effort and independent: a failure is logged and recorded for
// out-of-band reconciliation, never raised to the caller.
type Teardown struct {
	store    *registry.Store
	hosting  *hosting.Client
	branches *dbbranch.Client // nil when the branching API is not configured
}

// NewTeardown creates a teardown handler.
func NewTeardown(store *registry.Store, hostingClient *hosting.Client, branches *dbbranch.Client) *Teardown {
	return &Teardown{
		store:    store,
		hosting:  hostingClient,
		branches: branches,
	}
}

// Run deletes the tenant's hosting project and database branch. Called after
// the tenant record has been removed, so tenant is the last snapshot of it.
func (td *Teardown) Run(ctx context.Context, tenant *registry.Tenant) {
	if tenant == nil {
		return
	}

	if projectID := strings.TrimSpace(tenant.HostingProjectID); projectID != "" {
		if err := td.hosting.DeleteProject(ctx, projectID); err != nil {
			td.recordFailure(tenant, "hosting_project", projectID, err)
		} else {
			log.Info().
				Str("tenant_id", tenant.ID).
				Str("project_id", projectID).
				Msg("Teardown: hosting project deleted")
		}
	}

	branchID := strings.TrimSpace(tenant.DatabaseBranchID)
	if branchID != "" && td.branches != nil {
		if err := td.branches.DeleteBranch(ctx, branchID); err != nil {
			td.recordFailure(tenant, "database_branch", branchID, err)
		} else {
			log.Info().
				Str("tenant_id", tenant.ID).
				Str("branch_id", branchID).
				Msg("Teardown: database branch deleted")
		}
	}
}

func (td *Teardown) recordFailure(tenant *registry.Tenant, resource, resourceID string, cause error) {
	log.Error().Err(cause).
		Str("tenant_id", tenant.ID).
		Str("resource", resource).
		Str("resource_id", resourceID).
		Msg("Teardown step failed, recorded for manual cleanup")
	cpmetrics.TeardownFailuresTotal.WithLabelValues(resource).Inc()

	failure := &registry.TeardownFailure{
		TenantID:   tenant.ID,
		Subdomain:  tenant.Subdomain,
		Resource:   resource,
		ResourceID: resourceID,
		Reason:     cause.Error(),
	}
	if err := td.store.RecordTeardownFailure(failure); err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenant.ID).
			Str("resource", resource).
			Msg("Failed to record teardown failure")
	}
}
