package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

func backdateTenant(t *testing.T, store *registry.Store, tenantID string, age time.Duration) {
	t.Helper()
	stale := time.Now().UTC().Add(-age).Unix()
	if _, err := store.DB().Exec(`UPDATE tenants SET updated_at = ? WHERE id = ?`, stale, tenantID); err != nil {
		t.Fatalf("backdate tenant: %v", err)
	}
}

func TestSweepFailsStuckProvisioningTenant(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, func(tn *registry.Tenant) {
		tn.Status = registry.StatusProvisioning
	})
	backdateTenant(t, store, tenant.ID, 20*time.Minute)

	NewStuckSweeper(store).sweep(context.Background())

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ProvisioningError != "provisioning timed out" {
		t.Errorf("provisioning error = %q", got.ProvisioningError)
	}
}

func TestSweepLeavesRecentProvisioningAlone(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, func(tn *registry.Tenant) {
		tn.Status = registry.StatusProvisioning
	})

	NewStuckSweeper(store).sweep(context.Background())

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusProvisioning {
		t.Errorf("status = %q, want untouched provisioning", got.Status)
	}
}

func TestSweepIgnoresOtherStatuses(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, func(tn *registry.Tenant) {
		tn.Status = registry.StatusActive
	})
	backdateTenant(t, store, tenant.ID, time.Hour)

	NewStuckSweeper(store).sweep(context.Background())

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}
