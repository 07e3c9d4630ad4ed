package controlplane

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/controlplane/cpmetrics"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

const tenantStatusMetricsInterval = 30 * time.Second

func runTenantStatusMetrics(ctx context.Context, store *registry.Store) {
	ticker := time.NewTicker(tenantStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateTenantStatusGauges(store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTenantStatusGauges(store)
		}
	}
}

func updateTenantStatusGauges(store *registry.Store) {
	counts, err := store.CountByStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update tenant status metrics")
		return
	}

	known := []registry.Status{
		registry.StatusPendingPayment,
		registry.StatusPending,
		registry.StatusProvisioning,
		registry.StatusActive,
		registry.StatusFailed,
		registry.StatusSuspended,
	}

	seen := make(map[registry.Status]struct{}, len(counts))

	// Stable label set for the known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
