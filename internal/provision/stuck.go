package provision

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

const (
	stuckCheckInterval  = 5 * time.Minute
	provisioningTimeout = 15 * time.Minute
)

// StuckSweeper transitions tenants stuck in provisioning for longer than
// provisioningTimeout to failed, so a crashed worker cannot strand them.
type StuckSweeper struct {
	store *registry.Store
}

// NewStuckSweeper creates a sweeper.
func NewStuckSweeper(store *registry.Store) *StuckSweeper {
	return &StuckSweeper{store: store}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *StuckSweeper) Run(ctx context.Context) {
	log.Info().Msg("Stuck provisioning sweeper started")

	ticker := time.NewTicker(stuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stuck provisioning sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StuckSweeper) sweep(ctx context.Context) {
	tenants, err := s.store.ListByStatus(registry.StatusProvisioning)
	if err != nil {
		log.Error().Err(err).Msg("Stuck provisioning sweep: failed to list provisioning tenants")
		return
	}

	cutoff := time.Now().UTC().Add(-provisioningTimeout)

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if tenant.UpdatedAt.After(cutoff) {
			continue // still inside the provisioning window
		}

		log.Warn().
			Str("tenant_id", tenant.ID).
			Str("subdomain", tenant.Subdomain).
			Dur("stuck_duration", time.Since(tenant.UpdatedAt)).
			Msg("Tenant stuck in provisioning, transitioning to failed")

		_, err := s.store.Transition(tenant.ID, []registry.Status{registry.StatusProvisioning}, registry.StatusFailed, func(t *registry.Tenant) {
			t.ProvisioningError = "provisioning timed out"
		})
		if err != nil {
			var conflict *registry.StatusConflictError
			if errors.As(err, &conflict) {
				continue // a worker finished in the meantime
			}
			log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Stuck provisioning sweep: failed to update tenant")
		}
	}
}
