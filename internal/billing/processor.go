package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/hosting"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

// ProjectDeployer is the slice of the hosting client the processor needs to
// push a plan change to a deployed site. Satisfied by *hosting.Client.
type ProjectDeployer interface {
	SetEnvVars(ctx context.Context, projectID string, vars map[string]string) error
	TriggerDeployment(ctx context.Context, projectID string) (*hosting.Deployment, error)
}

// CleanupClient invokes a tenant site's data-retention cleanup endpoint.
// Satisfied by *tenantapi.Client.
type CleanupClient interface {
	RetentionCleanup(ctx context.Context, subdomain, apiKey, plan string) error
}

// Enqueuer schedules provisioning jobs. Satisfied by *provision.Enqueuer.
type Enqueuer interface {
	EnqueueProvision(ctx context.Context, tenantID string) error
}

// Processor applies verified billing events to tenant records. Every status
// change goes through a guarded transition so duplicate and out-of-order
// deliveries degrade to no-ops.
type Processor struct {
	store    *registry.Store
	prices   PriceMap
	hosting  ProjectDeployer // nil when hosting API is not configured
	cleanup  CleanupClient   // nil disables downgrade cleanup calls
	enqueuer Enqueuer
}

// NewProcessor creates a billing event processor.
func NewProcessor(store *registry.Store, prices PriceMap, deployer ProjectDeployer, cleanup CleanupClient, enqueuer Enqueuer) *Processor {
	return &Processor{
		store:    store,
		prices:   prices,
		hosting:  deployer,
		cleanup:  cleanup,
		enqueuer: enqueuer,
	}
}

// HandleCheckout records billing identifiers from a completed checkout and
// kicks off provisioning. Replayed deliveries find the record already past
// pending_payment and do nothing.
func (p *Processor) HandleCheckout(ctx context.Context, session CheckoutSession) error {
	tenantID := strings.TrimSpace(session.Metadata["tenant_id"])
	if tenantID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Msg("checkout.session.completed without tenant_id metadata, ignoring")
		return nil
	}

	tenant, err := p.store.Get(tenantID)
	if err != nil {
		return fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}
	if tenant == nil {
		log.Warn().
			Str("tenant_id", tenantID).
			Str("session_id", session.ID).
			Msg("checkout.session.completed for unknown tenant, ignoring")
		return nil
	}

	_, err = p.store.Transition(tenantID, []registry.Status{registry.StatusPendingPayment}, registry.StatusPending, func(t *registry.Tenant) {
		t.StripeCustomerID = strings.TrimSpace(session.Customer)
		t.StripeSubscriptionID = strings.TrimSpace(session.Subscription)
	})
	if err != nil {
		var conflict *registry.StatusConflictError
		if errors.As(err, &conflict) {
			log.Info().
				Str("tenant_id", tenantID).
				Str("status", string(conflict.Actual)).
				Msg("checkout.session.completed already processed, skipping")
			return nil
		}
		return fmt.Errorf("transition tenant %s to pending: %w", tenantID, err)
	}

	if err := p.enqueuer.EnqueueProvision(ctx, tenantID); err != nil {
		return fmt.Errorf("enqueue provisioning for tenant %s: %w", tenantID, err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("customer_id", strings.TrimSpace(session.Customer)).
		Msg("Checkout completed, provisioning enqueued")
	return nil
}

// HandleSubscriptionDeleted suspends an active tenant whose subscription was
// canceled at the billing provider.
func (p *Processor) HandleSubscriptionDeleted(ctx context.Context, sub Subscription) error {
	tenant, err := p.tenantByCustomer(sub.Customer, "subscription.deleted")
	if err != nil || tenant == nil {
		return err
	}
	p.suspendIfActive(tenant, "subscription deleted")
	return nil
}

// HandleInvoicePaymentFailed suspends an active tenant after a failed payment.
func (p *Processor) HandleInvoicePaymentFailed(ctx context.Context, invoice Invoice) error {
	tenant, err := p.tenantByCustomer(invoice.Customer, "invoice.payment_failed")
	if err != nil || tenant == nil {
		return err
	}
	p.suspendIfActive(tenant, "invoice payment failed")
	return nil
}

// HandleSubscriptionUpdated syncs tenant status and plan with the
// subscription's current state.
func (p *Processor) HandleSubscriptionUpdated(ctx context.Context, sub Subscription) error {
	tenant, err := p.tenantByCustomer(sub.Customer, "subscription.updated")
	if err != nil || tenant == nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(sub.Status)) {
	case "past_due", "unpaid", "canceled":
		if updated := p.suspendIfActive(tenant, "subscription "+sub.Status); updated != nil {
			tenant = updated
		}
	case "active":
		updated, err := p.store.Transition(tenant.ID, []registry.Status{registry.StatusSuspended}, registry.StatusActive, nil)
		if err != nil {
			var conflict *registry.StatusConflictError
			if !errors.As(err, &conflict) {
				return fmt.Errorf("restore tenant %s: %w", tenant.ID, err)
			}
		} else {
			log.Info().Str("tenant_id", tenant.ID).Msg("Tenant restored to active")
			tenant = updated
		}
	}

	plan, known := p.prices.PlanFor(sub.FirstPriceID())
	if known && plan != tenant.Plan {
		p.applyPlanChange(ctx, tenant, plan)
	}
	return nil
}

func (p *Processor) tenantByCustomer(customerID, eventType string) (*registry.Tenant, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%s event missing customer", eventType)
	}
	tenant, err := p.store.GetByStripeCustomerID(customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by customer: %w", err)
	}
	if tenant == nil {
		log.Warn().Str("customer_id", customerID).Str("type", eventType).Msg("billing event for unknown customer, ignoring")
		return nil, nil
	}
	return tenant, nil
}

// suspendIfActive moves an active tenant to suspended. Returns the updated
// record, or nil when the transition did not apply.
func (p *Processor) suspendIfActive(tenant *registry.Tenant, reason string) *registry.Tenant {
	updated, err := p.store.Transition(tenant.ID, []registry.Status{registry.StatusActive}, registry.StatusSuspended, nil)
	if err != nil {
		var conflict *registry.StatusConflictError
		if errors.As(err, &conflict) {
			log.Info().
				Str("tenant_id", tenant.ID).
				Str("status", string(conflict.Actual)).
				Str("reason", reason).
				Msg("Suspend skipped, tenant not active")
		} else {
			log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to suspend tenant")
		}
		return nil
	}
	log.Info().Str("tenant_id", tenant.ID).Str("reason", reason).Msg("Tenant suspended")
	return updated
}

// applyPlanChange persists the new plan and pushes it to the deployed site.
// The steps are independent: one failing is logged and must not stop the
// others.
func (p *Processor) applyPlanChange(ctx context.Context, tenant *registry.Tenant, plan registry.Plan) {
	previous := tenant.Plan

	persisted := false
	for attempt := 0; attempt < 3; attempt++ {
		tenant.Plan = plan
		err := p.store.Update(tenant)
		if err == nil {
			persisted = true
			break
		}
		if !errors.Is(err, registry.ErrVersionConflict) {
			log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to persist plan change")
			break
		}
		reloaded, getErr := p.store.Get(tenant.ID)
		if getErr != nil || reloaded == nil {
			log.Error().Err(getErr).Str("tenant_id", tenant.ID).Msg("Failed to reload tenant during plan change")
			break
		}
		tenant = reloaded
	}
	if persisted {
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("from", string(previous)).
			Str("to", string(plan)).
			Msg("Plan changed")
	}

	if p.hosting != nil && strings.TrimSpace(tenant.HostingProjectID) != "" {
		if err := p.hosting.SetEnvVars(ctx, tenant.HostingProjectID, map[string]string{
			"PLAN": string(plan),
		}); err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenant.ID).
				Str("project_id", tenant.HostingProjectID).
				Msg("Failed to update plan environment variable")
		}
		if _, err := p.hosting.TriggerDeployment(ctx, tenant.HostingProjectID); err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenant.ID).
				Str("project_id", tenant.HostingProjectID).
				Msg("Failed to trigger redeploy after plan change")
		}
	}

	if IsDowngrade(previous, plan) && p.cleanup != nil {
		if err := p.cleanup.RetentionCleanup(ctx, tenant.Subdomain, tenant.APIKey, string(plan)); err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenant.ID).
				Str("subdomain", tenant.Subdomain).
				Msg("Failed to run retention cleanup after downgrade")
		}
	}
}
