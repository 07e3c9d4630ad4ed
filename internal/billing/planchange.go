package billing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

// PlanChangeHandler lets a tenant site request a plan change for its own
// subscription. It only swaps the subscription item's price at Stripe; the
// tenant record's plan is updated later by the Processor when the provider
// confirms the change, so there is a single write path for that field.
type PlanChangeHandler struct {
	store  *registry.Store
	prices PriceMap

	// Stripe calls are function fields so tests can stub them.
	getSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewPlanChangeHandler creates the tenant-facing plan change handler.
func NewPlanChangeHandler(store *registry.Store, prices PriceMap) *PlanChangeHandler {
	return &PlanChangeHandler{
		store:              store,
		prices:             prices,
		getSubscription:    subscription.Get,
		updateSubscription: subscription.Update,
	}
}

type planChangeRequest struct {
	Plan string `json:"plan"`
}

type planChangeResponse struct {
	Success bool   `json:"success"`
	Plan    string `json:"plan"`
}

// ServeHTTP authenticates the tenant by API key and swaps its subscription's
// price to the requested plan with prorated billing.
func (h *PlanChangeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	tenant, err := h.authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, webhookErrorResponse{Error: "invalid API key"})
		return
	}

	var req planChangeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid request body"})
		return
	}

	targetPlan, ok := registry.ParsePlan(req.Plan)
	if !ok {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "unknown plan"})
		return
	}
	if targetPlan == tenant.Plan {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "already on requested plan"})
		return
	}
	if strings.TrimSpace(tenant.StripeSubscriptionID) == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "no active subscription"})
		return
	}

	targetPrice := h.prices.PriceFor(targetPlan)
	if targetPrice == "" {
		log.Error().
			Str("tenant_id", tenant.ID).
			Str("plan", string(targetPlan)).
			Msg("Plan change rejected, no price configured for target plan")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "plan not available"})
		return
	}

	if err := h.swapSubscriptionPrice(tenant.StripeSubscriptionID, targetPrice); err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenant.ID).
			Str("subscription_id", tenant.StripeSubscriptionID).
			Str("plan", string(targetPlan)).
			Msg("Plan change failed at Stripe")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "plan change failed"})
		return
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("from", string(tenant.Plan)).
		Str("to", string(targetPlan)).
		Msg("Plan change requested at Stripe")
	writeJSON(w, http.StatusOK, planChangeResponse{Success: true, Plan: string(targetPlan)})
}

func (h *PlanChangeHandler) authenticate(r *http.Request) (*registry.Tenant, error) {
	auth := r.Header.Get("Authorization")
	apiKey, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing bearer credential")
	}
	tenant, err := h.store.GetByAPIKey(strings.TrimSpace(apiKey))
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by API key: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("unknown API key")
	}
	return tenant, nil
}

// swapSubscriptionPrice replaces the subscription's single priced item with
// the target price, prorating the difference.
func (h *PlanChangeHandler) swapSubscriptionPrice(subscriptionID, priceID string) error {
	sub, err := h.getSubscription(subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("retrieve subscription: %w", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", subscriptionID)
	}
	item := sub.Items.Data[0]

	_, err = h.updateSubscription(subscriptionID, &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{
			{
				ID:    stripelib.String(item.ID),
				Price: stripelib.String(priceID),
			},
		},
		ProrationBehavior: stripelib.String("create_prorations"),
	})
	if err != nil {
		return fmt.Errorf("update subscription item price: %w", err)
	}
	return nil
}
