package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/stratalane/strata-control-plane/internal/registry"
	"github.com/stratalane/strata-control-plane/internal/subdomain"
)

const signupBodyLimit = 16 * 1024

// SignupHandlers serves the public signup surface: subdomain availability
// checks and paid signups that reserve a record and hand off to checkout.
type SignupHandlers struct {
	cfg   *Config
	store *registry.Store

	// createCheckoutSession is a function field so tests can stub Stripe.
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewSignupHandlers creates the signup handlers.
func NewSignupHandlers(cfg *Config, store *registry.Store) *SignupHandlers {
	return &SignupHandlers{
		cfg:                   cfg,
		store:                 store,
		createCheckoutSession: stripesession.New,
	}
}

type signupRequest struct {
	Subdomain       string `json:"subdomain"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	SiteName        string `json:"site_name"`
	SiteDescription string `json:"site_description"`
	Plan            string `json:"plan"`
}

type signupResponse struct {
	TenantID    string `json:"tenant_id"`
	CheckoutURL string `json:"checkout_url"`
}

type checkSubdomainResponse struct {
	Available bool   `json:"available"`
	Subdomain string `json:"subdomain,omitempty"`
	Message   string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCheckSubdomain reports whether a subdomain could be claimed right
// now. Validation messages are returned verbatim for display.
func (h *SignupHandlers) HandleCheckSubdomain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	normalized, err := subdomain.ValidateForTenant(h.store, r.URL.Query().Get("subdomain"), nil)
	if err != nil {
		var verr *subdomain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusOK, checkSubdomainResponse{Available: false, Message: verr.Message})
			return
		}
		log.Error().Err(err).Msg("Subdomain availability check failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, checkSubdomainResponse{Available: true, Subdomain: normalized})
}

// HandleSignup reserves a tenant record in pending_payment and returns a
// checkout URL. The record only advances once the completed checkout webhook
// arrives.
func (h *SignupHandlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req signupRequest
	r.Body = http.MaxBytesReader(w, r.Body, signupBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	normalized, err := subdomain.ValidateForTenant(h.store, req.Subdomain, nil)
	if err != nil {
		var verr *subdomain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message})
			return
		}
		log.Error().Err(err).Msg("Signup subdomain validation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "a valid email address is required"})
		return
	}

	plan, ok := registry.ParsePlan(req.Plan)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown plan"})
		return
	}
	priceID := h.priceFor(plan)
	if priceID == "" {
		log.Error().Str("plan", string(plan)).Msg("Signup rejected, no price configured for plan")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "plan not available"})
		return
	}

	tenantID, err := registry.GenerateTenantID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	apiKey, err := registry.GenerateAPIKey()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	tenant := &registry.Tenant{
		ID:              tenantID,
		Subdomain:       normalized,
		OwnerEmail:      email,
		OwnerName:       strings.TrimSpace(req.Name),
		SiteName:        strings.TrimSpace(req.SiteName),
		SiteDescription: strings.TrimSpace(req.SiteDescription),
		Plan:            plan,
		Status:          registry.StatusPendingPayment,
		APIKey:          apiKey,
	}
	if err := h.store.Create(tenant); err != nil {
		// Unique constraint race with a concurrent signup for the same name.
		log.Warn().Err(err).Str("subdomain", normalized).Msg("Signup record creation failed")
		writeJSON(w, http.StatusConflict, errorResponse{Error: "this subdomain is already taken"})
		return
	}

	session, err := h.createCheckoutSession(&stripelib.CheckoutSessionParams{
		Mode:          stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		CustomerEmail: stripelib.String(email),
		SuccessURL:    stripelib.String("https://www." + h.cfg.BaseDomain + "/signup/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripelib.String("https://www." + h.cfg.BaseDomain + "/signup/cancelled"),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: map[string]string{
			"tenant_id": tenantID,
			"subdomain": normalized,
		},
	})
	if err != nil || session == nil || strings.TrimSpace(session.URL) == "" {
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("subdomain", normalized).
			Msg("Checkout session creation failed")
		// Release the reservation so the user can retry.
		if delErr := h.store.Delete(tenantID); delErr != nil {
			log.Warn().Err(delErr).Str("tenant_id", tenantID).Msg("Failed to release signup reservation")
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "unable to start checkout, please try again"})
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("subdomain", normalized).
		Str("plan", string(plan)).
		Msg("Signup created, awaiting checkout")
	writeJSON(w, http.StatusOK, signupResponse{TenantID: tenantID, CheckoutURL: session.URL})
}

func (h *SignupHandlers) priceFor(plan registry.Plan) string {
	switch plan {
	case registry.PlanBasic:
		return h.cfg.Stripe.PriceIDBasic
	case registry.PlanPro:
		return h.cfg.Stripe.PriceIDPro
	default:
		return ""
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("controlplane: encode response")
	}
}
