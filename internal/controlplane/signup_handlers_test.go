package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

func testConfig() *Config {
	return &Config{
		DataDir:         "/tmp",
		BaseDomain:      "stratasites.app",
		AdminKey:        "test-admin-key",
		PrimaryInstance: true,
		Stripe: StripeConfig{
			PriceIDBasic: "price_basic_123",
			PriceIDPro:   "price_pro_456",
		},
	}
}

func newSignupTest(t *testing.T) (*SignupHandlers, *registry.Store, *[]*stripelib.CheckoutSessionParams) {
	t.Helper()
	store, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var created []*stripelib.CheckoutSessionParams
	h := NewSignupHandlers(testConfig(), store)
	h.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		created = append(created, params)
		return &stripelib.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example.com/cs_test_1"}, nil
	}
	return h, store, &created
}

func postSignup(t *testing.T, h *SignupHandlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleSignup(rec, req)
	return rec
}

func TestHandleCheckSubdomain(t *testing.T) {
	h, store, _ := newSignupTest(t)

	rec := httptest.NewRecorder()
	h.HandleCheckSubdomain(rec, httptest.NewRequest(http.MethodGet, "/api/signup/check-subdomain?subdomain=Acme", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp checkSubdomainResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Available || resp.Subdomain != "acme" {
		t.Errorf("resp = %+v, want available with normalized subdomain acme", resp)
	}

	// Reserved names are unavailable with a verbatim message.
	rec = httptest.NewRecorder()
	h.HandleCheckSubdomain(rec, httptest.NewRequest(http.MethodGet, "/api/signup/check-subdomain?subdomain=www", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp = checkSubdomainResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available || !strings.Contains(resp.Message, "reserved") {
		t.Errorf("resp = %+v, want unavailable with reserved message", resp)
	}

	// Taken names are unavailable.
	if err := store.Create(&registry.Tenant{ID: "t-1", Subdomain: "acme", OwnerEmail: "a@example.com", Plan: registry.PlanBasic, Status: registry.StatusActive, APIKey: "sk_1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec = httptest.NewRecorder()
	h.HandleCheckSubdomain(rec, httptest.NewRequest(http.MethodGet, "/api/signup/check-subdomain?subdomain=acme", nil))
	resp = checkSubdomainResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available || !strings.Contains(resp.Message, "already taken") {
		t.Errorf("resp = %+v, want unavailable with taken message", resp)
	}
}

func TestHandleSignupCreatesReservation(t *testing.T) {
	h, store, created := newSignupTest(t)

	rec := postSignup(t, h, `{"subdomain":"Acme","email":"Owner@Example.com","name":"Avery","site_name":"Acme Inc","plan":"pro"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp signupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TenantID == "" || resp.CheckoutURL != "https://checkout.example.com/cs_test_1" {
		t.Fatalf("resp = %+v", resp)
	}

	tenant, err := store.Get(resp.TenantID)
	if err != nil || tenant == nil {
		t.Fatalf("Get(%s) = %v, %v", resp.TenantID, tenant, err)
	}
	if tenant.Status != registry.StatusPendingPayment {
		t.Errorf("status = %s, want pending_payment", tenant.Status)
	}
	if tenant.Subdomain != "acme" || tenant.OwnerEmail != "owner@example.com" || tenant.Plan != registry.PlanPro {
		t.Errorf("tenant = %+v", tenant)
	}
	if tenant.APIKey == "" {
		t.Error("tenant should get an API key at reservation time")
	}

	if len(*created) != 1 {
		t.Fatalf("checkout sessions created = %d, want 1", len(*created))
	}
	params := (*created)[0]
	if got := params.Metadata["tenant_id"]; got != resp.TenantID {
		t.Errorf("metadata tenant_id = %q, want %q", got, resp.TenantID)
	}
	if got := params.Metadata["subdomain"]; got != "acme" {
		t.Errorf("metadata subdomain = %q, want acme", got)
	}
	if len(params.LineItems) != 1 || *params.LineItems[0].Price != "price_pro_456" {
		t.Errorf("line items = %+v, want single pro price", params.LineItems)
	}
	if !strings.Contains(*params.SuccessURL, "stratasites.app") || !strings.Contains(*params.SuccessURL, "{CHECKOUT_SESSION_ID}") {
		t.Errorf("success URL = %q", *params.SuccessURL)
	}
}

func TestHandleSignupRejectsBadInput(t *testing.T) {
	h, _, created := newSignupTest(t)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"invalid-subdomain", `{"subdomain":"-bad-","email":"a@example.com","plan":"basic"}`, http.StatusBadRequest, "lowercase letters"},
		{"reserved-subdomain", `{"subdomain":"admin","email":"a@example.com","plan":"basic"}`, http.StatusBadRequest, "reserved"},
		{"invalid-email", `{"subdomain":"acme","email":"not-an-email","plan":"basic"}`, http.StatusBadRequest, "email"},
		{"unknown-plan", `{"subdomain":"acme","email":"a@example.com","plan":"enterprise"}`, http.StatusBadRequest, "unknown plan"},
		{"bad-json", `{"subdomain":`, http.StatusBadRequest, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postSignup(t, h, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.message) {
				t.Errorf("body = %s, want message containing %q", rec.Body.String(), tt.message)
			}
		})
	}
	if len(*created) != 0 {
		t.Errorf("checkout sessions created = %d, want 0", len(*created))
	}
}

func TestHandleSignupTakenSubdomain(t *testing.T) {
	h, store, created := newSignupTest(t)
	if err := store.Create(&registry.Tenant{ID: "t-1", Subdomain: "acme", OwnerEmail: "a@example.com", Plan: registry.PlanBasic, Status: registry.StatusActive, APIKey: "sk_1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := postSignup(t, h, `{"subdomain":"acme","email":"b@example.com","plan":"basic"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already taken") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(*created) != 0 {
		t.Error("no checkout session should be created for a taken subdomain")
	}
}

func TestHandleSignupCheckoutFailureReleasesReservation(t *testing.T) {
	h, store, _ := newSignupTest(t)
	h.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		return nil, errors.New("stripe is down")
	}

	rec := postSignup(t, h, `{"subdomain":"acme","email":"a@example.com","plan":"basic"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body=%s)", rec.Code, rec.Body.String())
	}

	tenant, err := store.GetBySubdomain("acme")
	if err != nil {
		t.Fatalf("GetBySubdomain: %v", err)
	}
	if tenant != nil {
		t.Errorf("reservation should be released, got %+v", tenant)
	}
}

func TestHandleSignupUnknownPriceConfig(t *testing.T) {
	h, store, _ := newSignupTest(t)
	h.cfg.Stripe.PriceIDBasic = ""

	rec := postSignup(t, h, `{"subdomain":"acme","email":"a@example.com","plan":"basic"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "plan not available") {
		t.Errorf("body = %s", rec.Body.String())
	}

	tenant, err := store.GetBySubdomain("acme")
	if err != nil {
		t.Fatalf("GetBySubdomain: %v", err)
	}
	if tenant != nil {
		t.Error("no record should be created when the plan has no price")
	}
}
