package controlplane

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratalane/strata-control-plane/internal/billing"
	"github.com/stratalane/strata-control-plane/internal/logging"
	"github.com/stratalane/strata-control-plane/internal/provision"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      *registry.Store
	Signup     *SignupHandlers
	Webhook    *billing.WebhookHandler
	PlanChange *billing.PlanChangeHandler
	Teardown   *provision.Teardown
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(op Operation, next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, op, next)
	}
	// Write paths live only on the primary instance; replicas serve reads and
	// probes so a stray webhook or signup can never race the primary.
	primaryOnly := func(next http.Handler) http.Handler {
		if deps.Config.PrimaryInstance {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Status is admin-only; metrics are private by default.
	mux.Handle("/status", adminAuth(OpViewStatus, HandleStatus(deps.Store, deps.Version)))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(OpViewStatus, metricsHandler))
	}

	// Public signup API (rate limited, primary only).
	signupLimiter := NewRateLimiter(10, time.Minute)
	checkLimiter := NewRateLimiter(60, time.Minute)
	mux.Handle("/api/signup", primaryOnly(signupLimiter.Middleware(http.HandlerFunc(deps.Signup.HandleSignup))))
	mux.Handle("/api/signup/check-subdomain", primaryOnly(checkLimiter.Middleware(http.HandlerFunc(deps.Signup.HandleCheckSubdomain))))

	// Billing webhook (signature-authenticated, primary only).
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/webhooks/billing", primaryOnly(webhookLimiter.Middleware(deps.Webhook)))

	// Tenant API (tenant-key-authenticated, primary only).
	mux.Handle("/tenant-api/change-plan", primaryOnly(deps.PlanChange))

	// Admin API (key-authenticated).
	mux.Handle("/admin/tenants", adminAuth(OpListTenants, HandleListTenants(deps.Store)))
	mux.Handle("/admin/tenants/{tenant_id}", adminAuth(OpDeleteTenant, HandleDeleteTenant(deps.Store, deps.Teardown)))
	mux.Handle("/admin/teardown-failures", adminAuth(OpListTeardownFailures, HandleListTeardownFailures(deps.Store)))
}

// RequestIDMiddleware tags each request's context with a correlation ID,
// honoring an X-Request-ID header when the caller supplies one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
