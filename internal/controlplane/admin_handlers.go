package controlplane

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratalane/strata-control-plane/internal/controlplane/cpmetrics"
	"github.com/stratalane/strata-control-plane/internal/provision"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

// AdminKeyMiddleware requires a valid admin API key on every request it
// wraps, resolving the caller to an admin Actor.
func AdminKeyMiddleware(adminKey string, op Operation, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		actor := Actor{Kind: ActorAnonymous}
		if key != "" && adminKey != "" && key == adminKey {
			actor = Actor{Kind: ActorAdmin}
		}
		if !Allowed(actor, op) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleListTenants lists tenant records, optionally filtered by status.
func HandleListTenants(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		var tenants []*registry.Tenant
		var err error
		if statusFilter != "" {
			tenants, err = store.ListByStatus(registry.Status(statusFilter))
		} else {
			tenants, err = store.List()
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if tenants == nil {
			tenants = []*registry.Tenant{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"tenants": tenants,
			"count":   len(tenants),
		})
	}
}

// HandleDeleteTenant removes a tenant record, then tears its cloud resources
// down best-effort. The record goes first so a teardown hiccup can never
// leave a half-deleted tenant serving traffic.
func HandleDeleteTenant(store *registry.Store, teardown *provision.Teardown) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
		tenant, err := store.Get(tenantID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if tenant == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not found"})
			return
		}

		if err := store.Delete(tenantID); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		// Fresh context so teardown still runs if the request is cancelled.
		teardownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		teardown.Run(teardownCtx, tenant)

		log.Info().
			Str("tenant_id", tenantID).
			Str("subdomain", tenant.Subdomain).
			Msg("Tenant deleted")
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	}
}

// HandleListTeardownFailures lists cloud deletions that need manual cleanup.
func HandleListTeardownFailures(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		failures, err := store.ListTeardownFailures()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if failures == nil {
			failures = []*registry.TeardownFailure{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"failures": failures,
			"count":    len(failures),
		})
	}
}

type statusResponse struct {
	Version      string                  `json:"version"`
	TotalTenants int                     `json:"total_tenants"`
	ByStatus     map[registry.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks database connectivity (readiness probe).
func HandleReadyz(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := store.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus reports aggregate tenant counts.
func HandleStatus(store *registry.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		// Opportunistically sync gauges on status calls.
		total := 0
		for status, c := range counts {
			total += c
			cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Version:      version,
			TotalTenants: total,
			ByStatus:     counts,
		})
	}
}
