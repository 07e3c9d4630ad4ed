package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stratalane/strata-control-plane/internal/dbbranch"
	"github.com/stratalane/strata-control-plane/internal/hosting"
	"github.com/stratalane/strata-control-plane/internal/registry"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTenant(t *testing.T, store *registry.Store, mod func(*registry.Tenant)) *registry.Tenant {
	t.Helper()
	tenant := &registry.Tenant{
		ID:              "t-0123456789",
		Subdomain:       "acme",
		OwnerEmail:      "owner@example.com",
		SiteName:        "Acme Inc",
		SiteDescription: "Everything for coyotes",
		Plan:            registry.PlanBasic,
		Status:          registry.StatusPending,
		APIKey:          "sk_testkey",
	}
	if mod != nil {
		mod(tenant)
	}
	if err := store.Create(tenant); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tenant
}

// fakeHosting is an in-memory hosting platform API.
type fakeHosting struct {
	mu             sync.Mutex
	projects       int
	stores         []string // "name/type"
	links          []string
	envVars        map[string]string
	domains        []string
	deployments    int
	deletedProject string

	failEnv           bool
	failProjectDelete bool
}

func (f *fakeHosting) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.projects++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "prj_1", "name": "strata-acme"})
	})
	mux.HandleFunc("POST /v1/stores", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.stores = append(f.stores, req.Name+"/"+req.Type)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "st_" + req.Type + "_1", "name": req.Name, "type": req.Type})
	})
	mux.HandleFunc("POST /v1/projects/{id}/links", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StoreID string `json:"store_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.links = append(f.links, req.StoreID)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PATCH /v1/projects/{id}/env", func(w http.ResponseWriter, r *http.Request) {
		if f.failEnv {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":"internal","message":"env service down"}}`)
			return
		}
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.envVars = req.Variables
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/projects/{id}/domains", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain string `json:"domain"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.domains = append(f.domains, req.Domain)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/projects/{id}/deployments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deployments++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "dpl_1", "target": "production"})
	})
	mux.HandleFunc("DELETE /v1/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.failProjectDelete {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":"internal","message":"delete failed"}}`)
			return
		}
		f.mu.Lock()
		f.deletedProject = r.PathValue("id")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeBranches is an in-memory database-branching API.
type fakeBranches struct {
	mu            sync.Mutex
	created       []string
	deletedBranch string

	failDelete bool
}

func (f *fakeBranches) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/projects/{pid}/branches", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.created = append(f.created, req.Name)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "br_1", "name": req.Name})
	})
	mux.HandleFunc("GET /v2/projects/{pid}/branches/{bid}/connection_uri", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"uri": "postgres://app_owner@db.example/app"})
	})
	mux.HandleFunc("DELETE /v2/projects/{pid}/branches/{bid}", func(w http.ResponseWriter, r *http.Request) {
		if f.failDelete {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message":"delete failed"}`)
			return
		}
		f.mu.Lock()
		f.deletedBranch = r.PathValue("bid")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T, store *registry.Store, fh *fakeHosting, fb *fakeBranches) *Orchestrator {
	t.Helper()
	hostingClient := hosting.NewClient("tok", "", hosting.WithBaseURL(fh.server(t).URL))
	var branchClient *dbbranch.Client
	if fb != nil {
		branchClient = dbbranch.NewClient(dbbranch.Config{
			APIKey:    "key",
			ProjectID: "tpl",
			BaseURL:   fb.server(t).URL,
		})
	}
	return NewOrchestrator(store, hostingClient, branchClient, "stratasites.app", "stratalane/site-template")
}

func TestProvisionHappyPathWithBranchAPI(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, nil)
	fh := &fakeHosting{}
	fb := &fakeBranches{}
	o := newTestOrchestrator(t, store, fh, fb)

	if err := o.Provision(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusActive {
		t.Fatalf("status = %q, want active (error=%q)", got.Status, got.ProvisioningError)
	}
	if got.ProvisionedAt == nil {
		t.Error("provisioned_at not set")
	}
	if got.HostingProjectID != "prj_1" || got.DatabaseBranchID != "br_1" || got.BlobStoreID != "st_blob_1" {
		t.Errorf("resource ids = %q/%q/%q", got.HostingProjectID, got.DatabaseBranchID, got.BlobStoreID)
	}

	if len(fb.created) != 1 || fb.created[0] != "acme" {
		t.Errorf("branches created = %v", fb.created)
	}
	if fh.envVars["DATABASE_URL"] != "postgres://app_owner@db.example/app" {
		t.Errorf("DATABASE_URL = %q", fh.envVars["DATABASE_URL"])
	}
	if fh.envVars["PLAN"] != "basic" || fh.envVars["TENANT_API_KEY"] != "sk_testkey" {
		t.Errorf("env vars = %v", fh.envVars)
	}
	if fh.envVars["PUBLIC_URL"] != "https://acme.stratasites.app" || fh.envVars["EMAIL_FROM"] != "noreply@acme.stratasites.app" {
		t.Errorf("derived env vars = %v", fh.envVars)
	}
	if len(fh.envVars["SESSION_SECRET"]) != 64 || len(fh.envVars["SIGNING_SECRET"]) != 64 {
		t.Errorf("secret lengths = %d/%d, want 64 hex chars", len(fh.envVars["SESSION_SECRET"]), len(fh.envVars["SIGNING_SECRET"]))
	}
	if len(fh.domains) != 1 || fh.domains[0] != "acme.stratasites.app" {
		t.Errorf("domains = %v", fh.domains)
	}
	if fh.deployments != 1 {
		t.Errorf("deployments = %d, want 1", fh.deployments)
	}
	// Branch API handles relational storage, so only the blob store goes
	// through the hosting platform.
	if len(fh.stores) != 1 || fh.stores[0] != "acme-blob/blob" {
		t.Errorf("stores = %v", fh.stores)
	}
}

func TestProvisionWithoutBranchAPIUsesManagedPostgres(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, nil)
	fh := &fakeHosting{}
	o := newTestOrchestrator(t, store, fh, nil)

	if err := o.Provision(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if got.DatabaseBranchID != "" {
		t.Errorf("branch id = %q, want empty without branch API", got.DatabaseBranchID)
	}
	if len(fh.stores) != 2 || fh.stores[0] != "acme-db/postgres" || fh.stores[1] != "acme-blob/blob" {
		t.Errorf("stores = %v", fh.stores)
	}
	if _, ok := fh.envVars["DATABASE_URL"]; ok {
		t.Error("DATABASE_URL must not be set, the platform injects it via the store link")
	}
}

func TestProvisionFailureKeepsEarlierResourceIDs(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, nil)
	fh := &fakeHosting{failEnv: true}
	fb := &fakeBranches{}
	o := newTestOrchestrator(t, store, fh, fb)

	err := o.Provision(context.Background(), tenant.ID)
	if err == nil {
		t.Fatal("expected error when env update fails")
	}

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ProvisioningError, "env service down") {
		t.Errorf("provisioning error = %q", got.ProvisioningError)
	}
	// Resources created before the failing step must stay referenced so the
	// retry reconciles instead of recreating.
	if got.HostingProjectID != "prj_1" || got.DatabaseBranchID != "br_1" || got.BlobStoreID != "st_blob_1" {
		t.Errorf("resource ids = %q/%q/%q", got.HostingProjectID, got.DatabaseBranchID, got.BlobStoreID)
	}
}

func TestProvisionRetryAfterFailureSucceeds(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, nil)
	fh := &fakeHosting{failEnv: true}
	fb := &fakeBranches{}
	o := newTestOrchestrator(t, store, fh, fb)

	if err := o.Provision(context.Background(), tenant.ID); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	fh.failEnv = false
	if err := o.Provision(context.Background(), tenant.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.ProvisioningError != "" {
		t.Errorf("provisioning error = %q, want cleared", got.ProvisioningError)
	}
}

func TestProvisionAlreadyActiveSkips(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, func(tn *registry.Tenant) {
		tn.Status = registry.StatusActive
	})
	fh := &fakeHosting{}
	o := newTestOrchestrator(t, store, fh, nil)

	if err := o.Provision(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if fh.projects != 0 || fh.deployments != 0 {
		t.Errorf("hosting calls = %d projects / %d deployments, want none", fh.projects, fh.deployments)
	}
}

func TestProvisionSkipsUnpaidTenant(t *testing.T) {
	store := newTestStore(t)
	tenant := seedTenant(t, store, func(tn *registry.Tenant) {
		tn.Status = registry.StatusPendingPayment
	})
	fh := &fakeHosting{}
	o := newTestOrchestrator(t, store, fh, nil)

	if err := o.Provision(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	got, _ := store.Get(tenant.ID)
	if got.Status != registry.StatusPendingPayment {
		t.Errorf("status = %q, must not provision before payment", got.Status)
	}
	if fh.projects != 0 {
		t.Errorf("projects created = %d, want 0", fh.projects)
	}
}

func TestProvisionDeletedTenantIsNoop(t *testing.T) {
	store := newTestStore(t)
	fh := &fakeHosting{}
	o := newTestOrchestrator(t, store, fh, nil)

	if err := o.Provision(context.Background(), "t-gone"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if fh.projects != 0 {
		t.Errorf("projects created = %d, want 0", fh.projects)
	}
}
