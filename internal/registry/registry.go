package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations for tenant records backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the control plane database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "tenants.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                     TEXT PRIMARY KEY,
		subdomain              TEXT NOT NULL UNIQUE,
		owner_email            TEXT NOT NULL DEFAULT '',
		owner_name             TEXT NOT NULL DEFAULT '',
		site_name              TEXT NOT NULL DEFAULT '',
		site_description       TEXT NOT NULL DEFAULT '',
		plan                   TEXT NOT NULL DEFAULT 'basic',
		status                 TEXT NOT NULL DEFAULT 'pending_payment',
		hosting_project_id     TEXT NOT NULL DEFAULT '',
		database_branch_id     TEXT NOT NULL DEFAULT '',
		blob_store_id          TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		api_key                TEXT NOT NULL DEFAULT '',
		provisioning_error     TEXT NOT NULL DEFAULT '',
		provisioned_at         INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		version                INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
	CREATE INDEX IF NOT EXISTS idx_tenants_stripe_customer_id ON tenants(stripe_customer_id);
	CREATE INDEX IF NOT EXISTS idx_tenants_api_key ON tenants(api_key);

	CREATE TABLE IF NOT EXISTS teardown_failures (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id   TEXT NOT NULL,
		subdomain   TEXT NOT NULL DEFAULT '',
		resource    TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init tenant store schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the job queue, which shares the
// control plane database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const tenantColumns = `
	id, subdomain, owner_email, owner_name, site_name, site_description,
	plan, status, hosting_project_id, database_branch_id, blob_store_id,
	stripe_customer_id, stripe_subscription_id, api_key, provisioning_error,
	provisioned_at, created_at, updated_at, version`

// Create inserts a new tenant record.
func (s *Store) Create(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Version == 0 {
		t.Version = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO tenants (
			id, subdomain, owner_email, owner_name, site_name, site_description,
			plan, status, hosting_project_id, database_branch_id, blob_store_id,
			stripe_customer_id, stripe_subscription_id, api_key, provisioning_error,
			provisioned_at, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subdomain, t.OwnerEmail, t.OwnerName, t.SiteName, t.SiteDescription,
		string(t.Plan), string(t.Status), t.HostingProjectID, t.DatabaseBranchID, t.BlobStoreID,
		t.StripeCustomerID, t.StripeSubscriptionID, t.APIKey, t.ProvisioningError,
		nullableTimeUnix(t.ProvisionedAt), t.CreatedAt.Unix(), t.UpdatedAt.Unix(), t.Version,
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// Get retrieves a tenant by ID. Returns (nil, nil) when not found.
func (s *Store) Get(id string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetBySubdomain retrieves a tenant by its subdomain.
func (s *Store) GetBySubdomain(subdomain string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE subdomain = ?`, subdomain)
	return scanTenant(row)
}

// GetByAPIKey retrieves a tenant by its API key.
func (s *Store) GetByAPIKey(apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE api_key = ?`, apiKey)
	return scanTenant(row)
}

// GetByStripeCustomerID retrieves a tenant by Stripe customer ID.
func (s *Store) GetByStripeCustomerID(customerID string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE stripe_customer_id = ?`, customerID)
	return scanTenant(row)
}

// SubdomainTaken reports whether another record (excluding excludeID) already
// holds the given subdomain.
func (s *Store) SubdomainTaken(subdomain, excludeID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM tenants WHERE subdomain = ? AND id <> ?`,
		subdomain, excludeID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subdomain: %w", err)
	}
	return true, nil
}

// Update writes the record back, guarded by the version the caller read.
// Returns ErrVersionConflict if the record changed in the meantime.
func (s *Store) Update(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	readVersion := t.Version
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE tenants SET
			subdomain = ?, owner_email = ?, owner_name = ?, site_name = ?, site_description = ?,
			plan = ?, status = ?, hosting_project_id = ?, database_branch_id = ?, blob_store_id = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, api_key = ?, provisioning_error = ?,
			provisioned_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		t.Subdomain, t.OwnerEmail, t.OwnerName, t.SiteName, t.SiteDescription,
		string(t.Plan), string(t.Status), t.HostingProjectID, t.DatabaseBranchID, t.BlobStoreID,
		t.StripeCustomerID, t.StripeSubscriptionID, t.APIKey, t.ProvisioningError,
		nullableTimeUnix(t.ProvisionedAt), t.UpdatedAt.Unix(),
		t.ID, readVersion,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either the row is gone or another writer bumped the version.
		existing, getErr := s.Get(t.ID)
		if getErr == nil && existing == nil {
			return fmt.Errorf("tenant %q not found", t.ID)
		}
		return ErrVersionConflict
	}
	t.Version = readVersion + 1
	return nil
}

// Transition applies a guarded status change: the record must currently be in
// one of the expected statuses, and the conditional write must win the
// version race. mutate may adjust other fields alongside the status change.
func (s *Store) Transition(id string, from []Status, to Status, mutate func(*Tenant)) (*Tenant, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("tenant %q not found", id)
	}

	allowed := false
	for _, f := range from {
		if t.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		expected := Status("")
		if len(from) > 0 {
			expected = from[0]
		}
		return nil, &StatusConflictError{TenantID: id, Expected: expected, Actual: t.Status}
	}

	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	if err := s.Update(t); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns all tenants, newest first.
func (s *Store) List() ([]*Tenant, error) {
	rows, err := s.db.Query(`SELECT` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListByStatus returns all tenants in a given status.
func (s *Store) ListByStatus(status Status) ([]*Tenant, error) {
	rows, err := s.db.Query(
		`SELECT`+tenantColumns+` FROM tenants WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list tenants by status: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// CountByStatus returns a map of status -> count.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tenants GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tenants by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// Delete removes a tenant record.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", id)
	}
	return nil
}

// RecordTeardownFailure persists a durable "teardown incomplete" record so
// leaked cloud resources can be reconciled out-of-band.
func (s *Store) RecordTeardownFailure(f *TeardownFailure) error {
	if f == nil {
		return fmt.Errorf("teardown failure is nil")
	}
	f.CreatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO teardown_failures (tenant_id, subdomain, resource, resource_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.TenantID, f.Subdomain, f.Resource, f.ResourceID, f.Reason, f.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record teardown failure: %w", err)
	}
	f.ID, _ = res.LastInsertId()
	return nil
}

// ListTeardownFailures returns all recorded teardown failures, newest first.
func (s *Store) ListTeardownFailures() ([]*TeardownFailure, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, subdomain, resource, resource_id, reason, created_at
		FROM teardown_failures ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list teardown failures: %w", err)
	}
	defer rows.Close()

	var failures []*TeardownFailure
	for rows.Next() {
		var f TeardownFailure
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Subdomain, &f.Resource, &f.ResourceID, &f.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan teardown failure: %w", err)
		}
		f.CreatedAt = time.Unix(createdAt, 0).UTC()
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var plan, status string
	var provisionedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.Subdomain, &t.OwnerEmail, &t.OwnerName, &t.SiteName, &t.SiteDescription,
		&plan, &status, &t.HostingProjectID, &t.DatabaseBranchID, &t.BlobStoreID,
		&t.StripeCustomerID, &t.StripeSubscriptionID, &t.APIKey, &t.ProvisioningError,
		&provisionedAt, &createdAt, &updatedAt, &t.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.Plan = Plan(plan)
	t.Status = Status(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if provisionedAt.Valid {
		ts := time.Unix(provisionedAt.Int64, 0).UTC()
		t.ProvisionedAt = &ts
	}
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
