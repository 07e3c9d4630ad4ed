package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Plan is the billing tier controlling which features a tenant site exposes.
type Plan string

const (
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// ParsePlan returns the Plan for a user-supplied string.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanBasic:
		return PlanBasic, true
	case PlanPro:
		return PlanPro, true
	default:
		return "", false
	}
}

// Status represents the lifecycle state of a tenant.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPending        Status = "pending"
	StatusProvisioning   Status = "provisioning"
	StatusActive         Status = "active"
	StatusFailed         Status = "failed"
	StatusSuspended      Status = "suspended"
)

// Tenant is one provisioned site instance: a subdomain, a hosting project,
// and a database branch, tied to a Stripe subscription.
type Tenant struct {
	ID                   string     `json:"id"`
	Subdomain            string     `json:"subdomain"`
	OwnerEmail           string     `json:"owner_email"`
	OwnerName            string     `json:"owner_name"`
	SiteName             string     `json:"site_name"`
	SiteDescription      string     `json:"site_description"`
	Plan                 Plan       `json:"plan"`
	Status               Status     `json:"status"`
	HostingProjectID     string     `json:"hosting_project_id"`
	DatabaseBranchID     string     `json:"database_branch_id"`
	BlobStoreID          string     `json:"blob_store_id"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	APIKey               string     `json:"-"`
	ProvisioningError    string     `json:"provisioning_error,omitempty"`
	ProvisionedAt        *time.Time `json:"provisioned_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	// Version increases on every write. Updates carry the version they read,
	// so concurrent webhook deliveries cannot both win the same transition.
	Version int64 `json:"version"`
}

// TeardownFailure is a durable record of a cloud-side deletion that did not
// complete when a tenant was removed. Reconciled out-of-band.
type TeardownFailure struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Subdomain string    `json:"subdomain"`
	Resource  string    `json:"resource"` // "hosting_project" or "database_branch"
	ResourceID string   `json:"resource_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrVersionConflict is returned when an update loses an optimistic
// concurrency race: the record changed since it was read.
var ErrVersionConflict = errors.New("tenant record was modified concurrently")

// StatusConflictError is returned when a guarded status transition finds the
// record in a different state than expected. In webhook context this usually
// means a legitimate idempotent replay.
type StatusConflictError struct {
	TenantID string
	Expected Status
	Actual   Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("tenant %s is %q, expected %q", e.TenantID, e.Actual, e.Expected)
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateTenantID returns a tenant ID of the form "t-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("t-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateAPIKey mints the per-tenant secret used by the tenant's own runtime
// to call back into the control plane. 32 random bytes, hex-encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk_" + hex.EncodeToString(b), nil
}
