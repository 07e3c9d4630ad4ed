package controlplane

// ActorKind identifies who is making a request.
type ActorKind string

const (
	// ActorAnonymous is an unauthenticated caller (signup surface).
	ActorAnonymous ActorKind = "anonymous"
	// ActorTenant is a tenant site authenticated by its API key.
	ActorTenant ActorKind = "tenant"
	// ActorAdmin is an operator authenticated by the admin key.
	ActorAdmin ActorKind = "admin"
)

// Actor is a resolved caller identity.
type Actor struct {
	Kind     ActorKind
	TenantID string // set for ActorTenant
}

// Operation names one capability-gated action on the control plane.
type Operation string

const (
	OpSignup               Operation = "signup"
	OpCheckSubdomain       Operation = "check_subdomain"
	OpChangePlan           Operation = "change_plan"
	OpListTenants          Operation = "list_tenants"
	OpDeleteTenant         Operation = "delete_tenant"
	OpListTeardownFailures Operation = "list_teardown_failures"
	OpViewStatus           Operation = "view_status"
)

// Allowed is the single place access decisions are made. Handlers resolve an
// Actor and ask here instead of re-deriving rules inline.
func Allowed(actor Actor, op Operation) bool {
	if actor.Kind == ActorAdmin {
		return true
	}
	switch op {
	case OpSignup, OpCheckSubdomain:
		return actor.Kind == ActorAnonymous || actor.Kind == ActorTenant
	case OpChangePlan:
		return actor.Kind == ActorTenant
	default:
		return false
	}
}
