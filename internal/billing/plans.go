// Package billing processes payment-provider webhook events and drives
// tenant status transitions, and serves tenant-initiated plan changes.
package billing

import (
	"strings"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

// PriceMap maps Stripe price IDs to plans for one deployment.
type PriceMap struct {
	Basic string
	Pro   string
}

// PlanFor resolves a Stripe price ID to a plan. The second return is false
// when the price does not belong to this deployment.
func (m PriceMap) PlanFor(priceID string) (registry.Plan, bool) {
	switch strings.TrimSpace(priceID) {
	case "":
		return "", false
	case m.Basic:
		return registry.PlanBasic, m.Basic != ""
	case m.Pro:
		return registry.PlanPro, m.Pro != ""
	default:
		return "", false
	}
}

// PriceFor returns the configured Stripe price ID for a plan, or "" when the
// deployment has no price configured for it.
func (m PriceMap) PriceFor(plan registry.Plan) string {
	switch plan {
	case registry.PlanBasic:
		return m.Basic
	case registry.PlanPro:
		return m.Pro
	default:
		return ""
	}
}

// IsDowngrade reports whether moving from one plan to another loses
// capabilities.
func IsDowngrade(from, to registry.Plan) bool {
	return from == registry.PlanPro && to == registry.PlanBasic
}
