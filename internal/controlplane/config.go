// Package controlplane is the Strata control plane service: signup, billing
// webhooks, provisioning dispatch, and the admin surface.
package controlplane

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// HostingConfig holds the hosting platform API settings.
type HostingConfig struct {
	Token        string
	TeamID       string
	TemplateRepo string
	APIURL       string // override for tests; empty means the public API
}

// BranchConfig holds the database-branching API settings. The feature is
// enabled when APIKey is set; without it, relational storage falls back to
// the hosting platform's managed Postgres.
type BranchConfig struct {
	APIKey         string
	ProjectID      string
	ParentBranchID string
	DatabaseName   string
	RoleName       string
	APIURL         string
}

// Enabled reports whether the branching API is configured.
func (b BranchConfig) Enabled() bool {
	return strings.TrimSpace(b.APIKey) != ""
}

// StripeConfig holds billing settings.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	PriceIDBasic  string
	PriceIDPro    string
}

// Config holds all configuration for the control plane.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	BaseDomain  string // tenant sites live at <subdomain>.<BaseDomain>
	AdminKey    string

	// PrimaryInstance marks the one deployment that handles signup, webhooks,
	// and plan changes. Replicas serve 404 on those surfaces so a billing
	// event is never processed twice.
	PrimaryInstance bool
	PublicMetrics   bool

	Hosting HostingConfig
	Branch  BranchConfig
	Stripe  StripeConfig
}

// ControlPlaneDir returns the directory for the control plane's own data
// (tenant store, job queue).
func (c *Config) ControlPlaneDir() string {
	return filepath.Join(c.DataDir, "control-plane")
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("CP_PORT", 8443)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:         envOrDefault("CP_DATA_DIR", "/data"),
		BindAddress:     envOrDefault("CP_BIND_ADDRESS", "0.0.0.0"),
		Port:            port,
		BaseDomain:      strings.TrimSpace(os.Getenv("CP_BASE_DOMAIN")),
		AdminKey:        strings.TrimSpace(os.Getenv("CP_ADMIN_KEY")),
		PrimaryInstance: envBool("CP_PRIMARY_INSTANCE", true),
		PublicMetrics:   envBool("CP_PUBLIC_METRICS", false),
		Hosting: HostingConfig{
			Token:        strings.TrimSpace(os.Getenv("HOSTING_API_TOKEN")),
			TeamID:       strings.TrimSpace(os.Getenv("HOSTING_TEAM_ID")),
			TemplateRepo: strings.TrimSpace(os.Getenv("HOSTING_TEMPLATE_REPO")),
			APIURL:       strings.TrimSpace(os.Getenv("HOSTING_API_URL")),
		},
		Branch: BranchConfig{
			APIKey:         strings.TrimSpace(os.Getenv("BRANCH_API_KEY")),
			ProjectID:      strings.TrimSpace(os.Getenv("BRANCH_PROJECT_ID")),
			ParentBranchID: strings.TrimSpace(os.Getenv("BRANCH_PARENT_ID")),
			DatabaseName:   strings.TrimSpace(os.Getenv("BRANCH_DATABASE_NAME")),
			RoleName:       strings.TrimSpace(os.Getenv("BRANCH_ROLE_NAME")),
			APIURL:         strings.TrimSpace(os.Getenv("BRANCH_API_URL")),
		},
		Stripe: StripeConfig{
			APIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
			WebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
			PriceIDBasic:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_BASIC")),
			PriceIDPro:    strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "CP_ADMIN_KEY")
	}
	if c.BaseDomain == "" {
		missing = append(missing, "CP_BASE_DOMAIN")
	}
	if c.Hosting.Token == "" {
		missing = append(missing, "HOSTING_API_TOKEN")
	}
	if c.PrimaryInstance {
		// Only the primary instance talks to Stripe.
		if c.Stripe.APIKey == "" {
			missing = append(missing, "STRIPE_API_KEY")
		}
		if c.Stripe.WebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
		if c.Stripe.PriceIDBasic == "" {
			missing = append(missing, "STRIPE_PRICE_BASIC")
		}
		if c.Stripe.PriceIDPro == "" {
			missing = append(missing, "STRIPE_PRICE_PRO")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CP_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if strings.Contains(c.BaseDomain, "/") || strings.Contains(c.BaseDomain, ":") {
		return fmt.Errorf("CP_BASE_DOMAIN must be a bare domain, got %q", c.BaseDomain)
	}
	if c.Branch.Enabled() && c.Branch.ProjectID == "" {
		return fmt.Errorf("BRANCH_PROJECT_ID is required when BRANCH_API_KEY is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
