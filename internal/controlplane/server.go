package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/stratalane/strata-control-plane/internal/billing"
	"github.com/stratalane/strata-control-plane/internal/dbbranch"
	"github.com/stratalane/strata-control-plane/internal/hosting"
	"github.com/stratalane/strata-control-plane/internal/logging"
	"github.com/stratalane/strata-control-plane/internal/provision"
	"github.com/stratalane/strata-control-plane/internal/registry"
	"github.com/stratalane/strata-control-plane/internal/tenantapi"
)

// Run starts the control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "control-plane",
	})

	log.Info().Str("version", version).Msg("Starting Strata Control Plane")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.ControlPlaneDir(), 0o755); err != nil {
		return fmt.Errorf("create control-plane dir: %w", err)
	}

	store, err := registry.Open(cfg.ControlPlaneDir())
	if err != nil {
		return fmt.Errorf("open tenant registry: %w", err)
	}
	defer store.Close()

	stripelib.Key = cfg.Stripe.APIKey

	var hostingOpts []hosting.Option
	if cfg.Hosting.APIURL != "" {
		hostingOpts = append(hostingOpts, hosting.WithBaseURL(cfg.Hosting.APIURL))
	}
	hostingClient := hosting.NewClient(cfg.Hosting.Token, cfg.Hosting.TeamID, hostingOpts...)

	// The branching API is optional: without it tenants get a managed
	// Postgres store on the hosting platform instead.
	var branchClient *dbbranch.Client
	if cfg.Branch.Enabled() {
		branchClient = dbbranch.NewClient(dbbranch.Config{
			APIKey:         cfg.Branch.APIKey,
			ProjectID:      cfg.Branch.ProjectID,
			ParentBranchID: cfg.Branch.ParentBranchID,
			DatabaseName:   cfg.Branch.DatabaseName,
			RoleName:       cfg.Branch.RoleName,
			BaseURL:        cfg.Branch.APIURL,
		})
		log.Info().Str("project_id", cfg.Branch.ProjectID).Msg("Database branching enabled")
	} else {
		log.Info().Msg("Database branching not configured, using hosted Postgres stores")
	}

	orchestrator := provision.NewOrchestrator(store, hostingClient, branchClient, cfg.BaseDomain, cfg.Hosting.TemplateRepo)

	queueClient, err := provision.Setup(ctx, store.DB(), orchestrator)
	if err != nil {
		return fmt.Errorf("set up job queue: %w", err)
	}
	if err := queueClient.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}

	enqueuer := provision.NewEnqueuer(queueClient)
	cleanupClient := tenantapi.NewClient(cfg.BaseDomain)
	prices := billing.PriceMap{
		Basic: cfg.Stripe.PriceIDBasic,
		Pro:   cfg.Stripe.PriceIDPro,
	}
	processor := billing.NewProcessor(store, prices, hostingClient, cleanupClient, enqueuer)
	teardown := provision.NewTeardown(store, hostingClient, branchClient)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:     cfg,
		Store:      store,
		Signup:     NewSignupHandlers(cfg, store),
		Webhook:    billing.NewWebhookHandler(cfg.Stripe.WebhookSecret, processor),
		PlanChange: billing.NewPlanChangeHandler(store, prices),
		Teardown:   teardown,
		Version:    version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeper := provision.NewStuckSweeper(store)
	go sweeper.Run(ctx)

	go runTenantStatusMetrics(ctx, store)

	go func() {
		log.Info().Str("addr", addr).Bool("primary", cfg.PrimaryInstance).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := queueClient.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Job queue shutdown error")
	}

	cancel()
	log.Info().Msg("Control plane stopped")
	return nil
}
