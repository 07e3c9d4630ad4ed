package provision

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

const retryBackoffBase = 5 * time.Second

// ProvisionArgs is the payload of a provisioning job.
type ProvisionArgs struct {
	TenantID string `json:"tenant_id"`
}

// Kind returns the job type identifier used by River's job routing.
func (ProvisionArgs) Kind() string { return "provision-site" }

// InsertOpts bounds retries: one retry after the initial attempt. Records
// that still fail stay in failed until retried manually.
func (ProvisionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 2}
}

// ProvisionWorker runs provisioning jobs from the River queue.
type ProvisionWorker struct {
	river.WorkerDefaults[ProvisionArgs]
	orchestrator *Orchestrator
}

// Work provisions a single tenant.
func (w *ProvisionWorker) Work(ctx context.Context, job *river.Job[ProvisionArgs]) error {
	return w.orchestrator.Provision(ctx, job.Args.TenantID)
}

// retryPolicy backs off exponentially from 5s (5s, 10s, 20s, ...).
type retryPolicy struct{}

func (retryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return time.Now().Add(retryBackoffBase << (attempt - 1))
}

// Client is the River client type parameterized for SQLite.
type Client = river.Client[*sql.Tx]

// Setup creates a River client with the provisioning worker registered and
// runs River's internal migrations against the control plane database. The
// caller must Start the client and Stop it on shutdown.
func Setup(ctx context.Context, db *sql.DB, orchestrator *Orchestrator) (*Client, error) {
	driver := riversqlite.New(db)

	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("run river migrations: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ProvisionWorker{orchestrator: orchestrator})

	client, err := river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:     workers,
		RetryPolicy: &retryPolicy{},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// Enqueuer schedules provisioning jobs.
type Enqueuer struct {
	client *Client
}

// NewEnqueuer creates an enqueuer backed by the given River client.
func NewEnqueuer(client *Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueProvision inserts a provisioning job for the tenant.
func (e *Enqueuer) EnqueueProvision(ctx context.Context, tenantID string) error {
	if _, err := e.client.Insert(ctx, ProvisionArgs{TenantID: tenantID}, nil); err != nil {
		return fmt.Errorf("enqueue provisioning job for tenant %s: %w", tenantID, err)
	}
	return nil
}
