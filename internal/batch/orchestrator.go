// Package batch decomposes bulk operations into a seed job, many
// execution jobs, and a monitor job, so large entity sets are processed
// incrementally without locking the whole system.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"process-engine/internal/auth"
	"process-engine/internal/clock"
	"process-engine/internal/executor"
	"process-engine/internal/migration"
	"process-engine/internal/models"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// ErrInvalidOperation marks a rejected bulk-operation request. Callers
// use it to tell caller mistakes apart from infrastructure failures.
var ErrInvalidOperation = errors.New("invalid batch operation")

// Operation describes one bulk operation request.
type Operation struct {
	Type          string                `json:"type"`
	EntityIDs     []string              `json:"entity_ids"`
	Retries       *int                  `json:"retries,omitempty"`
	MigrationPlan *models.MigrationPlan `json:"migration_plan,omitempty"`
}

// batchConfig is the JSON persisted in Batch.Configuration.
type batchConfig struct {
	EntityIDs     []string              `json:"entity_ids"`
	Retries       *int                  `json:"retries,omitempty"`
	MigrationPlan *models.MigrationPlan `json:"migration_plan,omitempty"`
}

// chunkConfig is the JSON persisted in an execution job's
// Configuration.
type chunkConfig struct {
	BatchID   string   `json:"batch_id"`
	EntityIDs []string `json:"entity_ids"`
}

// Config tunes seeding and monitoring.
type Config struct {
	// BatchJobsPerSeed caps how many execution jobs one seed run
	// creates; independent of InvocationsPerBatchJob.
	BatchJobsPerSeed int
	// DefaultInvocations is used when a caller passes no fan-out.
	DefaultInvocations int
	// MonitorInterval is the monitor job's reschedule delay.
	MonitorInterval time.Duration
	// JobRetries is the retry budget given to seed, monitor, and
	// execution jobs.
	JobRetries int
}

// Orchestrator creates batches and owns the seed, monitor, and
// execution job handlers.
type Orchestrator struct {
	st       store.Store
	clk      clock.Clock
	authz    auth.Authorizer
	migrator *migration.Executor
	log      *zap.Logger
	cfg      Config
}

// NewOrchestrator wires a batch orchestrator.
func NewOrchestrator(st store.Store, clk clock.Clock, authz auth.Authorizer, migrator *migration.Executor, log *zap.Logger, cfg Config) *Orchestrator {
	if cfg.BatchJobsPerSeed <= 0 {
		cfg.BatchJobsPerSeed = 100
	}
	if cfg.DefaultInvocations <= 0 {
		cfg.DefaultInvocations = 1
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.JobRetries <= 0 {
		cfg.JobRetries = 3
	}
	return &Orchestrator{st: st, clk: clk, authz: authz, migrator: migrator, log: log, cfg: cfg}
}

// RegisterHandlers binds the seed and monitor handlers plus one
// execution handler per operation type. Called once at startup.
func (o *Orchestrator) RegisterHandlers(reg *executor.Registry) {
	reg.Register(models.JobTypeBatchSeed, o.handleSeed)
	reg.Register(models.JobTypeBatchMonitor, o.handleMonitor)
	reg.Register(models.BatchTypeProcessInstanceDeletion, o.handleDeletionChunk)
	reg.Register(models.BatchTypeSetJobRetries, o.handleRetriesChunk)
	reg.Register(models.BatchTypeProcessInstanceMigration, o.handleMigrationChunk)
}

var subPermissions = map[string]string{
	models.BatchTypeProcessInstanceDeletion:  auth.PermissionCreateBatchDeleteInstances,
	models.BatchTypeSetJobRetries:            auth.PermissionCreateBatchSetJobRetries,
	models.BatchTypeProcessInstanceMigration: auth.PermissionCreateBatchMigrateInstances,
}

// Create validates the operation, checks batch-creation permission,
// and persists the batch together with its three job definitions and
// the seed job in one unit.
func (o *Orchestrator) Create(ctx context.Context, actor auth.Actor, op Operation, invocationsPerBatchJob int) (models.Batch, error) {
	subPerm, known := subPermissions[op.Type]
	if !known {
		return models.Batch{}, fmt.Errorf("%w: unknown batch operation type %q", ErrInvalidOperation, op.Type)
	}
	if len(op.EntityIDs) == 0 {
		return models.Batch{}, fmt.Errorf("%w: no entities", ErrInvalidOperation)
	}
	if op.Type == models.BatchTypeSetJobRetries {
		if op.Retries == nil {
			return models.Batch{}, fmt.Errorf("%w: retries must be provided for a %s batch", ErrInvalidOperation, op.Type)
		}
		if *op.Retries < 0 {
			return models.Batch{}, fmt.Errorf("%w: retries must not be negative", ErrInvalidOperation)
		}
	}
	if op.Type == models.BatchTypeProcessInstanceMigration && op.MigrationPlan == nil {
		return models.Batch{}, fmt.Errorf("%w: migration plan must be provided for a %s batch", ErrInvalidOperation, op.Type)
	}
	if invocationsPerBatchJob <= 0 {
		invocationsPerBatchJob = o.cfg.DefaultInvocations
	}

	// The generic batch-creation permission or the operation-specific
	// one is enough; per-entity permissions are evaluated again inside
	// each chunk.
	if !actor.System &&
		!o.authz.IsAuthorized(actor, auth.PermissionCreate, auth.ResourceBatch, "") &&
		!o.authz.IsAuthorized(actor, subPerm, auth.ResourceBatch, "") {
		return models.Batch{}, &auth.Error{Actor: actor, Permission: auth.PermissionCreate, Resource: auth.ResourceBatch}
	}

	cfgJSON, err := json.Marshal(batchConfig{
		EntityIDs:     op.EntityIDs,
		Retries:       op.Retries,
		MigrationPlan: op.MigrationPlan,
	})
	if err != nil {
		return models.Batch{}, fmt.Errorf("marshal batch configuration: %w", err)
	}

	now := o.clk.Now()
	b := models.Batch{
		ID:                     uuid.New().String(),
		Type:                   op.Type,
		TotalJobs:              len(op.EntityIDs),
		JobsCreated:            0,
		RemainingJobs:          len(op.EntityIDs),
		InvocationsPerBatchJob: invocationsPerBatchJob,
		SeedJobDefinitionID:    uuid.New().String(),
		MonitorJobDefinitionID: uuid.New().String(),
		BatchJobDefinitionID:   uuid.New().String(),
		Configuration:          string(cfgJSON),
		CreateUserID:           actor.ID,
		CreatedAt:              now,
	}
	defs := []models.JobDefinition{
		{ID: b.SeedJobDefinitionID, Type: models.JobTypeBatchSeed},
		{ID: b.MonitorJobDefinitionID, Type: models.JobTypeBatchMonitor},
		{ID: b.BatchJobDefinitionID, Type: op.Type},
	}
	seed := o.newBatchJob(models.JobTypeBatchSeed, b.SeedJobDefinitionID, b.ID, nil)

	if err := o.st.CreateBatch(ctx, b, defs, seed); err != nil {
		return models.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	o.log.Info("batch created",
		zap.String("batch_id", b.ID), zap.String("type", b.Type),
		zap.Int("total_jobs", b.TotalJobs), zap.String("create_user_id", b.CreateUserID))
	return b, nil
}

func (o *Orchestrator) newBatchJob(jobType, defID, configuration string, due *time.Time) models.Job {
	id := defID
	return models.Job{
		ID:              uuid.New().String(),
		Type:            jobType,
		Configuration:   configuration,
		DueDate:         due,
		Retries:         o.cfg.JobRetries,
		JobDefinitionID: &id,
		CreatedAt:       o.clk.Now(),
	}
}

// handleSeed pulls the next unprocessed slice of entities, creates one
// execution job per InvocationsPerBatchJob-sized chunk, and advances
// the seed cursor atomically with the new jobs. The cursor makes
// seeding restart-safe: a replayed run never re-creates chunks, and a
// stale run (another seed already advanced the cursor) is a no-op.
func (o *Orchestrator) handleSeed(ctx context.Context, job models.Job) error {
	b, err := o.st.GetBatch(ctx, job.Configuration)
	if err != nil {
		if err == store.ErrNotFound {
			// Batch was deleted while the seed was in flight.
			return nil
		}
		return fmt.Errorf("load batch %s: %w", job.Configuration, err)
	}
	var cfg batchConfig
	if err := json.Unmarshal([]byte(b.Configuration), &cfg); err != nil {
		return fmt.Errorf("unmarshal batch configuration: %w", err)
	}

	cursor := b.JobsCreated
	var jobs []models.Job
	covered := 0
	for len(jobs) < o.cfg.BatchJobsPerSeed && cursor+covered < b.TotalJobs {
		end := cursor + covered + b.InvocationsPerBatchJob
		if end > b.TotalJobs {
			end = b.TotalJobs
		}
		chunk := cfg.EntityIDs[cursor+covered : end]
		chunkJSON, err := json.Marshal(chunkConfig{BatchID: b.ID, EntityIDs: chunk})
		if err != nil {
			return fmt.Errorf("marshal chunk configuration: %w", err)
		}
		jobs = append(jobs, o.newBatchJob(b.Type, b.BatchJobDefinitionID, string(chunkJSON), nil))
		covered += len(chunk)
	}

	newCursor := cursor + covered
	if newCursor < b.TotalJobs {
		// More work remains: the successor seed commits together with
		// this page of chunks.
		jobs = append(jobs, o.newBatchJob(models.JobTypeBatchSeed, b.SeedJobDefinitionID, b.ID, nil))
	} else {
		monitorDue := o.clk.Now().Add(o.cfg.MonitorInterval)
		jobs = append(jobs, o.newBatchJob(models.JobTypeBatchMonitor, b.MonitorJobDefinitionID, b.ID, &monitorDue))
	}

	advanced, err := o.st.AdvanceBatchSeed(ctx, b.ID, cursor, newCursor, jobs)
	if err != nil {
		return fmt.Errorf("advance batch seed: %w", err)
	}
	if !advanced {
		// Another seed run already covered this slice.
		return nil
	}
	o.log.Info("batch seeded",
		zap.String("batch_id", b.ID), zap.Int("jobs_created", newCursor), zap.Int("total_jobs", b.TotalJobs))
	return nil
}

// handleMonitor re-checks remaining work. The monitor is recurring: it
// creates its successor unless the batch is done, in which case the
// batch is archived to history and the live rows removed.
func (o *Orchestrator) handleMonitor(ctx context.Context, job models.Job) error {
	b, err := o.st.GetBatch(ctx, job.Configuration)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load batch %s: %w", job.Configuration, err)
	}
	if b.RemainingJobs == 0 && b.SeedingComplete() {
		if err := o.st.CompleteBatch(ctx, b.ID, o.clk.Now()); err != nil && err != store.ErrNotFound {
			return fmt.Errorf("complete batch %s: %w", b.ID, err)
		}
		telemetry.BatchesCompleted.Inc()
		o.log.Info("batch completed", zap.String("batch_id", b.ID), zap.String("type", b.Type))
		return nil
	}
	due := o.clk.Now().Add(o.cfg.MonitorInterval)
	next := o.newBatchJob(models.JobTypeBatchMonitor, b.MonitorJobDefinitionID, b.ID, &due)
	if err := o.st.CreateJob(ctx, next); err != nil {
		return fmt.Errorf("reschedule monitor: %w", err)
	}
	return nil
}
