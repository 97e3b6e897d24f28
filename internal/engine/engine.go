// Package engine is the synchronous facade over batches, migration,
// jobs, and incidents. Handlers and CLIs talk to Engine; Engine talks
// to the store and enforces authorization at the operation boundary.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"process-engine/internal/auth"
	"process-engine/internal/batch"
	"process-engine/internal/clock"
	"process-engine/internal/migration"
	"process-engine/internal/models"
	"process-engine/internal/store"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = store.ErrNotFound

// ErrBadRequest wraps validation failures of caller input.
var ErrBadRequest = errors.New("bad request")

// Engine bundles the synchronous operations of the process engine.
type Engine struct {
	st       store.Store
	clk      clock.Clock
	authz    auth.Authorizer
	batches  *batch.Orchestrator
	migrator *migration.Executor
	log      *zap.Logger
}

// New wires an engine facade.
func New(st store.Store, clk clock.Clock, authz auth.Authorizer, batches *batch.Orchestrator, migrator *migration.Executor, log *zap.Logger) *Engine {
	return &Engine{st: st, clk: clk, authz: authz, batches: batches, migrator: migrator, log: log}
}

// CreateBatch starts an asynchronous bulk operation and returns the
// batch handle immediately; the work happens on jobs.
func (e *Engine) CreateBatch(ctx context.Context, actor auth.Actor, op batch.Operation, invocationsPerBatchJob int) (models.Batch, error) {
	b, err := e.batches.Create(ctx, actor, op, invocationsPerBatchJob)
	if err != nil {
		// Only rejected input is the caller's fault; authorization and
		// store failures keep their own identity.
		if errors.Is(err, batch.ErrInvalidOperation) {
			return models.Batch{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return models.Batch{}, err
	}
	return b, nil
}

// GetBatch returns a live batch.
func (e *Engine) GetBatch(ctx context.Context, actor auth.Actor, id string) (models.Batch, error) {
	if err := e.require(actor, auth.PermissionRead, auth.ResourceBatch, id); err != nil {
		return models.Batch{}, err
	}
	return e.st.GetBatch(ctx, id)
}

// SuspendBatch pauses a batch: the batch flag and its three job
// definitions flip together, so acquisition stops picking up any of
// its jobs in the same cycle.
func (e *Engine) SuspendBatch(ctx context.Context, actor auth.Actor, id string) error {
	if err := e.require(actor, auth.PermissionUpdate, auth.ResourceBatch, id); err != nil {
		return err
	}
	return e.st.SetBatchSuspended(ctx, id, true)
}

// ActivateBatch resumes a suspended batch.
func (e *Engine) ActivateBatch(ctx context.Context, actor auth.Actor, id string) error {
	if err := e.require(actor, auth.PermissionUpdate, auth.ResourceBatch, id); err != nil {
		return err
	}
	return e.st.SetBatchSuspended(ctx, id, false)
}

// DeleteBatch cancels a live batch. Outstanding jobs and the job
// definitions are removed; with cascade the historic record goes too.
func (e *Engine) DeleteBatch(ctx context.Context, actor auth.Actor, id string, cascade bool) error {
	if err := e.require(actor, auth.PermissionDelete, auth.ResourceBatch, id); err != nil {
		return err
	}
	return e.st.DeleteBatch(ctx, id, cascade)
}

// GetHistoricBatch returns the historic record of a finished batch.
func (e *Engine) GetHistoricBatch(ctx context.Context, actor auth.Actor, id string) (models.HistoricBatch, error) {
	if err := e.require(actor, auth.PermissionRead, auth.ResourceBatch, id); err != nil {
		return models.HistoricBatch{}, err
	}
	return e.st.GetHistoricBatch(ctx, id)
}

// QueryHistoricBatches lists historic batches matching the filter.
func (e *Engine) QueryHistoricBatches(ctx context.Context, actor auth.Actor, f models.HistoricBatchFilter) ([]models.HistoricBatch, error) {
	if err := e.require(actor, auth.PermissionRead, auth.ResourceBatch, ""); err != nil {
		return nil, err
	}
	return e.st.QueryHistoricBatches(ctx, f)
}

// CreateMigrationPlan validates instructions against both definitions
// and returns the plan. The plan itself touches no instance.
func (e *Engine) CreateMigrationPlan(ctx context.Context, sourceDefID, targetDefID string, instructions []models.MigrationInstruction) (models.MigrationPlan, error) {
	source, err := e.st.GetProcessDefinition(ctx, sourceDefID)
	if err != nil {
		return models.MigrationPlan{}, fmt.Errorf("load source definition %s: %w", sourceDefID, err)
	}
	target, err := e.st.GetProcessDefinition(ctx, targetDefID)
	if err != nil {
		return models.MigrationPlan{}, fmt.Errorf("load target definition %s: %w", targetDefID, err)
	}
	plan, err := migration.BuildPlan(source, target, instructions)
	if err != nil {
		return models.MigrationPlan{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return plan, nil
}

// ValidateMigration dry-runs the plan against the given instances and
// returns one report per instance. No instance is modified.
func (e *Engine) ValidateMigration(ctx context.Context, plan models.MigrationPlan, instanceIDs []string) ([]migration.InstanceReport, error) {
	if len(instanceIDs) == 0 {
		return nil, fmt.Errorf("%w: no process instances given", ErrBadRequest)
	}
	return e.migrator.ValidateInstances(ctx, plan, instanceIDs)
}

// ExecuteMigrationAsync submits the migration as a batch.
func (e *Engine) ExecuteMigrationAsync(ctx context.Context, actor auth.Actor, plan models.MigrationPlan, instanceIDs []string, invocationsPerBatchJob int) (models.Batch, error) {
	return e.CreateBatch(ctx, actor, batch.Operation{
		Type:          models.BatchTypeProcessInstanceMigration,
		EntityIDs:     instanceIDs,
		MigrationPlan: &plan,
	}, invocationsPerBatchJob)
}

// MigrateInstance applies the plan to a single instance synchronously.
// A non-OK report means the instance was left untouched.
func (e *Engine) MigrateInstance(ctx context.Context, actor auth.Actor, plan models.MigrationPlan, instanceID string) (migration.InstanceReport, error) {
	if err := e.require(actor, auth.PermissionUpdate, auth.ResourceProcessInstance, instanceID); err != nil {
		return migration.InstanceReport{}, err
	}
	return e.migrator.Migrate(ctx, plan, instanceID)
}

// SetJobRetries resets one job's retry budget and resolves its open
// incidents, so the job is acquired again.
func (e *Engine) SetJobRetries(ctx context.Context, actor auth.Actor, jobID string, retries int) error {
	if retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrBadRequest)
	}
	if err := e.require(actor, auth.PermissionUpdate, auth.ResourceJob, jobID); err != nil {
		return err
	}
	if err := e.st.SetJobRetries(ctx, jobID, retries); err != nil {
		return err
	}
	return e.st.ResolveIncidentsByJob(ctx, jobID)
}

// GetJob returns one job.
func (e *Engine) GetJob(ctx context.Context, actor auth.Actor, id string) (models.Job, error) {
	if err := e.require(actor, auth.PermissionRead, auth.ResourceJob, id); err != nil {
		return models.Job{}, err
	}
	return e.st.GetJob(ctx, id)
}

// FindIncidents lists incidents matching the filter.
func (e *Engine) FindIncidents(ctx context.Context, f store.IncidentFilter) ([]models.Incident, error) {
	return e.st.FindIncidents(ctx, f)
}

// BatchIncidents lists incidents raised by a batch's jobs.
func (e *Engine) BatchIncidents(ctx context.Context, batchID string) ([]models.Incident, error) {
	b, err := e.st.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return e.st.FindIncidents(ctx, store.IncidentFilter{
		JobDefinitionIDs: []string{b.SeedJobDefinitionID, b.MonitorJobDefinitionID, b.BatchJobDefinitionID},
	})
}

func (e *Engine) require(actor auth.Actor, permission, resource, resourceID string) error {
	if actor.System {
		return nil
	}
	if e.authz.IsAuthorized(actor, permission, resource, resourceID) {
		return nil
	}
	return &auth.Error{Actor: actor, Permission: permission, Resource: resource, ResourceID: resourceID}
}
