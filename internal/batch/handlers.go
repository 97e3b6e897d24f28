package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"process-engine/internal/auth"
	"process-engine/internal/models"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// chunkContext is the state shared by one execution job run.
type chunkContext struct {
	batch models.Batch
	job   models.Job
	actor auth.Actor
	cfg   batchConfig
	chunk chunkConfig
}

func (o *Orchestrator) loadChunk(ctx context.Context, job models.Job) (*chunkContext, error) {
	var chunk chunkConfig
	if err := json.Unmarshal([]byte(job.Configuration), &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk configuration: %w", err)
	}
	b, err := o.st.GetBatch(ctx, chunk.BatchID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load batch %s: %w", chunk.BatchID, err)
	}
	var cfg batchConfig
	if err := json.Unmarshal([]byte(b.Configuration), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal batch configuration: %w", err)
	}
	// Chunk work runs under the identity of whoever created the batch,
	// not the worker process.
	actor := auth.System()
	if b.CreateUserID != "" {
		actor = auth.User(b.CreateUserID)
	}
	return &chunkContext{batch: b, job: job, actor: actor, cfg: cfg, chunk: chunk}, nil
}

// raiseEntityIncident records a per-entity failure without failing the
// chunk job; the remaining entities in the chunk still get processed.
func (o *Orchestrator) raiseEntityIncident(ctx context.Context, cc *chunkContext, incType, entityID, message string) error {
	jobID := cc.job.ID
	inc := models.Incident{
		ID:              uuid.New().String(),
		Type:            incType,
		Message:         message,
		JobID:           &jobID,
		JobDefinitionID: &cc.batch.BatchJobDefinitionID,
		Configuration:   entityID,
		CreatedAt:       o.clk.Now(),
	}
	if err := o.st.CreateIncident(ctx, inc); err != nil {
		return fmt.Errorf("create %s incident for %s: %w", incType, entityID, err)
	}
	telemetry.IncidentsCreated.Inc()
	o.log.Warn("batch entity failed",
		zap.String("batch_id", cc.batch.ID), zap.String("entity_id", entityID),
		zap.String("incident_type", incType), zap.String("message", message))
	return nil
}

// handleDeletionChunk deletes each process instance in the chunk.
// Entities the creator may not delete become authorization incidents;
// already-deleted instances are treated as done so a replayed chunk
// stays idempotent.
func (o *Orchestrator) handleDeletionChunk(ctx context.Context, job models.Job) error {
	cc, err := o.loadChunk(ctx, job)
	if err != nil || cc == nil {
		return err
	}
	for _, id := range cc.chunk.EntityIDs {
		if !cc.actor.System && !o.authz.IsAuthorized(cc.actor, auth.PermissionDelete, auth.ResourceProcessInstance, id) {
			msg := fmt.Sprintf("user %s is not allowed to delete process instance %s", cc.actor.ID, id)
			if err := o.raiseEntityIncident(ctx, cc, models.IncidentAuthorizationFailure, id, msg); err != nil {
				return err
			}
			continue
		}
		if err := o.st.DeleteProcessInstance(ctx, id); err != nil && err != store.ErrNotFound {
			return fmt.Errorf("delete process instance %s: %w", id, err)
		}
	}
	return o.finishChunk(ctx, cc)
}

// handleRetriesChunk resets the retry budget of each job in the chunk
// and resolves its open incidents, bringing failed jobs back into
// acquisition.
func (o *Orchestrator) handleRetriesChunk(ctx context.Context, job models.Job) error {
	cc, err := o.loadChunk(ctx, job)
	if err != nil || cc == nil {
		return err
	}
	if cc.cfg.Retries == nil {
		return fmt.Errorf("batch %s has no retries value", cc.batch.ID)
	}
	retries := *cc.cfg.Retries
	for _, id := range cc.chunk.EntityIDs {
		if !cc.actor.System && !o.authz.IsAuthorized(cc.actor, auth.PermissionUpdate, auth.ResourceJob, id) {
			msg := fmt.Sprintf("user %s is not allowed to update job %s", cc.actor.ID, id)
			if err := o.raiseEntityIncident(ctx, cc, models.IncidentAuthorizationFailure, id, msg); err != nil {
				return err
			}
			continue
		}
		if err := o.st.SetJobRetries(ctx, id, retries); err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return fmt.Errorf("set retries on job %s: %w", id, err)
		}
		if err := o.st.ResolveIncidentsByJob(ctx, id); err != nil {
			return fmt.Errorf("resolve incidents for job %s: %w", id, err)
		}
	}
	return o.finishChunk(ctx, cc)
}

// handleMigrationChunk migrates each process instance in the chunk.
// Validation failures and concurrent modifications become migration
// incidents for the affected instance only.
func (o *Orchestrator) handleMigrationChunk(ctx context.Context, job models.Job) error {
	cc, err := o.loadChunk(ctx, job)
	if err != nil || cc == nil {
		return err
	}
	if cc.cfg.MigrationPlan == nil {
		return fmt.Errorf("batch %s has no migration plan", cc.batch.ID)
	}
	plan := *cc.cfg.MigrationPlan
	for _, id := range cc.chunk.EntityIDs {
		if !cc.actor.System && !o.authz.IsAuthorized(cc.actor, auth.PermissionUpdate, auth.ResourceProcessInstance, id) {
			msg := fmt.Sprintf("user %s is not allowed to migrate process instance %s", cc.actor.ID, id)
			if err := o.raiseEntityIncident(ctx, cc, models.IncidentAuthorizationFailure, id, msg); err != nil {
				return err
			}
			continue
		}
		report, err := o.migrator.Migrate(ctx, plan, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			msg := fmt.Sprintf("migrating process instance %s: %v", id, err)
			if ierr := o.raiseEntityIncident(ctx, cc, models.IncidentMigrationFailure, id, msg); ierr != nil {
				return ierr
			}
			continue
		}
		if !report.OK() {
			if err := o.raiseEntityIncident(ctx, cc, models.IncidentMigrationFailure, id, report.String()); err != nil {
				return err
			}
		}
	}
	return o.finishChunk(ctx, cc)
}

// finishChunk credits the chunk's entities against the batch counter.
// The counter tracks processed entities, not succeeded ones; per-entity
// failures are visible as incidents instead.
func (o *Orchestrator) finishChunk(ctx context.Context, cc *chunkContext) error {
	err := o.st.DecrementBatchRemaining(ctx, cc.batch.ID, len(cc.chunk.EntityIDs))
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("decrement batch %s remaining: %w", cc.batch.ID, err)
	}
	return nil
}
