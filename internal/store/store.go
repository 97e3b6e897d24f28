// Package store persists jobs, batches, incidents, and process state.
//
// Store is the repository boundary the engine talks through. Postgres
// is the production backend; Memory backs tests. Every mutating method
// is atomic on its own: multi-row operations (batch creation, seed
// advancement, batch completion, per-instance migration) commit or roll
// back as one unit.
package store

import (
	"context"
	"errors"
	"time"

	"process-engine/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// IncidentFilter narrows incident queries.
type IncidentFilter struct {
	Type             string
	JobID            string
	JobDefinitionIDs []string
	OnlyUnresolved   bool
}

// InstanceMigration is the atomic per-instance rewrite applied after
// validation passed: the whole token arena moves to the target
// definition, or nothing does. ExpectedVersion guards against a
// concurrent mutation of the same instance.
type InstanceMigration struct {
	ProcessInstanceID         string
	ExpectedVersion           int
	TargetProcessDefinitionID string
	ActivityInstances         []models.ActivityInstance
	TransitionInstances       []models.TransitionInstance
}

// Store is the durable boundary between the engine and its storage
// technology.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, job models.Job) error
	CreateJobs(ctx context.Context, jobs []models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// FindDueJobs returns up to limit jobs that are due at now, have
	// retries left, are not locked (or whose lock expired), and whose
	// job definition, if any, is not suspended. An exclusive job is not
	// due while another exclusive job of its process instance holds a
	// lock; exclusive jobs of one instance execute serially across
	// executors.
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// LockJob attempts to set the lock owner and expiration using a
	// compare-and-swap on the job's version. A false return means
	// another executor won the race; that is not an error.
	LockJob(ctx context.Context, id string, version int, owner string, until time.Time) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	// RescheduleJob records a failed attempt: new retry count, backoff
	// due date, exception payload, lock cleared.
	RescheduleJob(ctx context.Context, id string, due time.Time, retries int, excMessage, excStacktrace string) error
	// MarkJobFailed pins a job at zero retries with its exception
	// payload; the row stays for manual intervention.
	MarkJobFailed(ctx context.Context, id string, excMessage, excStacktrace string) error
	// SetJobRetries resets the retry budget and makes the job
	// immediately due again.
	SetJobRetries(ctx context.Context, id string, retries int) error
	FindJobsByDefinition(ctx context.Context, jobDefinitionID string) ([]models.Job, error)

	// Job definitions.
	CreateJobDefinitions(ctx context.Context, defs []models.JobDefinition) error
	SetJobDefinitionsSuspended(ctx context.Context, ids []string, suspended bool) error

	// Incidents.
	CreateIncident(ctx context.Context, inc models.Incident) error
	FindIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error)
	ResolveIncidentsByJob(ctx context.Context, jobID string) error

	// Batches. CreateBatch persists the batch, its three job
	// definitions, and the seed job in one unit.
	CreateBatch(ctx context.Context, b models.Batch, defs []models.JobDefinition, seed models.Job) error
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	// AdvanceBatchSeed commits newly created execution jobs together
	// with the seed cursor. The cursor only moves if it still equals
	// fromJobsCreated, so a replayed seed run never re-creates an
	// already-seeded chunk; false means another run got there first.
	AdvanceBatchSeed(ctx context.Context, batchID string, fromJobsCreated, toJobsCreated int, jobs []models.Job) (bool, error)
	// DecrementBatchRemaining subtracts n from RemainingJobs, clamping
	// at zero.
	DecrementBatchRemaining(ctx context.Context, batchID string, n int) error
	// SetBatchSuspended flips the batch and its three job definitions
	// together.
	SetBatchSuspended(ctx context.Context, id string, suspended bool) error
	// DeleteBatch cancels a live batch: outstanding jobs and the job
	// definitions go with it. With cascade, any historic record is
	// removed too.
	DeleteBatch(ctx context.Context, id string, cascade bool) error
	// CompleteBatch archives the batch as historic with the given end
	// time and removes the live row and its job definitions.
	CompleteBatch(ctx context.Context, id string, endTime time.Time) error

	// Historic batches.
	GetHistoricBatch(ctx context.Context, id string) (models.HistoricBatch, error)
	QueryHistoricBatches(ctx context.Context, f models.HistoricBatchFilter) ([]models.HistoricBatch, error)
	// FindHistoricBatchIDsForCleanup returns ids of historic batches
	// whose end time lies beyond the per-type TTL, capped at limit.
	// Types missing from ttlByType are never eligible.
	FindHistoricBatchIDsForCleanup(ctx context.Context, now time.Time, ttlByType map[string]time.Duration, limit int) ([]string, error)
	DeleteHistoricBatches(ctx context.Context, ids []string) error

	// Process definitions and instances.
	CreateProcessDefinition(ctx context.Context, def models.ProcessDefinition) error
	GetProcessDefinition(ctx context.Context, id string) (models.ProcessDefinition, error)
	CreateProcessInstance(ctx context.Context, inst models.ProcessInstance) error
	GetProcessInstance(ctx context.Context, id string) (models.ProcessInstance, error)
	DeleteProcessInstance(ctx context.Context, id string) error
	// ApplyInstanceMigration atomically rewrites one instance's token
	// set. A false return means the version check failed.
	ApplyInstanceMigration(ctx context.Context, m InstanceMigration) (bool, error)
}
