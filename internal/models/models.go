package models

import (
	"time"
)

// Job type tags. Handlers are registered against these at startup.
const (
	JobTypeBatchSeed      = "batch-seed"
	JobTypeBatchMonitor   = "batch-monitor"
	JobTypeHistoryCleanup = "history-cleanup"
)

// Batch operation types. Each one doubles as the type tag of its
// execution jobs.
const (
	BatchTypeProcessInstanceDeletion  = "process-instance-deletion"
	BatchTypeSetJobRetries            = "job-retries"
	BatchTypeProcessInstanceMigration = "process-instance-migration"
)

// Incident types.
const (
	IncidentFailedJob            = "failedJob"
	IncidentAuthorizationFailure = "authorizationFailure"
	IncidentMigrationFailure     = "migrationFailure"
)

// Job is a persisted, lockable, retryable unit of deferred work.
type Job struct {
	ID                  string     `json:"id"`
	Type                string     `json:"type"`
	Configuration       string     `json:"configuration"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	Retries             int        `json:"retries"`
	LockOwner           *string    `json:"lock_owner,omitempty"`
	LockExpiration      *time.Time `json:"lock_expiration,omitempty"`
	Version             int        `json:"version"`
	JobDefinitionID     *string    `json:"job_definition_id,omitempty"`
	ProcessInstanceID   *string    `json:"process_instance_id,omitempty"`
	ExecutionID         *string    `json:"execution_id,omitempty"`
	Exclusive           bool       `json:"exclusive"`
	ExceptionMessage    *string    `json:"exception_message,omitempty"`
	ExceptionStacktrace *string    `json:"exception_stacktrace,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Due reports whether the job is ready to run at the given instant.
// A nil DueDate means immediately due.
func (j Job) Due(now time.Time) bool {
	return j.DueDate == nil || !j.DueDate.After(now)
}

// Locked reports whether the job currently holds an unexpired lock.
func (j Job) Locked(now time.Time) bool {
	return j.LockOwner != nil && j.LockExpiration != nil && j.LockExpiration.After(now)
}

// JobDefinition groups jobs of one type so the whole group can be
// suspended or resumed together. It is never executed directly.
type JobDefinition struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Suspended bool   `json:"suspended"`
}

// Incident is a durable record of a failure requiring external
// intervention: an exhausted retry budget, or a per-entity failure
// inside a batch chunk.
type Incident struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	JobID             *string   `json:"job_id,omitempty"`
	JobDefinitionID   *string   `json:"job_definition_id,omitempty"`
	ProcessInstanceID *string   `json:"process_instance_id,omitempty"`
	Configuration     string    `json:"configuration"`
	Message           string    `json:"message"`
	Resolved          bool      `json:"resolved"`
	CreatedAt         time.Time `json:"created_at"`
}

// Batch is the live aggregate coordinating one bulk operation: a seed
// job that fans out into execution jobs, and a monitor job that detects
// completion. Counters are in units of underlying entity operations,
// not execution jobs.
type Batch struct {
	ID                     string    `json:"id"`
	Type                   string    `json:"type"`
	TotalJobs              int       `json:"total_jobs"`
	JobsCreated            int       `json:"jobs_created"`
	RemainingJobs          int       `json:"remaining_jobs"`
	InvocationsPerBatchJob int       `json:"invocations_per_batch_job"`
	SeedJobDefinitionID    string    `json:"seed_job_definition_id"`
	MonitorJobDefinitionID string    `json:"monitor_job_definition_id"`
	BatchJobDefinitionID   string    `json:"batch_job_definition_id"`
	Configuration          string    `json:"configuration"`
	CreateUserID           string    `json:"create_user_id"`
	Suspended              bool      `json:"suspended"`
	CreatedAt              time.Time `json:"created_at"`
}

// SeedingComplete reports whether every entity operation has been
// turned into an execution job.
func (b Batch) SeedingComplete() bool {
	return b.JobsCreated >= b.TotalJobs
}

// HistoricBatch is the immutable archive record of a finished batch.
type HistoricBatch struct {
	ID                     string    `json:"id"`
	Type                   string    `json:"type"`
	TotalJobs              int       `json:"total_jobs"`
	InvocationsPerBatchJob int       `json:"invocations_per_batch_job"`
	CreateUserID           string    `json:"create_user_id"`
	StartTime              time.Time `json:"start_time"`
	EndTime                time.Time `json:"end_time"`
}

// HistoricBatchFilter narrows historic batch queries.
type HistoricBatchFilter struct {
	Type         string     `json:"type,omitempty"`
	EndedBefore  *time.Time `json:"ended_before,omitempty"`
	EndedAfter   *time.Time `json:"ended_after,omitempty"`
	CreateUserID string     `json:"create_user_id,omitempty"`
	MaxResults   int        `json:"max_results,omitempty"`
}

// Activity is one node of a process definition's activity graph.
// ParentID names the enclosing scope activity; empty means the process
// root. Scope nesting is all the migration validator consumes, the
// BPMN semantics behind it are out of scope.
type Activity struct {
	ID            string `json:"id"`
	ParentID      string `json:"parent_id,omitempty"`
	Scope         bool   `json:"scope"`
	MultiInstance bool   `json:"multi_instance"`
}

// ProcessDefinition is one deployed version of a process model.
type ProcessDefinition struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Version    int        `json:"version"`
	Activities []Activity `json:"activities"`
}

// ActivityByID returns the activity with the given id, if present.
func (d ProcessDefinition) ActivityByID(id string) (Activity, bool) {
	for _, a := range d.Activities {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// ActivityInstance is one live token parked on an activity. Instances
// form an arena: Parent is an index into the owning slice, -1 for the
// instance representing the process scope itself.
type ActivityInstance struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	Parent     int    `json:"parent"`
}

// TransitionInstance is a token in transit towards an activity (an
// async continuation not yet parked), tracked separately during
// migration.
type TransitionInstance struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
}

// ProcessInstance is the minimal running-instance state the core needs:
// its token arena and a flat variable map. Version is the optimistic
// lock used by per-instance atomic rewrites.
type ProcessInstance struct {
	ID                  string               `json:"id"`
	ProcessDefinitionID string               `json:"process_definition_id"`
	BusinessKey         string               `json:"business_key,omitempty"`
	Version             int                  `json:"version"`
	ActivityInstances   []ActivityInstance   `json:"activity_instances"`
	TransitionInstances []TransitionInstance `json:"transition_instances"`
	Variables           map[string]string    `json:"variables,omitempty"`
}

// MigrationInstruction maps one source activity onto its target-side
// counterpart.
type MigrationInstruction struct {
	SourceActivityID string `json:"source_activity_id"`
	TargetActivityID string `json:"target_activity_id"`
}

// MigrationPlan is a validated set of instructions between exactly one
// source and one target process definition version.
type MigrationPlan struct {
	SourceProcessDefinitionID string                 `json:"source_process_definition_id"`
	TargetProcessDefinitionID string                 `json:"target_process_definition_id"`
	Instructions              []MigrationInstruction `json:"instructions"`
}

// TargetFor resolves the target activity for a source activity id.
func (p MigrationPlan) TargetFor(sourceActivityID string) (string, bool) {
	for _, in := range p.Instructions {
		if in.SourceActivityID == sourceActivityID {
			return in.TargetActivityID, true
		}
	}
	return "", false
}
