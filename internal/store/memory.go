package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"process-engine/internal/models"
)

// Memory is a mutex-guarded in-process backend. It exists so engine,
// batch, and migration logic can be exercised without Postgres; its
// method semantics mirror the Postgres backend exactly.
type Memory struct {
	mu             sync.Mutex
	jobs           map[string]models.Job
	jobDefinitions map[string]models.JobDefinition
	incidents      map[string]models.Incident
	batches        map[string]models.Batch
	historic       map[string]models.HistoricBatch
	definitions    map[string]models.ProcessDefinition
	instances      map[string]models.ProcessInstance
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:           make(map[string]models.Job),
		jobDefinitions: make(map[string]models.JobDefinition),
		incidents:      make(map[string]models.Incident),
		batches:        make(map[string]models.Batch),
		historic:       make(map[string]models.HistoricBatch),
		definitions:    make(map[string]models.ProcessDefinition),
		instances:      make(map[string]models.ProcessInstance),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Insert-if-absent so bootstrap jobs with fixed ids are
	// restart-safe.
	if _, ok := m.jobs[job.ID]; ok {
		return nil
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) CreateJobs(_ context.Context, jobs []models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) FindDueJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Job
	for _, j := range m.jobs {
		if j.Retries <= 0 || !j.Due(now) || j.Locked(now) {
			continue
		}
		if j.JobDefinitionID != nil {
			if def, ok := m.jobDefinitions[*j.JobDefinitionID]; ok && def.Suspended {
				continue
			}
		}
		if j.Exclusive && m.exclusiveSiblingHeldLocked(j, now) {
			continue
		}
		due = append(due, j)
	}
	// Stable order: oldest first, id as tiebreak, matching the SQL
	// backend's ORDER BY.
	sort.Slice(due, func(a, b int) bool {
		if due[a].CreatedAt.Equal(due[b].CreatedAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// exclusiveSiblingHeldLocked reports whether another exclusive job of
// the same process instance currently holds a lock. Such a job is not
// due: exclusive jobs of one instance execute serially, across
// acquisition cycles and executors, not just within one cycle.
func (m *Memory) exclusiveSiblingHeldLocked(j models.Job, now time.Time) bool {
	if j.ProcessInstanceID == nil {
		return false
	}
	for _, o := range m.jobs {
		if o.ID == j.ID || !o.Exclusive || o.ProcessInstanceID == nil {
			continue
		}
		if *o.ProcessInstanceID == *j.ProcessInstanceID && o.Locked(now) {
			return true
		}
	}
	return false
}

func (m *Memory) LockJob(_ context.Context, id string, version int, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Version != version {
		return false, nil
	}
	j.LockOwner = &owner
	j.LockExpiration = &until
	j.Version++
	m.jobs[id] = j
	return true, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) RescheduleJob(_ context.Context, id string, due time.Time, retries int, excMessage, excStacktrace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.DueDate = &due
	j.Retries = retries
	j.ExceptionMessage = &excMessage
	j.ExceptionStacktrace = &excStacktrace
	j.LockOwner = nil
	j.LockExpiration = nil
	j.Version++
	m.jobs[id] = j
	return nil
}

func (m *Memory) MarkJobFailed(_ context.Context, id string, excMessage, excStacktrace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Retries = 0
	j.ExceptionMessage = &excMessage
	j.ExceptionStacktrace = &excStacktrace
	j.LockOwner = nil
	j.LockExpiration = nil
	j.Version++
	m.jobs[id] = j
	return nil
}

func (m *Memory) SetJobRetries(_ context.Context, id string, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Retries = retries
	j.DueDate = nil
	j.Version++
	m.jobs[id] = j
	return nil
}

func (m *Memory) FindJobsByDefinition(_ context.Context, jobDefinitionID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.JobDefinitionID != nil && *j.JobDefinitionID == jobDefinitionID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) CreateJobDefinitions(_ context.Context, defs []models.JobDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		if _, ok := m.jobDefinitions[d.ID]; ok {
			continue
		}
		m.jobDefinitions[d.ID] = d
	}
	return nil
}

func (m *Memory) SetJobDefinitionsSuspended(_ context.Context, ids []string, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if d, ok := m.jobDefinitions[id]; ok {
			d.Suspended = suspended
			m.jobDefinitions[id] = d
		}
	}
	return nil
}

func (m *Memory) CreateIncident(_ context.Context, inc models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	return nil
}

func (m *Memory) FindIncidents(_ context.Context, f IncidentFilter) ([]models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Incident
	for _, inc := range m.incidents {
		if f.Type != "" && inc.Type != f.Type {
			continue
		}
		if f.JobID != "" && (inc.JobID == nil || *inc.JobID != f.JobID) {
			continue
		}
		if f.OnlyUnresolved && inc.Resolved {
			continue
		}
		if len(f.JobDefinitionIDs) > 0 {
			if inc.JobDefinitionID == nil || !contains(f.JobDefinitionIDs, *inc.JobDefinitionID) {
				continue
			}
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ResolveIncidentsByJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inc := range m.incidents {
		if inc.JobID != nil && *inc.JobID == jobID {
			inc.Resolved = true
			m.incidents[id] = inc
		}
	}
	return nil
}

func (m *Memory) CreateBatch(_ context.Context, b models.Batch, defs []models.JobDefinition, seed models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	for _, d := range defs {
		m.jobDefinitions[d.ID] = d
	}
	m.jobs[seed.ID] = seed
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return models.Batch{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) AdvanceBatchSeed(_ context.Context, batchID string, fromJobsCreated, toJobsCreated int, jobs []models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return false, ErrNotFound
	}
	if b.JobsCreated != fromJobsCreated {
		return false, nil
	}
	b.JobsCreated = toJobsCreated
	m.batches[batchID] = b
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return true, nil
}

func (m *Memory) DecrementBatchRemaining(_ context.Context, batchID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.RemainingJobs -= n
	if b.RemainingJobs < 0 {
		b.RemainingJobs = 0
	}
	m.batches[batchID] = b
	return nil
}

func (m *Memory) SetBatchSuspended(_ context.Context, id string, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.Suspended = suspended
	m.batches[id] = b
	for _, defID := range []string{b.SeedJobDefinitionID, b.MonitorJobDefinitionID, b.BatchJobDefinitionID} {
		if d, ok := m.jobDefinitions[defID]; ok {
			d.Suspended = suspended
			m.jobDefinitions[defID] = d
		}
	}
	return nil
}

func (m *Memory) DeleteBatch(_ context.Context, id string, cascade bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	m.removeBatchLocked(b)
	if cascade {
		delete(m.historic, id)
	}
	return nil
}

func (m *Memory) CompleteBatch(_ context.Context, id string, endTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	m.historic[b.ID] = models.HistoricBatch{
		ID:                     b.ID,
		Type:                   b.Type,
		TotalJobs:              b.TotalJobs,
		InvocationsPerBatchJob: b.InvocationsPerBatchJob,
		CreateUserID:           b.CreateUserID,
		StartTime:              b.CreatedAt,
		EndTime:                endTime,
	}
	m.removeBatchLocked(b)
	return nil
}

// removeBatchLocked deletes the live batch, its job definitions, and
// any jobs still linked to them.
func (m *Memory) removeBatchLocked(b models.Batch) {
	defIDs := map[string]bool{
		b.SeedJobDefinitionID:    true,
		b.MonitorJobDefinitionID: true,
		b.BatchJobDefinitionID:   true,
	}
	for id, j := range m.jobs {
		if j.JobDefinitionID != nil && defIDs[*j.JobDefinitionID] {
			delete(m.jobs, id)
		}
	}
	for id := range defIDs {
		delete(m.jobDefinitions, id)
	}
	delete(m.batches, b.ID)
}

func (m *Memory) GetHistoricBatch(_ context.Context, id string) (models.HistoricBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.historic[id]
	if !ok {
		return models.HistoricBatch{}, ErrNotFound
	}
	return h, nil
}

func (m *Memory) QueryHistoricBatches(_ context.Context, f models.HistoricBatchFilter) ([]models.HistoricBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.HistoricBatch
	for _, h := range m.historic {
		if f.Type != "" && h.Type != f.Type {
			continue
		}
		if f.CreateUserID != "" && h.CreateUserID != f.CreateUserID {
			continue
		}
		if f.EndedBefore != nil && !h.EndTime.Before(*f.EndedBefore) {
			continue
		}
		if f.EndedAfter != nil && !h.EndTime.After(*f.EndedAfter) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].EndTime.Equal(out[b].EndTime) {
			return out[a].ID < out[b].ID
		}
		return out[a].EndTime.Before(out[b].EndTime)
	})
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

func (m *Memory) FindHistoricBatchIDsForCleanup(_ context.Context, now time.Time, ttlByType map[string]time.Duration, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type candidate struct {
		id      string
		endTime time.Time
	}
	var eligible []candidate
	for _, h := range m.historic {
		ttl, ok := ttlByType[h.Type]
		if !ok {
			continue
		}
		if h.EndTime.Before(now.Add(-ttl)) {
			eligible = append(eligible, candidate{id: h.ID, endTime: h.EndTime})
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].endTime.Equal(eligible[b].endTime) {
			return eligible[a].id < eligible[b].id
		}
		return eligible[a].endTime.Before(eligible[b].endTime)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	ids := make([]string, 0, len(eligible))
	for _, c := range eligible {
		ids = append(ids, c.id)
	}
	return ids, nil
}

func (m *Memory) DeleteHistoricBatches(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.historic, id)
	}
	return nil
}

func (m *Memory) CreateProcessDefinition(_ context.Context, def models.ProcessDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.Activities = append([]models.Activity(nil), def.Activities...)
	m.definitions[def.ID] = def
	return nil
}

func (m *Memory) GetProcessDefinition(_ context.Context, id string) (models.ProcessDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return models.ProcessDefinition{}, ErrNotFound
	}
	d.Activities = append([]models.Activity(nil), d.Activities...)
	return d, nil
}

func (m *Memory) CreateProcessInstance(_ context.Context, inst models.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *Memory) GetProcessInstance(_ context.Context, id string) (models.ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return models.ProcessInstance{}, ErrNotFound
	}
	return copyInstance(inst), nil
}

func (m *Memory) DeleteProcessInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	return nil
}

func (m *Memory) ApplyInstanceMigration(_ context.Context, mig InstanceMigration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[mig.ProcessInstanceID]
	if !ok {
		return false, ErrNotFound
	}
	if inst.Version != mig.ExpectedVersion {
		return false, nil
	}
	inst.ProcessDefinitionID = mig.TargetProcessDefinitionID
	inst.ActivityInstances = append([]models.ActivityInstance(nil), mig.ActivityInstances...)
	inst.TransitionInstances = append([]models.TransitionInstance(nil), mig.TransitionInstances...)
	inst.Version++
	m.instances[mig.ProcessInstanceID] = inst
	return true, nil
}

func copyInstance(inst models.ProcessInstance) models.ProcessInstance {
	out := inst
	out.ActivityInstances = append([]models.ActivityInstance(nil), inst.ActivityInstances...)
	out.TransitionInstances = append([]models.TransitionInstance(nil), inst.TransitionInstances...)
	if inst.Variables != nil {
		out.Variables = make(map[string]string, len(inst.Variables))
		for k, v := range inst.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
