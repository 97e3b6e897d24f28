package store

import (
	"context"
	"testing"
	"time"

	"process-engine/internal/models"
)

func TestFindDueJobsFiltering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	owner := "node-1"
	expired := now.Add(-time.Second)
	defID := "def-1"

	if err := m.CreateJobDefinitions(ctx, []models.JobDefinition{{ID: defID, Type: "work", Suspended: true}}); err != nil {
		t.Fatalf("create defs: %v", err)
	}
	jobs := []models.Job{
		{ID: "due-nil", Type: "work", Retries: 3, CreatedAt: past},
		{ID: "due-past", Type: "work", Retries: 3, DueDate: &past, CreatedAt: past.Add(time.Second)},
		{ID: "not-due", Type: "work", Retries: 3, DueDate: &future, CreatedAt: past},
		{ID: "locked", Type: "work", Retries: 3, LockOwner: &owner, LockExpiration: &future, CreatedAt: past},
		{ID: "lock-expired", Type: "work", Retries: 3, LockOwner: &owner, LockExpiration: &expired, CreatedAt: past.Add(2 * time.Second)},
		{ID: "no-retries", Type: "work", Retries: 0, CreatedAt: past},
		{ID: "suspended", Type: "work", Retries: 3, JobDefinitionID: &defID, CreatedAt: past},
	}
	if err := m.CreateJobs(ctx, jobs); err != nil {
		t.Fatalf("create jobs: %v", err)
	}

	due, err := m.FindDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	want := []string{"due-nil", "due-past", "lock-expired"}
	if len(due) != len(want) {
		t.Fatalf("expected %d due jobs, got %d", len(want), len(due))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("expected job %s at %d, got %s", id, i, due[i].ID)
		}
	}

	// limit applies after ordering.
	due, _ = m.FindDueJobs(ctx, now, 2)
	if len(due) != 2 || due[0].ID != "due-nil" {
		t.Fatalf("expected oldest two jobs, got %v", due)
	}
}

func TestFindDueJobsHoldsExclusiveSiblings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	inst := "pi-1"
	other := "pi-2"
	jobs := []models.Job{
		{ID: "a", Type: "work", Retries: 3, Exclusive: true, ProcessInstanceID: &inst, CreatedAt: now},
		{ID: "b", Type: "work", Retries: 3, Exclusive: true, ProcessInstanceID: &inst, CreatedAt: now.Add(time.Second)},
		{ID: "c", Type: "work", Retries: 3, ProcessInstanceID: &inst, CreatedAt: now.Add(2 * time.Second)},
		{ID: "x", Type: "work", Retries: 3, Exclusive: true, ProcessInstanceID: &other, CreatedAt: now.Add(3 * time.Second)},
	}
	if err := m.CreateJobs(ctx, jobs); err != nil {
		t.Fatalf("create jobs: %v", err)
	}

	locked, err := m.LockJob(ctx, "a", 0, "node-1", now.Add(5*time.Minute))
	if err != nil || !locked {
		t.Fatalf("lock a: locked=%v err=%v", locked, err)
	}

	// While "a" executes, its exclusive sibling "b" must stay invisible
	// to acquisition, across cycles and executors. Non-exclusive jobs of
	// the instance and exclusive jobs of other instances are unaffected.
	due, err := m.FindDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	ids := make(map[string]bool, len(due))
	for _, j := range due {
		ids[j.ID] = true
	}
	if ids["b"] {
		t.Fatalf("exclusive sibling must not be due while its instance runs, got %v", due)
	}
	if !ids["c"] || !ids["x"] {
		t.Fatalf("unrelated jobs must stay due, got %v", due)
	}

	// Once the lock is gone (expired or released) the sibling becomes
	// due again.
	expired := now.Add(10 * time.Minute)
	due, _ = m.FindDueJobs(ctx, expired, 10)
	ids = map[string]bool{}
	for _, j := range due {
		ids[j.ID] = true
	}
	if !ids["b"] {
		t.Fatalf("expected sibling due after lock expiry, got %v", due)
	}
}

func TestLockJobVersionCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := m.CreateJob(ctx, models.Job{ID: "j1", Type: "work", Retries: 3, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	until := now.Add(5 * time.Minute)

	locked, err := m.LockJob(ctx, "j1", 0, "a", until)
	if err != nil || !locked {
		t.Fatalf("first lock: locked=%v err=%v", locked, err)
	}
	locked, err = m.LockJob(ctx, "j1", 0, "b", until)
	if err != nil || locked {
		t.Fatalf("stale lock should lose: locked=%v err=%v", locked, err)
	}
	j, _ := m.GetJob(ctx, "j1")
	if j.Version != 1 || j.LockOwner == nil || *j.LockOwner != "a" {
		t.Fatalf("unexpected job state after lock: %+v", j)
	}
}

func TestAdvanceBatchSeedCursorCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	b := models.Batch{ID: "b1", Type: "t", TotalJobs: 4}
	if err := m.CreateBatch(ctx, b, nil, models.Job{ID: "seed"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	ok, err := m.AdvanceBatchSeed(ctx, "b1", 0, 2, []models.Job{{ID: "e1"}, {ID: "e2"}})
	if err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}
	// A replay against the old cursor is refused and writes nothing.
	ok, err = m.AdvanceBatchSeed(ctx, "b1", 0, 2, []models.Job{{ID: "dup-1"}, {ID: "dup-2"}})
	if err != nil || ok {
		t.Fatalf("stale advance should be refused: ok=%v err=%v", ok, err)
	}
	if _, err := m.GetJob(ctx, "dup-1"); err != ErrNotFound {
		t.Fatalf("expected no duplicate chunk jobs, got %v", err)
	}
	got, _ := m.GetBatch(ctx, "b1")
	if got.JobsCreated != 2 {
		t.Fatalf("expected cursor 2, got %d", got.JobsCreated)
	}

	if _, err := m.AdvanceBatchSeed(ctx, "missing", 0, 1, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteBatchArchivesAndSweeps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	b := models.Batch{
		ID: "b1", Type: "t", TotalJobs: 3, InvocationsPerBatchJob: 2, CreateUserID: "alice",
		SeedJobDefinitionID: "d-seed", MonitorJobDefinitionID: "d-mon", BatchJobDefinitionID: "d-exec",
		CreatedAt: start,
	}
	seedDef := "d-seed"
	execDef := "d-exec"
	defs := []models.JobDefinition{{ID: "d-seed"}, {ID: "d-mon"}, {ID: "d-exec"}}
	if err := m.CreateBatch(ctx, b, defs, models.Job{ID: "seed", JobDefinitionID: &seedDef}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if err := m.CreateJob(ctx, models.Job{ID: "exec", JobDefinitionID: &execDef}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := m.CreateJob(ctx, models.Job{ID: "unrelated"}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := m.CompleteBatch(ctx, "b1", end); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := m.GetBatch(ctx, "b1"); err != ErrNotFound {
		t.Fatalf("expected live batch gone, got %v", err)
	}
	for _, id := range []string{"seed", "exec"} {
		if _, err := m.GetJob(ctx, id); err != ErrNotFound {
			t.Fatalf("expected batch job %s swept, got %v", id, err)
		}
	}
	if _, err := m.GetJob(ctx, "unrelated"); err != nil {
		t.Fatalf("unrelated job must survive: %v", err)
	}

	hb, err := m.GetHistoricBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("historic: %v", err)
	}
	if hb.StartTime != start || hb.EndTime != end || hb.CreateUserID != "alice" || hb.TotalJobs != 3 {
		t.Fatalf("unexpected historic record: %+v", hb)
	}
}

func TestDeleteBatchCascade(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string) models.Batch {
		return models.Batch{
			ID: id, Type: "t",
			SeedJobDefinitionID: id + "-seed", MonitorJobDefinitionID: id + "-mon", BatchJobDefinitionID: id + "-exec",
			CreatedAt: start,
		}
	}
	// b1 completed into history, then re-created live to exercise
	// cascade.
	if err := m.CreateBatch(ctx, mk("b1"), nil, models.Job{ID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CompleteBatch(ctx, "b1", start.Add(time.Hour)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.CreateBatch(ctx, mk("b1"), nil, models.Job{ID: "s2"}); err != nil {
		t.Fatalf("re-create: %v", err)
	}

	if err := m.DeleteBatch(ctx, "b1", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetHistoricBatch(ctx, "b1"); err != nil {
		t.Fatalf("historic record must survive non-cascade delete: %v", err)
	}

	if err := m.CreateBatch(ctx, mk("b1"), nil, models.Job{ID: "s3"}); err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if err := m.DeleteBatch(ctx, "b1", true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if _, err := m.GetHistoricBatch(ctx, "b1"); err != ErrNotFound {
		t.Fatalf("expected historic record removed by cascade, got %v", err)
	}
}

func TestFindHistoricBatchIDsForCleanup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC)

	add := func(id, batchType string, end time.Time) {
		b := models.Batch{
			ID: id, Type: batchType,
			SeedJobDefinitionID: id + "-s", MonitorJobDefinitionID: id + "-m", BatchJobDefinitionID: id + "-e",
		}
		if err := m.CreateBatch(ctx, b, nil, models.Job{ID: id + "-seed"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := m.CompleteBatch(ctx, id, end); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	ttl := map[string]time.Duration{"del": 24 * time.Hour, "mig": 72 * time.Hour}

	add("old-del", "del", now.Add(-30*time.Hour))
	add("older-del", "del", now.Add(-40*time.Hour))
	add("edge-del", "del", now.Add(-24*time.Hour)) // exactly at the boundary: kept
	add("old-mig", "mig", now.Add(-30*time.Hour))  // longer ttl: kept
	add("untyped", "other", now.Add(-500*time.Hour))

	ids, err := m.FindHistoricBatchIDsForCleanup(ctx, now, ttl, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 2 || ids[0] != "older-del" || ids[1] != "old-del" {
		t.Fatalf("expected [older-del old-del], got %v", ids)
	}

	ids, _ = m.FindHistoricBatchIDsForCleanup(ctx, now, ttl, 1)
	if len(ids) != 1 || ids[0] != "older-del" {
		t.Fatalf("expected oldest only, got %v", ids)
	}
}

func TestQueryHistoricBatchesFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	add := func(id, batchType, user string, end time.Time) {
		b := models.Batch{
			ID: id, Type: batchType, CreateUserID: user,
			SeedJobDefinitionID: id + "-s", MonitorJobDefinitionID: id + "-m", BatchJobDefinitionID: id + "-e",
		}
		if err := m.CreateBatch(ctx, b, nil, models.Job{ID: id + "-seed"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := m.CompleteBatch(ctx, id, end); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	add("h1", "del", "alice", base.Add(1*time.Hour))
	add("h2", "del", "bob", base.Add(2*time.Hour))
	add("h3", "mig", "alice", base.Add(3*time.Hour))

	got, err := m.QueryHistoricBatches(ctx, models.HistoricBatchFilter{Type: "del"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h2" {
		t.Fatalf("type filter: got %v", got)
	}

	got, _ = m.QueryHistoricBatches(ctx, models.HistoricBatchFilter{CreateUserID: "alice"})
	if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h3" {
		t.Fatalf("user filter: got %v", got)
	}

	cutoff := base.Add(2 * time.Hour)
	got, _ = m.QueryHistoricBatches(ctx, models.HistoricBatchFilter{EndedBefore: &cutoff})
	if len(got) != 1 || got[0].ID != "h1" {
		t.Fatalf("ended before: got %v", got)
	}
	got, _ = m.QueryHistoricBatches(ctx, models.HistoricBatchFilter{EndedAfter: &cutoff})
	if len(got) != 1 || got[0].ID != "h3" {
		t.Fatalf("ended after: got %v", got)
	}

	got, _ = m.QueryHistoricBatches(ctx, models.HistoricBatchFilter{MaxResults: 2})
	if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h2" {
		t.Fatalf("max results: got %v", got)
	}
}

func TestSetBatchSuspendedFlipsDefinitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	b := models.Batch{
		ID: "b1", Type: "t",
		SeedJobDefinitionID: "d-seed", MonitorJobDefinitionID: "d-mon", BatchJobDefinitionID: "d-exec",
	}
	defs := []models.JobDefinition{{ID: "d-seed"}, {ID: "d-mon"}, {ID: "d-exec"}}
	if err := m.CreateBatch(ctx, b, defs, models.Job{ID: "seed"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.SetBatchSuspended(ctx, "b1", true); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, _ := m.GetBatch(ctx, "b1")
	if !got.Suspended {
		t.Fatalf("expected batch suspended")
	}
	for _, id := range []string{"d-seed", "d-mon", "d-exec"} {
		if !m.jobDefinitions[id].Suspended {
			t.Fatalf("expected definition %s suspended", id)
		}
	}
}

func TestResolveIncidentsByJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	j1 := "j1"
	j2 := "j2"

	incidents := []models.Incident{
		{ID: "i1", Type: models.IncidentFailedJob, JobID: &j1, CreatedAt: now},
		{ID: "i2", Type: models.IncidentFailedJob, JobID: &j1, CreatedAt: now.Add(time.Second)},
		{ID: "i3", Type: models.IncidentFailedJob, JobID: &j2, CreatedAt: now},
	}
	for _, inc := range incidents {
		if err := m.CreateIncident(ctx, inc); err != nil {
			t.Fatalf("create incident: %v", err)
		}
	}

	if err := m.ResolveIncidentsByJob(ctx, "j1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ := m.FindIncidents(ctx, IncidentFilter{OnlyUnresolved: true})
	if len(open) != 1 || open[0].ID != "i3" {
		t.Fatalf("expected only i3 open, got %v", open)
	}
}
