package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"process-engine/internal/auth"
	"process-engine/internal/batch"
	"process-engine/internal/clock"
	"process-engine/internal/engine"
	"process-engine/internal/migration"
	"process-engine/internal/models"
	"process-engine/internal/store"
)

func newTestServer(t *testing.T, authz auth.Authorizer) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	migrator := migration.NewExecutor(st, log)
	batches := batch.NewOrchestrator(st, clk, authz, migrator, log, batch.Config{})
	eng := engine.New(st, clk, authz, batches, migrator, log)
	srv := httptest.NewServer(New(eng, nil, log).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, auth.AllowAll{})
	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateBatchAccepted(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/batches", "alice",
		`{"type":"process-instance-deletion","entity_ids":["pi-1","pi-2","pi-3"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var b models.Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.TotalJobs != 3 || b.RemainingJobs != 3 || b.CreateUserID != "alice" {
		t.Fatalf("unexpected batch: %+v", b)
	}

	get := doJSON(t, http.MethodGet, srv.URL+"/batches/"+b.ID, "alice", "")
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}
	if _, err := st.GetBatch(context.Background(), b.ID); err != nil {
		t.Fatalf("batch not persisted: %v", err)
	}
}

func TestCreateBatchRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, auth.AllowAll{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"nope","entity_ids":["x"]}`},
		{"no entities", `{"type":"process-instance-deletion","entity_ids":[]}`},
		{"retries missing", `{"type":"job-retries","entity_ids":["j1"]}`},
	}
	for _, tc := range cases {
		resp := doJSON(t, http.MethodPost, srv.URL+"/batches", "alice", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
	}
}

func TestCreateBatchForbidden(t *testing.T) {
	rules := auth.NewStatic()
	rules.Grant("alice", auth.PermissionCreate, auth.ResourceBatch, "")
	srv, _ := newTestServer(t, rules)

	resp := doJSON(t, http.MethodPost, srv.URL+"/batches", "mallory",
		`{"type":"process-instance-deletion","entity_ids":["pi-1"]}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/batches", "alice",
		`{"type":"process-instance-deletion","entity_ids":["pi-1"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	srv, _ := newTestServer(t, auth.AllowAll{})
	resp := doJSON(t, http.MethodGet, srv.URL+"/batches/missing", "alice", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSuspendAndActivateBatch(t *testing.T) {
	srv, _ := newTestServer(t, auth.AllowAll{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/batches", "alice",
		`{"type":"process-instance-deletion","entity_ids":["pi-1"]}`)
	var b models.Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/batches/"+b.ID+"/suspend", "alice", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: expected 200, got %d", resp.StatusCode)
	}
	get := doJSON(t, http.MethodGet, srv.URL+"/batches/"+b.ID, "alice", "")
	var got models.Batch
	if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Suspended {
		t.Fatalf("expected batch suspended")
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/batches/"+b.ID+"/activate", "alice", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", resp.StatusCode)
	}
}

func TestDeleteBatch(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/batches", "alice",
		`{"type":"process-instance-deletion","entity_ids":["pi-1"]}`)
	var b models.Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}

	del := doJSON(t, http.MethodDelete, srv.URL+"/batches/"+b.ID, "alice", "")
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", del.StatusCode)
	}
	if _, err := st.GetBatch(context.Background(), b.ID); err != store.ErrNotFound {
		t.Fatalf("expected batch gone, got %v", err)
	}
}

func TestSetJobRetriesValidation(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})
	ctx := context.Background()

	if err := st.CreateJob(ctx, models.Job{ID: "j1", Type: "work", Retries: 0}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp := doJSON(t, http.MethodPut, srv.URL+"/jobs/j1/retries", "alice", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing retries: expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPut, srv.URL+"/jobs/j1/retries", "alice", `{"retries":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative retries: expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPut, srv.URL+"/jobs/j1/retries", "alice", `{"retries":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	j, err := st.GetJob(ctx, "j1")
	if err != nil || j.Retries != 5 {
		t.Fatalf("expected retries 5, got %+v err %v", j, err)
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/jobs/missing/retries", "alice", `{"retries":5}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestQueryHistoricBatchesEndpoint(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})
	ctx := context.Background()

	b := models.Batch{
		ID: "b1", Type: models.BatchTypeProcessInstanceDeletion, CreateUserID: "alice",
		SeedJobDefinitionID: "d-s", MonitorJobDefinitionID: "d-m", BatchJobDefinitionID: "d-e",
	}
	if err := st.CreateBatch(ctx, b, nil, models.Job{ID: "seed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CompleteBatch(ctx, "b1", time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/history/batches/?type="+models.BatchTypeProcessInstanceDeletion, "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Items []models.HistoricBatch `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].ID != "b1" {
		t.Fatalf("expected historic b1, got %v", out.Items)
	}

	single := doJSON(t, http.MethodGet, srv.URL+"/history/batches/b1", "alice", "")
	if single.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", single.StatusCode)
	}
}

func TestMigrationPlanEndpoint(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})
	ctx := context.Background()

	src := models.ProcessDefinition{ID: "def-1", Key: "order", Version: 1, Activities: []models.Activity{{ID: "A"}}}
	dst := models.ProcessDefinition{ID: "def-2", Key: "order", Version: 2, Activities: []models.Activity{{ID: "A2"}}}
	if err := st.CreateProcessDefinition(ctx, src); err != nil {
		t.Fatalf("create def: %v", err)
	}
	if err := st.CreateProcessDefinition(ctx, dst); err != nil {
		t.Fatalf("create def: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/migration/plan", "alice",
		`{"source_process_definition_id":"def-1","target_process_definition_id":"def-2","instructions":[{"source_activity_id":"A","target_activity_id":"A2"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var plan models.MigrationPlan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.SourceProcessDefinitionID != "def-1" || len(plan.Instructions) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	bad := doJSON(t, http.MethodPost, srv.URL+"/migration/plan", "alice",
		`{"source_process_definition_id":"def-1","target_process_definition_id":"def-2","instructions":[{"source_activity_id":"A","target_activity_id":"nope"}]}`)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}
}

func TestFindIncidentsEndpoint(t *testing.T) {
	srv, st := newTestServer(t, auth.AllowAll{})
	ctx := context.Background()

	j1 := "j1"
	if err := st.CreateIncident(ctx, models.Incident{ID: "i1", Type: models.IncidentFailedJob, JobID: &j1}); err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if err := st.CreateIncident(ctx, models.Incident{ID: "i2", Type: models.IncidentFailedJob, Resolved: true}); err != nil {
		t.Fatalf("create incident: %v", err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/incidents?unresolved=true", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Incidents []models.Incident `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Incidents) != 1 || out.Incidents[0].ID != "i1" {
		t.Fatalf("expected only i1, got %v", out.Incidents)
	}
}
