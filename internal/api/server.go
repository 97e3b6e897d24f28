// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"process-engine/internal/auth"
	"process-engine/internal/batch"
	"process-engine/internal/engine"
	"process-engine/internal/models"
	"process-engine/internal/ratelimit"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// Server wires HTTP handlers around the engine facade.
type Server struct {
	eng     *engine.Engine
	limiter *ratelimit.ActorLimiter
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil to disable
// throttling.
func New(eng *engine.Engine, limiter *ratelimit.ActorLimiter, log *zap.Logger) *Server {
	return &Server{eng: eng, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/batches", func(r chi.Router) {
		r.With(s.throttle).Post("/", s.handleCreateBatch)
		r.Get("/{id}", s.handleGetBatch)
		r.Get("/{id}/incidents", s.handleBatchIncidents)
		r.With(s.throttle).Post("/{id}/suspend", s.handleSuspendBatch)
		r.With(s.throttle).Post("/{id}/activate", s.handleActivateBatch)
		r.With(s.throttle).Delete("/{id}", s.handleDeleteBatch)
	})

	r.Route("/history/batches", func(r chi.Router) {
		r.Get("/", s.handleQueryHistoricBatches)
		r.Get("/{id}", s.handleGetHistoricBatch)
	})

	r.Route("/migration", func(r chi.Router) {
		r.Post("/plan", s.handleCreateMigrationPlan)
		r.Post("/validate", s.handleValidateMigration)
		r.With(s.throttle).Post("/execute", s.handleExecuteMigration)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.With(s.throttle).Put("/jobs/{id}/retries", s.handleSetJobRetries)
	r.Get("/incidents", s.handleFindIncidents)
	return r
}

func actorFromRequest(r *http.Request) auth.Actor {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return auth.User(v)
	}
	return auth.Actor{}
}

// throttle applies the per-actor rate limit to mutating routes.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), actorFromRequest(r))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createBatchRequest struct {
	Type                   string                `json:"type"`
	EntityIDs              []string              `json:"entity_ids"`
	Retries                *int                  `json:"retries,omitempty"`
	MigrationPlan          *models.MigrationPlan `json:"migration_plan,omitempty"`
	InvocationsPerBatchJob int                   `json:"invocations_per_batch_job,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	b, err := s.eng.CreateBatch(r.Context(), actorFromRequest(r), batch.Operation{
		Type:          req.Type,
		EntityIDs:     req.EntityIDs,
		Retries:       req.Retries,
		MigrationPlan: req.MigrationPlan,
	}, req.InvocationsPerBatchJob)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.eng.GetBatch(r.Context(), actorFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBatchIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.eng.BatchIncidents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleSuspendBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.SuspendBatch(r.Context(), actorFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleActivateBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ActivateBatch(r.Context(), actorFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	if err := s.eng.DeleteBatch(r.Context(), actorFromRequest(r), chi.URLParam(r, "id"), cascade); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistoricBatch(w http.ResponseWriter, r *http.Request) {
	hb, err := s.eng.GetHistoricBatch(r.Context(), actorFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

func (s *Server) handleQueryHistoricBatches(w http.ResponseWriter, r *http.Request) {
	f := models.HistoricBatchFilter{
		Type:         r.URL.Query().Get("type"),
		CreateUserID: r.URL.Query().Get("create_user_id"),
	}
	if v := r.URL.Query().Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid max_results", http.StatusBadRequest)
			return
		}
		f.MaxResults = n
	}
	items, err := s.eng.QueryHistoricBatches(r.Context(), actorFromRequest(r), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type migrationPlanRequest struct {
	SourceProcessDefinitionID string                        `json:"source_process_definition_id"`
	TargetProcessDefinitionID string                        `json:"target_process_definition_id"`
	Instructions              []models.MigrationInstruction `json:"instructions"`
}

func (s *Server) handleCreateMigrationPlan(w http.ResponseWriter, r *http.Request) {
	var req migrationPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	plan, err := s.eng.CreateMigrationPlan(r.Context(), req.SourceProcessDefinitionID, req.TargetProcessDefinitionID, req.Instructions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type migrationExecuteRequest struct {
	Plan                   models.MigrationPlan `json:"plan"`
	ProcessInstanceIDs     []string             `json:"process_instance_ids"`
	InvocationsPerBatchJob int                  `json:"invocations_per_batch_job,omitempty"`
}

func (s *Server) handleValidateMigration(w http.ResponseWriter, r *http.Request) {
	var req migrationExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	reports, err := s.eng.ValidateMigration(r.Context(), req.Plan, req.ProcessInstanceIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleExecuteMigration(w http.ResponseWriter, r *http.Request) {
	var req migrationExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	b, err := s.eng.ExecuteMigrationAsync(r.Context(), actorFromRequest(r), req.Plan, req.ProcessInstanceIDs, req.InvocationsPerBatchJob)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.eng.GetJob(r.Context(), actorFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type setRetriesRequest struct {
	Retries *int `json:"retries"`
}

func (s *Server) handleSetJobRetries(w http.ResponseWriter, r *http.Request) {
	var req setRetriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Retries == nil {
		http.Error(w, "retries is required", http.StatusBadRequest)
		return
	}
	if err := s.eng.SetJobRetries(r.Context(), actorFromRequest(r), chi.URLParam(r, "id"), *req.Retries); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleFindIncidents(w http.ResponseWriter, r *http.Request) {
	f := store.IncidentFilter{
		Type:  r.URL.Query().Get("type"),
		JobID: r.URL.Query().Get("job_id"),
	}
	if v := r.URL.Query().Get("unresolved"); v != "" {
		f.OnlyUnresolved, _ = strconv.ParseBool(v)
	}
	incidents, err := s.eng.FindIncidents(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var authErr *auth.Error
	switch {
	case errors.As(err, &authErr):
		http.Error(w, authErr.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
