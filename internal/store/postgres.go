package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"process-engine/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, configuration, due_date, retries, lock_owner, lock_expiration, version, job_definition_id, process_instance_id, execution_id, exclusive, exception_message, exception_stacktrace, created_at`

func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) CreateJobs(ctx context.Context, jobs []models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := insertJobs(ctx, tx, jobs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertJobs(ctx context.Context, tx pgx.Tx, jobs []models.Job) error {
	for _, j := range jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, jobArgs(j)...)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	return nil
}

func jobArgs(j models.Job) []any {
	return []any{
		j.ID, j.Type, j.Configuration, j.DueDate, j.Retries, j.LockOwner, j.LockExpiration, j.Version,
		j.JobDefinitionID, j.ProcessInstanceID, j.ExecutionID, j.Exclusive, j.ExceptionMessage, j.ExceptionStacktrace, j.CreatedAt,
	}
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var due, lockExp pgtype.Timestamptz
	var lockOwner, defID, instID, execID, excMsg, excStack pgtype.Text
	err := row.Scan(&j.ID, &j.Type, &j.Configuration, &due, &j.Retries, &lockOwner, &lockExp, &j.Version,
		&defID, &instID, &execID, &j.Exclusive, &excMsg, &excStack, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.DueDate = timePtr(due)
	j.LockExpiration = timePtr(lockExp)
	j.LockOwner = textPtr(lockOwner)
	j.JobDefinitionID = textPtr(defID)
	j.ProcessInstanceID = textPtr(instID)
	j.ExecutionID = textPtr(execID)
	j.ExceptionMessage = textPtr(excMsg)
	j.ExceptionStacktrace = textPtr(excStack)
	return j, nil
}

func (s *Postgres) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("j", jobColumns)+`
		FROM jobs j
		LEFT JOIN job_definitions d ON d.id = j.job_definition_id
		WHERE j.retries > 0
		  AND (j.due_date IS NULL OR j.due_date <= $1)
		  AND (j.lock_owner IS NULL OR j.lock_expiration < $1)
		  AND COALESCE(d.suspended, FALSE) = FALSE
		  AND (NOT j.exclusive OR j.process_instance_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM jobs o
			WHERE o.process_instance_id = j.process_instance_id
			  AND o.id <> j.id
			  AND o.exclusive
			  AND o.lock_owner IS NOT NULL
			  AND o.lock_expiration >= $1
		  ))
		ORDER BY j.created_at, j.id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Postgres) LockJob(ctx context.Context, id string, version int, owner string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_owner = $3, lock_expiration = $4, version = version + 1
		WHERE id = $1 AND version = $2
	`, id, version, owner, until)
	if err != nil {
		return false, fmt.Errorf("lock job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func (s *Postgres) RescheduleJob(ctx context.Context, id string, due time.Time, retries int, excMessage, excStacktrace string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET due_date = $2, retries = $3, exception_message = $4, exception_stacktrace = $5,
		    lock_owner = NULL, lock_expiration = NULL, version = version + 1
		WHERE id = $1
	`, id, due, retries, excMessage, excStacktrace)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MarkJobFailed(ctx context.Context, id string, excMessage, excStacktrace string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET retries = 0, exception_message = $2, exception_stacktrace = $3,
		    lock_owner = NULL, lock_expiration = NULL, version = version + 1
		WHERE id = $1
	`, id, excMessage, excStacktrace)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetJobRetries(ctx context.Context, id string, retries int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET retries = $2, due_date = NULL, version = version + 1 WHERE id = $1
	`, id, retries)
	if err != nil {
		return fmt.Errorf("set job retries: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FindJobsByDefinition(ctx context.Context, jobDefinitionID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE job_definition_id = $1 ORDER BY id
	`, jobDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("query jobs by definition: %w", err)
	}
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) CreateJobDefinitions(ctx context.Context, defs []models.JobDefinition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertJobDefinitions(ctx, tx, defs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertJobDefinitions(ctx context.Context, tx pgx.Tx, defs []models.JobDefinition) error {
	for _, d := range defs {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_definitions (id, type, suspended) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, d.ID, d.Type, d.Suspended)
		if err != nil {
			return fmt.Errorf("insert job definition %s: %w", d.ID, err)
		}
	}
	return nil
}

func (s *Postgres) SetJobDefinitionsSuspended(ctx context.Context, ids []string, suspended bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_definitions SET suspended = $2 WHERE id = ANY($1)
	`, ids, suspended)
	return err
}

func (s *Postgres) CreateIncident(ctx context.Context, inc models.Incident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, type, job_id, job_definition_id, process_instance_id, configuration, message, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inc.ID, inc.Type, inc.JobID, inc.JobDefinitionID, inc.ProcessInstanceID, inc.Configuration, inc.Message, inc.Resolved, inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *Postgres) FindIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.JobID != "" {
		add("job_id = $%d", f.JobID)
	}
	if len(f.JobDefinitionIDs) > 0 {
		add("job_definition_id = ANY($%d)", f.JobDefinitionIDs)
	}
	if f.OnlyUnresolved {
		conds = append(conds, "resolved = FALSE")
	}
	query := `SELECT id, type, job_id, job_definition_id, process_instance_id, configuration, message, resolved, created_at FROM incidents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		var inc models.Incident
		var jobID, defID, instID pgtype.Text
		if err := rows.Scan(&inc.ID, &inc.Type, &jobID, &defID, &instID, &inc.Configuration, &inc.Message, &inc.Resolved, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.JobID = textPtr(jobID)
		inc.JobDefinitionID = textPtr(defID)
		inc.ProcessInstanceID = textPtr(instID)
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveIncidentsByJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE incidents SET resolved = TRUE WHERE job_id = $1`, jobID)
	return err
}

func (s *Postgres) CreateBatch(ctx context.Context, b models.Batch, defs []models.JobDefinition, seed models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, type, total_jobs, jobs_created, remaining_jobs, invocations_per_batch_job,
			seed_job_definition_id, monitor_job_definition_id, batch_job_definition_id,
			configuration, create_user_id, suspended, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, b.ID, b.Type, b.TotalJobs, b.JobsCreated, b.RemainingJobs, b.InvocationsPerBatchJob,
		b.SeedJobDefinitionID, b.MonitorJobDefinitionID, b.BatchJobDefinitionID,
		b.Configuration, b.CreateUserID, b.Suspended, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := insertJobDefinitions(ctx, tx, defs); err != nil {
		return err
	}
	if err := insertJobs(ctx, tx, []models.Job{seed}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const batchColumns = `id, type, total_jobs, jobs_created, remaining_jobs, invocations_per_batch_job, seed_job_definition_id, monitor_job_definition_id, batch_job_definition_id, configuration, create_user_id, suspended, created_at`

func (s *Postgres) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	var b models.Batch
	err := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.Type, &b.TotalJobs, &b.JobsCreated, &b.RemainingJobs, &b.InvocationsPerBatchJob,
			&b.SeedJobDefinitionID, &b.MonitorJobDefinitionID, &b.BatchJobDefinitionID,
			&b.Configuration, &b.CreateUserID, &b.Suspended, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

func (s *Postgres) AdvanceBatchSeed(ctx context.Context, batchID string, fromJobsCreated, toJobsCreated int, jobs []models.Job) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batches SET jobs_created = $3 WHERE id = $1 AND jobs_created = $2
	`, batchID, fromJobsCreated, toJobsCreated)
	if err != nil {
		return false, fmt.Errorf("advance batch seed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
			return false, fmt.Errorf("advance batch seed: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err := insertJobs(ctx, tx, jobs); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) DecrementBatchRemaining(ctx context.Context, batchID string, n int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET remaining_jobs = GREATEST(remaining_jobs - $2, 0) WHERE id = $1
	`, batchID, n)
	if err != nil {
		return fmt.Errorf("decrement batch remaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetBatchSuspended(ctx context.Context, id string, suspended bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seedDef, monitorDef, batchDef string
	err = tx.QueryRow(ctx, `
		UPDATE batches SET suspended = $2 WHERE id = $1
		RETURNING seed_job_definition_id, monitor_job_definition_id, batch_job_definition_id
	`, id, suspended).Scan(&seedDef, &monitorDef, &batchDef)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("suspend batch: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE job_definitions SET suspended = $2 WHERE id = ANY($1)
	`, []string{seedDef, monitorDef, batchDef}, suspended)
	if err != nil {
		return fmt.Errorf("suspend batch definitions: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) DeleteBatch(ctx context.Context, id string, cascade bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteBatchRows(ctx, tx, id); err != nil {
		return err
	}
	if cascade {
		if _, err := tx.Exec(ctx, `DELETE FROM historic_batches WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete historic batch: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func deleteBatchRows(ctx context.Context, tx pgx.Tx, id string) error {
	var seedDef, monitorDef, batchDef string
	err := tx.QueryRow(ctx, `
		DELETE FROM batches WHERE id = $1
		RETURNING seed_job_definition_id, monitor_job_definition_id, batch_job_definition_id
	`, id).Scan(&seedDef, &monitorDef, &batchDef)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	defIDs := []string{seedDef, monitorDef, batchDef}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE job_definition_id = ANY($1)`, defIDs); err != nil {
		return fmt.Errorf("delete batch jobs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_definitions WHERE id = ANY($1)`, defIDs); err != nil {
		return fmt.Errorf("delete batch definitions: %w", err)
	}
	return nil
}

func (s *Postgres) CompleteBatch(ctx context.Context, id string, endTime time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO historic_batches (id, type, total_jobs, invocations_per_batch_job, create_user_id, start_time, end_time)
		SELECT id, type, total_jobs, invocations_per_batch_job, create_user_id, created_at, $2
		FROM batches WHERE id = $1
	`, id, endTime)
	if err != nil {
		return fmt.Errorf("archive batch: %w", err)
	}
	if err := deleteBatchRows(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetHistoricBatch(ctx context.Context, id string) (models.HistoricBatch, error) {
	var h models.HistoricBatch
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, total_jobs, invocations_per_batch_job, create_user_id, start_time, end_time
		FROM historic_batches WHERE id = $1
	`, id).Scan(&h.ID, &h.Type, &h.TotalJobs, &h.InvocationsPerBatchJob, &h.CreateUserID, &h.StartTime, &h.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HistoricBatch{}, ErrNotFound
	}
	if err != nil {
		return models.HistoricBatch{}, fmt.Errorf("scan historic batch: %w", err)
	}
	return h, nil
}

func (s *Postgres) QueryHistoricBatches(ctx context.Context, f models.HistoricBatchFilter) ([]models.HistoricBatch, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.CreateUserID != "" {
		add("create_user_id = $%d", f.CreateUserID)
	}
	if f.EndedBefore != nil {
		add("end_time < $%d", *f.EndedBefore)
	}
	if f.EndedAfter != nil {
		add("end_time > $%d", *f.EndedAfter)
	}
	query := `SELECT id, type, total_jobs, invocations_per_batch_job, create_user_id, start_time, end_time FROM historic_batches`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY end_time, id"
	if f.MaxResults > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.MaxResults)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query historic batches: %w", err)
	}
	defer rows.Close()

	var out []models.HistoricBatch
	for rows.Next() {
		var h models.HistoricBatch
		if err := rows.Scan(&h.ID, &h.Type, &h.TotalJobs, &h.InvocationsPerBatchJob, &h.CreateUserID, &h.StartTime, &h.EndTime); err != nil {
			return nil, fmt.Errorf("scan historic batch: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Postgres) FindHistoricBatchIDsForCleanup(ctx context.Context, now time.Time, ttlByType map[string]time.Duration, limit int) ([]string, error) {
	if len(ttlByType) == 0 {
		return nil, nil
	}
	// One (type, cutoff) disjunct per configured TTL; sorted so the
	// generated SQL is stable.
	types := make([]string, 0, len(ttlByType))
	for t := range ttlByType {
		types = append(types, t)
	}
	sort.Strings(types)

	var conds []string
	var args []any
	for _, t := range types {
		args = append(args, t)
		typeArg := len(args)
		args = append(args, now.Add(-ttlByType[t]))
		conds = append(conds, fmt.Sprintf("(type = $%d AND end_time < $%d)", typeArg, len(args)))
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM historic_batches
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY end_time, id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query cleanup candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cleanup id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) DeleteHistoricBatches(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM historic_batches WHERE id = ANY($1)`, ids)
	return err
}

func (s *Postgres) CreateProcessDefinition(ctx context.Context, def models.ProcessDefinition) error {
	activities, err := json.Marshal(def.Activities)
	if err != nil {
		return fmt.Errorf("marshal activities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_definitions (id, key, version, activities)
		VALUES ($1, $2, $3, $4)
	`, def.ID, def.Key, def.Version, activities)
	if err != nil {
		return fmt.Errorf("insert process definition: %w", err)
	}
	return nil
}

func (s *Postgres) GetProcessDefinition(ctx context.Context, id string) (models.ProcessDefinition, error) {
	var def models.ProcessDefinition
	var activities []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, key, version, activities FROM process_definitions WHERE id = $1
	`, id).Scan(&def.ID, &def.Key, &def.Version, &activities)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessDefinition{}, ErrNotFound
	}
	if err != nil {
		return models.ProcessDefinition{}, fmt.Errorf("scan process definition: %w", err)
	}
	if err := json.Unmarshal(activities, &def.Activities); err != nil {
		return models.ProcessDefinition{}, fmt.Errorf("unmarshal activities: %w", err)
	}
	return def, nil
}

func (s *Postgres) CreateProcessInstance(ctx context.Context, inst models.ProcessInstance) error {
	acts, trans, vars, err := marshalInstanceState(inst)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_instances (id, process_definition_id, business_key, version, activity_instances, transition_instances, variables)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inst.ID, inst.ProcessDefinitionID, inst.BusinessKey, inst.Version, acts, trans, vars)
	if err != nil {
		return fmt.Errorf("insert process instance: %w", err)
	}
	return nil
}

func marshalInstanceState(inst models.ProcessInstance) ([]byte, []byte, []byte, error) {
	acts, err := json.Marshal(inst.ActivityInstances)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal activity instances: %w", err)
	}
	trans, err := json.Marshal(inst.TransitionInstances)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal transition instances: %w", err)
	}
	vars, err := json.Marshal(inst.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal variables: %w", err)
	}
	return acts, trans, vars, nil
}

func (s *Postgres) GetProcessInstance(ctx context.Context, id string) (models.ProcessInstance, error) {
	var inst models.ProcessInstance
	var acts, trans, vars []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, process_definition_id, business_key, version, activity_instances, transition_instances, variables
		FROM process_instances WHERE id = $1
	`, id).Scan(&inst.ID, &inst.ProcessDefinitionID, &inst.BusinessKey, &inst.Version, &acts, &trans, &vars)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessInstance{}, ErrNotFound
	}
	if err != nil {
		return models.ProcessInstance{}, fmt.Errorf("scan process instance: %w", err)
	}
	if err := json.Unmarshal(acts, &inst.ActivityInstances); err != nil {
		return models.ProcessInstance{}, fmt.Errorf("unmarshal activity instances: %w", err)
	}
	if err := json.Unmarshal(trans, &inst.TransitionInstances); err != nil {
		return models.ProcessInstance{}, fmt.Errorf("unmarshal transition instances: %w", err)
	}
	if err := json.Unmarshal(vars, &inst.Variables); err != nil {
		return models.ProcessInstance{}, fmt.Errorf("unmarshal variables: %w", err)
	}
	return inst, nil
}

func (s *Postgres) DeleteProcessInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM process_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ApplyInstanceMigration(ctx context.Context, m InstanceMigration) (bool, error) {
	acts, err := json.Marshal(m.ActivityInstances)
	if err != nil {
		return false, fmt.Errorf("marshal activity instances: %w", err)
	}
	trans, err := json.Marshal(m.TransitionInstances)
	if err != nil {
		return false, fmt.Errorf("marshal transition instances: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE process_instances
		SET process_definition_id = $3, activity_instances = $4, transition_instances = $5, version = version + 1
		WHERE id = $1 AND version = $2
	`, m.ProcessInstanceID, m.ExpectedVersion, m.TargetProcessDefinitionID, acts, trans)
	if err != nil {
		return false, fmt.Errorf("apply instance migration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
