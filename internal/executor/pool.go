package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"process-engine/internal/clock"
	"process-engine/internal/models"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// PoolConfig bounds the pool and shapes its retry policy.
type PoolConfig struct {
	Workers        int
	DefaultRetries int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Pool executes locked jobs in a bounded set of workers. Each job runs
// exactly once per lock: success deletes the row, failure decrements
// the retry budget and either reschedules with backoff or pins the job
// and raises an incident.
type Pool struct {
	st       store.Store
	registry *Registry
	clk      clock.Clock
	log      *zap.Logger
	cfg      PoolConfig

	jobs chan models.Job
	wg   sync.WaitGroup
}

// NewPool wires a pool against the store and handler registry.
func NewPool(st store.Store, registry *Registry, clk clock.Clock, log *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Pool{
		st:       st,
		registry: registry,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		jobs:     make(chan models.Job),
	}
}

// Run starts the workers and blocks until the context is cancelled and
// all in-flight jobs have finished.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.Execute(ctx, job)
				}
			}
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
}

// Submit hands a locked job to a worker. It blocks while all workers
// are busy, which bounds how far acquisition can run ahead of
// execution.
func (p *Pool) Submit(ctx context.Context, job models.Job) {
	select {
	case <-ctx.Done():
	case p.jobs <- job:
	}
}

// Execute runs one job to completion. All state changes for the job
// are isolated to it; a failure here never touches a sibling job.
func (p *Pool) Execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := p.invoke(ctx, job)
	if err == nil {
		if derr := p.st.DeleteJob(ctx, job.ID); derr != nil {
			p.log.Error("delete completed job", zap.String("job_id", job.ID), zap.Error(derr))
			return
		}
		telemetry.JobsExecuted.Inc()
		return
	}

	retries := job.Retries - 1
	if retries < 0 {
		retries = 0
	}
	if retries > 0 {
		attempt := p.cfg.DefaultRetries - retries
		if attempt < 1 {
			attempt = 1
		}
		due := p.clk.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
		if rerr := p.st.RescheduleJob(ctx, job.ID, due, retries, err.Error(), stacktraceFor(err)); rerr != nil {
			p.log.Error("reschedule failed job", zap.String("job_id", job.ID), zap.Error(rerr))
			return
		}
		telemetry.JobsFailed.Inc()
		p.log.Warn("job failed, rescheduled",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("retries_left", retries), zap.Time("due", due), zap.Error(err))
		return
	}

	if ferr := p.st.MarkJobFailed(ctx, job.ID, err.Error(), stacktraceFor(err)); ferr != nil {
		p.log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	p.raiseIncident(ctx, job, err)
	p.log.Error("job exhausted retries",
		zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Error(err))
}

// invoke resolves and runs the handler, converting panics into errors
// so a misbehaving handler cannot take the worker down.
func (p *Pool) invoke(ctx context.Context, job models.Job) (err error) {
	handler, rerr := p.registry.Resolve(job.Type)
	if rerr != nil {
		return rerr
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return handler(ctx, job)
}

// raiseIncident creates a failedJob incident unless one is already
// open for this job.
func (p *Pool) raiseIncident(ctx context.Context, job models.Job, cause error) {
	open, err := p.st.FindIncidents(ctx, store.IncidentFilter{JobID: job.ID, OnlyUnresolved: true})
	if err != nil {
		p.log.Error("query incidents", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if len(open) > 0 {
		return
	}
	jobID := job.ID
	inc := models.Incident{
		ID:                uuid.New().String(),
		Type:              models.IncidentFailedJob,
		JobID:             &jobID,
		JobDefinitionID:   job.JobDefinitionID,
		ProcessInstanceID: job.ProcessInstanceID,
		Configuration:     job.ID,
		Message:           cause.Error(),
		CreatedAt:         p.clk.Now(),
	}
	if err := p.st.CreateIncident(ctx, inc); err != nil {
		p.log.Error("create incident", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.IncidentsCreated.Inc()
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job handler panic: %v", e.value)
}

func stacktraceFor(err error) string {
	if pe, ok := err.(*panicError); ok {
		return pe.stack
	}
	return ""
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
