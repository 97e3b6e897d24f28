package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"process-engine/internal/clock"
	"process-engine/internal/models"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// AcquisitionConfig shapes the polling cycle.
type AcquisitionConfig struct {
	Interval     time.Duration
	MaxJobs      int
	LockDuration time.Duration
}

// Acquisition is the polling loop that selects due, unlocked,
// non-suspended jobs, applies exclusivity filtering, and locks each one
// with a compare-and-swap before handing it to the pool. Multiple
// executors may run this concurrently against the same store; a lost
// lock race is skipped silently. A crashed executor recovers through
// lock expiration alone, there is no heartbeat.
type Acquisition struct {
	st    store.Store
	pool  *Pool
	clk   clock.Clock
	log   *zap.Logger
	owner string
	cfg   AcquisitionConfig
}

// NewAcquisition wires an acquisition cycle. owner identifies this
// executor in job locks.
func NewAcquisition(st store.Store, pool *Pool, clk clock.Clock, log *zap.Logger, owner string, cfg AcquisitionConfig) *Acquisition {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 10
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	return &Acquisition{st: st, pool: pool, clk: clk, log: log, owner: owner, cfg: cfg}
}

// Run polls until the context is cancelled. In-flight acquisitions
// finish; no new cycle starts after cancellation.
func (a *Acquisition) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// RunCycle performs a single acquisition pass. Exported so tests and
// embedded callers can drive cycles deterministically.
func (a *Acquisition) RunCycle(ctx context.Context) {
	now := a.clk.Now()
	due, err := a.st.FindDueJobs(ctx, now, a.cfg.MaxJobs)
	if err != nil {
		a.log.Error("find due jobs", zap.Error(err))
		return
	}
	telemetry.DueJobsGauge.Set(float64(len(due)))

	for _, job := range filterExclusive(due) {
		until := now.Add(a.cfg.LockDuration)
		locked, err := a.st.LockJob(ctx, job.ID, job.Version, a.owner, until)
		if err != nil {
			a.log.Error("lock job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !locked {
			// Another executor won the race; due again next cycle.
			continue
		}
		job.Version++
		owner := a.owner
		job.LockOwner = &owner
		job.LockExpiration = &until
		telemetry.JobsAcquired.Inc()
		a.pool.Submit(ctx, job)
	}
}

// filterExclusive keeps at most one exclusive job per process instance
// per cycle, so two workers never mutate the same instance
// concurrently. Non-exclusive jobs pass through untouched.
func filterExclusive(jobs []models.Job) []models.Job {
	out := jobs[:0:0]
	seen := make(map[string]bool)
	for _, j := range jobs {
		if j.Exclusive && j.ProcessInstanceID != nil {
			if seen[*j.ProcessInstanceID] {
				continue
			}
			seen[*j.ProcessInstanceID] = true
		}
		out = append(out, j)
	}
	return out
}
