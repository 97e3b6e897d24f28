package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"process-engine/internal/clock"
	"process-engine/internal/executor"
	"process-engine/internal/models"
	"process-engine/internal/store"
)

// CleanupJobDefinitionID is the fixed definition id for the recurring
// history-cleanup job, so the job survives restarts and can be
// suspended like any other definition.
const CleanupJobDefinitionID = "history-cleanup"

const cleanupJobID = "history-cleanup-job"

// Archiver receives historic batches before their rows are removed.
type Archiver interface {
	ArchiveHistoricBatch(ctx context.Context, hb models.HistoricBatch) error
}

// CleanupConfig tunes the history cleanup run.
type CleanupConfig struct {
	// BatchSize caps how many historic batches one run removes.
	BatchSize int
	// TTLByType maps operation type to retention after end time. Types
	// absent from the map are retained forever.
	TTLByType map[string]time.Duration
	// WindowLowHour and WindowHighHour bound the daily maintenance
	// window in which removal happens (hour of day, half-open). Equal
	// values disable the window.
	WindowLowHour  int
	WindowHighHour int
	// Interval is the delay before the next cleanup run.
	Interval time.Duration
}

// Cleanup removes expired historic batches on a recurring job,
// optionally archiving them first.
type Cleanup struct {
	st       store.Store
	clk      clock.Clock
	archiver Archiver
	log      *zap.Logger
	cfg      CleanupConfig
}

// NewCleanup wires a cleanup runner. archiver may be nil.
func NewCleanup(st store.Store, clk clock.Clock, archiver Archiver, log *zap.Logger, cfg CleanupConfig) *Cleanup {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleanup{st: st, clk: clk, archiver: archiver, log: log, cfg: cfg}
}

// Register binds the cleanup handler.
func (c *Cleanup) Register(reg *executor.Registry) {
	reg.Register(models.JobTypeHistoryCleanup, c.Handle)
}

// EnsureScheduled creates the cleanup job definition and the first
// cleanup job if they do not exist yet. Safe to call from every
// executor at startup.
func (c *Cleanup) EnsureScheduled(ctx context.Context) error {
	defs := []models.JobDefinition{{ID: CleanupJobDefinitionID, Type: models.JobTypeHistoryCleanup}}
	if err := c.st.CreateJobDefinitions(ctx, defs); err != nil {
		return fmt.Errorf("create cleanup job definition: %w", err)
	}
	defID := CleanupJobDefinitionID
	due := c.clk.Now()
	job := models.Job{
		ID:              cleanupJobID,
		Type:            models.JobTypeHistoryCleanup,
		DueDate:         &due,
		Retries:         3,
		JobDefinitionID: &defID,
		CreatedAt:       due,
	}
	if err := c.st.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create cleanup job: %w", err)
	}
	return nil
}

// Handle runs one cleanup pass and schedules the next. Outside the
// maintenance window it only reschedules.
func (c *Cleanup) Handle(ctx context.Context, job models.Job) error {
	now := c.clk.Now()
	if c.InWindow(now) {
		if err := c.runOnce(ctx, now); err != nil {
			return err
		}
	}
	return c.scheduleNext(ctx, now)
}

// InWindow reports whether t falls inside the daily maintenance
// window. The window may wrap past midnight.
func (c *Cleanup) InWindow(t time.Time) bool {
	low, high := c.cfg.WindowLowHour, c.cfg.WindowHighHour
	if low == high {
		return true
	}
	h := t.Hour()
	if low < high {
		return h >= low && h < high
	}
	return h >= low || h < high
}

func (c *Cleanup) runOnce(ctx context.Context, now time.Time) error {
	ids, err := c.st.FindHistoricBatchIDsForCleanup(ctx, now, c.cfg.TTLByType, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("find expired historic batches: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if c.archiver != nil {
		for _, id := range ids {
			hb, err := c.st.GetHistoricBatch(ctx, id)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return fmt.Errorf("load historic batch %s: %w", id, err)
			}
			if err := c.archiver.ArchiveHistoricBatch(ctx, hb); err != nil {
				return fmt.Errorf("archive historic batch %s: %w", id, err)
			}
		}
	}
	if err := c.st.DeleteHistoricBatches(ctx, ids); err != nil {
		return fmt.Errorf("delete historic batches: %w", err)
	}
	c.log.Info("history cleanup removed batches", zap.Int("count", len(ids)))
	return nil
}

func (c *Cleanup) scheduleNext(ctx context.Context, now time.Time) error {
	defID := CleanupJobDefinitionID
	due := now.Add(c.cfg.Interval)
	next := models.Job{
		ID:              uuid.New().String(),
		Type:            models.JobTypeHistoryCleanup,
		DueDate:         &due,
		Retries:         3,
		JobDefinitionID: &defID,
		CreatedAt:       now,
	}
	if err := c.st.CreateJob(ctx, next); err != nil {
		return fmt.Errorf("schedule next cleanup: %w", err)
	}
	return nil
}
