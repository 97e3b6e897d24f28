package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"process-engine/internal/clock"
	"process-engine/internal/models"
	"process-engine/internal/store"
)

type recordingArchiver struct {
	archived []string
	fail     bool
}

func (a *recordingArchiver) ArchiveHistoricBatch(_ context.Context, hb models.HistoricBatch) error {
	if a.fail {
		return errors.New("upload failed")
	}
	a.archived = append(a.archived, hb.ID)
	return nil
}

func seedHistory(t *testing.T, ctx context.Context, st store.Store, clk clock.Clock, id, batchType string, age time.Duration) {
	t.Helper()
	end := clk.Now().Add(-age)
	require.NoError(t, st.CreateBatch(ctx, models.Batch{
		ID: id, Type: batchType,
		SeedJobDefinitionID:    id + "-seed",
		MonitorJobDefinitionID: id + "-monitor",
		BatchJobDefinitionID:   id + "-exec",
		CreatedAt:              end.Add(-time.Minute),
	}, nil, models.Job{ID: id + "-seedjob"}))
	require.NoError(t, st.CompleteBatch(ctx, id, end))
}

func TestCleanupRemovesExpiredOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	ttl := map[string]time.Duration{
		models.BatchTypeProcessInstanceDeletion: 24 * time.Hour,
		models.BatchTypeSetJobRetries:           7 * 24 * time.Hour,
	}
	c := NewCleanup(st, clk, nil, zap.NewNop(), CleanupConfig{
		BatchSize: 100, TTLByType: ttl, Interval: time.Hour,
	})

	seedHistory(t, ctx, st, clk, "expired-del", models.BatchTypeProcessInstanceDeletion, 25*time.Hour)
	seedHistory(t, ctx, st, clk, "fresh-del", models.BatchTypeProcessInstanceDeletion, 23*time.Hour)
	// Same age as the expired deletion batch, but its type has a
	// longer TTL.
	seedHistory(t, ctx, st, clk, "retries", models.BatchTypeSetJobRetries, 25*time.Hour)
	// Types absent from the TTL map are kept forever.
	seedHistory(t, ctx, st, clk, "unmapped", models.BatchTypeProcessInstanceMigration, 1000*time.Hour)

	require.NoError(t, c.Handle(ctx, models.Job{ID: "cleanup-run"}))

	_, err := st.GetHistoricBatch(ctx, "expired-del")
	require.ErrorIs(t, err, store.ErrNotFound)
	for _, id := range []string{"fresh-del", "retries", "unmapped"} {
		_, err := st.GetHistoricBatch(ctx, id)
		require.NoError(t, err, id)
	}
}

func TestCleanupBatchSizeCapsRemoval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	ttl := map[string]time.Duration{models.BatchTypeProcessInstanceDeletion: time.Hour}
	c := NewCleanup(st, clk, nil, zap.NewNop(), CleanupConfig{
		BatchSize: 2, TTLByType: ttl, Interval: time.Hour,
	})

	seedHistory(t, ctx, st, clk, "old-1", models.BatchTypeProcessInstanceDeletion, 10*time.Hour)
	seedHistory(t, ctx, st, clk, "old-2", models.BatchTypeProcessInstanceDeletion, 9*time.Hour)
	seedHistory(t, ctx, st, clk, "old-3", models.BatchTypeProcessInstanceDeletion, 8*time.Hour)

	require.NoError(t, c.Handle(ctx, models.Job{ID: "cleanup-run"}))

	// Oldest two removed, the third waits for the next run.
	for _, id := range []string{"old-1", "old-2"} {
		_, err := st.GetHistoricBatch(ctx, id)
		require.ErrorIs(t, err, store.ErrNotFound, id)
	}
	_, err := st.GetHistoricBatch(ctx, "old-3")
	require.NoError(t, err)
}

func TestCleanupRespectsMaintenanceWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Noon, outside a 0-4h window.
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	ttl := map[string]time.Duration{models.BatchTypeProcessInstanceDeletion: time.Hour}
	c := NewCleanup(st, clk, nil, zap.NewNop(), CleanupConfig{
		BatchSize: 100, TTLByType: ttl,
		WindowLowHour: 0, WindowHighHour: 4, Interval: time.Hour,
	})

	seedHistory(t, ctx, st, clk, "old", models.BatchTypeProcessInstanceDeletion, 10*time.Hour)

	require.NoError(t, c.Handle(ctx, models.Job{ID: "cleanup-run"}))
	_, err := st.GetHistoricBatch(ctx, "old")
	require.NoError(t, err, "nothing is removed outside the window")

	// Inside the window the same run removes it.
	clk.Set(time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC))
	require.NoError(t, c.Handle(ctx, models.Job{ID: "cleanup-run-2"}))
	_, err = st.GetHistoricBatch(ctx, "old")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupWindowWrapsMidnight(t *testing.T) {
	c := NewCleanup(store.NewMemory(), clock.Real{}, nil, zap.NewNop(), CleanupConfig{
		WindowLowHour: 22, WindowHighHour: 4,
	})
	require.True(t, c.InWindow(time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)))
	require.True(t, c.InWindow(time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)))
	require.False(t, c.InWindow(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestCleanupArchivesBeforeDeleting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	ttl := map[string]time.Duration{models.BatchTypeProcessInstanceDeletion: time.Hour}
	arch := &recordingArchiver{}
	c := NewCleanup(st, clk, arch, zap.NewNop(), CleanupConfig{
		BatchSize: 100, TTLByType: ttl, Interval: time.Hour,
	})

	seedHistory(t, ctx, st, clk, "old", models.BatchTypeProcessInstanceDeletion, 10*time.Hour)

	require.NoError(t, c.Handle(ctx, models.Job{ID: "cleanup-run"}))
	require.Equal(t, []string{"old"}, arch.archived)
	_, err := st.GetHistoricBatch(ctx, "old")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupKeepsRowsWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	ttl := map[string]time.Duration{models.BatchTypeProcessInstanceDeletion: time.Hour}
	c := NewCleanup(st, clk, &recordingArchiver{fail: true}, zap.NewNop(), CleanupConfig{
		BatchSize: 100, TTLByType: ttl, Interval: time.Hour,
	})

	seedHistory(t, ctx, st, clk, "old", models.BatchTypeProcessInstanceDeletion, 10*time.Hour)

	require.Error(t, c.Handle(ctx, models.Job{ID: "cleanup-run"}))
	_, err := st.GetHistoricBatch(ctx, "old")
	require.NoError(t, err, "rows survive a failed archive upload")
}

func TestCleanupEnsureScheduledIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	c := NewCleanup(st, clk, nil, zap.NewNop(), CleanupConfig{Interval: time.Hour})

	require.NoError(t, c.EnsureScheduled(ctx))
	require.NoError(t, c.EnsureScheduled(ctx))

	jobs, err := st.FindJobsByDefinition(ctx, CleanupJobDefinitionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.JobTypeHistoryCleanup, jobs[0].Type)
}
