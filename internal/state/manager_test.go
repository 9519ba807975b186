package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/logger"
)

func TestNewManager(t *testing.T) {
	mgr := NewTestManager(t)
	require.NotNil(t, mgr.GetDB())
	require.NoError(t, mgr.GetDB().Ping())
}

func TestManager_SystemState(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	value, err := mgr.GetSystemState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, mgr.SaveSystemState(ctx, "k", "v1"))
	require.NoError(t, mgr.SaveSystemState(ctx, "k", "v2"))
	value, err = mgr.GetSystemState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)

	require.NoError(t, mgr.DeleteSystemState(ctx, "k"))
	value, err = mgr.GetSystemState(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestManager_StatePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db", "firewatch.db")
	ctx := context.Background()

	mgr, err := NewManager(dbPath, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, mgr.SetSessionEmail(ctx, "ops@example.com"))
	require.NoError(t, mgr.RecordPrediction(ctx, &PredictionRecord{Source: SourceLive, Label: "fire", Score: 0.8}))
	require.NoError(t, mgr.RecordPrediction(ctx, &PredictionRecord{Source: SourceUpload, Label: "no_fire"}))
	require.NoError(t, mgr.Close())

	mgr, err = NewManager(dbPath, logger.NewNopLogger())
	require.NoError(t, err)
	defer mgr.Close()

	recovered, err := mgr.RecoverState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", recovered.SystemState[KeySessionEmail])
	assert.Equal(t, 2, recovered.Predictions)
	assert.Equal(t, 1, recovered.FireDetected)
}

func TestSessionEmail(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	email, err := mgr.SessionEmail(ctx)
	require.NoError(t, err)
	assert.Empty(t, email)

	err = mgr.SetSessionEmail(ctx, "not-an-email")
	assert.True(t, errors.Is(err, ErrInvalidEmail))
	err = mgr.SetSessionEmail(ctx, "Ops <ops@example.com>")
	assert.True(t, errors.Is(err, ErrInvalidEmail))

	require.NoError(t, mgr.SetSessionEmail(ctx, "  ops@example.com "))
	email, err = mgr.SessionEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", email)

	require.NoError(t, mgr.ClearSessionEmail(ctx))
	email, _ = mgr.SessionEmail(ctx)
	assert.Empty(t, email)
}

func TestSeedSessionEmail(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SeedSessionEmail(ctx, ""))
	email, _ := mgr.SessionEmail(ctx)
	assert.Empty(t, email)

	require.NoError(t, mgr.SeedSessionEmail(ctx, "seed@example.com"))
	require.NoError(t, mgr.SetSessionEmail(ctx, "user@example.com"))
	require.NoError(t, mgr.SeedSessionEmail(ctx, "seed@example.com"))

	email, _ = mgr.SessionEmail(ctx)
	assert.Equal(t, "user@example.com", email, "seeding never overwrites a stored identity")
}

func TestPredictions_ListNewestFirst(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, label := range []string{"no_fire", "fire", "no_fire"} {
		rec := &PredictionRecord{
			Source:    SourceLive,
			Label:     label,
			Score:     float64(i) / 10,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, mgr.RecordPrediction(ctx, rec))
		assert.NotEmpty(t, rec.ID)
	}
	require.NoError(t, mgr.RecordPrediction(ctx, &PredictionRecord{
		Source: SourceManual, Label: "fire", Message: "alert sent", Email: "ops@example.com",
		CreatedAt: base.Add(time.Hour),
	}))

	all, err := mgr.ListPredictions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, SourceManual, all[0].Source)
	assert.Equal(t, "alert sent", all[0].Message)
	assert.Equal(t, "ops@example.com", all[0].Email)

	live, err := mgr.ListPredictions(ctx, SourceLive, 2)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.InDelta(t, 0.2, live[0].Score, 1e-9)
	assert.Empty(t, live[0].Message)
}

func TestRetention_Prunes(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.RecordPrediction(ctx, &PredictionRecord{
		Source: SourceLive, Label: "fire", CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, mgr.RecordPrediction(ctx, &PredictionRecord{Source: SourceLive, Label: "no_fire"}))

	r := NewRetention(mgr, 24*time.Hour)
	assert.Equal(t, "state-retention", r.Name())
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		recs, err := mgr.ListPredictions(ctx, "", 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(ctx))
}
