package registry_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/registry"
)

func setupService(t *testing.T) (*registry.Service, registry.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := registry.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, store.Stop())
	})

	files := artifact.NewStore(log, t.TempDir(), nil)
	svc := registry.NewService(log, store, files, 7*24*time.Hour)

	return svc, store
}

// stage creates a staging dir holding a payload and config.
func stage(t *testing.T, model string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ModelFileName), []byte(model), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ConfigFileName), []byte("epochs: 10\n"), 0o644))

	return dir
}

func register(t *testing.T, svc *registry.Service, user, model string) *registry.Artifact {
	t.Helper()

	a, err := svc.Register(context.Background(), registry.RegisterInput{
		UserID:    user,
		Kind:      artifact.KindVoice,
		SourceDir: stage(t, model),
	})
	require.NoError(t, err)

	return a
}

func TestRegisterAndResolve(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	first := register(t, svc, "u1", "weights-one")
	second := register(t, svc, "u1", "weights-two")

	assert.NotEqual(t, first.VersionID, second.VersionID)
	assert.Equal(t, registry.StatusActive, first.Status)
	assert.Len(t, first.ContentHash, 64)
	assert.FileExists(t, filepath.Join(first.Path, artifact.MetadataFileName))

	// Empty ref resolves to the newest active version.
	resolved, err := svc.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, resolved.VersionID)

	resolved, err = svc.Resolve(ctx, "u1", first.VersionID)
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, resolved.VersionID)

	// Another user cannot resolve u1's versions.
	_, err = svc.Resolve(ctx, "u2", first.VersionID)
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	_, err = svc.Resolve(ctx, "u2", "")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, registry.RegisterInput{
		UserID: "../evil", Kind: artifact.KindVoice, SourceDir: stage(t, "w"),
	})
	assert.ErrorIs(t, err, errdef.ErrValidation)

	_, err = svc.Register(ctx, registry.RegisterInput{
		UserID: "u1", Kind: "hologram", SourceDir: stage(t, "w"),
	})
	assert.ErrorIs(t, err, errdef.ErrValidation)

	_, err = svc.Register(ctx, registry.RegisterInput{
		UserID: "u1", Kind: artifact.KindVoice,
	})
	assert.ErrorIs(t, err, errdef.ErrValidation)
}

func TestRegisterRejectsDuplicatePayload(t *testing.T) {
	svc, _ := setupService(t)

	register(t, svc, "u1", "identical-weights")

	_, err := svc.Register(context.Background(), registry.RegisterInput{
		UserID:    "u1",
		Kind:      artifact.KindVoice,
		SourceDir: stage(t, "identical-weights"),
	})
	assert.ErrorIs(t, err, errdef.ErrAlreadyExists)

	// The same payload under another user is fine.
	_, err = svc.Register(context.Background(), registry.RegisterInput{
		UserID:    "u2",
		Kind:      artifact.KindVoice,
		SourceDir: stage(t, "identical-weights"),
	})
	assert.NoError(t, err)
}

func TestReRegisterSameVersionArchivesFiles(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	first := register(t, svc, "u1", "weights-one")

	updated, err := svc.Register(ctx, registry.RegisterInput{
		UserID:    "u1",
		Kind:      artifact.KindVoice,
		VersionID: first.VersionID,
		SourceDir: stage(t, "weights-two"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, updated.VersionID)
	assert.NotEqual(t, first.ContentHash, updated.ContentHash)

	// Only one catalog row, and the displaced files are archived on disk.
	rows, err := svc.List(ctx, registry.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	archived, err := os.ReadDir(filepath.Join(svc.Files().UserDir("u1"), artifact.ArchivedDirName))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestListFilters(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	older := register(t, svc, "u1", "w1")
	newer := register(t, svc, "u1", "w2")
	register(t, svc, "u2", "w3")

	rows, err := svc.List(ctx, registry.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, newer.VersionID, rows[0].VersionID)
	assert.Equal(t, older.VersionID, rows[1].VersionID)

	rows, err = svc.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = svc.List(ctx, registry.Filter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestArchive(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	a := register(t, svc, "u1", "weights")

	archived, err := svc.Archive(ctx, a.VersionID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusArchived, archived.Status)
	assert.Equal(t, "superseded", archived.ArchiveReason)
	require.NotNil(t, archived.ArchivedAt)
	assert.NoDirExists(t, svc.Files().VersionDir("u1", a.VersionID))
	assert.DirExists(t, archived.Path)

	// Archiving twice conflicts.
	_, err = svc.Archive(ctx, a.VersionID, "again")
	assert.ErrorIs(t, err, errdef.ErrConflict)

	// The live version cannot be archived.
	b := register(t, svc, "u1", "weights-live")
	require.NoError(t, store.SaveDeployment(ctx, &registry.Deployment{
		UserID:        "u1",
		LiveVersionID: b.VersionID,
	}))

	_, err = svc.Archive(ctx, b.VersionID, "nope")
	assert.ErrorIs(t, err, errdef.ErrConflict)
}

func TestDelete(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	a := register(t, svc, "u1", "weights-a")
	b := register(t, svc, "u1", "weights-b")

	// Live artifact is never deletable.
	require.NoError(t, store.SaveDeployment(ctx, &registry.Deployment{
		UserID:        "u1",
		LiveVersionID: b.VersionID,
	}))
	err := svc.Delete(ctx, b.VersionID, false)
	assert.ErrorIs(t, err, errdef.ErrConflict)
	err = svc.Delete(ctx, b.VersionID, true)
	assert.ErrorIs(t, err, errdef.ErrConflict, "force does not override the live guard")

	// Recent usage blocks deletion inside the window.
	require.NoError(t, svc.RecordUsage(ctx, &registry.UsageRecord{
		VersionID: a.VersionID,
		LatencyMs: 120,
		Success:   true,
	}))
	err = svc.Delete(ctx, a.VersionID, false)
	assert.ErrorIs(t, err, errdef.ErrConflict)

	// Force overrides the usage gate; row and files go together.
	path := a.Path
	require.NoError(t, svc.Delete(ctx, a.VersionID, true))
	_, err = svc.Get(ctx, a.VersionID)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
	assert.NoDirExists(t, path)

	_, err = svc.Stats(ctx, a.VersionID, 0)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestDeleteUnknownVersion(t *testing.T) {
	svc, _ := setupService(t)

	err := svc.Delete(context.Background(), "v20260101T000000_deadbeef", false)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestUsageStats(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	a := register(t, svc, "u1", "weights")

	latencies := []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	for i, ms := range latencies {
		require.NoError(t, svc.RecordUsage(ctx, &registry.UsageRecord{
			VersionID:   a.VersionID,
			LatencyMs:   ms,
			InputBytes:  50,
			OutputBytes: 500,
			Success:     i != 0,
		}))
	}

	stats, err := svc.Stats(ctx, a.VersionID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Requests)
	assert.Equal(t, int64(9), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.InDelta(t, 0.9, stats.SuccessRate, 0.001)
	assert.InDelta(t, 550.0, stats.AvgLatencyMs, 0.001)
	assert.Equal(t, int64(500), stats.P50LatencyMs)
	assert.Equal(t, int64(1000), stats.P95LatencyMs)
	assert.Equal(t, int64(500), stats.InputBytes)
	assert.Equal(t, int64(5000), stats.OutputBytes)
	require.NotNil(t, stats.LastUsedAt)

	// Unknown artifacts surface NotFound rather than empty stats.
	_, err = svc.Stats(ctx, "v20260101T000000_deadbeef", 0)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestEvaluationsAppendOnly(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	a := register(t, svc, "u1", "weights")

	for i, score := range []float64{0.725, 0.81} {
		e := &registry.Evaluation{
			VersionID: a.VersionID,
			Kind:      "training",
			Score:     score,
			Evaluator: "engine",
		}
		e.SetMetrics(map[string]float64{"final_loss": 0.3 - float64(i)*0.1})
		require.NoError(t, svc.AddEvaluation(ctx, e))
	}

	evals, err := svc.Evaluations(ctx, a.VersionID)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, 0.725, evals[0].Score)
	assert.Equal(t, 0.81, evals[1].Score)
	assert.InDelta(t, 0.3, evals[0].Metrics()["final_loss"], 0.001)
}

func TestRunBookkeeping(t *testing.T) {
	_, store := setupService(t)
	ctx := context.Background()

	run := &registry.Run{
		RunID:       "r20260823T100000_aabbccdd",
		UserID:      "u1",
		Kind:        artifact.KindVoice,
		State:       registry.RunStatePending,
		TotalEpochs: 10,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(ctx, run))

	active, err := store.ActiveRun(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.RunID, active.RunID)

	// No cross-user bleed.
	other, err := store.ActiveRun(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.RequestCancel(ctx, run.RunID))
	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	assert.ErrorIs(t, store.RequestCancel(ctx, "r20260101T000000_00000000"), errdef.ErrNotFound)

	// Terminal runs stop being active and refuse further transitions.
	now := time.Now().UTC()
	got.State = registry.RunStateCancelled
	got.FinishedAt = &now
	require.NoError(t, store.SaveRun(ctx, got))

	active, err = store.ActiveRun(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)

	err = store.RequestCancel(ctx, run.RunID)
	assert.ErrorIs(t, err, errdef.ErrAlreadyTerminal)
	assert.ErrorIs(t, err, errdef.ErrConflict)
}

func TestFailAbandonedRuns(t *testing.T) {
	_, store := setupService(t)
	ctx := context.Background()

	for i, state := range []string{registry.RunStateTraining, registry.RunStateCompleted} {
		require.NoError(t, store.CreateRun(ctx, &registry.Run{
			RunID:     fmt.Sprintf("r20260823T10000%d_00000000", i),
			UserID:    "u1",
			State:     state,
			StartedAt: time.Now().UTC(),
		}))
	}

	count, err := store.FailAbandonedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	active, err := store.ActiveRun(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)
}
