package sweeper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/deploy"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/notify"
	"github.com/modelyard/modelyard/pkg/registry"
	"github.com/modelyard/modelyard/pkg/sweeper"
)

type fixture struct {
	svc      *registry.Service
	store    registry.Store
	deployer *deploy.Controller
	log      *logrus.Logger
}

func setup(t *testing.T) *fixture {
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

	notifier := notify.NewNotifier(log, &config.NotifyConfig{})
	deployer := deploy.NewController(log, &config.DeployConfig{}, svc, notifier, nil, t.TempDir(), nil)

	return &fixture{svc: svc, store: store, deployer: deployer, log: log}
}

func register(t *testing.T, svc *registry.Service, user, model string) *registry.Artifact {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ModelFileName), []byte(model), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ConfigFileName), []byte("epochs: 10\n"), 0o644))

	a, err := svc.Register(context.Background(), registry.RegisterInput{
		UserID:    user,
		Kind:      artifact.KindVoice,
		SourceDir: dir,
	})
	require.NoError(t, err)

	return a
}

func backdate(t *testing.T, f *fixture, a *registry.Artifact, created time.Time) {
	t.Helper()

	a.CreatedAt = created
	require.NoError(t, f.store.SaveArtifact(context.Background(), a))
}

func retentionCfg() *config.RetentionConfig {
	return &config.RetentionConfig{
		Enabled:          true,
		Interval:         "1h",
		Concurrency:      2,
		RetentionDays:    7,
		ArchiveGraceDays: 30,
	}
}

func TestSweepArchivesSuperseded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)

	v1 := register(t, f.svc, "u1", "weights-1")
	v2 := register(t, f.svc, "u1", "weights-2")
	v3 := register(t, f.svc, "u1", "weights-3")
	other := register(t, f.svc, "u2", "other-weights")

	backdate(t, f, v1, old)
	backdate(t, f, v2, old)

	// v2 is live; age never makes it a candidate.
	_, err := f.deployer.Deploy(ctx, "u1", v2.VersionID)
	require.NoError(t, err)

	s := sweeper.NewSweeper(f.log, f.svc, retentionCfg())

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Archived)
	assert.Equal(t, int64(0), res.Deleted)

	got1, err := f.svc.Get(ctx, v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusArchived, got1.Status)
	assert.Equal(t, "retention sweep", got1.ArchiveReason)

	for _, keep := range []*registry.Artifact{v2, v3, other} {
		got, err := f.svc.Get(ctx, keep.VersionID)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusActive, got.Status, keep.VersionID)
	}
}

func TestSweepSparesRecentlyUsed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1 := register(t, f.svc, "u1", "weights-1")
	register(t, f.svc, "u1", "weights-2")

	backdate(t, f, v1, time.Now().Add(-10*24*time.Hour))

	require.NoError(t, f.svc.RecordUsage(ctx, &registry.UsageRecord{
		VersionID: v1.VersionID,
		Success:   true,
		LatencyMs: 120,
	}))

	s := sweeper.NewSweeper(f.log, f.svc, retentionCfg())

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Archived)

	got, err := f.svc.Get(ctx, v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, got.Status)
}

func TestSweepDeletesExpiredArchived(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v0 := register(t, f.svc, "u1", "weights-0")
	v1 := register(t, f.svc, "u1", "weights-1")
	register(t, f.svc, "u1", "weights-2")

	arch0, err := f.svc.Archive(ctx, v0.VersionID, "superseded")
	require.NoError(t, err)

	arch1, err := f.svc.Archive(ctx, v1.VersionID, "superseded")
	require.NoError(t, err)

	// v0's grace period has run out; v1's has just begun.
	past := time.Now().Add(-40 * 24 * time.Hour)
	arch0.ArchivedAt = &past
	require.NoError(t, f.store.SaveArtifact(ctx, arch0))

	s := sweeper.NewSweeper(f.log, f.svc, retentionCfg())

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, arch0.SizeBytes, res.FreedBytes)

	_, err = f.svc.Get(ctx, v0.VersionID)
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	_, statErr := os.Stat(arch0.Path)
	assert.True(t, os.IsNotExist(statErr))

	got1, err := f.svc.Get(ctx, arch1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusArchived, got1.Status)
}

func TestSweepDryRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v0 := register(t, f.svc, "u1", "weights-0")
	v1 := register(t, f.svc, "u1", "weights-1")
	register(t, f.svc, "u1", "weights-2")

	arch0, err := f.svc.Archive(ctx, v0.VersionID, "superseded")
	require.NoError(t, err)

	past := time.Now().Add(-40 * 24 * time.Hour)
	arch0.ArchivedAt = &past
	require.NoError(t, f.store.SaveArtifact(ctx, arch0))

	backdate(t, f, v1, time.Now().Add(-10*24*time.Hour))

	cfg := retentionCfg()
	cfg.DryRun = true

	s := sweeper.NewSweeper(f.log, f.svc, cfg)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Archived)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, arch0.SizeBytes, res.FreedBytes)

	// Nothing actually moved.
	got1, err := f.svc.Get(ctx, v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, got1.Status)

	got0, err := f.svc.Get(ctx, v0.VersionID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusArchived, got0.Status)
}

func TestSweeperLifecycle(t *testing.T) {
	f := setup(t)

	v1 := register(t, f.svc, "u1", "weights-1")
	register(t, f.svc, "u1", "weights-2")
	backdate(t, f, v1, time.Now().Add(-10*24*time.Hour))

	cfg := retentionCfg()
	cfg.Interval = "20ms"

	s := sweeper.NewSweeper(f.log, f.svc, cfg)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), v1.VersionID)

		return err == nil && got.Status == registry.StatusArchived
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
}
