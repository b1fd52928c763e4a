package deploy_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
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
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	fail   bool
}

func (r *recordingNotifier) Promoted(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail {
		return errors.New("notify endpoint down")
	}

	r.events = append(r.events, ev)

	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

type fixture struct {
	ctrl     *deploy.Controller
	svc      *registry.Service
	store    registry.Store
	notifier *recordingNotifier
	root     string
}

func setup(t *testing.T, cfg *config.DeployConfig) *fixture {
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

	if cfg == nil {
		cfg = &config.DeployConfig{}
	}

	notifier := &recordingNotifier{}
	root := t.TempDir()

	return &fixture{
		ctrl:     deploy.NewController(log, cfg, svc, notifier, nil, root, nil),
		svc:      svc,
		store:    store,
		notifier: notifier,
		root:     root,
	}
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

func TestDeployPromotesNewestActive(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	register(t, f.svc, "u1", "weights-a")
	b := register(t, f.svc, "u1", "weights-b")

	d, err := f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, d.LiveVersionID)
	assert.Empty(t, d.History())
	assert.True(t, d.NotifyAcked)

	// The slot holds a copy of the payload.
	data, err := os.ReadFile(filepath.Join(d.LiveSlot, artifact.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "weights-b", string(data))

	// Both aliases point at the new deployment.
	target, err := os.Readlink(filepath.Join(f.root, "u1", artifact.LatestAlias))
	require.NoError(t, err)
	assert.Equal(t, d.LiveSlot, target)

	target, err = os.Readlink(f.svc.Files().LatestPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, b.Path, target)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, b.VersionID, f.notifier.events[0].VersionID)
	assert.False(t, f.notifier.events[0].Rollback)
}

func TestDeployExplicitVersion(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	register(t, f.svc, "u1", "weights-b")

	d, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, d.LiveVersionID)

	_, err = f.ctrl.Deploy(ctx, "u1", "v20260101T000000_deadbeef")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	_, err = f.ctrl.Deploy(ctx, "nobody", "")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestDeployRejectsCorruptedArtifact(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	_, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
	require.NoError(t, err)

	b := register(t, f.svc, "u1", "weights-b")

	// Flip a single payload byte after registration.
	path := filepath.Join(b.Path, artifact.ModelFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = f.ctrl.Deploy(ctx, "u1", b.VersionID)
	assert.ErrorIs(t, err, errdef.ErrIntegrity)

	// The prior deployment stays live.
	st, err := f.ctrl.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, st.LiveVersionID)
	assert.Equal(t, 1, f.notifier.count())

	// A missing payload file is an integrity failure too.
	c := register(t, f.svc, "u1", "weights-c")
	require.NoError(t, os.Remove(filepath.Join(c.Path, artifact.ModelFileName)))

	_, err = f.ctrl.Deploy(ctx, "u1", c.VersionID)
	assert.ErrorIs(t, err, errdef.ErrIntegrity)
}

func TestDeployCorruptedFirstDeployLeavesNoPointer(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")

	path := filepath.Join(a.Path, artifact.ModelFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x80
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = f.ctrl.Deploy(ctx, "u1", "")
	assert.ErrorIs(t, err, errdef.ErrIntegrity)

	_, err = f.ctrl.Status(ctx, "u1")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestRollbackToggle(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	b := register(t, f.svc, "u1", "weights-b")

	_, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
	require.NoError(t, err)

	d, err := f.ctrl.Deploy(ctx, "u1", b.VersionID)
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, d.LiveVersionID)
	assert.Equal(t, []string{a.VersionID}, d.History())

	// First rollback restores A with B on history.
	d, err = f.ctrl.Rollback(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, d.LiveVersionID)
	assert.Equal(t, []string{b.VersionID}, d.History())

	data, err := os.ReadFile(filepath.Join(d.LiveSlot, artifact.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "weights-a", string(data))

	// A second rollback toggles back to B.
	d, err = f.ctrl.Rollback(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, d.LiveVersionID)
	assert.Equal(t, []string{a.VersionID}, d.History())

	last := f.notifier.events[len(f.notifier.events)-1]
	assert.True(t, last.Rollback)
}

func TestRollbackWithoutHistory(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	// Never deployed.
	_, err := f.ctrl.Rollback(ctx, "u1")
	assert.ErrorIs(t, err, errdef.ErrNoPriorDeployment)
	assert.ErrorIs(t, err, errdef.ErrConflict)

	// First deployment has nothing to roll back to.
	register(t, f.svc, "u1", "weights-a")
	_, err = f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)

	_, err = f.ctrl.Rollback(ctx, "u1")
	assert.ErrorIs(t, err, errdef.ErrNoPriorDeployment)
}

func TestRollbackToArchivedVersion(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	b := register(t, f.svc, "u1", "weights-b")

	_, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
	require.NoError(t, err)
	_, err = f.ctrl.Deploy(ctx, "u1", b.VersionID)
	require.NoError(t, err)

	// Archiving moves A's files; rollback must still find and verify them.
	_, err = f.svc.Archive(ctx, a.VersionID, "superseded")
	require.NoError(t, err)

	d, err := f.ctrl.Rollback(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, d.LiveVersionID)

	data, err := os.ReadFile(filepath.Join(d.LiveSlot, artifact.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "weights-a", string(data))
}

func TestDeployArchivedVersionConflicts(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	register(t, f.svc, "u1", "weights-b")

	_, err := f.svc.Archive(ctx, a.VersionID, "old")
	require.NoError(t, err)

	_, err = f.ctrl.Deploy(ctx, "u1", a.VersionID)
	assert.ErrorIs(t, err, errdef.ErrConflict)
}

func TestHistoryBounded(t *testing.T) {
	f := setup(t, &config.DeployConfig{HistoryLimit: 2})
	ctx := context.Background()

	var versions []string

	for _, model := range []string{"w1", "w2", "w3", "w4"} {
		a := register(t, f.svc, "u1", model)
		versions = append(versions, a.VersionID)

		_, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
		require.NoError(t, err)
	}

	d, err := f.store.GetDeployment(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, versions[3], d.LiveVersionID)
	assert.Equal(t, []string{versions[2], versions[1]}, d.History())
}

func TestCleanupKeepsLive(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a := register(t, f.svc, "u1", "weights-a")
	b := register(t, f.svc, "u1", "weights-b")

	_, err := f.ctrl.Deploy(ctx, "u1", a.VersionID)
	require.NoError(t, err)
	_, err = f.ctrl.Deploy(ctx, "u1", b.VersionID)
	require.NoError(t, err)

	d, err := f.ctrl.Rollback(ctx, "u1")
	require.NoError(t, err)
	liveSlot := filepath.Base(d.LiveSlot)

	// Even keep 0 preserves the live slot.
	result, err := f.ctrl.Cleanup(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{liveSlot}, result.Kept)
	assert.Len(t, result.Removed, 2)
	assert.Positive(t, result.BytesFreed)
	assert.DirExists(t, d.LiveSlot)

	st, err := f.ctrl.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.SlotCount)
	assert.Equal(t, a.VersionID, st.LiveVersionID)

	// A keep larger than the slot count removes nothing.
	result, err = f.ctrl.Cleanup(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
}

func TestCleanupKeepsLiveWhenNotNewest(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	register(t, f.svc, "u1", "weights-a")
	d, err := f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)

	// A stray slot created after the live one must not displace it.
	stray := filepath.Join(f.root, "u1", "deployed_20991231T235959_deadbeef")
	require.NoError(t, os.MkdirAll(stray, 0o755))

	result, err := f.ctrl.Cleanup(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(d.LiveSlot)}, result.Kept)
	assert.Equal(t, []string{filepath.Base(stray)}, result.Removed)
	assert.DirExists(t, d.LiveSlot)
	assert.NoDirExists(t, stray)
}

func TestStatus(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.ctrl.Status(ctx, "u1")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	a := register(t, f.svc, "u1", "weights-a")
	register(t, f.svc, "u2", "weights-b")

	_, err = f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)
	_, err = f.ctrl.Deploy(ctx, "u2", "")
	require.NoError(t, err)

	st, err := f.ctrl.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, st.LiveVersionID)
	assert.Positive(t, st.SlotBytes)
	assert.Equal(t, 1, st.SlotCount)
	assert.False(t, st.PromotedAt.IsZero())

	all, err := f.ctrl.StatusAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNotifyFailureRecordedButDeploySucceeds(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	register(t, f.svc, "u1", "weights-a")
	f.notifier.fail = true

	d, err := f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, d.NotifyAcked)
	assert.Contains(t, d.NotifyError, "down")

	// The outcome is persisted on the pointer row.
	saved, err := f.store.GetDeployment(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.False(t, saved.NotifyAcked)
	assert.Contains(t, saved.NotifyError, "down")

	// A later successful notify clears the recorded error.
	f.notifier.fail = false
	register(t, f.svc, "u1", "weights-b")

	d, err = f.ctrl.Deploy(ctx, "u1", "")
	require.NoError(t, err)
	assert.True(t, d.NotifyAcked)
	assert.Empty(t, d.NotifyError)
}
