package artifact_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/errdef"
)

func setupStore(t *testing.T) *artifact.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return artifact.NewStore(log, t.TempDir(), nil)
}

// stageArtifact creates a staging directory with payload and config files.
func stageArtifact(t *testing.T, model, cfg string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ModelFileName), []byte(model), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ConfigFileName), []byte(cfg), 0o644))

	return dir
}

func TestVersionID(t *testing.T) {
	now := time.Date(2026, 8, 23, 10, 15, 30, 0, time.UTC)

	id := artifact.NewVersionID(now)
	assert.Regexp(t, `^v20260823T101530_[0-9a-f]{8}$`, id)

	ts, err := artifact.ParseVersionID(id)
	require.NoError(t, err)
	assert.Equal(t, now, ts)

	later := artifact.NewVersionID(now.Add(time.Second))
	assert.Less(t, id, later, "ids sort by creation time")
}

func TestParseVersionIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "latest", "v20260823_abcd1234", "v20260823T101530_XYZ", "20260823T101530_abcd1234"} {
		_, err := artifact.ParseVersionID(id)
		assert.ErrorIs(t, err, errdef.ErrValidation, "id %q", id)
	}
}

func TestValidUserID(t *testing.T) {
	assert.True(t, artifact.ValidUserID("user_42"))
	assert.True(t, artifact.ValidUserID("alice.smith"))
	assert.False(t, artifact.ValidUserID(""))
	assert.False(t, artifact.ValidUserID("../evil"))
	assert.False(t, artifact.ValidUserID("a/b"))
	assert.False(t, artifact.ValidUserID("latest"))
	assert.False(t, artifact.ValidUserID("archived"))
}

func TestHashDir(t *testing.T) {
	a := stageArtifact(t, "weights-v1", "epochs: 10\n")
	b := stageArtifact(t, "weights-v1", "epochs: 10\n")

	hashA, err := artifact.HashDir(a)
	require.NoError(t, err)
	hashB, err := artifact.HashDir(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB, "identical payloads hash identically")
	assert.Len(t, hashA, 64)

	// The metadata sidecar must not affect the hash.
	require.NoError(t, os.WriteFile(filepath.Join(a, artifact.MetadataFileName), []byte("{}"), 0o644))
	hashWithMeta, err := artifact.HashDir(a)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashWithMeta)

	// A single flipped byte changes the hash.
	require.NoError(t, os.WriteFile(filepath.Join(b, artifact.ModelFileName), []byte("weights-v2"), 0o644))
	hashMutated, err := artifact.HashDir(b)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashMutated)
}

func TestImportVersion(t *testing.T) {
	store := setupStore(t)
	version := artifact.NewVersionID(time.Now())

	dir, err := store.ImportVersion("u1", version, stageArtifact(t, "weights", "epochs: 5\n"))
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, artifact.ModelFileName))

	versions, err := store.ListVersions("u1")
	require.NoError(t, err)
	assert.Equal(t, []string{version}, versions)
}

func TestImportVersionRejectsIncompletePayload(t *testing.T) {
	store := setupStore(t)

	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, artifact.ModelFileName), []byte("w"), 0o644))

	_, err := store.ImportVersion("u1", artifact.NewVersionID(time.Now()), staging)
	assert.ErrorIs(t, err, errdef.ErrValidation)
}

func TestImportVersionArchivesExisting(t *testing.T) {
	store := setupStore(t)
	version := artifact.NewVersionID(time.Now())

	_, err := store.ImportVersion("u1", version, stageArtifact(t, "first", "epochs: 5\n"))
	require.NoError(t, err)

	dir, err := store.ImportVersion("u1", version, stageArtifact(t, "second", "epochs: 5\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, artifact.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// The first import survives under archived/.
	archived, err := os.ReadDir(filepath.Join(store.UserDir("u1"), artifact.ArchivedDirName))
	require.NoError(t, err)
	require.Len(t, archived, 1)

	old, err := os.ReadFile(filepath.Join(
		store.UserDir("u1"), artifact.ArchivedDirName, archived[0].Name(), artifact.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "first", string(old))
}

func TestLatestAlias(t *testing.T) {
	store := setupStore(t)

	current, err := store.Latest("u1")
	require.NoError(t, err)
	assert.Empty(t, current)

	vA := artifact.NewVersionID(time.Now())
	vB := artifact.NewVersionID(time.Now().Add(time.Second))

	for _, v := range []string{vA, vB} {
		_, err := store.ImportVersion("u1", v, stageArtifact(t, "w-"+v, "epochs: 5\n"))
		require.NoError(t, err)
	}

	require.NoError(t, store.SetLatest("u1", vA))
	current, err = store.Latest("u1")
	require.NoError(t, err)
	assert.Equal(t, vA, current)

	require.NoError(t, store.SetLatest("u1", vB))
	current, err = store.Latest("u1")
	require.NoError(t, err)
	assert.Equal(t, vB, current)
}

func TestVerifyVersion(t *testing.T) {
	store := setupStore(t)
	version := artifact.NewVersionID(time.Now())

	dir, err := store.ImportVersion("u1", version, stageArtifact(t, "weights", "epochs: 5\n"))
	require.NoError(t, err)

	hash, err := store.HashVersion("u1", version)
	require.NoError(t, err)

	require.NoError(t, store.VerifyVersion("u1", version, hash))

	// Flip one byte of the payload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ModelFileName), []byte("Weights"), 0o644))
	assert.ErrorIs(t, store.VerifyVersion("u1", version, hash), errdef.ErrIntegrity)

	// Remove the payload entirely.
	require.NoError(t, os.Remove(filepath.Join(dir, artifact.ModelFileName)))
	assert.ErrorIs(t, store.VerifyVersion("u1", version, hash), errdef.ErrIntegrity)
}

func TestMetadataAndTrainingConfig(t *testing.T) {
	store := setupStore(t)
	version := artifact.NewVersionID(time.Now())

	staging := stageArtifact(t, "weights", "placeholder\n")
	require.NoError(t, artifact.WriteTrainingConfig(staging, &artifact.TrainingConfig{
		Kind:         artifact.KindVoice,
		Epochs:       30,
		LearningRate: 0.0005,
		Dataset:      "s3://datasets/u1/voice",
	}))

	dir, err := store.ImportVersion("u1", version, staging)
	require.NoError(t, err)

	tc, err := artifact.ReadTrainingConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 30, tc.Epochs)
	assert.Equal(t, artifact.KindVoice, tc.Kind)

	meta := &artifact.Metadata{
		VersionID:   version,
		UserID:      "u1",
		Kind:        artifact.KindVoice,
		ContentHash: "abc",
		FinalLoss:   0.21,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.WriteMetadata("u1", version, meta))

	got, err := store.ReadMetadata("u1", version)
	require.NoError(t, err)
	assert.Equal(t, meta.VersionID, got.VersionID)
	assert.Equal(t, meta.ContentHash, got.ContentHash)

	_, err = store.ReadMetadata("u1", artifact.NewVersionID(time.Now().Add(time.Minute)))
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}
