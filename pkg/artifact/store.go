package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/fsutil"
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidUserID reports whether id is safe to use as a path element.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id) && id != ArchivedDirName && id != LatestAlias
}

// Store manages the on-disk layout of versioned artifacts:
//
//	<root>/<user>/<version>/{model.bin,training_config.yaml,metadata.json}
//	<root>/<user>/latest -> <version dir of the live deployment>
//	<root>/<user>/archived/<ts>_<version>/
type Store struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.OwnerConfig
}

// NewStore creates an artifact store rooted at root. Imported files are
// chowned to owner when set.
func NewStore(log logrus.FieldLogger, root string, owner *fsutil.OwnerConfig) *Store {
	return &Store{
		log:   log.WithField("component", "artifact-store"),
		root:  root,
		owner: owner,
	}
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// UserDir returns the directory holding all of a user's versions.
func (s *Store) UserDir(user string) string {
	return filepath.Join(s.root, user)
}

// VersionDir returns the directory of one version.
func (s *Store) VersionDir(user, version string) string {
	return filepath.Join(s.root, user, version)
}

// LatestPath returns the per-user latest alias path.
func (s *Store) LatestPath(user string) string {
	return filepath.Join(s.root, user, LatestAlias)
}

// ImportVersion moves the payload staged in srcDir into the store. The
// source must contain the model payload and training config. An existing
// directory for the same version is archived first, never overwritten.
// Returns the final version directory.
func (s *Store) ImportVersion(user, version, srcDir string) (string, error) {
	if !ValidUserID(user) {
		return "", fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, user)
	}

	if _, err := ParseVersionID(version); err != nil {
		return "", err
	}

	for _, name := range []string{ModelFileName, ConfigFileName} {
		if _, err := os.Stat(filepath.Join(srcDir, name)); err != nil {
			return "", fmt.Errorf("%w: staged artifact missing %s", errdef.ErrValidation, name)
		}
	}

	dir := s.VersionDir(user, version)

	if _, err := os.Stat(dir); err == nil {
		archived, err := s.ArchiveVersion(user, version)
		if err != nil {
			return "", fmt.Errorf("archiving prior %s: %w", version, err)
		}

		s.log.WithFields(logrus.Fields{
			"user":     user,
			"version":  version,
			"archived": archived,
		}).Warn("Displaced existing version directory")
	}

	if err := fsutil.CopyDir(srcDir, dir, s.owner); err != nil {
		os.RemoveAll(dir)

		return "", fmt.Errorf("importing %s: %w", version, err)
	}

	return dir, nil
}

// ArchiveVersion moves a version directory into the user's archived area
// and returns the destination path.
func (s *Store) ArchiveVersion(user, version string) (string, error) {
	dir := s.VersionDir(user, version)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: version %s has no files", errdef.ErrNotFound, version)
	}

	dest := filepath.Join(s.UserDir(user), ArchivedDirName,
		fmt.Sprintf("%d_%s", time.Now().Unix(), version))

	if err := fsutil.MkdirAll(filepath.Dir(dest), 0o755, s.owner); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}

	if err := os.Rename(dir, dest); err != nil {
		return "", fmt.Errorf("archiving %s: %w", version, err)
	}

	return dest, nil
}

// RemoveVersion deletes a version directory outright.
func (s *Store) RemoveVersion(user, version string) error {
	if err := os.RemoveAll(s.VersionDir(user, version)); err != nil {
		return fmt.Errorf("removing %s: %w", version, err)
	}

	return nil
}

// RemoveDir deletes a directory that must live under the store root.
// Catalog rows track moved paths (archived versions), so deletion goes
// through this rather than reconstructing the path.
func (s *Store) RemoveDir(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: path %q is outside the store root", errdef.ErrValidation, path)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}

	return nil
}

// SetLatest atomically points the user's latest alias at version.
func (s *Store) SetLatest(user, version string) error {
	if err := fsutil.MkdirAll(s.UserDir(user), 0o755, s.owner); err != nil {
		return fmt.Errorf("creating user dir: %w", err)
	}

	if err := fsutil.ReplaceSymlink(s.VersionDir(user, version), s.LatestPath(user)); err != nil {
		return fmt.Errorf("updating latest alias: %w", err)
	}

	return nil
}

// Latest returns the version the latest alias points at, or empty when no
// alias exists.
func (s *Store) Latest(user string) (string, error) {
	target, err := os.Readlink(s.LatestPath(user))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("reading latest alias: %w", err)
	}

	return filepath.Base(target), nil
}

// ListVersions returns the user's version ids sorted ascending, which is
// creation order given the timestamp prefix.
func (s *Store) ListVersions(user string) ([]string, error) {
	entries, err := os.ReadDir(s.UserDir(user))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading user dir: %w", err)
	}

	var versions []string

	for _, entry := range entries {
		if entry.IsDir() && versionIDPattern.MatchString(entry.Name()) {
			versions = append(versions, entry.Name())
		}
	}

	sort.Strings(versions)

	return versions, nil
}

// VerifyVersion checks that a version's payload files exist and, when
// wantHash is set, that the recomputed content hash matches.
func (s *Store) VerifyVersion(user, version, wantHash string) error {
	dir := s.VersionDir(user, version)

	for _, name := range []string{ModelFileName, ConfigFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w: %s missing for %s", errdef.ErrIntegrity, name, version)
		}
	}

	got, err := HashDir(dir)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", version, err)
	}

	if wantHash != "" && got != wantHash {
		return fmt.Errorf("%w: content hash mismatch for %s", errdef.ErrIntegrity, version)
	}

	return nil
}

// HashVersion recomputes the content hash of a stored version.
func (s *Store) HashVersion(user, version string) (string, error) {
	return HashDir(s.VersionDir(user, version))
}

// VersionSize returns the total payload size of a stored version.
func (s *Store) VersionSize(user, version string) (int64, error) {
	return fsutil.DirSize(s.VersionDir(user, version))
}

// WriteMetadata writes the metadata sidecar atomically.
func (s *Store) WriteMetadata(user, version string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	path := filepath.Join(s.VersionDir(user, version), MetadataFileName)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	fsutil.Chown(path, s.owner)

	return nil
}

// ReadMetadata reads the metadata sidecar of a stored version.
func (s *Store) ReadMetadata(user, version string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.VersionDir(user, version), MetadataFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: metadata for %s", errdef.ErrNotFound, version)
		}

		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	return &m, nil
}

// WriteTrainingConfig writes the training config into a directory, which
// may be a staging dir not yet imported.
func WriteTrainingConfig(dir string, tc *TrainingConfig) error {
	data, err := yaml.Marshal(tc)
	if err != nil {
		return fmt.Errorf("encoding training config: %w", err)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, ConfigFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing training config: %w", err)
	}

	return nil
}

// ReadTrainingConfig reads the training config from a version directory.
func ReadTrainingConfig(dir string) (*TrainingConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: training config", errdef.ErrNotFound)
		}

		return nil, fmt.Errorf("reading training config: %w", err)
	}

	var tc TrainingConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("decoding training config: %w", err)
	}

	return &tc, nil
}
