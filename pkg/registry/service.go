package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/errdef"
)

// RegisterInput stages a new artifact version for the catalog.
type RegisterInput struct {
	UserID    string
	Kind      string
	VersionID string
	SourceDir string
	Config    *artifact.TrainingConfig
	FinalLoss float64
	BestLoss  float64
	LossCurve []float64
	TrainedAt time.Time
}

// Service is the registry facade: catalog rows and version files always
// change together through it.
type Service struct {
	log         logrus.FieldLogger
	store       Store
	files       *artifact.Store
	usageWindow time.Duration
}

// NewService creates the registry service. usageWindow guards deletion of
// recently used artifacts.
func NewService(
	log logrus.FieldLogger,
	store Store,
	files *artifact.Store,
	usageWindow time.Duration,
) *Service {
	return &Service{
		log:         log.WithField("component", "registry"),
		store:       store,
		files:       files,
		usageWindow: usageWindow,
	}
}

// Store exposes the catalog store to collaborating components.
func (s *Service) Store() Store {
	return s.store
}

// Files exposes the artifact file store to collaborating components.
func (s *Service) Files() *artifact.Store {
	return s.files
}

// UsageWindow returns the configured usage lookback.
func (s *Service) UsageWindow() time.Duration {
	return s.usageWindow
}

// Register validates and imports a staged artifact, computes its content
// hash, writes the metadata sidecar, and upserts the catalog row.
// Re-registering an existing version archives the prior files first. A
// duplicate payload (same user and hash, still active) is rejected.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Artifact, error) {
	if !artifact.ValidUserID(in.UserID) {
		return nil, fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, in.UserID)
	}

	if !artifact.ValidKind(in.Kind) {
		return nil, fmt.Errorf("%w: unknown artifact kind %q", errdef.ErrValidation, in.Kind)
	}

	if in.SourceDir == "" {
		return nil, fmt.Errorf("%w: source directory is required", errdef.ErrValidation)
	}

	version := in.VersionID
	if version == "" {
		version = artifact.NewVersionID(time.Now())
	}

	if in.Config != nil {
		if err := artifact.WriteTrainingConfig(in.SourceDir, in.Config); err != nil {
			return nil, err
		}
	}

	hash, err := artifact.HashDir(in.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("hashing staged artifact: %w", err)
	}

	dup, err := s.store.GetActiveArtifactByHash(ctx, in.UserID, hash)
	if err != nil {
		return nil, err
	}

	if dup != nil && dup.VersionID != version {
		return nil, fmt.Errorf("%w: identical payload registered as %s",
			errdef.ErrAlreadyExists, dup.VersionID)
	}

	dir, err := s.files.ImportVersion(in.UserID, version, in.SourceDir)
	if err != nil {
		return nil, err
	}

	size, err := s.files.VersionSize(in.UserID, version)
	if err != nil {
		return nil, fmt.Errorf("sizing %s: %w", version, err)
	}

	now := time.Now().UTC()

	trainedAt := in.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = now
	}

	row := &Artifact{
		VersionID:   version,
		UserID:      in.UserID,
		Kind:        in.Kind,
		Path:        dir,
		ContentHash: hash,
		SizeBytes:   size,
		Status:      StatusActive,
		FinalLoss:   in.FinalLoss,
		BestLoss:    in.BestLoss,
		TrainedAt:   trainedAt,
		CreatedAt:   now,
	}
	row.SetLossCurve(in.LossCurve)

	if in.Config != nil {
		if data, err := json.Marshal(in.Config); err == nil {
			row.ConfigJSON = string(data)
		}
	}

	if err := s.files.WriteMetadata(in.UserID, version, &artifact.Metadata{
		VersionID:   version,
		UserID:      in.UserID,
		Kind:        in.Kind,
		ContentHash: hash,
		SizeBytes:   size,
		FinalLoss:   in.FinalLoss,
		BestLoss:    in.BestLoss,
		TrainedAt:   trainedAt,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	if err := s.store.UpsertArtifact(ctx, row); err != nil {
		if rmErr := s.files.RemoveVersion(in.UserID, version); rmErr != nil {
			s.log.WithError(rmErr).Warn("Failed to remove files after catalog error")
		}

		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user":    in.UserID,
		"version": version,
		"kind":    in.Kind,
		"size":    size,
		"hash":    hash[:12],
	}).Info("Registered artifact")

	return row, nil
}

// Get returns one catalog row by version id.
func (s *Service) Get(ctx context.Context, versionID string) (*Artifact, error) {
	return s.store.GetArtifact(ctx, versionID)
}

// Resolve returns the artifact named by ref, or the user's newest active
// version when ref is empty.
func (s *Service) Resolve(ctx context.Context, userID, ref string) (*Artifact, error) {
	if ref == "" {
		return s.store.NewestActiveArtifact(ctx, userID)
	}

	a, err := s.store.GetArtifact(ctx, ref)
	if err != nil {
		return nil, err
	}

	if a.UserID != userID {
		return nil, fmt.Errorf("%w: artifact %s does not belong to user %s",
			errdef.ErrNotFound, ref, userID)
	}

	return a, nil
}

// List returns catalog rows matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Artifact, error) {
	return s.store.ListArtifacts(ctx, f)
}

// ListUsers returns every user with at least one catalog row.
func (s *Service) ListUsers(ctx context.Context) ([]string, error) {
	return s.store.ListUsers(ctx)
}

// Archive retires an artifact: status flip plus file move into the user's
// archived area. The live version cannot be archived.
func (s *Service) Archive(ctx context.Context, versionID, reason string) (*Artifact, error) {
	a, err := s.store.GetArtifact(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if a.Status == StatusArchived {
		return nil, fmt.Errorf("%w: artifact %s is already archived", errdef.ErrConflict, versionID)
	}

	live, err := s.isLive(ctx, a)
	if err != nil {
		return nil, err
	}

	if live {
		return nil, fmt.Errorf("%w: artifact %s is the live deployment", errdef.ErrConflict, versionID)
	}

	archivedPath, err := s.files.ArchiveVersion(a.UserID, versionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.Status = StatusArchived
	a.ArchivedAt = &now
	a.ArchiveReason = reason
	a.Path = archivedPath

	if err := s.store.SaveArtifact(ctx, a); err != nil {
		// Put the files back so catalog and disk stay aligned.
		if rbErr := os.Rename(archivedPath, s.files.VersionDir(a.UserID, versionID)); rbErr != nil {
			s.log.WithError(rbErr).Error("Failed to restore files after catalog error")
		}

		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user":    a.UserID,
		"version": versionID,
		"reason":  reason,
	}).Info("Archived artifact")

	return a, nil
}

// Delete removes an artifact's catalog row and files together. The live
// version is never deletable. Without force, usage inside the retention
// window blocks deletion.
func (s *Service) Delete(ctx context.Context, versionID string, force bool) error {
	a, err := s.store.GetArtifact(ctx, versionID)
	if err != nil {
		return err
	}

	live, err := s.isLive(ctx, a)
	if err != nil {
		return err
	}

	if live {
		return fmt.Errorf("%w: artifact %s is the live deployment", errdef.ErrConflict, versionID)
	}

	if !force {
		lastUsed, err := s.store.LastUsedAt(ctx, versionID)
		if err != nil {
			return err
		}

		if lastUsed != nil && time.Since(*lastUsed) < s.usageWindow {
			return fmt.Errorf("%w: artifact %s was used %s ago, inside the %s retention window",
				errdef.ErrConflict, versionID,
				time.Since(*lastUsed).Round(time.Minute), s.usageWindow)
		}
	}

	path := a.Path

	err = s.store.DeleteArtifact(ctx, versionID, func() error {
		return s.files.RemoveDir(path)
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"user":    a.UserID,
		"version": versionID,
		"force":   force,
	}).Info("Deleted artifact")

	return nil
}

// isLive reports whether a is its user's live deployment.
func (s *Service) isLive(ctx context.Context, a *Artifact) (bool, error) {
	d, err := s.store.GetDeployment(ctx, a.UserID)
	if err != nil {
		return false, err
	}

	return d != nil && d.LiveVersionID == a.VersionID, nil
}

// RecordUsage appends a usage record for an existing artifact.
func (s *Service) RecordUsage(ctx context.Context, r *UsageRecord) error {
	if _, err := s.store.GetArtifact(ctx, r.VersionID); err != nil {
		return err
	}

	return s.store.CreateUsageRecord(ctx, r)
}

// Stats aggregates usage for an artifact over the given window; window
// zero means the configured default.
func (s *Service) Stats(
	ctx context.Context, versionID string, window time.Duration,
) (*UsageStats, error) {
	if _, err := s.store.GetArtifact(ctx, versionID); err != nil {
		return nil, err
	}

	if window <= 0 {
		window = s.usageWindow
	}

	return s.store.UsageStats(ctx, versionID, time.Now().UTC().Add(-window))
}

// AddEvaluation appends an evaluation row.
func (s *Service) AddEvaluation(ctx context.Context, e *Evaluation) error {
	return s.store.CreateEvaluation(ctx, e)
}

// Evaluations returns all evaluations of an artifact in append order.
func (s *Service) Evaluations(ctx context.Context, versionID string) ([]Evaluation, error) {
	if _, err := s.store.GetArtifact(ctx, versionID); err != nil {
		return nil, err
	}

	return s.store.ListEvaluations(ctx, versionID)
}
