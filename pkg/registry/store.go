package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/errdef"
)

// Filter narrows artifact listings.
type Filter struct {
	UserID string
	Kind   string
	Status string
	Limit  int
}

// Store provides persistence for the artifact catalog.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Artifacts.
	UpsertArtifact(ctx context.Context, a *Artifact) error
	SaveArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, versionID string) (*Artifact, error)
	GetActiveArtifactByHash(ctx context.Context, userID, hash string) (*Artifact, error)
	NewestActiveArtifact(ctx context.Context, userID string) (*Artifact, error)
	ListArtifacts(ctx context.Context, f Filter) ([]Artifact, error)
	ListUsers(ctx context.Context) ([]string, error)
	DeleteArtifact(ctx context.Context, versionID string, removeFiles func() error) error

	// Evaluations.
	CreateEvaluation(ctx context.Context, e *Evaluation) error
	ListEvaluations(ctx context.Context, versionID string) ([]Evaluation, error)

	// Usage.
	CreateUsageRecord(ctx context.Context, r *UsageRecord) error
	UsageStats(ctx context.Context, versionID string, since time.Time) (*UsageStats, error)
	LastUsedAt(ctx context.Context, versionID string) (*time.Time, error)

	// Deployments.
	GetDeployment(ctx context.Context, userID string) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]Deployment, error)
	SaveDeployment(ctx context.Context, d *Deployment) error

	// Runs.
	CreateRun(ctx context.Context, r *Run) error
	SaveRun(ctx context.Context, r *Run) error
	UpdateRunFields(ctx context.Context, runID string, fields map[string]any) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ActiveRun(ctx context.Context, userID string) (*Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]Run, error)
	RequestCancel(ctx context.Context, runID string) error
	FailAbandonedRuns(ctx context.Context) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// Serializes writes; SQLite tolerates one writer at a time.
	writeMu sync.Mutex
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "registry-store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows one writer at a time, and pooled connections to
		// :memory: would each see a separate database.
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			return fmt.Errorf("getting underlying db: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Artifact{},
		&Evaluation{},
		&UsageRecord{},
		&Deployment{},
		&Run{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Catalog database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Artifacts ---

func (s *store) UpsertArtifact(ctx context.Context, a *Artifact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).
		Where("version_id = ?", a.VersionID).
		Assign(map[string]any{
			"user_id":         a.UserID,
			"kind":            a.Kind,
			"path":            a.Path,
			"content_hash":    a.ContentHash,
			"size_bytes":      a.SizeBytes,
			"status":          a.Status,
			"config_json":     a.ConfigJSON,
			"loss_curve_json": a.LossCurveJSON,
			"final_loss":      a.FinalLoss,
			"best_loss":       a.BestLoss,
			"trained_at":      a.TrainedAt,
		}).
		FirstOrCreate(a)
	if result.Error != nil {
		return fmt.Errorf("upserting artifact: %w", result.Error)
	}

	return nil
}

func (s *store) SaveArtifact(ctx context.Context, a *Artifact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}

	return nil
}

func (s *store) GetArtifact(
	ctx context.Context, versionID string,
) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: artifact %s", errdef.ErrNotFound, versionID)
		}

		return nil, fmt.Errorf("getting artifact: %w", err)
	}

	return &a, nil
}

func (s *store) GetActiveArtifactByHash(
	ctx context.Context, userID, hash string,
) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND content_hash = ? AND status = ?", userID, hash, StatusActive).
		First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting artifact by hash: %w", err)
	}

	return &a, nil
}

func (s *store) NewestActiveArtifact(
	ctx context.Context, userID string,
) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Order("id DESC").
		First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active artifacts for user %s", errdef.ErrNotFound, userID)
		}

		return nil, fmt.Errorf("getting newest artifact: %w", err)
	}

	return &a, nil
}

func (s *store) ListArtifacts(ctx context.Context, f Filter) ([]Artifact, error) {
	q := s.db.WithContext(ctx).Model(&Artifact{})

	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}

	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}

	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var artifacts []Artifact
	if err := q.Order("id DESC").Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	return artifacts, nil
}

func (s *store) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	if err := s.db.WithContext(ctx).
		Model(&Artifact{}).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// DeleteArtifact removes the catalog row plus its evaluations and usage
// records, then calls removeFiles inside the same transaction. Any failure
// rolls the whole deletion back.
func (s *store) DeleteArtifact(
	ctx context.Context, versionID string, removeFiles func() error,
) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("version_id = ?", versionID).Delete(&Artifact{})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: artifact %s", errdef.ErrNotFound, versionID)
		}

		if err := tx.Where("version_id = ?", versionID).Delete(&Evaluation{}).Error; err != nil {
			return err
		}

		if err := tx.Where("version_id = ?", versionID).Delete(&UsageRecord{}).Error; err != nil {
			return err
		}

		if removeFiles != nil {
			return removeFiles()
		}

		return nil
	})
	if err != nil {
		if errdef.IsClassified(err) {
			return err
		}

		return fmt.Errorf("deleting artifact: %w", err)
	}

	return nil
}

// --- Evaluations ---

func (s *store) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("creating evaluation: %w", err)
	}

	return nil
}

func (s *store) ListEvaluations(
	ctx context.Context, versionID string,
) ([]Evaluation, error) {
	var evals []Evaluation
	if err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("id ASC").
		Find(&evals).Error; err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}

	return evals, nil
}

// --- Usage ---

func (s *store) CreateUsageRecord(ctx context.Context, r *UsageRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("creating usage record: %w", err)
	}

	return nil
}

func (s *store) UsageStats(
	ctx context.Context, versionID string, since time.Time,
) (*UsageStats, error) {
	stats := &UsageStats{
		VersionID: versionID,
		Since:     since,
	}

	var records []UsageRecord
	if err := s.db.WithContext(ctx).
		Where("version_id = ? AND recorded_at >= ?", versionID, since).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading usage records: %w", err)
	}

	if len(records) == 0 {
		return stats, nil
	}

	latencies := make([]int64, 0, len(records))

	var totalLatency int64

	for i := range records {
		r := &records[i]

		stats.Requests++
		if r.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}

		stats.InputBytes += r.InputBytes
		stats.OutputBytes += r.OutputBytes
		totalLatency += r.LatencyMs
		latencies = append(latencies, r.LatencyMs)

		if stats.LastUsedAt == nil || r.RecordedAt.After(*stats.LastUsedAt) {
			t := r.RecordedAt
			stats.LastUsedAt = &t
		}
	}

	stats.SuccessRate = float64(stats.Successes) / float64(stats.Requests)
	stats.AvgLatencyMs = float64(totalLatency) / float64(stats.Requests)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.P50LatencyMs = percentile(latencies, 50)
	stats.P95LatencyMs = percentile(latencies, 95)

	return stats, nil
}

// percentile returns the p-th percentile of sorted values using
// nearest-rank.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}

	if rank > len(sorted) {
		rank = len(sorted)
	}

	return sorted[rank-1]
}

func (s *store) LastUsedAt(
	ctx context.Context, versionID string,
) (*time.Time, error) {
	var r UsageRecord
	if err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("recorded_at DESC").
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting last usage: %w", err)
	}

	return &r.RecordedAt, nil
}

// --- Deployments ---

func (s *store) GetDeployment(
	ctx context.Context, userID string,
) (*Deployment, error) {
	var d Deployment
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting deployment: %w", err)
	}

	return &d, nil
}

func (s *store) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var deployments []Deployment
	if err := s.db.WithContext(ctx).
		Order("user_id ASC").
		Find(&deployments).Error; err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}

	return deployments, nil
}

// SaveDeployment upserts the per-user pointer row in one transaction, so
// readers never observe a half-updated pointer.
func (s *store) SaveDeployment(ctx context.Context, d *Deployment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	d.UpdatedAt = time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Deployment

		result := tx.Where("user_id = ?", d.UserID).First(&existing)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return tx.Create(d).Error
			}

			return result.Error
		}

		d.ID = existing.ID

		return tx.Save(d).Error
	})
	if err != nil {
		return fmt.Errorf("saving deployment: %w", err)
	}

	return nil
}

// --- Runs ---

func (s *store) CreateRun(ctx context.Context, r *Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) SaveRun(ctx context.Context, r *Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r.UpdatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	return nil
}

// UpdateRunFields updates only the named columns. The orchestrator and the
// resource monitor write disjoint column sets concurrently; partial updates
// keep one writer from clobbering the other's fields.
func (s *store) UpdateRunFields(
	ctx context.Context, runID string, fields map[string]any,
) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	fields["updated_at"] = time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ?", runID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s", errdef.ErrNotFound, runID)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: run %s", errdef.ErrNotFound, runID)
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &r, nil
}

// ActiveRun returns the user's non-terminal run, or nil when none exists.
func (s *store) ActiveRun(ctx context.Context, userID string) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND state NOT IN ?", userID,
			[]string{RunStateCompleted, RunStateFailed, RunStateCancelled}).
		Order("id DESC").
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting active run: %w", err)
	}

	return &r, nil
}

func (s *store) ListRuns(
	ctx context.Context, userID string, limit int,
) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})

	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Order("id DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// RequestCancel flags the run for cooperative cancellation. The
// orchestrator observes the flag at stage boundaries. Terminal runs
// accept no further transitions.
func (s *store) RequestCancel(ctx context.Context, runID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND state NOT IN ?", runID,
			[]string{RunStateCompleted, RunStateFailed, RunStateCancelled}).
		Update("cancel_requested", true)
	if result.Error != nil {
		return fmt.Errorf("requesting cancel: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var r Run
		if err := s.db.WithContext(ctx).
			Where("run_id = ?", runID).
			First(&r).Error; err != nil {
			return fmt.Errorf("%w: run %s", errdef.ErrNotFound, runID)
		}

		return fmt.Errorf("%w: run %s is %s", errdef.ErrAlreadyTerminal, runID, r.State)
	}

	return nil
}

// FailAbandonedRuns marks every non-terminal run as failed. Called on
// startup: runs do not survive a process restart.
func (s *store) FailAbandonedRuns(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("state NOT IN ?",
			[]string{RunStateCompleted, RunStateFailed, RunStateCancelled}).
		Updates(map[string]any{
			"state":       RunStateFailed,
			"error":       "abandoned by restart",
			"finished_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing abandoned runs: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Warn("Failed abandoned runs from previous process")
	}

	return result.RowsAffected, nil
}
