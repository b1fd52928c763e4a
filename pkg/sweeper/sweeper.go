// Package sweeper retires old artifacts in the background: superseded
// versions past the retention window are archived, and archived versions
// past the grace period are deleted for good.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/registry"
)

// Result summarizes one sweep pass.
type Result struct {
	Examined   int64 `json:"examined"`
	Archived   int64 `json:"archived"`
	Deleted    int64 `json:"deleted"`
	FreedBytes int64 `json:"freed_bytes"`
}

// Sweeper is a background service that periodically walks the catalog and
// applies the retention policy. The live deployment of a user is never
// touched; everything else ages out in two steps, active to archived to
// gone.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error
	Sweep(ctx context.Context) (*Result, error)
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log         logrus.FieldLogger
	reg         *registry.Service
	interval    time.Duration
	concurrency int
	retention   time.Duration
	grace       time.Duration
	dryRun      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewSweeper creates a sweeper from the retention configuration.
func NewSweeper(
	log logrus.FieldLogger,
	reg *registry.Service,
	cfg *config.RetentionConfig,
) Sweeper {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultRetentionConcurrency
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = config.DefaultRetentionDays
	}

	graceDays := cfg.ArchiveGraceDays
	if graceDays <= 0 {
		graceDays = config.DefaultArchiveGraceDays
	}

	return &sweeper{
		log:         log.WithField("component", "sweeper"),
		reg:         reg,
		interval:    cfg.IntervalDuration(),
		concurrency: concurrency,
		retention:   time.Duration(retentionDays) * 24 * time.Hour,
		grace:       time.Duration(graceDays) * 24 * time.Hour,
		dryRun:      cfg.DryRun,
		done:        make(chan struct{}),
	}
}

// Start launches the background loop: one immediate pass, then one per
// interval. The first pass is asynchronous so startup is not blocked.
func (s *sweeper) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":  s.interval.String(),
		"retention": s.retention.String(),
		"grace":     s.grace.String(),
		"dry_run":   s.dryRun,
	}).Info("Starting retention sweeper")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the sweeper goroutine to stop and waits for it.
func (s *sweeper) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Retention sweeper stopped")

	return nil
}

func (s *sweeper) runPass(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.log.WithError(err).Warn("Sweep pass failed")
	}
}

// Sweep executes one pass over every user, with bounded concurrency.
// Per-user failures are logged and skipped so one bad user cannot stall
// the rest.
func (s *sweeper) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()

	users, err := s.reg.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	var examined, archived, deleted, freed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, user := range users {
		user := user
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-s.done:
				return nil
			default:
			}

			res, err := s.sweepUser(gCtx, user)
			if err != nil {
				s.log.WithError(err).WithField("user", user).Warn("Sweep failed for user")

				return nil
			}

			examined.Add(res.Examined)
			archived.Add(res.Archived)
			deleted.Add(res.Deleted)
			freed.Add(res.FreedBytes)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sweeping users: %w", err)
	}

	out := &Result{
		Examined:   examined.Load(),
		Archived:   archived.Load(),
		Deleted:    deleted.Load(),
		FreedBytes: freed.Load(),
	}

	s.log.WithFields(logrus.Fields{
		"users":    len(users),
		"examined": out.Examined,
		"archived": out.Archived,
		"deleted":  out.Deleted,
		"freed":    out.FreedBytes,
		"dry_run":  s.dryRun,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Sweep pass completed")

	return out, nil
}

// sweepUser applies the retention policy to a single user's artifacts.
func (s *sweeper) sweepUser(ctx context.Context, user string) (*Result, error) {
	res := &Result{}
	now := time.Now()

	live := ""

	if d, err := s.reg.Store().GetDeployment(ctx, user); err != nil {
		return nil, fmt.Errorf("reading deployment: %w", err)
	} else if d != nil {
		live = d.LiveVersionID
	}

	actives, err := s.reg.List(ctx, registry.Filter{UserID: user, Status: registry.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("listing active artifacts: %w", err)
	}

	cutoff := now.Add(-s.retention)

	// Rows are newest first; the newest active version is never superseded
	// and never a candidate.
	for i := 1; i < len(actives); i++ {
		a := &actives[i]
		res.Examined++

		if a.VersionID == live || a.CreatedAt.After(cutoff) {
			continue
		}

		lastUsed, err := s.reg.Store().LastUsedAt(ctx, a.VersionID)
		if err != nil {
			return nil, fmt.Errorf("reading usage for %s: %w", a.VersionID, err)
		}

		if lastUsed != nil && lastUsed.After(cutoff) {
			continue
		}

		if s.dryRun {
			s.log.WithFields(logrus.Fields{
				"user":    user,
				"version": a.VersionID,
			}).Info("Would archive artifact")

			res.Archived++

			continue
		}

		// The service re-checks liveness, so a deploy racing this pass
		// cannot lose its version.
		if _, err := s.reg.Archive(ctx, a.VersionID, "retention sweep"); err != nil {
			s.log.WithError(err).WithField("version", a.VersionID).Warn("Archive failed")

			continue
		}

		res.Archived++
	}

	archivedRows, err := s.reg.List(ctx, registry.Filter{UserID: user, Status: registry.StatusArchived})
	if err != nil {
		return nil, fmt.Errorf("listing archived artifacts: %w", err)
	}

	graceCutoff := now.Add(-s.grace)

	for i := range archivedRows {
		a := &archivedRows[i]
		res.Examined++

		archivedAt := a.CreatedAt
		if a.ArchivedAt != nil {
			archivedAt = *a.ArchivedAt
		}

		if archivedAt.After(graceCutoff) {
			continue
		}

		if s.dryRun {
			s.log.WithFields(logrus.Fields{
				"user":    user,
				"version": a.VersionID,
			}).Info("Would delete artifact")

			res.Deleted++
			res.FreedBytes += a.SizeBytes

			continue
		}

		if err := s.reg.Delete(ctx, a.VersionID, false); err != nil {
			// Recent usage keeps the artifact for another pass.
			s.log.WithError(err).WithField("version", a.VersionID).Debug("Delete deferred")

			continue
		}

		res.Deleted++
		res.FreedBytes += a.SizeBytes
	}

	return res, nil
}
