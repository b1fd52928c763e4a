// Package deploy promotes registered artifact versions into per-user
// deployment slots and maintains the live pointer.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/fsutil"
	"github.com/modelyard/modelyard/pkg/notify"
	"github.com/modelyard/modelyard/pkg/registry"
	"github.com/modelyard/modelyard/pkg/userlock"
)

const slotPrefix = "deployed_"

var slotPattern = regexp.MustCompile(`^deployed_\d{8}T\d{6}_[0-9a-f]{8}$`)

// Mirror copies a promoted version to remote object storage.
type Mirror interface {
	MirrorVersion(ctx context.Context, user, version, dir string) error
}

// Status describes one user's deployment.
type Status struct {
	UserID        string    `json:"user_id"`
	LiveVersionID string    `json:"live_version_id"`
	LiveSlot      string    `json:"live_slot"`
	SlotBytes     int64     `json:"slot_bytes"`
	SlotCount     int       `json:"slot_count"`
	PromotedAt    time.Time `json:"promoted_at"`
	History       []string  `json:"history,omitempty"`
	NotifyAcked   bool      `json:"notify_acked"`
	NotifyError   string    `json:"notify_error,omitempty"`
}

// CleanupResult lists the slots a cleanup pass kept and removed.
type CleanupResult struct {
	Kept       []string `json:"kept"`
	Removed    []string `json:"removed"`
	BytesFreed int64    `json:"bytes_freed"`
}

// Controller owns the deployment layout:
//
//	<deploy_root>/<user>/deployed_<ts>_<id>/
//	<deploy_root>/<user>/latest -> <live slot>
//
// The catalog pointer row is the record of what is live; the symlinks are
// its filesystem view. Mutations for the same user serialize on a per-user
// lock.
type Controller struct {
	log          logrus.FieldLogger
	reg          *registry.Service
	notifier     notify.Notifier
	mirror       Mirror
	locks        *userlock.Locker
	root         string
	owner        *fsutil.OwnerConfig
	keepSlots    int
	historyLimit int
}

// NewController creates the deployment controller. mirror may be nil when
// no object-storage mirroring is configured.
func NewController(
	log logrus.FieldLogger,
	cfg *config.DeployConfig,
	reg *registry.Service,
	notifier notify.Notifier,
	mirror Mirror,
	deployRoot string,
	owner *fsutil.OwnerConfig,
) *Controller {
	keep := cfg.KeepSlots
	if keep <= 0 {
		keep = config.DefaultKeepSlots
	}

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = config.DefaultHistoryLimit
	}

	return &Controller{
		log:          log.WithField("component", "deploy"),
		reg:          reg,
		notifier:     notifier,
		mirror:       mirror,
		locks:        userlock.New(),
		root:         deployRoot,
		owner:        owner,
		keepSlots:    keep,
		historyLimit: limit,
	}
}

// Deploy promotes ref (or the user's newest active version when ref is
// empty) to live. The artifact is re-verified against its catalog hash
// before anything changes; on any failure the prior deployment stays live.
func (c *Controller) Deploy(ctx context.Context, user, ref string) (*registry.Deployment, error) {
	if !artifact.ValidUserID(user) {
		return nil, fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, user)
	}

	release := c.locks.Acquire(user)
	defer release()

	row, err := c.reg.Resolve(ctx, user, ref)
	if err != nil {
		return nil, err
	}

	if row.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: artifact %s is archived", errdef.ErrConflict, row.VersionID)
	}

	if err := c.verifyArtifact(row); err != nil {
		return nil, err
	}

	prior, err := c.reg.Store().GetDeployment(ctx, user)
	if err != nil {
		return nil, err
	}

	var history []string

	if prior != nil {
		history = prior.History()
		if prior.LiveVersionID != "" {
			history = pushHistory(history, prior.LiveVersionID, c.historyLimit)
		}
	}

	return c.promote(ctx, row, history, false)
}

// Rollback makes the most recent history entry live again and pushes the
// current live version onto history, so repeated rollbacks toggle between
// the last two deployments.
func (c *Controller) Rollback(ctx context.Context, user string) (*registry.Deployment, error) {
	if !artifact.ValidUserID(user) {
		return nil, fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, user)
	}

	release := c.locks.Acquire(user)
	defer release()

	prior, err := c.reg.Store().GetDeployment(ctx, user)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		return nil, fmt.Errorf("%w for user %s", errdef.ErrNoPriorDeployment, user)
	}

	history := prior.History()
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: history for user %s is empty", errdef.ErrNoPriorDeployment, user)
	}

	row, err := c.reg.Get(ctx, history[0])
	if err != nil {
		return nil, err
	}

	if err := c.verifyArtifact(row); err != nil {
		return nil, err
	}

	return c.promote(ctx, row, pushHistory(history[1:], prior.LiveVersionID, c.historyLimit), true)
}

// Cleanup removes deployment slots beyond the keep newest. The live slot
// survives every pass, even with keep 0. keep below zero means the
// configured default.
func (c *Controller) Cleanup(ctx context.Context, user string, keep int) (*CleanupResult, error) {
	if !artifact.ValidUserID(user) {
		return nil, fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, user)
	}

	if keep < 0 {
		keep = c.keepSlots
	}

	release := c.locks.Acquire(user)
	defer release()

	d, err := c.reg.Store().GetDeployment(ctx, user)
	if err != nil {
		return nil, err
	}

	liveSlot := ""
	if d != nil {
		liveSlot = filepath.Base(d.LiveSlot)
	}

	slots, err := c.listSlots(user)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}

	for i, name := range slots {
		if i < keep || name == liveSlot {
			result.Kept = append(result.Kept, name)

			continue
		}

		path := filepath.Join(c.root, user, name)

		size, err := fsutil.DirSize(path)
		if err != nil {
			size = 0
		}

		if err := os.RemoveAll(path); err != nil {
			return result, fmt.Errorf("removing slot %s: %w", name, err)
		}

		result.Removed = append(result.Removed, name)
		result.BytesFreed += size
	}

	c.log.WithFields(logrus.Fields{
		"user":    user,
		"kept":    len(result.Kept),
		"removed": len(result.Removed),
	}).Info("Cleaned up deployment slots")

	return result, nil
}

// Status returns the user's deployment, or ErrNotFound when nothing was
// ever deployed.
func (c *Controller) Status(ctx context.Context, user string) (*Status, error) {
	d, err := c.reg.Store().GetDeployment(ctx, user)
	if err != nil {
		return nil, err
	}

	if d == nil {
		return nil, fmt.Errorf("%w: user %s has no deployment", errdef.ErrNotFound, user)
	}

	return c.status(d), nil
}

// StatusAll returns every user's deployment status.
func (c *Controller) StatusAll(ctx context.Context) ([]Status, error) {
	rows, err := c.reg.Store().ListDeployments(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(rows))
	for i := range rows {
		statuses = append(statuses, *c.status(&rows[i]))
	}

	return statuses, nil
}

func (c *Controller) status(d *registry.Deployment) *Status {
	st := &Status{
		UserID:        d.UserID,
		LiveVersionID: d.LiveVersionID,
		LiveSlot:      d.LiveSlot,
		PromotedAt:    d.PromotedAt,
		History:       d.History(),
		NotifyAcked:   d.NotifyAcked,
		NotifyError:   d.NotifyError,
	}

	if size, err := fsutil.DirSize(d.LiveSlot); err == nil {
		st.SlotBytes = size
	}

	if slots, err := c.listSlots(d.UserID); err == nil {
		st.SlotCount = len(slots)
	}

	return st
}

// promote copies the artifact into a fresh slot, flips both latest
// symlinks, and saves the pointer row. The row save is the commit point;
// earlier failures restore the previous symlinks and drop the slot.
func (c *Controller) promote(
	ctx context.Context,
	row *registry.Artifact,
	history []string,
	rollback bool,
) (*registry.Deployment, error) {
	user := row.UserID
	userDir := filepath.Join(c.root, user)

	if err := fsutil.MkdirAll(userDir, 0o755, c.owner); err != nil {
		return nil, fmt.Errorf("creating deploy dir: %w", err)
	}

	slot := filepath.Join(userDir, newSlotName(time.Now()))

	if err := fsutil.CopyDir(row.Path, slot, c.owner); err != nil {
		os.RemoveAll(slot)

		return nil, fmt.Errorf("copying into slot: %w", err)
	}

	deployAlias := c.latestPath(user)
	storeAlias := c.reg.Files().LatestPath(user)

	priorDeployTarget, _ := os.Readlink(deployAlias)
	priorStoreTarget, _ := os.Readlink(storeAlias)

	if err := fsutil.ReplaceSymlink(slot, deployAlias); err != nil {
		os.RemoveAll(slot)

		return nil, fmt.Errorf("updating deploy alias: %w", err)
	}

	if err := fsutil.ReplaceSymlink(row.Path, storeAlias); err != nil {
		c.restoreAlias(deployAlias, priorDeployTarget)
		os.RemoveAll(slot)

		return nil, fmt.Errorf("updating latest alias: %w", err)
	}

	d := &registry.Deployment{
		UserID:        user,
		LiveVersionID: row.VersionID,
		LiveSlot:      slot,
		PromotedAt:    time.Now().UTC(),
	}
	d.SetHistory(history)

	if err := c.reg.Store().SaveDeployment(ctx, d); err != nil {
		c.restoreAlias(deployAlias, priorDeployTarget)
		c.restoreAlias(storeAlias, priorStoreTarget)
		os.RemoveAll(slot)

		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"user":     user,
		"version":  row.VersionID,
		"slot":     filepath.Base(slot),
		"rollback": rollback,
	}).Info("Promoted deployment")

	ev := notify.Event{
		UserID:     user,
		VersionID:  row.VersionID,
		Slot:       slot,
		PromotedAt: d.PromotedAt,
		Rollback:   rollback,
	}

	if err := c.notifier.Promoted(ctx, ev); err != nil {
		d.NotifyAcked = false
		d.NotifyError = err.Error()

		c.log.WithError(err).WithField("user", user).Warn("Deploy notification failed")
	} else {
		d.NotifyAcked = true
		d.NotifyError = ""
	}

	if err := c.reg.Store().SaveDeployment(ctx, d); err != nil {
		c.log.WithError(err).WithField("user", user).Warn("Failed to record notify outcome")
	}

	if c.mirror != nil {
		if err := c.mirror.MirrorVersion(ctx, user, row.VersionID, row.Path); err != nil {
			c.log.WithError(err).WithField("version", row.VersionID).Warn("Mirror upload failed")
		}
	}

	return d, nil
}

// verifyArtifact re-checks the catalog hash against the files on disk.
// Uses the row path rather than the canonical layout so rollback targets
// that were archived in the meantime still verify.
func (c *Controller) verifyArtifact(row *registry.Artifact) error {
	for _, name := range []string{artifact.ModelFileName, artifact.ConfigFileName} {
		if _, err := os.Stat(filepath.Join(row.Path, name)); err != nil {
			return fmt.Errorf("%w: %s missing for %s", errdef.ErrIntegrity, name, row.VersionID)
		}
	}

	got, err := artifact.HashDir(row.Path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", row.VersionID, err)
	}

	if got != row.ContentHash {
		return fmt.Errorf("%w: content hash mismatch for %s", errdef.ErrIntegrity, row.VersionID)
	}

	return nil
}

func (c *Controller) latestPath(user string) string {
	return filepath.Join(c.root, user, artifact.LatestAlias)
}

// listSlots returns the user's slot directory names, newest first. Slots
// are immutable after the copy, so directory mtime is creation time and
// orders same-second deploys correctly where the name prefix cannot.
func (c *Controller) listSlots(user string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, user))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading deploy dir: %w", err)
	}

	type slotInfo struct {
		name string
		mod  time.Time
	}

	var slots []slotInfo

	for _, entry := range entries {
		if !entry.IsDir() || !slotPattern.MatchString(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		slots = append(slots, slotInfo{name: entry.Name(), mod: info.ModTime()})
	}

	sort.Slice(slots, func(i, j int) bool {
		if slots[i].mod.Equal(slots[j].mod) {
			return slots[i].name > slots[j].name
		}

		return slots[i].mod.After(slots[j].mod)
	})

	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.name)
	}

	return names, nil
}

func (c *Controller) restoreAlias(link, target string) {
	if target == "" {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			c.log.WithError(err).WithField("link", link).Warn("Failed to restore alias")
		}

		return
	}

	if err := fsutil.ReplaceSymlink(target, link); err != nil {
		c.log.WithError(err).WithField("link", link).Warn("Failed to restore alias")
	}
}

func newSlotName(now time.Time) string {
	return fmt.Sprintf("%s%s_%s", slotPrefix, now.UTC().Format("20060102T150405"), artifact.ShortID())
}

// pushHistory prepends version and bounds the result.
func pushHistory(history []string, version string, limit int) []string {
	out := make([]string, 0, len(history)+1)
	out = append(out, version)
	out = append(out, history...)

	if len(out) > limit {
		out = out[:limit]
	}

	return out
}
