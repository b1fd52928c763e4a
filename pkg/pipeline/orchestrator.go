package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/deploy"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/eval"
	"github.com/modelyard/modelyard/pkg/fsutil"
	"github.com/modelyard/modelyard/pkg/registry"
	"github.com/modelyard/modelyard/pkg/userlock"
)

// Progress checkpoints per stage. Training interpolates between its start
// and end values from the trainer's own percentage.
const (
	progressPreprocessing = 5.0
	progressTrainingStart = 10.0
	progressTrainingEnd   = 90.0
	progressValidating    = 92.0
	progressDeploying     = 96.0
	progressCompleted     = 100.0
)

// errCancelRequested aborts in-flight work from the progress callback and
// marks the run cancelled instead of failed.
var errCancelRequested = errors.New("cancel requested")

// Config for the orchestrator.
type Config struct {
	DataDir         string
	DefaultEpochs   int
	MonitorInterval time.Duration
	MinScore        float64
}

// StartInput describes one training job.
type StartInput struct {
	UserID       string
	Kind         string
	DatasetDir   string
	Epochs       int
	LearningRate float64
	BatchSize    int
	BaseModel    string
	SkipDeploy   bool
	SkipCleanup  bool
}

// Orchestrator drives training runs through preprocess, train, validate,
// deploy and cleanup, persisting every state change. It owns all run
// fields except the resource columns, which belong to the monitor.
type Orchestrator struct {
	log      logrus.FieldLogger
	cfg      *Config
	reg      *registry.Service
	deployer *deploy.Controller
	engine   *eval.Engine
	pre      Preprocessor
	trainer  Trainer
	locks    *userlock.Locker
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. The deployer and engine may be
// nil; runs then skip deployment or evaluation respectively.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg *Config,
	reg *registry.Service,
	deployer *deploy.Controller,
	engine *eval.Engine,
	pre Preprocessor,
	trainer Trainer,
) *Orchestrator {
	if cfg.DataDir == "" {
		cfg.DataDir = config.DefaultDataDir
	}

	if cfg.DefaultEpochs <= 0 {
		cfg.DefaultEpochs = config.DefaultEpochs
	}

	if cfg.MinScore <= 0 {
		cfg.MinScore = config.DefaultMinScore
	}

	return &Orchestrator{
		log:      log.WithField("component", "pipeline"),
		cfg:      cfg,
		reg:      reg,
		deployer: deployer,
		engine:   engine,
		pre:      pre,
		trainer:  trainer,
		locks:    userlock.New(),
	}
}

// NewRunID returns a sortable run id.
func NewRunID(now time.Time) string {
	return "r" + now.UTC().Format("20060102T150405") + "_" + artifact.ShortID()
}

// Start runs the whole pipeline synchronously and returns the terminal
// run. A failed run returns the stage error alongside the run; cancelled
// and completed runs return nil.
func (o *Orchestrator) Start(ctx context.Context, in *StartInput) (*registry.Run, error) {
	run, err := o.begin(ctx, in)
	if err != nil {
		return nil, err
	}

	return o.execute(ctx, run, in)
}

// StartAsync creates the run and drives it in the background, returning
// the pending run immediately. The run outlives the caller's context.
func (o *Orchestrator) StartAsync(ctx context.Context, in *StartInput) (*registry.Run, error) {
	run, err := o.begin(ctx, in)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		if _, err := o.execute(context.Background(), run, in); err != nil {
			o.log.WithError(err).WithField("run_id", run.RunID).Warn("Background run ended with error")
		}
	}()

	return run, nil
}

// Stop waits for background runs to finish.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
}

// Cancel flags the user's active run for cooperative cancellation. The
// orchestrator acknowledges it at the next stage or epoch boundary.
func (o *Orchestrator) Cancel(ctx context.Context, userID string) (*registry.Run, error) {
	active, err := o.reg.Store().ActiveRun(ctx, userID)
	if err != nil {
		return nil, err
	}

	if active == nil {
		return nil, fmt.Errorf("%w: no active run for user %s", errdef.ErrNotFound, userID)
	}

	if err := o.reg.Store().RequestCancel(ctx, active.RunID); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"run_id": active.RunID,
		"user":   userID,
	}).Info("Cancellation requested")

	return o.reg.Store().GetRun(ctx, active.RunID)
}

// Active returns the user's non-terminal run, or nil when none exists.
func (o *Orchestrator) Active(ctx context.Context, userID string) (*registry.Run, error) {
	return o.reg.Store().ActiveRun(ctx, userID)
}

// Latest returns the user's most recent run, or nil when none exists.
func (o *Orchestrator) Latest(ctx context.Context, userID string) (*registry.Run, error) {
	runs, err := o.reg.Store().ListRuns(ctx, userID, 1)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, nil
	}

	return &runs[0], nil
}

// Runs returns the user's runs, newest first.
func (o *Orchestrator) Runs(ctx context.Context, userID string, limit int) ([]registry.Run, error) {
	return o.reg.Store().ListRuns(ctx, userID, limit)
}

// SnapshotPath returns where a run's JSON snapshot lives.
func (o *Orchestrator) SnapshotPath(runID string) string {
	return filepath.Join(o.cfg.DataDir, "runs", runID+".json")
}

// begin validates the input and creates the pending run. The per-user
// lock covers only the active-run check plus the insert: activity is a
// catalog query, and two concurrent starts cannot both pass it.
func (o *Orchestrator) begin(ctx context.Context, in *StartInput) (*registry.Run, error) {
	if !artifact.ValidUserID(in.UserID) {
		return nil, fmt.Errorf("%w: invalid user id %q", errdef.ErrValidation, in.UserID)
	}

	if !artifact.ValidKind(in.Kind) {
		return nil, fmt.Errorf("%w: unknown artifact kind %q", errdef.ErrValidation, in.Kind)
	}

	if in.DatasetDir == "" {
		return nil, fmt.Errorf("%w: dataset directory is required", errdef.ErrValidation)
	}

	epochs := in.Epochs
	if epochs <= 0 {
		epochs = o.cfg.DefaultEpochs
	}

	release := o.locks.Acquire(in.UserID)
	defer release()

	active, err := o.reg.Store().ActiveRun(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	if active != nil {
		return nil, fmt.Errorf("%w: run %s is %s", errdef.ErrRunActive, active.RunID, active.State)
	}

	now := time.Now()
	run := &registry.Run{
		RunID:       NewRunID(now),
		UserID:      in.UserID,
		Kind:        in.Kind,
		State:       registry.RunStatePending,
		Step:        "queued",
		TotalEpochs: epochs,
		StartedAt:   now,
	}
	run.AppendLog(fmt.Sprintf("run %s created for user %s", run.RunID, in.UserID))

	if err := o.reg.Store().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	o.writeSnapshot(ctx, run.RunID)

	o.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"user":   run.UserID,
		"kind":   run.Kind,
		"epochs": epochs,
	}).Info("Pipeline run created")

	return run, nil
}

// execute drives a created run through its stages to a terminal state.
func (o *Orchestrator) execute(
	ctx context.Context, run *registry.Run, in *StartInput,
) (*registry.Run, error) {
	log := o.log.WithFields(logrus.Fields{"run_id": run.RunID, "user": run.UserID})

	mon := newMonitor(o.log, o.reg.Store(), run.RunID, o.cfg.MonitorInterval)
	mon.start()
	defer mon.stop()

	// --- Preprocessing ---

	if err := o.checkCancel(ctx, run); err != nil {
		return o.finish(mon, run, err)
	}

	if err := o.advance(ctx, run, StatePreprocessing, "preprocessing dataset", progressPreprocessing); err != nil {
		return o.finish(mon, run, err)
	}

	prep, err := o.pre.Prepare(ctx, &PrepareRequest{
		UserID:     run.UserID,
		Kind:       run.Kind,
		DatasetDir: in.DatasetDir,
	})
	if err != nil {
		return o.finish(mon, run, classify(err, "preprocessing"))
	}

	if len(prep.Accepted) == 0 {
		return o.finish(mon, run, fmt.Errorf("%w: preprocessor accepted no samples (%d rejected)",
			errdef.ErrInsufficientData, len(prep.Rejected)))
	}

	datasetDir := prep.StagedDir
	if datasetDir == "" {
		datasetDir = in.DatasetDir
	}

	run.AppendLog(fmt.Sprintf("preprocessing accepted %d samples, rejected %d",
		len(prep.Accepted), len(prep.Rejected)))
	log.WithFields(logrus.Fields{
		"accepted": len(prep.Accepted),
		"rejected": len(prep.Rejected),
	}).Info("Preprocessing complete")

	// --- Training ---

	if err := o.checkCancel(ctx, run); err != nil {
		return o.finish(mon, run, err)
	}

	if err := o.advance(ctx, run, StateTraining, "training model", progressTrainingStart); err != nil {
		return o.finish(mon, run, err)
	}

	stagingDir := filepath.Join(o.cfg.DataDir, "staging", run.RunID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return o.finish(mon, run, fmt.Errorf("creating staging directory: %w", err))
	}

	result, err := o.trainer.Train(ctx, &TrainRequest{
		UserID:       run.UserID,
		Kind:         run.Kind,
		DatasetDir:   datasetDir,
		Epochs:       run.TotalEpochs,
		LearningRate: in.LearningRate,
		BatchSize:    in.BatchSize,
		BaseModel:    in.BaseModel,
		OutputDir:    stagingDir,
	}, func(p TrainProgress) error {
		if err := o.checkCancel(ctx, run); err != nil {
			return err
		}

		return o.recordProgress(ctx, run, p)
	})
	if err != nil {
		return o.finish(mon, run, classify(err, "training"))
	}

	modelDir := result.ModelDir
	if modelDir == "" {
		modelDir = stagingDir
	}

	// Registration is part of the training stage: a run cancelled past
	// this point leaves the artifact registered for inspection.
	trained, err := o.register(ctx, run, in, result, modelDir)
	if err != nil {
		return o.finish(mon, run, err)
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		log.WithError(err).Warn("Failed to remove staging directory")
	}

	log.WithFields(logrus.Fields{
		"version":    trained.VersionID,
		"final_loss": result.FinalLoss,
	}).Info("Training complete")

	// --- Validating ---

	if err := o.checkCancel(ctx, run); err != nil {
		return o.finish(mon, run, err)
	}

	if err := o.advance(ctx, run, StateValidating, "validating artifact", progressValidating); err != nil {
		return o.finish(mon, run, err)
	}

	// Integrity is the hard gate; a weak evaluation only flags the run.
	if err := o.reg.Files().VerifyVersion(run.UserID, trained.VersionID, trained.ContentHash); err != nil {
		return o.finish(mon, run, fmt.Errorf("validating artifact: %w", err))
	}

	o.evaluate(ctx, run)

	// --- Deploying ---

	if in.SkipDeploy || o.deployer == nil {
		run.AppendLog("deployment skipped")

		return o.finish(mon, run, nil)
	}

	if err := o.checkCancel(ctx, run); err != nil {
		return o.finish(mon, run, err)
	}

	if err := o.advance(ctx, run, StateDeploying, "deploying artifact", progressDeploying); err != nil {
		return o.finish(mon, run, err)
	}

	if _, err := o.deployer.Deploy(ctx, run.UserID, run.VersionID); err != nil {
		run.AppendLog(fmt.Sprintf("deploy failed; artifact %s remains registered", run.VersionID))

		return o.finish(mon, run, fmt.Errorf("deploying artifact: %w", err))
	}

	run.AppendLog("deployed " + run.VersionID)
	log.WithField("version", run.VersionID).Info("Artifact deployed")

	if !in.SkipCleanup {
		if _, err := o.deployer.Cleanup(ctx, run.UserID, -1); err != nil {
			run.AppendLog("slot cleanup failed: " + err.Error())
			log.WithError(err).Warn("Slot cleanup failed")
		}
	}

	return o.finish(mon, run, nil)
}

// register imports the trained model into the registry at the end of the
// training stage.
func (o *Orchestrator) register(
	ctx context.Context, run *registry.Run, in *StartInput, result *TrainResult, modelDir string,
) (*registry.Artifact, error) {
	trained, err := o.reg.Register(ctx, registry.RegisterInput{
		UserID:    run.UserID,
		Kind:      run.Kind,
		SourceDir: modelDir,
		Config: &artifact.TrainingConfig{
			Kind:         run.Kind,
			Epochs:       run.TotalEpochs,
			LearningRate: in.LearningRate,
			BatchSize:    in.BatchSize,
			BaseModel:    in.BaseModel,
			Dataset:      in.DatasetDir,
		},
		FinalLoss: result.FinalLoss,
		BestLoss:  result.BestLoss,
		LossCurve: result.LossCurve,
		TrainedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("registering artifact: %w", err)
	}

	run.VersionID = trained.VersionID

	if result.FinalLoss > 0 {
		run.CurrentLoss = result.FinalLoss
	}

	if result.BestLoss > 0 && (run.BestLoss == 0 || result.BestLoss < run.BestLoss) {
		run.BestLoss = result.BestLoss
	}

	run.AppendLog("registered artifact " + trained.VersionID)

	if err := o.reg.Store().UpdateRunFields(ctx, run.RunID, map[string]any{
		"version_id":   run.VersionID,
		"current_loss": run.CurrentLoss,
		"best_loss":    run.BestLoss,
		"logs_json":    run.LogsJSON,
	}); err != nil {
		o.log.WithError(err).WithField("run_id", run.RunID).Warn("Failed to persist artifact version")
	}

	o.writeSnapshot(ctx, run.RunID)

	return trained, nil
}

// evaluate scores the artifact and records a warning when the result is
// weak or the engine fails. Evaluation never fails a run.
func (o *Orchestrator) evaluate(ctx context.Context, run *registry.Run) {
	if o.engine == nil || run.VersionID == "" {
		return
	}

	outcomes, err := o.engine.Evaluate(ctx, run.VersionID)

	switch {
	case err != nil:
		run.Warning = "evaluation failed: " + err.Error()
	default:
		for _, out := range outcomes {
			if out.Score >= o.cfg.MinScore || run.Warning != "" {
				continue
			}

			run.Warning = fmt.Sprintf("evaluation score %.2f (%s) below threshold %.2f",
				out.Score, out.Kind, o.cfg.MinScore)
		}

		run.AppendLog(fmt.Sprintf("evaluation recorded %d scores", len(outcomes)))
	}

	if run.Warning != "" {
		run.AppendLog("warning: " + run.Warning)

		o.log.WithFields(logrus.Fields{
			"run_id":  run.RunID,
			"warning": run.Warning,
		}).Warn("Pipeline run flagged")
	}

	fields := map[string]any{"logs_json": run.LogsJSON}
	if run.Warning != "" {
		fields["warning"] = run.Warning
	}

	if err := o.reg.Store().UpdateRunFields(ctx, run.RunID, fields); err != nil {
		o.log.WithError(err).WithField("run_id", run.RunID).Warn("Failed to persist evaluation outcome")
	}

	o.writeSnapshot(ctx, run.RunID)
}

// advance moves the run into the next stage and persists it.
func (o *Orchestrator) advance(
	ctx context.Context, run *registry.Run, to State, step string, progress float64,
) error {
	if err := Transition(State(run.State), to); err != nil {
		return err
	}

	run.State = string(to)
	run.Step = step

	if progress > run.Progress {
		run.Progress = progress
	}

	run.EtaSeconds = etaSeconds(time.Since(run.StartedAt), run.Progress)
	run.AppendLog(step)

	if err := o.reg.Store().UpdateRunFields(ctx, run.RunID, map[string]any{
		"state":       run.State,
		"step":        run.Step,
		"progress":    run.Progress,
		"eta_seconds": run.EtaSeconds,
		"logs_json":   run.LogsJSON,
	}); err != nil {
		return fmt.Errorf("persisting %s state: %w", to, err)
	}

	o.writeSnapshot(ctx, run.RunID)

	o.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"state":  run.State,
	}).Info("Pipeline stage started")

	return nil
}

// recordProgress merges one epoch event into the run. Progress never
// decreases and best loss never increases while a run is live.
func (o *Orchestrator) recordProgress(ctx context.Context, run *registry.Run, p TrainProgress) error {
	if p.Epoch > run.Epoch {
		run.Epoch = p.Epoch
	}

	if p.TotalEpochs > 0 {
		run.TotalEpochs = p.TotalEpochs
	}

	if p.Loss > 0 {
		run.CurrentLoss = p.Loss

		if run.BestLoss == 0 || p.Loss < run.BestLoss {
			run.BestLoss = p.Loss
		}
	}

	// Map the trainer's percentage into the training band.
	pct := p.PercentDone
	if pct <= 0 && run.TotalEpochs > 0 {
		pct = float64(run.Epoch) / float64(run.TotalEpochs) * 100
	}

	if pct > 100 {
		pct = 100
	}

	progress := progressTrainingStart + pct*(progressTrainingEnd-progressTrainingStart)/100
	if progress > run.Progress {
		run.Progress = progress
	}

	run.EtaSeconds = etaSeconds(time.Since(run.StartedAt), run.Progress)
	run.AppendLog(fmt.Sprintf("epoch %d/%d loss=%.4f", run.Epoch, run.TotalEpochs, p.Loss))

	if err := o.reg.Store().UpdateRunFields(ctx, run.RunID, map[string]any{
		"epoch":        run.Epoch,
		"total_epochs": run.TotalEpochs,
		"current_loss": run.CurrentLoss,
		"best_loss":    run.BestLoss,
		"progress":     run.Progress,
		"eta_seconds":  run.EtaSeconds,
		"logs_json":    run.LogsJSON,
	}); err != nil {
		return fmt.Errorf("persisting training progress: %w", err)
	}

	o.writeSnapshot(ctx, run.RunID)

	return nil
}

// finish stops the monitor and writes the terminal state. Terminal writes
// use a fresh context so they land even when the run's context is gone.
func (o *Orchestrator) finish(mon *monitor, run *registry.Run, cause error) (*registry.Run, error) {
	mon.stop()

	ctx := context.Background()
	now := time.Now()
	run.FinishedAt = &now
	run.EtaSeconds = 0

	fields := map[string]any{
		"finished_at": now,
		"eta_seconds": int64(0),
	}

	switch {
	case cause == nil:
		run.State = registry.RunStateCompleted
		run.Step = "completed"
		run.Progress = progressCompleted
		run.AppendLog("run completed")
		fields["progress"] = run.Progress
	case errors.Is(cause, errCancelRequested):
		run.State = registry.RunStateCancelled
		run.Step = "cancelled"
		run.AppendLog("run cancelled on request")
	default:
		run.State = registry.RunStateFailed
		run.Step = "failed"
		run.Error = cause.Error()
		run.AppendLog("run failed: " + run.Error)
		fields["error"] = run.Error
	}

	fields["state"] = run.State
	fields["step"] = run.Step
	fields["logs_json"] = run.LogsJSON

	if err := o.reg.Store().UpdateRunFields(ctx, run.RunID, fields); err != nil {
		o.log.WithError(err).WithField("run_id", run.RunID).Warn("Failed to persist terminal run state")
	}

	o.writeSnapshot(ctx, run.RunID)

	log := o.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"user":   run.UserID,
		"state":  run.State,
	})

	if run.State == registry.RunStateFailed {
		log.WithError(cause).Warn("Pipeline run failed")
	} else {
		log.Info("Pipeline run finished")
	}

	// Return the stored row so monitor-owned fields are included.
	row, err := o.reg.Store().GetRun(ctx, run.RunID)
	if err != nil {
		row = run
	}

	if run.State == registry.RunStateFailed {
		return row, cause
	}

	return row, nil
}

// checkCancel honours context cancellation and the run's cooperative
// cancel flag. Called between stages and at every epoch boundary.
func (o *Orchestrator) checkCancel(ctx context.Context, run *registry.Run) error {
	select {
	case <-ctx.Done():
		return errCancelRequested
	default:
	}

	row, err := o.reg.Store().GetRun(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("checking cancellation: %w", err)
	}

	if row.CancelRequested {
		run.CancelRequested = true

		return errCancelRequested
	}

	return nil
}

// writeSnapshot mirrors the stored run to a JSON file for observability.
// Failures only log; the catalog row stays the source of truth.
func (o *Orchestrator) writeSnapshot(ctx context.Context, runID string) {
	row, err := o.reg.Store().GetRun(ctx, runID)
	if err != nil {
		o.log.WithError(err).WithField("run_id", runID).Warn("Failed to read run for snapshot")

		return
	}

	row.LogLines = row.Logs()

	data, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		o.log.WithError(err).WithField("run_id", runID).Warn("Failed to encode run snapshot")

		return
	}

	path := o.SnapshotPath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		o.log.WithError(err).Warn("Failed to create snapshot directory")

		return
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		o.log.WithError(err).WithField("run_id", runID).Warn("Failed to write run snapshot")
	}
}

// etaSeconds estimates remaining seconds from elapsed time and completed
// progress. Zero progress yields zero, unknown rather than infinite.
func etaSeconds(elapsed time.Duration, progress float64) int64 {
	if progress <= 0 || progress >= 100 {
		return 0
	}

	remaining := elapsed.Seconds() * (100 - progress) / progress
	if remaining < 0 {
		return 0
	}

	return int64(remaining)
}

// classify keeps cancellation and already-classified errors intact and
// wraps everything else as a collaborator failure.
func classify(err error, stage string) error {
	if errors.Is(err, errCancelRequested) || errors.Is(err, context.Canceled) {
		return errCancelRequested
	}

	if errdef.IsClassified(err) {
		return fmt.Errorf("%s: %w", stage, err)
	}

	return fmt.Errorf("%w: %s: %v", errdef.ErrExternal, stage, err)
}
