package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/pipeline"
	"github.com/modelyard/modelyard/pkg/registry"
)

var (
	startKind         string
	startDataset      string
	startEpochs       int
	startLearningRate float64
	startBatchSize    int
	startBaseModel    string
	startSkipDeploy   bool
	statusWatch       bool
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run and inspect training pipelines",
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start <user>",
	Short: "Run a training pipeline for a user",
	Long: `Start preprocesses the dataset, trains a model through the configured
trainer service, validates and registers the result, and deploys it. The
command follows the run to completion; interrupting it requests cooperative
cancellation, acknowledged at the next stage or epoch boundary.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineStart,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show the user's active run, or the most recent one",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineStatus,
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <user>",
	Short: "Request cancellation of the user's active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCancel,
}

func init() {
	pipelineStartCmd.Flags().StringVar(&startKind, "kind", artifact.KindVoice,
		"artifact kind (voice, character)")
	pipelineStartCmd.Flags().StringVar(&startDataset, "dataset", "",
		"path to the raw dataset directory")
	pipelineStartCmd.Flags().IntVar(&startEpochs, "epochs", 0,
		"training epochs (0 for the configured default)")
	pipelineStartCmd.Flags().Float64Var(&startLearningRate, "learning-rate", 0,
		"trainer learning rate (0 for the trainer default)")
	pipelineStartCmd.Flags().IntVar(&startBatchSize, "batch-size", 0,
		"trainer batch size (0 for the trainer default)")
	pipelineStartCmd.Flags().StringVar(&startBaseModel, "base-model", "",
		"base model identifier for fine-tuning")
	pipelineStartCmd.Flags().BoolVar(&startSkipDeploy, "no-deploy", false,
		"register the artifact without deploying it")

	if err := pipelineStartCmd.MarkFlagRequired("dataset"); err != nil {
		panic(err)
	}

	pipelineStatusCmd.Flags().BoolVar(&statusWatch, "watch", false,
		"poll until the run reaches a terminal state")

	pipelineCmd.AddCommand(pipelineStartCmd, pipelineStatusCmd, pipelineCancelCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func runPipelineStart(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	orch, err := svcs.orchestrator()
	if err != nil {
		return err
	}
	defer orch.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	run, err := orch.Start(ctx, &pipeline.StartInput{
		UserID:       args[0],
		Kind:         startKind,
		DatasetDir:   startDataset,
		Epochs:       startEpochs,
		LearningRate: startLearningRate,
		BatchSize:    startBatchSize,
		BaseModel:    startBaseModel,
		SkipDeploy:   startSkipDeploy,
	})
	if run != nil {
		printRun(run)
	}

	return err
}

func runPipelineStatus(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	run, err := currentRun(ctx, svcs, args[0])
	if err != nil {
		return err
	}

	if !statusWatch || registry.RunStateTerminal(run.State) {
		printRun(run)

		return nil
	}

	for !registry.RunStateTerminal(run.State) {
		fmt.Printf("%s  %-14s %5.1f%%  epoch %d/%d  loss %.4f  eta %s\n",
			time.Now().Format("15:04:05"), run.State, run.Progress,
			run.Epoch, run.TotalEpochs, run.CurrentLoss,
			time.Duration(run.EtaSeconds)*time.Second)

		time.Sleep(2 * time.Second)

		run, err = svcs.store.GetRun(ctx, run.RunID)
		if err != nil {
			return err
		}
	}

	printRun(run)

	return nil
}

func runPipelineCancel(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	user := args[0]

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	active, err := svcs.store.ActiveRun(ctx, user)
	if err != nil {
		return err
	}

	if active == nil {
		return fmt.Errorf("%w: no active run for user %s", errdef.ErrNotFound, user)
	}

	// The flag lives in the catalog, so the process driving the run picks
	// it up at its next boundary check regardless of where it runs.
	if err := svcs.store.RequestCancel(ctx, active.RunID); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run_id": active.RunID,
		"user":   user,
	}).Info("Cancellation requested")

	return nil
}

// currentRun prefers the active run, falling back to the most recent one.
func currentRun(ctx context.Context, svcs *services, user string) (*registry.Run, error) {
	run, err := svcs.store.ActiveRun(ctx, user)
	if err != nil {
		return nil, err
	}

	if run != nil {
		return run, nil
	}

	runs, err := svcs.store.ListRuns(ctx, user, 1)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs for user %s", errdef.ErrNotFound, user)
	}

	return &runs[0], nil
}

func printRun(run *registry.Run) {
	fmt.Printf("Run:       %s\n", run.RunID)
	fmt.Printf("User:      %s\n", run.UserID)
	fmt.Printf("State:     %s\n", run.State)

	if run.Step != "" {
		fmt.Printf("Step:      %s\n", run.Step)
	}

	fmt.Printf("Progress:  %.1f%%\n", run.Progress)

	if run.TotalEpochs > 0 {
		fmt.Printf("Epoch:     %d/%d\n", run.Epoch, run.TotalEpochs)
	}

	if run.CurrentLoss > 0 {
		fmt.Printf("Loss:      %.4f (best %.4f)\n", run.CurrentLoss, run.BestLoss)
	}

	if !registry.RunStateTerminal(run.State) && run.EtaSeconds > 0 {
		fmt.Printf("ETA:       %s\n", time.Duration(run.EtaSeconds)*time.Second)
	}

	if run.CPUPercent > 0 || run.MemoryPercent > 0 {
		fmt.Printf("Resources: cpu %.1f%%, mem %.1f%%\n", run.CPUPercent, run.MemoryPercent)
	}

	if run.Warning != "" {
		fmt.Printf("Warning:   %s\n", run.Warning)
	}

	if run.Error != "" {
		fmt.Printf("Error:     %s\n", run.Error)
	}

	if run.VersionID != "" {
		fmt.Printf("Version:   %s\n", run.VersionID)
	}
}
