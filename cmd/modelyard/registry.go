package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modelyard/modelyard/pkg/registry"
)

var (
	registryListUser   string
	registryListKind   string
	registryListStatus string
	registryListLimit  int
	registryListJSON   bool

	registryEvalKinds     []string
	registryArchiveReason string
	registryDeleteForce   bool
	registryStatsWindow   int
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and manage the artifact catalog",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts in the catalog",
	RunE:  runRegistryList,
}

var registryShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Show one artifact in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryShow,
}

var registryEvaluateCmd = &cobra.Command{
	Use:   "evaluate <version>",
	Short: "Score an artifact and append the outcomes to its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryEvaluate,
}

var registryArchiveCmd = &cobra.Command{
	Use:   "archive <version>",
	Short: "Archive an artifact, moving its files to the archive area",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryArchive,
}

var registryDeleteCmd = &cobra.Command{
	Use:   "delete <version>",
	Short: "Delete an artifact's catalog row and files",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryDelete,
}

var registryStatsCmd = &cobra.Command{
	Use:   "stats <version>",
	Short: "Show usage statistics for an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryStats,
}

func init() {
	registryListCmd.Flags().StringVar(&registryListUser, "user", "", "filter by user ID")
	registryListCmd.Flags().StringVar(&registryListKind, "kind", "", "filter by artifact kind")
	registryListCmd.Flags().StringVar(&registryListStatus, "status", "",
		"filter by status (active, archived)")
	registryListCmd.Flags().IntVar(&registryListLimit, "limit", 0, "maximum rows (0 for all)")
	registryListCmd.Flags().BoolVar(&registryListJSON, "json", false, "emit JSON instead of a table")

	registryEvaluateCmd.Flags().StringSliceVar(&registryEvalKinds, "kind", nil,
		"scorer kinds to run (default all registered)")

	registryArchiveCmd.Flags().StringVar(&registryArchiveReason, "reason", "",
		"why the artifact is being archived")

	if err := registryArchiveCmd.MarkFlagRequired("reason"); err != nil {
		panic(err)
	}

	registryDeleteCmd.Flags().BoolVar(&registryDeleteForce, "force", false,
		"delete even when the artifact was used recently")

	registryStatsCmd.Flags().IntVar(&registryStatsWindow, "window-days", 0,
		"usage window in days (0 for the configured default)")

	registryCmd.AddCommand(registryListCmd, registryShowCmd, registryEvaluateCmd,
		registryArchiveCmd, registryDeleteCmd, registryStatsCmd)
	rootCmd.AddCommand(registryCmd)
}

func runRegistryList(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	rows, err := svcs.registry.List(ctx, registry.Filter{
		UserID: registryListUser,
		Kind:   registryListKind,
		Status: registryListStatus,
		Limit:  registryListLimit,
	})
	if err != nil {
		return err
	}

	if registryListJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No artifacts match.")

		return nil
	}

	fmt.Printf("%-40s %-12s %-10s %-9s %10s  %s\n",
		"VERSION", "USER", "KIND", "STATUS", "SIZE", "CREATED")

	for i := range rows {
		a := &rows[i]
		fmt.Printf("%-40s %-12s %-10s %-9s %10s  %s\n",
			a.VersionID, a.UserID, a.Kind, a.Status,
			units.HumanSize(float64(a.SizeBytes)),
			a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	return nil
}

func runRegistryShow(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	a, err := svcs.registry.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Version:  %s\n", a.VersionID)
	fmt.Printf("User:     %s\n", a.UserID)
	fmt.Printf("Kind:     %s\n", a.Kind)
	fmt.Printf("Status:   %s\n", a.Status)
	fmt.Printf("Path:     %s\n", a.Path)
	fmt.Printf("Hash:     %s\n", a.ContentHash)
	fmt.Printf("Size:     %s\n", units.HumanSize(float64(a.SizeBytes)))
	fmt.Printf("Trained:  %s\n", a.TrainedAt.Local().Format(time.RFC1123))
	fmt.Printf("Created:  %s\n", a.CreatedAt.Local().Format(time.RFC1123))
	fmt.Printf("Loss:     final %.4f, best %.4f\n", a.FinalLoss, a.BestLoss)

	if curve := a.LossCurve(); len(curve) > 0 {
		fmt.Printf("Epochs:   %d\n", len(curve))
	}

	if a.ArchivedAt != nil {
		fmt.Printf("Archived: %s (%s)\n",
			a.ArchivedAt.Local().Format(time.RFC1123), a.ArchiveReason)
	}

	dep, err := svcs.store.GetDeployment(ctx, a.UserID)
	if err != nil {
		return err
	}

	if dep != nil && dep.LiveVersionID == a.VersionID {
		fmt.Printf("Live:     yes (slot %s)\n", dep.LiveSlot)
	}

	evals, err := svcs.registry.Evaluations(ctx, a.VersionID)
	if err != nil {
		return err
	}

	if len(evals) > 0 {
		fmt.Println("Evaluations:")

		for i := range evals {
			e := &evals[i]
			fmt.Printf("  %-10s %6.3f  %s\n", e.Kind, e.Score,
				e.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
	}

	return nil
}

func runRegistryEvaluate(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	outcomes, err := svcs.engine.Evaluate(ctx, args[0], registryEvalKinds...)
	if err != nil {
		return err
	}

	for _, o := range outcomes {
		fmt.Printf("%-10s %6.3f  %s\n", o.Kind, o.Score, o.Detail)
	}

	return nil
}

func runRegistryArchive(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	a, err := svcs.registry.Archive(ctx, args[0], registryArchiveReason)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"version": a.VersionID,
		"reason":  a.ArchiveReason,
	}).Info("Artifact archived")

	return nil
}

func runRegistryDelete(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	if err := svcs.registry.Delete(ctx, args[0], registryDeleteForce); err != nil {
		return err
	}

	log.WithField("version", args[0]).Info("Artifact deleted")

	return nil
}

func runRegistryStats(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	window := time.Duration(registryStatsWindow) * 24 * time.Hour

	stats, err := svcs.engine.UsageSummary(ctx, args[0], window)
	if err != nil {
		return err
	}

	fmt.Printf("Usage for %s since %s\n", stats.VersionID,
		stats.Since.Local().Format("2006-01-02 15:04"))
	fmt.Printf("  requests:  %d (%d ok, %d failed, %.1f%% success)\n",
		stats.Requests, stats.Successes, stats.Failures, stats.SuccessRate*100)
	fmt.Printf("  latency:   avg %.1fms, p50 %dms, p95 %dms\n",
		stats.AvgLatencyMs, stats.P50LatencyMs, stats.P95LatencyMs)
	fmt.Printf("  volume:    %s in, %s out\n",
		units.HumanSize(float64(stats.InputBytes)),
		units.HumanSize(float64(stats.OutputBytes)))

	if stats.LastUsedAt != nil {
		fmt.Printf("  last used: %s\n", stats.LastUsedAt.Local().Format(time.RFC1123))
	}

	return nil
}
