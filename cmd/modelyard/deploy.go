package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/modelyard/modelyard/pkg/deploy"
	"github.com/modelyard/modelyard/pkg/registry"
)

var (
	deployVersion string
	cleanupKeep   int
	cleanupYes    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <user>",
	Short: "Promote an artifact to the user's live slot",
	Long: `Deploy copies the artifact into a fresh deployment slot, flips the live
pointer atomically, notifies the inference endpoint and prunes slots beyond
the configured keep count. Without --version the newest active artifact for
the user is promoted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <user>",
	Short: "Roll the user's live slot back to the previously deployed version",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <user>",
	Short: "Remove old deployment slots for a user",
	Long: `Cleanup removes deployment slots beyond the newest --keep, never touching
the live slot. Without --keep the configured deploy.keep_slots applies;
--keep 0 removes everything except the live slot.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments [<user>]",
	Short: "Show live deployments",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDeployments,
}

func init() {
	deployCmd.Flags().StringVar(&deployVersion, "version", "",
		"artifact version to promote (default newest active)")

	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", -1,
		"non-live slots to keep (-1 for the configured default)")
	cleanupCmd.Flags().BoolVar(&cleanupYes, "yes", false, "Skip confirmation prompt")

	rootCmd.AddCommand(deployCmd, rollbackCmd, cleanupCmd, deploymentsCmd)
}

func runDeploy(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	dep, err := svcs.deployer.Deploy(ctx, args[0], deployVersion)
	if err != nil {
		return err
	}

	printDeployment(dep)

	return nil
}

func runRollback(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	dep, err := svcs.deployer.Rollback(ctx, args[0])
	if err != nil {
		return err
	}

	printDeployment(dep)

	return nil
}

func runCleanup(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	user := args[0]

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	if !cleanupYes {
		fmt.Printf("Remove old deployment slots for %s (the live slot is always kept)? [y/N] ", user)

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	res, err := svcs.deployer.Cleanup(ctx, user, cleanupKeep)
	if err != nil {
		return err
	}

	for _, slot := range res.Removed {
		fmt.Printf("removed %s\n", slot)
	}

	fmt.Printf("Kept %d slot(s), removed %d, freed %s\n",
		len(res.Kept), len(res.Removed), units.HumanSize(float64(res.BytesFreed)))

	return nil
}

func runDeployments(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	var statuses []deploy.Status

	if len(args) == 1 {
		st, err := svcs.deployer.Status(ctx, args[0])
		if err != nil {
			return err
		}

		statuses = append(statuses, *st)
	} else {
		statuses, err = svcs.deployer.StatusAll(ctx)
		if err != nil {
			return err
		}
	}

	if len(statuses) == 0 {
		fmt.Println("No deployments.")

		return nil
	}

	fmt.Printf("%-12s %-40s %5s %10s  %-16s %s\n",
		"USER", "LIVE VERSION", "SLOTS", "SIZE", "PROMOTED", "NOTIFY")

	for i := range statuses {
		st := &statuses[i]

		notifyCol := "-"
		if st.NotifyAcked {
			notifyCol = "acked"
		}

		if st.NotifyError != "" {
			notifyCol = "failed"
		}

		fmt.Printf("%-12s %-40s %5d %10s  %-16s %s\n",
			st.UserID, st.LiveVersionID, st.SlotCount,
			units.HumanSize(float64(st.SlotBytes)),
			st.PromotedAt.Local().Format("2006-01-02 15:04"), notifyCol)
	}

	return nil
}

func printDeployment(dep *registry.Deployment) {
	fmt.Printf("%s is live for %s\n", dep.LiveVersionID, dep.UserID)
	fmt.Printf("  slot:     %s\n", dep.LiveSlot)
	fmt.Printf("  promoted: %s\n", dep.PromotedAt.Local().Format(time.RFC1123))

	if dep.NotifyError != "" {
		fmt.Printf("  notify:   failed (%s)\n", dep.NotifyError)
	} else if dep.NotifyAcked {
		fmt.Println("  notify:   acked")
	}
}
