package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modelyard/modelyard/pkg/api"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/sweeper"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the modelyard HTTP API",
	Long: `Run the long-lived control plane process: the HTTP API, the training
pipeline behind it, and the retention sweeper. The process runs until
interrupted and shuts down gracefully.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcs, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	if !svcs.cfg.Server.Enabled && !svcs.cfg.Retention.Enabled {
		return fmt.Errorf("%w: neither server nor retention is enabled", errdef.ErrValidation)
	}

	orch, err := svcs.orchestrator()
	if err != nil {
		return err
	}

	if svcs.mirror != nil {
		if err := svcs.mirror.Preflight(ctx); err != nil {
			return fmt.Errorf("upload mirror preflight: %w", err)
		}
	}

	// Runs left behind by a previous process can never progress again.
	if n, err := svcs.store.FailAbandonedRuns(ctx); err != nil {
		return fmt.Errorf("failing abandoned runs: %w", err)
	} else if n > 0 {
		log.WithField("runs", n).Warn("Marked abandoned runs as failed")
	}

	var server api.Server

	if svcs.cfg.Server.Enabled {
		server = api.NewServer(log, &svcs.cfg.Server, api.Deps{
			Registry: svcs.registry,
			Deployer: svcs.deployer,
			Pipeline: orch,
			Eval:     svcs.engine,
		})

		if err := server.Start(ctx); err != nil {
			return err
		}
	}

	var sweep sweeper.Sweeper

	if svcs.cfg.Retention.Enabled {
		sweep = sweeper.NewSweeper(log, svcs.registry, &svcs.cfg.Retention)

		if err := sweep.Start(ctx); err != nil {
			if server != nil {
				stopServer(server)
			}

			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig).Info("Received shutdown signal")

	cancel()

	if server != nil {
		stopServer(server)
	}

	if sweep != nil {
		if err := sweep.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop retention sweeper")
		}
	}

	log.Info("Waiting for active training runs to finish")
	orch.Stop()

	return nil
}

func stopServer(server api.Server) {
	if err := server.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop API server")
	}
}
