package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modelyard/modelyard/pkg/artifact"
	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/deploy"
	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/eval"
	"github.com/modelyard/modelyard/pkg/fsutil"
	"github.com/modelyard/modelyard/pkg/notify"
	"github.com/modelyard/modelyard/pkg/pipeline"
	"github.com/modelyard/modelyard/pkg/registry"
	"github.com/modelyard/modelyard/pkg/upload"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(errdef.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelyard",
	Short: "Control plane for per-user trained model artifacts",
	Long: `Modelyard manages trained per-user model artifacts such as voice clones
and character models. It keeps a versioned catalog, promotes artifacts into
per-user live slots with rollback, drives training runs through external
preprocessor and trainer services, and sweeps stale versions on a retention
schedule.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("%w: invalid log level %q", errdef.ErrValidation, logLevel)
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modelyard %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

// services bundles the wired control-plane components for one command
// invocation. The mirror is nil unless uploads are enabled.
type services struct {
	cfg      *config.Config
	store    registry.Store
	registry *registry.Service
	deployer *deploy.Controller
	engine   *eval.Engine
	mirror   upload.Uploader
}

// openServices loads the configuration and connects the catalog store, the
// artifact file store, the deployment controller and the evaluation engine.
// The caller must Close the result.
func openServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading config: %v", errdef.ErrValidation, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", errdef.ErrValidation, err)
	}

	owner, err := fsutil.ParseOwner(cfg.Store.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: store.owner: %s", errdef.ErrValidation, err)
	}

	store := registry.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting catalog store: %w", err)
	}

	files := artifact.NewStore(log, cfg.Store.Root, owner)
	reg := registry.NewService(log, store, files, cfg.Evaluation.UsageWindow())

	var (
		mirror    upload.Uploader
		depMirror deploy.Mirror
	)

	if cfg.Upload != nil && cfg.Upload.Enabled {
		mirror, err = upload.NewS3Mirror(log, cfg.Upload)
		if err != nil {
			stopStore(store)

			return nil, fmt.Errorf("building upload mirror: %w", err)
		}

		depMirror = mirror
	}

	engine, err := eval.NewEngine(log, reg, &cfg.Evaluation)
	if err != nil {
		stopStore(store)

		return nil, err
	}

	notifier := notify.NewNotifier(log, &cfg.Notify)
	deployer := deploy.NewController(
		log, &cfg.Deploy, reg, notifier, depMirror, cfg.Store.DeployRoot, owner,
	)

	return &services{
		cfg:      cfg,
		store:    store,
		registry: reg,
		deployer: deployer,
		engine:   engine,
		mirror:   mirror,
	}, nil
}

// Close releases the catalog store. The other components hold no
// connections of their own.
func (s *services) Close() {
	stopStore(s.store)
}

func stopStore(store registry.Store) {
	if err := store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop catalog store")
	}
}

// orchestrator wires the training pipeline against the configured HTTP
// collaborators.
func (s *services) orchestrator() (*pipeline.Orchestrator, error) {
	p := &s.cfg.Pipeline
	if p.PreprocessorURL == "" || p.TrainerURL == "" {
		return nil, fmt.Errorf(
			"%w: pipeline.preprocessor_url and pipeline.trainer_url must be configured",
			errdef.ErrValidation)
	}

	pre := pipeline.NewHTTPPreprocessor(log, p.PreprocessorURL, p.Timeout())
	trainer := pipeline.NewHTTPTrainer(log, p.TrainerURL, p.Timeout())

	return pipeline.NewOrchestrator(log, &pipeline.Config{
		DataDir:         s.cfg.Store.DataDir,
		DefaultEpochs:   p.DefaultEpochs,
		MonitorInterval: p.Interval(),
		MinScore:        s.cfg.Evaluation.MinScore,
	}, s.registry, s.deployer, s.engine, pre, trainer), nil
}
