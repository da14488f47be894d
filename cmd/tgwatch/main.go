package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/okozlov/tgwatch/internal/chat"
	"github.com/okozlov/tgwatch/internal/evals"
	"github.com/okozlov/tgwatch/internal/evaluator"
	"github.com/okozlov/tgwatch/internal/models"
	"github.com/okozlov/tgwatch/internal/monitor"
	"github.com/okozlov/tgwatch/internal/observe"
	"github.com/okozlov/tgwatch/internal/policy"
	"github.com/okozlov/tgwatch/internal/stats"
	"github.com/okozlov/tgwatch/internal/storage"
	"github.com/okozlov/tgwatch/internal/trace"
	"github.com/okozlov/tgwatch/pkg/config"
)

const minAccuracy = 0.8

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tgwatch",
		Short: "Monitors Telegram chats and forwards messages matching configured criteria",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	root.AddCommand(runCmd(), generateEvalsCmd(), runEvalsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// app wires the stores and evaluator shared by all subcommands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	tracker  *stats.Tracker
	traces   *trace.Store
	archive  *evals.Archive
	observer observe.Observer
	eval     *evaluator.OpenAI

	pg *storage.Postgres
}

func buildApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	logger := newLogger(cfg.LogLevel)

	a := &app{cfg: cfg, logger: logger}

	var statsDoc, traceDoc storage.Document
	if cfg.Database.Enabled {
		logger.Info("Using PostgreSQL persistence")
		a.pg, err = storage.NewPostgres(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		statsDoc = a.pg.Document("stats")
		traceDoc = a.pg.Document("trace_ids")
	} else {
		logger.Info("Using file persistence")
		statsDoc = storage.NewFileDocument(cfg.Storage.StatsPath)
		traceDoc = storage.NewFileDocument(cfg.Storage.TracePath)
	}

	flushInterval := time.Duration(cfg.Storage.FlushInterval) * time.Second
	a.tracker = stats.NewTracker(statsDoc, flushInterval, logger)
	a.traces = trace.NewStore(traceDoc, flushInterval, logger)
	a.archive = evals.NewArchive(cfg.Storage.FeedbackDir, logger)
	a.observer = observe.New(cfg.Registry, logger)

	a.eval, err = evaluator.New(cfg.OpenAI, a.tracker, a.observer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize evaluator: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	a.tracker.Flush()
	a.traces.Flush()
	if a.pg != nil {
		a.pg.Close()
	}
	a.logger.Sync()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := chat.NewTelegram(a.cfg.Telegram.Token, a.cfg.Telegram.Proxy, a.cfg.Folders, a.logger)
			if err != nil {
				return fmt.Errorf("failed to create telegram client: %w", err)
			}

			observe.HydrateAll(ctx, a.observer, a.cfg.Instances, a.logger)

			names := chat.NewNameCache(client, a.logger)
			pol := policy.New(a.eval, a.logger)
			m := monitor.New(configPath, a.cfg, client, pol, a.tracker, a.traces, names, a.archive, a.logger)
			return m.Run(ctx)
		},
	}
}

func generateEvalsCmd() *cobra.Command {
	var suffix string
	cmd := &cobra.Command{
		Use:   "generate-evals",
		Short: "Build labeled eval datasets from archived reaction feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			g := evals.NewGenerator(a.archive, a.traces, a.logger)
			return g.Generate(a.cfg.Storage.EvalsDir, a.cfg.Instances, suffix)
		},
	}
	cmd.Flags().StringVar(&suffix, "suffix", "", "dataset name suffix")
	return cmd
}

func runEvalsCmd() *cobra.Command {
	var instanceName, promptName, suffix string
	cmd := &cobra.Command{
		Use:   "run-evals",
		Short: "Replay a dataset through the evaluator and report accuracy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inst, prompt, err := findPrompt(a.cfg.Instances, instanceName, promptName)
			if err != nil {
				return err
			}
			if err := a.observer.HydratePrompt(ctx, prompt); err != nil {
				a.logger.Warn("Failed to hydrate prompt", zap.Error(err))
			}

			dir := evals.DatasetDir(a.cfg.Storage.EvalsDir, inst.Name, prompt.DisplayName(), suffix)
			report, err := evals.Run(ctx, dir, a.eval, prompt, inst.Name, a.logger)
			if err != nil {
				return err
			}

			accuracy := report.Accuracy()
			a.logger.Info("Eval run finished",
				zap.String("dataset", dir),
				zap.Int("total", report.Total),
				zap.Int("correct", report.Correct),
				zap.Float64("accuracy", accuracy))
			if accuracy < minAccuracy {
				return fmt.Errorf("accuracy %.2f below required %.2f", accuracy, minAccuracy)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceName, "instance", "", "instance name")
	cmd.Flags().StringVar(&promptName, "prompt", "", "prompt name")
	cmd.Flags().StringVar(&suffix, "suffix", "", "dataset name suffix")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func findPrompt(instances []*models.Instance, instanceName, promptName string) (*models.Instance, *models.Prompt, error) {
	for _, inst := range instances {
		if inst.Name != instanceName {
			continue
		}
		for _, p := range inst.Prompts {
			if p.DisplayName() == promptName {
				return inst, p, nil
			}
		}
		return nil, nil, fmt.Errorf("prompt %q not found in instance %q", promptName, instanceName)
	}
	return nil, nil, fmt.Errorf("instance %q not found", instanceName)
}
