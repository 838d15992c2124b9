// Command rollqueue runs a job consumer for one category of the shared jobs table.
//
// Subcommands:
//
//	run      claim and process pending rows until SIGINT/SIGTERM
//	migrate  apply the embedded schema migrations and exit
//	enqueue  insert a pending row (development producer)
//	stats    print row counts per status for a category
//	watch    print published job outcomes as they arrive
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/app"
	"github.com/RezaEskandarii/rollqueue/internal/action"
	"github.com/RezaEskandarii/rollqueue/internal/db"
	"github.com/RezaEskandarii/rollqueue/internal/lock"
	"github.com/RezaEskandarii/rollqueue/internal/logging"
	"github.com/RezaEskandarii/rollqueue/internal/message_broker"
	"github.com/RezaEskandarii/rollqueue/internal/store/postgres"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/RezaEskandarii/rollqueue/web"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	root := &cobra.Command{
		Use:           "rollqueue",
		Short:         "PostgreSQL-backed dice roll job consumer",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		migrateCmd(),
		enqueueCmd(),
		statsCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		category      string
		instance      string
		batchSize     int
		pollInterval  int
		commitMode    string
		overlapPolicy string
		metricsAddr   string
		migrate       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and process pending rows until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides []config.Option
			flags := cmd.Flags()
			if flags.Changed("category") {
				overrides = append(overrides, config.WithCategory(category))
			}
			if flags.Changed("batch-size") {
				overrides = append(overrides, config.WithBatchSize(batchSize))
			}
			if flags.Changed("poll-interval-ms") {
				overrides = append(overrides, config.WithPollInterval(pollInterval))
			}
			if flags.Changed("commit-mode") {
				var mode config.CommitMode
				if err := mode.UnmarshalText([]byte(commitMode)); err != nil {
					return err
				}
				overrides = append(overrides, config.WithCommitMode(mode))
			}
			if flags.Changed("overlap-policy") {
				var policy config.OverlapPolicy
				if err := policy.UnmarshalText([]byte(overlapPolicy)); err != nil {
					return err
				}
				overrides = append(overrides, config.WithOverlapPolicy(policy))
			}
			if flags.Changed("metrics-addr") {
				overrides = append(overrides, config.WithMetricsAddr(metricsAddr))
			}

			cfg, err := config.FromEnv(overrides...)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if flags.Changed("instance") {
				cfg.Instance = instance
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("config: %w", err)
				}
			}
			return runConsumer(cmd.Context(), cfg, migrate)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&category, "category", "", "job category to consume (overrides CATEGORY)")
	flags.StringVar(&instance, "instance", "", "consumer identity written to annotations (overrides INSTANCE)")
	flags.IntVar(&batchSize, "batch-size", config.DefaultBatchSize, "rows claimed per cycle")
	flags.IntVar(&pollInterval, "poll-interval-ms", int(config.DefaultPollInterval/time.Millisecond), "milliseconds between cycles")
	flags.StringVar(&commitMode, "commit-mode", config.DefaultCommitMode.String(), "two_phase or single_tx")
	flags.StringVar(&overlapPolicy, "overlap-policy", config.DefaultOverlapPolicy.String(), "skip or delay")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address for /metrics, /healthz and /stats")
	flags.BoolVar(&migrate, "migrate", false, "apply migrations before consuming")
	return cmd
}

func runConsumer(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logger.WithFields(logrus.Fields{"category": cfg.Category, "instance": cfg.Instance})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.WithError(err).Warn("shutdown finished with errors")
		}
	}()

	if migrate {
		if err := db.Migrate(ctx, cfg.PostgresConfig, container.LockManager, log); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"commit_mode":    cfg.CommitMode,
		"overlap_policy": cfg.OverlapPolicy,
		"batch_size":     cfg.BatchSize,
		"poll_interval":  cfg.PollInterval,
	}).Info("consumer starting")

	if err := container.Run(ctx); err != nil {
		return err
	}
	log.Info("consumer stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := config.PostgresFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, err := logging.New(config.DefaultLogLevel, config.DefaultLogFormat)
			if err != nil {
				return err
			}

			conn, err := db.Connect(cmd.Context(), pg)
			if err != nil {
				return err
			}
			defer conn.Close()

			return db.Migrate(cmd.Context(), pg, lock.NewPostgresDistributedLockManager(conn), logger)
		},
	}
}

func enqueueCmd() *cobra.Command {
	var job types.Job

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending row",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := config.PostgresFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if job.Category == "" {
				return fmt.Errorf("--category is required")
			}
			if job.ActionKind != "" {
				if _, err := action.ParseKind(job.ActionKind); err != nil {
					return err
				}
			}
			if job.ID == 0 {
				job.ID = time.Now().UnixNano()
			}

			conn, err := db.Connect(cmd.Context(), pg)
			if err != nil {
				return err
			}
			st := postgres.NewPostgresJobStore(conn)
			defer st.Close()

			if err := st.Insert(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&job.ID, "id", 0, "row id (defaults to a time-based id)")
	flags.StringVar(&job.Category, "category", "", "job category")
	flags.StringVar(&job.GroupKey.GameID, "game", "", "game id")
	flags.StringVar(&job.GroupKey.ChannelID, "channel", "", "channel id passed to the provider")
	flags.StringVar(&job.GroupKey.RequesterID, "requester", "", "requester id")
	flags.StringVar(&job.ActionKind, "kind", "", kindUsage())
	flags.StringVar(&job.Annotation, "annotation", "", "initial annotation")
	return cmd
}

func kindUsage() string {
	kinds := action.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return fmt.Sprintf("action kind (%s); empty means %s", strings.Join(names, ", "), action.DefaultKind)
}

func statsCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print row counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := config.PostgresFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if category == "" {
				category = os.Getenv("CATEGORY")
			}
			if category == "" {
				return fmt.Errorf("--category or CATEGORY is required")
			}

			conn, err := db.Connect(cmd.Context(), pg)
			if err != nil {
				return err
			}
			st := postgres.NewPostgresJobStore(conn)
			defer st.Close()

			counts, err := st.CountByStatus(cmd.Context(), category)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(web.NewStatsResponse(category, counts))
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "job category (defaults to CATEGORY)")
	return cmd
}

func watchCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print published job outcomes as JSON lines until interrupted",
		Long: "Subscribes to the broker selected by NOTIFY_DRIVER. With redis every watcher sees every outcome;\n" +
			"with rabbitmq the watcher consumes from the outcome queue and competes with other consumers of it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			notify, err := config.NotifyFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if notify.Driver == config.NoNotify {
				return fmt.Errorf("NOTIFY_DRIVER must be rabbitmq or redis")
			}
			logger, err := logging.New(config.DefaultLogLevel, config.DefaultLogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			broker, err := app.NewMessageBroker(notify, nil)
			if err != nil {
				return err
			}
			defer broker.Close()

			outcomes, err := message_broker.NewOutcomeSubscriber(broker, notify.Queue(), logger).Outcomes(ctx)
			if err != nil {
				return err
			}
			return printOutcomes(outcomes, category, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only print outcomes of this category")
	return cmd
}

// printOutcomes writes each outcome of category (all when empty) as a JSON line
// until outcomes is closed.
func printOutcomes(outcomes <-chan types.JobOutcome, category string, w io.Writer) error {
	enc := json.NewEncoder(w)
	for outcome := range outcomes {
		if category != "" && outcome.Category != category {
			continue
		}
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	}
	return nil
}
