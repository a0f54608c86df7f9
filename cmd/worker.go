package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/lms-backend/internal/core/events"
	"github.com/frahmantamala/lms-backend/internal/payment"
	"github.com/frahmantamala/lms-backend/internal/reconcile"
	"github.com/frahmantamala/lms-backend/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers: stale payment reconciliation and the lifecycle event consumer.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Start the stale payment reconciler",
	Long:  `Periodically re-verify pending payments whose gateway notification never arrived`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var eventWorkerCmd = &cobra.Command{
	Use:   "events",
	Short: "Start the lifecycle event consumer",
	Long:  `Consume payment and enrollment events from Kafka and run the notification handlers`,
	Run: func(cmd *cobra.Command, args []string) {
		startEventWorker()
	},
}

var (
	maxWorkers    int
	jobQueueSize  int
	runOnce       bool
	consumerGroup string
)

func newReconciler(deps *Dependencies) *reconcile.Reconciler {
	cfg := deps.Config.Payment
	return reconcile.NewReconciler(deps.PaymentService, reconcile.Config{
		Interval:   cfg.ReconcileEvery,
		StaleAfter: cfg.StaleAfter,
		MaxWorkers: getIntFlag(maxWorkers, cfg.MaxWorkers),
		QueueSize:  getIntFlag(jobQueueSize, cfg.JobQueueSize),
	}, deps.Logger).WithRecorder(deps.Metrics)
}

func startReconcileWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	reconciler := newReconciler(deps)

	if runOnce {
		queued, err := reconciler.RunOnce(context.Background())
		if err != nil {
			deps.Logger.Error("reconcile scan failed", "error", err)
			os.Exit(1)
		}
		deps.Logger.Info("reconcile scan queued payments", "count", queued)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		reconciler.Drain(ctx)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler.Start(ctx)
	deps.Logger.Info("reconcile worker is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	deps.Logger.Info("received signal, shutting down reconcile worker")
	reconciler.Shutdown()
}

func startEventWorker() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.LoggerWrapper()

	if len(config.Kafka.Brokers) == 0 {
		log.Error("kafka brokers are not configured")
		os.Exit(1)
	}

	bus := events.NewEventBus(log)
	payment.NewEventHandler(log).RegisterEventHandlers(bus)

	group, err := events.NewKafkaConsumerGroup(config.Kafka.Brokers, consumerGroup)
	if err != nil {
		log.Error("failed to start kafka consumer", "error", err)
		os.Exit(1)
	}
	consumer := events.NewKafkaConsumer(group, config.Kafka.Topic, bus, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("event worker is running. Press Ctrl+C to stop.", "topic", config.Kafka.Topic, "group", consumerGroup)
	if err := consumer.Run(ctx); err != nil {
		log.Error("event consumer stopped", "error", err)
	}
	if err := consumer.Close(); err != nil {
		log.Error("kafka consumer close error", "error", err)
	}
	log.Info("event worker shutdown complete")
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	reconcileWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single scan and exit")
	eventWorkerCmd.Flags().StringVar(&consumerGroup, "group", "lms-notifier", "Kafka consumer group id")

	workerCmd.AddCommand(reconcileWorkerCmd)
	workerCmd.AddCommand(eventWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
