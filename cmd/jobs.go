package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hashvault/ms-go-billing/app/service"
	"github.com/hashvault/ms-go-billing/config"
)

var (
	workerMode bool
)

var retryParkedCmd = &cobra.Command{
	Use:   "retry-parked",
	Short: "Replay parked webhook events whose retry time is due",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"retry_parked",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.RetryParkedInterval },
			func(s *service.BillingService, ctx context.Context) error {
				return s.RunRetryParkedBatch(ctx)
			},
		)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll providers for transactions stuck in pending",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.BillingService, ctx context.Context) error {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run expiration-related commands",
}

var expirePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Cancel abandoned pending orders past the checkout timeout",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"expire_pending",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpirePendingInterval },
			func(s *service.BillingService, ctx context.Context) error {
				return s.RunExpirePendingBatch(ctx)
			},
		)
	},
}

var purgeProcessedCmd = &cobra.Command{
	Use:   "purge-processed",
	Short: "Delete processed-event records past the retention window",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"purge_processed",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.PurgeProcessedInterval },
			func(s *service.BillingService, ctx context.Context) error {
				return s.RunPurgeProcessedBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(retryParkedCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(purgeProcessedCmd)
	expireCmd.AddCommand(expirePendingCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.BillingService, ctx context.Context) error,
) {
	cfg, billingService, cleanup := mustCreateBillingService()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(cfg), billingService, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(billingService, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	billingService *service.BillingService,
	fn func(s *service.BillingService, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(billingService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(billingService, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
