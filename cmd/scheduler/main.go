package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-delegation/internal/app/acl"
	"github.com/ahrav/scan-delegation/internal/app/cleanup"
	appscheduling "github.com/ahrav/scan-delegation/internal/app/scheduling"
	"github.com/ahrav/scan-delegation/internal/bootstrap"
	"github.com/ahrav/scan-delegation/internal/config/viperloader"
	"github.com/ahrav/scan-delegation/internal/domain/retention"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	switchStore "github.com/ahrav/scan-delegation/internal/infra/storage/cluster/postgres"
	delegationStore "github.com/ahrav/scan-delegation/internal/infra/storage/delegation/postgres"
	schedulingStore "github.com/ahrav/scan-delegation/internal/infra/storage/scheduling/postgres"
	"github.com/ahrav/scan-delegation/pkg/common"
	"github.com/ahrav/scan-delegation/pkg/common/otel"
)

const (
	serviceType = "scheduler"

	// dispatchSwitch pauses dispatching for every scheduler instance.
	dispatchSwitch = "dispatch"
)

func main() {
	configPath := flag.String("config", os.Getenv("DELEGATION_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
}

func run(configPath string) error {
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := viperloader.New(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bootstrap.NewLogger(os.Stdout, cfg, serviceType)

	tracer, telemetryTeardown, err := bootstrap.InitTelemetry(log, cfg, serviceType)
	if err != nil {
		return err
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))
	mp := otel.GetMeterProvider()

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.HealthAddr, ready)

	pool, err := bootstrap.ConnectPostgres(ctx, log, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	toggle := switchStore.NewSwitch(dispatchSwitch, pool, tracer)
	if err := toggle.Seed(ctx, cfg.Switches.DispatchEnabled); err != nil {
		return fmt.Errorf("failed to seed dispatch switch: %w", err)
	}

	publisher, err := bootstrap.NewPublisher(ctx, log, cfg, serviceType, mp, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error(ctx, "Failed to close event publisher", "error", err)
		}
	}()

	metrics, err := appscheduling.NewSchedulerMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create scheduler metrics: %w", err)
	}

	jobRepo := schedulingStore.NewJobStore(pool, tracer)
	tier := acl.NewDelegationWorkerTier(delegationStore.NewWorkItemStore(pool, tracer), tracer)

	strategy := appscheduling.NewStrategy(scheduling.ParseStrategyID(cfg.Scheduler.Strategy), jobRepo)
	dispatcher := appscheduling.NewDispatcher(
		appscheduling.DispatchConfig{
			InitialDelay: cfg.Scheduler.InitialDelay,
			FixedDelay:   cfg.Scheduler.FixedDelay,
			MaxPerCycle:  cfg.Scheduler.MaxPerCycle,
		},
		strategy,
		jobRepo,
		tier,
		toggle,
		publisher,
		metrics,
		log,
		tracer,
	)

	completionSync := appscheduling.NewCompletionSynchronizer(
		jobRepo,
		tier,
		publisher,
		cfg.Scheduler.SyncInterval,
		cfg.Scheduler.SyncBatchSize,
		metrics,
		log,
		tracer,
	)

	retentionDays := cfg.Scheduler.RetentionDays
	jobCleanup, err := cleanup.NewAutoCleanupService(
		serviceType, "job",
		jobRepo,
		retention.RetentionFunc(func() int64 { return retentionDays }),
		cleanup.NewLoggingInspector(log),
		cfg.Scheduler.CleanupInterval,
		mp,
		log,
		tracer,
	)
	if err != nil {
		return fmt.Errorf("failed to create job cleanup: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := healthServer.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return completionSync.Run(gctx) })
	g.Go(func() error { return jobCleanup.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return healthServer.Server().Shutdown(shutdownCtx)
	})

	ready.Store(true)
	log.Info(ctx, "Scheduler started",
		"instance_id", cfg.InstanceID,
		"strategy", strategy.ID().String(),
		"health_addr", cfg.HealthAddr,
	)

	err = g.Wait()
	log.Info(context.WithoutCancel(ctx), "Scheduler stopped")
	return err
}
