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

	"github.com/ahrav/scan-delegation/internal/app/cleanup"
	appdelegation "github.com/ahrav/scan-delegation/internal/app/delegation"
	"github.com/ahrav/scan-delegation/internal/bootstrap"
	"github.com/ahrav/scan-delegation/internal/config/viperloader"
	"github.com/ahrav/scan-delegation/internal/domain/retention"
	switchStore "github.com/ahrav/scan-delegation/internal/infra/storage/cluster/postgres"
	delegationStore "github.com/ahrav/scan-delegation/internal/infra/storage/delegation/postgres"
	"github.com/ahrav/scan-delegation/pkg/common"
	"github.com/ahrav/scan-delegation/pkg/common/otel"
)

const (
	serviceType = "worker"

	// claimSwitch pauses claiming for every worker instance.
	claimSwitch = "claims"
)

func main() {
	configPath := flag.String("config", os.Getenv("DELEGATION_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("worker: %v", err)
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

	toggle := switchStore.NewSwitch(claimSwitch, pool, tracer)
	if err := toggle.Seed(ctx, cfg.Switches.ClaimsEnabled); err != nil {
		return fmt.Errorf("failed to seed claim switch: %w", err)
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

	metrics, err := appdelegation.NewWorkerMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create worker metrics: %w", err)
	}

	itemRepo := delegationStore.NewWorkItemStore(pool, tracer)

	executor := appdelegation.NoopExecutor{
		Steps:    cfg.Worker.ExecutorSteps,
		StepTime: cfg.Worker.ExecutorStepTime,
	}
	queue := appdelegation.NewExecutionQueue(
		cfg.Worker.Capacity,
		itemRepo,
		executor,
		publisher,
		metrics,
		log,
		tracer,
		appdelegation.WithShutdownGrace(cfg.Worker.ShutdownGrace),
	)

	engine := appdelegation.NewClaimEngine(
		appdelegation.ClaimConfig{
			InstanceID:         cfg.InstanceID,
			InitialDelay:       cfg.Worker.InitialDelay,
			FixedDelay:         cfg.Worker.FixedDelay,
			BackoffMin:         cfg.Worker.BackoffMin,
			BackoffMax:         cfg.Worker.BackoffMax,
			MaxConflictRetries: cfg.Worker.MaxConflictRetries,
		},
		itemRepo,
		queue,
		toggle,
		publisher,
		metrics,
		log,
		tracer,
	)

	retentionDays := cfg.Worker.RetentionDays
	itemCleanup, err := cleanup.NewAutoCleanupService(
		serviceType, "work_item",
		itemRepo,
		retention.RetentionFunc(func() int64 { return retentionDays }),
		cleanup.NewLoggingInspector(log),
		cfg.Worker.CleanupInterval,
		mp,
		log,
		tracer,
	)
	if err != nil {
		return fmt.Errorf("failed to create work item cleanup: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	queue.Start(gctx)
	g.Go(func() error {
		queue.Wait()
		return nil
	})
	g.Go(func() error {
		if err := healthServer.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return itemCleanup.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return healthServer.Server().Shutdown(shutdownCtx)
	})

	ready.Store(true)
	log.Info(ctx, "Worker started",
		"instance_id", cfg.InstanceID,
		"capacity", queue.Capacity(),
		"health_addr", cfg.HealthAddr,
	)

	err = g.Wait()
	log.Info(context.WithoutCancel(ctx), "Worker stopped")
	return err
}
