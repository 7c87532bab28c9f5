package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/detect"
	"github.com/ramin-karimi/facegraph/internal/identity"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/scheduler"
	"github.com/ramin-karimi/facegraph/internal/store"
	"github.com/ramin-karimi/facegraph/internal/telemetry"
	"github.com/ramin-karimi/facegraph/internal/worker"
)

const (
	serviceVersion = "0.1.0"

	stepsGroup   = "facegraph-steps"
	controlGroup = "facegraph-control"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis pipeline daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return serve
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telLogger := log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags)
	tel, meter, tracer, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
		ServiceName:    "facegraphd",
		ServiceVersion: serviceVersion,
	}, telLogger)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.DB.Close()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Storage.Redis.Host + ":" + cfg.Storage.Redis.Port,
		Password:     cfg.Storage.Redis.Password,
		DB:           cfg.Storage.Redis.DB,
		DialTimeout:  cfg.Storage.Redis.Timeout,
		ReadTimeout:  -1, // blocking stream reads manage their own deadlines
		WriteTimeout: cfg.Storage.Redis.Timeout,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	for _, sg := range []struct{ stream, group string }{
		{streams.StreamSteps, stepsGroup},
		{streams.StreamControl, controlGroup},
	} {
		if err := streams.EnsureGroup(ctx, client, sg.stream, sg.group); err != nil {
			return fmt.Errorf("ensure group %s/%s: %w", sg.stream, sg.group, err)
		}
	}

	hostname, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	publisher := streams.NewPublisher(client, cfg.Storage.Redis.StreamMaxLen)
	inspector := streams.NewInspector(client, stepsGroup)
	stepConsumer := streams.NewConsumer(client, stepsGroup, consumerName)
	controlConsumer := streams.NewConsumer(client, controlGroup, consumerName)

	pipeLogger := log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags)
	workerLogger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	schedLogger := log.New(os.Stdout, "[SCHED] ", log.LstdFlags)
	identLogger := log.New(os.Stdout, "[IDENTITY] ", log.LstdFlags)

	state := pipeline.NewState(st, pipeLogger)
	finalizer := pipeline.NewFinalizer(st, publisher, inspector, cfg.Pipeline, pipeLogger)

	aliases, err := identity.NewAliasIndex()
	if err != nil {
		return fmt.Errorf("alias index: %w", err)
	}
	indexed, err := aliases.Hydrate(ctx, st)
	if err != nil {
		return fmt.Errorf("hydrate alias index: %w", err)
	}
	identLogger.Printf("alias index hydrated with %d identities", indexed)
	matcher := identity.NewMatcher(st, cfg.Identity, identLogger)
	resolver := identity.NewResolver(st, aliases, cfg.Identity, identLogger)

	providers, err := detect.New(cfg.Detect, workerLogger)
	if err != nil {
		return fmt.Errorf("detect providers: %w", err)
	}
	fetcher := worker.NewHTTPFetcher(cfg.Detect.RequestTimeout)
	executor := worker.NewExecutor(st, fetcher, providers, matcher, resolver, workerLogger)

	guard := scheduler.NewStreamGuard(client, streams.StreamSteps, stepsGroup, cfg.Scheduler, schedLogger)
	processor := worker.NewProcessor(workerLogger, stepConsumer, publisher, state, executor, guard, cfg.Scheduler, meter, tracer)

	var source worker.ContentSource
	if httpSource := worker.NewHTTPSource(cfg.Ingest); httpSource != nil {
		source = httpSource
	}
	scanner := worker.NewScanner(st, source, state, publisher, cfg.Pipeline, cfg.Ingest, workerLogger)
	control := worker.NewControlLoop(workerLogger, controlConsumer, finalizer, scanner)

	gate := scheduler.NewGate(st, inspector, schedLogger)
	lease := scheduler.NewLease(client, schedLogger)
	sched := scheduler.New(st, publisher, lease, gate, cfg.Scheduler, schedLogger)

	go func() {
		if err := processor.Start(ctx); err != nil {
			workerLogger.Printf("step processor exited: %v", err)
		}
	}()
	go func() {
		if err := control.Start(ctx); err != nil {
			workerLogger.Printf("control loop exited: %v", err)
		}
	}()
	go runPoller(ctx, st, publisher, cfg.Pipeline, pipeLogger)
	sched.Start()
	defer sched.Stop()

	pipeLogger.Printf("facegraphd %s started", serviceVersion)
	<-ctx.Done()
	pipeLogger.Printf("shutting down")
	return nil
}

// runPoller promotes due delayed envelopes and sweeps runs whose finalize
// events were lost. The conditional lock inside Evaluate makes a sweep that
// races a live finalizer harmless.
func runPoller(ctx context.Context, st *store.Store, publisher *streams.Publisher, cfg config.PipelineConfig, logger *log.Logger) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := publisher.PromoteDue(ctx, time.Now()); err != nil {
			logger.Printf("promote due envelopes: %v", err)
		}
		refs, err := st.ListStaleRunning(ctx, cfg.StalenessThreshold, 100)
		if err != nil {
			logger.Printf("list stale runs: %v", err)
			continue
		}
		for _, ref := range refs {
			if _, err := publisher.EnqueueFinalize(ctx, streams.FinalizeJob{
				ScopeID:   ref.ScopeID,
				ContentID: ref.ContentID,
				RunID:     ref.RunID,
			}, 0); err != nil {
				logger.Printf("sweep finalize for content %s: %v", ref.ContentID, err)
			}
		}
	}
}
