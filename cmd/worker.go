package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/config"
	"github.com/SpireTech/bifrost/internal/engine/admin"
	"github.com/SpireTech/bifrost/internal/engine/breaker"
	"github.com/SpireTech/bifrost/internal/engine/consumer"
	"github.com/SpireTech/bifrost/internal/engine/orchestrator"
	"github.com/SpireTech/bifrost/internal/engine/registry"
	"github.com/SpireTech/bifrost/internal/engine/runner"
	"github.com/SpireTech/bifrost/internal/engine/sandbox"
	"github.com/SpireTech/bifrost/internal/engine/worker"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
	"github.com/SpireTech/bifrost/internal/telemetry"
	"github.com/SpireTech/bifrost/internal/tenant"
)

var logFile string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the execution worker daemon",
	Long:  `Starts the worker daemon: registers with the platform, warms the process pool, and consumes execution requests from the broker queue until interrupted.`,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&logFile, "log-file", "",
		"append logs to this file instead of stderr")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if logFile != "" {
		cleanup, err := log.Init(logFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer cleanup()
	} else {
		log.InitWithWriter(os.Stderr)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	log.Info(log.CatConfig, "Worker starting", "workerID", workerID, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	kvs, err := kv.NewRedis(ctx, kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = kvs.Close() }()

	queue, err := broker.NewRedis(ctx, broker.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.QueueKey,
	})
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tel := telemetry.NewPublisher(kvs, cfg.Telemetry.Channel, workerID)

	brk := breaker.New(kvs, db, breaker.Config{
		Threshold: cfg.Engine.StuckThreshold,
		Window:    time.Duration(cfg.Engine.StuckWindowMinutes) * time.Minute,
		OnTrip: func(ctx context.Context, workflowID string, count int) {
			tel.Publish(ctx, telemetry.EventWorkflowBlacklisted, map[string]any{
				"workflow_id": workflowID,
				"stuck_count": count,
			})
		},
	})

	src := tenant.NewSource(kvs)
	run := runner.New(sandbox.NewNative(), src, src)

	cons := consumer.New(consumer.Config{
		Queue:          queue,
		Store:          db,
		KV:             kvs,
		Breaker:        brk,
		Telemetry:      tel,
		Prewarmer:      src,
		DefaultTimeout: time.Duration(cfg.Engine.ExecutionTimeoutSeconds) * time.Second,
	})

	orch := orchestrator.New(orchestrator.Config{
		Runner:   run,
		OnResult: cons.Finalize,
		OnStateChange: func(pid int, change worker.StateChange) {
			tel.Publish(ctx, telemetry.EventProcessStateChanged, map[string]any{
				"pid":    pid,
				"from":   string(change.From),
				"to":     string(change.To),
				"reason": change.Reason,
			})
		},
		MinWorkers:       cfg.Engine.MinWorkers,
		MaxWorkers:       cfg.Engine.MaxWorkers,
		PoolSize:         cfg.Engine.ThreadPoolSize,
		CancelGrace:      time.Duration(cfg.Engine.CancelGraceSeconds) * time.Second,
		RecycleAfter:     cfg.Engine.RecycleAfterExecutions,
		GracefulShutdown: time.Duration(cfg.Engine.GracefulShutdownSeconds) * time.Second,
	})
	cons.SetRouter(orch)

	reg := registry.New(registry.Config{
		KV:            kvs,
		Telemetry:     tel,
		WorkerID:      workerID,
		Pool:          orch,
		QueueDepth:    queue.Len,
		QueueSnapshot: queue.Snapshot,
		Inflight:      cons.InflightCount,
		Interval:      time.Duration(cfg.Engine.HeartbeatIntervalSeconds) * time.Second,
	})
	if err := reg.Register(ctx); err != nil {
		return err
	}

	listener := admin.NewListener(kvs, workerID, orch, func(reason string) {
		log.Info(log.CatAdmin, "Shutting down on admin command", "reason", reason)
		cancel()
	})

	// SIGHUP re-reads the config file. New values apply to future engine
	// starts; the running pool keeps its dimensions.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if _, err := loader.Reload(); err != nil {
				log.Warn(log.CatConfig, "Config reload failed", "error", err)
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		reg.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil {
			log.ErrorErr(log.CatAdmin, "Command listener stopped", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := cons.Run(ctx); err != nil && ctx.Err() == nil {
			log.ErrorErr(log.CatConsumer, "Consume loop stopped", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info(log.CatOrch, "Draining worker pool")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Engine.GracefulShutdownSeconds)*time.Second)
	defer shutdownCancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Warn(log.CatOrch, "Pool did not drain cleanly", "error", err)
	}

	wg.Wait()
	log.Info(log.CatOrch, "Worker stopped", "workerID", workerID)
	return nil
}
