package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"mediaq/internal/api"
	"mediaq/internal/config"
	"mediaq/internal/infra/postgres"
	"mediaq/internal/infra/redisq"
	"mediaq/internal/infra/uploads"
	"mediaq/internal/metrics"
	"mediaq/internal/pool"
	"mediaq/internal/ports"
	"mediaq/internal/process"
	"mediaq/internal/scheduler"
	"mediaq/internal/taskmanager"
	"mediaq/internal/usecase"
	"mediaq/internal/workerapi"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serverCmd() *cobra.Command {
	var (
		port    int
		migrate bool
	)

	var command = &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log.Level)
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServer(cfg, migrate)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	command.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before starting")
	return command
}

// status serves pool statistics together with the admission decision.
type status struct {
	*pool.Pool
	*taskmanager.Manager
}

// workerFork re-executes bin as a worker, numbering the workers it starts.
func workerFork(bin string) process.ForkFunc {
	var n atomic.Int64
	return func(ctx context.Context) (process.Child, error) {
		env := []string{fmt.Sprintf("%s=%d", workerIDEnv, n.Add(1))}
		return process.ExecFork(bin, []string{"worker"}, env)(ctx)
	}
}

func runServer(cfg *config.Config, migrate bool) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sigCtx = log.Logger.WithContext(sigCtx)

	db, err := postgres.Open(sigCtx, cfg.Database.URL, 10)
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := postgres.Migrate(db); err != nil {
			return err
		}
	}
	store := postgres.NewMediaStore(db)

	files, err := uploads.New(cfg.Storage.UploadDir, cfg.Storage.ThumbnailDir)
	if err != nil {
		return err
	}

	var (
		retries  ports.RetryStore
		notifier ports.Notifier = usecase.LogNotifier{Log: log.Logger}
	)
	if cfg.Redis.Addr != "" {
		rc := redisq.New(cfg.Redis)
		if err := rc.Connect(sigCtx); err != nil {
			return err
		}
		defer rc.Close()
		retries = redisq.NewRetryStore(rc)
		notifier = redisq.NewNotifier(rc)
	} else {
		log.Warn().Msg("redis not configured: retries are not persisted and notifications are only logged")
	}

	bin := cfg.Pool.WorkerBinary
	if bin == "" {
		if bin, err = os.Executable(); err != nil {
			return fmt.Errorf("locate worker binary: %w", err)
		}
	}

	// the pool outlives the signal context so that it can be drained
	p, err := pool.New(context.Background(), pool.Config{
		Handlers:          workerapi.ParentHandlers(workerapi.StaticConfig(cfg.Worker())),
		RequiredMethods:   workerapi.WorkerMethods,
		MinWorkers:        cfg.Pool.MinWorkers,
		MaxWorkers:        cfg.Pool.MaxWorkers,
		MaxTasksPerWorker: cfg.Pool.MaxTasksPerWorker,
		Fork:              workerFork(bin),
		HandshakeTimeout:  cfg.Pool.HandshakeTimeout,
		ShutdownGrace:     cfg.Pool.ShutdownGrace,
	}, log.Logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg, p); err != nil {
		_ = p.Shutdown(context.Background())
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	sched := scheduler.New(log.Logger)
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	manager := taskmanager.New(taskmanager.Deps{
		Worker:    workerapi.NewWorkerClient(p),
		Pool:      p,
		Scheduler: sched,
		Owners:    store,
		Notifier:  notifier,
		Uploads:   files,
		Retries:   retries,
	}, taskmanager.Config{
		PurgeInitialDelay: cfg.Tasks.PurgeInitialDelay,
		PurgeInterval:     cfg.Tasks.PurgeInterval,
	}, log.Logger)
	if err := manager.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore pending retries")
	}

	uploader := usecase.NewUploader(ctx, manager, store, files, cfg.Storage.MaxUploadBytes, log.Logger)
	srv := api.NewServer(api.Deps{
		Media:    uploader,
		Status:   status{Pool: p, Manager: manager},
		Gatherer: reg,
		Logger:   log.Logger,
	})
	apiDone := make(chan error, 1)
	go func() { apiDone <- srv.Run(ctx, cfg.Server.Port, cfg.Server.ShutdownTimeout) }()

	var runErr error
	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutdown signal received")
	case <-p.Done():
		runErr = fmt.Errorf("worker pool failed: %w", p.Err())
		log.Error().Err(runErr).Msg("stopping")
	case err := <-apiDone:
		runErr = err
		apiDone = nil
	}

	cancel()
	if apiDone != nil {
		if err := <-apiDone; err != nil {
			log.Error().Err(err).Msg("http server shutdown")
		}
	}
	<-schedDone

	sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	if err := p.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("worker pool shutdown")
	}
	uploader.Wait()
	manager.Wait()

	log.Info().Msg("server stopped")
	return runErr
}
