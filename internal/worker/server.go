package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/infra/postgres"
	"mediaq/internal/infra/uploads"
	"mediaq/internal/process"
	"mediaq/internal/rpc"
	"mediaq/internal/workerapi"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	configTimeout = 10 * time.Second
	drainTimeout  = 30 * time.Second
	dbMaxConns    = 2
)

// Run is the entry point of a worker process. It serves the worker methods
// to the parent over the inherited pipes until the parent goes away or
// sends SIGTERM, in which case in-flight calls are answered first.
func Run(id string) error {
	logger := log.With().Str("worker", id).Int("pid", os.Getpid()).Logger()

	// interrupts from the terminal reach the whole process group; the parent
	// decides when workers stop
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	conn, err := process.ChildConn()
	if err != nil {
		return err
	}

	svc := NewService(logger)
	ch := rpc.NewChannel(conn, workerapi.WorkerHandlers(svc), logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- ch.Serve(context.WithoutCancel(ctx)) }()

	closeStore, err := configure(ctx, svc, workerapi.NewParentClient(ch), logger)
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer closeStore()
	logger.Info().Msg("worker ready")

	select {
	case err := <-serveErr:
		// parent closed the pipes
		if err != nil {
			return fmt.Errorf("serve parent: %w", err)
		}
		logger.Info().Msg("parent went away, exiting")
		return nil
	case <-ctx.Done():
	}

	logger.Info().Int("pending", ch.Pending()).Msg("terminating, draining in-flight calls")
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := ch.Drain(dctx); err != nil {
		logger.Warn().Err(err).Msg("drain timed out")
	}
	_ = ch.Close()
	<-serveErr
	return nil
}

func configure(ctx context.Context, svc *Service, parent *workerapi.ParentClient, logger zerolog.Logger) (func(), error) {
	cctx, cancel := context.WithTimeout(ctx, configTimeout)
	defer cancel()

	cfg, err := parent.GetConfig(cctx)
	if err != nil {
		return nil, fmt.Errorf("get config from parent: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL, dbMaxConns)
	if err != nil {
		return nil, err
	}
	files, err := uploads.New(cfg.UploadDir, cfg.ThumbnailDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	svc.Configure(postgres.NewMediaStore(db), files, thumbnailSize(cfg))

	return func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing database")
		}
	}, nil
}

func thumbnailSize(cfg config.TaskWorkerConfig) int {
	if cfg.ThumbnailSize <= 0 {
		return 256
	}
	return cfg.ThumbnailSize
}
