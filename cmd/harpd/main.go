package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harplog/harp/internal/batch"
	"github.com/harplog/harp/internal/config"
	"github.com/harplog/harp/internal/db"
	"github.com/harplog/harp/internal/events"
	apphttp "github.com/harplog/harp/internal/http"
	"github.com/harplog/harp/internal/http/dto"
	"github.com/harplog/harp/internal/http/handlers"
	"github.com/harplog/harp/internal/queue"
	"github.com/harplog/harp/internal/repositories"
	"github.com/harplog/harp/internal/server"
	"github.com/harplog/harp/migrations"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	var (
		envFile     string
		showVersion bool
	)
	flag.StringVar(&envFile, "config", "", "env file to load before reading the environment")
	flag.StringVar(&envFile, "c", "", "shorthand for -config")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showVersion, "v", false, "shorthand for -version")
	flag.Parse()

	if showVersion {
		fmt.Println("harpd", version)
		return
	}

	cfg := config.Load(envFile)

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	cfg.Warn(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL(), cfg.MaxConnections, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	var (
		rdb       *redis.Client
		publisher events.Publisher = events.NoopPublisher{}
	)
	if cfg.RedisURL != "" {
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, log)
	}

	actionRepo := repositories.NewActionRepo(pool)
	q := queue.New(cfg.QueueCapacity)

	writer := batch.New(q, actionRepo, batch.Config{
		Interval:        cfg.ProcessInterval,
		MaxAttempts:     cfg.MaxBatchAttempts,
		ShutdownTimeout: cfg.ShutdownTimeout,
		EventsChannel:   cfg.EventsChannel,
	}, log.Named("batch"), publisher)

	srv := server.New(server.Config{
		Addr:         cfg.ListenAddr(),
		MaxFrameSize: cfg.MaxPacketSize,
	}, q, log.Named("acceptor"))

	// the writer outlives the acceptor so it can flush what was accepted
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stopWriter()
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return writer.Run(writerCtx)
	})

	if cfg.HTTPEnabled() {
		app := apphttp.NewApp()
		stats := func() dto.StatsResponse {
			return dto.StatsResponse{
				QueueDepth:        q.Len(),
				QueueCapacity:     q.Cap(),
				PendingBatch:      writer.Pending(),
				ActiveConnections: srv.ActiveConnections(),
				Committed:         writer.Committed(),
				Breaker:           writer.BreakerState().String(),
			}
		}
		apphttp.SetupRouter(app, log.Named("http"), rdb,
			handlers.NewOpsHandler(actionRepo, stats, log),
			handlers.NewActionHandler(actionRepo, log),
		)

		addr := ":" + cfg.HTTPPort
		g.Go(func() error {
			log.Info("starting ops server", zap.String("addr", addr))
			return app.Listen(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			return app.ShutdownWithTimeout(5 * time.Second)
		})
	}

	log.Info("harpd started",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr()),
		zap.Duration("process_interval", cfg.ProcessInterval),
	)

	if err := g.Wait(); err != nil {
		log.Fatal("harpd stopped with error", zap.Error(err))
	}
	log.Info("harpd stopped")
}
