package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"bidflow/config"
	"bidflow/internal/activity"
	"bidflow/internal/autobid"
	"bidflow/internal/bidding"
	"bidflow/internal/events"
	"bidflow/internal/hub"
	"bidflow/internal/ledger"
	"bidflow/internal/metrics"
	"bidflow/internal/server"
	"bidflow/logger"
	"bidflow/models"
	"bidflow/writer"
)

// lifecycleSource is a running lifecycle event consumer.
type lifecycleSource interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bidflow.Name,
		"version":     cfg.Bidflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bidflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	var (
		store ledger.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		pool, err = ledger.NewPool(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MaxConns)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		pg := ledger.NewPostgres(pool, cfg.Storage.Postgres.QueryTimeout)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("failed to prepare bid ledger schema")
			pool.Close()
			os.Exit(1)
		}
		store = pg
	default:
		log.WithComponent("main").Warn("using in-memory bid ledger; bids are lost on restart")
		store = ledger.NewMemory()
	}

	cache := activity.NewCache()
	active, err := store.ActiveAuctions(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load active auctions")
		os.Exit(1)
	}
	entries := make(map[string]models.AuctionStatus, len(active))
	for _, a := range active {
		entries[a.AuctionID] = a.Status
	}
	cache.Initialize(entries)
	log.WithComponent("main").WithField("active_auctions", len(entries)).Info("activity cache initialized")

	var announcer bidding.Announcer = writer.NopAnnouncer{}
	var bidAnnouncer *writer.BidAnnouncer
	if cfg.Events.Transport == config.TransportKafka && cfg.Events.Kafka.BidsTopic != "" {
		bidAnnouncer, err = writer.NewBidAnnouncer(cfg.Events.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create bid announcer")
			os.Exit(1)
		}
		if err := bidAnnouncer.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start bid announcer")
			os.Exit(1)
		}
		announcer = bidAnnouncer
	}

	svc := bidding.NewService(store, store, announcer)

	engine := autobid.NewEngine(svc, cache, cfg.AutoBid.PacingInterval)
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start auto-bid engine")
		os.Exit(1)
	}

	bidHub := hub.New(cfg.Hub, cfg.Server.AllowedOrigins, svc, engine, cache)
	engine.SetBroadcaster(bidHub)

	var archiver events.Archiver
	if cfg.Storage.S3.Enabled {
		archive, err := writer.NewBidArchive(ctx, cfg, store)
		if err != nil {
			log.WithError(err).Error("failed to create bid archive")
			os.Exit(1)
		}
		archiver = archive
	} else {
		log.WithComponent("main").Info("S3 storage disabled; closed auctions will not be archived")
	}

	handler := events.NewHandler(cache, bidHub, engine, archiver)

	var source lifecycleSource
	switch cfg.Events.Transport {
	case config.TransportKafka:
		source, err = events.NewKafkaConsumer(cfg.Events.Kafka, handler)
	case config.TransportRedis:
		source, err = events.NewRedisSubscriber(cfg.Events.Redis, handler)
	default:
		log.WithComponent("main").Warn("no lifecycle transport configured; activity cache is static")
	}
	if err != nil {
		log.WithError(err).Error("failed to create lifecycle consumer")
		os.Exit(1)
	}
	if source != nil {
		if err := source.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start lifecycle consumer")
			os.Exit(1)
		}
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval, func() logger.ActivityStats {
			stats := bidHub.Stats()
			return logger.ActivityStats{
				Rooms:       stats.Rooms,
				Connections: stats.Connections,
				ActiveCache: cache.Len(),
			}
		})
	}

	srv := server.New(cfg.Server, cfg.Metrics.Enabled, bidHub, func() gin.H {
		stats := bidHub.Stats()
		return gin.H{
			"rooms":           stats.Rooms,
			"connections":     stats.Connections,
			"active_auctions": cache.Len(),
		}
	})

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			serverErr <- err
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("http server failed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()

		if source != nil {
			log.Info("stopping lifecycle consumer")
			source.Stop()
		}

		log.Info("stopping auto-bid engine")
		engine.Stop()

		log.Info("closing bidding rooms")
		bidHub.Shutdown()

		if bidAnnouncer != nil {
			log.Info("stopping bid announcer")
			bidAnnouncer.Stop()
		}

		if pool != nil {
			pool.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bidflow stopped")
}
