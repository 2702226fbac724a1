// Package main implements poold, the Stratum pool front-end service. It
// accepts miner connections for every configured pool, consumes the
// upstream job stream, validates shares and records share statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itrailmpool/miningcore/internal/auth"
	"github.com/itrailmpool/miningcore/internal/banning"
	"github.com/itrailmpool/miningcore/internal/config"
	"github.com/itrailmpool/miningcore/internal/daemon"
	"github.com/itrailmpool/miningcore/internal/database"
	"github.com/itrailmpool/miningcore/internal/database/influx"
	"github.com/itrailmpool/miningcore/internal/database/postgres"
	"github.com/itrailmpool/miningcore/internal/database/redis"
	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/internal/jobs"
	"github.com/itrailmpool/miningcore/internal/messaging"
	"github.com/itrailmpool/miningcore/internal/nicehash"
	"github.com/itrailmpool/miningcore/internal/recorder"
	"github.com/itrailmpool/miningcore/internal/stratum"
	"github.com/itrailmpool/miningcore/pkg/log"
)

// addressCacheEviction is the wall-clock interval at which every pool's
// credential cache is cleared.
const addressCacheEviction = time.Hour

// statisticBusCapacity bounds the in-process share statistic queue.
const statisticBusCapacity = 16384

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold", "version", cfg.Version, "cluster_file", cfg.ClusterFile)

	cluster, err := config.LoadCluster(cfg.ClusterFile)
	if err != nil {
		logger.WithError(err).Error("failed to load cluster config")
		os.Exit(1)
	}

	dbManager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDatabase,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect databases")
		os.Exit(1)
	}

	kafkaClient := messaging.NewClient(cfg.KafkaBrokers, logger.Logger)

	rpc, err := daemon.NewRPCClient(cfg.DaemonRPCHost, cfg.DaemonRPCPort, cfg.DaemonRPCUser, cfg.DaemonRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create daemon RPC client")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daemon connectivity check before accepting any miners.
	healthCtx, healthCancel := context.WithTimeout(ctx, 30*time.Second)
	if template, err := rpc.GetBlockTemplate(healthCtx); err != nil {
		logger.WithError(err).Warn("daemon template check failed, continuing")
	} else {
		logger.Info("daemon reachable", "chain_height", template.Height)
	}
	healthCancel()

	telemetry := database.NewPoolTelemetry(dbManager, logger)
	relay := messaging.NewShareRelay(kafkaClient, logger.Logger)
	notifier := messaging.NewAdminNotifier(kafkaClient)
	nicehashSvc := nicehash.NewService(cfg.NicehashAPIURL, logger)

	bus := events.NewStatisticBus(statisticBusCapacity)
	rec := recorder.New(
		recorder.DefaultConfig(cluster.Recovery.File(), cluster.Notifications.Admin.Enabled),
		bus.C(), dbManager, notifier, logger,
	)
	go rec.Run(ctx)

	bans := banning.NewManager(logger)
	bans.StartJanitor(ctx, time.Minute)

	// The pool registry is assembled during startup and read-only afterwards.
	pools := make(map[string]*stratum.PoolServer, len(cluster.Pools))
	var retirers multiRetirer

	for _, poolCfg := range cluster.Pools {
		poolLogger := logger.WithPool(poolCfg.ID)

		manager := jobs.NewManager(poolCfg.ID, rpc, logger)
		retirers = append(retirers, manager)
		source := jobs.NewKafkaSource(kafkaClient, cfg.KafkaGroupID+"-"+poolCfg.ID, manager, logger)
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				poolLogger.WithError(err).Error("job source failed")
				cancel()
			}
		}()

		registry := stratum.NewRegistry()
		broadcaster := stratum.NewBroadcaster(logger, registry, manager.Jobs())
		go func() {
			if err := broadcaster.Run(ctx); err != nil && ctx.Err() == nil {
				poolLogger.WithError(err).Error("broadcaster failed")
				cancel()
			}
		}()

		var vardiff *stratum.VarDiffManager
		if poolCfg.VarDiff != nil {
			vardiff = stratum.NewVarDiffManager(*poolCfg.VarDiff)
		}
		diff := stratum.NewDifficultyController(logger, nicehashSvc, vardiff, poolCfg.Coin, poolCfg.Algorithm)

		resolver := auth.NewResolver(poolCfg.ID, dbManager, logger)
		resolver.StartEviction(ctx, addressCacheEviction)

		handler := stratum.NewPoolHandler(
			poolCfg, cluster.Banning.Enabled(), logger,
			manager, broadcaster, diff, resolver, bans, telemetry, bus, relay,
		)

		server := stratum.NewPoolServer(
			poolCfg, logger, handler, broadcaster, registry, bans, telemetry, diff,
			cfg.ReadTimeout, cfg.WriteTimeout, cfg.MaxConnections,
		)
		pools[poolCfg.ID] = server

		go func() {
			if err := server.Start(ctx); err != nil && ctx.Err() == nil {
				poolLogger.WithError(err).Error("pool server failed")
				cancel()
			}
		}()
	}

	// New chain tips retire outstanding jobs across every pool.
	notifierZMQ, err := daemon.NewZMQNotifier(cfg.DaemonZMQAddr, logger.Logger)
	if err != nil {
		logger.WithError(err).Error("failed to create ZMQ notifier")
		os.Exit(1)
	}
	go func() {
		if err := daemon.WatchChainTip(ctx, notifierZMQ, retirers, logger.Logger); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("chain tip watcher failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for id, server := range pools {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("pool shutdown failed", "pool_id", id)
		}
	}

	_ = notifierZMQ.Close()
	rpc.Close()
	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close Kafka client")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("failed to close databases")
	}

	logger.Info("poold stopped")
}

// multiRetirer fans a chain-tip notification out to every pool's job
// manager.
type multiRetirer []*jobs.Manager

// RetireJobs implements daemon.JobRetirer.
func (m multiRetirer) RetireJobs(reason string) {
	for _, mgr := range m {
		mgr.RetireJobs(reason)
	}
}
