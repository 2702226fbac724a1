// Package main implements sharerecover, the manual replay tool that imports
// a share statistic recovery file into the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/itrailmpool/miningcore/internal/config"
	"github.com/itrailmpool/miningcore/internal/database"
	"github.com/itrailmpool/miningcore/internal/database/influx"
	"github.com/itrailmpool/miningcore/internal/database/postgres"
	"github.com/itrailmpool/miningcore/internal/database/redis"
	"github.com/itrailmpool/miningcore/internal/recorder"
	"github.com/itrailmpool/miningcore/pkg/log"
)

func main() {
	file := flag.String("file", "recovered-shares-statistic.txt", "recovery file to replay")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("sharerecover", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting recovery replay", "file", *file)

	dbManager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDatabase,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 5,
			MaxIdleConns: 1,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     2,
			MinIdleConns: 1,
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
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	report, err := recorder.RecoverShares(context.Background(), dbManager, *file, logger)
	if err != nil {
		logger.WithError(err).Error("recovery replay failed",
			"recovered", reportRecovered(report), "failed", reportFailed(report))
		os.Exit(1)
	}

	logger.Info("recovery replay finished", "recovered", report.Recovered, "failed", report.Failed)
}

func reportRecovered(r *recorder.RecoveryReport) int64 {
	if r == nil {
		return 0
	}
	return r.Recovered
}

func reportFailed(r *recorder.RecoveryReport) int64 {
	if r == nil {
		return 0
	}
	return r.Failed
}
