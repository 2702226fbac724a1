// Package config provides configuration for the pool services. Service-level
// settings come from environment variables; the cluster and pool topology is
// loaded from a TOML file referenced by POOL_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service-level configuration loaded from the environment.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Cluster/pool topology file
	ClusterFile string

	// Coin daemon connection
	DaemonRPCHost     string
	DaemonRPCPort     int
	DaemonRPCUser     string
	DaemonRPCPassword string
	DaemonZMQAddr     string

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string

	// Databases
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// NiceHash static-diff API
	NicehashAPIURL string

	// Connection tuning
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads service configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "poold"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		ClusterFile: getEnv("POOL_CONFIG", "pool.toml"),

		DaemonRPCHost:     getEnv("DAEMON_RPC_HOST", "localhost"),
		DaemonRPCPort:     getEnvInt("DAEMON_RPC_PORT", 8332),
		DaemonRPCUser:     getEnv("DAEMON_RPC_USER", ""),
		DaemonRPCPassword: getEnv("DAEMON_RPC_PASSWORD", ""),
		DaemonZMQAddr:     getEnv("DAEMON_ZMQ_ADDR", "tcp://localhost:28332"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "poold"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "pool"),
		PostgresUser:     getEnv("POSTGRES_USER", "pool"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "pool"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		InfluxURL:        getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "pool"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "mining"),

		NicehashAPIURL: getEnv("NICEHASH_API_URL", "https://api2.nicehash.com"),

		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Minute),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxConnections: getEnvInt("MAX_CONNECTIONS", 10000),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}
	if c.ClusterFile == "" {
		return fmt.Errorf("POOL_CONFIG cannot be empty")
	}
	if c.DaemonRPCPort <= 0 || c.DaemonRPCPort > 65535 {
		return fmt.Errorf("DAEMON_RPC_PORT must be between 1 and 65535")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	return nil
}

// Environment variable helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}
