package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"orbitguard/pkg/platform/strings"
)

// Server captures process configuration loaded from ORBITGUARD_* variables.
type Server struct {
	Addr       string `env:"ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	PolicyFile string `env:"POLICY_FILE"`
	// JWTSigningKey enables operator bearer auth on submit endpoints when set.
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`
	JWTIssuer     string `env:"JWT_ISSUER" envDefault:"orbitguard"`
	Parallelism   int    `env:"BATCH_PARALLELISM" envDefault:"4"`

	Ledger LedgerConfig `envPrefix:"LEDGER_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Kafka  KafkaConfig  `envPrefix:"KAFKA_"`
}

// LedgerConfig selects the audit ledger backend. Driver "memory" keeps
// records in process; "sqlite" and "postgres" are durable.
type LedgerConfig struct {
	Driver       string        `env:"DRIVER" envDefault:"sqlite"`
	DSN          string        `env:"DSN" envDefault:"orbitguard.db"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"5"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"50ms"`
}

// RedisConfig backs the strategy snapshot cache. Empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"1"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	SnapshotTTL  time.Duration `env:"SNAPSHOT_TTL" envDefault:"24h"`
}

// KafkaConfig backs the decision outbox relay. No brokers disables it.
type KafkaConfig struct {
	Brokers           []string      `env:"BROKERS" envSeparator:","`
	Topic             string        `env:"TOPIC" envDefault:"orbitguard.decisions"`
	ClientID          string        `env:"CLIENT_ID" envDefault:"orbitguard"`
	Partitions        int32         `env:"PARTITIONS" envDefault:"3"`
	ReplicationFactor int16         `env:"REPLICATION_FACTOR" envDefault:"1"`
	RelayInterval     time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	RelayBatch        int           `env:"RELAY_BATCH" envDefault:"100"`
}

// FromEnv builds a Server config from the environment so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ORBITGUARD_"}); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = strings.DedupeAndTrim(cfg.Kafka.Brokers)
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return cfg, nil
}
