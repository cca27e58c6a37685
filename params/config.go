package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uhyunpark/statecache/pkg/storage"
)

type Strategy struct {
	StrategyID string
	UserID     string
}

type Storage struct {
	Backend    storage.Kind // "pebble" or "sql"
	PebblePath string
	SQLDriver  string // "sqlite" or "postgres"
	SQLDSN     string
}

type Cache struct {
	// SyncInterval is the period of the write-behind loop
	SyncInterval time.Duration
	// ExpiredTime is how long a closed order stays in memory after its last update.
	// Open orders older than this are evicted too and reported.
	ExpiredTime time.Duration
}

type Node struct {
	APIAddr        string
	LogFile        string
	Debug          bool
	AllowedOrigins []string
	AnomalyBuffer  int // size of the in-memory anomaly ring served by the API
}

type Kafka struct {
	Brokers []string // empty disables the kafka anomaly sink
	Topic   string
}

type SimFeed struct {
	Enabled bool
	Mode    string // "default" or "high"
	Symbols []string
}

type Config struct {
	Strategy Strategy
	Storage  Storage
	Cache    Cache
	Node     Node
	Kafka    Kafka
	SimFeed  SimFeed
}

func Default() Config {
	return Config{
		Strategy: Strategy{
			StrategyID: "default",
			UserID:     "local",
		},
		Storage: Storage{
			Backend:    storage.KindPebble,
			PebblePath: "data/statecache",
			SQLDriver:  "sqlite",
			SQLDSN:     "data/statecache.db",
		},
		Cache: Cache{
			SyncInterval: 60 * time.Second,
			ExpiredTime:  time.Hour,
		},
		Node: Node{
			APIAddr:       ":8080",
			LogFile:       "data/statecache.log",
			AnomalyBuffer: 256,
		},
		Kafka: Kafka{
			Topic: "statecache.anomalies",
		},
		SimFeed: SimFeed{
			Mode: "default",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Strategy.StrategyID = getEnv("STRATEGY_ID", cfg.Strategy.StrategyID)
	cfg.Strategy.UserID = getEnv("USER_ID", cfg.Strategy.UserID)

	cfg.Storage.Backend = storage.Kind(strings.ToLower(getEnv("STORAGE_BACKEND", string(cfg.Storage.Backend))))
	cfg.Storage.PebblePath = getEnv("PEBBLE_PATH", cfg.Storage.PebblePath)
	cfg.Storage.SQLDriver = strings.ToLower(getEnv("SQL_DRIVER", cfg.Storage.SQLDriver))
	cfg.Storage.SQLDSN = getEnv("SQL_DSN", cfg.Storage.SQLDSN)

	if sec, ok := getEnvInt("SYNC_INTERVAL_SEC"); ok {
		cfg.Cache.SyncInterval = time.Duration(sec) * time.Second
	}
	if sec, ok := getEnvInt("EXPIRED_TIME_SEC"); ok {
		cfg.Cache.ExpiredTime = time.Duration(sec) * time.Second
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if verbose := os.Getenv("VERBOSE"); verbose != "" {
		cfg.Node.Debug = verbose == "true"
	}
	if origins := splitList(os.Getenv("ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.Node.AllowedOrigins = origins
	}
	if n, ok := getEnvInt("ANOMALY_BUFFER"); ok {
		cfg.Node.AnomalyBuffer = n
	}

	// Comma-separated, e.g. "localhost:9092,localhost:9093"
	if brokers := splitList(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	if enabled := os.Getenv("ENABLE_SIMFEED"); enabled != "" {
		cfg.SimFeed.Enabled = enabled == "true"
	}
	cfg.SimFeed.Mode = getEnv("SIMFEED_MODE", cfg.SimFeed.Mode)
	if symbols := splitList(os.Getenv("SIMFEED_SYMBOLS")); len(symbols) > 0 {
		cfg.SimFeed.Symbols = symbols
	}

	return cfg
}

// Validate rejects configurations the node cannot start with
func (c Config) Validate() error {
	if c.Strategy.StrategyID == "" || c.Strategy.UserID == "" {
		return fmt.Errorf("STRATEGY_ID and USER_ID must be set")
	}
	if c.Cache.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.Cache.SyncInterval)
	}
	if c.Cache.ExpiredTime <= 0 {
		return fmt.Errorf("expired time must be positive, got %s", c.Cache.ExpiredTime)
	}
	if c.Node.AnomalyBuffer <= 0 {
		return fmt.Errorf("anomaly buffer must be positive, got %d", c.Node.AnomalyBuffer)
	}
	switch c.Storage.Backend {
	case storage.KindPebble:
		if c.Storage.PebblePath == "" {
			return fmt.Errorf("PEBBLE_PATH must be set for the pebble backend")
		}
	case storage.KindSQL:
		if c.Storage.SQLDriver != "sqlite" && c.Storage.SQLDriver != "postgres" {
			return fmt.Errorf("unknown SQL_DRIVER %q", c.Storage.SQLDriver)
		}
		if c.Storage.SQLDSN == "" {
			return fmt.Errorf("SQL_DSN must be set for the sql backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	return nil
}

// StorageConfig returns the backend settings for storage.Open
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Kind:       c.Storage.Backend,
		StrategyID: c.Strategy.StrategyID,
		UserID:     c.Strategy.UserID,
		PebblePath: c.Storage.PebblePath,
		SQLDriver:  c.Storage.SQLDriver,
		SQLDSN:     c.Storage.SQLDSN,
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
