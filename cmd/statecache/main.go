package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/uhyunpark/statecache/params"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/api"
	"github.com/uhyunpark/statecache/pkg/bus"
	"github.com/uhyunpark/statecache/pkg/cache"
	"github.com/uhyunpark/statecache/pkg/feed"
	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
	"github.com/uhyunpark/statecache/pkg/util"
	"go.uber.org/zap"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "statecache",
		Short: "Trading state cache with write-behind persistence",
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "env file (default is ./.env)")

	rootCmd.AddCommand(runCmd(), inspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (params.Config, error) {
	cfg := params.LoadFromEnv(envFile)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the cache, its API and the sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg params.Config) error {
	logger, err := util.NewLogger(cfg.Node.LogFile, cfg.Node.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Anomaly sinks ----
	recorder := anomaly.NewRecorder(cfg.Node.AnomalyBuffer)
	hub := api.NewHub(sugar)
	// the cache and the storage layer log their own anomalies
	reporters := []anomaly.Reporter{recorder, hub}

	var kafkaReporter *anomaly.KafkaReporter
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaReporter = anomaly.NewKafkaReporter(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
		reporters = append(reporters, kafkaReporter)
		sugar.Infow("kafka_anomaly_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	reporter := anomaly.Tee(reporters...)

	// ---- Storage ----
	storageCfg := cfg.StorageConfig()
	storageCfg.Reporter = reporter
	storageCfg.Logger = sugar
	backend, err := storage.Open(storageCfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}

	// ---- Cache ----
	marketBus := bus.New()
	metrics := cache.NewMetrics(prometheus.DefaultRegisterer)
	c, err := cache.New(cache.Options{
		StrategyID:   cfg.Strategy.StrategyID,
		UserID:       cfg.Strategy.UserID,
		Backend:      backend,
		Bus:          marketBus,
		Reporter:     reporter,
		Logger:       sugar,
		Metrics:      metrics,
		SyncInterval: cfg.Cache.SyncInterval,
		ExpiredTime:  cfg.Cache.ExpiredTime,
		OnOrderEvicted: func(o types.Order) {
			sugar.Debugw("order_evicted", "order_id", o.UUID, "status", o.Status)
		},
	})
	if err != nil {
		backend.Close()
		return err
	}
	if err := c.Start(ctx); err != nil {
		backend.Close()
		return fmt.Errorf("warm start: %w", err)
	}

	sugar.Infow("cache_started",
		"strategy_id", cfg.Strategy.StrategyID,
		"user_id", cfg.Strategy.UserID,
		"backend", cfg.Storage.Backend,
		"sync_interval", cfg.Cache.SyncInterval,
		"expired_time", cfg.Cache.ExpiredTime)

	// ---- Simulated feed (optional) ----
	// Enable with: ENABLE_SIMFEED=true SIMFEED_MODE=default|high
	if cfg.SimFeed.Enabled {
		feedCfg := feed.DefaultFeederConfig()
		if cfg.SimFeed.Mode == "high" {
			feedCfg = feed.HighLoadFeederConfig()
		}
		if len(cfg.SimFeed.Symbols) > 0 {
			feedCfg.Symbols = cfg.SimFeed.Symbols
		}
		sugar.Infow("simfeed_enabled", "mode", cfg.SimFeed.Mode, "symbols", feedCfg.Symbols)
		cancelFeeder := feed.StartFeeder(ctx, marketBus, c, feedCfg, sugar)
		defer cancelFeeder()
	}

	// ---- API Server ----
	apiServer := api.NewServer(c, recorder, hub, sugar, api.Config{
		AllowedOrigins: cfg.Node.AllowedOrigins,
		Gatherer:       prometheus.DefaultGatherer,
	})
	hub.StreamMarket(ctx, marketBus)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start(ctx, cfg.Node.APIAddr)
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal_received")
	case err := <-serverErr:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	if err := c.Close(shutdownCtx); err != nil {
		sugar.Warnw("cache_close_failed", "err", err)
	}
	if kafkaReporter != nil {
		if err := kafkaReporter.Close(); err != nil {
			sugar.Warnw("kafka_close_failed", "err", err)
		}
	}

	sugar.Info("statecache_stopped")
	return nil
}

func inspectCmd() *cobra.Command {
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Read persisted state from the configured backend",
	}
	inspect.AddCommand(&cobra.Command{
		Use:   "order <id>",
		Short: "Print one persisted order or algo order as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return inspectOrder(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
		},
	})
	return inspect
}

func inspectOrder(ctx context.Context, cfg params.Config, id string, out io.Writer) error {
	storageCfg := cfg.StorageConfig()
	storageCfg.Logger = zap.NewNop().Sugar()
	backend, err := storage.Open(storageCfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	defer backend.Close()

	var (
		record any
		ok     bool
	)
	if types.IsAlgoOrderID(id) {
		record, ok, err = backend.GetAlgoOrder(ctx, id)
	} else {
		record, ok, err = backend.GetOrder(ctx, id)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}

	data, err := sonic.ConfigStd.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
