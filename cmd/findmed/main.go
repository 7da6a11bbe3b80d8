package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/VeeNyanjau/findme-demo/server"
	"github.com/VeeNyanjau/findme-demo/server/metrics"
	"github.com/VeeNyanjau/findme-demo/server/store"
)

func main() {
	cfg := server.Config{}
	var (
		logFile    string
		logLevel   string
		logMaxSize int
		logMaxAge  int
	)

	flag.StringVar(&cfg.ListenAddr, "listen-addr", ":8080", "HTTP bind address")
	flag.StringVar(&cfg.Handle, "handle", "", "Node handle; allocated on first start when empty")
	flag.StringVar(&cfg.Phone, "phone", "", "Contact phone attached to outgoing alerts")
	flag.StringVar(&cfg.Community, "community", "", "Default community to bind to")
	flag.DurationVar(&cfg.Lookback, "lookback", 5*time.Minute, "Freshness watermark lookback window")
	flag.StringVar(&cfg.StoreType, "store", "memory", "Store backend: memory, redis, or kafka")
	flag.StringVar(&cfg.Redis.Addr, "redis-addr", "", "Redis address, e.g. localhost:6379")
	flag.StringVar(&cfg.Redis.Password, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.Redis.DB, "redis-db", 0, "Redis database index")
	flag.IntVar(&cfg.Redis.PoolSize, "redis-pool-size", 10, "Redis connection pool size")
	flag.StringVar(&cfg.Redis.KeyPrefix, "redis-key-prefix", "", "Redis key namespace")
	flag.StringVar(&cfg.Kafka.Brokers, "kafka-brokers", "", "Kafka broker addresses (comma-separated)")
	flag.StringVar(&cfg.Kafka.TopicPrefix, "kafka-topic-prefix", "", "Kafka topic namespace")
	flag.StringVar(&logFile, "log-file", "", "Log file path; stderr only when empty")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.IntVar(&logMaxSize, "log-max-size", 100, "Max log file size in MB before rotation")
	flag.IntVar(&logMaxAge, "log-max-age", 28, "Max age of rotated log files in days")
	flag.Parse()

	log, err := buildLogger(logFile, logLevel, logMaxSize, logMaxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		log.Errorw("Invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(cfg, log)
	if err != nil {
		log.Errorw("Failed to connect store", "store", cfg.StoreType, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	srv := server.New(cfg, st, metrics.New(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Errorw("Failed to start server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infow("Received shutdown signal, shutting down gracefully", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
}

// buildLogger creates the process logger: console output always, plus a
// rotated file when a path is configured.
func buildLogger(file, level string, maxSizeMB, maxAgeDays int) (*zap.SugaredLogger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			zapLevel,
		),
	}

	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxAge:     maxAgeDays,
			MaxBackups: 5,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotated),
			zapLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)).Sugar(), nil
}

// buildStore connects the configured backend. The kafka backend carries only
// the event log, so it borrows Redis for the key-value surface.
func buildStore(cfg server.Config, log *zap.SugaredLogger) (store.Store, error) {
	switch cfg.StoreType {
	case server.StoreMemory:
		log.Warnw("Using the in-memory store; nothing survives a restart")
		return store.NewMemoryStore(), nil

	case server.StoreRedis:
		return store.NewRedisStore(cfg.Redis, log)

	case server.StoreKafka:
		kv, err := store.NewRedisStore(cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect key-value backend: %w", err)
		}
		return store.NewKafkaStore(cfg.Kafka, kv, log)

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
}
